package traindb

import (
	"strings"

	"railtrace.opentransit.org/internal/appconf"
)

// Dialect selects the SQL engine behind the store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Config holds configuration options for the Client
type Config struct {
	// DSN is either a SQLite path (":memory:" included) or a
	// postgres:// connection string.
	DSN     string
	Env     appconf.Environment
	verbose bool
}

func NewConfig(dsn string, env appconf.Environment, verbose bool) Config {
	return Config{
		DSN:     dsn,
		Env:     env,
		verbose: verbose,
	}
}

// Dialect derives the engine from the DSN shape.
func (c Config) Dialect() Dialect {
	if strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}
