package traindb

import (
	"database/sql"
	"log/slog"
)

// Client is the main entry point for the store
type Client struct {
	config  Config
	DB      *sql.DB
	Queries *Queries
}

// NewClient creates a new Client with the provided configuration
func NewClient(config Config) (*Client, error) {
	db, err := createDB(config)
	if err != nil {
		return nil, err
	}
	if config.verbose {
		slog.Default().Info("database ready", slog.String("dialect", config.Dialect().String()))
	}

	return &Client{
		config:  config,
		DB:      db,
		Queries: New(db, config.Dialect()),
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}
