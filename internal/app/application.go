package app

import (
	"log/slog"
	"time"

	"railtrace.opentransit.org/internal/appconf"
	"railtrace.opentransit.org/traindb"
)

// Application holds the dependencies for the HTTP handlers, helpers, and
// middleware of the read-only query layer.
type Application struct {
	Config  Config
	Logger  *slog.Logger
	TrainDB *traindb.Client
}

// Config holds all the configuration settings for our Application. These
// are read from command-line flags (and the environment) when the process
// starts.
type Config struct {
	Port int
	Env  appconf.Environment

	// StaleThreshold is the age of the last successful train cycle beyond
	// which the health endpoint reports the data as stale.
	StaleThreshold time.Duration
}
