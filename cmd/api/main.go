package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"railtrace.opentransit.org/internal/app"
	"railtrace.opentransit.org/internal/appconf"
	"railtrace.opentransit.org/internal/logging"
	"railtrace.opentransit.org/internal/restapi"
	"railtrace.opentransit.org/traindb"
)

func main() {
	_ = godotenv.Load()

	var port int
	var env, dsn string
	var staleThreshold time.Duration

	flag.IntVar(&port, "port", 4000, "API server port")
	flag.StringVar(&env, "env", "development", "Environment (development|test|production)")
	flag.StringVar(&dsn, "db-dsn", envDefault("DATABASE_URL", "railtrace.db"), "SQLite path or postgres:// DSN")
	flag.DurationVar(&staleThreshold, "stale-threshold", 300*time.Second, "Age beyond which train data counts as stale")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stdout, slog.LevelInfo)

	dbClient, err := traindb.NewClient(traindb.NewConfig(dsn, appconf.EnvFlagToEnvironment(env), false))
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = dbClient.Close() }()

	application := &app.Application{
		Config: app.Config{
			Port:           port,
			Env:            appconf.EnvFlagToEnvironment(env),
			StaleThreshold: staleThreshold,
		},
		Logger:  logger,
		TrainDB: dbClient,
	}

	api := restapi.NewRestAPI(application)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      api.Router(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	logger.Info("starting server", "addr", srv.Addr, "env", env)
	err = srv.ListenAndServe()
	logger.Error(err.Error())
	os.Exit(1)
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
