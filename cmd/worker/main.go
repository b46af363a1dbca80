package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"railtrace.opentransit.org/internal/appconf"
	"railtrace.opentransit.org/internal/fetch"
	"railtrace.opentransit.org/internal/ingest"
	"railtrace.opentransit.org/internal/logging"
	"railtrace.opentransit.org/internal/metrics"
	"railtrace.opentransit.org/traindb"
)

type config struct {
	dsn              string
	env              string
	trainInterval    time.Duration
	stationInterval  time.Duration
	fetchTimeout     time.Duration
	metricsAddr      string
	proxyList        string
	proxyProviderURL string
	proxyRefresh     time.Duration
}

func main() {
	// Load .env into the environment (ignore if missing)
	_ = godotenv.Load()

	var cfg config
	flag.StringVar(&cfg.dsn, "db-dsn", envDefault("DATABASE_URL", "railtrace.db"), "SQLite path or postgres:// DSN")
	flag.StringVar(&cfg.env, "env", envDefault("ENV", "development"), "Environment (development|test|production)")
	flag.DurationVar(&cfg.trainInterval, "train-interval", envDuration("TRAIN_POLL_INTERVAL", 10*time.Second), "Train feed poll interval")
	flag.DurationVar(&cfg.stationInterval, "station-interval", envDuration("STATION_POLL_INTERVAL", 120*time.Second), "Station feed poll interval")
	flag.DurationVar(&cfg.fetchTimeout, "fetch-timeout", 30*time.Second, "Upstream request timeout")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", os.Getenv("METRICS_ADDR"), "Metrics listen address (empty disables)")
	flag.StringVar(&cfg.proxyList, "proxies", os.Getenv("OUTBOUND_PROXIES"), "Comma separated outbound proxy URLs")
	flag.StringVar(&cfg.proxyProviderURL, "proxy-provider-url", os.Getenv("PROXY_PROVIDER_URL"), "URL returning one proxy per line")
	flag.DurationVar(&cfg.proxyRefresh, "proxy-refresh", envDuration("PROXY_REFRESH_INTERVAL", time.Hour), "Proxy list refresh interval")
	flag.Parse()

	logger := logging.NewStructuredLogger(os.Stdout, slog.LevelInfo)
	slog.SetDefault(logger)

	dbClient, err := traindb.NewClient(traindb.NewConfig(cfg.dsn, appconf.EnvFlagToEnvironment(cfg.env), true))
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = dbClient.Close() }()

	var pool *fetch.ProxyPool
	if cfg.proxyList != "" || cfg.proxyProviderURL != "" {
		pool = fetch.NewProxyPool(splitList(cfg.proxyList), cfg.proxyProviderURL, cfg.proxyRefresh, logger)
	}

	fetcher := fetch.NewClient(fetch.DefaultEndpoints(), cfg.fetchTimeout, pool)
	collector := metrics.NewCollector()
	reconciler := ingest.NewReconciler(dbClient, logger)

	pollerConfig := ingest.DefaultPollerConfig()
	pollerConfig.TrainInterval = cfg.trainInterval
	pollerConfig.StationInterval = cfg.stationInterval
	poller := ingest.NewPoller(fetcher, reconciler, collector, logger, pollerConfig)

	var metricsSrv *http.Server
	if cfg.metricsAddr != "" {
		metricsSrv = collector.Serve(cfg.metricsAddr, logger)
	}

	logger.Info("starting ingestion worker",
		"env", cfg.env,
		"train_interval", cfg.trainInterval.String(),
		"station_interval", cfg.stationInterval.String())
	poller.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down gracefully")
	poller.Shutdown()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("worker shutdown complete")
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
