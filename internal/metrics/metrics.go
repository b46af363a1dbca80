package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the worker's Prometheus registry and instruments.
type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec // labels: feed, outcome
	CycleDuration *prometheus.HistogramVec
	LastSuccess   *prometheus.GaugeVec

	TrainsUpserted   prometheus.Counter
	TrainsCompleted  prometheus.Counter
	StationsUpserted prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingestor_cycles_total",
			Help: "Poll cycles by feed and outcome.",
		}, []string{"feed", "outcome"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingestor_cycle_duration_seconds",
			Help:    "Duration of one fetch-decrypt-parse-reconcile cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"feed"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ingestor_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle per feed.",
		}, []string{"feed"}),
		TrainsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_trains_upserted_total",
			Help: "Train rows created or updated.",
		}),
		TrainsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_trains_completed_total",
			Help: "Trains force-completed after vanishing from the feed.",
		}),
		StationsUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingestor_stations_upserted_total",
			Help: "Station rows created or updated.",
		}),
	}

	reg.MustRegister(
		c.Cycles, c.CycleDuration, c.LastSuccess,
		c.TrainsUpserted, c.TrainsCompleted, c.StationsUpserted,
	)
	return c
}

// ObserveCycle records one finished cycle.
func (c *Collector) ObserveCycle(feed, outcome string, duration time.Duration) {
	c.Cycles.WithLabelValues(feed, outcome).Inc()
	c.CycleDuration.WithLabelValues(feed).Observe(duration.Seconds())
	if outcome == "success" {
		c.LastSuccess.WithLabelValues(feed).SetToCurrentTime()
	}
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in a background goroutine.
func (c *Collector) Serve(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}
