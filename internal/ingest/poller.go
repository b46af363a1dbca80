package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"railtrace.opentransit.org/internal/feed"
	"railtrace.opentransit.org/internal/fetch"
	"railtrace.opentransit.org/internal/logging"
	"railtrace.opentransit.org/internal/metrics"
)

// PollerConfig holds the cadence settings for the two feed cycles.
type PollerConfig struct {
	TrainInterval   time.Duration
	StationInterval time.Duration
	ErrorBackoff    time.Duration
	CycleTimeout    time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		TrainInterval:   10 * time.Second,
		StationInterval: 120 * time.Second,
		ErrorBackoff:    5 * time.Second,
		CycleTimeout:    60 * time.Second,
	}
}

// Poller drives the two polling cycles on independent cadences from a
// single goroutine, so cycles never overlap and the persisted rows see one
// writer. Station results are cached in memory and threaded into train
// cycles so transitions can capture reference snapshots even on ticks that
// did not re-fetch the station feed.
type Poller struct {
	fetcher    *fetch.Client
	reconciler *Reconciler
	collector  *metrics.Collector
	logger     *slog.Logger
	config     PollerConfig

	// stationCache is touched only by the poll goroutine.
	stationCache map[string]feed.Station

	shutdownChan chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

func NewPoller(fetcher *fetch.Client, reconciler *Reconciler, collector *metrics.Collector, logger *slog.Logger, config PollerConfig) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		fetcher:      fetcher,
		reconciler:   reconciler,
		collector:    collector,
		logger:       logger.With(slog.String("component", "poller")),
		config:       config,
		shutdownChan: make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
}

// Shutdown stops the loop and waits for an in-flight cycle to finish.
// Shutdown is observed between cycles, never mid-cycle.
func (p *Poller) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownChan)
		p.wg.Wait()
	})
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastTrainRun, lastStationRun time.Time

	for {
		select {
		case <-ticker.C:
			now := time.Now()

			// Stations first, so a due train cycle on the same tick
			// sees fresh reference data.
			if now.Sub(lastStationRun) >= p.config.StationInterval {
				lastStationRun = now
				p.runCycle("stations", p.stationCycle)
			}
			if now.Sub(lastTrainRun) >= p.config.TrainInterval {
				lastTrainRun = now
				p.runCycle("trains", p.trainCycle)
			}
		case <-p.shutdownChan:
			logging.LogOperation(p.logger, "shutting_down_poller")
			return
		}
	}
}

// runCycle contains one cycle's failure: any error is logged and the loop
// moves on to the next tick. Unexpected (non-decode) errors also add a
// short backoff so a misbehaving dependency is not hot-looped.
func (p *Poller) runCycle(name string, cycle func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.CycleTimeout)
	ctx = logging.WithLogger(ctx, p.logger)
	defer cancel()

	start := time.Now()
	err := cycle(ctx)
	elapsed := time.Since(start)

	if err == nil {
		p.collector.ObserveCycle(name, "success", elapsed)
		logging.LogOperation(p.logger, "poll_cycle_complete",
			slog.String("feed", name),
			slog.Duration("duration", elapsed))
		return
	}

	p.collector.ObserveCycle(name, outcomeForError(err), elapsed)
	logging.LogError(p.logger, "poll cycle failed", err, slog.String("feed", name))

	if !isDecodeError(err) {
		select {
		case <-time.After(p.config.ErrorBackoff):
		case <-p.shutdownChan:
		}
	}
}

func (p *Poller) trainCycle(ctx context.Context) error {
	plaintext, err := p.fetchAndDecrypt(ctx, p.fetcher.FetchTrainsPayload)
	if err != nil {
		return err
	}

	trains, err := feed.ParseTrains(plaintext, p.logger)
	if err != nil {
		return err
	}

	report, err := p.reconciler.ReconcileTrains(ctx, trains, p.stationCache)
	if err != nil {
		return err
	}

	p.collector.TrainsUpserted.Add(float64(report.Created + report.Updated))
	p.collector.TrainsCompleted.Add(float64(report.Completed))
	logging.LogOperation(p.logger, "trains_reconciled",
		slog.Int("created", report.Created),
		slog.Int("updated", report.Updated),
		slog.Int("completed", report.Completed))
	return nil
}

func (p *Poller) stationCycle(ctx context.Context) error {
	plaintext, err := p.fetchAndDecrypt(ctx, p.fetcher.FetchStationsPayload)
	if err != nil {
		return err
	}

	stations, err := feed.ParseStations(plaintext, p.logger)
	if err != nil {
		return err
	}

	count, err := p.reconciler.ReconcileStations(ctx, stations)
	if err != nil {
		return err
	}
	p.stationCache = stations

	p.collector.StationsUpserted.Add(float64(count))
	logging.LogOperation(p.logger, "stations_reconciled", slog.Int("count", count))
	return nil
}

// fetchAndDecrypt resolves fresh key material and recovers one payload's
// plaintext. Key material is never cached across cycles; the upstream table
// may rotate at any time.
func (p *Poller) fetchAndDecrypt(ctx context.Context, fetchPayload func(context.Context) ([]byte, error)) ([]byte, error) {
	routes, err := p.fetcher.FetchRoutes(ctx)
	if err != nil {
		return nil, err
	}
	table, err := p.fetcher.FetchKeyTable(ctx)
	if err != nil {
		return nil, err
	}
	key, err := feed.ResolveKeyMaterial(routes, table)
	if err != nil {
		return nil, err
	}

	payload, err := fetchPayload(ctx)
	if err != nil {
		return nil, err
	}
	return feed.DecryptPayload(payload, key)
}

// isDecodeError reports whether the failure is one of the known decode
// kinds, which resolve themselves on the next cycle without backoff.
func isDecodeError(err error) bool {
	return errors.Is(err, feed.ErrKeyIndexOutOfRange) ||
		errors.Is(err, feed.ErrDecryptionFailed) ||
		errors.Is(err, feed.ErrMalformedFeed)
}

func outcomeForError(err error) string {
	switch {
	case errors.Is(err, feed.ErrKeyIndexOutOfRange):
		return "key_index"
	case errors.Is(err, feed.ErrDecryptionFailed):
		return "decrypt"
	case errors.Is(err, feed.ErrMalformedFeed):
		return "malformed"
	case errors.Is(err, fetch.ErrTransientNetwork):
		return "network"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "unexpected"
	}
}
