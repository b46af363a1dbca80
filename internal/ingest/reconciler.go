package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"railtrace.opentransit.org/internal/feed"
	"railtrace.opentransit.org/internal/logging"
	"railtrace.opentransit.org/traindb"
)

// ErrPersistence marks store failures. The cycle's transaction rolls back
// and the cycle is retried on the next tick.
var ErrPersistence = errors.New("persistence error")

// trainKey identifies one train occurrence.
type trainKey struct {
	Number string
	ID     string
}

// Report summarizes what one reconciliation cycle changed.
type Report struct {
	Created   int
	Updated   int
	Completed int
}

// Reconciler merges feed snapshots into the durable train history. All
// writes of one cycle happen in a single transaction: either the whole
// cycle commits, including the freshness mark, or none of it does.
type Reconciler struct {
	client *traindb.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(client *traindb.Client, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		client: client,
		logger: logger.With(slog.String("component", "reconciler")),
		now:    time.Now,
	}
}

// ReconcileTrains upserts every snapshot observed this cycle, then
// force-completes any stored train that is still marked underway but was
// absent from the feed. stationCache may be nil when the station feed has
// not been fetched yet; snapshots are then left untouched.
func (r *Reconciler) ReconcileTrains(ctx context.Context, trains map[string][]feed.TrainSnapshot, stationCache map[string]feed.Station) (Report, error) {
	var report Report

	tx, err := r.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer logging.SafeRollbackWithLogging(tx, r.logger, "reconcile_trains")

	q := r.client.Queries.WithTx(tx)
	now := r.now().UTC()

	seen := make(map[trainKey]bool)
	for _, snapshots := range trains {
		for _, snapshot := range snapshots {
			seen[trainKey{snapshot.TrainNumber, snapshot.ID}] = true

			created, err := r.upsertTrain(ctx, q, snapshot, stationCache, now)
			if err != nil {
				return Report{}, err
			}
			if created {
				report.Created++
			} else {
				report.Updated++
			}
		}
	}

	completed, err := r.completeVanished(ctx, q, seen, now)
	if err != nil {
		return Report{}, err
	}
	report.Completed = completed

	if err := q.SetMetadata(ctx, traindb.MetaLastTrainUpdate, now.Format(time.RFC3339), now); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return Report{}, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return report, nil
}

func (r *Reconciler) upsertTrain(ctx context.Context, q *traindb.Queries, snapshot feed.TrainSnapshot, stationCache map[string]feed.Station, now time.Time) (bool, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("%w: marshaling train %s/%s: %v",
			ErrPersistence, snapshot.TrainNumber, snapshot.ID, err)
	}

	existing, err := q.GetTrain(ctx, snapshot.TrainNumber, snapshot.ID)
	if errors.Is(err, sql.ErrNoRows) {
		row := traindb.Train{
			TrainNumber:      snapshot.TrainNumber,
			TrainID:          snapshot.ID,
			RouteName:        snapshot.RouteName,
			DepartureDate:    nullTime(snapshot.DepartureDate),
			TrainState:       snapshot.State,
			StationsSnapshot: snapshotForWaypoints(stationCache, &snapshot),
			Data:             data,
			UpdatedAt:        now,
		}
		if err := q.InsertTrain(ctx, row); err != nil {
			return false, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: reading train %s/%s: %v",
			ErrPersistence, snapshot.TrainNumber, snapshot.ID, err)
	}

	// Capture the reference snapshot at the transition boundary, before
	// the state column is overwritten. Historical trains must render
	// against the station data that was true when they transitioned.
	if snapshot.State != existing.TrainState {
		if blob := snapshotForWaypoints(stationCache, &snapshot); blob != nil {
			if err := q.UpdateTrainSnapshot(ctx, snapshot.TrainNumber, snapshot.ID, blob); err != nil {
				return false, fmt.Errorf("%w: %v", ErrPersistence, err)
			}
		}
	}

	row := traindb.Train{
		TrainNumber:   snapshot.TrainNumber,
		TrainID:       snapshot.ID,
		RouteName:     snapshot.RouteName,
		DepartureDate: nullTime(snapshot.DepartureDate),
		TrainState:    snapshot.State,
		Data:          data,
		UpdatedAt:     now,
	}
	if err := q.UpdateTrain(ctx, row); err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return false, nil
}

// completeVanished terminates trains that silently dropped out of the feed.
// Both the state column and the state embedded in the data document are
// rewritten; either one may have drifted and downstream readers use both.
func (r *Reconciler) completeVanished(ctx context.Context, q *traindb.Queries, seen map[trainKey]bool, now time.Time) (int, error) {
	unfinished, err := q.ListUnfinishedTrains(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: listing unfinished trains: %v", ErrPersistence, err)
	}

	completed := 0
	for _, row := range unfinished {
		if seen[trainKey{row.TrainNumber, row.TrainID}] {
			continue
		}

		logging.LogOperation(r.logger, "completing_vanished_train",
			slog.String("train_number", row.TrainNumber),
			slog.String("train_id", row.TrainID),
			slog.String("previous_state", row.TrainState))

		data := r.rewriteEmbeddedState(row, feed.StateCompleted)
		if err := q.MarkTrainCompleted(ctx, row.TrainNumber, row.TrainID, data, now); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		completed++
	}
	return completed, nil
}

// rewriteEmbeddedState returns the row's data document with its state field
// replaced. An undecodable document is returned unchanged; the state column
// still gets corrected by the caller.
func (r *Reconciler) rewriteEmbeddedState(row traindb.Train, state string) []byte {
	var snapshot feed.TrainSnapshot
	if err := json.Unmarshal(row.Data, &snapshot); err != nil {
		logging.LogError(r.logger, "train data document is not decodable", err,
			slog.String("train_number", row.TrainNumber),
			slog.String("train_id", row.TrainID))
		return row.Data
	}
	if snapshot.State == state {
		return row.Data
	}

	snapshot.State = state
	data, err := json.Marshal(snapshot)
	if err != nil {
		return row.Data
	}
	return data
}

// ReconcileStations upserts the latest reference locations.
func (r *Reconciler) ReconcileStations(ctx context.Context, stations map[string]feed.Station) (int, error) {
	tx, err := r.client.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrPersistence, err)
	}
	defer logging.SafeRollbackWithLogging(tx, r.logger, "reconcile_stations")

	q := r.client.Queries.WithTx(tx)
	now := r.now().UTC()

	for code, station := range stations {
		data, err := json.Marshal(station)
		if err != nil {
			return 0, fmt.Errorf("%w: marshaling station %s: %v", ErrPersistence, code, err)
		}
		row := traindb.Station{
			Code:      station.Code,
			Name:      station.Name,
			Lat:       station.Lat,
			Lon:       station.Lon,
			Data:      data,
			UpdatedAt: now,
		}
		if err := q.UpsertStation(ctx, row); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	if err := q.SetMetadata(ctx, traindb.MetaLastStationUpdate, now.Format(time.RFC3339), now); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrPersistence, err)
	}
	return len(stations), nil
}

// snapshotForWaypoints filters the station cache down to the stops on this
// train's route. Returns nil when the cache is unavailable.
func snapshotForWaypoints(stationCache map[string]feed.Station, snapshot *feed.TrainSnapshot) []byte {
	if stationCache == nil {
		return nil
	}

	relevant := make(map[string]feed.Station)
	for _, code := range snapshot.WaypointCodes() {
		if station, ok := stationCache[code]; ok {
			relevant[code] = station
		}
	}

	blob, err := json.Marshal(relevant)
	if err != nil {
		return nil
	}
	return blob
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
