package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railtrace.opentransit.org/internal/appconf"
	"railtrace.opentransit.org/internal/feed"
	"railtrace.opentransit.org/internal/logging"
	"railtrace.opentransit.org/traindb"
)

func newTestReconciler(t *testing.T) (*Reconciler, *traindb.Client) {
	t.Helper()
	client, err := traindb.NewClient(traindb.NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	r := NewReconciler(client, logging.NewStructuredLogger(io.Discard, slog.LevelError))
	r.now = func() time.Time { return time.Date(2024, 2, 6, 9, 0, 0, 0, time.UTC) }
	return r, client
}

func snapshotFixture(number, id, state string) feed.TrainSnapshot {
	return feed.TrainSnapshot{
		RouteName:   "Empire Builder",
		TrainNumber: number,
		ID:          id,
		State:       state,
		Waypoints: []feed.Waypoint{
			{Code: "CHI", Timezone: "America/Chicago"},
			{Code: "MSP", Timezone: "America/Chicago"},
		},
	}
}

func feedWith(snapshots ...feed.TrainSnapshot) map[string][]feed.TrainSnapshot {
	trains := make(map[string][]feed.TrainSnapshot)
	for _, s := range snapshots {
		trains[s.TrainNumber] = append(trains[s.TrainNumber], s)
	}
	return trains
}

func stationCacheFixture() map[string]feed.Station {
	return map[string]feed.Station{
		"CHI": {Code: "CHI", Name: "Chicago Union", Lat: 41.8789, Lon: -87.6404},
		"MSP": {Code: "MSP", Name: "Saint Paul Union Depot", Lat: 44.9477, Lon: -93.0857},
		"SEA": {Code: "SEA", Name: "King Street", Lat: 47.5990, Lon: -122.3300},
	}
}

func TestReconcileTrains_CreatesNewOccurrences(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	report, err := r.ReconcileTrains(ctx, feedWith(
		snapshotFixture("8", "1708", feed.StateActive),
		snapshotFixture("8", "1808", feed.StatePredeparture),
	), stationCacheFixture())
	require.NoError(t, err)
	assert.Equal(t, Report{Created: 2}, report)

	row, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Equal(t, feed.StateActive, row.TrainState)

	// Creation captures the initial reference snapshot, filtered to this
	// train's own stops.
	var captured map[string]feed.Station
	require.NoError(t, json.Unmarshal(row.StationsSnapshot, &captured))
	assert.Len(t, captured, 2)
	assert.Contains(t, captured, "CHI")
	assert.Contains(t, captured, "MSP")
	assert.NotContains(t, captured, "SEA")
}

func TestReconcileTrains_UpdateIsIdempotent(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	trains := feedWith(snapshotFixture("8", "1708", feed.StateActive))
	_, err := r.ReconcileTrains(ctx, trains, nil)
	require.NoError(t, err)

	report, err := r.ReconcileTrains(ctx, trains, nil)
	require.NoError(t, err)
	assert.Equal(t, Report{Updated: 1}, report)

	rows, err := client.Queries.ListTrainsForNumber(ctx, "8")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "same occurrence never duplicates")
}

func TestReconcileTrains_SnapshotCapturedAtTransitionOnly(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	// Created while the station cache is empty: no snapshot yet.
	_, err := r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StatePredeparture)), nil)
	require.NoError(t, err)

	row, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Nil(t, row.StationsSnapshot)

	// Same state again, cache now available: still no capture.
	_, err = r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StatePredeparture)), stationCacheFixture())
	require.NoError(t, err)
	row, err = client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Nil(t, row.StationsSnapshot)

	// The transition to Active captures it.
	_, err = r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StateActive)), stationCacheFixture())
	require.NoError(t, err)
	row, err = client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	require.NotNil(t, row.StationsSnapshot)

	// A later non-transition update leaves the captured snapshot alone.
	shrunk := map[string]feed.Station{"CHI": {Code: "CHI", Name: "Renamed"}}
	_, err = r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StateActive)), shrunk)
	require.NoError(t, err)

	after, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Equal(t, string(row.StationsSnapshot), string(after.StationsSnapshot))
}

func TestReconcileTrains_VanishedTrainForcedToCompleted(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileTrains(ctx, feedWith(
		snapshotFixture("8", "1708", feed.StateActive),
		snapshotFixture("30", "3006", feed.StateActive),
	), nil)
	require.NoError(t, err)

	// Next cycle train 30 is gone from the feed.
	report, err := r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StateActive)), nil)
	require.NoError(t, err)
	assert.Equal(t, Report{Updated: 1, Completed: 1}, report)

	row, err := client.Queries.GetTrain(ctx, "30", "3006")
	require.NoError(t, err)
	assert.Equal(t, feed.StateCompleted, row.TrainState)

	// The embedded document is corrected too, not just the column.
	var stored feed.TrainSnapshot
	require.NoError(t, json.Unmarshal(row.Data, &stored))
	assert.Equal(t, feed.StateCompleted, stored.State)
}

func TestReconcileTrains_RepairsDriftedRows(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	// A row whose column already says Completed but whose document drifted
	// and still says Active. It must be picked up and fully repaired.
	require.NoError(t, client.Queries.InsertTrain(ctx, traindb.Train{
		TrainNumber: "30",
		TrainID:     "drift",
		TrainState:  feed.StateCompleted,
		Data:        []byte(`{"number":"30","id":"drift","state":"Active"}`),
		UpdatedAt:   time.Now().UTC(),
	}))

	report, err := r.ReconcileTrains(ctx, map[string][]feed.TrainSnapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	row, err := client.Queries.GetTrain(ctx, "30", "drift")
	require.NoError(t, err)
	var stored feed.TrainSnapshot
	require.NoError(t, json.Unmarshal(row.Data, &stored))
	assert.Equal(t, feed.StateCompleted, stored.State)
}

func TestReconcileTrains_CompletedNeverRegresses(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StateCompleted)), nil)
	require.NoError(t, err)

	// A completed train absent from later feeds stays untouched.
	report, err := r.ReconcileTrains(ctx, map[string][]feed.TrainSnapshot{}, nil)
	require.NoError(t, err)
	assert.Zero(t, report.Completed)

	row, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Equal(t, feed.StateCompleted, row.TrainState)
}

func TestReconcileTrains_WritesFreshnessMark(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StateActive)), nil)
	require.NoError(t, err)

	mark, err := client.Queries.GetMetadata(ctx, traindb.MetaLastTrainUpdate)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-06T09:00:00Z", mark.Value)
}

func TestReconcileTrains_FailureRollsBackWholeCycle(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	_, err := r.ReconcileTrains(ctx, feedWith(snapshotFixture("8", "1708", feed.StateActive)), nil)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = r.ReconcileTrains(cancelled, feedWith(
		snapshotFixture("8", "1708", feed.StateActive),
		snapshotFixture("30", "3006", feed.StateActive),
	), nil)
	require.ErrorIs(t, err, ErrPersistence)

	// Nothing from the failed cycle is visible.
	_, err = client.Queries.GetTrain(ctx, "30", "3006")
	assert.Error(t, err)
}

func TestReconcileStations(t *testing.T) {
	r, client := newTestReconciler(t)
	ctx := context.Background()

	count, err := r.ReconcileStations(ctx, stationCacheFixture())
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	stations, err := client.Queries.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 3)

	mark, err := client.Queries.GetMetadata(ctx, traindb.MetaLastStationUpdate)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-06T09:00:00Z", mark.Value)

	// Re-running with changed data overwrites rather than duplicates.
	updated := stationCacheFixture()
	chi := updated["CHI"]
	chi.Name = "Chicago Union Station"
	updated["CHI"] = chi

	_, err = r.ReconcileStations(ctx, updated)
	require.NoError(t, err)

	stations, err = client.Queries.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 3)
	assert.Equal(t, "Chicago Union Station", stations[0].Name)
}

func TestRewriteEmbeddedState_UndecodableDocumentUnchanged(t *testing.T) {
	r, _ := newTestReconciler(t)

	row := traindb.Train{TrainNumber: "8", TrainID: "x", Data: []byte("not json")}
	assert.Equal(t, []byte("not json"), r.rewriteEmbeddedState(row, feed.StateCompleted))
}
