package traindb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railtrace.opentransit.org/internal/appconf"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(NewConfig(":memory:", appconf.Test, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testTrain(number, id, state string) Train {
	return Train{
		TrainNumber: number,
		TrainID:     id,
		RouteName:   "Empire Builder",
		DepartureDate: sql.NullTime{
			Time:  time.Date(2024, 2, 6, 8, 0, 0, 0, time.UTC),
			Valid: true,
		},
		TrainState: state,
		Data:       []byte(`{"state":"` + state + `"}`),
		UpdatedAt:  time.Date(2024, 2, 6, 9, 0, 0, 0, time.UTC),
	}
}

func TestNewClient_TestEnvRequiresMemoryStorage(t *testing.T) {
	_, err := NewClient(NewConfig("on-disk.db", appconf.Test, false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in-memory")
}

func TestConfigDialect(t *testing.T) {
	assert.Equal(t, DialectSQLite, NewConfig("railtrace.db", appconf.Development, false).Dialect())
	assert.Equal(t, DialectSQLite, NewConfig(":memory:", appconf.Test, false).Dialect())
	assert.Equal(t, DialectPostgres, NewConfig("postgres://user@host/db", appconf.Production, false).Dialect())
	assert.Equal(t, DialectPostgres, NewConfig("postgresql://user@host/db", appconf.Production, false).Dialect())
}

func TestRebind(t *testing.T) {
	sqlite := New(nil, DialectSQLite)
	assert.Equal(t, "SELECT * FROM t WHERE a = ? AND b = ?",
		sqlite.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	postgres := New(nil, DialectPostgres)
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2",
		postgres.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "no placeholders", postgres.rebind("no placeholders"))
}

func TestTrainInsertAndGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	train := testTrain("8", "1708", "Active")
	require.NoError(t, client.Queries.InsertTrain(ctx, train))

	got, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Equal(t, "Empire Builder", got.RouteName)
	assert.Equal(t, "Active", got.TrainState)
	assert.Nil(t, got.StationsSnapshot, "no snapshot stored yet")
	assert.JSONEq(t, `{"state":"Active"}`, string(got.Data))

	_, err = client.Queries.GetTrain(ctx, "8", "9999")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateTrainLeavesSnapshotAlone(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	train := testTrain("8", "1708", "Predeparture")
	train.StationsSnapshot = []byte(`{"CHI":{"code":"CHI"}}`)
	require.NoError(t, client.Queries.InsertTrain(ctx, train))

	train.TrainState = "Active"
	train.Data = []byte(`{"state":"Active"}`)
	require.NoError(t, client.Queries.UpdateTrain(ctx, train))

	got, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Equal(t, "Active", got.TrainState)
	assert.JSONEq(t, `{"CHI":{"code":"CHI"}}`, string(got.StationsSnapshot))
}

func TestUpdateTrainSnapshot(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Queries.InsertTrain(ctx, testTrain("8", "1708", "Predeparture")))
	require.NoError(t, client.Queries.UpdateTrainSnapshot(ctx, "8", "1708", []byte(`{"MSP":{"code":"MSP"}}`)))

	got, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.JSONEq(t, `{"MSP":{"code":"MSP"}}`, string(got.StationsSnapshot))
}

func TestListUnfinishedTrains_CatchesStateDrift(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Queries.InsertTrain(ctx, testTrain("8", "active", "Active")))
	require.NoError(t, client.Queries.InsertTrain(ctx, testTrain("8", "pre", "Predeparture")))
	require.NoError(t, client.Queries.InsertTrain(ctx, testTrain("8", "done", "Completed")))

	// A drifted row: the column says Completed but the embedded document
	// still says Active.
	drifted := testTrain("8", "drift", "Completed")
	drifted.Data = []byte(`{"state":"Active"}`)
	require.NoError(t, client.Queries.InsertTrain(ctx, drifted))

	unfinished, err := client.Queries.ListUnfinishedTrains(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(unfinished))
	for _, train := range unfinished {
		ids = append(ids, train.TrainID)
	}
	assert.ElementsMatch(t, []string{"active", "pre", "drift"}, ids)
}

func TestMarkTrainCompleted(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.Queries.InsertTrain(ctx, testTrain("8", "1708", "Active")))

	completedAt := time.Date(2024, 2, 7, 3, 0, 0, 0, time.UTC)
	require.NoError(t, client.Queries.MarkTrainCompleted(ctx, "8", "1708",
		[]byte(`{"state":"Completed"}`), completedAt))

	got, err := client.Queries.GetTrain(ctx, "8", "1708")
	require.NoError(t, err)
	assert.Equal(t, "Completed", got.TrainState)
	assert.JSONEq(t, `{"state":"Completed"}`, string(got.Data))

	current, err := client.Queries.ListCurrentTrains(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestListTrainsForNumber_NewestFirst(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	older := testTrain("8", "old", "Completed")
	older.UpdatedAt = time.Date(2024, 2, 5, 9, 0, 0, 0, time.UTC)
	newer := testTrain("8", "new", "Active")
	newer.UpdatedAt = time.Date(2024, 2, 6, 9, 0, 0, 0, time.UTC)
	require.NoError(t, client.Queries.InsertTrain(ctx, older))
	require.NoError(t, client.Queries.InsertTrain(ctx, newer))
	require.NoError(t, client.Queries.InsertTrain(ctx, testTrain("30", "other", "Active")))

	trains, err := client.Queries.ListTrainsForNumber(ctx, "8")
	require.NoError(t, err)
	require.Len(t, trains, 2)
	assert.Equal(t, "new", trains[0].TrainID)
	assert.Equal(t, "old", trains[1].TrainID)
}

func TestQueriesWithTx(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	tx, err := client.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	q := client.Queries.WithTx(tx)
	require.NoError(t, q.InsertTrain(ctx, testTrain("8", "1708", "Active")))
	require.NoError(t, tx.Rollback())

	_, err = client.Queries.GetTrain(ctx, "8", "1708")
	assert.ErrorIs(t, err, sql.ErrNoRows, "rollback discards the insert")
}

func TestStationUpsert(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	station := Station{
		Code: "CHI", Name: "Chicago Union",
		Lat: 41.8789, Lon: -87.6404,
		Data:      []byte(`{"code":"CHI","name":"Chicago Union"}`),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, client.Queries.UpsertStation(ctx, station))

	station.Name = "Chicago Union Station"
	require.NoError(t, client.Queries.UpsertStation(ctx, station))

	stations, err := client.Queries.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 1)
	assert.Equal(t, "Chicago Union Station", stations[0].Name)
}

func TestListStations_OrderedByCode(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, code := range []string{"SEA", "CHI", "NYP"} {
		require.NoError(t, client.Queries.UpsertStation(ctx, Station{
			Code: code, Name: code, Data: []byte(`{}`), UpdatedAt: now,
		}))
	}

	stations, err := client.Queries.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 3)
	assert.Equal(t, "CHI", stations[0].Code)
	assert.Equal(t, "NYP", stations[1].Code)
	assert.Equal(t, "SEA", stations[2].Code)
}

func TestMetadataSetAndGet(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, client.Queries.SetMetadata(ctx, MetaLastTrainUpdate, "2024-02-06T09:00:00Z", now))
	require.NoError(t, client.Queries.SetMetadata(ctx, MetaLastTrainUpdate, "2024-02-06T09:00:10Z", now.Add(time.Second)))

	got, err := client.Queries.GetMetadata(ctx, MetaLastTrainUpdate)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-06T09:00:10Z", got.Value)

	_, err = client.Queries.GetMetadata(ctx, "never-set")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
