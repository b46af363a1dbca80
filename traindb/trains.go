package traindb

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const trainColumns = `train_number, train_id, route_name, departure_date,
	train_state, stations_snapshot, data, updated_at`

type trainScanner interface {
	Scan(dest ...any) error
}

func scanTrain(row trainScanner) (Train, error) {
	var t Train
	err := row.Scan(&t.TrainNumber, &t.TrainID, &t.RouteName, &t.DepartureDate,
		&t.TrainState, &t.StationsSnapshot, &t.Data, &t.UpdatedAt)
	return t, err
}

// GetTrain returns the row for one train occurrence. sql.ErrNoRows when the
// key has never been seen.
func (q *Queries) GetTrain(ctx context.Context, trainNumber, trainID string) (Train, error) {
	row := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT `+trainColumns+` FROM trains WHERE train_number = ? AND train_id = ?`),
		trainNumber, trainID)
	return scanTrain(row)
}

// InsertTrain adds a train occurrence seen for the first time.
func (q *Queries) InsertTrain(ctx context.Context, t Train) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO trains (
			train_number, train_id, route_name, departure_date,
			train_state, stations_snapshot, data, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.TrainNumber, t.TrainID, t.RouteName, t.DepartureDate,
		t.TrainState, nullableText(t.StationsSnapshot), string(t.Data), t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error inserting train %s/%s: %w", t.TrainNumber, t.TrainID, err)
	}
	return nil
}

// UpdateTrain overwrites the mutable columns of an existing row, leaving
// the stations snapshot alone.
func (q *Queries) UpdateTrain(ctx context.Context, t Train) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE trains
		SET route_name = ?, departure_date = ?, train_state = ?, data = ?, updated_at = ?
		WHERE train_number = ? AND train_id = ?`),
		t.RouteName, t.DepartureDate, t.TrainState, string(t.Data), t.UpdatedAt,
		t.TrainNumber, t.TrainID,
	)
	if err != nil {
		return fmt.Errorf("error updating train %s/%s: %w", t.TrainNumber, t.TrainID, err)
	}
	return nil
}

// UpdateTrainSnapshot replaces the stations snapshot, done only when the
// lifecycle state transitions.
func (q *Queries) UpdateTrainSnapshot(ctx context.Context, trainNumber, trainID string, snapshot []byte) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE trains SET stations_snapshot = ? WHERE train_number = ? AND train_id = ?`),
		nullableText(snapshot), trainNumber, trainID,
	)
	if err != nil {
		return fmt.Errorf("error updating snapshot for train %s/%s: %w", trainNumber, trainID, err)
	}
	return nil
}

// ListUnfinishedTrains returns rows whose column state or embedded data
// state still says Predeparture/Active. Checking both catches rows where
// the two representations drifted apart.
func (q *Queries) ListUnfinishedTrains(ctx context.Context) ([]Train, error) {
	query := `SELECT ` + trainColumns + ` FROM trains
		WHERE train_state IN ('Predeparture', 'Active')
		   OR ` + q.jsonStateExpr() + ` IN ('Predeparture', 'Active')`

	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	return collectTrains(rows)
}

// MarkTrainCompleted forces both state representations to Completed for a
// train that vanished from the feed.
func (q *Queries) MarkTrainCompleted(ctx context.Context, trainNumber, trainID string, data []byte, updatedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE trains SET train_state = ?, data = ?, updated_at = ?
		WHERE train_number = ? AND train_id = ?`),
		"Completed", string(data), updatedAt, trainNumber, trainID,
	)
	if err != nil {
		return fmt.Errorf("error completing train %s/%s: %w", trainNumber, trainID, err)
	}
	return nil
}

// ListCurrentTrains returns all rows not yet completed, for the read API.
func (q *Queries) ListCurrentTrains(ctx context.Context) ([]Train, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+trainColumns+` FROM trains WHERE train_state IN ('Predeparture', 'Active')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	return collectTrains(rows)
}

// ListTrainsForNumber returns every known occurrence of a train number,
// newest first.
func (q *Queries) ListTrainsForNumber(ctx context.Context, trainNumber string) ([]Train, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(
		`SELECT `+trainColumns+` FROM trains WHERE train_number = ? ORDER BY updated_at DESC`),
		trainNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	return collectTrains(rows)
}

func collectTrains(rows *sql.Rows) ([]Train, error) {
	var trains []Train
	for rows.Next() {
		t, err := scanTrain(rows)
		if err != nil {
			return nil, err
		}
		trains = append(trains, t)
	}
	return trains, rows.Err()
}

// nullableText maps a nil byte slice to SQL NULL instead of an empty string.
func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
