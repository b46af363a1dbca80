package traindb

import (
	"context"
	"fmt"
	"time"
)

// Freshness marks maintained by the ingestion worker.
const (
	MetaLastTrainUpdate   = "last_train_update"
	MetaLastStationUpdate = "last_station_update"
)

// SetMetadata upserts one key/value mark.
func (q *Queries) SetMetadata(ctx context.Context, key, value string, updatedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		key, value, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("error setting metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata returns one mark. sql.ErrNoRows when it was never written.
func (q *Queries) GetMetadata(ctx context.Context, key string) (Metadata, error) {
	var m Metadata
	err := q.db.QueryRowContext(ctx, q.rebind(
		`SELECT key, value, updated_at FROM metadata WHERE key = ?`), key).
		Scan(&m.Key, &m.Value, &m.UpdatedAt)
	return m, err
}
