package traindb

import (
	"context"
	"fmt"
)

// UpsertStation writes the latest known reference data for a stop code.
func (q *Queries) UpsertStation(ctx context.Context, s Station) error {
	_, err := q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO stations (code, name, lat, lon, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO UPDATE SET
			name = excluded.name,
			lat = excluded.lat,
			lon = excluded.lon,
			data = excluded.data,
			updated_at = excluded.updated_at`),
		s.Code, s.Name, s.Lat, s.Lon, string(s.Data), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error upserting station %s: %w", s.Code, err)
	}
	return nil
}

// ListStations returns all known reference locations ordered by code.
func (q *Queries) ListStations(ctx context.Context) ([]Station, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT code, name, lat, lon, data, updated_at FROM stations ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() // nolint:errcheck

	var stations []Station
	for rows.Next() {
		var s Station
		if err := rows.Scan(&s.Code, &s.Name, &s.Lat, &s.Lon, &s.Data, &s.UpdatedAt); err != nil {
			return nil, err
		}
		stations = append(stations, s)
	}
	return stations, rows.Err()
}
