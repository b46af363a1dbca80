package traindb

import (
	"database/sql"
	"time"
)

// Train is one tracked train occurrence, keyed by (train_number, train_id).
// Rows are never deleted; history is retained indefinitely. The data column
// holds the full latest snapshot as JSON, and stations_snapshot holds the
// reference stations captured at the most recent state transition.
type Train struct {
	TrainNumber      string
	TrainID          string
	RouteName        string
	DepartureDate    sql.NullTime
	TrainState       string
	StationsSnapshot []byte // nil until the first state transition
	Data             []byte
	UpdatedAt        time.Time
}

// Station is the latest known reference location for a stop code.
type Station struct {
	Code      string
	Name      string
	Lat       float64
	Lon       float64
	Data      []byte
	UpdatedAt time.Time
}

// Metadata is a key/value row, used for ingestion freshness marks.
type Metadata struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}
