package feed

import (
	"encoding/json"
	"time"
)

// Lifecycle states reported by the upstream feed. Anything else is passed
// through unchanged so a new upstream state cannot wedge the reconciler.
const (
	StatePredeparture = "Predeparture"
	StateActive       = "Active"
	StateCompleted    = "Completed"
)

// RouteDescriptor is one entry of the upstream route list. Only the zoom
// level participates in key-material resolution; the rest of the record is
// decoy data and never persisted.
type RouteDescriptor struct {
	ZoomLevel int `json:"ZoomLevel"`
}

// KeyMaterialTable is the candidate key/salt/IV table served alongside the
// route list. It is fetched fresh on every cycle because the upstream
// rotates it without notice.
type KeyMaterialTable struct {
	PublicKeys []string `json:"arr"`
	Salts      []string `json:"s"`
	IVs        []string `json:"v"`
}

// ResolvedKeyMaterial is the slot of the table selected for the current
// cycle. Derived once, used immediately, discarded.
type ResolvedKeyMaterial struct {
	PublicKey string
	Salt      []byte
	IV        []byte
}

// ScheduledTimes holds the published schedule at one stop.
type ScheduledTimes struct {
	Arrival   *time.Time `json:"arrival"`
	Departure *time.Time `json:"departure"`
	Comment   *string    `json:"comment"`
}

// EstimatedTimes holds the live estimates at one stop.
type EstimatedTimes struct {
	Arrival          *time.Time `json:"arrival"`
	Departure        *time.Time `json:"departure"`
	ArrivalComment   *string    `json:"arrival_comment"`
	DepartureComment *string    `json:"departure_comment"`
}

// ActualTimes holds the recorded times at one stop.
type ActualTimes struct {
	Arrival   *time.Time `json:"arrival"`
	Departure *time.Time `json:"departure"`
	Comment   *string    `json:"comment"`
}

// Waypoint is one stop along a train's route with its scheduled, estimated
// and actual times. Arrived/Departed reflect whether the upstream record
// carried the actual-arrival/actual-departure keys at all, not their values.
type Waypoint struct {
	Code      string         `json:"code"`
	Timezone  string         `json:"tz"`
	Arrived   bool           `json:"arrived"`
	Departed  bool           `json:"departed"`
	Scheduled ScheduledTimes `json:"scheduled"`
	Estimated EstimatedTimes `json:"estimated"`
	Actual    ActualTimes    `json:"actual"`
}

// TrainSnapshot is one feed cycle's view of a train. Waypoints keep feed
// order; codes are unique within a snapshot (a repeated code replaces the
// earlier record in place).
type TrainSnapshot struct {
	RouteName     string     `json:"route_name"`
	TrainNumber   string     `json:"train_number"`
	ID            string     `json:"id"`
	State         string     `json:"state"`
	DepartureDate *time.Time `json:"departure_date,omitempty"`
	LastUpdate    *time.Time `json:"last_update"`
	Waypoints     []Waypoint `json:"stations"`
	LastFetched   time.Time  `json:"last_fetched"`
}

// WaypointCodes returns the stop codes of the snapshot in feed order.
func (s *TrainSnapshot) WaypointCodes() []string {
	codes := make([]string, 0, len(s.Waypoints))
	for _, wp := range s.Waypoints {
		codes = append(codes, wp.Code)
	}
	return codes
}

// Station is a fixed reference location, independent of any train.
type Station struct {
	Code     string          `json:"code"`
	Name     string          `json:"station_name"`
	Geometry json.RawMessage `json:"geometry"`
	Lat      float64         `json:"lat"`
	Lon      float64         `json:"lon"`
}
