package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ErrMalformedFeed means the decrypted plaintext does not have the structure
// this feed version is known to produce. Individual bad stop records are
// skipped instead; this error is for cycle-fatal structural problems.
var ErrMalformedFeed = errors.New("malformed feed")

// Every train feature carries up to 100 indexed stop slots. Numbering need
// not be contiguous, so all slots are scanned.
const maxStopSlots = 100

var feedTimeLayouts = []string{
	"1/2/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
}

type featureCollection struct {
	Features []struct {
		Properties map[string]json.RawMessage `json:"properties"`
	} `json:"features"`
}

type stationsDocument struct {
	StationsDataResponse *featureCollectionWithGeometry `json:"StationsDataResponse"`
}

type featureCollectionWithGeometry struct {
	Features []struct {
		Geometry   json.RawMessage `json:"geometry"`
		Properties struct {
			Code        string `json:"Code"`
			StationName string `json:"StationName"`
		} `json:"properties"`
	} `json:"features"`
}

type pointGeometry struct {
	Coordinates []float64 `json:"coordinates"`
}

// ParseTrains turns decrypted train plaintext into snapshots grouped by
// train number. Within a group the order is feed order.
func ParseTrains(plaintext []byte, logger *slog.Logger) (map[string][]TrainSnapshot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var doc featureCollection
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}
	if doc.Features == nil {
		return nil, fmt.Errorf("%w: missing features collection", ErrMalformedFeed)
	}

	trains := make(map[string][]TrainSnapshot)
	for i, feature := range doc.Features {
		snapshot, err := parseTrainFeature(feature.Properties, logger)
		if err != nil {
			return nil, fmt.Errorf("train feature %d: %w", i, err)
		}
		trains[snapshot.TrainNumber] = append(trains[snapshot.TrainNumber], snapshot)
	}
	return trains, nil
}

func parseTrainFeature(props map[string]json.RawMessage, logger *slog.Logger) (TrainSnapshot, error) {
	trainNumber, ok := stringProp(props, "TrainNum")
	if !ok || trainNumber == "" {
		return TrainSnapshot{}, fmt.Errorf("%w: missing TrainNum", ErrMalformedFeed)
	}
	trainID, ok := stringProp(props, "ID")
	if !ok {
		return TrainSnapshot{}, fmt.Errorf("%w: train %s missing ID", ErrMalformedFeed, trainNumber)
	}
	routeName, _ := stringProp(props, "RouteName")
	originTZ, ok := stringProp(props, "OriginTZ")
	if !ok {
		return TrainSnapshot{}, fmt.Errorf("%w: train %s missing OriginTZ", ErrMalformedFeed, trainNumber)
	}
	state, _ := stringProp(props, "TrainState")

	waypoints, byCode := parseWaypoints(props, trainNumber, logger)

	// The timezone for the train's own timestamps comes from the stop the
	// train is currently at, falling back to the declared origin zone.
	currentZone := originTZ
	if eventCode, ok := stringProp(props, "EventCode"); ok && eventCode != "" {
		if wp, found := byCode[eventCode]; found {
			currentZone = wp.Timezone
		}
	}
	currentLoc, ok := LocationFor(currentZone)
	if !ok {
		return TrainSnapshot{}, fmt.Errorf("%w: train %s has unknown timezone %q",
			ErrMalformedFeed, trainNumber, currentZone)
	}

	var lastUpdate *time.Time
	if raw, ok := stringProp(props, "LastValTS"); ok && raw != "" {
		parsed, err := parseFeedTime(raw, currentLoc)
		if err != nil {
			return TrainSnapshot{}, fmt.Errorf("%w: train %s has bad LastValTS %q",
				ErrMalformedFeed, trainNumber, raw)
		}
		lastUpdate = parsed
	}

	var departureDate *time.Time
	if raw, ok := stringProp(props, "OrigSchDep"); ok && raw != "" {
		if originLoc, found := LocationFor(originTZ); found {
			if parsed, err := parseFeedTime(raw, originLoc); err == nil {
				departureDate = parsed
			}
		}
	}

	return TrainSnapshot{
		RouteName:     routeName,
		TrainNumber:   trainNumber,
		ID:            trainID,
		State:         state,
		DepartureDate: departureDate,
		LastUpdate:    lastUpdate,
		Waypoints:     waypoints,
		LastFetched:   time.Now().Truncate(time.Second).In(currentLoc),
	}, nil
}

// parseWaypoints scans all stop slots of a feature. Gaps are expected; a
// malformed slot is logged and skipped without failing the train.
func parseWaypoints(props map[string]json.RawMessage, trainNumber string, logger *slog.Logger) ([]Waypoint, map[string]*Waypoint) {
	var waypoints []Waypoint
	position := make(map[string]int)

	for i := 0; i < maxStopSlots; i++ {
		embedded, ok := stringProp(props, "Station"+strconv.Itoa(i))
		if !ok || embedded == "" {
			continue
		}

		wp, err := parseStopRecord([]byte(embedded))
		if err != nil {
			logger.Warn("skipping malformed stop record",
				slog.String("train_number", trainNumber),
				slog.Int("slot", i),
				slog.String("error", err.Error()))
			continue
		}

		// A repeated code replaces the earlier record but keeps its
		// position in the sequence.
		if at, seen := position[wp.Code]; seen {
			waypoints[at] = wp
			continue
		}
		position[wp.Code] = len(waypoints)
		waypoints = append(waypoints, wp)
	}

	byCode := make(map[string]*Waypoint, len(waypoints))
	for i := range waypoints {
		byCode[waypoints[i].Code] = &waypoints[i]
	}
	return waypoints, byCode
}

func parseStopRecord(embedded []byte) (Waypoint, error) {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(embedded, &record); err != nil {
		return Waypoint{}, fmt.Errorf("stop record is not a JSON object: %v", err)
	}

	code, ok := stringProp(record, "code")
	if !ok || code == "" {
		return Waypoint{}, errors.New("stop record missing code")
	}
	tzIdentifier, ok := stringProp(record, "tz")
	if !ok {
		return Waypoint{}, fmt.Errorf("stop %s missing timezone", code)
	}
	loc, ok := LocationFor(tzIdentifier)
	if !ok {
		return Waypoint{}, fmt.Errorf("stop %s has unknown timezone %q", code, tzIdentifier)
	}
	canonical, _ := CanonicalZone(tzIdentifier)

	// Presence of the actual-arrival/actual-departure keys is the signal,
	// regardless of their values.
	_, arrived := record["postarr"]
	_, departed := record["postdep"]

	wp := Waypoint{
		Code:     code,
		Timezone: canonical,
		Arrived:  arrived,
		Departed: departed,
		Scheduled: ScheduledTimes{
			Comment: optionalString(record, "schcmnt"),
		},
		Estimated: EstimatedTimes{
			ArrivalComment:   optionalString(record, "estarrcmnt"),
			DepartureComment: optionalString(record, "estdepcmnt"),
		},
		Actual: ActualTimes{
			Comment: optionalString(record, "postcmnt"),
		},
	}

	var err error
	if wp.Scheduled.Arrival, err = optionalTime(record, "scharr", loc); err != nil {
		return Waypoint{}, err
	}
	if wp.Scheduled.Departure, err = optionalTime(record, "schdep", loc); err != nil {
		return Waypoint{}, err
	}
	if wp.Estimated.Arrival, err = optionalTime(record, "estarr", loc); err != nil {
		return Waypoint{}, err
	}
	if wp.Estimated.Departure, err = optionalTime(record, "estdep", loc); err != nil {
		return Waypoint{}, err
	}
	if wp.Actual.Arrival, err = optionalTime(record, "postarr", loc); err != nil {
		return Waypoint{}, err
	}
	if wp.Actual.Departure, err = optionalTime(record, "postdep", loc); err != nil {
		return Waypoint{}, err
	}
	return wp, nil
}

// ParseStations turns decrypted station plaintext into reference locations
// keyed by code. The last record wins for a duplicate code.
func ParseStations(plaintext []byte, logger *slog.Logger) (map[string]Station, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var doc stationsDocument
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}
	if doc.StationsDataResponse == nil || doc.StationsDataResponse.Features == nil {
		return nil, fmt.Errorf("%w: missing stations response", ErrMalformedFeed)
	}

	stations := make(map[string]Station)
	for i, feature := range doc.StationsDataResponse.Features {
		if feature.Properties.Code == "" {
			logger.Warn("skipping station feature without code", slog.Int("feature", i))
			continue
		}

		station := Station{
			Code:     feature.Properties.Code,
			Name:     feature.Properties.StationName,
			Geometry: feature.Geometry,
		}
		var point pointGeometry
		if err := json.Unmarshal(feature.Geometry, &point); err == nil {
			if len(point.Coordinates) > 0 {
				station.Lon = point.Coordinates[0]
			}
			if len(point.Coordinates) > 1 {
				station.Lat = point.Coordinates[1]
			}
		}
		stations[station.Code] = station
	}
	return stations, nil
}

// stringProp reads a property that the feed serves inconsistently as either
// a JSON string or a bare number. A JSON null reads as an absent value.
func stringProp(props map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := props[key]
	if !ok {
		return "", false
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, true
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return asNumber.String(), true
	}
	return "", false
}

func optionalString(record map[string]json.RawMessage, key string) *string {
	value, ok := stringProp(record, key)
	if !ok {
		return nil
	}
	return &value
}

func optionalTime(record map[string]json.RawMessage, key string, loc *time.Location) (*time.Time, error) {
	raw, ok := stringProp(record, key)
	if !ok || raw == "" {
		return nil, nil
	}
	parsed, err := parseFeedTime(raw, loc)
	if err != nil {
		return nil, fmt.Errorf("bad %s value %q: %v", key, raw, err)
	}
	return parsed, nil
}

func parseFeedTime(value string, loc *time.Location) (*time.Time, error) {
	var lastErr error
	for _, layout := range feedTimeLayouts {
		parsed, err := time.ParseInLocation(layout, value, loc)
		if err == nil {
			return &parsed, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
