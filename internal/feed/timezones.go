package feed

import (
	"sync"
	"time"
)

// The feed identifies stop timezones either by a single-letter code or by
// the full IANA name for the four US mainland zones it covers.
var timezoneNames = map[string]string{
	"E":                   "America/New_York",
	"America/New_York":    "America/New_York",
	"C":                   "America/Chicago",
	"America/Chicago":     "America/Chicago",
	"M":                   "America/Denver",
	"America/Denver":      "America/Denver",
	"P":                   "America/Los_Angeles",
	"America/Los_Angeles": "America/Los_Angeles",
}

var (
	timezoneOnce sync.Once
	timezones    map[string]*time.Location
)

func loadTimezones() {
	timezones = make(map[string]*time.Location, len(timezoneNames))
	for code, name := range timezoneNames {
		loc, err := time.LoadLocation(name)
		if err != nil {
			// No tzdata on the host; leave the entry out and let
			// per-stop parsing report the unknown code.
			continue
		}
		timezones[code] = loc
	}
}

// LocationFor resolves a feed timezone identifier to a location. The second
// return value is false for identifiers outside the four-zone table.
func LocationFor(identifier string) (*time.Location, bool) {
	timezoneOnce.Do(loadTimezones)
	loc, ok := timezones[identifier]
	return loc, ok
}

// CanonicalZone returns the IANA name for a feed timezone identifier.
func CanonicalZone(identifier string) (string, bool) {
	name, ok := timezoneNames[identifier]
	return name, ok
}
