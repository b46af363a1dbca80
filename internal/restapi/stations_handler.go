package restapi

import (
	"encoding/json"
	"net/http"

	"railtrace.opentransit.org/internal/feed"
)

// stationsHandler returns the latest known reference locations by code.
func (api *RestAPI) stationsHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := api.App.TrainDB.Queries.ListStations(r.Context())
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	stations := make(map[string]feed.Station, len(rows))
	for _, row := range rows {
		var station feed.Station
		if err := json.Unmarshal(row.Data, &station); err != nil {
			api.App.Logger.Warn("skipping undecodable station row", "code", row.Code, "error", err)
			continue
		}
		stations[row.Code] = station
	}

	api.sendJSON(w, r, http.StatusOK, stations)
}
