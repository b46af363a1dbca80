package restapi

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"railtrace.opentransit.org/traindb"
)

type healthResponse struct {
	Status            string  `json:"status"`
	LastTrainUpdate   *string `json:"last_train_update"`
	LastStationUpdate *string `json:"last_station_update"`
	AgeSeconds        float64 `json:"age_seconds"`
}

// healthHandler reports ingestion freshness. Data older than the configured
// threshold means the poll cycles are failing, which is the primary
// external symptom of a broken feed.
func (api *RestAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "stale"}

	trainMark, err := api.App.TrainDB.Queries.GetMetadata(r.Context(), traindb.MetaLastTrainUpdate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		api.serverErrorResponse(w, r, err)
		return
	}

	if err == nil {
		response.LastTrainUpdate = &trainMark.Value
		if lastUpdate, parseErr := time.Parse(time.RFC3339, trainMark.Value); parseErr == nil {
			response.AgeSeconds = time.Since(lastUpdate).Seconds()
			if time.Since(lastUpdate) <= api.App.Config.StaleThreshold {
				response.Status = "ok"
			}
		}
	}

	if stationMark, err := api.App.TrainDB.Queries.GetMetadata(r.Context(), traindb.MetaLastStationUpdate); err == nil {
		response.LastStationUpdate = &stationMark.Value
	}

	status := http.StatusOK
	if response.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	api.sendJSON(w, r, status, response)
}
