package restapi

import (
	"encoding/json"
	"net/http"

	"railtrace.opentransit.org/internal/feed"
	"railtrace.opentransit.org/internal/utils"
	"railtrace.opentransit.org/traindb"
)

// trainsHandler returns all trains not yet completed, grouped by number.
func (api *RestAPI) trainsHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := api.App.TrainDB.Queries.ListCurrentTrains(r.Context())
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}

	trains := make(map[string][]feed.TrainSnapshot)
	for _, row := range rows {
		snapshot, err := decodeTrainRow(row)
		if err != nil {
			api.App.Logger.Warn("skipping undecodable train row",
				"train_number", row.TrainNumber, "train_id", row.TrainID, "error", err)
			continue
		}
		trains[row.TrainNumber] = append(trains[row.TrainNumber], snapshot)
	}

	api.sendJSON(w, r, http.StatusOK, trains)
}

// trainHandler returns every known occurrence of one train number.
func (api *RestAPI) trainHandler(w http.ResponseWriter, r *http.Request) {
	number := utils.ExtractIDFromParams(r, "number")

	rows, err := api.App.TrainDB.Queries.ListTrainsForNumber(r.Context(), number)
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	if len(rows) == 0 {
		api.notFoundResponse(w, r, "train not found")
		return
	}

	var snapshots []feed.TrainSnapshot
	for _, row := range rows {
		snapshot, err := decodeTrainRow(row)
		if err != nil {
			api.App.Logger.Warn("skipping undecodable train row",
				"train_number", row.TrainNumber, "train_id", row.TrainID, "error", err)
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	api.sendJSON(w, r, http.StatusOK, snapshots)
}

func decodeTrainRow(row traindb.Train) (feed.TrainSnapshot, error) {
	var snapshot feed.TrainSnapshot
	err := json.Unmarshal(row.Data, &snapshot)
	return snapshot, err
}
