package restapi

import (
	"net/http"
)

type errorResponse struct {
	Message string `json:"message"`
}

func (api *RestAPI) notFoundResponse(w http.ResponseWriter, r *http.Request, message string) {
	api.sendJSON(w, r, http.StatusNotFound, errorResponse{Message: message})
}

func (api *RestAPI) serverErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	api.App.Logger.Error("server error", "error", err, "path", r.URL.Path)
	api.sendJSON(w, r, http.StatusInternalServerError, errorResponse{Message: "internal server error"})
}
