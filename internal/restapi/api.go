package restapi

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"railtrace.opentransit.org/internal/app"
)

// RestAPI serves the read-only query surface over the reconciled store. It
// never writes; ingestion is the single writer.
type RestAPI struct {
	App *app.Application
}

func NewRestAPI(application *app.Application) *RestAPI {
	return &RestAPI{App: application}
}

func (api *RestAPI) Router() http.Handler {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/api/trains", api.trainsHandler)
	router.HandlerFunc(http.MethodGet, "/api/trains/:number", api.trainHandler)
	router.HandlerFunc(http.MethodGet, "/api/stations", api.stationsHandler)
	router.HandlerFunc(http.MethodGet, "/api/health", api.healthHandler)
	return router
}
