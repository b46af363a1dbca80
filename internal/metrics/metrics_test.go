package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCycle(t *testing.T) {
	c := NewCollector()

	c.ObserveCycle("trains", "success", 120*time.Millisecond)
	c.ObserveCycle("trains", "network", 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Cycles.WithLabelValues("trains", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Cycles.WithLabelValues("trains", "network")))
	assert.NotZero(t, testutil.ToFloat64(c.LastSuccess.WithLabelValues("trains")),
		"success sets the freshness gauge")
	assert.Zero(t, testutil.ToFloat64(c.LastSuccess.WithLabelValues("stations")))
}

func TestHandler_ExposesOwnRegistryOnly(t *testing.T) {
	c := NewCollector()
	c.TrainsUpserted.Add(3)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "ingestor_trains_upserted_total 3")
	assert.NotContains(t, body, "go_goroutines", "default registry collectors are not exposed")
}
