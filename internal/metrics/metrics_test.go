package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(Decisions.WithLabelValues("metrics_test", "blocked"))
	Decisions.WithLabelValues("metrics_test", "blocked").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Decisions.WithLabelValues("metrics_test", "blocked")))
}

func TestMetricsHandlerExposesThrottleMetrics(t *testing.T) {
	Penalties.WithLabelValues("metrics_test", "1").Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "throttle_penalties_total")
}
