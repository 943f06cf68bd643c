package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveResolution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveResolution("http:4545", "is", nil, 5*time.Millisecond)
	m.ObserveResolution("http:4545", "is", nil, 5*time.Millisecond)
	m.ObserveResolution("http:4545", "inject", errors.New("boom"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("http:4545", "is", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resolutionsTotal.WithLabelValues("http:4545", "inject", OutcomeError)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.resolutionDuration))
}

func TestObserveMatchAndFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveMatch("http:4545", true)
	m.ObserveMatch("http:4545", false)
	m.ObserveMatch("http:4545", false)
	m.BehaviorFailed("shellTransform")
	m.ObserveProxy("http:4545", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stubMatchesTotal.WithLabelValues("http:4545", "true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.stubMatchesTotal.WithLabelValues("http:4545", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.behaviorErrors.WithLabelValues("shellTransform")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.proxyDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveResolution("x", "is", nil, time.Second)
		m.ObserveMatch("x", true)
		m.BehaviorFailed("wait")
		m.ObserveProxy("x", time.Second)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveMatch("http:4545", true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mb_stub_matches_total{imposter="http:4545",matched="true"} 1`)
}
