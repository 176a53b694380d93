package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordEvaluation("api", false, 0.01, nil)
	m.RecordEvaluation("api", false, 0.01, errors.New("boom"))
	m.RecordRuleFired("E-101")
	m.RecordRuleFired("E-101")
	m.RecordTopologySearch("cycle", "match")
	m.RecordHistorySize(7)
	m.RecordCacheLookup(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("api", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evaluationsTotal.WithLabelValues("api", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rulesFiredTotal.WithLabelValues("E-101")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.topologySearches.WithLabelValues("cycle", "match")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.historyKeys))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordEvaluation("api", true, 1, nil)
		m.RecordRuleFired("x")
		m.RecordBusPublish("t", 1, nil)
		m.RecordHTTPRequest("/", "GET", 200, 1)
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	r := chi.NewRouter()
	r.Use(HTTPMetricsMiddleware(m))
	r.Get("/evaluations/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/evaluations/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/evaluations/{id}", "GET", "4xx")))
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "5xx", statusCodeToString(503))
	assert.Equal(t, "unknown", statusCodeToString(99))
}
