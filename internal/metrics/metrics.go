// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the service. It is passed
// explicitly to every component that records metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Engine
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	rulesFiredTotal    *prometheus.CounterVec
	topologySearches   *prometheus.CounterVec
	riskLevelsTotal    *prometheus.CounterVec

	// History
	historyKeys   prometheus.Gauge
	historyPruned prometheus.Counter

	// Infrastructure
	busMessagesPublished *prometheus.CounterVec
	busPublishDuration   *prometheus.HistogramVec
	cacheLookups         *prometheus.CounterVec
	dbQueryDuration      *prometheus.HistogramVec
	dbOperationsTotal    *prometheus.CounterVec

	// HTTP
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		evaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_evaluations_total",
				Help: "Total number of transaction evaluations by source and status",
			},
			[]string{"source", "status"},
		),
		evaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracex_evaluation_duration_seconds",
				Help:    "Duration of transaction evaluations in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"topology"},
		),
		rulesFiredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_rules_fired_total",
				Help: "Total number of rule firings by rule id",
			},
			[]string{"rule_id"},
		),
		topologySearches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_topology_searches_total",
				Help: "Total number of topology searches by search and outcome",
			},
			[]string{"search", "outcome"},
		),
		riskLevelsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_decisions_total",
				Help: "Total number of scoring decisions by risk level",
			},
			[]string{"level"},
		),
		historyKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracex_history_keys",
				Help: "Number of addresses with retained history",
			},
		),
		historyPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tracex_history_pruned_total",
				Help: "Total number of history entries removed by retention sweeps",
			},
		),
		busMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_bus_messages_published_total",
				Help: "Total number of messages published to the event bus",
			},
			[]string{"topic", "status"},
		),
		busPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracex_bus_publish_duration_seconds",
				Help:    "Duration of event bus publishes in seconds",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"topic"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_cache_lookups_total",
				Help: "Total number of scoring cache lookups by result",
			},
			[]string{"result"},
		),
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracex_db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_db_operations_total",
				Help: "Total number of database operations by status",
			},
			[]string{"operation", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracex_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracex_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
	}
}

// Engine metric helpers

// RecordEvaluation records one evaluation and its duration.
func (m *Metrics) RecordEvaluation(source string, topology bool, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.evaluationsTotal.WithLabelValues(source, status).Inc()
	m.evaluationDuration.WithLabelValues(boolLabel(topology)).Observe(duration)
}

// RecordRuleFired records a rule firing.
func (m *Metrics) RecordRuleFired(ruleID string) {
	if m == nil {
		return
	}
	m.rulesFiredTotal.WithLabelValues(ruleID).Inc()
}

// RecordTopologySearch records the outcome of a layering or cycle search.
func (m *Metrics) RecordTopologySearch(search, outcome string) {
	if m == nil {
		return
	}
	m.topologySearches.WithLabelValues(search, outcome).Inc()
}

// RecordDecision records the risk level of a scoring decision.
func (m *Metrics) RecordDecision(level string) {
	if m == nil {
		return
	}
	m.riskLevelsTotal.WithLabelValues(level).Inc()
}

// History metric helpers

// RecordHistorySize sets the number of retained addresses.
func (m *Metrics) RecordHistorySize(keys int) {
	if m == nil {
		return
	}
	m.historyKeys.Set(float64(keys))
}

// RecordHistoryPruned records entries removed by a sweep.
func (m *Metrics) RecordHistoryPruned(n int) {
	if m == nil {
		return
	}
	m.historyPruned.Add(float64(n))
}

// Infrastructure metric helpers

// RecordBusPublish records an event bus publish.
func (m *Metrics) RecordBusPublish(topic string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.busMessagesPublished.WithLabelValues(topic, status).Inc()
	m.busPublishDuration.WithLabelValues(topic).Observe(duration)
}

// RecordCacheLookup records a scoring cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// Helper functions

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
