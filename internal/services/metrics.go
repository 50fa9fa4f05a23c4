package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Chat metrics
	ChatRequests       prometheus.Counter
	ChatRequestLatency prometheus.Histogram
	ChatOutcomes       *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Admission metrics
	AdmissionRefusals *prometheus.CounterVec
	CircuitTrips      prometheus.Counter

	// Swallowed failures of best-effort collaborators
	SwallowedErrors *prometheus.CounterVec
}

// NewMetrics registers the pipeline metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChatRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_chat_requests_total",
			Help: "Total number of chat requests processed",
		}),

		// Chat request latency histogram
		ChatRequestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatcore_chat_request_duration_seconds",
			Help:    "Chat request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),

		// outcome: success, cache_hit, degraded, error; reason: degrade reason or ""
		ChatOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_chat_outcomes_total",
			Help: "Chat requests by terminal outcome",
		}, []string{"outcome", "reason"}),

		// result: hit, miss, fallback_hit, fallback_miss
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_cache_lookups_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),

		AdmissionRefusals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_admission_refusals_total",
			Help: "Requests refused before generation by kind",
		}, []string{"kind"}),

		CircuitTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatcore_circuit_breaker_trips_total",
			Help: "Times upstream exhaustion opened the global circuit",
		}),

		// component: cache, persistence, sentiment
		SwallowedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcore_swallowed_errors_total",
			Help: "Failures of best-effort collaborators that were logged and ignored",
		}, []string{"component"}),
	}
}

// RecordChatRequest records a chat request with its latency and outcome
func (m *Metrics) RecordChatRequest(outcome, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.ChatRequests.Inc()
	m.ChatRequestLatency.Observe(seconds)
	m.ChatOutcomes.WithLabelValues(outcome, reason).Inc()
}

// RecordCacheLookup records a response cache lookup
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordRefusal records an admission refusal
func (m *Metrics) RecordRefusal(kind RefusalKind) {
	if m == nil {
		return
	}
	m.AdmissionRefusals.WithLabelValues(string(kind)).Inc()
}

// RecordCircuitTrip records an upstream exhaustion event
func (m *Metrics) RecordCircuitTrip() {
	if m == nil {
		return
	}
	m.CircuitTrips.Inc()
}

// RecordSwallowed records a logged-and-ignored collaborator failure
func (m *Metrics) RecordSwallowed(component string) {
	if m == nil {
		return
	}
	m.SwallowedErrors.WithLabelValues(component).Inc()
}
