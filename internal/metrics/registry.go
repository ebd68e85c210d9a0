// Package metrics defines the Prometheus collectors of the activity service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "activity"

// Outcome label values
const (
	OutcomeStored     = "stored"
	OutcomeQueued     = "queued"
	OutcomeFailed     = "failed"
	OutcomeRejected   = "rejected"
	OutcomeDeadLetter = "dead_letter"
	OutcomeSuccess    = "success"
)

// Registry groups every collector. Components receive it through their
// constructor; a nil *Registry disables recording.
type Registry struct {
	// Ingestion
	EventsIngested    *prometheus.CounterVec
	IngestionFailures *prometheus.CounterVec
	IngestionLatency  prometheus.Histogram
	QueueDepth        prometheus.Gauge
	DeadLetterSize    prometheus.Gauge

	// Aggregation
	AggregationRuns     *prometheus.CounterVec
	AggregationDuration *prometheus.HistogramVec
	SummariesWritten    *prometheus.CounterVec

	// Access
	AccessDecisions *prometheus.CounterVec

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Streaming
	StreamClients prometheus.Gauge
}

// NewRegistry registers the collectors with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "events_total",
				Help:      "Events handled by ingestion, by event type and outcome",
			},
			[]string{"event_type", "outcome"},
		),
		IngestionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "failures_total",
				Help:      "Audit writes that failed, by reason",
			},
			[]string{"reason"},
		),
		IngestionLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "write_duration_seconds",
				Help:      "Event store write latency",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "queue_depth",
				Help:      "Events waiting in the asynchronous ingestion queue",
			},
		),
		DeadLetterSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingestion",
				Name:      "dead_letter_size",
				Help:      "Events parked in the dead letter queue",
			},
		),
		AggregationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "runs_total",
				Help:      "Aggregation passes, by period and outcome",
			},
			[]string{"period", "outcome"},
		),
		AggregationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "duration_seconds",
				Help:      "Aggregation pass duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"period"},
		),
		SummariesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "aggregation",
				Name:      "summaries_written_total",
				Help:      "Summary rows written, by kind",
			},
			[]string{"kind"},
		),
		AccessDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "access",
				Name:      "decisions_total",
				Help:      "Entity access decisions, by entity type and decision",
			},
			[]string{"entity_type", "decision"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "handler", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			},
			[]string{"method", "handler"},
		),
		StreamClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "clients",
				Help:      "Connected live activity stream clients",
			},
		),
	}
}

// IncEvent counts one event outcome
func (r *Registry) IncEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.EventsIngested.WithLabelValues(eventType, outcome).Inc()
}

// IncFailure counts one failed audit write
func (r *Registry) IncFailure(reason string) {
	if r == nil {
		return
	}
	r.IngestionFailures.WithLabelValues(reason).Inc()
}

// ObserveWrite records store write latency in seconds
func (r *Registry) ObserveWrite(seconds float64) {
	if r == nil {
		return
	}
	r.IngestionLatency.Observe(seconds)
}

// SetQueueDepth records the asynchronous queue length
func (r *Registry) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.QueueDepth.Set(float64(n))
}

// SetDeadLetterSize records the dead letter queue length
func (r *Registry) SetDeadLetterSize(n int) {
	if r == nil {
		return
	}
	r.DeadLetterSize.Set(float64(n))
}

// ObserveAggregation records one aggregation pass
func (r *Registry) ObserveAggregation(period, outcome string, seconds float64) {
	if r == nil {
		return
	}
	r.AggregationRuns.WithLabelValues(period, outcome).Inc()
	r.AggregationDuration.WithLabelValues(period).Observe(seconds)
}

// AddSummaries counts summary rows written
func (r *Registry) AddSummaries(kind string, n int) {
	if r == nil {
		return
	}
	r.SummariesWritten.WithLabelValues(kind).Add(float64(n))
}

// IncAccess counts one access decision
func (r *Registry) IncAccess(entityType, decision string) {
	if r == nil {
		return
	}
	r.AccessDecisions.WithLabelValues(entityType, decision).Inc()
}

// ObserveHTTP records one served request
func (r *Registry) ObserveHTTP(method, handler, status string, seconds float64) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(method, handler, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, handler).Observe(seconds)
}

// StreamConnected adjusts the connected stream client gauge by delta
func (r *Registry) StreamConnected(delta int) {
	if r == nil {
		return
	}
	r.StreamClients.Add(float64(delta))
}
