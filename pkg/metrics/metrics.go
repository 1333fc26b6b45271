// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesTotal tracks messages persisted by the ingestion pipeline.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"type"},
	)

	// IdempotentReplaysTotal counts sends answered from an existing client_msg_id.
	IdempotentReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messages_idempotent_replays_total",
			Help: "Retried sends resolved to an existing message",
		},
	)

	// SequenceFallbackTotal counts sequence numbers issued by the process-local counter.
	SequenceFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sequencer_local_fallback_total",
			Help: "Sequence numbers issued by the non-shared fallback counter",
		},
	)

	// SequenceErrorsTotal counts shared counter failures.
	SequenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_errors_total",
			Help: "Shared counter failures",
		},
		[]string{"backend"},
	)

	// EventsPublishedTotal counts events handed to the bus.
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published to the event bus",
		},
		[]string{"event"},
	)

	// EventPublishFailuresTotal counts non-critical publish failures.
	EventPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Event publications that failed after a committed write",
		},
		[]string{"event"},
	)

	// BusSubscriptionsActive tracks live bus subscriptions.
	BusSubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bus_subscriptions_active",
			Help: "Number of live event bus subscriptions",
		},
		[]string{"backend"},
	)

	// BusEventsDroppedTotal counts events dropped by bounded subscriber queues.
	BusEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		},
		[]string{"backend"},
	)

	// GatewaySessionsActive tracks live gateway sessions.
	GatewaySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sessions_active",
			Help: "Number of live gateway sessions",
		},
	)

	// SSEConnectionsActive tracks open event streams.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of open server-sent event streams",
		},
	)

	// GatewayFramesTotal counts inbound gateway frames.
	GatewayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_frames_total",
			Help: "Inbound gateway frames",
		},
		[]string{"type", "result"},
	)

	// CallsTotal counts calls reaching a status.
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_total",
			Help: "Call status transitions",
		},
		[]string{"status"},
	)

	// CallDuration observes answered call durations.
	CallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "call_duration_seconds",
			Help:    "Duration of answered calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// LLMStreamDuration tracks assistant streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an assistant streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSessions increments the live gateway session count.
func IncrementSessions() {
	GatewaySessionsActive.Inc()
}

// DecrementSessions decrements the live gateway session count.
func DecrementSessions() {
	GatewaySessionsActive.Dec()
}

// IncrementSSEConnections increments the open event stream count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the open event stream count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
