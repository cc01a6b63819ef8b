package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Chat session lifecycle and outcomes
//   - Stream event volume by type
//   - Admission rejections (rate limits, duplicates, full inbox)
//   - Model slot wait times and acquisition failures
//   - Tool execution counts and latencies
//   - Semantic cache effectiveness
type Metrics struct {
	// ActiveSessions is a gauge of streams currently being served.
	ActiveSessions prometheus.Gauge

	// SessionsTotal counts finished streams by outcome.
	// Labels: code (ok|MODEL_BUSY|MODEL_UNREACHABLE|REQUEST_TIMEOUT|PROCESSING_ERROR|cancelled)
	SessionsTotal *prometheus.CounterVec

	// SessionDuration measures stream lifetime in seconds.
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s, 300s
	SessionDuration prometheus.Histogram

	// StreamEventsTotal counts emitted stream events by type.
	// Labels: type (queued|thinking|content|tool_call|error)
	StreamEventsTotal *prometheus.CounterVec

	// RejectionsTotal counts requests refused before streaming began.
	// Labels: reason (rate_ip|rate_global|duplicate|nonce|inbox_full|validation)
	RejectionsTotal *prometheus.CounterVec

	// SlotWaitDuration measures time spent waiting for a model slot.
	// Labels: outcome (acquired|timeout|cancelled)
	SlotWaitDuration *prometheus.HistogramVec

	// ModelRequestDuration measures upstream model call latency in seconds.
	// Labels: model, status (success|error)
	ModelRequestDuration *prometheus.HistogramVec

	// ToolCallsTotal counts tool invocations.
	// Labels: tool, status (completed|error|timeout)
	ToolCallsTotal *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool
	ToolCallDuration *prometheus.HistogramVec

	// CacheLookupsTotal counts semantic cache lookups.
	// Labels: result (hit|miss)
	CacheLookupsTotal *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestsTotal counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Call once at startup; collectors register with the default registry and
// are served by the prometheus HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatty_active_sessions",
				Help: "Current number of chat streams being served",
			},
		),

		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_sessions_total",
				Help: "Total number of finished chat streams by outcome code",
			},
			[]string{"code"},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatty_session_duration_seconds",
				Help:    "Duration of chat streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),

		StreamEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_stream_events_total",
				Help: "Total number of stream events emitted by type",
			},
			[]string{"type"},
		),

		RejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_rejections_total",
				Help: "Total number of requests rejected before streaming",
			},
			[]string{"reason"},
		),

		SlotWaitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatty_slot_wait_duration_seconds",
				Help:    "Time spent waiting for a model slot in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"outcome"},
		),

		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatty_model_request_duration_seconds",
				Help:    "Duration of upstream model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model", "status"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_tool_calls_total",
				Help: "Total number of tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatty_tool_call_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),

		CacheLookupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_cache_lookups_total",
				Help: "Total number of semantic cache lookups by result",
			},
			[]string{"result"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatty_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatty_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// SessionStarted increments the active sessions gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active sessions gauge and records the outcome.
// The code is "ok" for clean completion or the error code sent to the client.
func (m *Metrics) SessionEnded(code string, durationSeconds float64) {
	m.ActiveSessions.Dec()
	m.SessionsTotal.WithLabelValues(code).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordStreamEvent counts one emitted stream event.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.StreamEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordRejection counts one refused request.
func (m *Metrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordSlotWait records how long a request waited for a model slot.
func (m *Metrics) RecordSlotWait(outcome string, durationSeconds float64) {
	m.SlotWaitDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordModelRequest records one upstream model call.
func (m *Metrics) RecordModelRequest(model, status string, durationSeconds float64) {
	m.ModelRequestDuration.WithLabelValues(model, status).Observe(durationSeconds)
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordCacheLookup records one semantic cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
