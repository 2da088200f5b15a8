// Package metrics exposes Prometheus metrics for the voice bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionDuration    *prometheus.HistogramVec
	StateTransitions   *prometheus.CounterVec
	HandshakeDuration  prometheus.Histogram
	CredentialRequests *prometheus.CounterVec

	// Tool call metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Audio metrics
	AudioBytesTotal    *prometheus.CounterVec
	AudioChunksDropped prometheus.Counter

	// Conversation metrics
	PendingMessages *prometheus.CounterVec
	WakeActivations prometheus.Counter
	InboundEvents   *prometheus.CounterVec
	RecorderDropped prometheus.Counter
}

// NewMetrics creates a Metrics instance with every collector registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "whisper_bridge"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently handshaking or active",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions ended, by how they ended",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from start to teardown",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session controller state entries",
		}, []string{"state"}),
		HandshakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from start to an open control channel",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		CredentialRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_requests_total",
			Help:      "Credential issuance attempts",
		}, []string{"status"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by terminal outcome",
		}, []string{"tool", "outcome"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool call round trip",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"tool"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes moved through the bridge",
		}, []string{"direction"}),
		AudioChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_dropped_total",
			Help:      "Captured chunks dropped because the buffer was full",
		}),
		PendingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_messages_total",
			Help:      "User messages by what happened to them",
		}, []string{"result"}),
		WakeActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_activations_total",
			Help:      "Wake phrase detections",
		}),
		InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Events received from the speech service",
		}, []string{"kind"}),
		RecorderDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorder_dropped_total",
			Help:      "Registry writes dropped because the queue was full",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.StateTransitions,
		m.HandshakeDuration,
		m.CredentialRequests,
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.AudioBytesTotal,
		m.AudioChunksDropped,
		m.PendingMessages,
		m.WakeActivations,
		m.InboundEvents,
		m.RecorderDropped,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordState records entry into a controller state.
func (m *Metrics) RecordState(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

// RecordSessionStart records a session leaving Idle.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session reaching Idle or Failed.
func (m *Metrics) RecordSessionEnd(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordHandshake records the time to Active.
func (m *Metrics) RecordHandshake(duration time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeDuration.Observe(duration.Seconds())
}

// RecordCredential records one issuance attempt ("ok" or "error").
func (m *Metrics) RecordCredential(status string) {
	if m == nil {
		return
	}
	m.CredentialRequests.WithLabelValues(status).Inc()
}

// RecordToolCall records a terminal tool call outcome.
func (m *Metrics) RecordToolCall(tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordAudio records audio bytes moving "in" (microphone) or "out" (remote).
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordAudioDropped records a chunk lost to backpressure.
func (m *Metrics) RecordAudioDropped() {
	if m == nil {
		return
	}
	m.AudioChunksDropped.Inc()
}

// RecordPending records what Enqueue did with a message.
func (m *Metrics) RecordPending(result string) {
	if m == nil {
		return
	}
	m.PendingMessages.WithLabelValues(result).Inc()
}

// RecordWakeActivation records a wake phrase detection.
func (m *Metrics) RecordWakeActivation() {
	if m == nil {
		return
	}
	m.WakeActivations.Inc()
}

// RecordInbound records one inbound event by kind.
func (m *Metrics) RecordInbound(kind string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(kind).Inc()
}

// RecordRecorderDrop records a registry write dropped under load.
func (m *Metrics) RecordRecorderDrop() {
	if m == nil {
		return
	}
	m.RecorderDropped.Inc()
}
