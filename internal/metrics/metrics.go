// Package metrics holds the Prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionsRemoved *prometheus.CounterVec

	// Call metrics
	CallsTotal   *prometheus.CounterVec
	CallDuration prometheus.Histogram

	// Connection metrics
	ConnectionsActive   *prometheus.GaugeVec
	ConnectionsReplaced *prometheus.CounterVec

	// Routing metrics
	MessagesRouted  *prometheus.CounterVec
	RoutingMisses   *prometheus.CounterVec
	RoutingDiscards *prometheus.CounterVec

	// Media metrics
	AudioBytesTotal *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec

	TakeoversTotal prometheus.Counter
	SummariesTotal *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callbridge"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of sessions held in memory",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total sessions created",
	}, []string{"origin"})

	sessionsRemoved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_removed_total",
		Help:      "Total sessions removed",
	}, []string{"reason"})

	callsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Calls that reached a terminal status",
	}, []string{"status"})

	callDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Call duration in seconds",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	connectionsActive := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Registered connections by role",
	}, []string{"role"})

	connectionsReplaced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_replaced_total",
		Help:      "Connections closed because a newer one registered for the same role",
	}, []string{"role"})

	messagesRouted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_routed_total",
		Help:      "Messages delivered by the router",
	}, []string{"source", "destination", "kind"})

	routingMisses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_misses_total",
		Help:      "Messages dropped because no destination resolved",
	}, []string{"source", "kind"})

	routingDiscards := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_suppressed_total",
		Help:      "Messages discarded on purpose by a session override",
	}, []string{"source", "kind"})

	audioBytes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Audio bytes carried",
	}, []string{"direction"})

	framesDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_dropped_total",
		Help:      "Frames dropped on the media path",
	}, []string{"reason"})

	takeovers := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "takeovers_total",
		Help:      "Human takeovers activated",
	})

	summaries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "summaries_total",
		Help:      "Post-call summaries attempted",
	}, []string{"status"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionsRemoved,
		callsTotal,
		callDuration,
		connectionsActive,
		connectionsReplaced,
		messagesRouted,
		routingMisses,
		routingDiscards,
		audioBytes,
		framesDropped,
		takeovers,
		summaries,
	)

	return &Metrics{
		registry:            registry,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionsRemoved:     sessionsRemoved,
		CallsTotal:          callsTotal,
		CallDuration:        callDuration,
		ConnectionsActive:   connectionsActive,
		ConnectionsReplaced: connectionsReplaced,
		MessagesRouted:      messagesRouted,
		RoutingMisses:       routingMisses,
		RoutingDiscards:     routingDiscards,
		AudioBytesTotal:     audioBytes,
		FramesDropped:       framesDropped,
		TakeoversTotal:      takeovers,
		SummariesTotal:      summaries,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionCreated records a new session.
func (m *Metrics) RecordSessionCreated(lazy bool) {
	if m == nil {
		return
	}
	origin := "explicit"
	if lazy {
		origin = "lazy"
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues(origin).Inc()
}

// RecordSessionRemoved records a removed session.
func (m *Metrics) RecordSessionRemoved(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsRemoved.WithLabelValues(reason).Inc()
}

// RecordCallEnded records a call reaching a terminal status.
func (m *Metrics) RecordCallEnded(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		m.CallDuration.Observe(duration.Seconds())
	}
}

// RecordConnectionOpened records a registered connection.
func (m *Metrics) RecordConnectionOpened(role string, replaced bool) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Inc()
	if replaced {
		m.ConnectionsReplaced.WithLabelValues(role).Inc()
	}
}

// RecordConnectionClosed records an unregistered connection.
func (m *Metrics) RecordConnectionClosed(role string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(role).Dec()
}

// RecordRouted records a delivered message.
func (m *Metrics) RecordRouted(source, destination, kind string) {
	if m == nil {
		return
	}
	m.MessagesRouted.WithLabelValues(source, destination, kind).Inc()
}

// RecordMiss records a message no destination accepted.
func (m *Metrics) RecordMiss(source, kind string) {
	if m == nil {
		return
	}
	m.RoutingMisses.WithLabelValues(source, kind).Inc()
}

// RecordDiscard records a message dropped by a discard override.
func (m *Metrics) RecordDiscard(source, kind string) {
	if m == nil {
		return
	}
	m.RoutingDiscards.WithLabelValues(source, kind).Inc()
}

// RecordAudio records audio bytes in a direction.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDrop records a dropped frame.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}

// RecordTakeover records a takeover activation.
func (m *Metrics) RecordTakeover() {
	if m == nil {
		return
	}
	m.TakeoversTotal.Inc()
}

// RecordSummary records a summary attempt outcome.
func (m *Metrics) RecordSummary(status string) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(status).Inc()
}
