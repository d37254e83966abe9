// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the relay.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Direction labels for forwarded-message metrics.
const (
	DirectionOverlayToBackend = "overlay_to_backend"
	DirectionBackendToOverlay = "backend_to_overlay"
)

// Session outcome labels.
const (
	OutcomeCompleted     = "completed"
	OutcomeBackendError  = "backend_error"
	OutcomeConnectFailed = "connect_failed"
	OutcomeIdle          = "idle"
	OutcomePeerClose     = "peer_close"
	OutcomePeerSilent    = "peer_silent"
	OutcomeOverlayError  = "overlay_error"
	OutcomeShutdown      = "shutdown"
)

// RelayMetrics tracks relay activity in Prometheus collectors.
type RelayMetrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsTotal     *prometheus.CounterVec
	messagesForwarded *prometheus.CounterVec
	forwardErrors     *prometheus.CounterVec
	publishDuration   prometheus.Histogram
}

// NewRelayMetrics creates and registers the relay's collectors on a private
// registry.
func NewRelayMetrics(namespace string) *RelayMetrics {
	if namespace == "" {
		namespace = "mcp_relay"
	}

	registry := prometheus.NewRegistry()
	m := &RelayMetrics{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live relay sessions.",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions by final outcome.",
		}, []string{"outcome"}),
		messagesForwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded by direction.",
		}, []string{"direction"}),
		forwardErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_errors_total",
			Help:      "Forwarding failures by error kind.",
		}, []string{"kind"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of envelope publishes toward overlay peers.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	registry.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.messagesForwarded,
		m.forwardErrors,
		m.publishDuration,
	)
	return m
}

// SessionOpened records a session entering the registry.
func (m *RelayMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed records a session leaving the registry with its outcome.
func (m *RelayMetrics) SessionClosed(outcome string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

// MessageForwarded records one message moved in the given direction.
func (m *RelayMetrics) MessageForwarded(direction string) {
	if m == nil {
		return
	}
	m.messagesForwarded.WithLabelValues(direction).Inc()
}

// ForwardError records one forwarding failure by error kind.
func (m *RelayMetrics) ForwardError(kind string) {
	if m == nil {
		return
	}
	m.forwardErrors.WithLabelValues(kind).Inc()
}

// ObservePublish records the latency of one publish toward a peer.
func (m *RelayMetrics) ObservePublish(d time.Duration) {
	if m == nil {
		return
	}
	m.publishDuration.Observe(d.Seconds())
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func (m *RelayMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *RelayMetrics) Gather() prometheus.Gatherer {
	return m.registry
}
