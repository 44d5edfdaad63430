// Package metrics exposes Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections      prometheus.Gauge
	sessions         prometheus.Gauge
	messages         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	persistFailures  prometheus.Counter
	rejected         *prometheus.CounterVec
	persistLatencies prometheus.Histogram
	uploads          prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Open WebSocket connections.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Logged-in identities.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Messages persisted, by kind.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Fan-out attempts, by outcome.",
		}, []string{"outcome"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_persist_failures_total",
			Help: "Messages dropped because the store rejected them.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_rejected_envelopes_total",
			Help: "Inbound envelopes rejected, by reason.",
		}, []string{"reason"}),
		persistLatencies: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_persist_seconds",
			Help:    "Time spent appending a message to the store.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		uploads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_uploads_total",
			Help: "Files accepted by the upload endpoint.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.sessions,
		m.messages,
		m.deliveries,
		m.persistFailures,
		m.rejected,
		m.persistLatencies,
		m.uploads,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetSessions records the number of bound identities.
func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

// MessagePersisted counts a stored message and how long the write took.
func (m *Metrics) MessagePersisted(kind string, seconds float64) {
	if m != nil {
		m.messages.WithLabelValues(kind).Inc()
		m.persistLatencies.Observe(seconds)
	}
}

func (m *Metrics) PersistFailed() {
	if m != nil {
		m.persistFailures.Inc()
	}
}

// Delivered counts fan-out outcomes: "delivered" or "stale".
func (m *Metrics) Delivered(outcome string, n int) {
	if m != nil && n > 0 {
		m.deliveries.WithLabelValues(outcome).Add(float64(n))
	}
}

// Rejected counts an inbound envelope dropped for reason.
func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FileUploaded() {
	if m != nil {
		m.uploads.Inc()
	}
}
