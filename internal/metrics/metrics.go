// Package metrics collects Prometheus counters for the relay and client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can construct isolated instances
// without global collector collisions.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal         *prometheus.CounterVec
	signalMessagesTotal *prometheus.CounterVec
	wsConnectionsTotal  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluginlink",
			Name:      "events_total",
			Help:      "Internal event counters.",
		},
		[]string{"event"},
	)
	signalMessagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluginlink",
			Subsystem: "signal",
			Name:      "messages_total",
			Help:      "Signaling messages appended, by bucket and sender.",
		},
		[]string{"bucket", "sender"},
	)
	wsConnectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pluginlink",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Signaling WebSocket connections, by outcome.",
		},
		[]string{"result"},
	)

	registry.MustRegister(eventsTotal, signalMessagesTotal, wsConnectionsTotal)

	return &Metrics{
		registry:            registry,
		eventsTotal:         eventsTotal,
		signalMessagesTotal: signalMessagesTotal,
		wsConnectionsTotal:  wsConnectionsTotal,
	}
}

func (m *Metrics) Inc(event string) {
	m.eventsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) IncSignalMessage(bucket, sender string) {
	m.signalMessagesTotal.WithLabelValues(bucket, sender).Inc()
}

func (m *Metrics) IncWSConnection(result string) {
	m.wsConnectionsTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
