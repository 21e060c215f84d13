package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropUnknownTarget = "unknown_target"
	DropBufferFull    = "buffer_full"
	DropInvalid       = "invalid_message"
	DropRateLimited   = "rate_limited"
	DropPresenceQueue = "presence_queue_full"
)

// Metrics holds the relay's collectors on a private registry so tests and
// multiple relays in one process do not collide.
type Metrics struct {
	registry    *prometheus.Registry
	relayed     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	connections prometheus.Gauge
	rooms       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrelay",
			Name:      "messages_relayed_total",
			Help:      "Signaling messages delivered to a connection, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "callrelay",
			Name:      "messages_dropped_total",
			Help:      "Signaling messages that were not delivered, by reason.",
		}, []string{"reason"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callrelay",
			Name:      "connections",
			Help:      "Live signaling connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "callrelay",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
	}
	m.registry.MustRegister(m.relayed, m.dropped, m.connections, m.rooms)
	return m
}

func (m *Metrics) Relayed(msgType string) {
	m.relayed.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// Occupancy records the current connection and room counts.
func (m *Metrics) Occupancy(connections, rooms int) {
	m.connections.Set(float64(connections))
	m.rooms.Set(float64(rooms))
}

// Handler serves the collectors in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
