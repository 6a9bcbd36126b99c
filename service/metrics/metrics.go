package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the realtime collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	connections prometheus.Gauge
	onlineUsers prometheus.Gauge
	routed      *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	relayed     *prometheus.CounterVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatnow", Subsystem: "realtime", Name: "connections",
			Help: "Live authenticated realtime connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatnow", Subsystem: "realtime", Name: "online_users",
			Help: "Users with at least one live connection on this node.",
		}),
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatnow", Subsystem: "realtime", Name: "events_routed_total",
			Help: "Frames delivered to connections, by event.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatnow", Subsystem: "realtime", Name: "deliveries_dropped_total",
			Help: "Frames not delivered, by reason.",
		}, []string{"reason"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatnow", Subsystem: "relay", Name: "envelopes_total",
			Help: "Cluster relay envelopes, by direction and kind.",
		}, []string{"direction", "kind"}),
	}
	reg.MustRegister(m.connections, m.onlineUsers, m.routed, m.dropped, m.relayed)
	return m
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

func (m *Metrics) UserOnline() {
	if m != nil {
		m.onlineUsers.Inc()
	}
}

func (m *Metrics) UserOffline() {
	if m != nil {
		m.onlineUsers.Dec()
	}
}

func (m *Metrics) Routed(event string) {
	if m != nil {
		m.routed.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Relayed(direction, kind string) {
	if m != nil {
		m.relayed.WithLabelValues(direction, kind).Inc()
	}
}
