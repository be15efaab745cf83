package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sigstream"

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	RoomsActive        prometheus.Gauge
	RoomsCreated       *prometheus.CounterVec
	RoomsEnded         *prometheus.CounterVec
	AdmissionDecisions *prometheus.CounterVec
	Connections        prometheus.Gauge
	EventsReceived     *prometheus.CounterVec
	EventsDelivered    *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rooms_active",
			Help:      "Rooms that are currently active.",
		}),
		RoomsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rooms_created_total",
			Help:      "Rooms created, by kind.",
		}, []string{"kind"}),
		RoomsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "rooms_ended_total",
			Help:      "Rooms ended, by reason.",
		}, []string{"reason"}),
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "admission_decisions_total",
			Help:      "Membership transitions, by resulting status.",
		}, []string{"status"}),
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open signaling sockets.",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_received_total",
			Help:      "Inbound socket events, by event name.",
		}, []string{"event"}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_delivered_total",
			Help:      "Outbound socket events queued for delivery, by event name.",
		}, []string{"event"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_dropped_total",
			Help:      "Outbound events dropped, by reason.",
		}, []string{"reason"}),
	}
}
