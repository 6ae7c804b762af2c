// Package metrics holds the process-wide Prometheus collectors. A Metrics value
// owns its registry so tests can build isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tandem"

type Metrics struct {
	registry *prometheus.Registry

	Delivered        *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	ActivityFailures prometheus.Counter
	NarrowKeys       *prometheus.CounterVec
	Rebalances       *prometheus.CounterVec
	Connections      prometheus.Gauge
	RoomMembers      *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_delivered_total",
			Help:      "Events enqueued to subscriber connections.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Events dropped because a subscriber's send buffer was full.",
		}, []string{"event"}),
		ActivityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_failures_total",
			Help:      "Activity log entries that could not be persisted.",
		}),
		NarrowKeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_key_narrow_total",
			Help:      "Order keys allocated into a gap below the renormalization threshold.",
		}, []string{"scope"}),
		Rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_key_rebalance_total",
			Help:      "Sibling renormalization passes by outcome.",
		}, []string{"scope", "outcome"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socket_connections",
			Help:      "Open realtime connections on this node.",
		}),
		RoomMembers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_members",
			Help:      "Room memberships on this node by room kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Delivered,
		m.Dropped,
		m.ActivityFailures,
		m.NarrowKeys,
		m.Rebalances,
		m.Connections,
		m.RoomMembers,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
