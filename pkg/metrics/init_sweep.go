package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSweepMetrics() {
	r.ManagementNodesLive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "fleet_management_nodes_live",
			Help: "Management nodes in the live set",
		},
	)

	r.OwnedHosts = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_owned_hosts",
			Help: "Hosts owned by this node at the last sweep",
		},
		[]string{"partition"}, // connected, not_connected
	)

	r.SweepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sweeps_total",
			Help: "Reconnection sweeps by trigger",
		},
		[]string{"trigger"}, // startup, departure, join
	)

	r.SweepHostsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sweep_hosts_total",
			Help: "Per-host connect attempts during sweeps",
		},
		[]string{"trigger", "result"},
	)

	r.SweepDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_sweep_duration_seconds",
			Help:    "Reconnection sweep duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"trigger"},
	)
}
