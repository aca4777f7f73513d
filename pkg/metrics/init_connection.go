package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initConnectionMetrics() {
	r.HostsByStatus = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_hosts",
			Help: "Hosts owned by this node by connection status",
		},
		[]string{"status"},
	)

	r.HostTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_host_transitions_total",
			Help: "Connection status transitions",
		},
		[]string{"from", "to"},
	)

	r.HandshakesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_handshakes_total",
			Help: "Host handshakes by result",
		},
		[]string{"result"}, // success, failure
	)

	r.HandshakeDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_handshake_duration_seconds",
			Help:    "Connect request round trip",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	r.StorageCascadesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_storage_cascades_total",
			Help: "Hosts disconnected after losing every storage link",
		},
	)

	r.LivenessTimeoutsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_liveness_timeouts_total",
			Help: "Hosts disconnected after missing pings",
		},
	)
}
