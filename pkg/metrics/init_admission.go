package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initAdmissionMetrics() {
	r.SerializerQueueDepth = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_serializer_queue_depth",
			Help: "Tasks waiting for a slot, by key family",
		},
		[]string{"family"}, // add-admission, add-host, ...
	)

	r.SerializerRunning = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_serializer_running",
			Help: "Tasks currently holding a slot, by key family",
		},
		[]string{"family"},
	)

	r.SerializerPanics = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_serializer_panics_total",
			Help: "Serialized tasks that panicked",
		},
	)

	r.HostAddsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_host_adds_total",
			Help: "Add-host requests by result",
		},
		[]string{"result"}, // added, invalid, duplicate, rejected, failed
	)

	r.HostAddDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleet_host_add_duration_seconds",
			Help:    "End to end add-host latency",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)
}
