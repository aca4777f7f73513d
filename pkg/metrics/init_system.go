package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// initSystemMetrics registers daemon uptime and the process collector (CPU,
// resident memory, open fds) under the fleet_ namespace.
func (r *Registry) initSystemMetrics() {
	r.UptimeSeconds = promauto.With(r.registry).NewGauge(prometheus.GaugeOpts{
		Name: "fleet_uptime_seconds",
		Help: "Time since the daemon started in seconds",
	})
	r.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "fleet"}))
}
