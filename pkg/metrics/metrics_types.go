package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the orchestrator
type Registry struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Serializer Metrics
	SerializerQueueDepth *prometheus.GaugeVec
	SerializerRunning    *prometheus.GaugeVec
	SerializerPanics     prometheus.Counter

	// Add-host Metrics
	HostAddsTotal        *prometheus.CounterVec
	HostAddDuration      prometheus.Histogram
	WorkflowOutcomes     *prometheus.CounterVec
	CompensationFailures prometheus.Counter

	// Connection Metrics
	HostsByStatus         *prometheus.GaugeVec
	HostTransitionsTotal  *prometheus.CounterVec
	HandshakesTotal       *prometheus.CounterVec
	HandshakeDuration     prometheus.Histogram
	StorageCascadesTotal  prometheus.Counter
	LivenessTimeoutsTotal prometheus.Counter

	// Membership Metrics
	ManagementNodesLive prometheus.Gauge
	OwnedHosts          *prometheus.GaugeVec
	SweepsTotal         *prometheus.CounterVec
	SweepHostsTotal     *prometheus.CounterVec
	SweepDuration       *prometheus.HistogramVec

	// System Metrics
	UptimeSeconds prometheus.Gauge

	registry *prometheus.Registry
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initHTTPMetrics()
	r.initAdmissionMetrics()
	r.initWorkflowMetrics()
	r.initConnectionMetrics()
	r.initSweepMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
