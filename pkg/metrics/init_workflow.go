package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWorkflowMetrics() {
	r.WorkflowOutcomes = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_workflow_outcomes_total",
			Help: "Workflow runs by name, outcome and failing step",
		},
		[]string{"workflow", "outcome", "step"}, // step is empty on success
	)

	r.CompensationFailures = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_compensation_failures_total",
			Help: "Failed-add compensations that could not delete the host row",
		},
	)
}
