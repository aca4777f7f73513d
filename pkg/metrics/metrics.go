package metrics

import (
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/model"
)

// RecordHTTPRequest records an admin API request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SetSerializerDepth publishes queue depth and running count for a key family
func (r *Registry) SetSerializerDepth(family string, queued, running int) {
	r.SerializerQueueDepth.WithLabelValues(family).Set(float64(queued))
	r.SerializerRunning.WithLabelValues(family).Set(float64(running))
}

// RecordSerializerPanic counts a recovered task panic
func (r *Registry) RecordSerializerPanic() {
	r.SerializerPanics.Inc()
}

// RecordHostAdd records the result of an add-host request
func (r *Registry) RecordHostAdd(result string, duration time.Duration) {
	r.HostAddsTotal.WithLabelValues(result).Inc()
	r.HostAddDuration.Observe(duration.Seconds())
}

// RecordWorkflow records a workflow outcome; failedStep is empty on success
func (r *Registry) RecordWorkflow(workflow string, err error, failedStep string) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.WorkflowOutcomes.WithLabelValues(workflow, outcome, failedStep).Inc()
}

// RecordCompensationFailure counts a host row that could not be deleted
func (r *Registry) RecordCompensationFailure() {
	r.CompensationFailures.Inc()
}

// RecordTransition records a host status change
func (r *Registry) RecordTransition(from, to model.Status) {
	r.HostTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordHandshake records a connect request round trip
func (r *Registry) RecordHandshake(success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.HandshakesTotal.WithLabelValues(result).Inc()
	r.HandshakeDuration.Observe(duration.Seconds())
}

// RecordStorageCascade counts a storage-loss disconnect
func (r *Registry) RecordStorageCascade() {
	r.StorageCascadesTotal.Inc()
}

// RecordLivenessTimeout counts a ping timeout disconnect
func (r *Registry) RecordLivenessTimeout() {
	r.LivenessTimeoutsTotal.Inc()
}

// UpdateMembership publishes the live node count
func (r *Registry) UpdateMembership(liveNodes int) {
	r.ManagementNodesLive.Set(float64(liveNodes))
}

// SetOwnedHosts publishes the partition sizes of the last ownership scan
func (r *Registry) SetOwnedHosts(connected, notConnected int) {
	r.OwnedHosts.WithLabelValues("connected").Set(float64(connected))
	r.OwnedHosts.WithLabelValues("not_connected").Set(float64(notConnected))
}

// RecordSweep records a completed sweep and its per-host results
func (r *Registry) RecordSweep(trigger string, succeeded, failed int, duration time.Duration) {
	r.SweepsTotal.WithLabelValues(trigger).Inc()
	r.SweepHostsTotal.WithLabelValues(trigger, "success").Add(float64(succeeded))
	r.SweepHostsTotal.WithLabelValues(trigger, "failure").Add(float64(failed))
	r.SweepDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes the uptime gauge; process statistics are
// collected on scrape
func (r *Registry) UpdateSystemMetrics(started time.Time) {
	r.UptimeSeconds.Set(time.Since(started).Seconds())
}
