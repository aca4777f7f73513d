package health

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler serves the health checks. Degraded still answers 200.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.Check(), StatusDegraded)
	}
}

// ReadinessHandler serves health plus readiness checks. Only healthy answers 200.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, hc.CheckReadiness(), StatusHealthy)
	}
}

// writeResponse answers 200 when the status is healthy or equals tolerated
func writeResponse(w http.ResponseWriter, response Response, tolerated Status) {
	w.Header().Set("Content-Type", "application/json")
	if response.Status == StatusHealthy || response.Status == tolerated {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
