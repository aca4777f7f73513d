// Package health reports whether a management node can serve: store reachable,
// peers visible and the startup sweep finished.
package health

import (
	"sync"
	"time"
)

// Status is the outcome of one check or of the whole node
type Status string

// Degraded still answers 200 on /healthz; only healthy passes /readyz
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one named probe
type Check struct {
	Name       string         `json:"name"`
	Status     Status         `json:"status"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CheckedAt  time.Time      `json:"checked_at"`
	DurationMs int64          `json:"duration_ms"`
}

// CheckFunc runs one probe; the checker fills in Name and timing
type CheckFunc func() Check

// HealthChecker holds the registered checks
type HealthChecker struct {
	mu          sync.RWMutex
	started     time.Time
	checks      map[string]CheckFunc
	readyChecks map[string]CheckFunc
}

// Response is the body of /healthz and /readyz
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks"`
	UptimeSeconds float64          `json:"uptime_seconds"`
}
