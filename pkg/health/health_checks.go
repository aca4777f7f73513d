package health

import (
	"context"
	"time"
)

// StoreCheck pings the host store with a timeout
func StoreCheck(ping func(ctx context.Context) error, timeout time.Duration) CheckFunc {
	return func() Check {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := ping(ctx); err != nil {
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		}
		return Check{Status: StatusHealthy, Message: "Connected"}
	}
}

// MembershipCheck reports how many management nodes are live. A node that was
// configured with peers but sees none is degraded: it owns every host.
func MembershipCheck(liveNodes func() int, configuredPeers int) CheckFunc {
	return func() Check {
		live := liveNodes()
		check := Check{
			Details: map[string]any{
				"live_nodes":       live,
				"configured_peers": configuredPeers,
			},
		}

		switch {
		case configuredPeers == 0:
			check.Status = StatusHealthy
			check.Message = "Single management node"
		case live <= 1:
			check.Status = StatusDegraded
			check.Message = "No peers reachable"
		default:
			check.Status = StatusHealthy
			check.Message = "Peers reachable"
		}
		return check
	}
}

// StartupCheck is unhealthy until ready reports true
func StartupCheck(ready func() bool) CheckFunc {
	return func() Check {
		if !ready() {
			return Check{Status: StatusUnhealthy, Message: "Startup sweep in progress"}
		}
		return Check{Status: StatusHealthy, Message: "Startup sweep complete"}
	}
}

// BacklogCheck degrades when more than limit serializer queues are live
func BacklogCheck(queues func() int, limit int) CheckFunc {
	return func() Check {
		n := queues()
		check := Check{Status: StatusHealthy, Details: map[string]any{"queues": n}}
		if n > limit {
			check.Status = StatusDegraded
			check.Message = "Serializer backlog"
		}
		return check
	}
}
