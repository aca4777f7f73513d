// Package liveness passively watches connected hosts: agents ping their
// management node and a host that stays silent past the timeout is disconnected.
package liveness

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
)

// Disconnecter forces a host to Disconnected
type Disconnecter interface {
	Disconnect(ctx context.Context, hostID, cause string) (bool, error)
}

// Tracker records the last ping time of each tracked host
type Tracker struct {
	timeout      time.Duration
	disconnecter Disconnecter
	metrics      *metrics.Registry
	logger       logging.Logger
	now          func() time.Time

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewTracker creates a tracker; reg may be nil
func NewTracker(timeout time.Duration, d Disconnecter, reg *metrics.Registry, logger logging.Logger) *Tracker {
	return &Tracker{
		timeout:      timeout,
		disconnecter: d,
		metrics:      reg,
		logger:       logging.OrDefault(logger).With(logging.Component("liveness")),
		now:          time.Now,
		lastSeen:     make(map[string]time.Time),
	}
}

// Track starts watching hostID, counting from now
func (t *Tracker) Track(hostID string) {
	t.mu.Lock()
	t.lastSeen[hostID] = t.now()
	t.mu.Unlock()
}

// Untrack stops watching hostID
func (t *Tracker) Untrack(hostID string) {
	t.mu.Lock()
	delete(t.lastSeen, hostID)
	t.mu.Unlock()
}

// Ping records a ping. Returns false if the host is not tracked by this node.
func (t *Tracker) Ping(hostID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.lastSeen[hostID]; !ok {
		return false
	}
	t.lastSeen[hostID] = t.now()
	return true
}

// Tracked returns the watched host IDs, sorted
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.lastSeen))
	for id := range t.lastSeen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Check disconnects every host silent for longer than the timeout and
// returns their IDs. Expired hosts are untracked whether or not the
// disconnect succeeds; the next reconnection sweep picks them up.
func (t *Tracker) Check(ctx context.Context) []string {
	cutoff := t.now().Add(-t.timeout)

	t.mu.Lock()
	var expired []string
	for id, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, id)
			delete(t.lastSeen, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(expired)
	for _, id := range expired {
		changed, err := t.disconnecter.Disconnect(ctx, id, connection.CausePingTimeout)
		if err != nil {
			t.logger.Warn("failed to disconnect silent host", logging.HostID(id), logging.Error(err))
			continue
		}
		if changed {
			t.logger.Warn("host missed pings", logging.HostID(id), logging.Duration("timeout", t.timeout))
			if t.metrics != nil {
				t.metrics.RecordLivenessTimeout()
			}
		}
	}
	return expired
}

// Run checks every interval until ctx ends
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Check(ctx)
		}
	}
}
