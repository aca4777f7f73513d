// Package connection owns host connection status: the allowed transitions and the storage-loss cascade.
package connection

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
)

// ErrInvalidTransition is returned for a status change with no edge
var ErrInvalidTransition = errors.New("invalid host status transition")

// Causes recorded on HostDisconnected
const (
	CauseHandshakeFailed = "handshake failed"
	CauseStorageLost     = "storage connectivity lost"
	CausePingTimeout     = "ping timeout"
	CauseAgentShutdown   = "agent disconnected"
	CauseOperator        = "operator request"
)

const casAttempts = 3

var edges = map[model.Status][]model.Status{
	model.StatusConnecting:   {model.StatusConnected, model.StatusDisconnected},
	model.StatusConnected:    {model.StatusDisconnected, model.StatusConnecting},
	model.StatusDisconnected: {model.StatusConnecting},
}

// CanTransition reports whether from -> to is an edge
func CanTransition(from, to model.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is what the machine needs from persistence
type Store interface {
	storage.HostStore
	storage.StorageLinkStore
}

// Machine applies status transitions through compare-and-swap writes
type Machine struct {
	store   Store
	bus     *pubsub.PubSub
	metrics *metrics.Registry
	logger  logging.Logger
}

// NewMachine creates a state machine; reg may be nil
func NewMachine(store Store, bus *pubsub.PubSub, reg *metrics.Registry, logger logging.Logger) *Machine {
	return &Machine{
		store:   store,
		bus:     bus,
		metrics: reg,
		logger:  logging.OrDefault(logger).With(logging.Component("connection")),
	}
}

// transition moves a host to change.To, retrying when another writer wins the race.
// decide inspects the current host and returns the StatusChange to apply, or nil for a no-op.
func (m *Machine) transition(ctx context.Context, hostID string, decide func(h *model.Host) (*storage.StatusChange, error)) (*model.Host, bool, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		h, err := m.store.GetHost(ctx, hostID)
		if err != nil {
			return nil, false, err
		}

		change, err := decide(h)
		if err != nil {
			return h, false, err
		}
		if change == nil {
			return h, false, nil
		}

		err = m.store.SetStatus(ctx, hostID, *change)
		if errors.Is(err, storage.ErrStatusConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return h, false, err
		}

		if m.metrics != nil {
			m.metrics.RecordTransition(change.From, change.To)
		}
		m.logger.Debug("host status changed",
			logging.HostID(hostID),
			logging.String("from", string(change.From)),
			logging.String("to", string(change.To)))

		h.Status = change.To
		h.ManagementNodeID = change.NodeID
		if change.OS != nil {
			h.OS = *change.OS
		}
		return h, true, nil
	}
	return nil, false, fmt.Errorf("host %s: %w", hostID, lastErr)
}

func invalid(h *model.Host, to model.Status) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, h.ID, h.Status, to)
}

// BeginHandshake moves a host to Connecting before a connect request is sent.
// A host already Connecting is left alone.
func (m *Machine) BeginHandshake(ctx context.Context, hostID, nodeID string) (*model.Host, error) {
	h, _, err := m.transition(ctx, hostID, func(h *model.Host) (*storage.StatusChange, error) {
		if h.Status == model.StatusConnecting {
			return nil, nil
		}
		if !CanTransition(h.Status, model.StatusConnecting) {
			return nil, invalid(h, model.StatusConnecting)
		}
		return &storage.StatusChange{From: h.Status, To: model.StatusConnecting, NodeID: nodeID}, nil
	})
	return h, err
}

// MarkConnected records a successful handshake and publishes HostConnected
func (m *Machine) MarkConnected(ctx context.Context, hostID, nodeID string, osInfo model.OSInfo) (*model.Host, error) {
	h, changed, err := m.transition(ctx, hostID, func(h *model.Host) (*storage.StatusChange, error) {
		if !CanTransition(h.Status, model.StatusConnected) {
			return nil, invalid(h, model.StatusConnected)
		}
		return &storage.StatusChange{From: h.Status, To: model.StatusConnected, NodeID: nodeID, OS: &osInfo}, nil
	})
	if err != nil {
		return h, err
	}
	if changed {
		m.publish(ctx, pubsub.HostConnected{HostID: hostID, NodeID: nodeID})
	}
	return h, nil
}

// Disconnect moves a host to Disconnected. It is a no-op for a host that is already
// Disconnected; HostDisconnected is published only when the status actually changed.
func (m *Machine) Disconnect(ctx context.Context, hostID, cause string) (bool, error) {
	_, changed, err := m.transition(ctx, hostID, func(h *model.Host) (*storage.StatusChange, error) {
		if h.Status == model.StatusDisconnected {
			return nil, nil
		}
		if !CanTransition(h.Status, model.StatusDisconnected) {
			return nil, invalid(h, model.StatusDisconnected)
		}
		return &storage.StatusChange{From: h.Status, To: model.StatusDisconnected}, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.logger.Info("host disconnected", logging.HostID(hostID), logging.String("cause", cause))
		m.publish(ctx, pubsub.HostDisconnected{HostID: hostID, Cause: cause})
	}
	return changed, nil
}

func (m *Machine) publish(ctx context.Context, e pubsub.Event) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Warn("publish failed", logging.String("topic", e.Topic()), logging.Error(err))
	}
}
