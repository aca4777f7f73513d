package hostmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-fleet/pkg/hypervisor"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
	"github.com/dd0wney/cluso-fleet/pkg/storage"
	"github.com/dd0wney/cluso-fleet/pkg/validation"
	"github.com/dd0wney/cluso-fleet/pkg/workflow"
)

// AddHostWorkflow names the add pipeline in logs and metrics
const AddHostWorkflow = "add-host"

// Add results recorded in metrics
const (
	resultAdded     = "added"
	resultInvalid   = "invalid"
	resultDuplicate = "duplicate"
	resultRejected  = "rejected"
	resultFailed    = "failed"
)

// addFlow is the state shared by the add pipeline steps
type addFlow struct {
	req        *model.AddHostRequest
	host       *model.Host
	capability hypervisor.Capability
	inventory  model.Inventory
}

// AddHost admits a new host: validation, duplicate check and row creation under the
// address key, then handshake, OS consistency check and extensions. On any failure
// after the row exists the row is deleted and failed-to-add extensions are told.
func (m *Manager) AddHost(ctx context.Context, req *model.AddHostRequest) (model.Inventory, error) {
	start := time.Now()
	inv, err := m.addHost(ctx, req)
	if m.metrics != nil {
		m.metrics.RecordHostAdd(addResult(err), time.Since(start))
	}
	return inv, err
}

func addResult(err error) string {
	var stepErr *workflow.StepError
	switch {
	case err == nil:
		return resultAdded
	case errors.Is(err, validation.ErrInvalidRequest):
		return resultInvalid
	case errors.Is(err, ErrDuplicateAddress):
		return resultDuplicate
	case errors.As(err, &stepErr):
		return resultFailed
	default:
		return resultRejected
	}
}

func (m *Manager) addHost(ctx context.Context, req *model.AddHostRequest) (model.Inventory, error) {
	if err := validation.ValidateAddHostRequest(req); err != nil {
		return model.Inventory{}, err
	}
	normalized := *req
	normalized.ManagementAddress = normalizeAddress(req.ManagementAddress)
	req = &normalized

	logger := m.logger.With(logging.Address(req.ManagementAddress), logging.ClusterID(req.ClusterID))

	var inv model.Inventory
	err := m.serializer.Do(ctx, AdmissionKey, m.config.AdmissionLimit, func(ctx context.Context) error {
		flow, err := m.admit(ctx, req)
		if err != nil {
			return err
		}
		// The caller left while the row was being created
		if err := ctx.Err(); err != nil {
			return m.compensate(ctx, flow, err)
		}
		if err := m.addWorkflow(logger).Run(ctx, flow); err != nil {
			return err
		}
		inv = flow.inventory
		return nil
	})
	if err != nil {
		logger.Warn("add host failed", logging.Error(err))
		return model.Inventory{}, err
	}

	logger.Info("host added", logging.HostID(inv.ID), logging.Status(string(inv.Status)))
	return inv, nil
}

// admit runs the duplicate check and row creation under the address key. Only
// this part is serialized per address, so a duplicate fails as soon as the
// first request's row exists instead of waiting for its handshake. Once the task
// has started it is waited for even if ctx ends, so a created row is never lost.
func (m *Manager) admit(ctx context.Context, req *model.AddHostRequest) (*addFlow, error) {
	var flow *addFlow
	err := m.serializer.Submit(ctx, AddressKey(req.ManagementAddress), 1, func(ctx context.Context) error {
		existing, err := m.store.FindHostByAddress(ctx, req.ManagementAddress)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s is host %s", ErrDuplicateAddress, req.ManagementAddress, existing.ID)
		case !errors.Is(err, storage.ErrHostNotFound):
			return fmt.Errorf("failed to check address: %w", err)
		}

		cl, err := m.store.GetCluster(ctx, req.ClusterID)
		if errors.Is(err, storage.ErrClusterNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownCluster, req.ClusterID)
		}
		if err != nil {
			return fmt.Errorf("failed to load cluster %s: %w", req.ClusterID, err)
		}

		capability, err := m.table.Lookup(cl.HypervisorType)
		if err != nil {
			return err
		}
		host, err := capability.NewHost(req, cl)
		if err != nil {
			return err
		}

		host.ID = req.ID
		if host.ID == "" {
			host.ID = uuid.NewString()
		}
		host.Status = model.StatusConnecting
		host.AdminState = model.AdminEnabled
		host.ManagementNodeID = m.config.NodeID

		if err := m.store.CreateHost(ctx, host); err != nil {
			return err
		}
		flow = &addFlow{req: req, host: host, capability: capability}
		return nil
	}).Err()
	if err != nil {
		return nil, err
	}
	return flow, nil
}

func (m *Manager) addWorkflow(logger logging.Logger) *workflow.Workflow[*addFlow] {
	return &workflow.Workflow[*addFlow]{
		Name: AddHostWorkflow,
		Steps: []workflow.Step[*addFlow]{
			{Name: "before-add", Run: func(ctx context.Context, f *addFlow) error {
				return m.extensions.RunBeforeAdd(ctx, f.req, f.host)
			}},
			workflow.Async("handshake", func(ctx context.Context, f *addFlow, r *workflow.Resolver) {
				host, err := m.handshake(ctx, f.host, true, f.req.RouteHint)
				if err == nil {
					f.host = host
				}
				r.Resolve(err)
			}),
			{Name: "os-check", Run: func(ctx context.Context, f *addFlow) error {
				return m.checkOS(ctx, f.host)
			}},
			{Name: "after-add", Run: func(ctx context.Context, f *addFlow) error {
				return m.extensions.RunAfterAdd(ctx, f.host)
			}},
		},
		OnSuccess: m.addSucceeded,
		OnFailure: m.compensate,
		Logger:    logger,
	}
}

// checkOS compares the new host with any one cluster peer that has left Connecting.
// Incomplete triples on either side pass.
func (m *Manager) checkOS(ctx context.Context, host *model.Host) error {
	if !host.OS.Complete() {
		return nil
	}
	peers, err := m.store.ListHosts(ctx, storage.HostFilter{
		ClusterID: host.ClusterID,
		ExcludeID: host.ID,
		Statuses:  []model.Status{model.StatusConnected, model.StatusDisconnected},
		Limit:     1,
	})
	if err != nil {
		return fmt.Errorf("failed to load cluster peers: %w", err)
	}
	if len(peers) == 0 {
		return nil
	}

	peer := peers[0]
	if !peer.OS.Complete() || peer.OS == host.OS {
		return nil
	}
	return &VersionMismatchError{HostID: host.ID, PeerID: peer.ID, Host: host.OS, Peer: peer.OS}
}

func (m *Manager) addSucceeded(ctx context.Context, f *addFlow) error {
	if m.metrics != nil {
		m.metrics.RecordWorkflow(AddHostWorkflow, nil, "")
	}
	host, err := m.store.GetHost(context.WithoutCancel(ctx), f.host.ID)
	if err != nil {
		return fmt.Errorf("failed to reload host %s: %w", f.host.ID, err)
	}
	f.host = host
	f.inventory = host.Inventory()
	m.publish(ctx, pubsub.HostAdded{Inventory: f.inventory})
	return nil
}

// compensate hard-deletes the host row and notifies every failed-to-add extension
// with a snapshot of the deleted row. The original error is returned, joined with
// a deletion failure if there was one.
func (m *Manager) compensate(ctx context.Context, f *addFlow, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if m.metrics != nil {
		var stepErr *workflow.StepError
		step := ""
		if errors.As(cause, &stepErr) {
			step = stepErr.Step
		}
		m.metrics.RecordWorkflow(AddHostWorkflow, cause, step)
	}

	snapshot := f.host.Inventory()
	if current, err := m.store.GetHost(ctx, f.host.ID); err == nil {
		snapshot = current.Inventory()
	}

	var deleteErr error
	if err := m.store.DeleteHost(ctx, f.host.ID); err != nil && !errors.Is(err, storage.ErrHostNotFound) {
		deleteErr = fmt.Errorf("compensation: failed to delete host %s: %w", f.host.ID, err)
		if m.metrics != nil {
			m.metrics.RecordCompensationFailure()
		}
	}
	m.liveness.Untrack(f.host.ID)

	if err := m.extensions.NotifyFailedToAdd(ctx, snapshot, f.req, cause); err != nil {
		m.logger.Warn("failed-to-add extensions reported errors",
			logging.HostID(f.host.ID), logging.Error(err))
	}

	if deleteErr != nil {
		return errors.Join(cause, deleteErr)
	}
	return cause
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
