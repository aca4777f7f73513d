package hostmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// handshake sends a connect request and records the outcome. On failure the host
// is moved to Disconnected and a *HandshakeError is returned.
func (m *Manager) handshake(ctx context.Context, host *model.Host, isNew bool, routeHint string) (*model.Host, error) {
	start := time.Now()
	req := &protocol.ConnectRequest{
		HostID:         host.ID,
		Address:        host.ManagementAddress,
		IsNew:          isNew,
		ProbeOnFailure: !isNew,
		RouteHint:      routeHint,
		NodeID:         m.config.NodeID,
		ReplyTo:        m.config.NodeAddr,
	}

	var err error
	if m.tokens != nil {
		req.Token, err = m.tokens.Issue(m.config.NodeID, host.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to issue connect token: %w", err)
		}
	}

	reply, err := m.transport.Connect(ctx, host.ManagementAddress, req)
	if err == nil && !reply.Success {
		err = ErrAgentRefused
		if reply.Error != "" {
			err = fmt.Errorf("%w: %s", ErrAgentRefused, reply.Error)
		}
	}
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordHandshake(false, time.Since(start))
		}
		if _, derr := m.machine.Disconnect(context.WithoutCancel(ctx), host.ID, connection.CauseHandshakeFailed); derr != nil {
			m.logger.Warn("failed to record handshake failure", logging.HostID(host.ID), logging.Error(derr))
		}
		return nil, &HandshakeError{HostID: host.ID, Address: host.ManagementAddress, Err: err}
	}

	connected, err := m.machine.MarkConnected(ctx, host.ID, m.config.NodeID, reply.OS)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.RecordHandshake(true, time.Since(start))
	}
	m.liveness.Track(host.ID)
	return connected, nil
}

// Connect re-handshakes an existing host. It is the coordinator's Connector.
func (m *Manager) Connect(ctx context.Context, host *model.Host) error {
	current, err := m.machine.BeginHandshake(ctx, host.ID, m.config.NodeID)
	if err != nil {
		return err
	}
	_, err = m.handshake(ctx, current, false, "")
	return err
}

// Disconnect is the operator request to drop a host's connection. The agent is
// told on a best-effort basis. Returns false if the host was already Disconnected.
func (m *Manager) Disconnect(ctx context.Context, hostID string) (bool, error) {
	host, err := m.store.GetHost(ctx, hostID)
	if err != nil {
		return false, err
	}

	changed, err := m.machine.Disconnect(ctx, hostID, connection.CauseOperator)
	if err != nil {
		return false, err
	}
	m.liveness.Untrack(hostID)
	if !changed {
		return false, nil
	}

	msg, err := protocol.NewMessage(protocol.KindDisconnect, hostID, protocol.DisconnectPayload{Reason: connection.CauseOperator})
	if err == nil {
		_, err = m.transport.Send(ctx, host.ManagementAddress, msg)
	}
	if err != nil {
		m.logger.Debug("agent not told about disconnect",
			logging.HostID(hostID), logging.Address(host.ManagementAddress), logging.Error(err))
	}
	return true, nil
}

// scheduleReconnect queues a reconnect for hostID. Requests for the same host
// run one at a time.
func (m *Manager) scheduleReconnect(ctx context.Context, host *model.Host) {
	ctx = context.WithoutCancel(ctx)
	m.serializer.Submit(ctx, reconnectPrefix+host.ID, 1, func(ctx context.Context) error {
		err := m.Connect(ctx, host)
		if err != nil {
			m.logger.Warn("reconnect failed", logging.HostID(host.ID), logging.Error(err))
		}
		return err
	})
}
