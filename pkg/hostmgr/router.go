package hostmgr

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-fleet/pkg/connection"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// HandleMessage routes a message from a host agent: extension handlers first,
// then core handling by kind.
func (m *Manager) HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Answer, error) {
	if msg == nil || !msg.Kind.Valid() {
		kind := protocol.Kind(0)
		if msg != nil {
			kind = msg.Kind
		}
		return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageKind, kind)
	}

	host, err := m.store.GetHost(ctx, msg.HostID)
	if err != nil {
		return nil, fmt.Errorf("%s from %q: %w", msg.Kind, msg.HostID, err)
	}

	answer, handled, err := m.extensions.Route(ctx, host, msg)
	if err != nil {
		return nil, err
	}
	if handled {
		return answer, nil
	}

	switch msg.Kind {
	case protocol.KindPing:
		if !m.liveness.Ping(host.ID) {
			return &protocol.Answer{Success: false, Detail: "host is not held by this node"}, nil
		}
		return protocol.OK(), nil

	case protocol.KindStartup, protocol.KindConnect:
		var payload protocol.StartupPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		m.logger.Info("agent asked to reconnect",
			logging.HostID(host.ID),
			logging.String("kind", msg.Kind.String()),
			logging.String("os", payload.OS.String()))
		m.scheduleReconnect(ctx, host)
		return protocol.OK(), nil

	case protocol.KindDisconnect:
		var payload protocol.DisconnectPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		if _, err := m.machine.Disconnect(ctx, host.ID, connection.CauseAgentShutdown); err != nil {
			return nil, err
		}
		m.liveness.Untrack(host.ID)
		return protocol.OK(), nil

	case protocol.KindCommand:
		var cmd protocol.CommandPayload
		if err := msg.Decode(&cmd); err != nil {
			return nil, err
		}
		capability, err := m.table.Lookup(host.HypervisorType)
		if err != nil {
			return nil, err
		}
		return capability.HandleCommand(ctx, host, cmd)
	}

	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageKind, msg.Kind)
}
