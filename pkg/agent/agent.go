// Package agent is a simulated host agent. It answers connect requests from
// management nodes and pings whichever node last connected to it.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/auth"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/model"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/transport"
)

// Config describes the simulated host
type Config struct {
	OS           model.OSInfo
	PingInterval time.Duration
	// Refuse makes every handshake fail, for exercising compensation
	Refuse bool
}

// Agent holds the connection state of one simulated host
type Agent struct {
	config Config
	tokens *auth.TokenManager
	client transport.Transport
	logger logging.Logger

	mu      sync.Mutex
	hostID  string
	nodeID  string
	replyTo string
}

// New creates an agent. tokens may be nil to accept unsigned requests.
func New(config Config, tokens *auth.TokenManager, client transport.Transport, logger logging.Logger) *Agent {
	if config.PingInterval <= 0 {
		config.PingInterval = 10 * time.Second
	}
	return &Agent{
		config: config,
		tokens: tokens,
		client: client,
		logger: logging.OrDefault(logger).With(logging.Component("agent")),
	}
}

// HandleConnect completes a handshake
func (a *Agent) HandleConnect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectReply, error) {
	if a.tokens != nil {
		if _, err := a.tokens.VerifyFor(req.Token, req.HostID); err != nil {
			a.logger.Warn("rejected connect request", logging.NodeID(req.NodeID), logging.Error(err))
			return &protocol.ConnectReply{Success: false, Error: err.Error()}, nil
		}
	}
	if a.config.Refuse {
		return &protocol.ConnectReply{Success: false, Error: "agent configured to refuse connections"}, nil
	}

	a.mu.Lock()
	a.hostID = req.HostID
	a.nodeID = req.NodeID
	a.replyTo = req.ReplyTo
	a.mu.Unlock()

	a.logger.Info("connected",
		logging.HostID(req.HostID),
		logging.NodeID(req.NodeID),
		logging.Bool("new", req.IsNew))
	return &protocol.ConnectReply{Success: true, OS: a.config.OS}, nil
}

// HandleMessage answers messages a management node sends to the agent
func (a *Agent) HandleMessage(ctx context.Context, msg *protocol.Message) (*protocol.Answer, error) {
	switch msg.Kind {
	case protocol.KindDisconnect:
		var payload protocol.DisconnectPayload
		if err := msg.Decode(&payload); err != nil {
			return nil, err
		}
		a.logger.Info("disconnected by management node", logging.String("reason", payload.Reason))
		a.reset()
		return protocol.OK(), nil
	case protocol.KindPing:
		return protocol.OK(), nil
	}
	return &protocol.Answer{Success: false, Detail: "unsupported on agent: " + msg.Kind.String()}, nil
}

// Connected reports the host ID and node currently holding the agent
func (a *Agent) Connected() (hostID, nodeID string, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hostID, a.nodeID, a.replyTo != ""
}

func (a *Agent) reset() {
	a.mu.Lock()
	a.nodeID = ""
	a.replyTo = ""
	a.mu.Unlock()
}

// Announce tells the management node at addr that the host (re)started
func (a *Agent) Announce(ctx context.Context, addr, hostID string) error {
	msg, err := protocol.NewMessage(protocol.KindStartup, hostID, protocol.StartupPayload{OS: a.config.OS})
	if err != nil {
		return err
	}
	_, err = a.client.Send(ctx, addr, msg)
	return err
}

// Ping sends one ping to the holding node. A node that no longer holds the host
// answers unsuccessfully and the agent forgets it.
func (a *Agent) Ping(ctx context.Context) error {
	a.mu.Lock()
	hostID, replyTo := a.hostID, a.replyTo
	a.mu.Unlock()
	if replyTo == "" {
		return nil
	}

	msg, err := protocol.NewMessage(protocol.KindPing, hostID, nil)
	if err != nil {
		return err
	}
	answer, err := a.client.Send(ctx, replyTo, msg)
	if err != nil {
		return err
	}
	if !answer.Success {
		a.logger.Info("management node released host", logging.Address(replyTo), logging.String("detail", answer.Detail))
		a.reset()
	}
	return nil
}

// Run pings every PingInterval until ctx ends
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Ping(ctx); err != nil {
				a.logger.Debug("ping failed", logging.Error(err))
			}
		}
	}
}

// Register wires the agent's handlers into r
func (a *Agent) Register(r *transport.Responder) {
	r.HandleConnect(a.HandleConnect)
	r.HandleMessage(a.HandleMessage)
}
