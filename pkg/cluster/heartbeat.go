package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// Heartbeat is exchanged between management nodes
type Heartbeat struct {
	NodeID string    `json:"node_id"`
	Addr   string    `json:"addr"`
	SentAt time.Time `json:"sent_at"`
}

// PeerClient delivers a heartbeat to a peer and returns the peer's own heartbeat
type PeerClient interface {
	Heartbeat(ctx context.Context, addr string, hb Heartbeat) (*Heartbeat, error)
}

// Heartbeater keeps the live set current: it heartbeats peers, answers their
// heartbeats, and expires peers that fall silent.
type Heartbeater struct {
	config     ClusterConfig
	membership *ClusterMembership
	client     PeerClient
	logger     logging.Logger

	mu    sync.Mutex
	peers map[string]bool // addresses to heartbeat
}

// NewHeartbeater creates a heartbeater seeded with config.Peers
func NewHeartbeater(config ClusterConfig, membership *ClusterMembership, client PeerClient, logger logging.Logger) *Heartbeater {
	hb := &Heartbeater{
		config:     config,
		membership: membership,
		client:     client,
		logger:     logging.OrDefault(logger).With(logging.Component("heartbeat")),
		peers:      make(map[string]bool),
	}
	for _, addr := range config.Peers {
		if addr != config.NodeAddr {
			hb.peers[addr] = true
		}
	}
	return hb
}

// Run heartbeats once per interval until ctx ends. The first round comes after one
// interval; callers that need the live set immediately call Tick themselves.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat round followed by expiry
func (h *Heartbeater) Tick(ctx context.Context) {
	local := h.membership.GetLocalNode()
	out := Heartbeat{NodeID: local.ID, Addr: local.Addr, SentAt: time.Now().UTC()}

	for _, addr := range h.targets() {
		reqCtx, cancel := context.WithTimeout(ctx, h.config.HeartbeatInterval)
		reply, err := h.client.Heartbeat(reqCtx, addr, out)
		cancel()
		if err != nil {
			h.logger.Debug("heartbeat failed", logging.Address(addr), logging.Error(err))
			continue
		}
		if joined, err := h.membership.Touch(ctx, reply.NodeID, reply.Addr); err != nil {
			h.logger.Warn("failed to record heartbeat", logging.NodeID(reply.NodeID), logging.Error(err))
		} else if joined {
			h.logger.Info("management node joined", logging.NodeID(reply.NodeID), logging.Address(reply.Addr))
		}
	}

	for _, id := range h.membership.ExpireSilent(ctx, h.config.NodeTimeout) {
		h.logger.Warn("management node left", logging.NodeID(id))
	}
}

// HandleHeartbeat answers a peer's heartbeat and records the peer as live
func (h *Heartbeater) HandleHeartbeat(ctx context.Context, in Heartbeat) (*Heartbeat, error) {
	if in.NodeID == "" || in.Addr == "" {
		return nil, ErrInvalidNodeID
	}

	h.mu.Lock()
	h.peers[in.Addr] = true
	h.mu.Unlock()

	joined, err := h.membership.Touch(ctx, in.NodeID, in.Addr)
	if err != nil {
		return nil, err
	}
	if joined {
		h.logger.Info("management node joined", logging.NodeID(in.NodeID), logging.Address(in.Addr))
	}

	local := h.membership.GetLocalNode()
	return &Heartbeat{NodeID: local.ID, Addr: local.Addr, SentAt: time.Now().UTC()}, nil
}

func (h *Heartbeater) targets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, n := range h.membership.GetAllNodes() {
		if n.ID != h.config.NodeID && n.Addr != "" {
			h.peers[n.Addr] = true
		}
	}
	out := make([]string, 0, len(h.peers))
	for addr := range h.peers {
		out = append(out, addr)
	}
	return out
}
