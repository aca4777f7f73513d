package cluster

import "time"

// ClusterConfig configures membership and reconnection sweeps for one management node
type ClusterConfig struct {
	NodeID   string   // Unique identifier for this node
	NodeAddr string   // Address peers reach this node at
	Peers    []string // Peer addresses heartbeated at startup

	HeartbeatInterval time.Duration // Interval between heartbeats (default: 2s)
	NodeTimeout       time.Duration // Silence after which a peer leaves the live set (default: 10s)

	ReconnectAllOnBoot   bool // Re-handshake every owned host at startup, even Connected ones
	ReconnectParallelism int  // Concurrent connect requests per sweep (default: 16)
	PageSize             int  // Hosts read per page while scanning (default: 10000)
}

// DefaultClusterConfig returns a safe default configuration
func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		HeartbeatInterval:    2 * time.Second,
		NodeTimeout:          10 * time.Second,
		ReconnectAllOnBoot:   false,
		ReconnectParallelism: 16,
		PageSize:             10000,
	}
}

// Validate checks if configuration is valid
func (c *ClusterConfig) Validate() error {
	if c.NodeID == "" {
		return ErrInvalidNodeID
	}
	if c.NodeAddr == "" {
		return ErrInvalidNodeAddr
	}
	if c.NodeTimeout <= c.HeartbeatInterval {
		return ErrNodeTimeoutTooSmall
	}
	if c.ReconnectParallelism < 1 {
		return ErrInvalidParallelism
	}
	if c.PageSize < 1 {
		return ErrInvalidPageSize
	}
	return nil
}
