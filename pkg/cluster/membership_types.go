// Package cluster tracks the live management nodes and decides which of them owns each host.
package cluster

import (
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/metrics"
	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
)

// NodeInfo describes a management node
type NodeInfo struct {
	ID       string    `json:"id"`
	Addr     string    `json:"addr"`
	LastSeen time.Time `json:"last_seen"`
}

// IsHealthy returns true if the node has been seen within timeout
func (n *NodeInfo) IsHealthy(timeout time.Duration) bool {
	return time.Since(n.LastSeen) < timeout
}

// ClusterMembership is the live set of management nodes. Every change is published
// on the bus as NodeJoined or NodeLeft.
type ClusterMembership struct {
	nodes           map[string]*NodeInfo
	localNode       *NodeInfo
	mu              sync.RWMutex
	bus             *pubsub.PubSub
	metricsRegistry *metrics.Registry
	now             func() time.Time
}

// NewClusterMembership creates a membership containing only the local node; bus and reg may be nil
func NewClusterMembership(localNodeID, localAddr string, bus *pubsub.PubSub, reg *metrics.Registry) *ClusterMembership {
	cm := &ClusterMembership{
		nodes:           make(map[string]*NodeInfo),
		bus:             bus,
		metricsRegistry: reg,
		now:             time.Now,
	}
	cm.localNode = &NodeInfo{ID: localNodeID, Addr: localAddr, LastSeen: cm.now()}
	cm.nodes[localNodeID] = cm.localNode
	cm.reportSize()
	return cm
}

func (cm *ClusterMembership) reportSize() {
	if cm.metricsRegistry != nil {
		cm.metricsRegistry.UpdateMembership(len(cm.nodes))
	}
}
