package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/pubsub"
)

// AddNode registers a node and publishes NodeJoined
func (cm *ClusterMembership) AddNode(ctx context.Context, info NodeInfo) error {
	cm.mu.Lock()
	if _, exists := cm.nodes[info.ID]; exists {
		cm.mu.Unlock()
		return ErrNodeAlreadyExists
	}
	nodeCopy := info
	nodeCopy.LastSeen = cm.now()
	cm.nodes[info.ID] = &nodeCopy
	cm.reportSize()
	cm.mu.Unlock()

	cm.publish(ctx, pubsub.NodeJoined{NodeID: info.ID, Addr: info.Addr})
	return nil
}

// RemoveNode drops a node and publishes NodeLeft
func (cm *ClusterMembership) RemoveNode(ctx context.Context, nodeID string) error {
	cm.mu.Lock()
	if nodeID == cm.localNode.ID {
		cm.mu.Unlock()
		return ErrCannotRemoveSelf
	}
	if _, exists := cm.nodes[nodeID]; !exists {
		cm.mu.Unlock()
		return ErrNodeNotFound
	}
	delete(cm.nodes, nodeID)
	cm.reportSize()
	cm.mu.Unlock()

	cm.publish(ctx, pubsub.NodeLeft{NodeID: nodeID})
	return nil
}

// Touch records a heartbeat from nodeID, adding the node if it is new. It reports
// whether the node joined.
func (cm *ClusterMembership) Touch(ctx context.Context, nodeID, addr string) (bool, error) {
	cm.mu.Lock()
	node, exists := cm.nodes[nodeID]
	if exists {
		node.LastSeen = cm.now()
		if addr != "" {
			node.Addr = addr
		}
		cm.mu.Unlock()
		return false, nil
	}
	cm.mu.Unlock()

	err := cm.AddNode(ctx, NodeInfo{ID: nodeID, Addr: addr})
	if errors.Is(err, ErrNodeAlreadyExists) {
		return false, nil
	}
	return err == nil, err
}

// ExpireSilent removes every peer not seen within timeout and returns their IDs
func (cm *ClusterMembership) ExpireSilent(ctx context.Context, timeout time.Duration) []string {
	cm.mu.RLock()
	var silent []string
	cutoff := cm.now().Add(-timeout)
	for id, node := range cm.nodes {
		if id != cm.localNode.ID && node.LastSeen.Before(cutoff) {
			silent = append(silent, id)
		}
	}
	cm.mu.RUnlock()

	var removed []string
	for _, id := range silent {
		if err := cm.RemoveNode(ctx, id); err == nil {
			removed = append(removed, id)
		}
	}
	return removed
}

func (cm *ClusterMembership) publish(ctx context.Context, e pubsub.Event) {
	if cm.bus != nil {
		_ = cm.bus.Publish(ctx, e)
	}
}
