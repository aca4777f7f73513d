package cluster

import "sort"

// GetNode returns a copy of a node's info
func (cm *ClusterMembership) GetNode(nodeID string) (*NodeInfo, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	node, exists := cm.nodes[nodeID]
	if !exists {
		return nil, ErrNodeNotFound
	}
	nodeCopy := *node
	return &nodeCopy, nil
}

// GetLocalNode returns this node's info
func (cm *ClusterMembership) GetLocalNode() *NodeInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	nodeCopy := *cm.localNode
	return &nodeCopy
}

// GetAllNodes returns all nodes sorted by ID
func (cm *ClusterMembership) GetAllNodes() []NodeInfo {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	nodes := make([]NodeInfo, 0, len(cm.nodes))
	for _, node := range cm.nodes {
		nodes = append(nodes, *node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// LiveNodeIDs returns the sharding domain: every node ID in the live set, sorted
func (cm *ClusterMembership) LiveNodeIDs() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	ids := make([]string, 0, len(cm.nodes))
	for id := range cm.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetNodeCount returns the total number of nodes
func (cm *ClusterMembership) GetNodeCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.nodes)
}
