package cluster

import (
	"hash/fnv"
	"slices"
)

// Owner picks the management node that owns hostID using rendezvous hashing: every
// node scores the host and the highest score wins, ties broken by the smaller ID.
// Removing a node only moves the hosts it owned; adding one only moves hosts to it.
func Owner(hostID string, live []string) (string, error) {
	if len(live) == 0 {
		return "", ErrEmptyLiveSet
	}

	best, bestScore := "", uint64(0)
	for _, node := range live {
		s := score(node, hostID)
		if best == "" || s > bestScore || (s == bestScore && node < best) {
			best, bestScore = node, s
		}
	}
	return best, nil
}

// Owns reports whether nodeID owns hostID in live
func Owns(nodeID, hostID string, live []string) bool {
	owner, err := Owner(hostID, live)
	return err == nil && owner == nodeID
}

// score is FNV-1a over node and host, finished with a 64-bit mixer so that
// similar IDs do not produce correlated scores
func score(nodeID, hostID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(nodeID))
	h.Write([]byte{0})
	h.Write([]byte(hostID))
	x := h.Sum64()

	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// without returns live minus nodeID
func without(live []string, nodeID string) []string {
	return slices.DeleteFunc(slices.Clone(live), func(id string) bool { return id == nodeID })
}
