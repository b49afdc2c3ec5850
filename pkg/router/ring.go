package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/concordkv/raftserver/pkg/types"
)

// virtualNodesPerNode trades ring-rebalance smoothness for ring size;
// 100-200 keeps key distribution even without an oversized ring.
const virtualNodesPerNode = 150

// HashRing is a consistent-hash ring over node IDs, used for the
// ConsistentHash routing strategy.
type HashRing struct {
	mu      sync.RWMutex
	hashes  []uint64
	hashMap map[uint64]types.NodeId
}

// NewHashRing creates an empty ring.
func NewHashRing() *HashRing {
	return &HashRing{hashMap: make(map[uint64]types.NodeId)}
}

// AddNode inserts virtualNodesPerNode points for node into the ring.
// O(v log N) for the sort that follows.
func (r *HashRing) AddNode(node types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < virtualNodesPerNode; i++ {
		h := hashVirtualNode(node, i)
		r.hashMap[h] = node
		r.hashes = append(r.hashes, h)
	}
	sort.Slice(r.hashes, func(i, j int) bool { return r.hashes[i] < r.hashes[j] })
}

// RemoveNode deletes all of node's virtual points from the ring.
func (r *HashRing) RemoveNode(node types.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.hashes[:0]
	for _, h := range r.hashes {
		if r.hashMap[h] == node {
			delete(r.hashMap, h)
			continue
		}
		kept = append(kept, h)
	}
	r.hashes = kept
}

// GetNode returns the node owning key, the first ring point at or
// after hash(key), wrapping to the first point if key hashes past the
// last one.
func (r *HashRing) GetNode(key string) (types.NodeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.hashes) == 0 {
		return "", false
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= h })
	if idx == len(r.hashes) {
		idx = 0
	}
	return r.hashMap[r.hashes[idx]], true
}

func hashVirtualNode(node types.NodeId, replica int) uint64 {
	return xxhash.Sum64String(fmt.Sprintf("%s#%d", node, replica))
}
