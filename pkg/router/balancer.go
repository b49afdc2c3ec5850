package router

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/concordkv/raftserver/pkg/types"
)

// LoadBalancer picks one candidate node from a set of healthy
// candidates for the LoadBalance routing strategy.
type LoadBalancer interface {
	Pick(candidates []types.NodeId) (types.NodeId, bool)
}

// RoundRobinBalancer cycles through candidates in order.
type RoundRobinBalancer struct {
	counter uint64
}

func NewRoundRobinBalancer() *RoundRobinBalancer { return &RoundRobinBalancer{} }

func (b *RoundRobinBalancer) Pick(candidates []types.NodeId) (types.NodeId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	n := atomic.AddUint64(&b.counter, 1)
	return candidates[(n-1)%uint64(len(candidates))], true
}

// RandomBalancer picks a uniformly random candidate.
type RandomBalancer struct{}

func NewRandomBalancer() *RandomBalancer { return &RandomBalancer{} }

func (b *RandomBalancer) Pick(candidates []types.NodeId) (types.NodeId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[rand.Intn(len(candidates))], true
}

// LeastConnectionsBalancer picks the candidate with the fewest
// in-flight requests, as tracked by the connection pool.
type LeastConnectionsBalancer struct {
	mu    sync.RWMutex
	conns map[types.NodeId]int
}

func NewLeastConnectionsBalancer() *LeastConnectionsBalancer {
	return &LeastConnectionsBalancer{conns: make(map[types.NodeId]int)}
}

// SetActiveConnections updates the balancer's view of a node's
// current in-flight request count; Pick treats a node with no
// reported count as having zero.
func (b *LeastConnectionsBalancer) SetActiveConnections(node types.NodeId, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[node] = count
}

func (b *LeastConnectionsBalancer) Pick(candidates []types.NodeId) (types.NodeId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	best := candidates[0]
	bestCount := b.conns[best]
	for _, c := range candidates[1:] {
		if cnt := b.conns[c]; cnt < bestCount {
			best, bestCount = c, cnt
		}
	}
	return best, true
}

// LatencyWeightedBalancer prefers candidates with lower observed
// latency (e.g. fed from dcraft.Extension.Latency).
type LatencyWeightedBalancer struct {
	mu      sync.RWMutex
	latency map[types.NodeId]int64 // nanoseconds
}

func NewLatencyWeightedBalancer() *LatencyWeightedBalancer {
	return &LatencyWeightedBalancer{latency: make(map[types.NodeId]int64)}
}

// SetLatency records the latest latency observation for node.
func (b *LatencyWeightedBalancer) SetLatency(node types.NodeId, nanos int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency[node] = nanos
}

func (b *LatencyWeightedBalancer) Pick(candidates []types.NodeId) (types.NodeId, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	best := candidates[0]
	bestLatency, known := b.latency[best]
	if !known {
		bestLatency = 1 << 62
	}
	for _, c := range candidates[1:] {
		lat, ok := b.latency[c]
		if !ok {
			lat = 1 << 62
		}
		if lat < bestLatency {
			best, bestLatency = c, lat
		}
	}
	return best, true
}

// ConsistentHashBalancer wraps a HashRing as a LoadBalancer, keyed by
// a caller-supplied routing key rather than the candidate list (the
// ring already encodes node membership).
type ConsistentHashBalancer struct {
	ring *HashRing
	key  string
}

// NewConsistentHashBalancer creates a balancer bound to one request's
// routing key; construct one per Route call.
func NewConsistentHashBalancer(ring *HashRing, key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{ring: ring, key: key}
}

func (b *ConsistentHashBalancer) Pick(candidates []types.NodeId) (types.NodeId, bool) {
	node, ok := b.ring.GetNode(b.key)
	if !ok {
		return "", false
	}
	for _, c := range candidates {
		if c == node {
			return node, true
		}
	}
	// Ring owner isn't among the healthy candidates; fall back to the
	// first candidate rather than failing the request outright.
	if len(candidates) > 0 {
		return candidates[0], true
	}
	return "", false
}
