// Package router implements the Smart Router: it turns a request
// (read or write, for a shard or a key) into a routing decision,
// applying the requested strategy, a per-node circuit breaker, node
// health tracking, and an optional TTL routing cache invalidated by
// topology events.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/topologycache"
	"github.com/concordkv/raftserver/pkg/types"
)

// Strategy selects how a routing decision is made.
type Strategy string

const (
	StrategyWritePrimary   Strategy = "write_primary"
	StrategyReadReplica    Strategy = "read_replica"
	StrategyLoadBalance    Strategy = "load_balance"
	StrategyFailover       Strategy = "failover"
	StrategyConsistentHash Strategy = "consistent_hash"
)

// NodeHealthState tracks a node's health independent of its circuit
// breaker, through a Healthy->Unhealthy->Recovering cycle.
type NodeHealthState string

const (
	NodeHealthy    NodeHealthState = "healthy"
	NodeUnhealthy  NodeHealthState = "unhealthy"
	NodeRecovering NodeHealthState = "recovering"
)

// Request describes one routing ask.
type Request struct {
	Type        types.RequestType
	Key         string
	ShardID     types.ShardId
	Consistency types.ConsistencyLevel
	Strategy    Strategy
}

// Config tunes the router.
type Config struct {
	DefaultStrategy Strategy
	CacheTTL        time.Duration
	RecoveryProbes  int // consecutive healthy probes to leave Recovering
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{DefaultStrategy: StrategyReadReplica, CacheTTL: 2 * time.Second, RecoveryProbes: 3}
}

type cachedDecision struct {
	decision types.RoutingDecision
	at       time.Time
}

// Router is the Smart Router.
type Router struct {
	cfg Config

	cache   *topologycache.Cache
	ring    *HashRing
	breaker *BreakerSet

	roundRobin      *RoundRobinBalancer
	random          *RandomBalancer
	leastConns      *LeastConnectionsBalancer
	latencyWeighted *LatencyWeightedBalancer

	mu      sync.RWMutex
	health  map[types.NodeId]NodeHealthState
	recover map[types.NodeId]int
	nodeDC  map[types.NodeId]types.DataCenterId

	decisionMu sync.Mutex
	decisions  map[string]cachedDecision

	quiescedMu sync.RWMutex
	quiesced   map[types.DataCenterId]bool
}

// New creates a Router backed by the given topology cache.
func New(cfg Config, cache *topologycache.Cache) *Router {
	return &Router{
		cfg:             cfg,
		cache:           cache,
		ring:            NewHashRing(),
		breaker:         NewBreakerSet(DefaultBreakerConfig()),
		roundRobin:      NewRoundRobinBalancer(),
		random:          NewRandomBalancer(),
		leastConns:      NewLeastConnectionsBalancer(),
		latencyWeighted: NewLatencyWeightedBalancer(),
		health:          make(map[types.NodeId]NodeHealthState),
		recover:         make(map[types.NodeId]int),
		decisions:       make(map[string]cachedDecision),
		quiesced:        make(map[types.DataCenterId]bool),
		nodeDC:          make(map[types.NodeId]types.DataCenterId),
	}
}

// SetNodeDC records which DC a node belongs to, so QuiesceWrites can
// block write routing to nodes in a given DC. Called by whatever owns
// the topology view (pkg/cluster) whenever a node is upserted.
func (r *Router) SetNodeDC(node types.NodeId, dc types.DataCenterId) {
	r.mu.Lock()
	r.nodeDC[node] = dc
	r.mu.Unlock()
}

// QuiesceWrites stops Route from returning a write decision for any
// shard whose primary lives in dc. Used by the failover coordinator's
// "quiesce source" step before promoting a new primary.
func (r *Router) QuiesceWrites(dc types.DataCenterId) error {
	r.quiescedMu.Lock()
	r.quiesced[dc] = true
	r.quiescedMu.Unlock()
	r.InvalidateCache()
	return nil
}

// ResumeWrites re-allows write routing to shards primaried in dc.
// Used by the failover coordinator's "resume writes" step.
func (r *Router) ResumeWrites(dc types.DataCenterId) error {
	r.quiescedMu.Lock()
	delete(r.quiesced, dc)
	r.quiescedMu.Unlock()
	r.InvalidateCache()
	return nil
}

func (r *Router) isQuiesced(node types.NodeId) bool {
	r.mu.RLock()
	dc, ok := r.nodeDC[node]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	r.quiescedMu.RLock()
	defer r.quiescedMu.RUnlock()
	return r.quiesced[dc]
}

// AddNode registers node in the consistent-hash ring and marks it
// healthy.
func (r *Router) AddNode(node types.NodeId) {
	r.ring.AddNode(node)
	r.mu.Lock()
	r.health[node] = NodeHealthy
	r.mu.Unlock()
}

// RemoveNode removes node from the ring entirely.
func (r *Router) RemoveNode(node types.NodeId) {
	r.ring.RemoveNode(node)
	r.mu.Lock()
	delete(r.health, node)
	delete(r.recover, node)
	r.mu.Unlock()
}

// UpdateNodeHealth transitions a node's health state. A successful
// probe on an Unhealthy node moves it to Recovering; RecoveryProbes
// consecutive successes move it to Healthy. Any failure resets it to
// Unhealthy.
func (r *Router) UpdateNodeHealth(node types.NodeId, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.health[node]
	if !healthy {
		r.health[node] = NodeUnhealthy
		r.recover[node] = 0
		return
	}

	switch state {
	case NodeUnhealthy:
		r.health[node] = NodeRecovering
		r.recover[node] = 1
	case NodeRecovering:
		r.recover[node]++
		if r.recover[node] >= r.cfg.RecoveryProbes {
			r.health[node] = NodeHealthy
		}
	default:
		r.health[node] = NodeHealthy
	}
}

func (r *Router) isUsable(node types.NodeId) bool {
	r.mu.RLock()
	state := r.health[node]
	r.mu.RUnlock()
	return state == NodeHealthy || state == NodeRecovering
}

// Route resolves a single request to a routing decision.
func (r *Router) Route(req Request) (types.RoutingDecision, error) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = r.cfg.DefaultStrategy
	}

	cacheKey := fmt.Sprintf("%s|%s|%s|%s", req.Type, req.Key, req.ShardID, strategy)
	if req.Type == types.RequestRead {
		if d, ok := r.cachedDecision(cacheKey); ok {
			d.Cached = true
			return d, nil
		}
	}

	shard, ok := r.shardFor(req)
	if !ok {
		return types.RoutingDecision{}, fmt.Errorf("no shard placement known for request")
	}

	if req.Type == types.RequestWrite && r.isQuiesced(shard.Primary) {
		return types.RoutingDecision{}, fmt.Errorf("writes quiesced for shard %s primary %s", shard.ID, shard.Primary)
	}

	candidates := r.healthyCandidates(shard)
	if len(candidates) == 0 {
		return types.RoutingDecision{}, fmt.Errorf("no healthy candidates for shard %s", shard.ID)
	}

	target, err := r.pick(strategy, req, shard, candidates)
	if err != nil {
		return types.RoutingDecision{}, err
	}

	decision := types.RoutingDecision{
		RequestType:      req.Type,
		TargetNode:       target,
		ConsistencyLevel: req.Consistency,
		Reason:           string(strategy),
	}

	metrics.RouterDecisionsTotal.WithLabelValues(string(strategy), string(req.Type)).Inc()

	if req.Type == types.RequestRead {
		r.cacheDecision(cacheKey, decision)
	}

	return decision, nil
}

// RouteBatch resolves multiple requests, returning one decision per
// input request in order; a failure for one request does not abort
// the others.
func (r *Router) RouteBatch(reqs []Request) ([]types.RoutingDecision, []error) {
	decisions := make([]types.RoutingDecision, len(reqs))
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		decisions[i], errs[i] = r.Route(req)
	}
	return decisions, errs
}

func (r *Router) shardFor(req Request) (types.ShardInfo, bool) {
	if req.ShardID != "" {
		return r.cache.Get(req.ShardID)
	}
	return r.cache.GetByKey(req.Key)
}

func (r *Router) healthyCandidates(shard types.ShardInfo) []types.NodeId {
	var out []types.NodeId
	if r.isUsable(shard.Primary) && r.breaker.State(shard.Primary) != BreakerOpen {
		out = append(out, shard.Primary)
	}
	for _, rep := range shard.Replicas {
		if r.isUsable(rep) && r.breaker.State(rep) != BreakerOpen {
			out = append(out, rep)
		}
	}
	return out
}

func (r *Router) pick(strategy Strategy, req Request, shard types.ShardInfo, candidates []types.NodeId) (types.NodeId, error) {
	switch strategy {
	case StrategyWritePrimary:
		if !contains(candidates, shard.Primary) {
			return "", fmt.Errorf("primary %s unavailable for shard %s", shard.Primary, shard.ID)
		}
		return shard.Primary, nil

	case StrategyReadReplica:
		replicas := without(candidates, shard.Primary)
		if len(replicas) == 0 {
			replicas = candidates
		}
		node, ok := r.roundRobin.Pick(replicas)
		if !ok {
			return "", fmt.Errorf("no replica available for shard %s", shard.ID)
		}
		return node, nil

	case StrategyLoadBalance:
		node, ok := r.leastConns.Pick(candidates)
		if !ok {
			return "", fmt.Errorf("load balance: no candidates")
		}
		return node, nil

	case StrategyFailover:
		if contains(candidates, shard.Primary) {
			return shard.Primary, nil
		}
		node, ok := r.latencyWeighted.Pick(candidates)
		if !ok {
			return "", fmt.Errorf("failover: no candidates")
		}
		return node, nil

	case StrategyConsistentHash:
		balancer := NewConsistentHashBalancer(r.ring, req.Key)
		node, ok := balancer.Pick(candidates)
		if !ok {
			return "", fmt.Errorf("consistent hash: no candidates")
		}
		return node, nil

	default:
		return "", fmt.Errorf("unknown routing strategy %q", strategy)
	}
}

func (r *Router) cachedDecision(key string) (types.RoutingDecision, bool) {
	r.decisionMu.Lock()
	defer r.decisionMu.Unlock()

	d, ok := r.decisions[key]
	if !ok || time.Since(d.at) > r.cfg.CacheTTL {
		return types.RoutingDecision{}, false
	}
	return d.decision, true
}

func (r *Router) cacheDecision(key string, decision types.RoutingDecision) {
	r.decisionMu.Lock()
	defer r.decisionMu.Unlock()
	r.decisions[key] = cachedDecision{decision: decision, at: time.Now()}
}

// InvalidateCache drops all cached routing decisions, called when a
// topology event indicates shard placement may have changed.
func (r *Router) InvalidateCache() {
	r.decisionMu.Lock()
	defer r.decisionMu.Unlock()
	r.decisions = make(map[string]cachedDecision)
}

// RunTopologyWatcher clears the routing cache on every topology
// event; coarser than strictly necessary but avoids tracking which
// cached decisions a given event actually invalidates.
func (r *Router) RunTopologyWatcher(events topologycache.Subscription) {
	go func() {
		logger := log.WithComponent("router")
		for range events {
			r.InvalidateCache()
			logger.Debug().Msg("routing cache invalidated on topology event")
		}
	}()
}

// RecordBreakerResult feeds a request outcome back into the
// per-node circuit breaker.
func (r *Router) RecordBreakerResult(node types.NodeId, err error) {
	r.breaker.RecordResult(node, err)
}

// BreakerAllow checks whether node's breaker currently permits a
// request, without recording anything.
func (r *Router) BreakerAllow(node types.NodeId) error {
	return r.breaker.Allow(node)
}

func contains(nodes []types.NodeId, target types.NodeId) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}

func without(nodes []types.NodeId, exclude types.NodeId) []types.NodeId {
	var out []types.NodeId
	for _, n := range nodes {
		if n != exclude {
			out = append(out, n)
		}
	}
	return out
}
