package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/topologycache"
	"github.com/concordkv/raftserver/pkg/types"
)

func newTestRouter(t *testing.T) (*Router, *topologycache.Cache) {
	t.Helper()
	cache, err := topologycache.New(topologycache.DefaultConfig())
	require.NoError(t, err)
	r := New(DefaultConfig(), cache)
	return r, cache
}

func seedShard(cache *topologycache.Cache, id string, primary types.NodeId, replicas ...types.NodeId) {
	cache.Set(types.ShardInfo{
		ID:       types.ShardId(id),
		Primary:  primary,
		Replicas: replicas,
		Version:  1,
	})
}

func TestRouteWritePrimary(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")

	d, err := r.Route(Request{Type: types.RequestWrite, ShardID: "shard-0", Strategy: StrategyWritePrimary})
	require.NoError(t, err)
	assert.Equal(t, types.NodeId("node-1"), d.TargetNode)
}

func TestRouteWritePrimaryUnavailable(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-2") // node-1 never registered, so it is not usable

	_, err := r.Route(Request{Type: types.RequestWrite, ShardID: "shard-0", Strategy: StrategyWritePrimary})
	assert.Error(t, err)
}

func TestRouteReadReplicaPrefersReplica(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")

	d, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)
	assert.Equal(t, types.NodeId("node-2"), d.TargetNode)
}

func TestRouteReadReplicaFallsBackToPrimary(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1")
	r.AddNode("node-1")

	d, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)
	assert.Equal(t, types.NodeId("node-1"), d.TargetNode)
}

func TestRouteNoShardPlacement(t *testing.T) {
	r, _ := newTestRouter(t)
	_, err := r.Route(Request{Type: types.RequestRead, ShardID: "unknown"})
	assert.Error(t, err)
}

func TestRouteReadCachesDecision(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")

	d1, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)
	assert.False(t, d1.Cached)

	d2, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)
	assert.True(t, d2.Cached)
	assert.Equal(t, d1.TargetNode, d2.TargetNode)
}

func TestInvalidateCacheClearsDecisions(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")

	_, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)
	r.InvalidateCache()

	d, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)
	assert.False(t, d.Cached)
}

func TestQuiesceWritesBlocksWriteRouting(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")
	r.SetNodeDC("node-1", "dc-east")

	require.NoError(t, r.QuiesceWrites("dc-east"))

	_, err := r.Route(Request{Type: types.RequestWrite, ShardID: "shard-0", Strategy: StrategyWritePrimary})
	assert.Error(t, err)

	require.NoError(t, r.ResumeWrites("dc-east"))
	_, err = r.Route(Request{Type: types.RequestWrite, ShardID: "shard-0", Strategy: StrategyWritePrimary})
	assert.NoError(t, err)
}

func TestUpdateNodeHealthRecoveryCycle(t *testing.T) {
	r, _ := newTestRouter(t)
	r.AddNode("node-1")

	r.UpdateNodeHealth("node-1", false)
	r.mu.RLock()
	state := r.health["node-1"]
	r.mu.RUnlock()
	assert.Equal(t, NodeUnhealthy, state)

	r.UpdateNodeHealth("node-1", true)
	r.mu.RLock()
	state = r.health["node-1"]
	r.mu.RUnlock()
	assert.Equal(t, NodeRecovering, state)

	r.UpdateNodeHealth("node-1", true)
	r.UpdateNodeHealth("node-1", true)
	r.mu.RLock()
	state = r.health["node-1"]
	r.mu.RUnlock()
	assert.Equal(t, NodeHealthy, state)
}

func TestRemoveNodeDropsHealthState(t *testing.T) {
	r, _ := newTestRouter(t)
	r.AddNode("node-1")
	r.RemoveNode("node-1")

	r.mu.RLock()
	_, ok := r.health["node-1"]
	r.mu.RUnlock()
	assert.False(t, ok)
}

func TestRouteBatch(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	seedShard(cache, "shard-1", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")

	decisions, errs := r.RouteBatch([]Request{
		{Type: types.RequestWrite, ShardID: "shard-0", Strategy: StrategyWritePrimary},
		{Type: types.RequestRead, ShardID: "shard-1", Strategy: StrategyReadReplica},
		{Type: types.RequestRead, ShardID: "missing"},
	})
	require.Len(t, decisions, 3)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Error(t, errs[2])
}

func TestRunTopologyWatcherInvalidatesCache(t *testing.T) {
	r, cache := newTestRouter(t)
	seedShard(cache, "shard-0", "node-1", "node-2")
	r.AddNode("node-1")
	r.AddNode("node-2")

	_, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
	require.NoError(t, err)

	events := make(chan types.TopologyEvent, 1)
	r.RunTopologyWatcher(topologycache.Subscription(events))
	events <- types.TopologyEvent{Type: types.EventShardUpdated}
	close(events)

	require.Eventually(t, func() bool {
		d, err := r.Route(Request{Type: types.RequestRead, ShardID: "shard-0", Strategy: StrategyReadReplica})
		return err == nil && !d.Cached
	}, time.Second, 5*time.Millisecond)
}
