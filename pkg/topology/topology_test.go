package topology

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/types"
)

func newService(t *testing.T) (*Service, *Store) {
	t.Helper()
	store, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	svc, err := New(store)
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(svc.Stop)
	return svc, store
}

func drainEvent(t *testing.T, sub Subscriber) types.TopologyEvent {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for topology event")
		return types.TopologyEvent{}
	}
}

func TestUpsertNodePublishesAddedThenHealthChanged(t *testing.T) {
	svc, _ := newService(t)
	sub := svc.Subscribe()

	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1", Health: "healthy"}))
	ev := drainEvent(t, sub)
	assert.Equal(t, types.EventNodeAdded, ev.Type)

	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1", Health: "degraded"}))
	ev2 := drainEvent(t, sub)
	assert.Equal(t, types.EventNodeHealthChange, ev2.Type)
}

func TestUpsertShardBumpsVersionMonotonically(t *testing.T) {
	svc, _ := newService(t)

	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))
	snap1 := svc.Snapshot()
	v1 := snap1.Shards["s1"].Version

	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n2"}))
	snap2 := svc.Snapshot()
	v2 := snap2.Shards["s1"].Version

	assert.Greater(t, v2, v1)
}

func TestSnapshotIsACopyNotTheLiveMap(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))

	snap := svc.Snapshot()
	snap.Shards["s1"] = types.ShardInfo{ID: "s1", Primary: "tampered"}

	fresh := svc.Snapshot()
	assert.Equal(t, types.NodeId("n1"), fresh.Shards["s1"].Primary)
}

func TestPromoteShardPrimaryReturnsPreviousPrimary(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))

	old, err := svc.PromoteShardPrimary("s1", "n2")
	require.NoError(t, err)
	assert.Equal(t, types.NodeId("n1"), old)
	assert.Equal(t, types.NodeId("n2"), svc.Snapshot().Shards["s1"].Primary)
}

func TestPromoteShardPrimaryUnknownShardErrors(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.PromoteShardPrimary("missing", "n2")
	assert.Error(t, err)
}

func TestShardsPrimaryInFiltersByDC(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1"}))
	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n2", DC: "dc2"}))
	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))
	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s2", Primary: "n2"}))

	shards := svc.ShardsPrimaryIn("dc1")
	assert.Equal(t, []types.ShardId{"s1"}, shards)
}

func TestNodeInReturnsErrorWhenDCEmpty(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.NodeIn("dc-nowhere")
	assert.Error(t, err)
}

func TestUnsubscribeStopsDeliveringEvents(t *testing.T) {
	svc, _ := newService(t)
	sub := svc.Subscribe()
	svc.Unsubscribe(sub)

	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1"}))
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestStoreLoadRoundTripsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	svc, err := New(store)
	require.NoError(t, err)
	svc.Start()

	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))
	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1"}))
	svc.Stop()
	require.NoError(t, store.Close())

	store2, err := OpenStore(dir)
	require.NoError(t, err)
	defer store2.Close()
	snap, err := store2.Load()
	require.NoError(t, err)
	assert.Contains(t, snap.Shards, types.ShardId("s1"))
	assert.Contains(t, snap.Nodes, types.NodeId("n1"))
}
