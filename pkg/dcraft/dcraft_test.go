package dcraft

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/kvstore"
	"github.com/concordkv/raftserver/pkg/raft"
	"github.com/concordkv/raftserver/pkg/types"
)

func TestPrimaryDCAlwaysAllowsElection(t *testing.T) {
	e := New(Config{LocalDC: "dc-east", PrimaryDC: "dc-east", PrimaryDCElectionTimeout: time.Minute})
	assert.True(t, e.ShouldStartElection())
}

func TestNonPrimaryDCGatesOnHeartbeatFreshness(t *testing.T) {
	e := New(Config{LocalDC: "dc-west", PrimaryDC: "dc-east", PrimaryDCElectionTimeout: 50 * time.Millisecond})
	assert.False(t, e.ShouldStartElection(), "no heartbeat observed yet")

	e.OnLeaderHeartbeat("dc-east")
	assert.False(t, e.ShouldStartElection(), "heartbeat just seen")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, e.ShouldStartElection(), "heartbeat now stale past timeout")
}

func TestOnLeaderHeartbeatIgnoresNonPrimaryDCLeader(t *testing.T) {
	e := New(Config{LocalDC: "dc-west", PrimaryDC: "dc-east", PrimaryDCElectionTimeout: time.Millisecond})
	e.OnLeaderHeartbeat("dc-other")
	assert.True(t, e.state.LastPrimaryDCHeartbeat.IsZero())
}

func TestLatencyStatsEmptyWhenNoSamples(t *testing.T) {
	e := New(Config{LocalDC: "dc-east", PrimaryDC: "dc-east"})
	stats := e.Latency("dc-west")
	assert.Equal(t, LatencyStats{}, stats)
}

func TestLatencyStatsComputesPercentiles(t *testing.T) {
	e := New(Config{LocalDC: "dc-east", PrimaryDC: "dc-east"})
	for i := 1; i <= 100; i++ {
		e.RecordLatency("dc-west", time.Duration(i)*time.Millisecond)
	}
	stats := e.Latency("dc-west")
	assert.True(t, stats.P50 > 0)
	assert.True(t, stats.P99 >= stats.P50)
	assert.True(t, stats.Avg > 0)
}

func TestLatencyWindowEvictsOldestSample(t *testing.T) {
	e := New(Config{LocalDC: "dc-east", PrimaryDC: "dc-east", LatencyWindow: 3})
	e.RecordLatency("dc-west", 1*time.Millisecond)
	e.RecordLatency("dc-west", 2*time.Millisecond)
	e.RecordLatency("dc-west", 3*time.Millisecond)
	e.RecordLatency("dc-west", 4*time.Millisecond)

	assert.Len(t, e.latency["dc-west"], 3)
	assert.Equal(t, 2*time.Millisecond, e.latency["dc-west"][0])
}

type fakeReplicator struct {
	calls []types.LogEntry
}

func (f *fakeReplicator) ReplicateAsync(shardID types.ShardId, entries []types.LogEntry) {
	f.calls = append(f.calls, entries...)
}

func TestElectionStateReflectsCurrentGating(t *testing.T) {
	e := New(Config{LocalDC: "dc-west", PrimaryDC: "dc-east", PrimaryDCElectionTimeout: time.Hour})
	s := e.ElectionState()
	assert.False(t, s.AllowElection)
	assert.False(t, s.IsInPrimaryDC)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestBridgeCommitsForwardsToReplicator(t *testing.T) {
	n := raft.New(raft.Config{NodeID: "node-1", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { _ = n.Shutdown() })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, n.IsLeader())

	e := New(Config{LocalDC: "dc-east", PrimaryDC: "dc-east"})
	repl := &fakeReplicator{}
	e.SetReplicator(repl)
	e.BridgeCommits(n, "shard-1")

	_, err := n.Set("k1", []byte("v1"))
	require.NoError(t, err)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(repl.calls) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, repl.calls, 1)
	var cmd kvstore.Command
	require.NoError(t, json.Unmarshal(repl.calls[0].Data, &cmd))
	assert.Equal(t, "k1", cmd.Key)
}
