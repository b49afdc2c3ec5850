package raft

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/types"
)

// freeAddr finds a loopback address with an available TCP port.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newBootstrappedNode(t *testing.T) *Node {
	t.Helper()
	n := New(Config{
		NodeID:   "node-1",
		BindAddr: freeAddr(t),
		DataDir:  t.TempDir(),
	})
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

func waitForLeader(t *testing.T, n *Node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if n.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node never became leader")
}

func TestBootstrapSingleNodeBecomesLeader(t *testing.T) {
	n := newBootstrappedNode(t)
	waitForLeader(t, n)
}

func TestSetThenGetRoundTrips(t *testing.T) {
	n := newBootstrappedNode(t)
	waitForLeader(t, n)

	idx, err := n.Set("k1", []byte("v1"))
	require.NoError(t, err)
	assert.True(t, idx >= 1)

	val, ok := n.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), val)
}

func TestDeleteRemovesKey(t *testing.T) {
	n := newBootstrappedNode(t)
	waitForLeader(t, n)

	_, err := n.Set("k1", []byte("v1"))
	require.NoError(t, err)
	_, err = n.Delete("k1")
	require.NoError(t, err)

	_, ok := n.Get("k1")
	assert.False(t, ok)
}

func TestOnCommitBridgeFiresAfterApply(t *testing.T) {
	n := newBootstrappedNode(t)
	waitForLeader(t, n)

	var seen []types.LogEntry
	n.OnCommit(func(e types.LogEntry) { seen = append(seen, e) })

	_, err := n.Set("k2", []byte("v2"))
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, types.LogEntryNormal, seen[0].Kind)
}

func TestEntriesReturnsCommittedRange(t *testing.T) {
	n := newBootstrappedNode(t)
	waitForLeader(t, n)

	idx1, err := n.Set("k1", []byte("v1"))
	require.NoError(t, err)
	idx2, err := n.Set("k2", []byte("v2"))
	require.NoError(t, err)

	entries, err := n.Entries(idx1, idx2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, idx1, entries[0].Index)
	assert.Equal(t, idx2, entries[1].Index)
}

func TestEntriesBeforeInitErrors(t *testing.T) {
	n := New(Config{NodeID: "node-5", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	_, err := n.Entries(1, 2)
	assert.Error(t, err)
}

func TestAddVoterFailsWhenNotLeaderYetInitialized(t *testing.T) {
	n := New(Config{NodeID: "node-2", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	err := n.AddVoter("node-3", "127.0.0.1:0")
	assert.Error(t, err)
}

func TestStatsNilBeforeInit(t *testing.T) {
	n := New(Config{NodeID: "node-4", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	assert.Nil(t, n.Stats())
}

func TestStatsAfterBootstrap(t *testing.T) {
	n := newBootstrappedNode(t)
	waitForLeader(t, n)

	stats := n.Stats()
	require.NotNil(t, stats)
	assert.Equal(t, uint64(1), stats["peers"])
}
