package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/failuredetector"
	"github.com/concordkv/raftserver/pkg/raft"
	"github.com/concordkv/raftserver/pkg/types"
)

func TestChecksumKeysStableUnderOrdering(t *testing.T) {
	a := checksumKeys([]string{"c", "a", "b"})
	b := checksumKeys([]string{"a", "b", "c"})
	assert.Equal(t, a, b)
}

func TestChecksumKeysDiffersOnContent(t *testing.T) {
	a := checksumKeys([]string{"a", "b"})
	b := checksumKeys([]string{"a", "b", "c"})
	assert.NotEqual(t, a, b)
}

func TestChecksumKeysEmpty(t *testing.T) {
	assert.NotPanics(t, func() { checksumKeys(nil) })
}

func TestNonZeroFallsBackToDefault(t *testing.T) {
	assert.Equal(t, 5, nonZero(0, 5))
	assert.Equal(t, 3, nonZero(3, 5))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestFailoverTargetPrefersPrimaryDC(t *testing.T) {
	detector := failuredetector.New(failuredetector.DefaultConfig(), failuredetector.Checkers{"dc-east": nil, "dc-central": nil})
	c := &Context{
		primaryDC: "dc-east",
		dcIDs:     []types.DataCenterId{"dc-east", "dc-west", "dc-central"},
		Detector:  detector,
	}

	assert.Equal(t, types.DataCenterId("dc-east"), c.failoverTargetFor("dc-west"))
}

func TestFailoverTargetFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	cfg := failuredetector.DefaultConfig()
	cfg.MinConfirmations = 1
	detector := failuredetector.New(cfg, failuredetector.Checkers{"dc-east": nil, "dc-west": nil, "dc-central": nil})
	detector.RecordReplicationHealth("dc-west", false) // Healthy -> Suspect
	detector.RecordReplicationHealth("dc-west", false) // Suspect -> Failed
	require.False(t, detector.IsHealthy("dc-west"))
	c := &Context{
		primaryDC: "dc-east",
		dcIDs:     []types.DataCenterId{"dc-east", "dc-west", "dc-central"},
		Detector:  detector,
	}

	// source == primaryDC, so the target is the first other healthy
	// DC; dc-west is marked unhealthy, so dc-central is picked.
	assert.Equal(t, types.DataCenterId("dc-central"), c.failoverTargetFor("dc-east"))
}

func TestEntriesFromRejectsNonLocalDC(t *testing.T) {
	c := &Context{localDC: "dc-east"}
	_, err := c.entriesFrom("dc-west", 1, 2)
	assert.Error(t, err)
}

func TestEntriesFromReadsLocalRaftLog(t *testing.T) {
	node := raft.New(raft.Config{NodeID: "node-1", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, node.Bootstrap())
	t.Cleanup(func() { _ = node.Shutdown() })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !node.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, node.IsLeader())

	idx, err := node.Set("k1", []byte("v1"))
	require.NoError(t, err)

	c := &Context{localDC: "dc-east", Node: node}
	entries, err := c.entriesFrom("dc-east", idx, idx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, idx, entries[0].Index)
}
