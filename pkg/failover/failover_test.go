package failover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/consistency"
	"github.com/concordkv/raftserver/pkg/types"
)

type fakeTopology struct {
	shardsByDC map[types.DataCenterId][]types.ShardId
	nodeInDC   map[types.DataCenterId]types.NodeId
	primaries  map[types.ShardId]types.NodeId

	promoteErr error
	nodeInErr  error
}

func (f *fakeTopology) ShardsPrimaryIn(dc types.DataCenterId) []types.ShardId {
	return f.shardsByDC[dc]
}

func (f *fakeTopology) PromoteShardPrimary(shardID types.ShardId, newPrimary types.NodeId) (types.NodeId, error) {
	if f.promoteErr != nil {
		return "", f.promoteErr
	}
	old := f.primaries[shardID]
	f.primaries[shardID] = newPrimary
	return old, nil
}

func (f *fakeTopology) SetShardPrimary(shardID types.ShardId, primary types.NodeId) error {
	f.primaries[shardID] = primary
	return nil
}

func (f *fakeTopology) NodeIn(dc types.DataCenterId) (types.NodeId, error) {
	if f.nodeInErr != nil {
		return "", f.nodeInErr
	}
	return f.nodeInDC[dc], nil
}

type fakeRouter struct {
	quiesced map[types.DataCenterId]bool
	resumeErr error
}

func (f *fakeRouter) QuiesceWrites(dc types.DataCenterId) error {
	f.quiesced[dc] = true
	return nil
}

func (f *fakeRouter) ResumeWrites(dc types.DataCenterId) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.quiesced[dc] = false
	return nil
}

func newFixture() (*fakeTopology, *fakeRouter) {
	topo := &fakeTopology{
		shardsByDC: map[types.DataCenterId][]types.ShardId{"dc-east": {"shard-0", "shard-1"}},
		nodeInDC:   map[types.DataCenterId]types.NodeId{"dc-west": "node-west-1"},
		primaries:  map[types.ShardId]types.NodeId{"shard-0": "node-east-1", "shard-1": "node-east-1"},
	}
	router := &fakeRouter{quiesced: map[types.DataCenterId]bool{}}
	return topo, router
}

func TestTriggerManualFailoverSucceeds(t *testing.T) {
	topo, router := newFixture()
	c := New(DefaultConfig(), topo, router, nil)

	op, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "operator request")
	require.NoError(t, err)
	assert.Equal(t, types.FailoverCompleted, op.Status)
	assert.Equal(t, types.NodeId("node-west-1"), topo.primaries["shard-0"])
	assert.False(t, router.quiesced["dc-east"])

	history := c.History()
	require.Len(t, history, 1)
	assert.Nil(t, c.CurrentOperation())
}

func TestTriggerManualFailoverRequiresConfirmationFlag(t *testing.T) {
	topo, router := newFixture()
	cfg := DefaultConfig()
	cfg.ManualConfirmationRequired = true
	c := New(cfg, topo, router, nil)

	_, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	assert.Error(t, err)
}

func TestTriggerAutoFailoverDisabled(t *testing.T) {
	topo, router := newFixture()
	cfg := DefaultConfig()
	cfg.AutoFailoverEnabled = false
	c := New(cfg, topo, router, nil)

	_, err := c.TriggerAutoFailover(context.Background(), "dc-east", "dc-west", "detector")
	assert.Error(t, err)
}

func TestRunRollsBackOnPromoteFailure(t *testing.T) {
	topo, router := newFixture()
	topo.promoteErr = assert.AnError
	c := New(DefaultConfig(), topo, router, nil)

	op, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	assert.Error(t, err)
	assert.Equal(t, types.FailoverRolledBack, op.Status)

	var sawRollback bool
	for _, step := range op.Steps {
		if step.RolledBack {
			sawRollback = true
		}
	}
	assert.True(t, sawRollback)
	assert.False(t, router.quiesced["dc-east"], "quiesce should be rolled back by resuming writes")
}

func TestRunFailsPrecheckWhenAnotherOperationInFlight(t *testing.T) {
	topo, router := newFixture()
	c := New(DefaultConfig(), topo, router, nil)
	c.current = &types.FailoverOperation{OpID: "existing", Status: types.FailoverInProgress}

	_, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	assert.Error(t, err)
}

func TestRunFailsPrecheckOnLowConsistencyScore(t *testing.T) {
	topo, router := newFixture()
	provider := &stubProvider{}
	rec := consistency.New(consistency.DefaultConfig(), provider, "dc-east", nil, []types.DataCenterId{"dc-east", "dc-west"})

	cfg := DefaultConfig()
	cfg.MinScoreForFailover = 0.9
	c := New(cfg, topo, router, rec)

	op, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	require.Error(t, err)
	assert.Equal(t, types.FailoverFailed, op.Status)
	require.Len(t, op.Steps, 1)
	assert.Equal(t, "pre_checks", op.Steps[0].Name)
}

type fakeDetectorHealth struct {
	healthy map[types.DataCenterId]bool
}

func (f *fakeDetectorHealth) IsHealthy(dc types.DataCenterId) bool { return f.healthy[dc] }

func TestPrecheckRejectsUnhealthyTarget(t *testing.T) {
	topo, router := newFixture()
	c := New(DefaultConfig(), topo, router, nil)
	c.SetDetector(&fakeDetectorHealth{healthy: map[types.DataCenterId]bool{"dc-west": false}})

	op, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	require.Error(t, err)
	assert.Equal(t, types.FailoverFailed, op.Status)
}

func TestPrecheckAllowsHealthyTarget(t *testing.T) {
	topo, router := newFixture()
	c := New(DefaultConfig(), topo, router, nil)
	c.SetDetector(&fakeDetectorHealth{healthy: map[types.DataCenterId]bool{"dc-west": true}})

	op, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	require.NoError(t, err)
	assert.Equal(t, types.FailoverCompleted, op.Status)
}

type stubProvider struct{}

func (stubProvider) DCState(dc types.DataCenterId) (types.DCStateSnapshot, error) {
	return types.DCStateSnapshot{}, nil
}

func TestVerifyCatchUpTimesOut(t *testing.T) {
	topo, router := newFixture()
	provider := &stubProvider{}
	rec := consistency.New(consistency.DefaultConfig(), provider, "dc-east", nil, []types.DataCenterId{"dc-east", "dc-west"})

	cfg := DefaultConfig()
	cfg.MinScoreForFailover = 0 // no snapshot yet, so the score is 0; let precheck pass
	cfg.CatchUpTimeout = 50 * time.Millisecond
	c := New(cfg, topo, router, rec)

	op, err := c.TriggerManualFailover(context.Background(), "dc-east", "dc-west", "x")
	require.Error(t, err)
	assert.Equal(t, types.FailoverRolledBack, op.Status)
}
