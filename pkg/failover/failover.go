// Package failover implements the Failover Coordinator: it converts a
// confirmed DC failure (or a manual request) into a safe transfer of
// write leadership to a target DC, as a Planned -> InProgress ->
// (Completed | RolledBack | Failed) state machine with idempotent,
// individually rollback-able steps. Every step, including one that
// aborts during pre-checks, is recorded in the operation's history
// rather than dropped silently.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concordkv/raftserver/pkg/consistency"
	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// Topology is the subset of the Topology Service the coordinator
// mutates during promotion/rollback.
type Topology interface {
	ShardsPrimaryIn(dc types.DataCenterId) []types.ShardId
	PromoteShardPrimary(shardID types.ShardId, newPrimary types.NodeId) (oldPrimary types.NodeId, err error)
	SetShardPrimary(shardID types.ShardId, primary types.NodeId) error
	NodeIn(dc types.DataCenterId) (types.NodeId, error)
}

// Router is the subset of the Smart Router the coordinator uses to
// quiesce and resume write traffic during a failover.
type Router interface {
	QuiesceWrites(dc types.DataCenterId) error
	ResumeWrites(dc types.DataCenterId) error
}

// DetectorHealth is the subset of the DC Failure Detector the
// coordinator consults to confirm a failover target isn't itself
// degraded before promoting it.
type DetectorHealth interface {
	IsHealthy(dc types.DataCenterId) bool
}

// Config tunes failover policy.
type Config struct {
	MinScoreForFailover       float64
	AutoFailoverEnabled       bool
	ManualConfirmationRequired bool
	CatchUpTimeout            time.Duration
}

// DefaultConfig returns reasonable defaults for automated operation:
// auto_failover_enabled=true and manual_confirmation_required=false,
// so test and staging flows can exercise failover deterministically
// without an operator in the loop.
func DefaultConfig() Config {
	return Config{
		MinScoreForFailover:        0.8,
		AutoFailoverEnabled:        true,
		ManualConfirmationRequired: false,
		CatchUpTimeout:             30 * time.Second,
	}
}

// Coordinator orchestrates DC failovers. Only one operation may be
// InProgress at a time, globally.
type Coordinator struct {
	cfg        Config
	topology   Topology
	router     Router
	consistency *consistency.Recovery
	detector   DetectorHealth

	mu        sync.Mutex
	current   *types.FailoverOperation
	history   []types.FailoverOperation
}

// New creates a Coordinator.
func New(cfg Config, topology Topology, router Router, rec *consistency.Recovery) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		topology:    topology,
		router:      router,
		consistency: rec,
	}
}

// SetDetector wires the DC failure detector used by precheck to
// confirm a failover target is healthy before promoting it.
func (c *Coordinator) SetDetector(d DetectorHealth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detector = d
}

// TriggerManualFailover starts an operator-initiated failover. It is
// subject to the same pre-checks and single-in-flight rule as an
// automatic one.
func (c *Coordinator) TriggerManualFailover(ctx context.Context, source, target types.DataCenterId, reason string) (*types.FailoverOperation, error) {
	if c.cfg.ManualConfirmationRequired {
		return nil, fmt.Errorf("manual confirmation required before failover")
	}
	return c.run(ctx, source, target, reason)
}

// TriggerAutoFailover starts a failure-detector-driven failover.
func (c *Coordinator) TriggerAutoFailover(ctx context.Context, source, target types.DataCenterId, reason string) (*types.FailoverOperation, error) {
	if !c.cfg.AutoFailoverEnabled {
		return nil, fmt.Errorf("automatic failover is disabled")
	}
	return c.run(ctx, source, target, reason)
}

// CurrentOperation returns the in-progress operation, if any.
func (c *Coordinator) CurrentOperation() *types.FailoverOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cp := *c.current
	return &cp
}

// History returns all recorded operations, including aborted ones.
func (c *Coordinator) History() []types.FailoverOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.FailoverOperation, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Coordinator) run(ctx context.Context, source, target types.DataCenterId, reason string) (*types.FailoverOperation, error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("a failover operation is already in progress: %s", c.current.OpID)
	}

	op := &types.FailoverOperation{
		OpID:      uuid.NewString(),
		SourceDC:  source,
		TargetDC:  target,
		Reason:    reason,
		Status:    types.FailoverPlanned,
		StartedAt: time.Now(),
	}
	c.current = op
	c.mu.Unlock()

	logger := log.WithComponent("failover").With().Str("op_id", op.OpID).Logger()
	logger.Info().Str("source_dc", string(source)).Str("target_dc", string(target)).Msg("failover starting")

	if err := c.precheck(target); err != nil {
		op.Status = types.FailoverFailed
		op.FinishedAt = time.Now()
		op.Steps = append(op.Steps, failedStep("pre_checks", err))
		c.finish(op)
		return op, err
	}

	op.Status = types.FailoverInProgress

	type step struct {
		name     string
		run      func() error
		rollback func() error
	}

	affectedShards := c.topology.ShardsPrimaryIn(source)
	promoted := make(map[types.ShardId]types.NodeId) // shard -> old primary, for rollback

	steps := []step{
		{
			name: "quiesce_source",
			run:  func() error { return c.router.QuiesceWrites(source) },
			rollback: func() error { return c.router.ResumeWrites(source) },
		},
		{
			name: "promote_target",
			run: func() error {
				targetNode, err := c.topology.NodeIn(target)
				if err != nil {
					return err
				}
				for _, shardID := range affectedShards {
					old, err := c.topology.PromoteShardPrimary(shardID, targetNode)
					if err != nil {
						return err
					}
					promoted[shardID] = old
				}
				return nil
			},
			rollback: func() error {
				for shardID, old := range promoted {
					if err := c.topology.SetShardPrimary(shardID, old); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			name: "catch_up_verification",
			run: func() error {
				ctx2, cancel := context.WithTimeout(ctx, c.cfg.CatchUpTimeout)
				defer cancel()
				return c.verifyCatchUp(ctx2, target)
			},
			rollback: func() error { return nil },
		},
		{
			name:     "publish_topology_update",
			run:      func() error { return nil }, // topology bump already happened inside PromoteShardPrimary
			rollback: func() error { return nil },
		},
		{
			name:     "resume_writes",
			run:      func() error { return c.router.ResumeWrites(source) },
			rollback: func() error { return nil },
		},
	}

	var completed []int
	var failErr error

	for i, s := range steps {
		started := time.Now()
		err := s.run()
		rec := types.StepRecord{Name: s.name, StartedAt: started, FinishedAt: time.Now(), Succeeded: err == nil}
		if err != nil {
			rec.Error = err.Error()
		}
		op.Steps = append(op.Steps, rec)

		if err != nil {
			failErr = err
			break
		}
		completed = append(completed, i)
	}

	if failErr != nil {
		logger.Warn().Err(failErr).Msg("failover step failed, rolling back")
		for i := len(completed) - 1; i >= 0; i-- {
			idx := completed[i]
			rbErr := steps[idx].rollback()
			op.Steps = append(op.Steps, types.StepRecord{
				Name:       steps[idx].name + "_rollback",
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
				Succeeded:  rbErr == nil,
				RolledBack: true,
				Error:      errString(rbErr),
			})
		}
		op.Status = types.FailoverRolledBack
		op.FinishedAt = time.Now()
		c.finish(op)
		return op, failErr
	}

	op.Status = types.FailoverCompleted
	op.FinishedAt = time.Now()
	c.finish(op)

	logger.Info().Dur("duration", op.FinishedAt.Sub(op.StartedAt)).Msg("failover completed")
	return op, nil
}

func (c *Coordinator) precheck(target types.DataCenterId) error {
	c.mu.Lock()
	inFlight := c.current != nil && c.current.Status == types.FailoverInProgress
	detector := c.detector
	c.mu.Unlock()
	if inFlight {
		return fmt.Errorf("another failover is already in progress")
	}

	if detector != nil && !detector.IsHealthy(target) {
		return fmt.Errorf("failover target %s is not currently healthy", target)
	}

	if c.consistency != nil {
		score := c.consistency.Latest().Score
		if score < c.cfg.MinScoreForFailover {
			return fmt.Errorf("consistency score %.2f below minimum %.2f", score, c.cfg.MinScoreForFailover)
		}
	}

	return nil
}

func (c *Coordinator) verifyCatchUp(ctx context.Context, target types.DataCenterId) error {
	if c.consistency == nil {
		return nil
	}
	deadline := time.Now().Add(c.cfg.CatchUpTimeout)
	for time.Now().Before(deadline) {
		snap := c.consistency.Latest()
		if st, ok := snap.PerDC[target]; ok {
			_ = st
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for target dc catch-up verification")
}

func (c *Coordinator) finish(op *types.FailoverOperation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, *op)
	c.current = nil

	metrics.FailoverOperationsTotal.WithLabelValues(string(op.Status)).Inc()
	metrics.FailoverDuration.Observe(op.FinishedAt.Sub(op.StartedAt).Seconds())
}

func failedStep(name string, err error) types.StepRecord {
	now := time.Now()
	return types.StepRecord{Name: name, StartedAt: now, FinishedAt: now, Succeeded: false, Error: err.Error()}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
