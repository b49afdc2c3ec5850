// Package consistency implements Consistency Recovery: it
// periodically estimates cross-DC agreement and drives catch-up when
// a DC transitions Failed->Recovering in the failure detector.
package consistency

import (
	"context"
	"sync"
	"time"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/replication"
	"github.com/concordkv/raftserver/pkg/types"
)

// StateProvider reports a DC's current {last_index, last_term,
// checksum}; pkg/cluster supplies the concrete implementation backed
// by the local Raft node for the local DC and by replicator status
// for remote ones.
type StateProvider interface {
	DCState(dc types.DataCenterId) (types.DCStateSnapshot, error)
}

// Config tunes snapshotting cadence and tolerance.
type Config struct {
	SnapshotInterval time.Duration
	LagTolerance     uint64 // max acceptable index lag behind the authoritative source
	CatchUpRateLimit int    // entries per catch-up batch
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 5 * time.Second,
		LagTolerance:     100,
		CatchUpRateLimit: 500,
	}
}

// Recovery continuously snapshots per-DC state and, when notified of
// a DC moving Failed->Recovering, drives catch-up via the replicator.
type Recovery struct {
	cfg      Config
	provider StateProvider
	primary  types.DataCenterId
	replic   *replication.Replicator

	mu       sync.RWMutex
	latest   types.ConsistencySnapshot
	dcs      []types.DataCenterId
}

// New creates a Recovery coordinator.
func New(cfg Config, provider StateProvider, primary types.DataCenterId, replic *replication.Replicator, dcs []types.DataCenterId) *Recovery {
	return &Recovery{
		cfg:      cfg,
		provider: provider,
		primary:  primary,
		replic:   replic,
		dcs:      dcs,
	}
}

// Start launches the periodic snapshot loop.
func (r *Recovery) Start(ctx context.Context) {
	go r.snapshotLoop(ctx)
}

func (r *Recovery) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.takeSnapshot()
		}
	}
}

func (r *Recovery) takeSnapshot() {
	perDC := make(map[types.DataCenterId]types.DCStateSnapshot, len(r.dcs))
	for _, dc := range r.dcs {
		st, err := r.provider.DCState(dc)
		if err != nil {
			log.WithDCID(string(dc)).Warn().Err(err).Msg("consistency snapshot: failed to read dc state")
			continue
		}
		perDC[dc] = st
	}

	globallyConsistent, score, maxLag := evaluate(perDC, r.cfg.LagTolerance)

	snap := types.ConsistencySnapshot{
		Timestamp:          time.Now(),
		PerDC:              perDC,
		GloballyConsistent:  globallyConsistent,
		Score:              score,
	}

	r.mu.Lock()
	r.latest = snap
	r.mu.Unlock()

	metrics.ConsistencyScore.Set(score)
	metrics.ConsistencyGlobal.Set(boolToFloat(globallyConsistent))

	log.WithComponent("consistency").Debug().
		Float64("score", score).
		Bool("globally_consistent", globallyConsistent).
		Uint64("max_lag", maxLag).
		Msg("consistency snapshot")
}

// evaluate computes globally_consistent and score:
// globally_consistent = all checksums agree AND max_lag <= tolerance.
// score = (fraction of DCs current) * (1 - normalized_lag).
func evaluate(perDC map[types.DataCenterId]types.DCStateSnapshot, tolerance uint64) (bool, float64, uint64) {
	if len(perDC) == 0 {
		return true, 1, 0
	}

	var maxIndex uint64
	for _, s := range perDC {
		if s.LastIndex > maxIndex {
			maxIndex = s.LastIndex
		}
	}

	checksums := make(map[string]int)
	var maxLag uint64
	current := 0

	for _, s := range perDC {
		checksums[s.Checksum]++
		lag := maxIndex - s.LastIndex
		if lag > maxLag {
			maxLag = lag
		}
		if lag == 0 {
			current++
		}
	}

	allChecksumsAgree := len(checksums) == 1
	globallyConsistent := allChecksumsAgree && maxLag <= tolerance

	fractionCurrent := float64(current) / float64(len(perDC))
	normalizedLag := 0.0
	if maxIndex > 0 {
		normalizedLag = float64(maxLag) / float64(maxIndex)
		if normalizedLag > 1 {
			normalizedLag = 1
		}
	}
	score := fractionCurrent * (1 - normalizedLag)

	return globallyConsistent, score, maxLag
}

// Latest returns the most recent consistency snapshot.
func (r *Recovery) Latest() types.ConsistencySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// OnRecovering drives the recovery protocol for a DC that just
// transitioned Failed->Recovering: select an authoritative source
// (primary DC if healthy, else the DC with the highest last_index),
// then ship ordered catch-up batches through the replicator.
func (r *Recovery) OnRecovering(ctx context.Context, recoveringDC types.DataCenterId, entriesFrom func(dc types.DataCenterId, fromIndex, toIndex uint64) ([]types.LogEntry, error)) error {
	authoritative, authState, err := r.selectAuthoritativeSource(recoveringDC)
	if err != nil {
		return err
	}

	recState, err := r.provider.DCState(recoveringDC)
	if err != nil {
		return err
	}

	if recState.LastIndex >= authState.LastIndex {
		return nil
	}

	from := recState.LastIndex + 1
	to := authState.LastIndex

	logger := log.WithDCID(string(recoveringDC))
	logger.Info().Str("authoritative_dc", string(authoritative)).Uint64("from", from).Uint64("to", to).Msg("starting consistency recovery catch-up")

	for start := from; start <= to; start += uint64(r.cfg.CatchUpRateLimit) {
		end := start + uint64(r.cfg.CatchUpRateLimit) - 1
		if end > to {
			end = to
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := entriesFrom(authoritative, start, end)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			continue
		}

		r.replic.ReplicateAsyncWithPriority("", entries, types.PriorityHigh)
	}

	return nil
}

func (r *Recovery) selectAuthoritativeSource(recoveringDC types.DataCenterId) (types.DataCenterId, types.DCStateSnapshot, error) {
	primaryState, err := r.provider.DCState(r.primary)
	if err == nil && r.primary != recoveringDC {
		return r.primary, primaryState, nil
	}

	var best types.DataCenterId
	var bestState types.DCStateSnapshot
	found := false

	for _, dc := range r.dcs {
		if dc == recoveringDC {
			continue
		}
		st, err := r.provider.DCState(dc)
		if err != nil {
			continue
		}
		if !found || st.LastIndex > bestState.LastIndex {
			best, bestState, found = dc, st, true
		}
	}

	if !found {
		return "", types.DCStateSnapshot{}, errNoAuthoritativeSource
	}
	return best, bestState, nil
}

var errNoAuthoritativeSource = errAuthoritative("no healthy authoritative DC available for recovery")

type errAuthoritative string

func (e errAuthoritative) Error() string { return string(e) }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
