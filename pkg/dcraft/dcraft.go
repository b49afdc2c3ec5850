// Package dcraft implements the DC Raft Extension: it modulates
// election behavior to prefer primary-DC leadership, tracks
// cross-DC heartbeat and latency, and bridges newly-committed local
// entries to the cross-DC replicator without blocking the commit
// path.
package dcraft

import (
	"sort"
	"sync"
	"time"

	raftcore "github.com/hashicorp/raft"

	"github.com/concordkv/raftserver/pkg/log"
	rclient "github.com/concordkv/raftserver/pkg/raft"
	"github.com/concordkv/raftserver/pkg/types"
)

// Replicator is the subset of the Cross-DC Async Replicator that the
// bridge needs; kept as an interface so pkg/dcraft does not import
// pkg/replication directly (pkg/cluster wires the concrete type).
type Replicator interface {
	ReplicateAsync(shardID types.ShardId, entries []types.LogEntry)
}

// Config configures one node's DC Raft Extension.
type Config struct {
	LocalDC                types.DataCenterId
	PrimaryDC               types.DataCenterId
	PrimaryDCElectionTimeout time.Duration // typically 2-3x the base election timeout
	LatencyWindow           int           // number of RTT samples retained per remote DC
}

// Extension tracks DC-aware election gating and cross-DC latency for
// one node.
type Extension struct {
	cfg Config

	mu    sync.RWMutex
	state types.DCElectionState

	latencyMu sync.Mutex
	latency   map[types.DataCenterId][]time.Duration

	replicator Replicator
}

// New creates an Extension. isInPrimaryDC nodes always allow
// elections; others gate on heartbeat freshness.
func New(cfg Config) *Extension {
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 64
	}
	inPrimary := cfg.LocalDC == cfg.PrimaryDC
	return &Extension{
		cfg: cfg,
		state: types.DCElectionState{
			IsInPrimaryDC: inPrimary,
			AllowElection: inPrimary,
		},
		latency: make(map[types.DataCenterId][]time.Duration),
	}
}

// SetReplicator wires the async-replication bridge target.
func (e *Extension) SetReplicator(r Replicator) {
	e.replicator = r
}

// ShouldStartElection answers the election-gating question: primary
// DC nodes may always try; others must wait past
// PrimaryDCElectionTimeout since the last heartbeat from a primary-DC
// leader.
func (e *Extension) ShouldStartElection() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.state.IsInPrimaryDC {
		return true
	}
	if e.state.LastPrimaryDCHeartbeat.IsZero() {
		return false
	}
	return time.Since(e.state.LastPrimaryDCHeartbeat) > e.cfg.PrimaryDCElectionTimeout
}

// OnLeaderHeartbeat is called whenever an AppendEntries is received
// from a leader. If that leader is in the primary DC, the heartbeat
// clock resets.
func (e *Extension) OnLeaderHeartbeat(leaderDC types.DataCenterId) {
	if leaderDC != e.cfg.PrimaryDC {
		return
	}
	e.mu.Lock()
	e.state.LastPrimaryDCHeartbeat = time.Now()
	if !e.state.IsInPrimaryDC {
		e.state.AllowElection = false
	}
	e.mu.Unlock()
}

// ElectionState returns a copy of the current gating state.
func (e *Extension) ElectionState() types.DCElectionState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.state
	s.AllowElection = e.ShouldStartElection()
	return s
}

// RecordLatency appends one RTT sample for a remote DC, evicting the
// oldest sample once the window is full.
func (e *Extension) RecordLatency(dc types.DataCenterId, rtt time.Duration) {
	e.latencyMu.Lock()
	defer e.latencyMu.Unlock()

	samples := e.latency[dc]
	samples = append(samples, rtt)
	if len(samples) > e.cfg.LatencyWindow {
		samples = samples[len(samples)-e.cfg.LatencyWindow:]
	}
	e.latency[dc] = samples
}

// LatencyStats reports the DC-level {avg, p50, p99} the spec requires
// the latency monitor to feed the router and failure detector.
type LatencyStats struct {
	Avg time.Duration
	P50 time.Duration
	P99 time.Duration
}

// Latency returns the current latency statistics for a remote DC.
func (e *Extension) Latency(dc types.DataCenterId) LatencyStats {
	e.latencyMu.Lock()
	defer e.latencyMu.Unlock()

	samples := append([]time.Duration(nil), e.latency[dc]...)
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	var sum time.Duration
	for _, s := range samples {
		sum += s
	}

	return LatencyStats{
		Avg: sum / time.Duration(len(samples)),
		P50: percentile(samples, 0.50),
		P99: percentile(samples, 0.99),
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// BridgeCommits registers the async-replication bridge with the local
// Raft node: newly-committed entries are forwarded to the replicator
// without blocking the commit path, per the DC Raft Extension's
// responsibility.
func (e *Extension) BridgeCommits(node *rclient.Node, shardID types.ShardId) {
	node.OnCommit(func(entry types.LogEntry) {
		if e.replicator == nil {
			return
		}
		e.replicator.ReplicateAsync(shardID, []types.LogEntry{entry})
	})
}

// WatchObservations consumes a raft.Observer channel (see
// pkg/raft.Node.Observe) and feeds leader-change observations into
// the heartbeat tracker. leaderDC resolves a raft.ServerID to the DC
// it belongs to; callers own that mapping (pkg/cluster knows the
// full server roster).
func (e *Extension) WatchObservations(ch <-chan raftcore.Observation, leaderDC func(raftcore.ServerID) types.DataCenterId) {
	go func() {
		logger := log.WithComponent("dcraft")
		for obs := range ch {
			switch v := obs.Data.(type) {
			case raftcore.LeaderObservation:
				dc := leaderDC(v.LeaderID)
				e.OnLeaderHeartbeat(dc)
				logger.Debug().Str("leader_dc", string(dc)).Msg("leader observation")
			case raftcore.ResumedHeartbeatObservation:
				logger.Debug().Str("peer", string(v.PeerID)).Msg("heartbeat resumed")
			}
		}
	}()
}
