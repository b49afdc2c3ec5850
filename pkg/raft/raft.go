// Package raft wraps hashicorp/raft into the per-node consensus
// component: election, log append, commit, and snapshots, tuned
// for sub-10s failover.
package raft

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/concordkv/raftserver/pkg/kvstore"
	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// Config holds the parameters needed to stand up one node's Raft
// participation.
type Config struct {
	NodeID   types.NodeId
	BindAddr string
	DataDir  string
}

// Node owns one Raft participant: its log, state machine handle, and
// membership operations. Nothing outside pkg/raft mutates them
// directly.
type Node struct {
	id       types.NodeId
	bindAddr string
	dataDir  string

	raft     *raft.Raft
	store    *kvstore.Store
	logStore *raftboltdb.BoltStore

	// onCommit, when set, is invoked with every command committed
	// through this node's Set/Delete, after the local FSM has processed
	// it; entries this node applies as a follower do not invoke it. This is the DC Raft
	// Extension's async-replication bridge (§4.2): a thin adapter that
	// forwards newly-committed entries to the replicator without
	// blocking the commit path.
	onCommit func(entry types.LogEntry)
}

// New constructs a Node without starting Raft.
func New(cfg Config) *Node {
	return &Node{
		id:       cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		store:    kvstore.New(),
	}
}

// OnCommit registers the async-replication bridge callback.
func (n *Node) OnCommit(fn func(entry types.LogEntry)) {
	n.onCommit = fn
}

func (n *Node) raftConfig() *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(n.id)

	// Tuned for LAN/edge deployments targeting sub-10s failover.
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	return cfg
}

func (n *Node) newRaft() (*raft.Raft, error) {
	cfg := n.raftConfig()

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(cfg, n.store, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	n.logStore = logStore

	return r, nil
}

// Bootstrap initializes a brand-new single-node cluster.
func (n *Node) Bootstrap() error {
	if err := os.MkdirAll(n.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	r, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.id), Address: raft.ServerAddress(n.bindAddr)},
		},
	}

	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	log.WithNodeID(string(n.id)).Info().Str("addr", n.bindAddr).Msg("bootstrapped raft cluster")
	return nil
}

// Join starts this node's Raft instance so it can be added as a
// voter by the existing leader via AddVoter; it does not contact the
// leader itself — that RPC belongs to the cluster-bootstrap CLI /
// pkg/cluster layer, which knows the leader's address.
func (n *Node) Join() error {
	if err := os.MkdirAll(n.dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	r, err := n.newRaft()
	if err != nil {
		return err
	}
	n.raft = r

	log.WithNodeID(string(n.id)).Info().Msg("raft instance ready to join")
	return nil
}

// AddVoter adds a new node to the cluster. Only the leader may call
// this successfully.
func (n *Node) AddVoter(id types.NodeId, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddr())
	}

	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a node from the cluster.
func (n *Node) RemoveServer(id types.NodeId) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := n.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// Servers returns the current cluster configuration.
func (n *Node) Servers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds leadership.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's advertised address, or "".
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Stats returns a snapshot of Raft diagnostics, mirroring the shape
// the KV HTTP surface's /api/status exposes.
func (n *Node) Stats() map[string]interface{} {
	if n.raft == nil {
		return nil
	}

	stats := map[string]interface{}{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         n.LeaderAddr(),
	}

	if cfgFuture := n.raft.GetConfiguration(); cfgFuture.Error() == nil {
		stats["peers"] = uint64(len(cfgFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}

	return stats
}

// Set applies a kvstore.OpSet command through consensus. Returns the
// log index it was committed at.
func (n *Node) Set(key string, value []byte) (uint64, error) {
	return n.apply(kvstore.Command{Op: kvstore.OpSet, Key: key, Value: value})
}

// Delete applies a kvstore.OpDelete command through consensus.
func (n *Node) Delete(key string) (uint64, error) {
	return n.apply(kvstore.Command{Op: kvstore.OpDelete, Key: key})
}

// Get reads directly from the local state machine. Strong consistency
// for reads is the router/caller's responsibility (route to leader).
func (n *Node) Get(key string) ([]byte, bool) {
	return n.store.Get(key)
}

// Keys lists all keys in the local state machine.
func (n *Node) Keys() []string {
	return n.store.Keys()
}

func (n *Node) apply(cmd kvstore.Command) (uint64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	if n.raft == nil {
		return 0, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("marshal command: %w", err)
	}

	future := n.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("apply command: %w", err)
	}

	resp := future.Response()
	result, ok := resp.(kvstore.ApplyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected apply response type %T", resp)
	}
	if result.Err != nil {
		return 0, result.Err
	}

	if n.onCommit != nil {
		n.onCommit(types.LogEntry{
			Index:     result.Index,
			Kind:      types.LogEntryNormal,
			Data:      data,
			Timestamp: time.Now(),
		})
	}

	return result.Index, nil
}

// Entries returns the committed log entries in [from, to] from this
// node's own log store. Consistency recovery uses this to source
// catch-up batches when this node's DC is the authoritative source;
// it has no way to read another DC's log directly.
func (n *Node) Entries(from, to uint64) ([]types.LogEntry, error) {
	if n.logStore == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	out := make([]types.LogEntry, 0, to-from+1)
	for idx := from; idx <= to; idx++ {
		var rl raft.Log
		if err := n.logStore.GetLog(idx, &rl); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return nil, fmt.Errorf("get log entry %d: %w", idx, err)
		}
		if rl.Type != raft.LogCommand {
			continue
		}
		out = append(out, types.LogEntry{
			Index:     rl.Index,
			Term:      rl.Term,
			Kind:      types.LogEntryNormal,
			Data:      rl.Data,
			Timestamp: rl.AppendedAt,
		})
	}
	return out, nil
}

// Observe registers an observer channel for raft.Observation events
// (leadership changes, heartbeat resumption/failure). pkg/dcraft uses
// this to track per-DC heartbeat freshness without pkg/raft needing
// any notion of DCs itself.
func (n *Node) Observe(filter func(*raft.Observation) bool) (chan raft.Observation, func()) {
	ch := make(chan raft.Observation, 64)
	observer := raft.NewObserver(ch, true, filter)
	n.raft.RegisterObserver(observer)
	return ch, func() { n.raft.DeregisterObserver(observer) }
}

// Shutdown stops the Raft instance.
func (n *Node) Shutdown() error {
	if n.raft == nil {
		return nil
	}
	return n.raft.Shutdown().Error()
}
