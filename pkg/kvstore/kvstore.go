// Package kvstore implements the opaque single-node state machine
// the Raft Core applies committed entries to. The real ConcordKV
// storage engines (arena-allocated B-tree/RB-tree/hash/LSM) are
// external collaborators out of scope for this layer; kvstore only
// has to honor their contract: apply(entry) and snapshot get/install.
package kvstore

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/concordkv/raftserver/pkg/log"
)

// Op is the kind of mutation carried by a Command.
type Op string

const (
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Command is the payload of one Raft log entry applied to the store.
type Command struct {
	Op    Op     `json:"op"`
	Key   string `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// ApplyResult is returned from raft.Apply().Response() so callers can
// distinguish a rejected mutation from a successful one without a
// second round trip.
type ApplyResult struct {
	Index uint64
	Err   error
}

// Store is an in-memory key-value map that implements raft.FSM. It is
// the local replica of committed state; cross-DC propagation is the
// replicator's job (pkg/replication), not this layer's.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Get returns the value for key and whether it was present.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Keys returns a snapshot of all keys currently stored.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

// ApplyCommand applies cmd directly, bypassing Raft. Used by an
// async-replica node, which receives committed entries out-of-band
// from the cross-DC replicator and so has no local Raft log to apply
// them through.
func (s *Store) ApplyCommand(cmd Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpSet:
		s.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(s.data, cmd.Key)
	}
}

// Apply applies one committed Raft log entry. Called by hashicorp/raft
// on the leader and every follower once the entry is committed.
func (s *Store) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return ApplyResult{Index: entry.Index, Err: fmt.Errorf("unmarshal command: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpSet:
		s.data[cmd.Key] = cmd.Value
	case OpDelete:
		delete(s.data, cmd.Key)
	default:
		return ApplyResult{Index: entry.Index, Err: fmt.Errorf("unknown op: %s", cmd.Op)}
	}

	return ApplyResult{Index: entry.Index}
}

// Snapshot captures a point-in-time copy of the map for raft to
// persist. The FSM lock is held only long enough to copy references;
// Persist runs outside the lock.
func (s *Store) Snapshot() (raft.FSMSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		cp := make([]byte, len(v))
		copy(cp, v)
		copied[k] = cp
	}
	return &fsmSnapshot{data: copied}, nil
}

// Restore replaces the store's contents with a previously persisted
// snapshot. Called once at startup when Raft has a snapshot newer
// than the log tail.
func (s *Store) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data map[string][]byte
	if err := json.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data

	log.WithComponent("kvstore").Info().Int("keys", len(data)).Msg("restored snapshot")
	return nil
}

type fsmSnapshot struct {
	data map[string][]byte
}

// Persist writes the snapshot to the sink hashicorp/raft hands us.
func (f *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(f.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op; the snapshot holds no external resources.
func (f *fsmSnapshot) Release() {}
