package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/concordkv/raftserver/pkg/kvstore"
	"github.com/concordkv/raftserver/pkg/types"
)

// httpSender implements replication.Sender by POSTing each batch to
// the remote DC's replication endpoint, trying nodes in order until
// one acknowledges.
type httpSender struct {
	addrOf func(types.NodeId) (string, bool)
	client *http.Client
}

func newHTTPSender(addrOf func(types.NodeId) (string, bool)) *httpSender {
	return &httpSender{
		addrOf: addrOf,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type replicationAck struct {
	BatchID          string `json:"batch_id"`
	LastAppliedIndex uint64 `json:"last_applied_index"`
}

// SendBatch tries each candidate node in order; the first to
// acknowledge wins. A caller with an empty or fully-unreachable node
// list gets an error, which the replicator's retry/backoff handles.
func (s *httpSender) SendBatch(ctx context.Context, nodes []types.NodeId, batch types.ReplicationBatch) (uint64, error) {
	var lastErr error
	for _, n := range nodes {
		addr, ok := s.addrOf(n)
		if !ok {
			continue
		}
		ack, err := s.sendOne(ctx, addr, batch)
		if err == nil {
			return ack, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("replication: no reachable node for dc %s", batch.TargetDC)
	}
	return 0, lastErr
}

func (s *httpSender) sendOne(ctx context.Context, addr string, batch types.ReplicationBatch) (uint64, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/internal/replication/batch", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("replication: remote returned status %d", resp.StatusCode)
	}

	var ack replicationAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return 0, err
	}
	return ack.LastAppliedIndex, nil
}

// ReplicaReceiver applies inbound replication batches into a local,
// Raft-independent store; it is what an AsyncReplica node runs to
// receive entries shipped by a remote DC's primary. Idempotent under
// replay: Apply skips any entry at or below the highest index it has
// already applied.
type ReplicaReceiver struct {
	store *kvstore.Store

	mu               sync.Mutex
	lastAppliedIndex uint64
}

// NewReplicaReceiver creates a receiver backed by store.
func NewReplicaReceiver(store *kvstore.Store) *ReplicaReceiver {
	return &ReplicaReceiver{store: store}
}

// Apply applies every entry in batch, in order, tracking the highest
// index seen. Entries at or below the already-applied index are
// skipped, making replay of a retried batch idempotent.
func (r *ReplicaReceiver) Apply(batch types.ReplicationBatch) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range batch.Entries {
		if e.Index <= r.lastAppliedIndex {
			continue
		}
		var cmd kvstore.Command
		if err := json.Unmarshal(e.Data, &cmd); err != nil {
			continue
		}
		r.store.ApplyCommand(cmd)
		r.lastAppliedIndex = e.Index
	}
	return r.lastAppliedIndex
}

// LastAppliedIndex returns the highest index this receiver has
// applied so far.
func (r *ReplicaReceiver) LastAppliedIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAppliedIndex
}

// Handler serves POST /internal/replication/batch.
func (r *ReplicaReceiver) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var batch types.ReplicationBatch
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		lastIndex := r.Apply(batch)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(replicationAck{BatchID: batch.BatchID, LastAppliedIndex: lastIndex})
	}
}
