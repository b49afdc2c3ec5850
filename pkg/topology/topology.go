// Package topology implements the Topology Service: the cluster's
// single authoritative, versioned shard map. Writers go through a
// single-writer mutation API; readers get read-only versioned
// snapshots. Changes are persisted to BoltDB and fanned out to
// subscribers via a buffer-and-drop broadcast, with one bucket per
// entity type and JSON-encoded values.
package topology

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

var (
	bucketShards = []byte("shards")
	bucketNodes  = []byte("nodes")
	bucketDCs    = []byte("dcs")
	bucketMeta   = []byte("meta")
	keyVersion   = []byte("version")
)

// Store persists the topology to disk across restarts.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) the BoltDB-backed topology
// store at dataDir/topology.db.
func OpenStore(dataDir string) (*Store, error) {
	db, err := bolt.Open(dataDir+"/topology.db", 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open topology store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketShards, bucketNodes, bucketDCs, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) persistShard(shard types.ShardInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(shard)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketShards).Put([]byte(shard.ID), data)
	})
}

func (s *Store) persistNode(node types.NodeStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put([]byte(node.ID), data)
	})
}

func (s *Store) persistVersion(version int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyVersion, []byte(fmt.Sprintf("%d", version)))
	})
}

// Load reconstructs a snapshot from disk, for process restart.
func (s *Store) Load() (types.TopologySnapshot, error) {
	snap := types.TopologySnapshot{
		Nodes:  make(map[types.NodeId]types.NodeStatus),
		Shards: make(map[types.ShardId]types.ShardInfo),
		DCs:    make(map[types.DataCenterId]types.DataCenter),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketShards).ForEach(func(k, v []byte) error {
			var sh types.ShardInfo
			if err := json.Unmarshal(v, &sh); err != nil {
				return err
			}
			snap.Shards[sh.ID] = sh
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketNodes).ForEach(func(k, v []byte) error {
			var n types.NodeStatus
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			snap.Nodes[n.ID] = n
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDCs).ForEach(func(k, v []byte) error {
			var dc types.DataCenter
			if err := json.Unmarshal(v, &dc); err != nil {
				return err
			}
			snap.DCs[dc.ID] = dc
			return nil
		}); err != nil {
			return err
		}
		if v := tx.Bucket(bucketMeta).Get(keyVersion); v != nil {
			if _, err := fmt.Sscanf(string(v), "%d", &snap.Version); err != nil {
				return err
			}
		}
		return nil
	})
	return snap, err
}

// Subscriber is a bounded channel of topology events; a slow
// subscriber drops events rather than blocking publication.
type Subscriber chan types.TopologyEvent

// Service owns the authoritative shard map. Its mutation methods are
// the only way the map changes; readers always get a copied snapshot.
type Service struct {
	store *Store

	mu      sync.RWMutex
	version int64
	nodes   map[types.NodeId]types.NodeStatus
	shards  map[types.ShardId]types.ShardInfo
	dcs     map[types.DataCenterId]types.DataCenter

	subMu       sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan types.TopologyEvent
	stopCh      chan struct{}
}

// New creates a Service backed by store. If store already has
// persisted state it is loaded as the initial snapshot.
func New(store *Store) (*Service, error) {
	svc := &Service{
		store:       store,
		nodes:       make(map[types.NodeId]types.NodeStatus),
		shards:      make(map[types.ShardId]types.ShardInfo),
		dcs:         make(map[types.DataCenterId]types.DataCenter),
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan types.TopologyEvent, 256),
		stopCh:      make(chan struct{}),
	}
	if store != nil {
		snap, err := store.Load()
		if err != nil {
			return nil, err
		}
		svc.nodes = snap.Nodes
		svc.shards = snap.Shards
		svc.dcs = snap.DCs
		svc.version = snap.Version
	}
	return svc, nil
}

// Start begins the broker's fan-out loop.
func (s *Service) Start() { go s.run() }

// Stop halts the fan-out loop.
func (s *Service) Stop() { close(s.stopCh) }

// Subscribe returns a bounded channel of future topology events.
func (s *Service) Subscribe() Subscriber {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	sub := make(Subscriber, 64)
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (s *Service) Unsubscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub)
	}
}

func (s *Service) run() {
	for {
		select {
		case ev := <-s.eventCh:
			s.broadcast(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Service) broadcast(ev types.TopologyEvent) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	metrics.TopologySubscribers.Set(float64(len(s.subscribers)))
	for sub := range s.subscribers {
		select {
		case sub <- ev:
		default:
			log.WithComponent("topology").Warn().Msg("subscriber buffer full, dropping event")
		}
	}
}

func (s *Service) publish(ev types.TopologyEvent) {
	ev.Version = s.version
	ev.Timestamp = time.Now()
	select {
	case s.eventCh <- ev:
	default:
		log.WithComponent("topology").Warn().Str("type", string(ev.Type)).Msg("event bus full, dropping event")
	}
}

func (s *Service) bumpVersion() {
	s.version++
	metrics.TopologyVersion.Set(float64(s.version))
	if s.store != nil {
		if err := s.store.persistVersion(s.version); err != nil {
			log.WithComponent("topology").Error().Err(err).Msg("failed to persist topology version")
		}
	}
}

// Snapshot returns a read-only copy of the current topology.
func (s *Service) Snapshot() types.TopologySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make(map[types.NodeId]types.NodeStatus, len(s.nodes))
	for k, v := range s.nodes {
		nodes[k] = v
	}
	shards := make(map[types.ShardId]types.ShardInfo, len(s.shards))
	for k, v := range s.shards {
		shards[k] = v
	}
	dcs := make(map[types.DataCenterId]types.DataCenter, len(s.dcs))
	for k, v := range s.dcs {
		dcs[k] = v
	}

	return types.TopologySnapshot{Version: s.version, Nodes: nodes, Shards: shards, DCs: dcs}
}

// UpsertNode adds or updates a node's status, publishing NodeAdded or
// HealthChange depending on whether it already existed.
func (s *Service) UpsertNode(node types.NodeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.nodes[node.ID]
	s.nodes[node.ID] = node
	s.bumpVersion()

	if s.store != nil {
		if err := s.store.persistNode(node); err != nil {
			return err
		}
	}

	evType := types.EventNodeAdded
	if existed {
		evType = types.EventNodeHealthChange
	}
	s.publish(types.TopologyEvent{Type: evType, NodeID: node.ID, DCID: node.DC})
	return nil
}

// RemoveNode deletes a node from the topology.
func (s *Service) RemoveNode(id types.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.nodes, id)
	s.bumpVersion()

	if s.store != nil {
		if err := s.store.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketNodes).Delete([]byte(id))
		}); err != nil {
			return err
		}
	}

	s.publish(types.TopologyEvent{Type: types.EventNodeRemoved, NodeID: id})
	return nil
}

// UpsertShard adds or updates a shard's assignment.
func (s *Service) UpsertShard(shard types.ShardInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.shards[shard.ID]
	shard.Version = s.version + 1
	s.shards[shard.ID] = shard
	s.bumpVersion()

	if s.store != nil {
		if err := s.store.persistShard(shard); err != nil {
			return err
		}
	}

	evType := types.EventShardAdded
	if existed {
		evType = types.EventShardUpdated
	}
	sh := shard
	s.publish(types.TopologyEvent{Type: evType, ShardID: shard.ID, Shard: &sh})
	return nil
}

// RemoveShard deletes a shard from the topology.
func (s *Service) RemoveShard(id types.ShardId) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.shards, id)
	s.bumpVersion()

	if s.store != nil {
		if err := s.store.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketShards).Delete([]byte(id))
		}); err != nil {
			return err
		}
	}

	s.publish(types.TopologyEvent{Type: types.EventShardRemoved, ShardID: id})
	return nil
}

// ShardsPrimaryIn returns all shard IDs whose primary node belongs to
// dc. Used by the Failover Coordinator to discover affected shards.
func (s *Service) ShardsPrimaryIn(dc types.DataCenterId) []types.ShardId {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ShardId
	for _, sh := range s.shards {
		if n, ok := s.nodes[sh.Primary]; ok && n.DC == dc {
			out = append(out, sh.ID)
		}
	}
	return out
}

// NodeIn returns an arbitrary node registered in dc, used to pick a
// promotion target during failover; the node's health is not checked.
func (s *Service) NodeIn(dc types.DataCenterId) (types.NodeId, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.nodes {
		if n.DC == dc {
			return n.ID, nil
		}
	}
	return "", fmt.Errorf("no node registered in dc %s", dc)
}

// PromoteShardPrimary reassigns shardID's primary to newPrimary and
// returns the previous primary, so the caller can roll back.
func (s *Service) PromoteShardPrimary(shardID types.ShardId, newPrimary types.NodeId) (types.NodeId, error) {
	s.mu.Lock()
	sh, ok := s.shards[shardID]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("unknown shard %s", shardID)
	}
	old := sh.Primary
	sh.Primary = newPrimary
	sh.Version = s.version + 1
	s.shards[shardID] = sh
	s.bumpVersion()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.persistShard(sh); err != nil {
			return old, err
		}
	}
	shCopy := sh
	s.publish(types.TopologyEvent{Type: types.EventShardUpdated, ShardID: shardID, Shard: &shCopy})
	return old, nil
}

// SetShardPrimary force-sets shardID's primary, used by the Failover
// Coordinator's rollback path.
func (s *Service) SetShardPrimary(shardID types.ShardId, primary types.NodeId) error {
	s.mu.Lock()
	sh, ok := s.shards[shardID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown shard %s", shardID)
	}
	sh.Primary = primary
	sh.Version = s.version + 1
	s.shards[shardID] = sh
	s.bumpVersion()
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.persistShard(sh); err != nil {
			return err
		}
	}
	shCopy := sh
	s.publish(types.TopologyEvent{Type: types.EventShardUpdated, ShardID: shardID, Shard: &shCopy})
	return nil
}

// UpsertDC adds or updates a data center's configuration.
func (s *Service) UpsertDC(dc types.DataCenter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dcs[dc.ID] = dc
	s.bumpVersion()

	if s.store != nil {
		if err := s.store.db.Update(func(tx *bolt.Tx) error {
			data, err := json.Marshal(dc)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketDCs).Put([]byte(dc.ID), data)
		}); err != nil {
			return err
		}
	}

	s.publish(types.TopologyEvent{Type: types.EventConfigChanged, DCID: dc.ID})
	return nil
}
