// Package types holds the shared data model used across the raft,
// replication, failure-detection, failover, topology, and routing
// packages. Keeping these definitions in one place avoids import
// cycles between subsystems that otherwise reference each other only
// by id (see pkg/cluster).
package types

import "time"

// NodeId, DataCenterId and ShardId are opaque, hashable identifiers.
type NodeId string
type DataCenterId string
type ShardId string

// LogEntryKind classifies a LogEntry.
type LogEntryKind string

const (
	LogEntryNormal LogEntryKind = "normal"
	LogEntryConfig LogEntryKind = "config"
	LogEntryNoOp   LogEntryKind = "noop"
)

// LogEntry is a single committed Raft log entry, generalized enough to
// be shipped across DCs by the replicator independent of the
// consensus layer that produced it.
type LogEntry struct {
	Index     uint64       `json:"index"`
	Term      uint64       `json:"term"`
	Timestamp time.Time    `json:"timestamp"`
	Kind      LogEntryKind `json:"kind"`
	Data      []byte       `json:"data"`
}

// Snapshot is a point-in-time dump of the state machine.
type Snapshot struct {
	LastIncludedIndex uint64 `json:"last_included_index"`
	LastIncludedTerm  uint64 `json:"last_included_term"`
	Data              []byte `json:"data"`
}

// ReplicaRole distinguishes a shard's write primary from its
// asynchronous replicas.
type ReplicaRole string

const (
	RolePrimary      ReplicaRole = "primary"
	RoleAsyncReplica ReplicaRole = "async_replica"
)

// Server describes a single cluster member.
type Server struct {
	ID      NodeId       `json:"id"`
	Address string       `json:"address"`
	DC      DataCenterId `json:"dc"`
	Role    ReplicaRole  `json:"replica_role"`
}

// DataCenter holds the per-DC replication tuning knobs.
type DataCenter struct {
	ID                     DataCenterId  `json:"id"`
	Region                 string        `json:"region"`
	IsPrimary              bool          `json:"is_primary"`
	MaxAsyncBatchSize      int           `json:"max_async_batch_size"`
	AsyncReplicationDelay  time.Duration `json:"async_replication_delay"`
	EnableCompression      bool          `json:"enable_compression"`
}

// ShardState is the lifecycle state of a shard.
type ShardState string

const (
	ShardActive    ShardState = "active"
	ShardMigrating ShardState = "migrating"
	ShardSplitting ShardState = "splitting"
	ShardMerging   ShardState = "merging"
	ShardOffline   ShardState = "offline"
)

// HashRange is the [start, end) hash interval a shard owns.
type HashRange struct {
	StartHash uint64 `json:"start_hash"`
	EndHash   uint64 `json:"end_hash"`
}

// ShardInfo is the authoritative description of one shard. Exactly
// one Primary must be set and Version strictly increases per shard.
type ShardInfo struct {
	ID       ShardId    `json:"id"`
	Range    HashRange  `json:"range"`
	Primary  NodeId     `json:"primary"`
	Replicas []NodeId   `json:"replicas"`
	State    ShardState `json:"state"`
	Version  int64      `json:"version"`
}

// BatchPriority orders replication batches within a flush window.
// Higher numeric value means higher priority.
type BatchPriority int

const (
	PriorityLow BatchPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p BatchPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ReplicationBatch is the unit shipped to a remote DC by the async
// replicator. For a given (TargetDC, ShardID), batches are delivered
// in non-decreasing Entries[0].Index order.
type ReplicationBatch struct {
	BatchID      string           `json:"batch_id"`
	TargetDC     DataCenterId     `json:"target_dc"`
	ShardID      ShardId          `json:"shard_id"`
	Entries      []LogEntry       `json:"entries"`
	Priority     BatchPriority    `json:"priority"`
	Compressed   bool             `json:"compressed"`
	OriginalSize int              `json:"original_size"`
	WireSize     int              `json:"wire_size"`
	CreatedAt    time.Time        `json:"created_at"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
}

// AsyncReplicationTarget tracks replication progress and health for
// one remote DC. LastReplicatedIndex is monotonic.
type AsyncReplicationTarget struct {
	DCID                DataCenterId  `json:"dc_id"`
	NodeList            []NodeId      `json:"node_list"`
	LastReplicatedIndex uint64        `json:"last_replicated_index"`
	LastReplicatedTerm  uint64        `json:"last_replicated_term"`
	PendingBatches      int           `json:"pending_batches"`
	ReplicationLatency  time.Duration `json:"replication_latency"`
	IsHealthy           bool          `json:"is_healthy"`
	LastHealthCheck     time.Time     `json:"last_health_check"`
	NetworkLatency      time.Duration `json:"network_latency"`
	Throughput          float64       `json:"throughput"`
}

// DCElectionState tracks whether this node is allowed to start a
// Raft election given cross-DC heartbeat freshness.
type DCElectionState struct {
	IsInPrimaryDC            bool      `json:"is_in_primary_dc"`
	LastPrimaryDCHeartbeat   time.Time `json:"last_primary_dc_heartbeat"`
	AllowElection            bool      `json:"allow_election"`
}

// FailureType classifies a detected DC failure.
type FailureType string

const (
	FailureTimeout           FailureType = "timeout"
	FailureNetworkPartition  FailureType = "network_partition"
	FailureProcessDown       FailureType = "process_down"
	FailureResourceExhausted FailureType = "resource_exhaustion"
)

// FailureRecord is a candidate or confirmed DC failure.
type FailureRecord struct {
	DCID             DataCenterId `json:"dc_id"`
	DetectionTime    time.Time    `json:"detection_time"`
	FailureType      FailureType  `json:"failure_type"`
	Severity         float64      `json:"severity"`
	ConfirmationCount int         `json:"confirmation_count"`
	Confirmed        bool         `json:"confirmed"`
	// Phase is the detector state this event was emitted for (e.g.
	// "failed", "recovering"), letting a single event stream drive
	// both failover triggering and recovery catch-up.
	Phase string `json:"phase"`
}

// DCStateSnapshot is a single DC's contribution to a ConsistencySnapshot.
type DCStateSnapshot struct {
	LastIndex uint64 `json:"last_index"`
	LastTerm  uint64 `json:"last_term"`
	Checksum  string `json:"checksum"`
}

// ConsistencySnapshot summarizes cross-DC agreement at a point in time.
type ConsistencySnapshot struct {
	Timestamp          time.Time                          `json:"timestamp"`
	PerDC              map[DataCenterId]DCStateSnapshot    `json:"per_dc"`
	GloballyConsistent bool                                `json:"globally_consistent"`
	Score              float64                             `json:"score"`
}

// FailoverStatus is the lifecycle state of a FailoverOperation.
type FailoverStatus string

const (
	FailoverPlanned    FailoverStatus = "planned"
	FailoverInProgress FailoverStatus = "in_progress"
	FailoverCompleted  FailoverStatus = "completed"
	FailoverRolledBack FailoverStatus = "rolled_back"
	FailoverFailed     FailoverStatus = "failed"
)

// StepRecord records the outcome of one idempotent failover step, so
// that a failed operation can be rolled back in LIFO order.
type StepRecord struct {
	Name       string         `json:"name"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Succeeded  bool           `json:"succeeded"`
	RolledBack bool           `json:"rolled_back"`
	Error      string         `json:"error,omitempty"`
}

// FailoverOperation is the durable record of one failover attempt.
type FailoverOperation struct {
	OpID       string         `json:"op_id"`
	SourceDC   DataCenterId   `json:"source_dc"`
	TargetDC   DataCenterId   `json:"target_dc"`
	Reason     string         `json:"reason"`
	Status     FailoverStatus `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Steps      []StepRecord   `json:"steps"`
}

// RequestType distinguishes reads from writes for routing purposes.
type RequestType string

const (
	RequestRead  RequestType = "read"
	RequestWrite RequestType = "write"
)

// ConsistencyLevel is the caller's requested read consistency.
type ConsistencyLevel string

const (
	ConsistencyStrong   ConsistencyLevel = "strong"
	ConsistencyEventual ConsistencyLevel = "eventual"
)

// RoutingDecision is the outcome of one Smart Router call.
type RoutingDecision struct {
	RequestType      RequestType      `json:"request_type"`
	TargetNode       NodeId           `json:"target_node"`
	TargetDC         DataCenterId     `json:"target_dc"`
	EstimatedLatency time.Duration    `json:"estimated_latency"`
	ConsistencyLevel ConsistencyLevel `json:"consistency_level"`
	Reason           string           `json:"reason"`
	Cached           bool             `json:"cached"`
}

// ConnState is the lifecycle state of a pooled Connection.
type ConnState string

const (
	ConnIdle       ConnState = "idle"
	ConnActive     ConnState = "active"
	ConnConnecting ConnState = "connecting"
	ConnClosing    ConnState = "closing"
	ConnClosed     ConnState = "closed"
	ConnError      ConnState = "error"
)

// ConnectionMeta is the pool-visible metadata about a pooled
// connection; the pool owns the object these fields describe.
type ConnectionMeta struct {
	ID          string       `json:"id"`
	NodeID      NodeId       `json:"node_id"`
	ShardID     ShardId      `json:"shard_id"`
	Address     string       `json:"address"`
	State       ConnState    `json:"state"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  time.Time    `json:"last_used_at"`
	UsageCount  int64        `json:"usage_count"`
	ErrorCount  int          `json:"error_count"`
	PreWarmed   bool         `json:"pre_warmed"`
}

// TopologyEventType enumerates topology change notifications.
type TopologyEventType string

const (
	EventNodeAdded        TopologyEventType = "node_added"
	EventNodeRemoved      TopologyEventType = "node_removed"
	EventNodeHealthChange TopologyEventType = "node_health_changed"
	EventShardAdded       TopologyEventType = "shard_added"
	EventShardRemoved     TopologyEventType = "shard_removed"
	EventShardUpdated     TopologyEventType = "shard_updated"
	EventConfigChanged    TopologyEventType = "config_changed"
)

// TopologyEvent is published by the Topology Service and consumed by
// the Topology Cache and any other subscriber.
type TopologyEvent struct {
	Type      TopologyEventType `json:"type"`
	Version   int64             `json:"version"`
	ShardID   ShardId           `json:"shard_id,omitempty"`
	NodeID    NodeId            `json:"node_id,omitempty"`
	DCID      DataCenterId      `json:"dc_id,omitempty"`
	Shard     *ShardInfo        `json:"shard,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NodeStatus is the topology-visible health/role of a node.
type NodeStatus struct {
	ID      NodeId       `json:"id"`
	Health  string       `json:"health"`
	Address string       `json:"address"`
	DC      DataCenterId `json:"dc"`
	Role    ReplicaRole  `json:"role"`
}

// TopologySnapshot is the read-only authoritative view handed to
// clients; the service exclusively owns the mutable map this derives
// from.
type TopologySnapshot struct {
	Version int64                        `json:"version"`
	Nodes   map[NodeId]NodeStatus        `json:"nodes"`
	Shards  map[ShardId]ShardInfo        `json:"shards"`
	DCs     map[DataCenterId]DataCenter  `json:"dcs"`
}
