package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concordkv_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concordkv_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Cross-DC async replication metrics
	ReplicationBatchesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_replication_batches_sent_total",
			Help: "Total number of replication batches sent, by target DC",
		},
		[]string{"target_dc"},
	)

	ReplicationEntriesReplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_replication_entries_replicated_total",
			Help: "Total number of log entries replicated, by target DC",
		},
		[]string{"target_dc"},
	)

	ReplicationBytesTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_replication_bytes_transferred_total",
			Help: "Total bytes placed on the wire for replication batches, by target DC",
		},
		[]string{"target_dc"},
	)

	ReplicationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concordkv_replication_latency_seconds",
			Help:    "Replication batch delivery latency in seconds, by target DC",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target_dc"},
	)

	ReplicationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_replication_errors_total",
			Help: "Total replication errors, by target DC",
		},
		[]string{"target_dc"},
	)

	ReplicationRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_replication_retries_total",
			Help: "Total replication retry attempts, by target DC",
		},
		[]string{"target_dc"},
	)

	ReplicationCompressionRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concordkv_replication_compression_ratio",
			Help: "Most recent compression ratio (compressed/original) observed per target DC",
		},
		[]string{"target_dc"},
	)

	// DC failure detector metrics
	DCHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concordkv_dc_healthy",
			Help: "Whether a DC is currently considered healthy (1) or not (0)",
		},
		[]string{"dc"},
	)

	DCFailureEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_dc_failure_events_total",
			Help: "Total DC failure/recovery transition events, by DC and the state entered",
		},
		[]string{"dc", "state"},
	)

	// Consistency recovery metrics
	ConsistencyScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_consistency_score",
			Help: "Most recent cross-DC consistency score in [0,1]",
		},
	)

	ConsistencyGlobal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_consistency_globally_consistent",
			Help: "Whether the cluster was last observed to be globally consistent (1) or not (0)",
		},
	)

	// Failover coordinator metrics
	FailoverOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_failover_operations_total",
			Help: "Total failover operations, by final status",
		},
		[]string{"status"},
	)

	FailoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concordkv_failover_duration_seconds",
			Help:    "Duration of finished failover operations in seconds, whatever their final status",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	// Topology service metrics
	TopologyVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_topology_version",
			Help: "Current authoritative topology version",
		},
	)

	TopologySubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concordkv_topology_subscribers",
			Help: "Number of active topology event subscribers",
		},
	)

	// Topology cache metrics (client-side)
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concordkv_topology_cache_hits_total",
			Help: "Total topology cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concordkv_topology_cache_misses_total",
			Help: "Total topology cache misses",
		},
	)

	CacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_topology_cache_evictions_total",
			Help: "Total topology cache evictions, by reason (ttl, version_tolerance, invalidate, full_invalidate); LRU size-bound evictions are not counted",
		},
		[]string{"reason"},
	)

	// Smart router / circuit breaker metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concordkv_circuit_breaker_state",
			Help: "Circuit breaker state per node (0=closed, 1=open, 2=half_open)",
		},
		[]string{"node"},
	)

	RouterDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concordkv_router_decisions_total",
			Help: "Total routing decisions, by strategy and request type",
		},
		[]string{"strategy", "request_type"},
	)

	// Connection pool metrics
	PoolActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concordkv_pool_active_connections",
			Help: "Active connections per shard pool",
		},
		[]string{"shard"},
	)

	PoolTotalConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concordkv_pool_total_connections",
			Help: "Total connections (idle + active) per shard pool",
		},
		[]string{"shard"},
	)

	PoolWaitQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "concordkv_pool_wait_queue_depth",
			Help: "Depth of the wait queue per shard pool",
		},
		[]string{"shard"},
	)
)

func init() {
	prometheus.MustRegister(
		RaftLeader,
		RaftPeers,
		RaftLogIndex,
		RaftAppliedIndex,
		RaftApplyDuration,
		APIRequestsTotal,
		APIRequestDuration,
		ReplicationBatchesSent,
		ReplicationEntriesReplicated,
		ReplicationBytesTransferred,
		ReplicationLatency,
		ReplicationErrors,
		ReplicationRetries,
		ReplicationCompressionRatio,
		DCHealthy,
		DCFailureEventsTotal,
		ConsistencyScore,
		ConsistencyGlobal,
		FailoverOperationsTotal,
		FailoverDuration,
		TopologyVersion,
		TopologySubscribers,
		CacheHits,
		CacheMisses,
		CacheEvictions,
		CircuitBreakerState,
		RouterDecisionsTotal,
		PoolActiveConnections,
		PoolTotalConnections,
		PoolWaitQueueDepth,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
