// Package replication implements the Cross-DC Async Replicator: it
// ships committed log entries to remote datacenters without blocking
// local commit, guaranteeing at-least-once delivery and per-shard
// monotonic index ordering. Batches flush on a priority-ordered,
// single-threaded per-target dispatcher, holding the batch at the
// queue head on send failure so ordering survives retries.
package replication

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/s2"
	"github.com/rs/zerolog"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// Sender delivers one batch to a target DC and reports the
// highest index the target acknowledged. The wire protocol itself
// (§6 "Async replication message") is an external collaborator;
// Sender is the boundary the replicator depends on.
type Sender interface {
	SendBatch(ctx context.Context, nodes []types.NodeId, batch types.ReplicationBatch) (ackIndex uint64, err error)
}

// Config tunes the batching, compression, and retry behavior.
type Config struct {
	MaxAsyncBatchSize    int
	FlushInterval        time.Duration
	EnableCompression    bool
	CompressionThreshold int // bytes; below this, batches ship uncompressed
	MaxRetries           int
	RetryBackoffBase     time.Duration
	RetryBackoffMax      time.Duration
	HealthCheckInterval  time.Duration
}

// DefaultConfig returns reasonable defaults for a LAN/WAN mixed
// deployment.
func DefaultConfig() Config {
	return Config{
		MaxAsyncBatchSize:    100,
		FlushInterval:        50 * time.Millisecond,
		EnableCompression:    true,
		CompressionThreshold: 1024,
		MaxRetries:           5,
		RetryBackoffBase:     100 * time.Millisecond,
		RetryBackoffMax:      5 * time.Second,
		HealthCheckInterval:  time.Second,
	}
}

type pendingEntry struct {
	shardID  types.ShardId
	entry    types.LogEntry
	priority types.BatchPriority
	seq      uint64 // enqueue order, breaks priority ties
}

// target owns one remote DC's outbound queue and dispatcher. Per the
// concurrency model, the dispatcher is single-threaded to preserve
// per-(target_dc, shard) order.
type target struct {
	mu      sync.Mutex
	dc      types.DataCenterId
	nodes   []types.NodeId
	primary bool
	pending []pendingEntry
	held    *types.ReplicationBatch // batch stuck at queue head after retry exhaustion

	snapshot types.AsyncReplicationTarget

	stopCh chan struct{}
	doneCh chan struct{}
}

// Replicator is the Cross-DC Async Replicator. It owns all outbound
// batch queues exclusively.
type Replicator struct {
	cfg    Config
	sender Sender

	mu      sync.RWMutex
	targets map[types.DataCenterId]*target
	seq     uint64

	metricsMu sync.Mutex
	totals    map[types.DataCenterId]*dcMetrics

	// onHealthChange, when set, is notified whenever a target's
	// health flag flips. The DC failure detector uses this to feed
	// replication-lag signals into its state machine.
	onHealthChange func(dc types.DataCenterId, healthy bool)
}

// OnHealthChange registers a callback invoked whenever a target DC's
// health flag transitions. fn must not block.
func (r *Replicator) OnHealthChange(fn func(dc types.DataCenterId, healthy bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHealthChange = fn
}

type dcMetrics struct {
	batchesSent    int64
	entriesSent    int64
	bytesSent      int64
	errors         int64
	retries        int64
	latencySamples []time.Duration
}

// New creates a Replicator. One AsyncReplicationTarget is initialized
// per remote DC passed in dcs.
func New(cfg Config, sender Sender, dcs []types.DataCenter, nodesByDC map[types.DataCenterId][]types.NodeId) *Replicator {
	r := &Replicator{
		cfg:     cfg,
		sender:  sender,
		targets: make(map[types.DataCenterId]*target),
		totals:  make(map[types.DataCenterId]*dcMetrics),
	}

	for _, dc := range dcs {
		t := &target{
			dc:      dc.ID,
			nodes:   nodesByDC[dc.ID],
			primary: dc.IsPrimary,
			stopCh:  make(chan struct{}),
			doneCh:  make(chan struct{}),
			snapshot: types.AsyncReplicationTarget{
				DCID:      dc.ID,
				NodeList:  nodesByDC[dc.ID],
				IsHealthy: true,
			},
		}
		r.targets[dc.ID] = t
		r.totals[dc.ID] = &dcMetrics{}
	}

	return r
}

// Start launches one dispatcher goroutine per remote DC target.
func (r *Replicator) Start() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Primary-DC targets dispatch first so they win capacity
	// contention, per the batching algorithm's priority rule.
	ordered := make([]*target, 0, len(r.targets))
	for _, t := range r.targets {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].primary && !ordered[j].primary })

	for _, t := range ordered {
		go r.runDispatcher(t)
	}
}

// Stop drains in-flight batches up to deadline, then terminates all
// dispatchers.
func (r *Replicator) Stop(deadline time.Duration) {
	r.mu.RLock()
	targets := make([]*target, 0, len(r.targets))
	for _, t := range r.targets {
		targets = append(targets, t)
	}
	r.mu.RUnlock()

	for _, t := range targets {
		close(t.stopCh)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for _, t := range targets {
		select {
		case <-t.doneCh:
		case <-timer.C:
			log.WithComponent("replication").Warn().Str("dc", string(t.dc)).Msg("dispatcher drain deadline exceeded")
		}
	}
}

// ReplicateAsync enqueues entries for every remote-DC target. It
// never blocks the caller beyond the enqueue itself.
func (r *Replicator) ReplicateAsync(shardID types.ShardId, entries []types.LogEntry) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.targets {
		t.mu.Lock()
		for _, e := range entries {
			r.seq++
			t.pending = append(t.pending, pendingEntry{
				shardID:  shardID,
				entry:    e,
				priority: types.PriorityNormal,
				seq:      r.seq,
			})
		}
		t.mu.Unlock()
	}
}

// ReplicateAsyncWithPriority is like ReplicateAsync but lets the
// caller set the entries' priority. A Critical entry makes the next
// flush take everything queued, ignoring MaxAsyncBatchSize; it does
// not trigger a flush before the next FlushInterval tick.
func (r *Replicator) ReplicateAsyncWithPriority(shardID types.ShardId, entries []types.LogEntry, priority types.BatchPriority) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, t := range r.targets {
		t.mu.Lock()
		for _, e := range entries {
			r.seq++
			t.pending = append(t.pending, pendingEntry{
				shardID:  shardID,
				entry:    e,
				priority: priority,
				seq:      r.seq,
			})
		}
		t.mu.Unlock()
	}
}

// GetStatus returns a read-only snapshot per target DC; it must not
// expose internal mutable state.
func (r *Replicator) GetStatus() map[types.DataCenterId]types.AsyncReplicationTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[types.DataCenterId]types.AsyncReplicationTarget, len(r.targets))
	for dc, t := range r.targets {
		t.mu.Lock()
		snap := t.snapshot
		snap.PendingBatches = len(t.pending)
		if t.held != nil {
			snap.PendingBatches++
		}
		t.mu.Unlock()
		out[dc] = snap
	}
	return out
}

// Metrics reports the counters and rates a get_metrics() call needs
// for cross-DC replication health.
type Metrics struct {
	BatchesSent        int64
	EntriesReplicated  int64
	BytesTransferred   int64
	AvgLatency         time.Duration
	MinLatency         time.Duration
	MaxLatency         time.Duration
	SuccessRate        float64
	ErrorCount         int64
	RetryCount         int64
}

// GetMetrics returns the aggregate and per-DC metric breakdown.
func (r *Replicator) GetMetrics() (map[types.DataCenterId]Metrics, Metrics) {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()

	perDC := make(map[types.DataCenterId]Metrics, len(r.totals))
	var agg Metrics

	for dc, m := range r.totals {
		mm := summarize(m)
		perDC[dc] = mm
		agg.BatchesSent += mm.BatchesSent
		agg.EntriesReplicated += mm.EntriesReplicated
		agg.BytesTransferred += mm.BytesTransferred
		agg.ErrorCount += mm.ErrorCount
		agg.RetryCount += mm.RetryCount
	}

	var total int64
	var failed int64
	for _, m := range r.totals {
		total += m.batchesSent
		failed += m.errors
	}
	if total > 0 {
		agg.SuccessRate = float64(total-failed) / float64(total)
	} else {
		agg.SuccessRate = 1
	}

	return perDC, agg
}

func summarize(m *dcMetrics) Metrics {
	out := Metrics{
		BatchesSent:       m.batchesSent,
		EntriesReplicated: m.entriesSent,
		BytesTransferred:  m.bytesSent,
		ErrorCount:        m.errors,
		RetryCount:        m.retries,
	}
	if m.batchesSent > 0 {
		out.SuccessRate = float64(m.batchesSent-m.errors) / float64(m.batchesSent)
	} else {
		out.SuccessRate = 1
	}
	if len(m.latencySamples) == 0 {
		return out
	}
	var sum, min, max time.Duration
	min = m.latencySamples[0]
	for _, s := range m.latencySamples {
		sum += s
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out.AvgLatency = sum / time.Duration(len(m.latencySamples))
	out.MinLatency = min
	out.MaxLatency = max
	return out
}

// runDispatcher is the single-threaded-per-target loop that preserves
// ordering, batches, compresses, sends with retry, and re-queues a
// held batch at the head after retry exhaustion.
func (r *Replicator) runDispatcher(t *target) {
	defer close(t.doneCh)
	logger := log.WithDCID(string(t.dc)).With().Str("component", "replication").Logger()

	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()
	health := time.NewTicker(r.cfg.HealthCheckInterval)
	defer health.Stop()

	for {
		select {
		case <-t.stopCh:
			r.drainAndSend(t, logger, r.cfg.FlushInterval)
			return
		case <-health.C:
			r.performHealthCheck(t, logger)
		case <-flush.C:
			r.flushOnce(t, logger)
		}
	}
}

func (r *Replicator) drainAndSend(t *target, logger zerolog.Logger, deadline time.Duration) {
	timeout := time.After(deadline)
	for {
		t.mu.Lock()
		empty := len(t.pending) == 0 && t.held == nil
		t.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-timeout:
			return
		default:
			r.flushOnce(t, logger)
		}
	}
}

// flushOnce builds at most one batch (the held batch if present,
// otherwise drained pending entries) and attempts delivery.
func (r *Replicator) flushOnce(t *target, logger zerolog.Logger) {
	batch := r.nextBatch(t)
	if batch == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ok := r.sendWithRetry(ctx, t, batch, logger)
	if !ok {
		// Retry exhausted: hold at queue head, mark unhealthy, keep order.
		t.mu.Lock()
		wasHealthy := t.snapshot.IsHealthy
		t.held = batch
		t.snapshot.IsHealthy = false
		t.mu.Unlock()
		if wasHealthy {
			r.notifyHealthChange(t.dc, false)
		}
		return
	}

	t.mu.Lock()
	wasHealthy := t.snapshot.IsHealthy
	t.held = nil
	t.snapshot.IsHealthy = true
	t.snapshot.LastReplicatedIndex = maxUint64(t.snapshot.LastReplicatedIndex, lastIndex(*batch))
	t.mu.Unlock()
	if !wasHealthy {
		r.notifyHealthChange(t.dc, true)
	}
}

func (r *Replicator) notifyHealthChange(dc types.DataCenterId, healthy bool) {
	r.mu.RLock()
	fn := r.onHealthChange
	r.mu.RUnlock()
	if fn != nil {
		fn(dc, healthy)
	}
}

func (r *Replicator) nextBatch(t *target) *types.ReplicationBatch {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.held != nil {
		return t.held
	}
	if len(t.pending) == 0 {
		return nil
	}

	// Priority ordering: Critical > High > Normal > Low, ties by
	// enqueue order. A Critical entry makes this batch take
	// everything currently queued, regardless of MaxAsyncBatchSize.
	sort.SliceStable(t.pending, func(i, j int) bool {
		if t.pending[i].priority != t.pending[j].priority {
			return t.pending[i].priority > t.pending[j].priority
		}
		return t.pending[i].seq < t.pending[j].seq
	})

	hasCritical := t.pending[0].priority == types.PriorityCritical
	n := r.cfg.MaxAsyncBatchSize
	if n <= 0 || n > len(t.pending) {
		n = len(t.pending)
	}
	if hasCritical {
		n = len(t.pending)
	}

	chunk := t.pending[:n]
	t.pending = t.pending[n:]

	shardID := chunk[0].shardID
	entries := make([]types.LogEntry, len(chunk))
	priority := types.PriorityLow
	for i, pe := range chunk {
		entries[i] = pe.entry
		if pe.priority > priority {
			priority = pe.priority
		}
	}

	raw, _ := json.Marshal(entries)
	originalSize := len(raw)

	batch := &types.ReplicationBatch{
		BatchID:      uuid.NewString(),
		TargetDC:     t.dc,
		ShardID:      shardID,
		Entries:      entries,
		Priority:     priority,
		CreatedAt:    time.Now(),
		MaxAttempts:  5,
		OriginalSize: originalSize,
		WireSize:     originalSize,
	}

	if r.cfg.EnableCompression && originalSize >= r.cfg.CompressionThreshold {
		compressed := s2.Encode(nil, raw)
		if len(compressed) < originalSize {
			batch.Compressed = true
			batch.WireSize = len(compressed)
		}
	}

	return batch
}

func (r *Replicator) sendWithRetry(ctx context.Context, t *target, batch *types.ReplicationBatch, logger zerolog.Logger) bool {
	m := r.totalsFor(t.dc)

	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		batch.Attempts = attempt

		start := time.Now()
		ack, err := r.sender.SendBatch(ctx, t.nodes, *batch)
		latency := time.Since(start)

		if err == nil {
			r.metricsMu.Lock()
			m.batchesSent++
			m.entriesSent += int64(len(batch.Entries))
			m.bytesSent += int64(batch.WireSize)
			m.latencySamples = append(m.latencySamples, latency)
			if len(m.latencySamples) > 256 {
				m.latencySamples = m.latencySamples[len(m.latencySamples)-256:]
			}
			r.metricsMu.Unlock()

			metrics.ReplicationBatchesSent.WithLabelValues(string(t.dc)).Inc()
			metrics.ReplicationEntriesReplicated.WithLabelValues(string(t.dc)).Add(float64(len(batch.Entries)))
			metrics.ReplicationBytesTransferred.WithLabelValues(string(t.dc)).Add(float64(batch.WireSize))
			metrics.ReplicationLatency.WithLabelValues(string(t.dc)).Observe(latency.Seconds())
			if batch.OriginalSize > 0 {
				metrics.ReplicationCompressionRatio.WithLabelValues(string(t.dc)).Set(float64(batch.WireSize) / float64(batch.OriginalSize))
			}

			t.mu.Lock()
			t.snapshot.ReplicationLatency = latency
			t.snapshot.LastHealthCheck = time.Now()
			if ack > t.snapshot.LastReplicatedIndex {
				t.snapshot.LastReplicatedIndex = ack
			}
			t.mu.Unlock()

			return true
		}

		r.metricsMu.Lock()
		m.errors++
		if attempt > 1 {
			m.retries++
		}
		r.metricsMu.Unlock()
		metrics.ReplicationErrors.WithLabelValues(string(t.dc)).Inc()
		if attempt > 1 {
			metrics.ReplicationRetries.WithLabelValues(string(t.dc)).Inc()
		}

		logger.Warn().Err(err).Int("attempt", attempt).Msg("replication send failed")

		if attempt == r.cfg.MaxRetries {
			break
		}

		backoff := r.cfg.RetryBackoffBase * time.Duration(1<<uint(attempt-1))
		if backoff > r.cfg.RetryBackoffMax {
			backoff = r.cfg.RetryBackoffMax
		}
		jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-time.After(backoff/2 + jitter/2):
		case <-ctx.Done():
			return false
		}
	}

	return false
}

func (r *Replicator) performHealthCheck(t *target, logger zerolog.Logger) {
	t.mu.Lock()
	t.snapshot.LastHealthCheck = time.Now()
	t.mu.Unlock()
	logger.Debug().Msg("replication health check")
}

func (r *Replicator) totalsFor(dc types.DataCenterId) *dcMetrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	m, ok := r.totals[dc]
	if !ok {
		m = &dcMetrics{}
		r.totals[dc] = m
	}
	return m
}

func lastIndex(b types.ReplicationBatch) uint64 {
	if len(b.Entries) == 0 {
		return 0
	}
	return b.Entries[len(b.Entries)-1].Index
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
