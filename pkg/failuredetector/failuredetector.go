// Package failuredetector implements the DC Failure Detector: a
// per-DC Healthy -> Suspect -> Failed -> Recovering -> Healthy state
// machine driven by heartbeat timestamps, replication-lag signals,
// and TCP/HTTP probes. Failures require multiple corroborating
// signals (min_confirmations) before a DC is marked Failed, with a
// Suspect state in between to absorb transient blips.
package failuredetector

import (
	"context"
	"sync"
	"time"

	"github.com/concordkv/raftserver/pkg/health"
	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// State is a DC's position in the failure-detection state machine.
type State string

const (
	StateHealthy    State = "healthy"
	StateSuspect    State = "suspect"
	StateFailed     State = "failed"
	StateRecovering State = "recovering"
)

// Config tunes transition thresholds.
type Config struct {
	HeartbeatInterval   time.Duration
	SuspectFactor       float64 // Healthy->Suspect when silence exceeds HeartbeatInterval*SuspectFactor
	MinConfirmations    int
	ConfirmationWindow  time.Duration
	RecoveryStreak      int
	ProbeInterval       time.Duration
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  time.Second,
		SuspectFactor:      3,
		MinConfirmations:   3,
		ConfirmationWindow: 10 * time.Second,
		RecoveryStreak:     3,
		ProbeInterval:       5 * time.Second,
	}
}

// signal is one independent observation contributing to a
// confirmation count (heartbeat, replicator health, or probe).
type signal struct {
	source string
	at     time.Time
	kind   types.FailureType
}

// record is the per-DC state; the detector holds one lock per DC
// record, per the concurrency model.
type record struct {
	mu sync.Mutex

	dc    types.DataCenterId
	state State

	lastHeartbeat time.Time
	signals       []signal // pruned to ConfirmationWindow
	recoveryOK    int

	failure *types.FailureRecord
}

// Checkers maps each DC to the health.Checker used to probe it
// (TCP-connect style, per pkg/health).
type Checkers map[types.DataCenterId]health.Checker

// Detector tracks per-DC health and emits transition events.
type Detector struct {
	cfg      Config
	checkers Checkers

	mu      sync.RWMutex
	records map[types.DataCenterId]*record

	events chan types.FailureRecord
	stopCh chan struct{}
}

// New creates a Detector for the given set of remote DCs.
func New(cfg Config, checkers Checkers) *Detector {
	d := &Detector{
		cfg:      cfg,
		checkers: checkers,
		records:  make(map[types.DataCenterId]*record),
		events:   make(chan types.FailureRecord, 64),
		stopCh:   make(chan struct{}),
	}
	for dc := range checkers {
		d.records[dc] = &record{dc: dc, state: StateHealthy}
	}
	return d
}

// Events returns the channel of state-transition events.
func (d *Detector) Events() <-chan types.FailureRecord {
	return d.events
}

// RecordHeartbeat is fed by the DC Raft Extension whenever a
// heartbeat from dc is observed.
func (d *Detector) RecordHeartbeat(dc types.DataCenterId) {
	r := d.recordFor(dc)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.lastHeartbeat = time.Now()
	r.mu.Unlock()
}

// RecordReplicationHealth is fed by the replicator whenever a
// target's health flag changes.
func (d *Detector) RecordReplicationHealth(dc types.DataCenterId, healthy bool) {
	if healthy {
		return
	}
	d.addSignal(dc, signal{source: "replication_lag", at: time.Now(), kind: types.FailureResourceExhausted})
}

// Start launches two background loops, the periodic health-check loop
// and the heartbeat-timeout analysis loop; each covers every
// registered DC.
func (d *Detector) Start(ctx context.Context) {
	go d.healthCheckLoop(ctx)
	go d.failureAnalysisLoop(ctx)
}

// Stop terminates background loops.
func (d *Detector) Stop() {
	close(d.stopCh)
}

func (d *Detector) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.performHealthChecks(ctx)
		}
	}
}

func (d *Detector) performHealthChecks(ctx context.Context) {
	d.mu.RLock()
	checkers := make(map[types.DataCenterId]health.Checker, len(d.checkers))
	for dc, c := range d.checkers {
		checkers[dc] = c
	}
	d.mu.RUnlock()

	for dc, checker := range checkers {
		result := checker.Check(ctx)
		if result.Healthy {
			d.RecordProbeSuccess(dc)
			continue
		}
		kind := classify(result)
		d.addSignal(dc, signal{source: "probe", at: time.Now(), kind: kind})
	}
}

func (d *Detector) failureAnalysisLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.checkHeartbeatTimeouts()
		}
	}
}

func (d *Detector) checkHeartbeatTimeouts() {
	d.mu.RLock()
	records := make([]*record, 0, len(d.records))
	for _, r := range d.records {
		records = append(records, r)
	}
	d.mu.RUnlock()

	timeout := time.Duration(float64(d.cfg.HeartbeatInterval) * d.cfg.SuspectFactor)

	for _, r := range records {
		r.mu.Lock()
		silentFor := time.Since(r.lastHeartbeat)
		needsSignal := !r.lastHeartbeat.IsZero() && silentFor > timeout
		r.mu.Unlock()

		if needsSignal {
			d.addSignal(r.dc, signal{source: "heartbeat", at: time.Now(), kind: types.FailureTimeout})
		} else {
			d.maybeRecover(r)
		}
	}
}

// addSignal records one independent failure signal and re-evaluates
// the DC's state machine.
func (d *Detector) addSignal(dc types.DataCenterId, s signal) {
	r := d.recordFor(dc)
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-d.cfg.ConfirmationWindow)
	kept := r.signals[:0]
	for _, existing := range r.signals {
		if existing.at.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	r.signals = append(kept, s)

	d.evaluate(r)
}

// maybeRecover drops signals older than ConfirmationWindow and
// re-evaluates, so a Suspect DC whose signals have all expired
// returns to Healthy when no new failure signals have arrived.
func (d *Detector) maybeRecover(r *record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-d.cfg.ConfirmationWindow)
	kept := r.signals[:0]
	for _, existing := range r.signals {
		if existing.at.After(cutoff) {
			kept = append(kept, existing)
		}
	}
	r.signals = kept

	d.evaluate(r)
}

// evaluate applies the state machine transitions. Caller holds r.mu.
func (d *Detector) evaluate(r *record) {
	switch r.state {
	case StateHealthy:
		if len(r.signals) > 0 {
			d.transition(r, StateSuspect)
		}
	case StateSuspect:
		if len(r.signals) >= d.cfg.MinConfirmations {
			d.transition(r, StateFailed)
		} else if len(r.signals) == 0 {
			d.transition(r, StateHealthy)
		}
	case StateFailed:
		// Failed->Recovering happens externally, on first successful
		// probe (see RecordProbeSuccess), not from this loop.
	case StateRecovering:
		if len(r.signals) > 0 {
			d.transition(r, StateFailed)
			r.recoveryOK = 0
		}
	}
}

// RecordProbeSuccess marks a successful probe, which is what moves a
// Failed DC into Recovering and eventually back to Healthy.
func (d *Detector) RecordProbeSuccess(dc types.DataCenterId) {
	r := d.recordFor(dc)
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateFailed:
		d.transition(r, StateRecovering)
		r.recoveryOK = 1
	case StateRecovering:
		r.recoveryOK++
		if r.recoveryOK >= d.cfg.RecoveryStreak {
			r.signals = nil
			d.transition(r, StateHealthy)
		}
	}
}

func (d *Detector) transition(r *record, to State) {
	from := r.state
	if from == to {
		return
	}
	r.state = to

	now := time.Now()
	var event *types.FailureRecord
	switch to {
	case StateFailed:
		kind := types.FailureTimeout
		if len(r.signals) > 0 {
			kind = r.signals[len(r.signals)-1].kind
		}
		r.failure = &types.FailureRecord{
			DCID:              r.dc,
			DetectionTime:     now,
			FailureType:       kind,
			Severity:          1,
			ConfirmationCount: len(r.signals),
			Confirmed:         true,
			Phase:             string(StateFailed),
		}
		event = r.failure
	case StateRecovering:
		if r.failure != nil {
			rec := *r.failure
			rec.Phase = string(StateRecovering)
			event = &rec
		}
	case StateHealthy:
		r.failure = nil
	}

	metrics.DCHealthy.WithLabelValues(string(r.dc)).Set(boolToFloat(to == StateHealthy || to == StateSuspect))
	metrics.DCFailureEventsTotal.WithLabelValues(string(r.dc), string(to)).Inc()

	log.WithDCID(string(r.dc)).Info().Str("from", string(from)).Str("to", string(to)).Msg("dc failure detector transition")

	if event != nil {
		select {
		case d.events <- *event:
		default:
			log.WithComponent("failuredetector").Warn().Str("dc", string(r.dc)).Msg("event channel full, dropping transition event")
		}
	}
}

// IsHealthy reports whether dc is currently Healthy or Suspect (i.e.
// not yet confirmed Failed).
func (d *Detector) IsHealthy(dc types.DataCenterId) bool {
	r := d.recordFor(dc)
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateHealthy || r.state == StateSuspect
}

// GetCurrentFailures returns the failure record of every DC that is
// Failed or Recovering; a DC's record is cleared when it returns to
// Healthy.
func (d *Detector) GetCurrentFailures() []types.FailureRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []types.FailureRecord
	for _, r := range d.records {
		r.mu.Lock()
		if r.failure != nil {
			out = append(out, *r.failure)
		}
		r.mu.Unlock()
	}
	return out
}

func (d *Detector) recordFor(dc types.DataCenterId) *record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.records[dc]
}

// classify correlates a probe result into one of the FailureType
// classifications the spec requires.
func classify(result health.Result) types.FailureType {
	switch {
	case result.Duration > 0 && result.Duration < 50*time.Millisecond:
		return types.FailureProcessDown
	case result.Duration >= 500*time.Millisecond:
		return types.FailureResourceExhausted
	default:
		return types.FailureNetworkPartition
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
