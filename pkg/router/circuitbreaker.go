package router

import (
	"errors"
	"sync"
	"time"

	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// BreakerState is a per-node Closed/Open/HalfOpen circuit breaker
// using sliding failure counts and expiry-driven transitions.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	ErrBreakerOpen     = errors.New("circuit breaker open")
	ErrTooManyHalfOpen = errors.New("too many requests while half-open")
)

// BreakerConfig tunes trip/recovery behavior. Closed->Open trips on a
// sliding window of the last WindowSize outcomes: once the window
// holds at least MinRequestThreshold requests and its failure rate is
// at or above FailureRateThreshold, the breaker opens. HalfOpen->Closed
// requires a streak of RecoveryThreshold consecutive successes; any
// failure while half-open reopens it.
type BreakerConfig struct {
	WindowSize           int           // outcomes tracked for the trip decision
	MinRequestThreshold  int           // min requests in window before tripping
	FailureRateThreshold float64       // failure fraction of the window that trips the breaker
	RecoveryThreshold    int           // consecutive half-open successes required to close
	HalfOpenMax          int           // requests allowed through while half-open
	OpenTimeout          time.Duration // how long to stay open before probing
}

// DefaultBreakerConfig returns reasonable defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:           10,
		MinRequestThreshold:  5,
		FailureRateThreshold: 0.5,
		RecoveryThreshold:    3,
		HalfOpenMax:          1,
		OpenTimeout:          30 * time.Second,
	}
}

type breaker struct {
	mu                   sync.Mutex
	state                BreakerState
	window               []bool // ring buffer of outcomes; true = success
	windowPos            int
	windowLen            int
	halfOpenSuccessCount int
	halfOpenInFlight     int
	openedAt             time.Time
}

// recordOutcome appends success into the sliding window, overwriting
// the oldest entry once the window is full.
func (b *breaker) recordOutcome(cfg BreakerConfig, success bool) {
	size := cfg.WindowSize
	if size <= 0 {
		size = 1
	}
	if len(b.window) != size {
		b.window = make([]bool, size)
		b.windowPos = 0
		b.windowLen = 0
	}
	b.window[b.windowPos] = success
	b.windowPos = (b.windowPos + 1) % size
	if b.windowLen < size {
		b.windowLen++
	}
}

// resetWindow discards the sliding window, used whenever the breaker
// leaves Closed so the next Closed period starts with a clean slate.
func (b *breaker) resetWindow() {
	b.window = nil
	b.windowPos = 0
	b.windowLen = 0
}

// shouldTrip reports whether the current window satisfies the
// sliding-window failure-rate trip condition.
func (b *breaker) shouldTrip(cfg BreakerConfig) bool {
	if b.windowLen < cfg.MinRequestThreshold {
		return false
	}
	failures := 0
	for i := 0; i < b.windowLen; i++ {
		if !b.window[i] {
			failures++
		}
	}
	failureRate := float64(failures) / float64(b.windowLen)
	return failureRate >= cfg.FailureRateThreshold
}

// BreakerSet manages one circuit breaker per node.
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.RWMutex
	breakers map[types.NodeId]*breaker
}

// NewBreakerSet creates a BreakerSet.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[types.NodeId]*breaker)}
}

func (bs *BreakerSet) get(node types.NodeId) *breaker {
	bs.mu.RLock()
	b, ok := bs.breakers[node]
	bs.mu.RUnlock()
	if ok {
		return b
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if b, ok = bs.breakers[node]; ok {
		return b
	}
	b = &breaker{state: BreakerClosed}
	bs.breakers[node] = b
	return b
}

// Allow reports whether a request to node may proceed, transitioning
// Open->HalfOpen once OpenTimeout has elapsed.
func (bs *BreakerSet) Allow(node types.NodeId) error {
	b := bs.get(node)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= bs.cfg.OpenTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenInFlight = 0
		} else {
			return ErrBreakerOpen
		}
	}

	if b.state == BreakerHalfOpen {
		if b.halfOpenInFlight >= bs.cfg.HalfOpenMax {
			return ErrTooManyHalfOpen
		}
		b.halfOpenInFlight++
	}

	bs.setMetric(node, b.state)
	return nil
}

// RecordResult reports the outcome of a request permitted by Allow.
func (bs *BreakerSet) RecordResult(node types.NodeId, err error) {
	b := bs.get(node)
	b.mu.Lock()
	defer b.mu.Unlock()

	success := err == nil

	switch b.state {
	case BreakerHalfOpen:
		if success {
			if b.halfOpenInFlight > 0 {
				b.halfOpenInFlight--
			}
			b.halfOpenSuccessCount++
			if b.halfOpenSuccessCount >= bs.cfg.RecoveryThreshold {
				b.state = BreakerClosed
				b.halfOpenInFlight = 0
				b.halfOpenSuccessCount = 0
				b.resetWindow()
			}
		} else {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.halfOpenInFlight = 0
			b.halfOpenSuccessCount = 0
			b.resetWindow()
		}
	case BreakerClosed:
		b.recordOutcome(bs.cfg, success)
		if b.shouldTrip(bs.cfg) {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
	bs.setMetric(node, b.state)
}

func (bs *BreakerSet) setMetric(node types.NodeId, state BreakerState) {
	metrics.CircuitBreakerState.WithLabelValues(string(node)).Set(float64(state))
}

// State returns a node's current breaker state.
func (bs *BreakerSet) State(node types.NodeId) BreakerState {
	b := bs.get(node)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
