// Package connpool implements a shard-aware connection pool: a set
// of per-(shard, node) connection pools with pre-warming, health
// checking, auto-scaling, and idle/lifetime eviction. The pool
// exclusively owns every Connection it hands out; callers receive a
// handle whose Release method returns it to the pool. Built on stdlib net/sync/context
// rather than a third-party pooling library, since the pool's
// lifecycle (health checks, auto-scale, idle eviction) is specific
// to shard/node topology and doesn't map onto a generic pool API.
package connpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// Dialer creates the underlying transport for a new connection.
// Production wiring supplies net.Dial; tests supply a fake that never
// touches the network.
type Dialer func(ctx context.Context, nodeID types.NodeId, address string) (net.Conn, error)

// NetDialer is the production Dialer, grounded on plain net.Dial.
func NetDialer(ctx context.Context, nodeID types.NodeId, address string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", address)
}

// Config tunes one shard pool's sizing and lifecycle policy.
type Config struct {
	MinConnections      int
	MaxConnections      int
	PreWarmEnabled      bool
	PreWarmSize         int
	PreWarmConcurrency  int
	MaxErrors           int
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	ScaleInterval       time.Duration
	ScaleUpThreshold    float64
	ScaleDownThreshold  float64
	ScaleUpStep         int
	ScaleDownStep       int
	WaitQueueSize       int
	GetTimeout          time.Duration
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MinConnections:      2,
		MaxConnections:      32,
		PreWarmEnabled:      true,
		PreWarmSize:         4,
		PreWarmConcurrency:  2,
		MaxErrors:           3,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		HealthCheckInterval: 15 * time.Second,
		ScaleInterval:       10 * time.Second,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.2,
		ScaleUpStep:         4,
		ScaleDownStep:       2,
		WaitQueueSize:       128,
		GetTimeout:          5 * time.Second,
	}
}

// Connection is one pooled transport handle. It owns the underlying
// net.Conn; ownership returns to the pool on Put.
type Connection struct {
	meta types.ConnectionMeta
	conn net.Conn
	pool *Pool

	mu sync.Mutex
}

// Meta returns a copy of the connection's pool-visible metadata.
func (c *Connection) Meta() types.ConnectionMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

// Conn returns the underlying transport handle for use by a caller.
func (c *Connection) Conn() net.Conn { return c.conn }

// RecordError marks the connection as having failed an operation.
func (c *Connection) RecordError() {
	c.mu.Lock()
	c.meta.ErrorCount++
	c.mu.Unlock()
}

func (c *Connection) unhealthy(maxErrors int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.State == types.ConnError || c.meta.ErrorCount >= maxErrors
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.meta.LastUsedAt = time.Now()
	c.meta.UsageCount++
	c.mu.Unlock()
}

func (c *Connection) setState(s types.ConnState) {
	c.mu.Lock()
	c.meta.State = s
	c.mu.Unlock()
}

// Release returns the connection to the pool it came from. Safe to
// call once per Get; a connection that is never released keeps its
// slot, since idle/lifetime eviction only scans idle connections.
func (c *Connection) Release() {
	if c.pool != nil {
		c.pool.put(c)
	}
}

func (c *Connection) destroy() {
	c.setState(types.ConnClosed)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

type waiter struct {
	ch chan *Connection
}

// Pool manages every connection for one (shard, node) pair.
type Pool struct {
	cfg     Config
	shardID types.ShardId
	nodeID  types.NodeId
	address string
	dial    Dialer

	mu          sync.Mutex
	idle        []*Connection
	waitQueue   []*waiter
	activeCount int64
	totalCount  int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Pool for one (shard, node) pair. Start must be called
// to begin pre-warming and background maintenance.
func New(cfg Config, shardID types.ShardId, nodeID types.NodeId, address string, dial Dialer) *Pool {
	if dial == nil {
		dial = NetDialer
	}
	return &Pool{
		cfg:     cfg,
		shardID: shardID,
		nodeID:  nodeID,
		address: address,
		dial:    dial,
		stopCh:  make(chan struct{}),
	}
}

// Start pre-warms the pool (if enabled) and launches the health
// check, auto-scale, and cleanup background loops.
func (p *Pool) Start(ctx context.Context) {
	if p.cfg.PreWarmEnabled && p.cfg.PreWarmSize > 0 {
		p.preWarm(ctx)
	}

	p.wg.Add(3)
	go p.healthCheckLoop()
	go p.autoScaleLoop()
	go p.cleanupLoop()
}

// Stop terminates background loops. In-flight connections are left
// for the caller to Release; Shutdown additionally destroys idle
// connections.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Shutdown stops background loops and destroys every idle connection.
func (p *Pool) Shutdown() {
	p.Stop()
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, c := range idle {
		c.destroy()
		atomic.AddInt64(&p.totalCount, -1)
	}
}

func (p *Pool) preWarm(ctx context.Context) {
	logger := log.WithComponent("connpool").With().Str("shard", string(p.shardID)).Str("node", string(p.nodeID)).Logger()
	sem := make(chan struct{}, maxInt(1, p.cfg.PreWarmConcurrency))
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.PreWarmSize; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			conn, err := p.createConnection(ctx, true)
			if err != nil {
				logger.Warn().Err(err).Msg("pre-warm connection failed")
				return
			}
			p.mu.Lock()
			p.idle = append(p.idle, conn)
			p.mu.Unlock()
		}()
	}
	wg.Wait()
	p.reportGauges()
}

func (p *Pool) createConnection(ctx context.Context, preWarmed bool) (*Connection, error) {
	conn, err := p.dial(ctx, p.nodeID, p.address)
	if err != nil {
		return nil, fmt.Errorf("connpool: dial %s: %w", p.address, err)
	}
	now := time.Now()
	c := &Connection{
		pool: p,
		conn: conn,
		meta: types.ConnectionMeta{
			ID:         fmt.Sprintf("%s-%s-%d", p.shardID, p.nodeID, now.UnixNano()),
			NodeID:     p.nodeID,
			ShardID:    p.shardID,
			Address:    p.address,
			State:      types.ConnIdle,
			CreatedAt:  now,
			LastUsedAt: now,
			PreWarmed:  preWarmed,
		},
	}
	atomic.AddInt64(&p.totalCount, 1)
	return c, nil
}

// Get returns a healthy connection, creating one if under capacity,
// or blocking on the wait queue until a Put or ctx expiry. It never
// returns a connection already known to be unhealthy.
func (p *Pool) Get(ctx context.Context) (*Connection, error) {
	for {
		p.mu.Lock()
		for len(p.idle) > 0 {
			c := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if c.unhealthy(p.cfg.MaxErrors) {
				p.mu.Unlock()
				c.destroy()
				atomic.AddInt64(&p.totalCount, -1)
				p.mu.Lock()
				continue
			}
			atomic.AddInt64(&p.activeCount, 1)
			c.setState(types.ConnActive)
			c.touch()
			p.mu.Unlock()
			p.reportGauges()
			return c, nil
		}

		if int(atomic.LoadInt64(&p.totalCount)) < p.cfg.MaxConnections {
			p.mu.Unlock()
			c, err := p.createConnection(ctx, false)
			if err != nil {
				return nil, err
			}
			atomic.AddInt64(&p.activeCount, 1)
			c.setState(types.ConnActive)
			c.touch()
			p.reportGauges()
			return c, nil
		}

		if len(p.waitQueue) >= p.cfg.WaitQueueSize {
			p.mu.Unlock()
			return nil, fmt.Errorf("connpool: wait queue full for shard %s node %s", p.shardID, p.nodeID)
		}

		w := &waiter{ch: make(chan *Connection, 1)}
		p.waitQueue = append(p.waitQueue, w)
		p.mu.Unlock()
		p.reportGauges()

		deadline := ctx
		var cancel context.CancelFunc
		if p.cfg.GetTimeout > 0 {
			if _, ok := ctx.Deadline(); !ok {
				deadline, cancel = context.WithTimeout(ctx, p.cfg.GetTimeout)
				defer cancel()
			}
		}

		select {
		case c, ok := <-w.ch:
			if !ok || c == nil {
				continue
			}
			return c, nil
		case <-deadline.Done():
			p.removeWaiter(w)
			return nil, fmt.Errorf("connpool: get timed out waiting for shard %s node %s: %w", p.shardID, p.nodeID, deadline.Err())
		}
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waitQueue {
		if w == target {
			p.waitQueue = append(p.waitQueue[:i], p.waitQueue[i+1:]...)
			return
		}
	}
}

// put is the internal Release implementation: an unhealthy connection
// is destroyed; otherwise it is handed to the next waiter or returned
// to the idle queue.
func (p *Pool) put(c *Connection) {
	atomic.AddInt64(&p.activeCount, -1)

	if c.unhealthy(p.cfg.MaxErrors) {
		c.destroy()
		atomic.AddInt64(&p.totalCount, -1)
		p.reportGauges()
		return
	}

	c.setState(types.ConnIdle)

	p.mu.Lock()
	if len(p.waitQueue) > 0 {
		w := p.waitQueue[0]
		p.waitQueue = p.waitQueue[1:]
		p.mu.Unlock()
		atomic.AddInt64(&p.activeCount, 1)
		c.setState(types.ConnActive)
		w.ch <- c
		p.reportGauges()
		return
	}
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.reportGauges()
}

func (p *Pool) reportGauges() {
	metrics.PoolActiveConnections.WithLabelValues(string(p.shardID)).Set(float64(atomic.LoadInt64(&p.activeCount)))
	metrics.PoolTotalConnections.WithLabelValues(string(p.shardID)).Set(float64(atomic.LoadInt64(&p.totalCount)))
	p.mu.Lock()
	depth := len(p.waitQueue)
	p.mu.Unlock()
	metrics.PoolWaitQueueDepth.WithLabelValues(string(p.shardID)).Set(float64(depth))
}

func (p *Pool) healthCheckLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	logger := log.WithComponent("connpool")
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			var keep []*Connection
			var dead []*Connection
			for _, c := range p.idle {
				if c.unhealthy(p.cfg.MaxErrors) || !pingOK(c) {
					dead = append(dead, c)
				} else {
					keep = append(keep, c)
				}
			}
			p.idle = keep
			p.mu.Unlock()
			for _, c := range dead {
				c.destroy()
				atomic.AddInt64(&p.totalCount, -1)
			}
			if len(dead) > 0 {
				logger.Debug().Int("destroyed", len(dead)).Str("shard", string(p.shardID)).Msg("connpool health check evicted connections")
			}
			p.reportGauges()
		}
	}
}

// pingOK is a best-effort liveness probe: a zero-length write on a TCP
// connection fails fast if the peer has gone away.
func pingOK(c *Connection) bool {
	if c.conn == nil {
		return false
	}
	if tc, ok := c.conn.(*net.TCPConn); ok {
		_ = tc.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := tc.Write(nil)
		_ = tc.SetWriteDeadline(time.Time{})
		return err == nil
	}
	return true
}

func (p *Pool) autoScaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.autoScaleOnce()
		}
	}
}

func (p *Pool) autoScaleOnce() {
	total := atomic.LoadInt64(&p.totalCount)
	active := atomic.LoadInt64(&p.activeCount)
	if total == 0 {
		return
	}
	usage := float64(active) / float64(total)

	if usage > p.cfg.ScaleUpThreshold && int(total) < p.cfg.MaxConnections {
		grow := p.cfg.ScaleUpStep
		if int(total)+grow > p.cfg.MaxConnections {
			grow = p.cfg.MaxConnections - int(total)
		}
		p.growBy(grow)
		return
	}

	if usage < p.cfg.ScaleDownThreshold && int(total) > p.cfg.MinConnections {
		shrink := p.cfg.ScaleDownStep
		if int(total)-shrink < p.cfg.MinConnections {
			shrink = int(total) - p.cfg.MinConnections
		}
		p.shrinkBy(shrink)
	}
}

func (p *Pool) growBy(n int) {
	for i := 0; i < n; i++ {
		conn, err := p.createConnection(context.Background(), false)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	p.reportGauges()
}

// shrinkBy drops up to n oldest-idle connections.
func (p *Pool) shrinkBy(n int) {
	p.mu.Lock()
	sortByCreatedAsc(p.idle)
	drop := n
	if drop > len(p.idle) {
		drop = len(p.idle)
	}
	victims := p.idle[:drop]
	p.idle = p.idle[drop:]
	p.mu.Unlock()

	for _, c := range victims {
		c.destroy()
		atomic.AddInt64(&p.totalCount, -1)
	}
	p.reportGauges()
}

// Resize clamps an explicit target size into [min, max] and grows or
// shrinks the idle pool to reach it.
func (p *Pool) Resize(n int) {
	if n < p.cfg.MinConnections {
		n = p.cfg.MinConnections
	}
	if n > p.cfg.MaxConnections {
		n = p.cfg.MaxConnections
	}
	total := int(atomic.LoadInt64(&p.totalCount))
	if n > total {
		p.growBy(n - total)
	} else if n < total {
		p.shrinkBy(total - n)
	}
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupOnce()
		}
	}
}

func (p *Pool) cleanupOnce() {
	now := time.Now()
	p.mu.Lock()
	var keep, evict []*Connection
	for _, c := range p.idle {
		meta := c.Meta()
		expired := now.Sub(meta.LastUsedAt) > p.cfg.IdleTimeout || now.Sub(meta.CreatedAt) > p.cfg.MaxLifetime
		if expired && int(atomic.LoadInt64(&p.totalCount))-len(evict) > p.cfg.MinConnections {
			evict = append(evict, c)
		} else {
			keep = append(keep, c)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, c := range evict {
		c.destroy()
		atomic.AddInt64(&p.totalCount, -1)
	}
	if len(evict) > 0 {
		p.reportGauges()
	}
}

// Stats reports a point-in-time view of pool occupancy.
type Stats struct {
	Active int64
	Total  int64
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	waiting := len(p.waitQueue)
	p.mu.Unlock()
	return Stats{
		Active:  atomic.LoadInt64(&p.activeCount),
		Total:   atomic.LoadInt64(&p.totalCount),
		Waiting: waiting,
	}
}

func sortByCreatedAsc(conns []*Connection) {
	for i := 1; i < len(conns); i++ {
		j := i
		for j > 0 && conns[j-1].Meta().CreatedAt.After(conns[j].Meta().CreatedAt) {
			conns[j-1], conns[j] = conns[j], conns[j-1]
			j--
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Manager groups Pools by (shard_id, node_id), lazily creating one
// per address the caller resolves through the router/topology cache.
type Manager struct {
	cfg  Config
	dial Dialer

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates a Manager that lazily builds one Pool per
// (shard, node) pair it is asked for.
func NewManager(cfg Config, dial Dialer) *Manager {
	return &Manager{cfg: cfg, dial: dial, pools: make(map[string]*Pool)}
}

func poolKey(shardID types.ShardId, nodeID types.NodeId) string {
	return string(shardID) + "|" + string(nodeID)
}

// PoolFor returns (creating and starting if necessary) the pool for
// the given shard/node/address.
func (m *Manager) PoolFor(ctx context.Context, shardID types.ShardId, nodeID types.NodeId, address string) *Pool {
	key := poolKey(shardID, nodeID)

	m.mu.Lock()
	p, ok := m.pools[key]
	if !ok {
		p = New(m.cfg, shardID, nodeID, address, m.dial)
		m.pools[key] = p
	}
	m.mu.Unlock()

	if !ok {
		p.Start(ctx)
	}
	return p
}

// Get is a convenience wrapper: resolve the pool for (shard, node)
// and acquire a connection from it.
func (m *Manager) Get(ctx context.Context, shardID types.ShardId, nodeID types.NodeId, address string) (*Connection, error) {
	return m.PoolFor(ctx, shardID, nodeID, address).Get(ctx)
}

// Shutdown stops every managed pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Shutdown()
	}
}
