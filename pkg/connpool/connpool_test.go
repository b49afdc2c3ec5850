package connpool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/types"
)

// pipeDialer returns a Dialer backed by net.Pipe, so tests never touch
// the network. Each dial spawns a goroutine holding the peer end open
// until the connection is closed.
func pipeDialer() Dialer {
	return func(ctx context.Context, nodeID types.NodeId, address string) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			buf := make([]byte, 1)
			for {
				if _, err := server.Read(buf); err != nil {
					return
				}
			}
		}()
		return client, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinConnections = 1
	cfg.MaxConnections = 3
	cfg.PreWarmEnabled = false
	cfg.HealthCheckInterval = time.Hour
	cfg.ScaleInterval = time.Hour
	cfg.IdleTimeout = time.Hour
	cfg.MaxLifetime = time.Hour
	cfg.GetTimeout = 200 * time.Millisecond
	cfg.WaitQueueSize = 4
	return cfg
}

func TestGetCreatesUpToMax(t *testing.T) {
	p := New(testConfig(), "shard-0", "node-1", "127.0.0.1:0", pipeDialer())

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c, err := p.Get(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}
	assert.Equal(t, int64(3), p.Stats().Total)
	assert.Equal(t, int64(3), p.Stats().Active)

	for _, c := range conns {
		c.Release()
	}
}

func TestGetBlocksAtCapacityThenSucceedsOnRelease(t *testing.T) {
	p := New(testConfig(), "shard-0", "node-1", "127.0.0.1:0", pipeDialer())

	a, err := p.Get(context.Background())
	require.NoError(t, err)
	b, err := p.Get(context.Background())
	require.NoError(t, err)
	c, err := p.Get(context.Background())
	require.NoError(t, err)

	resultCh := make(chan *Connection, 1)
	go func() {
		conn, err := p.Get(context.Background())
		if err == nil {
			resultCh <- conn
		}
	}()

	time.Sleep(20 * time.Millisecond)
	a.Release()

	select {
	case got := <-resultCh:
		require.NotNil(t, got)
		got.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after release")
	}

	b.Release()
	c.Release()
}

func TestGetTimesOutAtCapacity(t *testing.T) {
	p := New(testConfig(), "shard-0", "node-1", "127.0.0.1:0", pipeDialer())

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c, err := p.Get(context.Background())
		require.NoError(t, err)
		conns = append(conns, c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx)
	assert.Error(t, err)

	for _, c := range conns {
		c.Release()
	}
}

func TestPutDestroysUnhealthyConnection(t *testing.T) {
	p := New(testConfig(), "shard-0", "node-1", "127.0.0.1:0", pipeDialer())

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	for i := 0; i < p.cfg.MaxErrors; i++ {
		c.RecordError()
	}
	c.Release()

	assert.Equal(t, int64(0), p.Stats().Total)
}

func TestResizeClampsToBounds(t *testing.T) {
	p := New(testConfig(), "shard-0", "node-1", "127.0.0.1:0", pipeDialer())

	p.Resize(100)
	assert.Equal(t, int64(p.cfg.MaxConnections), p.Stats().Total)

	p.Resize(0)
	assert.Equal(t, int64(p.cfg.MinConnections), p.Stats().Total)
}

func TestPreWarmMarksConnections(t *testing.T) {
	cfg := testConfig()
	cfg.PreWarmEnabled = true
	cfg.PreWarmSize = 2
	cfg.PreWarmConcurrency = 2
	p := New(cfg, "shard-0", "node-1", "127.0.0.1:0", pipeDialer())
	p.Start(context.Background())
	defer p.Stop()

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Meta().PreWarmed)
	c.Release()
}

func TestManagerReusesPoolPerShardNode(t *testing.T) {
	m := NewManager(testConfig(), pipeDialer())
	defer m.Shutdown()

	p1 := m.PoolFor(context.Background(), "shard-0", "node-1", "a:1")
	p2 := m.PoolFor(context.Background(), "shard-0", "node-1", "a:1")
	assert.Same(t, p1, p2)

	p3 := m.PoolFor(context.Background(), "shard-1", "node-1", "a:1")
	assert.NotSame(t, p1, p3)
}
