// Package topologycache implements the client-side Topology Cache:
// an LRU+TTL cache of shard placements, kept fresh by subscribing to
// Topology Service events and tolerant of out-of-order delivery via
// a monotonic version check. Eviction uses
// github.com/hashicorp/golang-lru/v2.
package topologycache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/types"
)

// Config tunes cache sizing and freshness.
type Config struct {
	Size int
	TTL  time.Duration
	// VersionTolerance bounds how far behind the cache's last-known
	// global topology version a cached entry's own version may fall
	// before it is purged on access: global_version - entry.version
	// > VersionTolerance evicts the entry instead of returning it.
	VersionTolerance int64
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{Size: 10000, TTL: 30 * time.Second, VersionTolerance: 3}
}

type entry struct {
	shard     types.ShardInfo
	version   int64
	cachedAt  time.Time
}

// Cache is a shard-placement cache keyed by shard ID, with a
// secondary key->shard_id mapping for routing by an arbitrary request
// key instead of a known shard ID.
type Cache struct {
	cfg Config

	mu        sync.RWMutex
	byShard   *lru.Cache[types.ShardId, entry]
	keyToShard map[string]types.ShardId
	version    int64
}

// New creates a Cache.
func New(cfg Config) (*Cache, error) {
	c, err := lru.New[types.ShardId, entry](cfg.Size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:        cfg,
		byShard:    c,
		keyToShard: make(map[string]types.ShardId),
	}, nil
}

// Get returns the cached shard placement, if present and not stale.
// An entry is purged on access, rather than returned, once its age
// exceeds the TTL or the cache's global version has advanced beyond
// VersionTolerance past the entry's own version.
func (c *Cache) Get(shardID types.ShardId) (types.ShardInfo, bool) {
	c.mu.RLock()
	ttl := c.cfg.TTL
	tolerance := c.cfg.VersionTolerance
	globalVersion := c.version
	c.mu.RUnlock()

	e, ok := c.byShard.Get(shardID)
	if !ok {
		metrics.CacheMisses.Inc()
		return types.ShardInfo{}, false
	}
	if time.Since(e.cachedAt) > ttl {
		c.byShard.Remove(shardID)
		metrics.CacheEvictions.WithLabelValues("ttl").Inc()
		metrics.CacheMisses.Inc()
		return types.ShardInfo{}, false
	}
	if globalVersion-e.version > tolerance {
		c.byShard.Remove(shardID)
		metrics.CacheEvictions.WithLabelValues("version_tolerance").Inc()
		metrics.CacheMisses.Inc()
		return types.ShardInfo{}, false
	}
	metrics.CacheHits.Inc()
	return e.shard, true
}

// GetByKey resolves an application key to a shard placement through
// the key->shard_id mapping set by SetKeyMapping.
func (c *Cache) GetByKey(key string) (types.ShardInfo, bool) {
	c.mu.RLock()
	shardID, ok := c.keyToShard[key]
	c.mu.RUnlock()
	if !ok {
		metrics.CacheMisses.Inc()
		return types.ShardInfo{}, false
	}
	return c.Get(shardID)
}

// Set inserts or refreshes a shard placement, subject to the
// version-tolerance rule: an update with an older version than what's
// cached is ignored.
func (c *Cache) Set(shard types.ShardInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byShard.Peek(shard.ID); ok && existing.version > shard.Version {
		return
	}
	c.byShard.Add(shard.ID, entry{shard: shard, version: shard.Version, cachedAt: time.Now()})
}

// SetKeyMapping records that key routes to shardID.
func (c *Cache) SetKeyMapping(key string, shardID types.ShardId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyToShard[key] = shardID
}

// UpdateVersion records the cache's view of the topology's global
// version, used to detect staleness against fresh subscriber events.
func (c *Cache) UpdateVersion(version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
}

// Invalidate drops a single shard's cached entry.
func (c *Cache) Invalidate(shardID types.ShardId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byShard.Remove(shardID)
	metrics.CacheEvictions.WithLabelValues("invalidate").Inc()
}

// InvalidateAll drops every cached entry; RunRefresher calls it when a
// config-changed event arrives. A gap between event versions does not
// trigger it.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byShard.Purge()
	metrics.CacheEvictions.WithLabelValues("full_invalidate").Inc()
}

// Stats reports current cache occupancy.
type Stats struct {
	Entries int
	Version int64
}

// Stats returns current cache occupancy and version.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: c.byShard.Len(), Version: c.version}
}

// Subscription is the subset of topology.Subscriber the refresher
// consumes; declared locally so this package does not import
// pkg/topology (avoids a client<->server package cycle).
type Subscription <-chan types.TopologyEvent

// RunRefresher consumes topology events and keeps the cache
// synchronized, dropping any event whose version is not newer than
// what's already been applied (out-of-order delivery tolerance).
func (c *Cache) RunRefresher(events Subscription) {
	go func() {
		logger := log.WithComponent("topologycache")
		for ev := range events {
			c.mu.Lock()
			stale := ev.Version <= c.version
			c.mu.Unlock()
			if stale {
				continue
			}
			c.UpdateVersion(ev.Version)

			switch ev.Type {
			case types.EventShardAdded, types.EventShardUpdated:
				if ev.Shard != nil {
					c.Set(*ev.Shard)
				}
			case types.EventShardRemoved:
				c.Invalidate(ev.ShardID)
			case types.EventConfigChanged:
				c.InvalidateAll()
			default:
				logger.Debug().Str("type", string(ev.Type)).Msg("topology event ignored by cache")
			}
		}
	}()
}
