// Package config loads the YAML cluster-bootstrap file a ConcordKV
// node starts from: this node's identity, the DC roster, and the
// initial shard map.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/concordkv/raftserver/pkg/types"
)

// NodeConfig is this process's own identity and listen addresses.
type NodeConfig struct {
	ID        string `yaml:"id"`
	DC        string `yaml:"dc"`
	BindAddr  string `yaml:"bind_addr"`
	APIAddr   string `yaml:"api_addr"`
	DataDir   string `yaml:"data_dir"`
	Bootstrap bool   `yaml:"bootstrap"`
	JoinAddr  string `yaml:"join_addr"`
}

// DataCenterConfig mirrors types.DataCenter in YAML form.
type DataCenterConfig struct {
	ID                    string `yaml:"id"`
	Region                string `yaml:"region"`
	IsPrimary             bool   `yaml:"is_primary"`
	MaxAsyncBatchSize     int    `yaml:"max_async_batch_size"`
	AsyncReplicationDelay string `yaml:"async_replication_delay"`
	EnableCompression     bool   `yaml:"enable_compression"`
}

// ServerConfig is one cluster member in the seed roster.
type ServerConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	DC      string `yaml:"dc"`
	Role    string `yaml:"role"`
}

// ShardConfig seeds one shard's initial placement.
type ShardConfig struct {
	ID         string   `yaml:"id"`
	StartHash  uint64   `yaml:"start_hash"`
	EndHash    uint64   `yaml:"end_hash"`
	Primary    string   `yaml:"primary"`
	Replicas   []string `yaml:"replicas"`
}

// ReplicationConfig tunes the cross-DC async replicator.
type ReplicationConfig struct {
	FlushInterval        string `yaml:"flush_interval"`
	CompressionThreshold int    `yaml:"compression_threshold"`
	MaxRetries           int    `yaml:"max_retries"`
}

// FailoverConfig tunes the failover coordinator.
type FailoverConfig struct {
	MinScoreForFailover       float64 `yaml:"min_score_for_failover"`
	AutoFailoverEnabled       bool    `yaml:"auto_failover_enabled"`
	ManualConfirmationRequired bool  `yaml:"manual_confirmation_required"`
}

// Config is the full cluster-bootstrap document a ConcordKV node
// loads at startup.
type Config struct {
	Node        NodeConfig         `yaml:"node"`
	DataCenters []DataCenterConfig `yaml:"datacenters"`
	Servers     []ServerConfig     `yaml:"servers"`
	Shards      []ShardConfig      `yaml:"shards"`
	Replication ReplicationConfig  `yaml:"replication"`
	Failover    FailoverConfig     `yaml:"failover"`
	LogLevel    string             `yaml:"log_level"`
	LogJSON     bool               `yaml:"log_json"`
}

// Load reads and parses a cluster-bootstrap YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate refuses to start on a configuration-class error: bad
// address, duplicate node id, or a DC roster without exactly one
// primary.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("config: node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("config: node.data_dir is required")
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" || s.Address == "" {
			return fmt.Errorf("config: server entries require id and address")
		}
		if seen[s.ID] {
			return fmt.Errorf("config: duplicate node id %q in servers", s.ID)
		}
		seen[s.ID] = true
	}

	primaries := 0
	for _, dc := range c.DataCenters {
		if dc.ID == "" {
			return fmt.Errorf("config: datacenter entries require id")
		}
		if dc.IsPrimary {
			primaries++
		}
	}
	if len(c.DataCenters) > 0 && primaries != 1 {
		return fmt.Errorf("config: exactly one datacenter must be marked is_primary, found %d", primaries)
	}

	return nil
}

// ParseDuration parses s with a fallback default if s is empty or
// unparseable, so a partially-specified config document still starts.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// DataCentersTyped converts the YAML DC roster into types.DataCenter.
func (c *Config) DataCentersTyped() []types.DataCenter {
	out := make([]types.DataCenter, 0, len(c.DataCenters))
	for _, dc := range c.DataCenters {
		out = append(out, types.DataCenter{
			ID:                    types.DataCenterId(dc.ID),
			Region:                dc.Region,
			IsPrimary:             dc.IsPrimary,
			MaxAsyncBatchSize:     dc.MaxAsyncBatchSize,
			AsyncReplicationDelay: ParseDuration(dc.AsyncReplicationDelay, 50*time.Millisecond),
			EnableCompression:     dc.EnableCompression,
		})
	}
	return out
}

// PrimaryDC returns the configured primary DC's id, or "" if none is
// marked primary.
func (c *Config) PrimaryDC() types.DataCenterId {
	for _, dc := range c.DataCenters {
		if dc.IsPrimary {
			return types.DataCenterId(dc.ID)
		}
	}
	return ""
}

// NodesByDC groups the seed roster's node ids by their DC.
func (c *Config) NodesByDC() map[types.DataCenterId][]types.NodeId {
	out := make(map[types.DataCenterId][]types.NodeId)
	for _, s := range c.Servers {
		dc := types.DataCenterId(s.DC)
		out[dc] = append(out[dc], types.NodeId(s.ID))
	}
	return out
}

// ShardsTyped converts the YAML shard roster into types.ShardInfo,
// all starting at version 1.
func (c *Config) ShardsTyped() []types.ShardInfo {
	out := make([]types.ShardInfo, 0, len(c.Shards))
	for _, sh := range c.Shards {
		replicas := make([]types.NodeId, 0, len(sh.Replicas))
		for _, r := range sh.Replicas {
			replicas = append(replicas, types.NodeId(r))
		}
		out = append(out, types.ShardInfo{
			ID:       types.ShardId(sh.ID),
			Range:    types.HashRange{StartHash: sh.StartHash, EndHash: sh.EndHash},
			Primary:  types.NodeId(sh.Primary),
			Replicas: replicas,
			State:    types.ShardActive,
			Version:  1,
		})
	}
	return out
}
