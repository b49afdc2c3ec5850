package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
node:
  id: node-1
  dc: dc-east
  bind_addr: 127.0.0.1:7000
  api_addr: 127.0.0.1:8000
  data_dir: /tmp/concordkv/node-1
  bootstrap: true
datacenters:
  - id: dc-east
    region: us-east
    is_primary: true
  - id: dc-west
    region: us-west
    is_primary: false
servers:
  - id: node-1
    address: 127.0.0.1:7000
    dc: dc-east
    role: primary
  - id: node-2
    address: 127.0.0.1:7001
    dc: dc-west
    role: async_replica
shards:
  - id: shard-0
    start_hash: 0
    end_hash: 4294967295
    primary: node-1
    replicas: [node-2]
replication:
  flush_interval: 100ms
  compression_threshold: 2048
  max_retries: 3
failover:
  min_score_for_failover: 0.8
  auto_failover_enabled: true
  manual_confirmation_required: false
log_level: debug
log_json: true
`

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTemp(t, validYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.ID)
	assert.Equal(t, "dc-east", cfg.Node.DC)
	assert.True(t, cfg.Node.Bootstrap)
	assert.Len(t, cfg.DataCenters, 2)
	assert.Len(t, cfg.Servers, 2)
	assert.Len(t, cfg.Shards, 1)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/cluster.yaml")
	assert.Error(t, err)
}

func TestValidateRequiresNodeID(t *testing.T) {
	cfg := &Config{Node: NodeConfig{BindAddr: "a", DataDir: "b"}}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "node.id")
}

func TestValidateRequiresBindAddr(t *testing.T) {
	cfg := &Config{Node: NodeConfig{ID: "n1", DataDir: "b"}}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "bind_addr")
}

func TestValidateRequiresDataDir(t *testing.T) {
	cfg := &Config{Node: NodeConfig{ID: "n1", BindAddr: "a"}}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "data_dir")
}

func TestValidateDuplicateServerID(t *testing.T) {
	cfg := &Config{
		Node: NodeConfig{ID: "n1", BindAddr: "a", DataDir: "b"},
		Servers: []ServerConfig{
			{ID: "n1", Address: "127.0.0.1:1"},
			{ID: "n1", Address: "127.0.0.1:2"},
		},
	}
	err := cfg.Validate()
	assert.ErrorContains(t, err, "duplicate node id")
}

func TestValidateExactlyOnePrimaryDC(t *testing.T) {
	base := NodeConfig{ID: "n1", BindAddr: "a", DataDir: "b"}

	none := &Config{Node: base, DataCenters: []DataCenterConfig{{ID: "dc1"}, {ID: "dc2"}}}
	assert.ErrorContains(t, none.Validate(), "exactly one datacenter")

	two := &Config{Node: base, DataCenters: []DataCenterConfig{
		{ID: "dc1", IsPrimary: true}, {ID: "dc2", IsPrimary: true},
	}}
	assert.ErrorContains(t, two.Validate(), "exactly one datacenter")

	one := &Config{Node: base, DataCenters: []DataCenterConfig{
		{ID: "dc1", IsPrimary: true}, {ID: "dc2"},
	}}
	assert.NoError(t, one.Validate())
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, ParseDuration("", 50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, ParseDuration("not-a-duration", 50*time.Millisecond))
	assert.Equal(t, 200*time.Millisecond, ParseDuration("200ms", 50*time.Millisecond))
}

func TestPrimaryDC(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dc-east", string(cfg.PrimaryDC()))
}

func TestNodesByDC(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	byDC := cfg.NodesByDC()
	assert.Len(t, byDC["dc-east"], 1)
	assert.Len(t, byDC["dc-west"], 1)
}

func TestShardsTyped(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	shards := cfg.ShardsTyped()
	require.Len(t, shards, 1)
	assert.Equal(t, "shard-0", string(shards[0].ID))
	assert.Equal(t, "node-1", string(shards[0].Primary))
	assert.Equal(t, uint64(0), shards[0].Range.StartHash)
}
