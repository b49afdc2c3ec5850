// Package cluster wires every subsystem a ConcordKV node runs into a
// single owning Context, resolving cross-references by id instead of
// letting subsystems hold direct pointers to each other (the node,
// replicator, and router would otherwise form a cycle).
package cluster

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"time"

	raftcore "github.com/hashicorp/raft"

	"github.com/concordkv/raftserver/internal/config"
	"github.com/concordkv/raftserver/pkg/api"
	"github.com/concordkv/raftserver/pkg/connpool"
	"github.com/concordkv/raftserver/pkg/consistency"
	"github.com/concordkv/raftserver/pkg/dcraft"
	"github.com/concordkv/raftserver/pkg/failover"
	"github.com/concordkv/raftserver/pkg/failuredetector"
	"github.com/concordkv/raftserver/pkg/health"
	"github.com/concordkv/raftserver/pkg/kvstore"
	"github.com/concordkv/raftserver/pkg/log"
	"github.com/concordkv/raftserver/pkg/raft"
	"github.com/concordkv/raftserver/pkg/replication"
	"github.com/concordkv/raftserver/pkg/router"
	"github.com/concordkv/raftserver/pkg/topology"
	"github.com/concordkv/raftserver/pkg/topologycache"
	"github.com/concordkv/raftserver/pkg/types"
)

// Context owns every subsystem running inside one ConcordKV process
// and is the only place that holds references to more than one of
// them at a time.
type Context struct {
	cfg *config.Config

	Node            *raft.Node
	DCExtension     *dcraft.Extension
	Replicator      *replication.Replicator
	Receiver        *ReplicaReceiver
	Detector        *failuredetector.Detector
	Recovery        *consistency.Recovery
	Failover        *failover.Coordinator
	TopologyStore   *topology.Store
	Topology        *topology.Service
	TopologyCache   *topologycache.Cache
	Router          *router.Router
	Pools           *connpool.Manager
	API             *api.NodeHandler

	localDC   types.DataCenterId
	primaryDC types.DataCenterId
	dcIDs     []types.DataCenterId
	nodeDC    map[types.NodeId]types.DataCenterId
	addrs     map[types.NodeId]string
}

// New builds a Context from cfg but does not yet start any background
// loop or join/bootstrap Raft; call Start for that.
func New(cfg *config.Config) (*Context, error) {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	nodeID := types.NodeId(cfg.Node.ID)
	localDC := types.DataCenterId(cfg.Node.DC)
	primaryDC := cfg.PrimaryDC()

	nodeDC := make(map[types.NodeId]types.DataCenterId, len(cfg.Servers))
	addrs := make(map[types.NodeId]string, len(cfg.Servers))
	for _, s := range cfg.Servers {
		nodeDC[types.NodeId(s.ID)] = types.DataCenterId(s.DC)
		addrs[types.NodeId(s.ID)] = s.Address
	}

	topoStore, err := topology.OpenStore(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("cluster: open topology store: %w", err)
	}
	topoSvc, err := topology.New(topoStore)
	if err != nil {
		return nil, fmt.Errorf("cluster: build topology service: %w", err)
	}

	for _, dc := range cfg.DataCentersTyped() {
		if err := topoSvc.UpsertDC(dc); err != nil {
			return nil, fmt.Errorf("cluster: seed dc %s: %w", dc.ID, err)
		}
	}
	for _, s := range cfg.Servers {
		role := types.RolePrimary
		if s.Role == "async_replica" {
			role = types.RoleAsyncReplica
		}
		ns := types.NodeStatus{
			ID:      types.NodeId(s.ID),
			Health:  "healthy",
			Address: s.Address,
			DC:      types.DataCenterId(s.DC),
			Role:    role,
		}
		if err := topoSvc.UpsertNode(ns); err != nil {
			return nil, fmt.Errorf("cluster: seed node %s: %w", s.ID, err)
		}
	}
	for _, sh := range cfg.ShardsTyped() {
		if err := topoSvc.UpsertShard(sh); err != nil {
			return nil, fmt.Errorf("cluster: seed shard %s: %w", sh.ID, err)
		}
	}

	cache, err := topologycache.New(topologycache.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("cluster: build topology cache: %w", err)
	}
	for _, sh := range cfg.ShardsTyped() {
		cache.Set(sh)
	}

	rtr := router.New(router.DefaultConfig(), cache)
	for _, s := range cfg.Servers {
		rtr.AddNode(types.NodeId(s.ID))
		rtr.SetNodeDC(types.NodeId(s.ID), types.DataCenterId(s.DC))
	}

	node := raft.New(raft.Config{
		NodeID:   nodeID,
		BindAddr: cfg.Node.BindAddr,
		DataDir:  cfg.Node.DataDir,
	})

	addrOf := func(n types.NodeId) (string, bool) {
		addr, ok := addrs[n]
		return addr, ok
	}
	sender := newHTTPSender(addrOf)
	replConfig := replication.DefaultConfig()
	replConfig.FlushInterval = config.ParseDuration(cfg.Replication.FlushInterval, replConfig.FlushInterval)
	replConfig.CompressionThreshold = nonZero(cfg.Replication.CompressionThreshold, replConfig.CompressionThreshold)
	replConfig.MaxRetries = nonZero(cfg.Replication.MaxRetries, replConfig.MaxRetries)
	replicator := replication.New(replConfig, sender, cfg.DataCentersTyped(), cfg.NodesByDC())

	dcExt := dcraft.New(dcraft.Config{
		LocalDC:                  localDC,
		PrimaryDC:                primaryDC,
		PrimaryDCElectionTimeout: 2 * time.Second,
		LatencyWindow:            64,
	})
	dcExt.SetReplicator(replicator)

	receiver := NewReplicaReceiver(kvstore.New())

	checkers := failuredetector.Checkers{}
	for _, dc := range cfg.DataCenters {
		if types.DataCenterId(dc.ID) == localDC {
			continue
		}
		for _, s := range cfg.Servers {
			if s.DC == dc.ID {
				checkers[types.DataCenterId(dc.ID)] = health.NewTCPChecker(s.Address)
				break
			}
		}
	}
	detector := failuredetector.New(failuredetector.DefaultConfig(), checkers)
	replicator.OnHealthChange(detector.RecordReplicationHealth)

	provider := &stateProvider{localDC: localDC, node: node, replicator: replicator}
	dcIDs := make([]types.DataCenterId, 0, len(cfg.DataCenters))
	for _, dc := range cfg.DataCenters {
		dcIDs = append(dcIDs, types.DataCenterId(dc.ID))
	}
	recovery := consistency.New(consistency.DefaultConfig(), provider, primaryDC, replicator, dcIDs)

	coordinator := failover.New(failover.Config{
		MinScoreForFailover:        cfg.Failover.MinScoreForFailover,
		AutoFailoverEnabled:        cfg.Failover.AutoFailoverEnabled,
		ManualConfirmationRequired: cfg.Failover.ManualConfirmationRequired,
		CatchUpTimeout:             10 * time.Second,
	}, topoSvc, rtr, recovery)
	coordinator.SetDetector(detector)

	pools := connpool.NewManager(connpool.DefaultConfig(), connpool.NetDialer)

	apiHandler := api.NewNodeHandler(node, nodeID)

	return &Context{
		cfg:           cfg,
		Node:          node,
		DCExtension:   dcExt,
		Replicator:    replicator,
		Receiver:      receiver,
		Detector:      detector,
		Recovery:      recovery,
		Failover:      coordinator,
		TopologyStore: topoStore,
		Topology:      topoSvc,
		TopologyCache: cache,
		Router:        rtr,
		Pools:         pools,
		API:           apiHandler,
		localDC:       localDC,
		primaryDC:     primaryDC,
		dcIDs:         dcIDs,
		nodeDC:        nodeDC,
		addrs:         addrs,
	}, nil
}

func nonZero(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// Start brings up Raft membership, then every background loop. Raft
// bootstrap/join must run first since dcraft's commit bridge and the
// observation watcher both need a live node.
func (c *Context) Start(ctx context.Context) error {
	if c.cfg.Node.Bootstrap {
		if err := c.Node.Bootstrap(); err != nil {
			return fmt.Errorf("cluster: bootstrap raft: %w", err)
		}
	} else {
		if err := c.Node.Join(); err != nil {
			return fmt.Errorf("cluster: join raft: %w", err)
		}
	}

	shardID := c.defaultShard()
	c.DCExtension.BridgeCommits(c.Node, shardID)

	obsCh, _ := c.Node.Observe(func(o *raftcore.Observation) bool { return true })
	c.DCExtension.WatchObservations(obsCh, func(sid raftcore.ServerID) types.DataCenterId {
		return c.nodeDC[types.NodeId(sid)]
	})

	c.Topology.Start()

	var cacheEvents chan types.TopologyEvent = c.Topology.Subscribe()
	c.TopologyCache.RunRefresher(topologycache.Subscription(cacheEvents))

	var routerEvents chan types.TopologyEvent = c.Topology.Subscribe()
	c.Router.RunTopologyWatcher(topologycache.Subscription(routerEvents))

	c.Replicator.Start()
	c.Detector.Start(ctx)
	c.Recovery.Start(ctx)
	go c.watchFailureEvents(ctx)

	return nil
}

// watchFailureEvents drains the failure detector's event stream,
// triggering an automatic failover on a confirmed failure and
// consistency catch-up once the failed DC starts recovering.
func (c *Context) watchFailureEvents(ctx context.Context) {
	logger := log.WithComponent("cluster")
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-c.Detector.Events():
			if !ok {
				return
			}
			switch failuredetector.State(rec.Phase) {
			case failuredetector.StateFailed:
				target := c.failoverTargetFor(rec.DCID)
				if target == "" {
					logger.Warn().Str("dc", string(rec.DCID)).Msg("dc failure detected but no healthy failover target available")
					continue
				}
				reason := fmt.Sprintf("failure detector: %s", rec.FailureType)
				if _, err := c.Failover.TriggerAutoFailover(ctx, rec.DCID, target, reason); err != nil {
					logger.Warn().Err(err).Str("dc", string(rec.DCID)).Str("target_dc", string(target)).Msg("automatic failover trigger failed")
				}
			case failuredetector.StateRecovering:
				if err := c.Recovery.OnRecovering(ctx, rec.DCID, c.entriesFrom); err != nil {
					logger.Warn().Err(err).Str("dc", string(rec.DCID)).Msg("consistency recovery catch-up failed")
				}
			}
		}
	}
}

// failoverTargetFor picks a healthy destination DC for a failover out
// of source: the primary DC if source isn't already primary,
// otherwise the first other healthy DC known to the cluster.
func (c *Context) failoverTargetFor(source types.DataCenterId) types.DataCenterId {
	if source != c.primaryDC && c.Detector.IsHealthy(c.primaryDC) {
		return c.primaryDC
	}
	for _, dc := range c.dcIDs {
		if dc != source && c.Detector.IsHealthy(dc) {
			return dc
		}
	}
	return ""
}

// entriesFrom fetches the catch-up entries consistency recovery ships
// to a recovering DC. Only the local DC's own Raft log is directly
// readable; a remote authoritative source has no in-process log
// access, mirroring stateProvider.DCState's same limitation.
func (c *Context) entriesFrom(dc types.DataCenterId, fromIndex, toIndex uint64) ([]types.LogEntry, error) {
	if dc != c.localDC {
		return nil, fmt.Errorf("cluster: no local log access for dc %s", dc)
	}
	return c.Node.Entries(fromIndex, toIndex)
}

// defaultShard returns the first configured shard's id, used as the
// single shard the embedded Raft group owns; multi-shard placement
// within one process is future work the topology map already models
// but this ambient wiring layer does not yet exploit.
func (c *Context) defaultShard() types.ShardId {
	shards := c.cfg.ShardsTyped()
	if len(shards) == 0 {
		return types.ShardId("default")
	}
	return shards[0].ID
}

// Shutdown stops every background loop and releases owned resources.
func (c *Context) Shutdown() {
	c.Topology.Stop()
	c.Replicator.Stop(5 * time.Second)
	c.Detector.Stop()
	c.Pools.Shutdown()
	if err := c.Node.Shutdown(); err != nil {
		log.WithComponent("cluster").Error().Err(err).Msg("raft shutdown error")
	}
	if err := c.TopologyStore.Close(); err != nil {
		log.WithComponent("cluster").Error().Err(err).Msg("topology store close error")
	}
}

// Mux builds the full HTTP surface this node exposes: the per-node KV
// API, the topology control plane, and the inbound replication
// endpoint an AsyncReplica node answers on.
func (c *Context) Mux() *http.ServeMux {
	mux := c.API.Mux()

	topoHandler := topology.NewHandler(c.Topology)
	mux.HandleFunc("/api/topology/snapshot", topoHandler.SnapshotHandler())
	mux.HandleFunc("/api/topology/nodes", topoHandler.NodesHandler())
	mux.HandleFunc("/api/topology/health", topoHandler.HealthHandler())
	mux.HandleFunc("/api/topology/subscribe", topoHandler.SubscribeHandler())
	mux.HandleFunc("/api/cluster/add", topoHandler.AddNodeHandler())
	mux.HandleFunc("/api/cluster/remove", topoHandler.RemoveNodeHandler())
	mux.HandleFunc("/api/cluster/config", topoHandler.ConfigHandler())

	mux.Handle("/internal/replication/batch", c.Receiver.Handler())

	fh := &failoverHandler{coord: c.Failover}
	mux.HandleFunc("/api/failover/trigger", fh.TriggerHandler())
	mux.HandleFunc("/api/failover/status", fh.StatusHandler())

	return mux
}

// stateProvider implements consistency.StateProvider: the local DC's
// state comes from this node's own Raft log, while remote DCs are
// read from the replicator's last-acknowledged progress, since this
// node has no direct view into a remote DC's log.
type stateProvider struct {
	localDC    types.DataCenterId
	node       *raft.Node
	replicator *replication.Replicator
}

func (p *stateProvider) DCState(dc types.DataCenterId) (types.DCStateSnapshot, error) {
	if dc == p.localDC {
		stats := p.node.Stats()
		lastIndex, _ := stats["last_log_index"].(uint64)
		return types.DCStateSnapshot{
			LastIndex: lastIndex,
			Checksum:  checksumKeys(p.node.Keys()),
		}, nil
	}

	status := p.replicator.GetStatus()
	target, ok := status[dc]
	if !ok {
		return types.DCStateSnapshot{}, fmt.Errorf("cluster: unknown dc %s", dc)
	}
	return types.DCStateSnapshot{
		LastIndex: target.LastReplicatedIndex,
		LastTerm:  target.LastReplicatedTerm,
	}, nil
}

// checksumKeys hashes a sorted key list so two replicas holding the
// same key set produce the same checksum regardless of map iteration
// order; it is not a content hash, only a cheap divergence signal.
func checksumKeys(keys []string) string {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	h := fnv.New64a()
	for _, k := range sorted {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum64())
}
