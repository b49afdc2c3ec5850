package topology

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/concordkv/raftserver/pkg/types"
)

// Handler exposes the Topology Service's read and control surface
// over plain net/http.
type Handler struct {
	svc *Service
}

// NewHandler wraps svc in an http.Handler-compatible type.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// SnapshotHandler serves GET /api/topology/snapshot.
func (h *Handler) SnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.svc.Snapshot())
	}
}

// NodesHandler serves GET /api/topology/nodes.
func (h *Handler) NodesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := h.svc.Snapshot()
		nodes := make([]types.NodeStatus, 0, len(snap.Nodes))
		for _, n := range snap.Nodes {
			nodes = append(nodes, n)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(nodes)
	}
}

// HealthHandler serves GET /api/topology/health: an aggregate summary
// of node and shard counts, useful for a quick operator glance.
func (h *Handler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := h.svc.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"version":      snap.Version,
			"node_count":   len(snap.Nodes),
			"shard_count":  len(snap.Shards),
			"dc_count":     len(snap.DCs),
			"generated_at": time.Now(),
		})
	}
}

// subscribeResponse is a single long-poll style batch of events; a
// websocket or SSE upgrade is left to the caller's transport layer,
// this handler hands back whatever arrived within the wait window.
type subscribeResponse struct {
	Events []types.TopologyEvent `json:"events"`
}

// SubscribeHandler serves POST /api/topology/subscribe: it holds the
// connection open for up to 30s, returning any events observed in
// that window (possibly none).
func (h *Handler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := h.svc.Subscribe()
		defer h.svc.Unsubscribe(sub)

		var events []types.TopologyEvent
		deadline := time.NewTimer(30 * time.Second)
		defer deadline.Stop()

	collect:
		for {
			select {
			case ev, ok := <-sub:
				if !ok {
					break collect
				}
				events = append(events, ev)
				if len(events) >= 64 {
					break collect
				}
			case <-deadline.C:
				break collect
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(subscribeResponse{Events: events})
	}
}

type addNodeRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	DC      string `json:"dc"`
	Role    string `json:"role"`
}

// AddNodeHandler serves POST /api/cluster/add.
func (h *Handler) AddNodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addNodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		node := types.NodeStatus{
			ID:      types.NodeId(req.ID),
			Address: req.Address,
			DC:      types.DataCenterId(req.DC),
			Role:    types.ReplicaRole(req.Role),
			Health:  "healthy",
		}
		if err := h.svc.UpsertNode(node); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// RemoveNodeHandler serves POST /api/cluster/remove.
func (h *Handler) RemoveNodeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.svc.RemoveNode(types.NodeId(req.ID)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ConfigHandler serves GET /api/cluster/config.
func (h *Handler) ConfigHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := h.svc.Snapshot()
		dcs := make([]types.DataCenter, 0, len(snap.DCs))
		for _, dc := range snap.DCs {
			dcs = append(dcs, dc)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dcs)
	}
}
