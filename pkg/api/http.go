// Package api implements the per-node KV HTTP surface:
// set/get/delete/keys/status/metrics over plain net/http, in the same
// stdlib-handler style as pkg/topology/http.go.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/concordkv/raftserver/pkg/metrics"
	"github.com/concordkv/raftserver/pkg/raft"
	"github.com/concordkv/raftserver/pkg/types"
)

// errorResponse is the shape every failed request maps to:
// {ok:false, reason, retryable}.
type errorResponse struct {
	OK         bool   `json:"ok"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
	LeaderHint string `json:"leader_hint,omitempty"`
}

func writeError(w http.ResponseWriter, status int, reason string, retryable bool, leaderHint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{OK: false, Reason: reason, Retryable: retryable, LeaderHint: leaderHint})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// NodeHandler exposes one Raft node's KV surface over HTTP.
type NodeHandler struct {
	node *raft.Node
	id   types.NodeId
}

// NewNodeHandler wraps node in an http.Handler-compatible type.
func NewNodeHandler(node *raft.Node, id types.NodeId) *NodeHandler {
	return &NodeHandler{node: node, id: id}
}

type setRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type setResponse struct {
	OK    bool   `json:"ok"`
	Index uint64 `json:"index"`
}

// SetHandler serves POST /api/set. Writes must land on the leader;
// a follower answers 503 with a leader_hint rather than forwarding,
// leaving redirection to the smart router.
func (h *NodeHandler) SetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.APIRequestDuration, "set")

		if !h.node.IsLeader() {
			metrics.APIRequestsTotal.WithLabelValues("set", "503").Inc()
			writeError(w, http.StatusServiceUnavailable, "not_leader", true, h.node.LeaderAddr())
			return
		}

		var req setRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.APIRequestsTotal.WithLabelValues("set", "400").Inc()
			writeError(w, http.StatusBadRequest, "bad_request: "+err.Error(), false, "")
			return
		}
		if req.Key == "" {
			metrics.APIRequestsTotal.WithLabelValues("set", "400").Inc()
			writeError(w, http.StatusBadRequest, "key is required", false, "")
			return
		}

		index, err := h.node.Set(req.Key, []byte(req.Value))
		if err != nil {
			metrics.APIRequestsTotal.WithLabelValues("set", "500").Inc()
			writeError(w, http.StatusInternalServerError, err.Error(), true, "")
			return
		}

		metrics.APIRequestsTotal.WithLabelValues("set", "200").Inc()
		writeJSON(w, setResponse{OK: true, Index: index})
	}
}

type getResponse struct {
	Value string `json:"value"`
}

// GetHandler serves GET /api/get?key=K. Reads are served locally;
// consistency-level routing (strong vs eventual) is the smart
// router's responsibility, not this node-local handler's.
func (h *NodeHandler) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.APIRequestDuration, "get")

		key := r.URL.Query().Get("key")
		if key == "" {
			metrics.APIRequestsTotal.WithLabelValues("get", "400").Inc()
			writeError(w, http.StatusBadRequest, "key is required", false, "")
			return
		}

		value, ok := h.node.Get(key)
		if !ok {
			metrics.APIRequestsTotal.WithLabelValues("get", "404").Inc()
			writeError(w, http.StatusNotFound, "not_found", false, "")
			return
		}

		metrics.APIRequestsTotal.WithLabelValues("get", "200").Inc()
		writeJSON(w, getResponse{Value: string(value)})
	}
}

type deleteResponse struct {
	OK bool `json:"ok"`
}

// DeleteHandler serves DELETE /api/delete?key=K.
func (h *NodeHandler) DeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.APIRequestDuration, "delete")

		if !h.node.IsLeader() {
			metrics.APIRequestsTotal.WithLabelValues("delete", "503").Inc()
			writeError(w, http.StatusServiceUnavailable, "not_leader", true, h.node.LeaderAddr())
			return
		}

		key := r.URL.Query().Get("key")
		if key == "" {
			metrics.APIRequestsTotal.WithLabelValues("delete", "400").Inc()
			writeError(w, http.StatusBadRequest, "key is required", false, "")
			return
		}

		if _, err := h.node.Delete(key); err != nil {
			metrics.APIRequestsTotal.WithLabelValues("delete", "500").Inc()
			writeError(w, http.StatusInternalServerError, err.Error(), true, "")
			return
		}

		metrics.APIRequestsTotal.WithLabelValues("delete", "200").Inc()
		writeJSON(w, deleteResponse{OK: true})
	}
}

// KeysHandler serves GET /api/keys.
func (h *NodeHandler) KeysHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.APIRequestsTotal.WithLabelValues("keys", "200").Inc()
		writeJSON(w, h.node.Keys())
	}
}

type statusResponse struct {
	NodeID        types.NodeId `json:"node_id"`
	Role          string       `json:"role"`
	IsLeader      bool         `json:"is_leader"`
	Leader        string       `json:"leader"`
	LastLogIndex  uint64       `json:"commit_index"`
	AppliedIndex  uint64       `json:"applied_index"`
	Peers         uint64       `json:"peers"`
}

// StatusHandler serves GET /api/status.
func (h *NodeHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := h.node.Stats()
		role := "follower"
		isLeader := h.node.IsLeader()
		if isLeader {
			role = "leader"
		}

		resp := statusResponse{
			NodeID:   h.id,
			Role:     role,
			IsLeader: isLeader,
		}
		if stats != nil {
			resp.Leader, _ = stats["leader"].(string)
			resp.LastLogIndex, _ = stats["last_log_index"].(uint64)
			resp.AppliedIndex, _ = stats["applied_index"].(uint64)
			resp.Peers, _ = stats["peers"].(uint64)
		}
		metrics.APIRequestsTotal.WithLabelValues("status", "200").Inc()
		writeJSON(w, resp)
	}
}

// MetricsHandler serves GET /api/metrics, delegating to the shared
// Prometheus registry.
func (h *NodeHandler) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// Mux builds the full KV HTTP surface as a ready-to-serve mux.
func (h *NodeHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/set", h.SetHandler())
	mux.HandleFunc("/api/get", h.GetHandler())
	mux.HandleFunc("/api/delete", h.DeleteHandler())
	mux.HandleFunc("/api/keys", h.KeysHandler())
	mux.HandleFunc("/api/status", h.StatusHandler())
	mux.Handle("/api/metrics", h.MetricsHandler())
	return mux
}
