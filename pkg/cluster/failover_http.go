package cluster

import (
	"encoding/json"
	"net/http"

	"github.com/concordkv/raftserver/pkg/failover"
	"github.com/concordkv/raftserver/pkg/types"
)

// failoverHandler exposes the failover coordinator's trigger/status
// surface over HTTP, in the same stdlib-handler style as
// pkg/topology/http.go's cluster-management endpoints.
type failoverHandler struct {
	coord *failover.Coordinator
}

type triggerFailoverRequest struct {
	Source types.DataCenterId `json:"source"`
	Target types.DataCenterId `json:"target"`
	Reason string             `json:"reason"`
}

// TriggerHandler serves POST /api/failover/trigger.
func (h *failoverHandler) TriggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req triggerFailoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		op, err := h.coord.TriggerManualFailover(r.Context(), req.Source, req.Target, req.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(op)
	}
}

// StatusHandler serves GET /api/failover/status: the in-progress
// operation if any, and the full history otherwise.
func (h *failoverHandler) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if op := h.coord.CurrentOperation(); op != nil {
			_ = json.NewEncoder(w).Encode(op)
			return
		}

		history := h.coord.History()
		if len(history) == 0 {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "idle"})
			return
		}
		_ = json.NewEncoder(w).Encode(history[len(history)-1])
	}
}
