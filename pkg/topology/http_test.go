package topology

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/types"
)

func TestSnapshotHandlerServesCurrentState(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/topology/snapshot", nil)
	w := httptest.NewRecorder()
	h.SnapshotHandler()(w, req)

	var snap types.TopologySnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Contains(t, snap.Shards, types.ShardId("s1"))
}

func TestAddNodeHandlerUpsertsNode(t *testing.T) {
	svc, _ := newService(t)
	h := NewHandler(svc)

	body := `{"id":"n1","address":"1.2.3.4:9000","dc":"dc1","role":"primary"}`
	req := httptest.NewRequest(http.MethodPost, "/api/cluster/add", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.AddNodeHandler()(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, svc.Snapshot().Nodes, types.NodeId("n1"))
}

func TestAddNodeHandlerRejectsMalformedBody(t *testing.T) {
	svc, _ := newService(t)
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/cluster/add", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	h.AddNodeHandler()(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRemoveNodeHandlerDeletesNode(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1"}))
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/cluster/remove", strings.NewReader(`{"id":"n1"}`))
	w := httptest.NewRecorder()
	h.RemoveNodeHandler()(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotContains(t, svc.Snapshot().Nodes, types.NodeId("n1"))
}

func TestNodesHandlerListsAllNodes(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n1", DC: "dc1"}))
	require.NoError(t, svc.UpsertNode(types.NodeStatus{ID: "n2", DC: "dc2"}))
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/topology/nodes", nil)
	w := httptest.NewRecorder()
	h.NodesHandler()(w, req)

	var nodes []types.NodeStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodes))
	assert.Len(t, nodes, 2)
}

func TestHealthHandlerReportsCounts(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertShard(types.ShardInfo{ID: "s1", Primary: "n1"}))
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/topology/health", nil)
	w := httptest.NewRecorder()
	h.HealthHandler()(w, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["shard_count"])
}

func TestConfigHandlerListsDCs(t *testing.T) {
	svc, _ := newService(t)
	require.NoError(t, svc.UpsertDC(types.DataCenter{ID: "dc1", Region: "us-east"}))
	h := NewHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/cluster/config", nil)
	w := httptest.NewRecorder()
	h.ConfigHandler()(w, req)

	var dcs []types.DataCenter
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dcs))
	require.Len(t, dcs, 1)
	assert.Equal(t, "us-east", dcs[0].Region)
}
