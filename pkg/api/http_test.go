package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordkv/raftserver/pkg/raft"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newLeaderHandler(t *testing.T) *NodeHandler {
	t.Helper()
	n := raft.New(raft.Config{NodeID: "node-1", BindAddr: freeAddr(t), DataDir: t.TempDir()})
	require.NoError(t, n.Bootstrap())
	t.Cleanup(func() { _ = n.Shutdown() })

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !n.IsLeader() {
		time.Sleep(20 * time.Millisecond)
	}
	require.True(t, n.IsLeader())

	return NewNodeHandler(n, "node-1")
}

func TestSetGetDeleteRoundTrip(t *testing.T) {
	h := newLeaderHandler(t)

	setReq := httptest.NewRequest(http.MethodPost, "/api/set", strings.NewReader(`{"key":"k1","value":"v1"}`))
	setW := httptest.NewRecorder()
	h.SetHandler()(setW, setReq)
	require.Equal(t, http.StatusOK, setW.Code)

	var setResp setResponse
	require.NoError(t, json.Unmarshal(setW.Body.Bytes(), &setResp))
	assert.True(t, setResp.OK)
	assert.True(t, setResp.Index >= 1)

	getReq := httptest.NewRequest(http.MethodGet, "/api/get?key=k1", nil)
	getW := httptest.NewRecorder()
	h.GetHandler()(getW, getReq)
	require.Equal(t, http.StatusOK, getW.Code)

	var getResp getResponse
	require.NoError(t, json.Unmarshal(getW.Body.Bytes(), &getResp))
	assert.Equal(t, "v1", getResp.Value)

	delReq := httptest.NewRequest(http.MethodDelete, "/api/delete?key=k1", nil)
	delW := httptest.NewRecorder()
	h.DeleteHandler()(delW, delReq)
	require.Equal(t, http.StatusOK, delW.Code)

	getReq2 := httptest.NewRequest(http.MethodGet, "/api/get?key=k1", nil)
	getW2 := httptest.NewRecorder()
	h.GetHandler()(getW2, getReq2)
	assert.Equal(t, http.StatusNotFound, getW2.Code)
}

func TestGetMissingKeyRequired(t *testing.T) {
	h := newLeaderHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/get", nil)
	w := httptest.NewRecorder()
	h.GetHandler()(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetRejectsEmptyKey(t *testing.T) {
	h := newLeaderHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/set", strings.NewReader(`{"key":"","value":"v"}`))
	w := httptest.NewRecorder()
	h.SetHandler()(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSetRejectsMalformedBody(t *testing.T) {
	h := newLeaderHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/set", strings.NewReader(`not json`))
	w := httptest.NewRecorder()
	h.SetHandler()(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusReportsLeader(t *testing.T) {
	h := newLeaderHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	h.StatusHandler()(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.IsLeader)
	assert.Equal(t, "leader", resp.Role)
}

func TestKeysListsInsertedKeys(t *testing.T) {
	h := newLeaderHandler(t)

	setReq := httptest.NewRequest(http.MethodPost, "/api/set", strings.NewReader(`{"key":"a","value":"1"}`))
	h.SetHandler()(httptest.NewRecorder(), setReq)

	req := httptest.NewRequest(http.MethodGet, "/api/keys", nil)
	w := httptest.NewRecorder()
	h.KeysHandler()(w, req)

	var keys []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &keys))
	assert.Contains(t, keys, "a")
}

func TestMuxServesAllRoutes(t *testing.T) {
	h := newLeaderHandler(t)
	mux := h.Mux()

	for _, path := range []string{"/api/keys", "/api/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
