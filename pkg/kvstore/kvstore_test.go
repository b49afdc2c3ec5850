package kvstore

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logFor(t *testing.T, index uint64, cmd Command) *raft.Log {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &raft.Log{Index: index, Data: data}
}

func TestStoreApplySet(t *testing.T) {
	s := New()

	result := s.Apply(logFor(t, 1, Command{Op: OpSet, Key: "a", Value: []byte("1")}))
	ar, ok := result.(ApplyResult)
	require.True(t, ok)
	assert.NoError(t, ar.Err)
	assert.Equal(t, uint64(1), ar.Index)

	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func TestStoreApplyDelete(t *testing.T) {
	s := New()
	s.Apply(logFor(t, 1, Command{Op: OpSet, Key: "a", Value: []byte("1")}))
	s.Apply(logFor(t, 2, Command{Op: OpDelete, Key: "a"}))

	_, ok := s.Get("a")
	assert.False(t, ok)
}

func TestStoreApplyUnknownOp(t *testing.T) {
	s := New()
	result := s.Apply(logFor(t, 1, Command{Op: "bogus", Key: "a"}))
	ar, ok := result.(ApplyResult)
	require.True(t, ok)
	assert.Error(t, ar.Err)
}

func TestStoreApplyBadPayload(t *testing.T) {
	s := New()
	result := s.Apply(&raft.Log{Index: 1, Data: []byte("not json")})
	ar, ok := result.(ApplyResult)
	require.True(t, ok)
	assert.Error(t, ar.Err)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := New()
	s.Apply(logFor(t, 1, Command{Op: OpSet, Key: "a", Value: []byte("1")}))

	v, _ := s.Get("a")
	v[0] = 'z'

	v2, _ := s.Get("a")
	assert.Equal(t, []byte("1"), v2)
}

func TestStoreKeys(t *testing.T) {
	s := New()
	s.Apply(logFor(t, 1, Command{Op: OpSet, Key: "a", Value: []byte("1")}))
	s.Apply(logFor(t, 2, Command{Op: OpSet, Key: "b", Value: []byte("2")}))

	keys := s.Keys()
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestStoreApplyCommandBypassesRaft(t *testing.T) {
	s := New()
	s.ApplyCommand(Command{Op: OpSet, Key: "x", Value: []byte("y")})

	v, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, []byte("y"), v)
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := New()
	s.Apply(logFor(t, 1, Command{Op: OpSet, Key: "a", Value: []byte("1")}))
	s.Apply(logFor(t, 2, Command{Op: OpSet, Key: "b", Value: []byte("2")}))

	snap, err := s.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &fakeSnapshotSink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := New()
	require.NoError(t, restored.Restore(io.NopCloser(&buf)))

	v, ok := restored.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	v, ok = restored.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
}

type fakeSnapshotSink struct {
	*bytes.Buffer
}

func (f *fakeSnapshotSink) ID() string       { return "test" }
func (f *fakeSnapshotSink) Cancel() error    { return nil }
func (f *fakeSnapshotSink) Close() error     { return nil }
