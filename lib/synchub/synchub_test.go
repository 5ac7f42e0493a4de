// Drawbridge
// Copyright (C) 2025 Moatworks, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package synchub

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/moatworks/drawbridge/lib/session"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events map[string][]any
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{events: make(map[string][]any)}
}

func (e *recordingEmitter) Emit(socketID string, event any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events[socketID] = append(e.events[socketID], event)
}

func (e *recordingEmitter) patchesFor(socketID string) []PatchesEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []PatchesEvent
	for _, ev := range e.events[socketID] {
		if pe, ok := ev.(PatchesEvent); ok {
			out = append(out, pe)
		}
	}
	return out
}

func testSession(id, socketID, userID, workspaceID string) *session.Session {
	return &session.Session{
		ID:          id,
		SocketID:    socketID,
		UserID:      userID,
		WorkspaceID: workspaceID,
	}
}

func newTestHub(t *testing.T, store Store) (*Hub, *session.Registry, *recordingEmitter, *clockwork.FakeClock) {
	t.Helper()
	registry := session.NewRegistry()
	emitter := newRecordingEmitter()
	clock := clockwork.NewFakeClock()
	cfg := Config{Registry: registry, Emitter: emitter, Clock: clock}
	if store != nil {
		cfg.Store = store
	}
	hub, err := NewHub(cfg)
	require.NoError(t, err)
	return hub, registry, emitter, clock
}

func TestPushFansOutToSiblings(t *testing.T) {
	hub, registry, emitter, _ := newTestHub(t, nil)

	author := testSession("sess1", "sock1", "alice", "ws1")
	sibling := testSession("sess2", "sock2", "alice", "ws1")
	otherWorkspace := testSession("sess3", "sock3", "alice", "ws2")
	otherUser := testSession("sess4", "sock4", "bob", "ws1")
	for _, s := range []*session.Session{author, sibling, otherWorkspace, otherUser} {
		require.NoError(t, registry.Register(s))
	}

	count, err := hub.Push(author, []Patch{
		{EntityType: "task", Payload: json.RawMessage(`{"id":1}`)},
		{EntityType: "note", Payload: json.RawMessage(`{"id":2}`)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	events := emitter.patchesFor("sock2")
	require.Len(t, events, 1)
	require.Equal(t, "sess1", events[0].From)
	require.Len(t, events[0].Patches, 2)
	require.Equal(t, "alice", events[0].Patches[0].UserID)
	require.Equal(t, "sess1", events[0].Patches[0].SessionID)

	// The author, other workspaces and other users see nothing.
	require.Empty(t, emitter.patchesFor("sock1"))
	require.Empty(t, emitter.patchesFor("sock3"))
	require.Empty(t, emitter.patchesFor("sock4"))
}

func TestPullExcludesOwnPatches(t *testing.T) {
	hub, registry, _, _ := newTestHub(t, nil)

	a := testSession("sessA", "sockA", "alice", "ws1")
	b := testSession("sessB", "sockB", "alice", "ws1")
	require.NoError(t, registry.Register(a))
	require.NoError(t, registry.Register(b))

	_, err := hub.Push(a, []Patch{{EntityType: "task"}})
	require.NoError(t, err)
	_, err = hub.Push(b, []Patch{{EntityType: "task"}})
	require.NoError(t, err)

	result, err := hub.Pull(a, nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Patches, 1)
	require.Equal(t, "sessB", result.Patches[0].SessionID)
}

func TestPullSinceAndTypes(t *testing.T) {
	hub, registry, _, clock := newTestHub(t, nil)

	a := testSession("sessA", "sockA", "alice", "")
	b := testSession("sessB", "sockB", "alice", "")
	require.NoError(t, registry.Register(a))
	require.NoError(t, registry.Register(b))

	_, err := hub.Push(b, []Patch{{EntityType: "task"}, {EntityType: "note"}})
	require.NoError(t, err)
	mid := clock.Now()
	clock.Advance(time.Minute)
	_, err = hub.Push(b, []Patch{{EntityType: "task"}})
	require.NoError(t, err)

	// Cursor filter.
	result, err := hub.Pull(a, &mid, nil)
	require.NoError(t, err)
	require.Len(t, result.Patches, 1)

	// Type filter.
	result, err = hub.Pull(a, nil, []string{"note"})
	require.NoError(t, err)
	require.Len(t, result.Patches, 1)
	require.Equal(t, "note", result.Patches[0].EntityType)

	// Future cursor replays nothing.
	future := clock.Now().Add(time.Hour)
	result, err = hub.Pull(a, &future, nil)
	require.NoError(t, err)
	require.Empty(t, result.Patches)
	require.False(t, result.Compressed)
}

func TestPullCompressedHint(t *testing.T) {
	hub, registry, _, _ := newTestHub(t, nil)

	a := testSession("sessA", "sockA", "alice", "")
	b := testSession("sessB", "sockB", "alice", "")
	require.NoError(t, registry.Register(a))
	require.NoError(t, registry.Register(b))

	patches := make([]Patch, 11)
	for i := range patches {
		patches[i] = Patch{EntityType: "task"}
	}
	_, err := hub.Push(b, patches)
	require.NoError(t, err)

	result, err := hub.Pull(a, nil, nil)
	require.NoError(t, err)
	require.Len(t, result.Patches, 11)
	require.True(t, result.Compressed)
}

func TestStatus(t *testing.T) {
	hub, registry, _, clock := newTestHub(t, nil)

	a := testSession("sessA", "sockA", "alice", "")
	require.NoError(t, registry.Register(a))

	first := clock.Now()
	_, err := hub.Push(a, []Patch{{EntityType: "task"}, {EntityType: "task"}})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	last := clock.Now()
	_, err = hub.Push(a, []Patch{{EntityType: "note"}})
	require.NoError(t, err)

	status, err := hub.Status(a)
	require.NoError(t, err)
	require.Equal(t, 3, status.TotalPatches)
	require.Equal(t, map[string]int{"task": 2, "note": 1}, status.PatchesByType)
	require.NotNil(t, status.OldestPatch)
	require.NotNil(t, status.NewestPatch)
	require.True(t, status.OldestPatch.Equal(first))
	require.True(t, status.NewestPatch.Equal(last))
}

func TestMemoryStoreTrimsPerKey(t *testing.T) {
	store, err := NewMemoryStore(4, 3)
	require.NoError(t, err)
	key := StoreKey{UserID: "alice", WorkspaceID: "default"}

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(key, []Patch{{
			EntityType: fmt.Sprintf("t%d", i),
			ReceivedAt: time.Unix(int64(i+1), 0),
		}}))
	}

	log, err := store.Since(key, time.Time{})
	require.NoError(t, err)
	require.Len(t, log, 3)
	require.Equal(t, "t2", log[0].EntityType)
	require.Equal(t, "t4", log[2].EntityType)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer store.Close()

	key := StoreKey{UserID: "alice", WorkspaceID: "ws1"}
	now := time.Now()
	require.NoError(t, store.Append(key, []Patch{
		{EntityType: "task", SessionID: "sess1", Payload: json.RawMessage(`{"id":1}`), ReceivedAt: now},
		{EntityType: "note", SessionID: "sess1", Payload: json.RawMessage(`{"id":2}`), ReceivedAt: now.Add(time.Second)},
	}))

	// A different key sees nothing.
	other, err := store.Since(StoreKey{UserID: "bob", WorkspaceID: "ws1"}, time.Time{})
	require.NoError(t, err)
	require.Empty(t, other)

	log, err := store.Since(key, time.Time{})
	require.NoError(t, err)
	require.Len(t, log, 2)
	require.Equal(t, "task", log[0].EntityType)
	require.Equal(t, "alice", log[0].UserID)
	require.JSONEq(t, `{"id":1}`, string(log[0].Payload))

	// Cursor excludes the first patch.
	log, err = store.Since(key, now)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, "note", log[0].EntityType)
}

func TestDecodeCompressedPatches(t *testing.T) {
	patches := []Patch{
		{EntityType: "task", Payload: json.RawMessage(`{"id":1}`)},
		{EntityType: "note", Payload: json.RawMessage(`{"id":2}`)},
	}
	raw, err := json.Marshal(patches)
	require.NoError(t, err)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	decoded, err := DecodeCompressedPatches(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, "task", decoded[0].EntityType)

	_, err = DecodeCompressedPatches("not base64!!")
	require.Error(t, err)
	_, err = DecodeCompressedPatches(base64.StdEncoding.EncodeToString([]byte("not gzip")))
	require.Error(t, err)
}
