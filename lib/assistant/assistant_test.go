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

package assistant

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/hostbridge"
	"github.com/moatworks/drawbridge/lib/hostbridge/bridgetest"
	"github.com/moatworks/drawbridge/lib/isolation"
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

func (e *recordingEmitter) forSocket(socketID string) []any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]any, len(e.events[socketID]))
	copy(out, e.events[socketID])
	return out
}

func (e *recordingEmitter) output(t *testing.T, socketID, instanceID string) string {
	t.Helper()
	var sb strings.Builder
	for _, ev := range e.forSocket(socketID) {
		out, ok := ev.(OutputEvent)
		if !ok || out.InstanceID != instanceID {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(out.Data)
		require.NoError(t, err)
		sb.Write(raw)
	}
	return sb.String()
}

func (e *recordingEmitter) hasResponseComplete(socketID, instanceID string) bool {
	for _, ev := range e.forSocket(socketID) {
		if rc, ok := ev.(ResponseCompleteEvent); ok && rc.InstanceID == instanceID {
			return true
		}
	}
	return false
}

type staticWorkspace string

func (w staticWorkspace) WorkspacePath() string { return string(w) }

// stubBinary writes an executable script that echoes its input back, a
// stand-in for the assistant CLI.
func stubBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant")
	script := "#!/bin/sh\ncat\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestMux(t *testing.T, emitter Emitter, bridge hostbridge.Bridge, quota int) (*Mux, *isolation.Tracker) {
	t.Helper()
	tracker, err := isolation.NewTracker(isolation.Config{MaxInstancesPerUser: quota})
	require.NoError(t, err)
	mux, err := NewMux(Config{
		Emitter:    emitter,
		Bridge:     bridge,
		Isolation:  tracker,
		Workspace:  staticWorkspace(t.TempDir()),
		BinaryPath: stubBinary(t),
	})
	require.NoError(t, err)
	return mux, tracker
}

func testSession(socketID, userID string) *session.Session {
	return &session.Session{
		ID:          "sess-" + socketID,
		SocketID:    socketID,
		UserID:      userID,
		WorkspaceID: "ws1",
		Permissions: drawbridge.AllPermissions(),
	}
}

func TestSpawnOwnedLifecycle(t *testing.T) {
	emitter := newRecordingEmitter()
	mux, tracker := newTestMux(t, emitter, bridgetest.New(), 5)
	sess := testSession("sock1", "alice")

	result, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "i1", InstanceName: "main"})
	require.NoError(t, err)
	require.False(t, result.Forwarded)
	require.Greater(t, result.PID, 0)
	require.True(t, tracker.UserOwnsInstance("alice", "i1"))

	require.NoError(t, mux.Send(context.Background(), sess, "i1", []byte("hello\n")))
	require.Eventually(t, func() bool {
		return strings.Contains(emitter.output(t, "sock1", "i1"), "hello")
	}, 5*time.Second, 20*time.Millisecond, "expected echoed output")

	require.NoError(t, mux.Resize(sess, "i1", 100, 30))

	require.NoError(t, mux.Stop(context.Background(), sess, "i1"))
	require.Eventually(t, func() bool { return mux.Count() == 0 }, 5*time.Second, 20*time.Millisecond)
	require.False(t, tracker.UserOwnsInstance("alice", "i1"))
}

func TestSpawnDuplicateRejected(t *testing.T) {
	emitter := newRecordingEmitter()
	mux, _ := newTestMux(t, emitter, bridgetest.New(), 5)
	sess := testSession("sock1", "alice")

	_, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "i1"})
	require.NoError(t, err)
	_, err = mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "i1"})
	require.True(t, trace.IsAlreadyExists(err))

	mux.CleanupSocket("sock1")
}

func TestQuotaEnforced(t *testing.T) {
	emitter := newRecordingEmitter()
	mux, tracker := newTestMux(t, emitter, bridgetest.New(), 3)
	sess := testSession("sock1", "alice")

	for _, id := range []string{"i1", "i2", "i3"} {
		_, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: id})
		require.NoError(t, err)
	}
	_, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "i4"})
	require.True(t, trace.IsLimitExceeded(err))
	require.Len(t, tracker.GetUserInstances("alice"), 3)

	mux.CleanupSocket("sock1")
}

func TestCrossUserAccessDenied(t *testing.T) {
	emitter := newRecordingEmitter()
	mux, _ := newTestMux(t, emitter, bridgetest.New(), 5)
	alice := testSession("sock1", "alice")
	bob := testSession("sock2", "bob")

	_, err := mux.Spawn(context.Background(), alice, SpawnRequest{InstanceID: "i1"})
	require.NoError(t, err)

	require.True(t, trace.IsAccessDenied(mux.Send(context.Background(), bob, "i1", []byte("x"))))
	require.True(t, trace.IsAccessDenied(mux.Stop(context.Background(), bob, "i1")))
	require.True(t, trace.IsAccessDenied(mux.Resize(bob, "i1", 10, 10)))

	entries, err := mux.GetInstances(bob)
	require.NoError(t, err)
	require.Empty(t, entries)

	err = mux.Send(context.Background(), bob, "missing", []byte("x"))
	require.True(t, trace.IsNotFound(err))

	mux.CleanupSocket("sock1")
}

func TestSpawnForwardedInstallsProxy(t *testing.T) {
	emitter := newRecordingEmitter()
	bridge := bridgetest.New()
	bridge.AddInstance(hostbridge.InstanceInfo{InstanceID: "h1", Status: hostbridge.StatusConnected, PID: 99})
	mux, tracker := newTestMux(t, emitter, bridge, 5)
	sess := testSession("sock1", "alice")

	result, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "h1"})
	require.NoError(t, err)
	require.True(t, result.Forwarded)
	require.Equal(t, -1, result.PID)
	require.Equal(t, "sock1", bridge.Binding("h1"))
	require.Equal(t, 1, bridge.OutputSubscriberCount("h1"))
	require.True(t, tracker.UserOwnsInstance("alice", "h1"))

	bridge.EmitOutput("h1", []byte("host says hi"))
	require.Eventually(t, func() bool {
		return strings.Contains(emitter.output(t, "sock1", "h1"), "host says hi")
	}, 5*time.Second, 20*time.Millisecond)

	bridge.EmitResponseComplete("h1")
	require.Eventually(t, func() bool {
		return emitter.hasResponseComplete("sock1", "h1")
	}, 5*time.Second, 20*time.Millisecond)

	// Writes route to the host, not a local PTY.
	require.NoError(t, mux.Send(context.Background(), sess, "h1", []byte("input")))
	require.Len(t, bridge.SendCalls("h1"), 1)

	mux.CleanupSocket("sock1")
	require.Eventually(t, func() bool {
		return bridge.OutputSubscriberCount("h1") == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSpawnForwardedStartsDisconnected(t *testing.T) {
	emitter := newRecordingEmitter()
	bridge := bridgetest.New()
	bridge.AddInstance(hostbridge.InstanceInfo{InstanceID: "h1", Status: hostbridge.StatusDisconnected})
	mux, _ := newTestMux(t, emitter, bridge, 5)
	sess := testSession("sock1", "alice")

	result, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "h1", WorkingDirectory: "/w"})
	require.NoError(t, err)
	require.True(t, result.Forwarded)
	require.Greater(t, result.PID, 0)

	calls := bridge.StartCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "h1", calls[0].InstanceID)
	require.Equal(t, "/w", calls[0].WorkingDirectory)

	mux.CleanupSocket("sock1")
}

func TestForwardedReconnectHandsOverStream(t *testing.T) {
	emitter := newRecordingEmitter()
	bridge := bridgetest.New()
	bridge.AddInstance(hostbridge.InstanceInfo{InstanceID: "h1", Status: hostbridge.StatusConnected})
	mux, tracker := newTestMux(t, emitter, bridge, 5)

	s1 := testSession("sock1", "alice")
	_, err := mux.Spawn(context.Background(), s1, SpawnRequest{InstanceID: "h1"})
	require.NoError(t, err)

	// Socket disconnects; its session records are cleaned up.
	mux.CleanupSocket("sock1")
	tracker.CleanupSessionInstances(s1.ID)
	require.Equal(t, 0, mux.ForwardedCount())

	// Same user reconnects on a new socket and re-spawns.
	s2 := testSession("sock2", "alice")
	_, err = mux.Spawn(context.Background(), s2, SpawnRequest{InstanceID: "h1"})
	require.NoError(t, err)
	require.Equal(t, "sock2", bridge.Binding("h1"))

	bridge.EmitOutput("h1", []byte("after reconnect"))
	require.Eventually(t, func() bool {
		return strings.Contains(emitter.output(t, "sock2", "h1"), "after reconnect")
	}, 5*time.Second, 20*time.Millisecond)
	require.Empty(t, emitter.output(t, "sock1", "h1"), "closed socket must not receive output")

	mux.CleanupSocket("sock2")
}

func TestStopForwardedStopsHost(t *testing.T) {
	emitter := newRecordingEmitter()
	bridge := bridgetest.New()
	bridge.AddInstance(hostbridge.InstanceInfo{InstanceID: "h1", Status: hostbridge.StatusConnected})
	mux, tracker := newTestMux(t, emitter, bridge, 5)
	sess := testSession("sock1", "alice")

	_, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "h1"})
	require.NoError(t, err)

	require.NoError(t, mux.Stop(context.Background(), sess, "h1"))
	require.Equal(t, []string{"h1"}, bridge.StopCalls())
	require.Equal(t, 0, mux.ForwardedCount())
	require.False(t, tracker.UserOwnsInstance("alice", "h1"))
}

func TestGetBufferPrefersHost(t *testing.T) {
	emitter := newRecordingEmitter()
	bridge := bridgetest.New()
	bridge.AddInstance(hostbridge.InstanceInfo{InstanceID: "h1", Status: hostbridge.StatusConnected})
	bridge.SetBuffer("h1", "full host history")
	mux, _ := newTestMux(t, emitter, bridge, 5)
	sess := testSession("sock1", "alice")

	_, err := mux.Spawn(context.Background(), sess, SpawnRequest{InstanceID: "h1"})
	require.NoError(t, err)

	require.NoError(t, mux.ConfigureTerminal(context.Background(), sess, "h1", 40, 12))

	buffer, err := mux.GetBuffer(context.Background(), sess, "h1")
	require.NoError(t, err)
	require.Equal(t, "full host history", buffer)

	mux.CleanupSocket("sock1")
}

func TestTranscoderReplaysHistory(t *testing.T) {
	tc := newTranscoder(40, 10)
	tc.feed([]byte("first line\r\nsecond line\r\n"))
	snap := tc.snapshot()
	require.Contains(t, snap, "first line")
	require.Contains(t, snap, "second line")

	// A replacement viewport re-renders the same bytes at new dimensions.
	narrow := newTranscoder(20, 5)
	narrow.feed([]byte("first line\r\nsecond line\r\n"))
	require.Contains(t, narrow.snapshot(), "second line")
}

func TestSpawnWithoutBinary(t *testing.T) {
	emitter := newRecordingEmitter()
	tracker, err := isolation.NewTracker(isolation.Config{})
	require.NoError(t, err)
	mux, err := NewMux(Config{
		Emitter:          emitter,
		Bridge:           bridgetest.New(),
		Isolation:        tracker,
		Workspace:        staticWorkspace(t.TempDir()),
		BinaryCandidates: []string{"definitely-not-a-real-binary-name"},
	})
	require.NoError(t, err)

	_, err = mux.Spawn(context.Background(), testSession("sock1", "alice"), SpawnRequest{InstanceID: "i1"})
	require.True(t, trace.IsNotFound(err))
	require.False(t, tracker.InstanceRegistered("i1"))
}
