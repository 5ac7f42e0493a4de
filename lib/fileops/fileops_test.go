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

package fileops

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/moatworks/drawbridge/lib/pathguard"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []any
}

func (e *recordingEmitter) Emit(socketID string, event any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEmitter) changeEvents() []ChangeEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ChangeEvent
	for _, ev := range e.events {
		if ce, ok := ev.(ChangeEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

func newTestHandler(t *testing.T) (*Handler, *recordingEmitter) {
	t.Helper()
	guard, err := pathguard.NewDefault()
	require.NoError(t, err)
	emitter := &recordingEmitter{}
	handler, err := NewHandler(Config{Guard: guard, Emitter: emitter})
	require.NoError(t, err)
	return handler, emitter
}

func TestReadWriteRoundTrip(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.txt")

	require.NoError(t, h.Write(path, "hello world", ""))
	content, err := h.Read(path, "")
	require.NoError(t, err)
	require.Equal(t, "hello world", content)

	// Overwrite, not append.
	require.NoError(t, h.Write(path, "shorter", "utf8"))
	content, err = h.Read(path, "utf8")
	require.NoError(t, err)
	require.Equal(t, "shorter", content)
}

func TestEncodings(t *testing.T) {
	h, _ := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "bin")
	raw := []byte{0x00, 0x01, 0xff}

	require.NoError(t, h.Write(path, base64.StdEncoding.EncodeToString(raw), "base64"))

	content, err := h.Read(path, "base64")
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(content)
	require.NoError(t, err)
	require.Equal(t, raw, decoded)

	hexContent, err := h.Read(path, "hex")
	require.NoError(t, err)
	require.Equal(t, "0001ff", hexContent)

	_, err = h.Read(path, "ebcdic")
	require.True(t, trace.IsBadParameter(err))
}

func TestForbiddenPathsRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	_, err := h.Read("/etc/passwd", "")
	require.True(t, trace.IsBadParameter(err))

	_, err = h.Read("/tmp/../etc/passwd", "")
	require.True(t, trace.IsBadParameter(err))

	require.True(t, trace.IsBadParameter(h.Write("/proc/self/environ", "x", "")))
	require.True(t, trace.IsBadParameter(h.Delete("/sys/kernel")))
	_, err = h.List("relative/path")
	require.True(t, trace.IsBadParameter(err))
}

func TestListDegradesPerEntry(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aa"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	entries, err := h.List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := make(map[string]ListEntry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	require.True(t, byName["a.txt"].IsFile)
	require.Equal(t, int64(2), byName["a.txt"].Size)
	require.NotNil(t, byName["a.txt"].Modified)
	require.True(t, byName["sub"].IsDirectory)
}

func TestDeleteRecursive(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "f"), []byte("x"), 0o644))

	require.NoError(t, h.Delete(filepath.Join(dir, "a")))
	_, err := os.Stat(filepath.Join(dir, "a"))
	require.True(t, os.IsNotExist(err))

	// Deleting a missing path reports not found.
	require.True(t, trace.IsNotFound(h.Delete(filepath.Join(dir, "a"))))
}

func TestStat(t *testing.T) {
	h, _ := newTestHandler(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	st, err := h.Stat(path)
	require.NoError(t, err)
	require.True(t, st.Exists)
	require.True(t, st.IsFile)
	require.Equal(t, int64(3), st.Size)
	require.False(t, st.Modified.IsZero())

	st, err = h.Stat(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.False(t, st.Exists)
}

func TestWatchForwardsEvents(t *testing.T) {
	h, emitter := newTestHandler(t)
	dir := t.TempDir()

	watchID, err := h.Watch("sock1", dir)
	require.NoError(t, err)
	require.NotEmpty(t, watchID)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		for _, ev := range emitter.changeEvents() {
			if ev.WatchID == watchID && filepath.Base(ev.Path) == "new.txt" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "expected a change event")

	h.CleanupSocketWatchers("sock1")

	// A second watch on a cleaned socket builds a fresh watcher.
	watchID2, err := h.Watch("sock1", dir)
	require.NoError(t, err)
	require.NotEmpty(t, watchID2)
	h.CleanupSocketWatchers("sock1")
}
