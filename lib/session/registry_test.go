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

package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/moatworks/drawbridge"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	s := &Session{
		ID:          "sess-1",
		SocketID:    "sock-1",
		UserID:      "alice",
		Permissions: drawbridge.AllPermissions(),
	}
	require.NoError(t, r.Register(s))

	got, err := r.SessionBySocket("sock-1")
	require.NoError(t, err)
	require.Equal(t, s, got)

	got, err = r.SessionByID("sess-1")
	require.NoError(t, err)
	require.Equal(t, s, got)

	_, err = r.SessionBySocket("sock-2")
	require.True(t, trace.IsNotFound(err))
}

func TestRegistryRefusesDoubleBind(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register(&Session{ID: "a", SocketID: "sock", UserID: "alice"}))
	err := r.Register(&Session{ID: "b", SocketID: "sock", UserID: "bob"})
	require.True(t, trace.IsAlreadyExists(err))

	// The original binding survives.
	got, err := r.SessionBySocket("sock")
	require.NoError(t, err)
	require.Equal(t, "a", got.ID)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()

	s := &Session{ID: "a", SocketID: "sock", UserID: "alice"}
	require.NoError(t, r.Register(s))

	removed := r.Unregister("sock")
	require.Equal(t, s, removed)
	require.Nil(t, r.Unregister("sock"))

	_, err := r.SessionBySocket("sock")
	require.True(t, trace.IsNotFound(err))
	_, err = r.SessionByID("a")
	require.True(t, trace.IsNotFound(err))
	require.Zero(t, r.Len())
}

func TestSessionsForUser(t *testing.T) {
	r := NewRegistry()

	s1 := &Session{ID: "a", SocketID: "sock-1", UserID: "alice"}
	s2 := &Session{ID: "b", SocketID: "sock-2", UserID: "alice"}
	s3 := &Session{ID: "c", SocketID: "sock-3", UserID: "bob"}
	for _, s := range []*Session{s1, s2, s3} {
		require.NoError(t, r.Register(s))
	}

	require.ElementsMatch(t, []*Session{s1, s2}, r.SessionsForUser("alice"))
	require.ElementsMatch(t, []*Session{s3}, r.SessionsForUser("bob"))
	require.Empty(t, r.SessionsForUser("carol"))
}

func TestHasPermission(t *testing.T) {
	s := &Session{
		ID:          "a",
		SocketID:    "sock",
		UserID:      "alice",
		Permissions: []drawbridge.Permission{drawbridge.PermissionFileRead},
	}
	require.True(t, s.HasPermission(drawbridge.PermissionFileRead))
	require.False(t, s.HasPermission(drawbridge.PermissionFileWrite))

	var nilSession *Session
	require.False(t, nilSession.HasPermission(drawbridge.PermissionFileRead))
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	blob := `{
		"tok-alice": {"userId": "alice", "workspaceId": "w1", "permissions": ["FILE_READ", "TERMINAL_CREATE"]},
		"tok-bob": {"userId": "bob"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(blob), 0o600))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	require.Len(t, creds, 2)

	perms, err := creds["tok-alice"].Parse()
	require.NoError(t, err)
	require.Equal(t, []drawbridge.Permission{
		drawbridge.PermissionFileRead,
		drawbridge.PermissionTerminalCreate,
	}, perms)

	// No explicit permissions grants everything.
	perms, err = creds["tok-bob"].Parse()
	require.NoError(t, err)
	require.Equal(t, drawbridge.AllPermissions(), perms)
}

func TestLoadCredentialsRejectsUnknownPermission(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"t": {"userId": "u", "permissions": ["NOT_A_PERMISSION"]}}`), 0o600))

	_, err := LoadCredentials(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
