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

package features

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type staticWorkspace string

func (w staticWorkspace) WorkspacePath() string { return string(w) }

func writeJSON(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// countingProbe is a shell script that appends to a marker file on every run
// so tests can observe memoization.
func countingProbe(t *testing.T) (binary, marker string) {
	t.Helper()
	dir := t.TempDir()
	marker = filepath.Join(dir, "runs")
	binary = filepath.Join(dir, "probe")
	script := "#!/bin/sh\necho run >> " + marker + "\necho '[\"do-thing\"]'\n"
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, marker
}

func TestStoreThenGet(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache, err := NewCache(Config{
		ConfigDir: t.TempDir(),
		Workspace: staticWorkspace(t.TempDir()),
		Clock:     clock,
	})
	require.NoError(t, err)

	descriptor := json.RawMessage(`{"hooks":{"pre":"x"}}`)
	syncedAt, err := cache.Store(descriptor)
	require.NoError(t, err)
	require.True(t, syncedAt.Equal(clock.Now()))

	result, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.False(t, result.Computed)
	require.JSONEq(t, string(descriptor), string(result.Features))
	require.NotNil(t, result.LastSync)
	require.True(t, result.LastSync.Equal(syncedAt))
}

func TestStoreRejectsInvalid(t *testing.T) {
	cache, err := NewCache(Config{
		ConfigDir: t.TempDir(),
		Workspace: staticWorkspace(""),
	})
	require.NoError(t, err)

	_, err = cache.Store(nil)
	require.True(t, trace.IsBadParameter(err))
	_, err = cache.Store(json.RawMessage(`{broken`))
	require.True(t, trace.IsBadParameter(err))
}

func TestComputedMergesSettings(t *testing.T) {
	configDir := t.TempDir()
	workspace := t.TempDir()
	writeJSON(t, filepath.Join(configDir, "settings.json"),
		`{"hooks":{"pre":"global"},"mcpServers":{"db":{"port":1}}}`)
	writeJSON(t, filepath.Join(workspace, ".assistant", "settings.json"),
		`{"hooks":{"pre":"local","post":"local"}}`)

	cache, err := NewCache(Config{
		ConfigDir: configDir,
		Workspace: staticWorkspace(workspace),
	})
	require.NoError(t, err)

	result, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.True(t, result.Computed)
	require.Nil(t, result.LastSync)

	var descriptor computedDescriptor
	require.NoError(t, json.Unmarshal(result.Features, &descriptor))
	// Workspace settings override global ones key by key.
	require.JSONEq(t, `"local"`, string(descriptor.Hooks["pre"]))
	require.JSONEq(t, `"local"`, string(descriptor.Hooks["post"]))
	require.JSONEq(t, `{"port":1}`, string(descriptor.Servers["db"]))
}

func TestComputedSkipsMalformedSettings(t *testing.T) {
	configDir := t.TempDir()
	writeJSON(t, filepath.Join(configDir, "settings.json"), `not json`)

	cache, err := NewCache(Config{
		ConfigDir: configDir,
		Workspace: staticWorkspace(""),
	})
	require.NoError(t, err)

	result, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.True(t, result.Computed)
}

func TestProbeMemoized(t *testing.T) {
	binary, marker := countingProbe(t)
	cache, err := NewCache(Config{
		ConfigDir:  t.TempDir(),
		Workspace:  staticWorkspace(""),
		BinaryPath: binary,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		result, err := cache.Get(context.Background())
		require.NoError(t, err)
		var descriptor computedDescriptor
		require.NoError(t, json.Unmarshal(result.Features, &descriptor))
		require.JSONEq(t, `["do-thing"]`, string(descriptor.Commands))
	}

	runs, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "run\n", string(runs), "probe should run once, not per query")
}

func TestStoredDescriptorSkipsProbe(t *testing.T) {
	binary, marker := countingProbe(t)
	cache, err := NewCache(Config{
		ConfigDir:  t.TempDir(),
		Workspace:  staticWorkspace(""),
		BinaryPath: binary,
	})
	require.NoError(t, err)

	_, err = cache.Store(json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = cache.Get(context.Background())
	require.NoError(t, err)

	_, err = os.ReadFile(marker)
	require.True(t, os.IsNotExist(err), "probe must not run when a descriptor is stored")
}
