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

// Package features caches the descriptor of host-side auxiliary features
// (hooks, servers, commands). Clients either store a descriptor they
// computed themselves or ask the gateway to compute one from the settings
// files and a single run of the assistant's tooling query.
package features

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/defaults"
)

const (
	storedKey   = "descriptor"
	storedAtKey = "descriptor_at"
	probeKey    = "probe"
)

// WorkspaceResolver reports the current workspace path.
type WorkspaceResolver interface {
	WorkspacePath() string
}

// Result is the answer to a descriptor query.
type Result struct {
	// Features is the descriptor, either as stored by a client or as
	// computed by the gateway.
	Features json.RawMessage `json:"features"`
	// LastSync is when a client last stored a descriptor; nil when the
	// descriptor was computed.
	LastSync *time.Time `json:"lastSync,omitempty"`
	// Computed is true when no stored descriptor existed and the gateway
	// derived one on demand.
	Computed bool `json:"computed"`
}

// computedDescriptor is what the gateway derives when nothing was stored.
type computedDescriptor struct {
	Hooks    map[string]json.RawMessage `json:"hooks"`
	Servers  map[string]json.RawMessage `json:"servers"`
	Commands json.RawMessage            `json:"commands,omitempty"`
}

// settingsFile is the subset of the assistant settings files the descriptor
// draws from. Unknown keys are ignored.
type settingsFile struct {
	Hooks      map[string]json.RawMessage `json:"hooks"`
	MCPServers map[string]json.RawMessage `json:"mcpServers"`
}

// Config configures the cache.
type Config struct {
	// ConfigDir holds the global settings.json.
	ConfigDir string
	// Workspace resolves the workspace-local settings file.
	Workspace WorkspaceResolver
	// BinaryPath is the assistant binary used for the tooling probe. Empty
	// disables the probe; the computed descriptor then carries settings
	// data only.
	BinaryPath string
	// ProbeArgs is the argv passed to the binary for the probe.
	ProbeArgs []string
	// ProbeTimeout bounds a single probe run.
	ProbeTimeout time.Duration
	// ProbeTTL is how long a probe result is memoized.
	ProbeTTL time.Duration
	// Clock supplies lastSync timestamps.
	Clock clockwork.Clock
	// Logger emits probe diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Workspace == nil {
		return trace.BadParameter("missing workspace resolver")
	}
	if len(c.ProbeArgs) == 0 {
		c.ProbeArgs = []string{"features", "--json"}
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.FeatureProbeTimeout
	}
	if c.ProbeTTL <= 0 {
		c.ProbeTTL = defaults.FeatureProbeTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentFeatures)
	}
	return nil
}

// Cache holds the stored descriptor (no expiry) and the memoized probe
// result (TTL'd).
type Cache struct {
	cfg   Config
	cache *gocache.Cache
}

// NewCache returns an empty cache.
func NewCache(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Cache{
		cfg:   cfg,
		cache: gocache.New(cfg.ProbeTTL, 2*cfg.ProbeTTL),
	}, nil
}

// Store replaces the cached descriptor and records the sync time.
func (c *Cache) Store(descriptor json.RawMessage) (time.Time, error) {
	if len(descriptor) == 0 {
		return time.Time{}, trace.BadParameter("missing features descriptor")
	}
	if !json.Valid(descriptor) {
		return time.Time{}, trace.BadParameter("features descriptor is not valid JSON")
	}
	now := c.cfg.Clock.Now()
	c.cache.Set(storedKey, descriptor, gocache.NoExpiration)
	c.cache.Set(storedAtKey, now, gocache.NoExpiration)
	return now, nil
}

// Get returns the stored descriptor, or computes one on demand when none
// was stored.
func (c *Cache) Get(ctx context.Context) (Result, error) {
	if stored, ok := c.cache.Get(storedKey); ok {
		result := Result{Features: stored.(json.RawMessage)}
		if at, ok := c.cache.Get(storedAtKey); ok {
			syncedAt := at.(time.Time)
			result.LastSync = &syncedAt
		}
		return result, nil
	}

	descriptor := computedDescriptor{
		Hooks:   make(map[string]json.RawMessage),
		Servers: make(map[string]json.RawMessage),
	}
	c.mergeSettings(&descriptor, filepath.Join(c.cfg.ConfigDir, "settings.json"))
	if workspace := c.cfg.Workspace.WorkspacePath(); workspace != "" {
		c.mergeSettings(&descriptor, filepath.Join(workspace, ".assistant", "settings.json"))
	}
	descriptor.Commands = c.probe(ctx)

	raw, err := json.Marshal(descriptor)
	if err != nil {
		return Result{}, trace.Wrap(err)
	}
	return Result{Features: raw, Computed: true}, nil
}

// mergeSettings folds one settings file into the descriptor. Later files
// override earlier ones key by key. Unreadable or malformed files are
// skipped; the descriptor degrades rather than the query failing.
func (c *Cache) mergeSettings(descriptor *computedDescriptor, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.cfg.Logger.Debug("Reading settings file failed.", "path", path, "error", err)
		}
		return
	}
	var settings settingsFile
	if err := json.Unmarshal(data, &settings); err != nil {
		c.cfg.Logger.Warn("Settings file is not valid JSON, skipping.", "path", path, "error", err)
		return
	}
	for name, hook := range settings.Hooks {
		descriptor.Hooks[name] = hook
	}
	for name, server := range settings.MCPServers {
		descriptor.Servers[name] = server
	}
}

// probe runs the assistant's tooling query once per TTL and memoizes the
// result. Probe failures memoize an empty result so a broken binary is not
// re-run on every query.
func (c *Cache) probe(ctx context.Context) json.RawMessage {
	if c.cfg.BinaryPath == "" {
		return nil
	}
	if cached, ok := c.cache.Get(probeKey); ok {
		return cached.(json.RawMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.cfg.BinaryPath, c.cfg.ProbeArgs...).Output()
	if err != nil {
		c.cfg.Logger.Warn("Feature probe failed.", "binary", c.cfg.BinaryPath, "error", err)
		c.cache.SetDefault(probeKey, json.RawMessage(nil))
		return nil
	}

	out = bytes.TrimSpace(out)
	var result json.RawMessage
	if json.Valid(out) {
		result = json.RawMessage(out)
	} else if len(out) > 0 {
		quoted, err := json.Marshal(string(out))
		if err == nil {
			result = quoted
		}
	}
	c.cache.SetDefault(probeKey, result)
	return result
}
