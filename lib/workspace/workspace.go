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

// Package workspace resolves the workspace path a session operates within.
// The resolution chain is layered: the in-memory global workspace wins, then
// the persisted config file, then the user's home directory. Which layer
// answered is not visible to the client beyond the hasWorkspace flag.
package workspace

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/utils"
)

// Info is the answer to a workspace query.
type Info struct {
	// Path is the resolved workspace directory.
	Path string `json:"path"`
	// Name is the directory's base name.
	Name string `json:"name"`
	// HasWorkspace is false when the resolution fell through to the home
	// directory.
	HasWorkspace bool `json:"hasWorkspace"`
}

// Config configures the resolver.
type Config struct {
	// ConfigDir holds the persisted config.json. Empty disables the
	// persisted layer.
	ConfigDir string
	// Logger emits resolution diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentWorkspace)
	}
	return nil
}

// Service answers workspace queries.
type Service struct {
	cfg Config

	mu   sync.RWMutex
	path string
}

// NewService returns a resolver with no in-memory workspace set.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{cfg: cfg}, nil
}

// SetWorkspace pins the in-memory global workspace. It must be an existing
// directory.
func (s *Service) SetWorkspace(path string) error {
	if path == "" {
		return trace.BadParameter("empty workspace path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if !utils.DirExists(abs) {
		return trace.BadParameter("workspace %v is not a directory", abs)
	}
	s.mu.Lock()
	s.path = abs
	s.mu.Unlock()
	return nil
}

// persistedConfig is the subset of config.json the resolver reads. The file
// is written by the host application; the gateway never writes it.
type persistedConfig struct {
	WorkspacePath string `json:"workspacePath"`
	Workspace     struct {
		LastPath string `json:"lastPath"`
	} `json:"workspace"`
}

func (s *Service) persistedPath() string {
	if s.cfg.ConfigDir == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(s.cfg.ConfigDir, "config.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			s.cfg.Logger.Debug("Could not read persisted config.", "error", err)
		}
		return ""
	}
	var cfg persistedConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.cfg.Logger.Warn("Persisted config is not valid JSON, ignoring it.", "error", err)
		return ""
	}
	if cfg.WorkspacePath != "" {
		return cfg.WorkspacePath
	}
	return cfg.Workspace.LastPath
}

// Get resolves the current workspace: in-memory global, then the persisted
// config, then the home directory.
func (s *Service) Get() (Info, error) {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path != "" {
		return Info{Path: path, Name: filepath.Base(path), HasWorkspace: true}, nil
	}
	if persisted := s.persistedPath(); persisted != "" && utils.DirExists(persisted) {
		return Info{Path: persisted, Name: filepath.Base(persisted), HasWorkspace: true}, nil
	}
	home, err := utils.HomeDir()
	if err != nil {
		return Info{}, trace.Wrap(err)
	}
	return Info{Path: home, Name: filepath.Base(home), HasWorkspace: false}, nil
}

// WorkspacePath returns the resolved workspace directory, falling back to
// the process working directory when even the home lookup fails. Used by the
// terminal and assistant multiplexers as the default working directory.
func (s *Service) WorkspacePath() string {
	info, err := s.Get()
	if err != nil {
		wd, _ := os.Getwd()
		return wd
	}
	return info.Path
}
