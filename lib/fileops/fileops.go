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

// Package fileops serves filesystem requests from remote clients. Every
// operation validates its path through the path guard before touching the
// disk; permission checks happen upstream in the dispatcher.
package fileops

import (
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/pathguard"
)

// Emitter delivers asynchronous events to a connected socket.
type Emitter interface {
	Emit(socketID string, event any)
}

// ChangeEvent carries one filesystem watch notification.
type ChangeEvent struct {
	Event   string `json:"event"`
	WatchID string `json:"watchId"`
	Path    string `json:"path"`
	Kind    string `json:"kind"`
}

// ListEntry is one directory entry in a list response. A stat failure on a
// single entry degrades to an error field instead of failing the listing.
type ListEntry struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	IsDirectory bool       `json:"isDirectory"`
	IsFile      bool       `json:"isFile"`
	Size        int64      `json:"size,omitempty"`
	Modified    *time.Time `json:"modified,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StatResult describes a path. Exists false means the rest is zero.
type StatResult struct {
	Exists      bool      `json:"exists"`
	IsDirectory bool      `json:"isDirectory"`
	IsFile      bool      `json:"isFile"`
	Size        int64     `json:"size"`
	Modified    time.Time `json:"modified"`
	Accessed    time.Time `json:"accessed"`
	Created     time.Time `json:"created"`
}

// Config configures the handler.
type Config struct {
	// Guard validates every requested path.
	Guard *pathguard.Guard
	// Emitter delivers watch notifications.
	Emitter Emitter
	// Logger emits watch diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Guard == nil {
		return trace.BadParameter("missing path guard")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing emitter")
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentFileOps)
	}
	return nil
}

// Handler serves file operations.
type Handler struct {
	cfg Config

	mu       sync.Mutex
	watchers map[string]*socketWatcher
}

// NewHandler returns a handler with no watchers.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Handler{
		cfg:      cfg,
		watchers: make(map[string]*socketWatcher),
	}, nil
}

func encodeContent(data []byte, encoding string) (string, error) {
	switch encoding {
	case "", "utf8", "utf-8":
		return string(data), nil
	case "base64":
		return base64.StdEncoding.EncodeToString(data), nil
	case "hex":
		return hex.EncodeToString(data), nil
	}
	return "", trace.BadParameter("unsupported encoding %q", encoding)
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf8", "utf-8":
		return []byte(content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(content)
		return data, trace.Wrap(err)
	case "hex":
		data, err := hex.DecodeString(content)
		return data, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unsupported encoding %q", encoding)
}

// Read returns the file's content in the requested encoding.
func (h *Handler) Read(path, encoding string) (string, error) {
	safe, err := h.cfg.Guard.Validate(path)
	if err != nil {
		return "", trace.Wrap(err)
	}
	data, err := os.ReadFile(safe)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	content, err := encodeContent(data, encoding)
	return content, trace.Wrap(err)
}

// Write overwrites the file, creating it and missing parent directories if
// absent. No atomic rename is promised.
func (h *Handler) Write(path, content, encoding string) error {
	safe, err := h.cfg.Guard.Validate(path)
	if err != nil {
		return trace.Wrap(err)
	}
	data, err := decodeContent(content, encoding)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(safe), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(safe, data, 0o644); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// List enumerates the directory.
func (h *Handler) List(path string) ([]ListEntry, error) {
	safe, err := h.cfg.Guard.Validate(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	entries, err := os.ReadDir(safe)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	out := make([]ListEntry, 0, len(entries))
	for _, entry := range entries {
		le := ListEntry{
			Name:        entry.Name(),
			Path:        filepath.Join(safe, entry.Name()),
			IsDirectory: entry.IsDir(),
			IsFile:      entry.Type().IsRegular(),
		}
		if info, err := entry.Info(); err != nil {
			le.Error = err.Error()
		} else {
			le.Size = info.Size()
			modified := info.ModTime()
			le.Modified = &modified
		}
		out = append(out, le)
	}
	return out, nil
}

// Delete unlinks a file or recursively removes a directory.
func (h *Handler) Delete(path string) error {
	safe, err := h.cfg.Guard.Validate(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := os.Lstat(safe); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.RemoveAll(safe); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Stat describes the path. A missing path is not an error; Exists is false.
func (h *Handler) Stat(path string) (StatResult, error) {
	safe, err := h.cfg.Guard.Validate(path)
	if err != nil {
		return StatResult{}, trace.Wrap(err)
	}
	info, err := os.Stat(safe)
	if err != nil {
		if os.IsNotExist(err) {
			return StatResult{}, nil
		}
		return StatResult{}, trace.ConvertSystemError(err)
	}
	accessed, created := fileTimes(info)
	return StatResult{
		Exists:      true,
		IsDirectory: info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
		Size:        info.Size(),
		Modified:    info.ModTime(),
		Accessed:    accessed,
		Created:     created,
	}, nil
}
