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
	"log/slog"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge"
)

// socketWatcher owns one fsnotify watcher per connected socket. Events are
// forwarded raw, uncoalesced, in arrival order.
type socketWatcher struct {
	socketID string
	watcher  *fsnotify.Watcher
	emitter  Emitter
	logger   *slog.Logger

	mu      sync.Mutex
	watches map[string]string // watched path -> watch id
	closed  bool
}

// Watch registers interest in a path and returns the watch id. The first
// change events may arrive before this call returns; the acknowledgement is
// immediate.
func (h *Handler) Watch(socketID, path string) (string, error) {
	safe, err := h.cfg.Guard.Validate(path)
	if err != nil {
		return "", trace.Wrap(err)
	}

	h.mu.Lock()
	sw := h.watchers[socketID]
	if sw == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			h.mu.Unlock()
			return "", trace.Wrap(err)
		}
		sw = &socketWatcher{
			socketID: socketID,
			watcher:  watcher,
			emitter:  h.cfg.Emitter,
			logger:   h.cfg.Logger,
			watches:  make(map[string]string),
		}
		h.watchers[socketID] = sw
		go sw.run()
	}
	h.mu.Unlock()

	watchID, err := sw.add(safe)
	return watchID, trace.Wrap(err)
}

func (sw *socketWatcher) add(path string) (string, error) {
	sw.mu.Lock()
	if sw.closed {
		sw.mu.Unlock()
		return "", trace.ConnectionProblem(nil, "watcher for socket %v is closed", sw.socketID)
	}
	if id, ok := sw.watches[path]; ok {
		sw.mu.Unlock()
		return id, nil
	}
	id := uuid.NewString()
	sw.watches[path] = id
	sw.mu.Unlock()

	if err := sw.watcher.Add(path); err != nil {
		sw.mu.Lock()
		delete(sw.watches, path)
		sw.mu.Unlock()
		return "", trace.ConvertSystemError(err)
	}
	return id, nil
}

// watchID resolves the watch an event belongs to: the exact watched path or
// the nearest watched ancestor directory.
func (sw *socketWatcher) watchID(name string) string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if id, ok := sw.watches[name]; ok {
		return id
	}
	best := ""
	bestLen := -1
	for path, id := range sw.watches {
		if strings.HasPrefix(name, path+"/") && len(path) > bestLen {
			best = id
			bestLen = len(path)
		}
	}
	return best
}

func (sw *socketWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			id := sw.watchID(event.Name)
			if id == "" {
				continue
			}
			sw.emitter.Emit(sw.socketID, ChangeEvent{
				Event:   drawbridge.EventFileChange,
				WatchID: id,
				Path:    event.Name,
				Kind:    event.Op.String(),
			})
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Debug("Filesystem watcher error.", "socket_id", sw.socketID, "error", err)
		}
	}
}

// CleanupSocketWatchers closes the socket's watcher, if any.
func (h *Handler) CleanupSocketWatchers(socketID string) {
	h.mu.Lock()
	sw := h.watchers[socketID]
	delete(h.watchers, socketID)
	h.mu.Unlock()
	if sw == nil {
		return
	}
	sw.mu.Lock()
	sw.closed = true
	sw.mu.Unlock()
	if err := sw.watcher.Close(); err != nil {
		h.cfg.Logger.Debug("Closing filesystem watcher failed.", "socket_id", socketID, "error", err)
	}
}
