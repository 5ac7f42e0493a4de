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

// Package synchub keeps the append-only per-(user, workspace) patch logs
// that converge application state across a user's sessions. A push appends
// and fans out to the author's sibling sessions; a pull replays patches
// after a cursor. Patches are opaque to the hub.
package synchub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/utils"
)

var patchesPushed = prometheus.NewCounter(prometheus.CounterOpts{
	Name: drawbridge.MetricSyncPatchesPushed,
	Help: "Patches accepted by sync:push.",
})

// Emitter delivers asynchronous events to a connected socket.
type Emitter interface {
	Emit(socketID string, event any)
}

// Patch is one opaque state delta. The hub attaches the identity fields on
// ingress; clients never set them.
type Patch struct {
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	SessionID  string          `json:"sessionId,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// StoreKey identifies one patch log.
type StoreKey struct {
	UserID      string
	WorkspaceID string
}

func keyFor(sess *session.Session) StoreKey {
	workspace := sess.WorkspaceID
	if workspace == "" {
		workspace = "default"
	}
	return StoreKey{UserID: sess.UserID, WorkspaceID: workspace}
}

// Store persists patch logs. Appends within a key keep receipt order;
// Since(key, zero) returns the whole log.
type Store interface {
	Append(key StoreKey, patches []Patch) error
	Since(key StoreKey, since time.Time) ([]Patch, error)
	Close() error
}

// PatchesEvent fans a push out to the author's sibling sessions.
type PatchesEvent struct {
	Event   string  `json:"event"`
	Patches []Patch `json:"patches"`
	From    string  `json:"from"`
}

// PullResult answers a pull.
type PullResult struct {
	Patches []Patch `json:"patches"`
	// Compressed advises the client to request compression next time; the
	// patches themselves are not compressed.
	Compressed bool `json:"compressed"`
}

// StatusResult summarizes the caller's patch log.
type StatusResult struct {
	TotalPatches  int            `json:"totalPatches"`
	PatchesByType map[string]int `json:"patchesByType"`
	OldestPatch   *time.Time     `json:"oldestPatch,omitempty"`
	NewestPatch   *time.Time     `json:"newestPatch,omitempty"`
}

// Config configures the hub.
type Config struct {
	// Store persists the patch logs.
	Store Store
	// Registry resolves the author's sibling sessions for fan-out.
	Registry *session.Registry
	// Emitter delivers the fan-out events.
	Emitter Emitter
	// Clock supplies receipt timestamps.
	Clock clockwork.Clock
	// Logger emits fan-out diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		store, err := NewMemoryStore(defaults.SyncMemoryStoreKeys, defaults.SyncMemoryStorePatchesPerKey)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Store = store
	}
	if c.Registry == nil {
		return trace.BadParameter("missing session registry")
	}
	if c.Emitter == nil {
		return trace.BadParameter("missing emitter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentSyncHub)
	}
	return nil
}

// Hub serializes pushes per store key and answers pulls.
type Hub struct {
	cfg Config
}

// NewHub returns a hub over the configured store.
func NewHub(cfg Config) (*Hub, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(patchesPushed); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Hub{cfg: cfg}, nil
}

// Push appends the patches to the caller's log and fans them out to the
// caller's other live sessions in the same workspace. Fan-out is best
// effort: the append has already made the patches durable for pull.
func (h *Hub) Push(sess *session.Session, patches []Patch) (int, error) {
	if sess == nil {
		return 0, trace.BadParameter("missing session")
	}
	if len(patches) == 0 {
		return 0, nil
	}
	now := h.cfg.Clock.Now()
	enriched := make([]Patch, len(patches))
	for i, p := range patches {
		p.UserID = sess.UserID
		p.SessionID = sess.ID
		p.ReceivedAt = now
		enriched[i] = p
	}

	if err := h.cfg.Store.Append(keyFor(sess), enriched); err != nil {
		return 0, trace.Wrap(err)
	}
	patchesPushed.Add(float64(len(enriched)))

	event := PatchesEvent{
		Event:   drawbridge.EventSyncPatches,
		Patches: enriched,
		From:    sess.ID,
	}
	for _, sibling := range h.cfg.Registry.SessionsForUser(sess.UserID) {
		if sibling.ID == sess.ID || sibling.WorkspaceID != sess.WorkspaceID {
			continue
		}
		h.cfg.Emitter.Emit(sibling.SocketID, event)
	}
	return len(enriched), nil
}

// Pull returns the caller's patches received after the cursor, newest last,
// excluding patches the calling session authored itself. A nil cursor
// replays the whole log.
func (h *Hub) Pull(sess *session.Session, since *time.Time, types []string) (PullResult, error) {
	if sess == nil {
		return PullResult{}, trace.BadParameter("missing session")
	}
	cursor := time.Time{}
	if since != nil {
		cursor = *since
	}
	stored, err := h.cfg.Store.Since(keyFor(sess), cursor)
	if err != nil {
		return PullResult{}, trace.Wrap(err)
	}

	var typeSet map[string]struct{}
	if len(types) > 0 {
		typeSet = make(map[string]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}

	patches := make([]Patch, 0, len(stored))
	size := 0
	for _, p := range stored {
		if p.SessionID == sess.ID {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[p.EntityType]; !ok {
				continue
			}
		}
		patches = append(patches, p)
		size += len(p.Payload)
	}

	compressed := len(patches) > defaults.SyncCompressedHintPatchCount ||
		size > defaults.SyncCompressedHintBytes
	return PullResult{Patches: patches, Compressed: compressed}, nil
}

// Status summarizes the caller's patch log.
func (h *Hub) Status(sess *session.Session) (StatusResult, error) {
	if sess == nil {
		return StatusResult{}, trace.BadParameter("missing session")
	}
	stored, err := h.cfg.Store.Since(keyFor(sess), time.Time{})
	if err != nil {
		return StatusResult{}, trace.Wrap(err)
	}
	result := StatusResult{
		TotalPatches:  len(stored),
		PatchesByType: make(map[string]int),
	}
	for _, p := range stored {
		result.PatchesByType[p.EntityType]++
		if result.OldestPatch == nil || p.ReceivedAt.Before(*result.OldestPatch) {
			received := p.ReceivedAt
			result.OldestPatch = &received
		}
		if result.NewestPatch == nil || p.ReceivedAt.After(*result.NewestPatch) {
			received := p.ReceivedAt
			result.NewestPatch = &received
		}
	}
	return result, nil
}
