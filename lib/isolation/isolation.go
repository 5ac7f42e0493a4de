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

// Package isolation tracks which user owns which assistant instance and
// enforces the per-user instance quota. Ownership is keyed by user, not by
// session: a user's other sessions may operate instances this user spawned
// elsewhere, other users may not.
package isolation

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/session"
)

// Record is one registered instance. Copies are handed out; the tracker
// keeps the only mutable one.
type Record struct {
	// UserID owns the instance.
	UserID string
	// InstanceID is unique across host and gateway scopes.
	InstanceID string
	// SessionID is the session that spawned the instance; disconnecting it
	// tears the instance down.
	SessionID string
	// InstanceName is the optional display name supplied at spawn.
	InstanceName string
	// WorkspaceID is the workspace the instance was spawned under.
	WorkspaceID string
	// LastActivity is bumped by every authorized operation on the instance.
	LastActivity time.Time
}

// Config configures the tracker.
type Config struct {
	// MaxInstancesPerUser is the quota; zero means the default.
	MaxInstancesPerUser int
	// Clock supplies activity timestamps.
	Clock clockwork.Clock
	// Logger emits cleanup diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.MaxInstancesPerUser < 0 {
		return trace.BadParameter("negative instance quota")
	}
	if c.MaxInstancesPerUser == 0 {
		c.MaxInstancesPerUser = defaults.MaxInstancesPerUser
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentIsolation)
	}
	return nil
}

// Tracker is the per-user instance registry. One lock guards both maps; it
// is never held across I/O.
type Tracker struct {
	cfg Config

	mu         sync.Mutex
	byInstance map[string]*Record
	byUser     map[string]map[string]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Tracker{
		cfg:        cfg,
		byInstance: make(map[string]*Record),
		byUser:     make(map[string]map[string]struct{}),
	}, nil
}

// RegisterInstance reserves an instance slot for the user. It fails with a
// quota error when the user already owns the maximum and with an
// already-exists error when the instance id is taken.
func (t *Tracker) RegisterInstance(userID, instanceID string, sess *session.Session, instanceName string) error {
	if userID == "" || instanceID == "" {
		return trace.BadParameter("missing user id or instance id")
	}
	if sess == nil {
		return trace.BadParameter("missing session")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byInstance[instanceID]; ok {
		return trace.AlreadyExists("instance %v is already registered", instanceID)
	}
	owned := t.byUser[userID]
	if len(owned) >= t.cfg.MaxInstancesPerUser {
		return trace.LimitExceeded("user %v already owns %v instances", userID, len(owned))
	}
	if owned == nil {
		owned = make(map[string]struct{})
		t.byUser[userID] = owned
	}
	owned[instanceID] = struct{}{}
	t.byInstance[instanceID] = &Record{
		UserID:       userID,
		InstanceID:   instanceID,
		SessionID:    sess.ID,
		InstanceName: instanceName,
		WorkspaceID:  sess.WorkspaceID,
		LastActivity: t.cfg.Clock.Now(),
	}
	return nil
}

// InstanceRegistered reports whether any user owns the instance.
func (t *Tracker) InstanceRegistered(instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byInstance[instanceID]
	return ok
}

// UserOwnsInstance is a total function: unknown instances belong to no one.
func (t *Tracker) UserOwnsInstance(userID, instanceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byInstance[instanceID]
	return ok && rec.UserID == userID
}

// UpdateInstanceActivity bumps the instance's activity timestamp. Unknown
// instances are ignored.
func (t *Tracker) UpdateInstanceActivity(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.byInstance[instanceID]; ok {
		rec.LastActivity = t.cfg.Clock.Now()
	}
}

// UnregisterInstance removes the record. Removing a missing instance is a
// no-op.
func (t *Tracker) UnregisterInstance(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(instanceID)
}

func (t *Tracker) removeLocked(instanceID string) {
	rec, ok := t.byInstance[instanceID]
	if !ok {
		return
	}
	delete(t.byInstance, instanceID)
	if owned := t.byUser[rec.UserID]; owned != nil {
		delete(owned, instanceID)
		if len(owned) == 0 {
			delete(t.byUser, rec.UserID)
		}
	}
}

// CleanupSessionInstances removes every record bound to the session and
// returns the instance ids whose PTYs still need to be killed by the owning
// multiplexer.
func (t *Tracker) CleanupSessionInstances(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rec := range t.byInstance {
		if rec.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		t.removeLocked(id)
	}
	if len(ids) > 0 {
		t.cfg.Logger.Debug("Cleaned up session instances.", "session_id", sessionID, "count", len(ids))
	}
	sort.Strings(ids)
	return ids
}

// GetUserInstances returns copies of the user's records, ordered by
// instance id.
func (t *Tracker) GetUserInstances(userID string) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for id := range t.byUser[userID] {
		if rec, ok := t.byInstance[id]; ok {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// IdleInstances returns ids whose last activity is older than the cutoff.
// Used by the assistant idle janitor.
func (t *Tracker) IdleInstances(olderThan time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.cfg.Clock.Now().Add(-olderThan)
	var ids []string
	for id, rec := range t.byInstance {
		if rec.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered instances across all users.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byInstance)
}
