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
	"sync"

	"github.com/gravitational/trace"
)

// Registry is the socket-to-session lookup table. Reads vastly outnumber
// writes; writes happen only at socket connect and disconnect.
type Registry struct {
	mu        sync.RWMutex
	bySocket  map[string]*Session
	bySession map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySocket:  make(map[string]*Session),
		bySession: make(map[string]*Session),
	}
}

// Register binds the session to its socket. Registering over a live socket
// binding is refused; the disconnect cleanup must complete first.
func (r *Registry) Register(s *Session) error {
	if s == nil {
		return trace.BadParameter("missing session")
	}
	if s.SocketID == "" || s.ID == "" || s.UserID == "" {
		return trace.BadParameter("session is missing id, socket id or user id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySocket[s.SocketID]; ok {
		return trace.AlreadyExists("socket %v already has a session", s.SocketID)
	}
	r.bySocket[s.SocketID] = s
	r.bySession[s.ID] = s
	return nil
}

// Unregister removes the socket's session binding and returns the removed
// session, or nil if the socket had none.
func (r *Registry) Unregister(socketID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.bySocket[socketID]
	if !ok {
		return nil
	}
	delete(r.bySocket, socketID)
	delete(r.bySession, s.ID)
	return s
}

// SessionBySocket resolves the session riding on the socket.
func (r *Registry) SessionBySocket(socketID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySocket[socketID]
	if !ok {
		return nil, trace.NotFound("no session for socket %v", socketID)
	}
	return s, nil
}

// SessionByID resolves a session by its own id.
func (r *Registry) SessionByID(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	if !ok {
		return nil, trace.NotFound("no session %v", sessionID)
	}
	return s, nil
}

// SessionsForUser returns every live session belonging to the user, in no
// particular order.
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.bySocket {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySocket)
}
