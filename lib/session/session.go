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

// Package session tracks which authenticated session is bound to which
// connected socket. Sessions are established externally (the gateway does
// not authenticate); this package only answers lookups.
package session

import (
	"slices"

	"github.com/moatworks/drawbridge"
)

// Session binds a connected socket to a user identity, an optional
// workspace, and a fixed set of permissions. Fields never change after the
// session is registered.
type Session struct {
	// ID identifies the session itself.
	ID string
	// SocketID identifies the transport socket this session rides on.
	// Exactly one live session per socket.
	SocketID string
	// UserID is the owning user; ownership of instances is keyed by it.
	UserID string
	// WorkspaceID scopes sync patches. Empty means the default workspace.
	WorkspaceID string
	// Permissions granted when the session was established.
	Permissions []drawbridge.Permission
}

// HasPermission reports whether the session carries the permission. A nil
// session has no permissions.
func (s *Session) HasPermission(p drawbridge.Permission) bool {
	if s == nil {
		return false
	}
	return slices.Contains(s.Permissions, p)
}
