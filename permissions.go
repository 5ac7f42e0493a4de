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

package drawbridge

import (
	"github.com/gravitational/trace"
)

// Permission gates a group of verbs. Permissions are granted to a session
// when it is established and never change afterwards.
type Permission string

const (
	// PermissionFileRead allows file:read, file:list, file:stat and file:watch.
	PermissionFileRead Permission = "FILE_READ"
	// PermissionFileWrite allows file:write.
	PermissionFileWrite Permission = "FILE_WRITE"
	// PermissionFileDelete allows file:delete.
	PermissionFileDelete Permission = "FILE_DELETE"
	// PermissionTerminalCreate allows terminal:create and terminal:list.
	PermissionTerminalCreate Permission = "TERMINAL_CREATE"
	// PermissionTerminalWrite allows terminal:write, terminal:resize and
	// terminal:destroy.
	PermissionTerminalWrite Permission = "TERMINAL_WRITE"
	// PermissionAssistantSpawn allows assistant:spawn.
	PermissionAssistantSpawn Permission = "ASSISTANT_SPAWN"
	// PermissionAssistantControl allows every other assistant verb.
	PermissionAssistantControl Permission = "ASSISTANT_CONTROL"
	// PermissionWorkspaceManage allows sync:push.
	PermissionWorkspaceManage Permission = "WORKSPACE_MANAGE"
)

// String returns the wire representation of the permission.
func (p Permission) String() string {
	return string(p)
}

// Check validates that this is a known permission tag.
func (p Permission) Check() error {
	switch p {
	case PermissionFileRead, PermissionFileWrite, PermissionFileDelete,
		PermissionTerminalCreate, PermissionTerminalWrite,
		PermissionAssistantSpawn, PermissionAssistantControl,
		PermissionWorkspaceManage:
		return nil
	}
	return trace.BadParameter("permission %q is not supported", string(p))
}

// ParsePermissions converts raw permission tags, rejecting unknown ones.
func ParsePermissions(raw []string) ([]Permission, error) {
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p := Permission(r)
		if err := p.Check(); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, p)
	}
	return out, nil
}

// AllPermissions returns every permission tag, the grant used by
// fully-trusted sessions.
func AllPermissions() []Permission {
	return []Permission{
		PermissionFileRead, PermissionFileWrite, PermissionFileDelete,
		PermissionTerminalCreate, PermissionTerminalWrite,
		PermissionAssistantSpawn, PermissionAssistantControl,
		PermissionWorkspaceManage,
	}
}
