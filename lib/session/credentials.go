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
	"encoding/json"
	"os"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge"
)

// Credential is an externally provisioned identity a client presents a
// token for during the websocket handshake. The gateway mints a Session
// from it; it performs no authentication of its own.
type Credential struct {
	// UserID is the identity the token grants.
	UserID string `json:"userId"`
	// WorkspaceID optionally pins the session to a workspace.
	WorkspaceID string `json:"workspaceId,omitempty"`
	// Permissions lists the granted permission tags. Empty grants all, for
	// single-user workstation deployments.
	Permissions []string `json:"permissions,omitempty"`
}

// Parse validates the credential and expands its permission tags.
func (c Credential) Parse() ([]drawbridge.Permission, error) {
	if c.UserID == "" {
		return nil, trace.BadParameter("credential is missing userId")
	}
	if len(c.Permissions) == 0 {
		return drawbridge.AllPermissions(), nil
	}
	perms, err := drawbridge.ParsePermissions(c.Permissions)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return perms, nil
}

// LoadCredentials reads a token file: a JSON object mapping bearer token to
// credential. The file is the externally established session material.
func LoadCredentials(path string) (map[string]Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var creds map[string]Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, trace.Wrap(err, "parsing credentials file %v", path)
	}
	for token, c := range creds {
		if token == "" {
			return nil, trace.BadParameter("credentials file %v contains an empty token", path)
		}
		if _, err := c.Parse(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return creds, nil
}
