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

// Package pathguard validates filesystem paths requested by remote clients.
// The guard normalizes the request and rejects anything under a forbidden
// prefix or still carrying a parent-directory component. Workspace
// chrooting is deliberately not attempted; the denylist is the only
// constraint.
package pathguard

import (
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/utils"
)

// Guard holds the resolved forbidden prefix list.
type Guard struct {
	prefixes []string
}

// New builds a guard from the prefix list. Entries starting with "~" are
// resolved against the gateway's home directory once, here.
func New(prefixes []string) (*Guard, error) {
	resolved := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if strings.HasPrefix(p, "~") {
			home, err := utils.HomeDir()
			if err != nil {
				return nil, trace.Wrap(err, "resolving home-relative prefix %v", p)
			}
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
		if !filepath.IsAbs(p) {
			return nil, trace.BadParameter("forbidden prefix %v is not absolute", p)
		}
		resolved = append(resolved, filepath.Clean(p))
	}
	return &Guard{prefixes: resolved}, nil
}

// NewDefault builds a guard with the stock denylist.
func NewDefault() (*Guard, error) {
	g, err := New(defaults.ForbiddenPathPrefixes())
	return g, trace.Wrap(err)
}

// Validate normalizes the requested path and returns it, or an error when
// the path is relative, resolves under a forbidden prefix, or still
// contains a parent-directory component. Every error is a bad-parameter
// error; callers surface it as an invalid path.
func (g *Guard) Validate(requested string) (string, error) {
	if requested == "" {
		return "", trace.BadParameter("empty path")
	}
	// The denylist is a set of absolute prefixes; relative paths would
	// sidestep it via the process working directory.
	if !filepath.IsAbs(requested) {
		return "", trace.BadParameter("path %q is not absolute", requested)
	}
	normalized := filepath.Clean(requested)
	for _, part := range strings.Split(normalized, string(filepath.Separator)) {
		if part == ".." {
			return "", trace.BadParameter("path %q contains a parent-directory component", requested)
		}
	}
	for _, prefix := range g.prefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+string(filepath.Separator)) {
			return "", trace.BadParameter("path %q is under the forbidden prefix %v", requested, prefix)
		}
	}
	return normalized, nil
}
