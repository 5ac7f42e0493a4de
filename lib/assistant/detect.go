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

package assistant

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// binaryInfo is the detected assistant CLI.
type binaryInfo struct {
	path    string
	version string
}

// detectBinary finds the assistant CLI on PATH and probes its version. The
// result is memoized by the mux; detection runs at most once per process.
func detectBinary(candidates []string) (binaryInfo, error) {
	for _, name := range candidates {
		path, err := exec.LookPath(name)
		if err != nil {
			continue
		}
		return binaryInfo{path: path, version: probeVersion(path)}, nil
	}
	return binaryInfo{}, trace.NotFound("no assistant binary found, tried %v", strings.Join(candidates, ", "))
}

// probeVersion runs `<binary> --version` with a short timeout. A failing
// probe does not fail detection; the version is just unknown.
func probeVersion(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
