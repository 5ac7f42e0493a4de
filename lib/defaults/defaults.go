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

// Package defaults holds the tunables shared by the gateway components.
package defaults

import (
	"time"
)

const (
	// HTTPListenAddr is where the gateway accepts websocket clients.
	HTTPListenAddr = "127.0.0.1:7155"

	// MaxInstancesPerUser is the quota of concurrently registered
	// assistant instances a single user may own across all of their
	// sessions.
	MaxInstancesPerUser = 5

	// TerminalDefaultCols is used when a create request omits dimensions.
	TerminalDefaultCols = 80
	// TerminalDefaultRows is used when a create request omits dimensions.
	TerminalDefaultRows = 24

	// TerminalScrollbackBytes bounds the per-terminal output ring kept for
	// list snapshots. Truncation happens at newline boundaries.
	TerminalScrollbackBytes = 256 * 1024

	// PTYReadBufferBytes is the chunk size for PTY output reads. Chunks are
	// forwarded as produced, never batched.
	PTYReadBufferBytes = 32 * 1024

	// SocketWriteBufferBytes and SocketReadBufferBytes size the websocket
	// upgrader buffers.
	SocketWriteBufferBytes = 1024
	SocketReadBufferBytes  = 1024

	// SyncMemoryStoreKeys bounds the number of (user, workspace) patch logs
	// the in-memory store retains before evicting the least recently used.
	SyncMemoryStoreKeys = 256

	// SyncMemoryStorePatchesPerKey bounds a single patch log; the oldest
	// patches are trimmed once the cap is reached.
	SyncMemoryStorePatchesPerKey = 10000

	// SyncCompressedHintPatchCount and SyncCompressedHintBytes are the
	// thresholds past which a pull response advises compression.
	SyncCompressedHintPatchCount = 10
	SyncCompressedHintBytes      = 10 * 1024

	// HostBridgeDialTimeout bounds a single connection attempt to the host
	// application socket.
	HostBridgeDialTimeout = 5 * time.Second

	// HostBridgeCallTimeout bounds a single request/response round trip to
	// the host application.
	HostBridgeCallTimeout = 15 * time.Second

	// HostBridgeReconnectBackoff is the delay between reconnection attempts
	// to the host application socket.
	HostBridgeReconnectBackoff = 2 * time.Second

	// FeatureProbeTimeout bounds the one-shot external tooling query used
	// to compute a feature descriptor.
	FeatureProbeTimeout = 20 * time.Second

	// FeatureProbeTTL is how long a computed (not stored) descriptor is
	// memoized before the probe may run again.
	FeatureProbeTTL = 10 * time.Minute

	// ShutdownTimeout bounds the graceful drain on SIGTERM.
	ShutdownTimeout = 10 * time.Second
)

// ForbiddenPathPrefixes is the compile-time path prefix denylist enforced by
// the path guard. Entries beginning with "~" are resolved against the
// gateway's home directory at construction time.
func ForbiddenPathPrefixes() []string {
	return []string{
		"/etc",
		"/sys",
		"/proc",
		"/dev",
		"/boot",
		"~/.ssh",
		"~/.aws",
		"~/.config",
	}
}

// AssistantBinaryCandidates is the lookup order for the assistant CLI on
// PATH when no explicit binary is configured.
func AssistantBinaryCandidates() []string {
	return []string{"assistant", "assistant-cli"}
}

// ShellCandidates is the fallback order for the interactive shell when
// $SHELL is unset or missing.
func ShellCandidates() []string {
	return []string{"/bin/bash", "/bin/sh"}
}
