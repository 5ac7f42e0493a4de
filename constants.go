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

// Package drawbridge holds the constants shared across the gateway:
// component names used for logging, the asynchronous event vocabulary,
// and the permission tags checked on every request.
package drawbridge

const (
	// ComponentKey is the name of the log attribute containing the component name.
	ComponentKey = "component"

	// ComponentGateway is the websocket dispatcher and HTTP frontend.
	ComponentGateway = "gateway"

	// ComponentSession is the socket-to-session registry.
	ComponentSession = "session"

	// ComponentIsolation is the per-user instance ownership and quota tracker.
	ComponentIsolation = "isolation"

	// ComponentTerminalMux is the remote shell PTY multiplexer.
	ComponentTerminalMux = "terminal_mux"

	// ComponentAssistantMux is the assistant instance multiplexer.
	ComponentAssistantMux = "assistant_mux"

	// ComponentFileOps is the filesystem operation handler.
	ComponentFileOps = "file_ops"

	// ComponentSyncHub is the state patch synchronization hub.
	ComponentSyncHub = "sync_hub"

	// ComponentHostBridge is the channel to the colocated host application.
	ComponentHostBridge = "host_bridge"

	// ComponentWorkspace is the workspace path resolver.
	ComponentWorkspace = "workspace"

	// ComponentFeatures is the host feature descriptor cache.
	ComponentFeatures = "features"

	// ComponentCLI is the drawbridge command line program.
	ComponentCLI = "cli"
)

// Asynchronous event names emitted to sockets. Requests get exactly one
// response; everything long-lived arrives under one of these.
const (
	// EventTerminalData carries a base64 chunk of PTY output.
	EventTerminalData = "TERMINAL_DATA"

	// EventTerminalExit reports the exit of a remote-owned shell.
	EventTerminalExit = "TERMINAL_EXIT"

	// EventAssistantOutput carries assistant output, both for
	// gateway-owned PTYs and for host-owned forwarded instances.
	EventAssistantOutput = "ASSISTANT_OUTPUT"

	// EventAssistantExit reports the exit of a gateway-owned assistant PTY.
	EventAssistantExit = "ASSISTANT_EXIT"

	// EventAssistantError reports an asynchronous assistant failure.
	EventAssistantError = "ASSISTANT_ERROR"

	// EventAssistantResponseComplete relays the host's signal that a
	// forwarded instance finished a response.
	EventAssistantResponseComplete = "ASSISTANT_RESPONSE_COMPLETE"

	// EventSyncPatches fans pushed patches out to the author's sibling sessions.
	EventSyncPatches = "sync:patches"

	// EventFileChange carries a filesystem watch notification.
	EventFileChange = "FILE_CHANGE"
)
