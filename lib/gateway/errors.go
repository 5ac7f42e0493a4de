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

package gateway

import (
	"github.com/gravitational/trace"
)

// Wire error codes. Components return trace errors; the dispatcher maps
// them to one of these before anything reaches a client.
const (
	CodeNoSession         = "NO_SESSION"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeInvalidPath       = "INVALID_PATH"
	CodeReadError         = "READ_ERROR"
	CodeWriteError        = "WRITE_ERROR"
	CodeListError         = "LIST_ERROR"
	CodeDeleteError       = "DELETE_ERROR"
	CodeStatError         = "STAT_ERROR"
	CodeWatchError        = "WATCH_ERROR"
	CodeCreateError       = "CREATE_ERROR"
	CodeResizeError       = "RESIZE_ERROR"
	CodeDestroyError      = "DESTROY_ERROR"
	CodeTerminalNotFound  = "TERMINAL_NOT_FOUND"
	CodeAccessDenied      = "ACCESS_DENIED"
	CodeInstanceExists    = "INSTANCE_EXISTS"
	CodeInstanceNotFound  = "INSTANCE_NOT_FOUND"
	CodeAssistantNotFound = "ASSISTANT_NOT_FOUND"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodeSpawnError        = "SPAWN_ERROR"
	CodeSendError         = "SEND_ERROR"
	CodeStopError         = "STOP_ERROR"
	CodeStartError        = "START_ERROR"
	CodeGetError          = "GET_ERROR"
	CodeGetBufferError    = "GET_BUFFER_ERROR"
	CodeConfigureError    = "CONFIGURE_ERROR"
	CodeSyncError         = "SYNC_ERROR"
	CodeFeaturesError     = "FEATURES_ERROR"
	CodeStoreError        = "STORE_ERROR"
	CodeWorkspaceError    = "WORKSPACE_ERROR"
	CodeUnknownVerb       = "UNKNOWN_VERB"
	CodeBadRequest        = "BAD_REQUEST"
)

// errorCode classifies a component error for the route that produced it.
// The trace type decides the cross-cutting codes; everything else falls to
// the route's own vocabulary.
func errorCode(rt route, err error) string {
	switch {
	case trace.IsLimitExceeded(err):
		return CodeQuotaExceeded
	case trace.IsAlreadyExists(err):
		return CodeInstanceExists
	case trace.IsAccessDenied(err):
		return CodeAccessDenied
	case trace.IsNotFound(err):
		if rt.notFoundCode != "" {
			return rt.notFoundCode
		}
	case trace.IsBadParameter(err):
		if rt.invalidCode != "" {
			return rt.invalidCode
		}
	}
	return rt.fallbackCode
}
