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
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/assistant"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/synchub"
	"github.com/moatworks/drawbridge/lib/terminal"
	"github.com/moatworks/drawbridge/lib/utils"
)

// handlerFunc is the effect of one verb, invoked after session lookup and
// permission gating.
type handlerFunc func(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error)

// route binds a verb to its permission, its error vocabulary and its effect.
type route struct {
	// permission gates the verb; empty means any live session may call it.
	permission drawbridge.Permission
	// fallbackCode answers failures the trace type does not refine.
	fallbackCode string
	// notFoundCode answers trace.NotFound; empty falls back.
	notFoundCode string
	// invalidCode answers trace.BadParameter; empty falls back. The file
	// routes use it to surface path rejections as INVALID_PATH.
	invalidCode string
	handler     handlerFunc
}

// decode unmarshals a payload, tolerating its absence. Malformed JSON is a
// BadParameter and lands on the route's invalid or fallback code.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := utils.FastUnmarshal(payload, v); err != nil {
		return trace.BadParameter("malformed payload: %v", err)
	}
	return nil
}

type filePathRequest struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
}

type fileWriteRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type fileReadResult struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

type terminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

type terminalTargetRequest struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

type assistantTargetRequest struct {
	InstanceID string `json:"instanceId"`
	Data       string `json:"data,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

type bufferResult struct {
	InstanceID string `json:"instanceId"`
	Buffer     string `json:"buffer"`
}

type watchResult struct {
	WatchID string `json:"watchId"`
}

type syncPushRequest struct {
	Patches    json.RawMessage `json:"patches"`
	Compressed bool            `json:"compressed,omitempty"`
}

type syncPushResult struct {
	Accepted int `json:"accepted"`
}

type syncPullRequest struct {
	Since *time.Time `json:"since,omitempty"`
	Types []string   `json:"types,omitempty"`
}

type featuresStoreRequest struct {
	Features json.RawMessage `json:"features"`
}

type featuresStoreResult struct {
	LastSync time.Time `json:"lastSync"`
}

func (s *Server) buildRoutes() map[string]route {
	return map[string]route{
		"file:read": {
			permission: drawbridge.PermissionFileRead, fallbackCode: CodeReadError,
			notFoundCode: CodeReadError, invalidCode: CodeInvalidPath,
			handler: s.handleFileRead,
		},
		"file:write": {
			permission: drawbridge.PermissionFileWrite, fallbackCode: CodeWriteError,
			invalidCode: CodeInvalidPath,
			handler:     s.handleFileWrite,
		},
		"file:list": {
			permission: drawbridge.PermissionFileRead, fallbackCode: CodeListError,
			notFoundCode: CodeListError, invalidCode: CodeInvalidPath,
			handler: s.handleFileList,
		},
		"file:delete": {
			permission: drawbridge.PermissionFileDelete, fallbackCode: CodeDeleteError,
			notFoundCode: CodeDeleteError, invalidCode: CodeInvalidPath,
			handler: s.handleFileDelete,
		},
		"file:stat": {
			permission: drawbridge.PermissionFileRead, fallbackCode: CodeStatError,
			invalidCode: CodeInvalidPath,
			handler:     s.handleFileStat,
		},
		"file:watch": {
			permission: drawbridge.PermissionFileRead, fallbackCode: CodeWatchError,
			invalidCode: CodeInvalidPath,
			handler:     s.handleFileWatch,
		},
		"terminal:create": {
			permission: drawbridge.PermissionTerminalCreate, fallbackCode: CodeCreateError,
			handler: s.handleTerminalCreate,
		},
		"terminal:write": {
			permission: drawbridge.PermissionTerminalWrite, fallbackCode: CodeWriteError,
			notFoundCode: CodeTerminalNotFound,
			handler:      s.handleTerminalWrite,
		},
		"terminal:resize": {
			permission: drawbridge.PermissionTerminalWrite, fallbackCode: CodeResizeError,
			notFoundCode: CodeTerminalNotFound,
			handler:      s.handleTerminalResize,
		},
		"terminal:destroy": {
			permission: drawbridge.PermissionTerminalWrite, fallbackCode: CodeDestroyError,
			notFoundCode: CodeTerminalNotFound,
			handler:      s.handleTerminalDestroy,
		},
		"terminal:list": {
			permission: drawbridge.PermissionTerminalCreate, fallbackCode: CodeListError,
			handler: s.handleTerminalList,
		},
		"assistant:spawn": {
			permission: drawbridge.PermissionAssistantSpawn, fallbackCode: CodeSpawnError,
			notFoundCode: CodeAssistantNotFound,
			handler:      s.handleAssistantSpawn,
		},
		"assistant:send": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeSendError,
			notFoundCode: CodeInstanceNotFound,
			handler:      s.handleAssistantSend,
		},
		"assistant:resize": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeResizeError,
			notFoundCode: CodeInstanceNotFound,
			handler:      s.handleAssistantResize,
		},
		"assistant:stop": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeStopError,
			notFoundCode: CodeInstanceNotFound,
			handler:      s.handleAssistantStop,
		},
		"assistant:configureTerminal": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeConfigureError,
			notFoundCode: CodeInstanceNotFound,
			handler:      s.handleAssistantConfigureTerminal,
		},
		"assistant:getInstances": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeGetError,
			handler: s.handleAssistantGetInstances,
		},
		"assistant:listHost": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeListError,
			handler: s.handleAssistantListHost,
		},
		"assistant:getBuffer": {
			permission: drawbridge.PermissionAssistantControl, fallbackCode: CodeGetBufferError,
			notFoundCode: CodeInstanceNotFound,
			handler:      s.handleAssistantGetBuffer,
		},
		"sync:push": {
			permission: drawbridge.PermissionWorkspaceManage, fallbackCode: CodeSyncError,
			handler: s.handleSyncPush,
		},
		"sync:pull": {
			fallbackCode: CodeSyncError,
			handler:      s.handleSyncPull,
		},
		"sync:status": {
			fallbackCode: CodeSyncError,
			handler:      s.handleSyncStatus,
		},
		"workspace:get": {
			fallbackCode: CodeWorkspaceError,
			handler:      s.handleWorkspaceGet,
		},
		"features:get": {
			fallbackCode: CodeFeaturesError,
			handler:      s.handleFeaturesGet,
		},
		"features:store": {
			fallbackCode: CodeStoreError,
			handler:      s.handleFeaturesStore,
		},
	}
}

func (s *Server) handleFileRead(_ context.Context, _ *session.Session, payload json.RawMessage) (any, error) {
	var req filePathRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	content, err := s.cfg.Files.Read(req.Path, req.Encoding)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	encoding := req.Encoding
	if encoding == "" {
		encoding = "utf8"
	}
	return fileReadResult{Path: req.Path, Content: content, Encoding: encoding}, nil
}

func (s *Server) handleFileWrite(_ context.Context, _ *session.Session, payload json.RawMessage) (any, error) {
	var req fileWriteRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Files.Write(req.Path, req.Content, req.Encoding))
}

func (s *Server) handleFileList(_ context.Context, _ *session.Session, payload json.RawMessage) (any, error) {
	var req filePathRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	entries, err := s.cfg.Files.List(req.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"path": req.Path, "entries": entries}, nil
}

func (s *Server) handleFileDelete(_ context.Context, _ *session.Session, payload json.RawMessage) (any, error) {
	var req filePathRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Files.Delete(req.Path))
}

func (s *Server) handleFileStat(_ context.Context, _ *session.Session, payload json.RawMessage) (any, error) {
	var req filePathRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Files.Stat(req.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *Server) handleFileWatch(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req filePathRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	watchID, err := s.cfg.Files.Watch(sess.SocketID, req.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return watchResult{WatchID: watchID}, nil
}

func (s *Server) handleTerminalCreate(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req terminal.CreateRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	terminalID, err := s.cfg.Terminals.Create(ctx, sess, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return terminalCreateResult{TerminalID: terminalID}, nil
}

func (s *Server) handleTerminalWrite(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req terminalTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Terminals.Write(sess, req.TerminalID, []byte(req.Data)))
}

func (s *Server) handleTerminalResize(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req terminalTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Terminals.Resize(sess, req.TerminalID, req.Cols, req.Rows))
}

func (s *Server) handleTerminalDestroy(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req terminalTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Terminals.Destroy(sess, req.TerminalID))
}

func (s *Server) handleTerminalList(ctx context.Context, sess *session.Session, _ json.RawMessage) (any, error) {
	entries, err := s.cfg.Terminals.List(ctx, sess)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"terminals": entries}, nil
}

func (s *Server) handleAssistantSpawn(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req assistant.SpawnRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Assistants.Spawn(ctx, sess, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *Server) handleAssistantSend(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req assistantTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Assistants.Send(ctx, sess, req.InstanceID, []byte(req.Data)))
}

func (s *Server) handleAssistantResize(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req assistantTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Assistants.Resize(sess, req.InstanceID, req.Cols, req.Rows))
}

func (s *Server) handleAssistantStop(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req assistantTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Assistants.Stop(ctx, sess, req.InstanceID))
}

func (s *Server) handleAssistantConfigureTerminal(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req assistantTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return nil, trace.Wrap(s.cfg.Assistants.ConfigureTerminal(ctx, sess, req.InstanceID, req.Cols, req.Rows))
}

func (s *Server) handleAssistantGetInstances(_ context.Context, sess *session.Session, _ json.RawMessage) (any, error) {
	entries, err := s.cfg.Assistants.GetInstances(sess)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"instances": entries}, nil
}

func (s *Server) handleAssistantListHost(ctx context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	instances, err := s.cfg.Assistants.ListHost(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"instances": instances}, nil
}

func (s *Server) handleAssistantGetBuffer(ctx context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req assistantTargetRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	buffer, err := s.cfg.Assistants.GetBuffer(ctx, sess, req.InstanceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return bufferResult{InstanceID: req.InstanceID, Buffer: buffer}, nil
}

func (s *Server) handleSyncPush(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req syncPushRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	var patches []synchub.Patch
	if req.Compressed {
		var encoded string
		if err := json.Unmarshal(req.Patches, &encoded); err != nil {
			return nil, trace.BadParameter("compressed patches must be a base64 string: %v", err)
		}
		decoded, err := synchub.DecodeCompressedPatches(encoded)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		patches = decoded
	} else if len(req.Patches) > 0 {
		if err := json.Unmarshal(req.Patches, &patches); err != nil {
			return nil, trace.BadParameter("malformed patches: %v", err)
		}
	}
	accepted, err := s.cfg.Sync.Push(sess, patches)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return syncPushResult{Accepted: accepted}, nil
}

func (s *Server) handleSyncPull(_ context.Context, sess *session.Session, payload json.RawMessage) (any, error) {
	var req syncPullRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := s.cfg.Sync.Pull(sess, req.Since, req.Types)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *Server) handleSyncStatus(_ context.Context, sess *session.Session, _ json.RawMessage) (any, error) {
	result, err := s.cfg.Sync.Status(sess)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *Server) handleWorkspaceGet(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	info, err := s.cfg.Workspace.Get()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

func (s *Server) handleFeaturesGet(ctx context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	result, err := s.cfg.Features.Get(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (s *Server) handleFeaturesStore(_ context.Context, _ *session.Session, payload json.RawMessage) (any, error) {
	var req featuresStoreRequest
	if err := decode(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	descriptor := req.Features
	if len(descriptor) == 0 {
		// Clients that predate the wrapper send the descriptor bare.
		descriptor = payload
	}
	syncedAt, err := s.cfg.Features.Store(descriptor)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return featuresStoreResult{LastSync: syncedAt}, nil
}
