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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/moatworks/drawbridge/lib/assistant"
	"github.com/moatworks/drawbridge/lib/features"
	"github.com/moatworks/drawbridge/lib/fileops"
	"github.com/moatworks/drawbridge/lib/isolation"
	"github.com/moatworks/drawbridge/lib/pathguard"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/synchub"
	"github.com/moatworks/drawbridge/lib/terminal"
	"github.com/moatworks/drawbridge/lib/workspace"
)

// testClient drives one websocket against the server, demultiplexing
// responses from asynchronous events.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu        sync.Mutex
	responses map[string]Response
	events    []map[string]any
	nextID    int
	closed    bool
}

func dialClient(t *testing.T, serverURL, token string) *testClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/v1/connect?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	c := &testClient{t: t, conn: conn, responses: make(map[string]Response)}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *testClient) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *testClient) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var probe map[string]any
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}
		c.mu.Lock()
		if _, isResponse := probe["success"]; isResponse {
			var resp Response
			if json.Unmarshal(data, &resp) == nil {
				c.responses[resp.ID] = resp
			}
		} else {
			c.events = append(c.events, probe)
		}
		c.mu.Unlock()
	}
}

// call sends a request and waits for its response.
func (c *testClient) call(verb string, payload any) Response {
	c.t.Helper()
	c.mu.Lock()
	c.nextID++
	id := fmt.Sprintf("req-%d", c.nextID)
	c.mu.Unlock()

	req := map[string]any{"id": id, "verb": verb}
	if payload != nil {
		req["payload"] = payload
	}
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))

	var resp Response
	require.Eventually(c.t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		r, ok := c.responses[id]
		if ok {
			resp = r
		}
		return ok
	}, 10*time.Second, 10*time.Millisecond, "no response for %v", verb)
	return resp
}

func (c *testClient) eventsNamed(name string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, ev := range c.events {
		if ev["event"] == name {
			out = append(out, ev)
		}
	}
	return out
}

func requireCode(t *testing.T, resp Response, code string) {
	t.Helper()
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code)
}

func dataField(t *testing.T, resp Response, field string) any {
	t.Helper()
	require.True(t, resp.Success, "expected success, got %+v", resp.Error)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is %T", resp.Data)
	return data[field]
}

func newTestServer(t *testing.T, creds map[string]session.Credential) *httptest.Server {
	t.Helper()
	t.Setenv("SHELL", "/bin/sh")

	hub, err := NewHub()
	require.NoError(t, err)
	registry := session.NewRegistry()
	tracker, err := isolation.NewTracker(isolation.Config{})
	require.NoError(t, err)
	guard, err := pathguard.NewDefault()
	require.NoError(t, err)

	workspaceDir := t.TempDir()
	ws, err := workspace.NewService(workspace.Config{ConfigDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, ws.SetWorkspace(workspaceDir))

	terminals, err := terminal.NewMux(terminal.Config{Emitter: hub, Workspace: ws})
	require.NoError(t, err)
	assistants, err := assistant.NewMux(assistant.Config{
		Emitter:   hub,
		Isolation: tracker,
		Workspace: ws,
	})
	require.NoError(t, err)
	files, err := fileops.NewHandler(fileops.Config{Guard: guard, Emitter: hub})
	require.NoError(t, err)
	syncHub, err := synchub.NewHub(synchub.Config{Registry: registry, Emitter: hub})
	require.NoError(t, err)
	featureCache, err := features.NewCache(features.Config{
		ConfigDir: t.TempDir(),
		Workspace: ws,
	})
	require.NoError(t, err)

	server, err := New(Config{
		Hub:         hub,
		Registry:    registry,
		Credentials: creds,
		Terminals:   terminals,
		Assistants:  assistants,
		Files:       files,
		Workspace:   ws,
		Sync:        syncHub,
		Features:    featureCache,
		Isolation:   tracker,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func allAccessCreds(users ...string) map[string]session.Credential {
	creds := make(map[string]session.Credential)
	for _, u := range users {
		creds["token-"+u] = session.Credential{UserID: u, WorkspaceID: "ws1"}
	}
	return creds
}

func TestConnectRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, allAccessCreds("alice"))
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/connect?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, 401, resp.StatusCode)
}

func TestWorkspaceGetAndUnknownVerb(t *testing.T) {
	ts := newTestServer(t, allAccessCreds("alice"))
	c := dialClient(t, ts.URL, "token-alice")

	resp := c.call("workspace:get", nil)
	require.True(t, resp.Success)
	require.Equal(t, true, dataField(t, resp, "hasWorkspace"))
	require.NotEmpty(t, dataField(t, resp, "path"))

	requireCode(t, c.call("nope:verb", nil), CodeUnknownVerb)
}

func TestPermissionDenied(t *testing.T) {
	creds := map[string]session.Credential{
		"token-limited": {UserID: "bob", Permissions: []string{"FILE_READ"}},
	}
	ts := newTestServer(t, creds)
	c := dialClient(t, ts.URL, "token-limited")

	requireCode(t, c.call("terminal:create", map[string]any{"cols": 80, "rows": 24}),
		CodePermissionDenied)
	requireCode(t, c.call("file:write", map[string]any{"path": "/tmp/x", "content": "y"}),
		CodePermissionDenied)
}

func TestFileReadAndPathGuard(t *testing.T) {
	ts := newTestServer(t, allAccessCreds("alice"))
	c := dialClient(t, ts.URL, "token-alice")

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello gateway"), 0o644))

	resp := c.call("file:read", map[string]any{"path": path})
	require.Equal(t, "hello gateway", dataField(t, resp, "content"))

	requireCode(t, c.call("file:read", map[string]any{"path": "/etc/passwd"}), CodeInvalidPath)
	requireCode(t, c.call("file:read", map[string]any{"path": "/tmp/../etc/passwd"}), CodeInvalidPath)
}

func TestSyncPushFansOutAndPullExcludesAuthor(t *testing.T) {
	ts := newTestServer(t, allAccessCreds("alice"))
	s1 := dialClient(t, ts.URL, "token-alice")
	s2 := dialClient(t, ts.URL, "token-alice")

	// Both sockets must be registered before the push fans out.
	require.True(t, s2.call("workspace:get", nil).Success)

	resp := s1.call("sync:push", map[string]any{
		"patches": []map[string]any{{"entityType": "task", "payload": map[string]any{"id": "t1"}}},
	})
	require.Equal(t, float64(1), dataField(t, resp, "accepted"))

	require.Eventually(t, func() bool {
		return len(s2.eventsNamed("sync:patches")) == 1
	}, 5*time.Second, 10*time.Millisecond, "sibling session should receive the fan-out")
	require.Empty(t, s1.eventsNamed("sync:patches"), "author must not receive its own push")

	pull := s1.call("sync:pull", nil)
	require.True(t, pull.Success)
	own, _ := dataField(t, pull, "patches").([]any)
	require.Empty(t, own, "author pull should exclude its own patches")

	pull2 := s2.call("sync:pull", nil)
	patches, ok := dataField(t, pull2, "patches").([]any)
	require.True(t, ok)
	require.Len(t, patches, 1)
}

func TestTerminalLifecycle(t *testing.T) {
	ts := newTestServer(t, allAccessCreds("alice"))
	c := dialClient(t, ts.URL, "token-alice")

	resp := c.call("terminal:create", map[string]any{"cols": 80, "rows": 24})
	terminalID, ok := dataField(t, resp, "terminalId").(string)
	require.True(t, ok)
	require.NotEmpty(t, terminalID)

	require.True(t, c.call("terminal:write",
		map[string]any{"terminalId": terminalID, "data": "echo hi-from-gateway\n"}).Success)

	require.Eventually(t, func() bool {
		var decoded []byte
		for _, ev := range c.eventsNamed("TERMINAL_DATA") {
			if ev["terminalId"] != terminalID {
				continue
			}
			chunk, _ := base64.StdEncoding.DecodeString(ev["data"].(string))
			decoded = append(decoded, chunk...)
		}
		return strings.Contains(string(decoded), "hi-from-gateway")
	}, 10*time.Second, 50*time.Millisecond, "expected shell output")

	require.True(t, c.call("terminal:destroy", map[string]any{"terminalId": terminalID}).Success)
	require.Eventually(t, func() bool {
		return len(c.eventsNamed("TERMINAL_EXIT")) >= 1
	}, 5*time.Second, 50*time.Millisecond)

	requireCode(t, c.call("terminal:write",
		map[string]any{"terminalId": terminalID, "data": "x"}), CodeTerminalNotFound)
}

func TestFeaturesStoreAndGet(t *testing.T) {
	ts := newTestServer(t, allAccessCreds("alice"))
	c := dialClient(t, ts.URL, "token-alice")

	resp := c.call("features:store", map[string]any{
		"features": map[string]any{"hooks": map[string]any{"pre": "x"}},
	})
	require.True(t, resp.Success)

	got := c.call("features:get", nil)
	require.True(t, got.Success)
	require.Equal(t, false, dataField(t, got, "computed"))
}
