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

// Package terminal spawns and owns pseudo-terminal shell processes for
// remote clients. Output streams back to the originating socket as base64
// chunks in production order; no batching, no line buffering. A terminal is
// owned by the session that created it; only that session may write, resize
// or destroy it.
package terminal

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/hostbridge"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/utils"
)

var terminalsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: drawbridge.MetricTerminalsActive,
	Help: "Number of live remote-owned PTYs.",
})

// Emitter delivers asynchronous events to a connected socket. Delivery is
// best effort; events for a closed socket are dropped.
type Emitter interface {
	Emit(socketID string, event any)
}

// WorkspaceResolver supplies the fallback working directory for new shells.
type WorkspaceResolver interface {
	WorkspacePath() string
}

// DataEvent carries one chunk of PTY output.
type DataEvent struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminalId"`
	// Data is base64: the transport's text frames are not 8-bit clean.
	Data string `json:"data"`
}

// ExitEvent reports the exit of a remote-owned shell.
type ExitEvent struct {
	Event      string `json:"event"`
	TerminalID string `json:"terminalId"`
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
}

// CreateRequest describes a new shell.
type CreateRequest struct {
	Cols int               `json:"cols"`
	Rows int               `json:"rows"`
	CWD  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
	Name string            `json:"name,omitempty"`
}

// Entry is one terminal in a list response.
type Entry struct {
	TerminalID    string    `json:"terminalId"`
	Name          string    `json:"name,omitempty"`
	Source        string    `json:"source"`
	WorkspacePath string    `json:"workspacePath,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	CurrentBuffer string    `json:"currentBuffer,omitempty"`
}

const (
	// SourceRemote marks terminals spawned by the gateway.
	SourceRemote = "remote"
	// SourceHost marks terminals owned by the host application.
	SourceHost = "host"
)

// Config configures the multiplexer.
type Config struct {
	// Emitter delivers output and exit events.
	Emitter Emitter
	// Bridge supplies host-owned terminals for list responses.
	Bridge hostbridge.Bridge
	// Workspace supplies the default working directory.
	Workspace WorkspaceResolver
	// ScrollbackBytes bounds the per-terminal output ring; zero means the
	// default.
	ScrollbackBytes int
	// Logger emits lifecycle diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.Emitter == nil {
		return trace.BadParameter("missing emitter")
	}
	if c.Bridge == nil {
		c.Bridge = hostbridge.NewNoop()
	}
	if c.Workspace == nil {
		return trace.BadParameter("missing workspace resolver")
	}
	if c.ScrollbackBytes == 0 {
		c.ScrollbackBytes = defaults.TerminalScrollbackBytes
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentTerminalMux)
	}
	return nil
}

type remoteTerminal struct {
	id            string
	sessionID     string
	socketID      string
	userID        string
	name          string
	workspacePath string
	createdAt     time.Time

	pty  *os.File
	cmd  *exec.Cmd
	ring *scrollback

	// writeMu serializes input writes; the kernel PTY is not relied on to
	// interleave concurrent writers sanely.
	writeMu sync.Mutex
}

// Mux owns the remote shell PTYs. One lock guards the maps; it is never held
// across PTY I/O or spawns.
type Mux struct {
	cfg Config

	mu        sync.Mutex
	terminals map[string]*remoteTerminal
	bySocket  map[string]map[string]struct{}
}

// NewMux returns an empty multiplexer.
func NewMux(cfg Config) (*Mux, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(terminalsActive); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Mux{
		cfg:       cfg,
		terminals: make(map[string]*remoteTerminal),
		bySocket:  make(map[string]map[string]struct{}),
	}, nil
}

func resolveShell() string {
	if shell := os.Getenv("SHELL"); shell != "" && utils.FileExists(shell) {
		return shell
	}
	for _, candidate := range defaults.ShellCandidates() {
		if utils.FileExists(candidate) {
			return candidate
		}
	}
	return "/bin/sh"
}

// workdir picks the working directory: the request's, then the global
// workspace, then home. Each candidate must exist.
func (m *Mux) workdir(requested string) string {
	if requested != "" && utils.DirExists(requested) {
		return requested
	}
	if ws := m.cfg.Workspace.WorkspacePath(); ws != "" && utils.DirExists(ws) {
		return ws
	}
	home, err := utils.HomeDir()
	if err != nil {
		return "/"
	}
	return home
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	// Pinned last so nothing in the merged environment can override them.
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	return env
}

// Create spawns a shell PTY owned by the session and starts streaming its
// output to the session's socket.
func (m *Mux) Create(ctx context.Context, sess *session.Session, req CreateRequest) (string, error) {
	if sess == nil {
		return "", trace.BadParameter("missing session")
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = defaults.TerminalDefaultCols
	}
	if rows <= 0 {
		rows = defaults.TerminalDefaultRows
	}

	shell := resolveShell()
	cmd := exec.Command(shell)
	cmd.Dir = m.workdir(req.CWD)
	cmd.Env = buildEnv(req.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return "", trace.Wrap(err, "starting shell %v", shell)
	}

	t := &remoteTerminal{
		id:            uuid.NewString(),
		sessionID:     sess.ID,
		socketID:      sess.SocketID,
		userID:        sess.UserID,
		name:          req.Name,
		workspacePath: cmd.Dir,
		createdAt:     time.Now(),
		pty:           ptmx,
		cmd:           cmd,
		ring:          newScrollback(m.cfg.ScrollbackBytes),
	}

	m.mu.Lock()
	m.terminals[t.id] = t
	sockets := m.bySocket[t.socketID]
	if sockets == nil {
		sockets = make(map[string]struct{})
		m.bySocket[t.socketID] = sockets
	}
	sockets[t.id] = struct{}{}
	m.mu.Unlock()
	terminalsActive.Inc()

	m.cfg.Logger.InfoContext(ctx, "Created terminal.",
		"terminal_id", t.id, "user_id", t.userID, "shell", shell, "cwd", cmd.Dir)

	go m.readLoop(t)
	go m.waitLoop(t)
	return t.id, nil
}

// readLoop forwards PTY output chunks verbatim, in production order.
func (m *Mux) readLoop(t *remoteTerminal) {
	buf := make([]byte, defaults.PTYReadBufferBytes)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			t.ring.write(chunk)
			m.cfg.Emitter.Emit(t.socketID, DataEvent{
				Event:      drawbridge.EventTerminalData,
				TerminalID: t.id,
				Data:       base64.StdEncoding.EncodeToString(chunk),
			})
		}
		if err != nil {
			// EIO is the normal end of a PTY whose child exited.
			return
		}
	}
}

// waitLoop reaps the child and reports the exit as an event. Exit codes and
// signals are not errors.
func (m *Mux) waitLoop(t *remoteTerminal) {
	err := t.cmd.Wait()
	code := 0
	signal := ""
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = ws.Signal().String()
			}
		} else {
			code = -1
		}
	}
	t.pty.Close()

	if removed := m.remove(t.id); removed != nil {
		terminalsActive.Dec()
	}
	m.cfg.Emitter.Emit(t.socketID, ExitEvent{
		Event:      drawbridge.EventTerminalExit,
		TerminalID: t.id,
		Code:       code,
		Signal:     signal,
	})
	m.cfg.Logger.Debug("Terminal exited.", "terminal_id", t.id, "code", code, "signal", signal)
}

// remove drops the terminal from the maps and returns it, or nil if it was
// already gone.
func (m *Mux) remove(terminalID string) *remoteTerminal {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[terminalID]
	if !ok {
		return nil
	}
	delete(m.terminals, terminalID)
	if sockets := m.bySocket[t.socketID]; sockets != nil {
		delete(sockets, terminalID)
		if len(sockets) == 0 {
			delete(m.bySocket, t.socketID)
		}
	}
	return t
}

// lookup resolves the terminal and enforces session ownership.
func (m *Mux) lookup(sess *session.Session, terminalID string) (*remoteTerminal, error) {
	if sess == nil {
		return nil, trace.BadParameter("missing session")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[terminalID]
	if !ok {
		return nil, trace.NotFound("terminal %v not found", terminalID)
	}
	if t.sessionID != sess.ID {
		return nil, trace.AccessDenied("terminal %v belongs to another session", terminalID)
	}
	return t, nil
}

// Write sends input bytes to the terminal. Zero-byte writes are accepted.
func (m *Mux) Write(sess *session.Session, terminalID string, data []byte) error {
	t, err := m.lookup(sess, terminalID)
	if err != nil {
		return trace.Wrap(err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.pty.Write(data); err != nil {
		return trace.Wrap(err, "writing to terminal %v", terminalID)
	}
	return nil
}

// Resize changes the terminal's window size.
func (m *Mux) Resize(sess *session.Session, terminalID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return trace.BadParameter("invalid dimensions %vx%v", cols, rows)
	}
	t, err := m.lookup(sess, terminalID)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := pty.Setsize(t.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return trace.Wrap(err, "resizing terminal %v", terminalID)
	}
	return nil
}

// Destroy kills the terminal's child process. The exit event follows from
// the waiter once the child is reaped.
func (m *Mux) Destroy(sess *session.Session, terminalID string) error {
	t, err := m.lookup(sess, terminalID)
	if err != nil {
		return trace.Wrap(err)
	}
	m.kill(t)
	return nil
}

func (m *Mux) kill(t *remoteTerminal) {
	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil {
			m.cfg.Logger.Debug("Killing terminal child failed.", "terminal_id", t.id, "error", err)
		}
	}
	t.pty.Close()
}

// List enumerates the session's remote terminals plus the host application's
// terminals. A bridge failure degrades to a remote-only listing.
func (m *Mux) List(ctx context.Context, sess *session.Session) ([]Entry, error) {
	if sess == nil {
		return nil, trace.BadParameter("missing session")
	}
	m.mu.Lock()
	remote := make([]*remoteTerminal, 0, len(m.terminals))
	for _, t := range m.terminals {
		if t.userID == sess.UserID {
			remote = append(remote, t)
		}
	}
	m.mu.Unlock()

	entries := make([]Entry, 0, len(remote))
	for _, t := range remote {
		entries = append(entries, Entry{
			TerminalID:    t.id,
			Name:          t.name,
			Source:        SourceRemote,
			WorkspacePath: t.workspacePath,
			CreatedAt:     t.createdAt,
			CurrentBuffer: t.ring.snapshot(),
		})
	}

	hostTerminals, err := m.cfg.Bridge.ListTerminals(ctx)
	if err != nil {
		m.cfg.Logger.WarnContext(ctx, "Listing host terminals failed, returning remote only.", "error", err)
		return entries, nil
	}
	for _, ht := range hostTerminals {
		entries = append(entries, Entry{
			TerminalID:    ht.TerminalID,
			Name:          ht.Name,
			Source:        SourceHost,
			CurrentBuffer: ht.CurrentBuffer,
		})
	}
	return entries, nil
}

// CleanupSocketTerminals kills every terminal created on the socket. Kill
// failures are logged, never surfaced: the disconnect cascade must not
// stall.
func (m *Mux) CleanupSocketTerminals(socketID string) {
	m.mu.Lock()
	var doomed []*remoteTerminal
	for id := range m.bySocket[socketID] {
		if t, ok := m.terminals[id]; ok {
			doomed = append(doomed, t)
		}
	}
	m.mu.Unlock()

	for _, t := range doomed {
		m.kill(t)
	}
	if len(doomed) > 0 {
		m.cfg.Logger.Debug("Cleaned up socket terminals.", "socket_id", socketID, "count", len(doomed))
	}
}

// Count returns the number of live remote terminals.
func (m *Mux) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terminals)
}
