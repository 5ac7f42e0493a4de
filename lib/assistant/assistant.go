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

// Package assistant exposes one assistant-instance abstraction over two
// kinds of process: PTY children spawned and owned by the gateway, and
// instances already running under the host application, for which the
// gateway only relays I/O through the host bridge. Verb handlers do not
// branch on the kind; the mux routes internally.
package assistant

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
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/hostbridge"
	"github.com/moatworks/drawbridge/lib/isolation"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/utils"
)

var (
	instancesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: drawbridge.MetricAssistantInstancesActive,
		Help: "Number of live gateway-owned assistant PTYs.",
	})
	spawnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: drawbridge.MetricAssistantSpawns,
		Help: "Assistant spawn outcomes.",
	}, []string{"outcome"})
)

// Emitter delivers asynchronous events to a connected socket.
type Emitter interface {
	Emit(socketID string, event any)
}

// WorkspaceResolver supplies the fallback working directory for spawns.
type WorkspaceResolver interface {
	WorkspacePath() string
}

// OutputEvent carries one chunk of assistant output, for both gateway-owned
// and forwarded instances.
type OutputEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Data       string `json:"data"`
}

// ExitEvent reports the exit of a gateway-owned assistant PTY.
type ExitEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Code       int    `json:"code"`
	Signal     string `json:"signal,omitempty"`
}

// ErrorEvent reports an asynchronous assistant failure.
type ErrorEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Error      string `json:"error"`
}

// ResponseCompleteEvent relays the host's signal that a forwarded instance
// finished a response. It is never synthesized for gateway-owned PTYs.
type ResponseCompleteEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
}

// SpawnConfig carries optional per-spawn settings.
type SpawnConfig struct {
	// CustomInstructions is exported to the child environment when set.
	CustomInstructions string `json:"customInstructions,omitempty"`
}

// SpawnRequest describes the instance to spawn or attach to.
type SpawnRequest struct {
	InstanceID       string       `json:"instanceId"`
	WorkingDirectory string       `json:"workingDirectory,omitempty"`
	InstanceName     string       `json:"instanceName,omitempty"`
	Config           *SpawnConfig `json:"config,omitempty"`
}

// SpawnResult is the answer to a spawn.
type SpawnResult struct {
	InstanceID string `json:"instanceId"`
	// PID is the child's process id; -1 for a host-owned instance that was
	// already connected.
	PID int `json:"pid"`
	// Forwarded is true when the instance lives under the host application.
	Forwarded bool `json:"forwarded"`
}

// InstanceEntry is one instance in a getInstances response.
type InstanceEntry struct {
	InstanceID       string    `json:"instanceId"`
	InstanceName     string    `json:"instanceName,omitempty"`
	WorkspaceID      string    `json:"workspaceId,omitempty"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	Forwarded        bool      `json:"forwarded"`
	PID              int       `json:"pid,omitempty"`
	LastActivity     time.Time `json:"lastActivity"`
}

// Config configures the multiplexer.
type Config struct {
	// Emitter delivers output, exit and response-complete events.
	Emitter Emitter
	// Bridge is the channel to the host application.
	Bridge hostbridge.Bridge
	// Isolation tracks per-user ownership and quotas.
	Isolation *isolation.Tracker
	// Workspace supplies the default working directory.
	Workspace WorkspaceResolver
	// BinaryPath pins the assistant CLI; empty means detect from
	// BinaryCandidates.
	BinaryPath string
	// BinaryCandidates is the PATH lookup order; empty means the default.
	BinaryCandidates []string
	// IdleTimeout stops instances with no activity for this long; zero
	// disables the janitor.
	IdleTimeout time.Duration
	// Clock drives activity timestamps and the janitor.
	Clock clockwork.Clock
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
	if c.Isolation == nil {
		return trace.BadParameter("missing isolation tracker")
	}
	if c.Workspace == nil {
		return trace.BadParameter("missing workspace resolver")
	}
	if len(c.BinaryCandidates) == 0 {
		c.BinaryCandidates = defaults.AssistantBinaryCandidates()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentAssistantMux)
	}
	return nil
}

// instance is a gateway-owned assistant PTY.
type instance struct {
	id               string
	sessionID        string
	socketID         string
	userID           string
	workingDirectory string
	name             string
	binary           binaryInfo

	pty *os.File
	cmd *exec.Cmd

	writeMu sync.Mutex
}

type transKey struct {
	socketID   string
	instanceID string
}

// Mux is the assistant multiplexer. One lock guards all maps; it is never
// held across PTY I/O, spawns or bridge calls.
type Mux struct {
	cfg Config

	mu          sync.Mutex
	instances   map[string]*instance
	bySocket    map[string]map[string]struct{}
	forwarding  *forwardingRegistry
	transcoders map[transKey]*transcoder
	binary      *binaryInfo
}

// NewMux returns an empty multiplexer.
func NewMux(cfg Config) (*Mux, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(instancesActive, spawnsTotal); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Mux{
		cfg:         cfg,
		instances:   make(map[string]*instance),
		bySocket:    make(map[string]map[string]struct{}),
		forwarding:  newForwardingRegistry(),
		transcoders: make(map[transKey]*transcoder),
	}, nil
}

// assistantBinary resolves the assistant CLI once and memoizes the result.
func (m *Mux) assistantBinary() (binaryInfo, error) {
	m.mu.Lock()
	if m.binary != nil {
		b := *m.binary
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	var b binaryInfo
	var err error
	if m.cfg.BinaryPath != "" {
		if !utils.FileExists(m.cfg.BinaryPath) {
			return binaryInfo{}, trace.NotFound("assistant binary %v does not exist", m.cfg.BinaryPath)
		}
		b = binaryInfo{path: m.cfg.BinaryPath, version: probeVersion(m.cfg.BinaryPath)}
	} else {
		b, err = detectBinary(m.cfg.BinaryCandidates)
		if err != nil {
			return binaryInfo{}, trace.Wrap(err)
		}
	}

	m.mu.Lock()
	if m.binary == nil {
		m.binary = &b
	}
	b = *m.binary
	m.mu.Unlock()
	m.cfg.Logger.Info("Detected assistant binary.", "path", b.path, "version", b.version)
	return b, nil
}

// Spawn implements the spawn decision tree: an id already forwarded for this
// socket stays host-owned; an id the host knows becomes forwarded; anything
// else is spawned as a gateway-owned PTY. The host's answer on existence is
// authoritative.
func (m *Mux) Spawn(ctx context.Context, sess *session.Session, req SpawnRequest) (SpawnResult, error) {
	if sess == nil {
		return SpawnResult{}, trace.BadParameter("missing session")
	}
	if req.InstanceID == "" {
		return SpawnResult{}, trace.BadParameter("missing instance id")
	}

	m.mu.Lock()
	forwarded := m.forwarding.has(sess.SocketID, req.InstanceID)
	m.mu.Unlock()
	if forwarded {
		return m.spawnForwarded(ctx, sess, req)
	}

	exists, err := m.cfg.Bridge.InstanceExists(ctx, req.InstanceID)
	if err != nil {
		m.cfg.Logger.WarnContext(ctx, "Host existence check failed, treating instance as unknown.",
			"instance_id", req.InstanceID, "error", err)
		exists = false
	}
	if exists {
		return m.spawnForwarded(ctx, sess, req)
	}

	return m.spawnOwned(ctx, sess, req)
}

// spawnForwarded attaches the socket to a host-owned instance: ownership is
// reserved, the output proxy is installed, and the instance is started on
// the host when it is not connected.
func (m *Mux) spawnForwarded(ctx context.Context, sess *session.Session, req SpawnRequest) (SpawnResult, error) {
	if err := m.reserveOwnership(sess, req); err != nil {
		spawnsTotal.WithLabelValues("rejected").Inc()
		return SpawnResult{}, trace.Wrap(err)
	}
	if err := m.installProxy(ctx, sess.SocketID, req.InstanceID); err != nil {
		spawnsTotal.WithLabelValues("rejected").Inc()
		return SpawnResult{}, trace.Wrap(err)
	}

	status, err := m.cfg.Bridge.InstanceStatus(ctx, req.InstanceID)
	if err != nil || status != hostbridge.StatusConnected {
		pid, err := m.cfg.Bridge.Start(ctx, hostbridge.StartRequest{
			InstanceID:       req.InstanceID,
			WorkingDirectory: req.WorkingDirectory,
			InstanceName:     req.InstanceName,
		})
		if err != nil {
			spawnsTotal.WithLabelValues("rejected").Inc()
			return SpawnResult{}, trace.Wrap(err, "starting host instance %v", req.InstanceID)
		}
		spawnsTotal.WithLabelValues("forwarded").Inc()
		return SpawnResult{InstanceID: req.InstanceID, PID: pid, Forwarded: true}, nil
	}

	spawnsTotal.WithLabelValues("forwarded").Inc()
	return SpawnResult{InstanceID: req.InstanceID, PID: -1, Forwarded: true}, nil
}

// reserveOwnership registers the instance for the user, or verifies the
// existing registration belongs to them.
func (m *Mux) reserveOwnership(sess *session.Session, req SpawnRequest) error {
	if m.cfg.Isolation.UserOwnsInstance(sess.UserID, req.InstanceID) {
		m.cfg.Isolation.UpdateInstanceActivity(req.InstanceID)
		return nil
	}
	if m.cfg.Isolation.InstanceRegistered(req.InstanceID) {
		return trace.AccessDenied("instance %v belongs to another user", req.InstanceID)
	}
	return trace.Wrap(m.cfg.Isolation.RegisterInstance(sess.UserID, req.InstanceID, sess, req.InstanceName))
}

// installProxy wires the host-side subscriptions and the gateway-side relay
// for the (socket, instance). Installing over a live proxy for the same pair
// is a no-op; installing for a new socket replaces the prior socket's proxy,
// which is how reconnection hands the stream over.
func (m *Mux) installProxy(ctx context.Context, socketID, instanceID string) error {
	m.mu.Lock()
	if m.forwarding.has(socketID, instanceID) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.cfg.Bridge.BindRemote(ctx, instanceID, socketID); err != nil {
		return trace.Wrap(err, "binding instance %v to socket %v", instanceID, socketID)
	}
	output, err := m.cfg.Bridge.SubscribeOutput(instanceID)
	if err != nil {
		return trace.Wrap(err)
	}
	complete, err := m.cfg.Bridge.SubscribeResponseComplete(instanceID)
	if err != nil {
		output.Close()
		return trace.Wrap(err)
	}

	p := &proxy{
		instanceID: instanceID,
		socketID:   socketID,
		output:     output,
		complete:   complete,
	}
	m.mu.Lock()
	replaced := m.forwarding.put(p)
	m.mu.Unlock()
	if replaced != nil {
		replaced.close()
		m.cfg.Logger.Debug("Replaced forwarding proxy.",
			"instance_id", instanceID, "old_socket", replaced.socketID, "new_socket", socketID)
	}

	go m.relayOutput(p)
	go m.relayComplete(p)
	return nil
}

func (m *Mux) relayOutput(p *proxy) {
	for chunk := range p.output.C {
		m.cfg.Emitter.Emit(p.socketID, OutputEvent{
			Event:      drawbridge.EventAssistantOutput,
			InstanceID: p.instanceID,
			Data:       base64.StdEncoding.EncodeToString(chunk),
		})
		m.feedTranscoder(p.socketID, p.instanceID, chunk)
	}
}

func (m *Mux) relayComplete(p *proxy) {
	for range p.complete.C {
		m.cfg.Emitter.Emit(p.socketID, ResponseCompleteEvent{
			Event:      drawbridge.EventAssistantResponseComplete,
			InstanceID: p.instanceID,
		})
	}
}

// spawnOwned spawns a gateway-owned assistant PTY.
func (m *Mux) spawnOwned(ctx context.Context, sess *session.Session, req SpawnRequest) (SpawnResult, error) {
	m.mu.Lock()
	_, taken := m.instances[req.InstanceID]
	m.mu.Unlock()
	if taken {
		spawnsTotal.WithLabelValues("rejected").Inc()
		return SpawnResult{}, trace.AlreadyExists("instance %v already exists", req.InstanceID)
	}

	binary, err := m.assistantBinary()
	if err != nil {
		spawnsTotal.WithLabelValues("rejected").Inc()
		return SpawnResult{}, trace.Wrap(err)
	}

	if err := m.cfg.Isolation.RegisterInstance(sess.UserID, req.InstanceID, sess, req.InstanceName); err != nil {
		spawnsTotal.WithLabelValues("rejected").Inc()
		return SpawnResult{}, trace.Wrap(err)
	}

	cmd := exec.Command(binary.path)
	cmd.Dir = m.workdir(req.WorkingDirectory)
	cmd.Env = m.buildEnv(sess, req)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: defaults.TerminalDefaultCols,
		Rows: defaults.TerminalDefaultRows,
	})
	if err != nil {
		m.cfg.Isolation.UnregisterInstance(req.InstanceID)
		spawnsTotal.WithLabelValues("rejected").Inc()
		return SpawnResult{}, trace.Wrap(err, "spawning assistant %v", binary.path)
	}

	inst := &instance{
		id:               req.InstanceID,
		sessionID:        sess.ID,
		socketID:         sess.SocketID,
		userID:           sess.UserID,
		workingDirectory: cmd.Dir,
		name:             req.InstanceName,
		binary:           binary,
		pty:              ptmx,
		cmd:              cmd,
	}
	m.mu.Lock()
	m.instances[inst.id] = inst
	sockets := m.bySocket[inst.socketID]
	if sockets == nil {
		sockets = make(map[string]struct{})
		m.bySocket[inst.socketID] = sockets
	}
	sockets[inst.id] = struct{}{}
	m.mu.Unlock()
	instancesActive.Inc()
	spawnsTotal.WithLabelValues("owned").Inc()

	m.cfg.Logger.InfoContext(ctx, "Spawned assistant instance.",
		"instance_id", inst.id, "user_id", inst.userID, "binary", binary.path, "cwd", cmd.Dir)

	go m.readLoop(inst)
	go m.waitLoop(inst)
	return SpawnResult{InstanceID: inst.id, PID: cmd.Process.Pid}, nil
}

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

// buildEnv assembles the canonical child environment. The pinned variables
// go last so nothing inherited can override them.
func (m *Mux) buildEnv(sess *session.Session, req SpawnRequest) []string {
	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"ASSISTANT_INSTANCE_NAME="+req.InstanceName,
		"ASSISTANT_INSTANCE_ID="+req.InstanceID,
		"USER_ID="+sess.UserID,
		"WORKSPACE_ID="+sess.WorkspaceID,
		"REMOTE_MODE=true",
	)
	if req.Config != nil && req.Config.CustomInstructions != "" {
		env = append(env, "ASSISTANT_CUSTOM_INSTRUCTIONS="+req.Config.CustomInstructions)
	}
	return env
}

func (m *Mux) readLoop(inst *instance) {
	buf := make([]byte, defaults.PTYReadBufferBytes)
	for {
		n, err := inst.pty.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			m.cfg.Emitter.Emit(inst.socketID, OutputEvent{
				Event:      drawbridge.EventAssistantOutput,
				InstanceID: inst.id,
				Data:       base64.StdEncoding.EncodeToString(chunk),
			})
			m.feedTranscoder(inst.socketID, inst.id, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (m *Mux) waitLoop(inst *instance) {
	err := inst.cmd.Wait()
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
			m.cfg.Emitter.Emit(inst.socketID, ErrorEvent{
				Event:      drawbridge.EventAssistantError,
				InstanceID: inst.id,
				Error:      err.Error(),
			})
		}
	}
	inst.pty.Close()

	if m.removeInstance(inst.id) != nil {
		instancesActive.Dec()
		m.cfg.Isolation.UnregisterInstance(inst.id)
	}
	m.cfg.Emitter.Emit(inst.socketID, ExitEvent{
		Event:      drawbridge.EventAssistantExit,
		InstanceID: inst.id,
		Code:       code,
		Signal:     signal,
	})
	m.cfg.Logger.Debug("Assistant instance exited.", "instance_id", inst.id, "code", code, "signal", signal)
}

func (m *Mux) removeInstance(instanceID string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	delete(m.instances, instanceID)
	if sockets := m.bySocket[inst.socketID]; sockets != nil {
		delete(sockets, instanceID)
		if len(sockets) == 0 {
			delete(m.bySocket, inst.socketID)
		}
	}
	return inst
}

func (m *Mux) feedTranscoder(socketID, instanceID string, chunk []byte) {
	m.mu.Lock()
	tc := m.transcoders[transKey{socketID: socketID, instanceID: instanceID}]
	m.mu.Unlock()
	if tc != nil {
		tc.feed(chunk)
	}
}

// checkOwnership gates every control verb: the caller's user must own the
// instance.
func (m *Mux) checkOwnership(sess *session.Session, instanceID string) error {
	if sess == nil {
		return trace.BadParameter("missing session")
	}
	if instanceID == "" {
		return trace.BadParameter("missing instance id")
	}
	if m.cfg.Isolation.UserOwnsInstance(sess.UserID, instanceID) {
		return nil
	}
	m.mu.Lock()
	_, local := m.instances[instanceID]
	forwarded := m.forwarding.isForwarded(instanceID)
	m.mu.Unlock()
	if local || forwarded || m.cfg.Isolation.InstanceRegistered(instanceID) {
		return trace.AccessDenied("instance %v belongs to another user", instanceID)
	}
	return trace.NotFound("instance %v not found", instanceID)
}

// Send writes input to the instance, through the PTY for gateway-owned
// instances and through the host bridge for forwarded ones.
func (m *Mux) Send(ctx context.Context, sess *session.Session, instanceID string, data []byte) error {
	if err := m.checkOwnership(sess, instanceID); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Isolation.UpdateInstanceActivity(instanceID)

	m.mu.Lock()
	inst := m.instances[instanceID]
	m.mu.Unlock()
	if inst != nil {
		inst.writeMu.Lock()
		defer inst.writeMu.Unlock()
		if _, err := inst.pty.Write(data); err != nil {
			return trace.Wrap(err, "writing to instance %v", instanceID)
		}
		return nil
	}
	return trace.Wrap(m.cfg.Bridge.Send(ctx, instanceID, data))
}

// Resize changes a gateway-owned instance's PTY size. For forwarded
// instances the host owns the PTY geometry, so resize acks without effect;
// small-screen clients use ConfigureTerminal for their own viewport.
func (m *Mux) Resize(sess *session.Session, instanceID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return trace.BadParameter("invalid dimensions %vx%v", cols, rows)
	}
	if err := m.checkOwnership(sess, instanceID); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Isolation.UpdateInstanceActivity(instanceID)

	m.mu.Lock()
	inst := m.instances[instanceID]
	m.mu.Unlock()
	if inst == nil {
		return nil
	}
	if err := pty.Setsize(inst.pty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return trace.Wrap(err, "resizing instance %v", instanceID)
	}
	return nil
}

// Stop terminates the instance: gateway-owned PTYs are killed, forwarded
// instances are stopped on the host and their proxy is torn down.
func (m *Mux) Stop(ctx context.Context, sess *session.Session, instanceID string) error {
	if err := m.checkOwnership(sess, instanceID); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.stopInstance(ctx, instanceID))
}

// stopInstance is the session-less stop used by Stop and the idle janitor.
func (m *Mux) stopInstance(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	inst := m.instances[instanceID]
	m.mu.Unlock()
	if inst != nil {
		// The waiter reaps the child, emits the exit event and unregisters.
		if inst.cmd.Process != nil {
			if err := inst.cmd.Process.Kill(); err != nil {
				m.cfg.Logger.Debug("Killing assistant child failed.", "instance_id", instanceID, "error", err)
			}
		}
		inst.pty.Close()
		return nil
	}

	m.mu.Lock()
	p := m.forwarding.removeInstance(instanceID)
	for key := range m.transcoders {
		if key.instanceID == instanceID {
			delete(m.transcoders, key)
		}
	}
	m.mu.Unlock()
	if p != nil {
		p.close()
	}
	m.cfg.Isolation.UnregisterInstance(instanceID)
	return trace.Wrap(m.cfg.Bridge.Stop(ctx, instanceID))
}

// ConfigureTerminal creates (or replaces) the transcoder for the calling
// socket's viewport and replays the host's current scrollback into it so the
// first snapshot reflects history.
func (m *Mux) ConfigureTerminal(ctx context.Context, sess *session.Session, instanceID string, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return trace.BadParameter("invalid dimensions %vx%v", cols, rows)
	}
	if err := m.checkOwnership(sess, instanceID); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Isolation.UpdateInstanceActivity(instanceID)

	tc := newTranscoder(cols, rows)
	if buffer, err := m.cfg.Bridge.Buffer(ctx, instanceID); err == nil && buffer != "" {
		tc.feed([]byte(buffer))
	}

	m.mu.Lock()
	m.transcoders[transKey{socketID: sess.SocketID, instanceID: instanceID}] = tc
	m.mu.Unlock()
	return nil
}

// GetBuffer returns a serialized scrollback for the instance. The host's
// full buffer is preferred because the transcoder may not have seen history
// from before it was configured; the transcoder snapshot is the fallback.
func (m *Mux) GetBuffer(ctx context.Context, sess *session.Session, instanceID string) (string, error) {
	if err := m.checkOwnership(sess, instanceID); err != nil {
		return "", trace.Wrap(err)
	}
	if buffer, err := m.cfg.Bridge.Buffer(ctx, instanceID); err == nil {
		return buffer, nil
	}
	m.mu.Lock()
	tc := m.transcoders[transKey{socketID: sess.SocketID, instanceID: instanceID}]
	m.mu.Unlock()
	if tc != nil {
		return tc.snapshot(), nil
	}
	return "", trace.NotFound("no buffer available for instance %v", instanceID)
}

// GetInstances lists the calling user's registered instances.
func (m *Mux) GetInstances(sess *session.Session) ([]InstanceEntry, error) {
	if sess == nil {
		return nil, trace.BadParameter("missing session")
	}
	records := m.cfg.Isolation.GetUserInstances(sess.UserID)

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstanceEntry, 0, len(records))
	for _, rec := range records {
		entry := InstanceEntry{
			InstanceID:   rec.InstanceID,
			InstanceName: rec.InstanceName,
			WorkspaceID:  rec.WorkspaceID,
			LastActivity: rec.LastActivity,
		}
		if inst, ok := m.instances[rec.InstanceID]; ok {
			entry.WorkingDirectory = inst.workingDirectory
			if inst.cmd.Process != nil {
				entry.PID = inst.cmd.Process.Pid
			}
		} else {
			entry.Forwarded = true
		}
		out = append(out, entry)
	}
	return out, nil
}

// ListHost enumerates the host application's instances.
func (m *Mux) ListHost(ctx context.Context) ([]hostbridge.InstanceInfo, error) {
	instances, err := m.cfg.Bridge.ListInstances(ctx)
	return instances, trace.Wrap(err)
}

// CleanupSocket tears down everything tied to a disconnected socket:
// gateway-owned PTYs are killed and unregistered, the socket's transcoders
// are disposed, and its forwarding proxies are closed. Errors are logged,
// never surfaced; the disconnect cascade must not stall.
func (m *Mux) CleanupSocket(socketID string) {
	m.mu.Lock()
	var doomed []*instance
	for id := range m.bySocket[socketID] {
		if inst, ok := m.instances[id]; ok {
			doomed = append(doomed, inst)
		}
	}
	for key := range m.transcoders {
		if key.socketID == socketID {
			delete(m.transcoders, key)
		}
	}
	proxies := m.forwarding.removeSocket(socketID)
	m.mu.Unlock()

	for _, inst := range doomed {
		if inst.cmd.Process != nil {
			if err := inst.cmd.Process.Kill(); err != nil {
				m.cfg.Logger.Debug("Killing assistant child failed.", "instance_id", inst.id, "error", err)
			}
		}
		inst.pty.Close()
	}
	for _, p := range proxies {
		p.close()
	}
	if len(doomed) > 0 || len(proxies) > 0 {
		m.cfg.Logger.Debug("Cleaned up socket instances.",
			"socket_id", socketID, "owned", len(doomed), "forwarded", len(proxies))
	}
}

// RunJanitor stops instances idle longer than the configured timeout. It
// blocks until the context is canceled; with no timeout configured it
// returns immediately.
func (m *Mux) RunJanitor(ctx context.Context) {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := m.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, id := range m.cfg.Isolation.IdleInstances(m.cfg.IdleTimeout) {
				m.cfg.Logger.InfoContext(ctx, "Stopping idle assistant instance.", "instance_id", id)
				if err := m.stopInstance(ctx, id); err != nil {
					m.cfg.Logger.Debug("Stopping idle instance failed.", "instance_id", id, "error", err)
				}
			}
		}
	}
}

// Count returns the number of live gateway-owned instances.
func (m *Mux) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// ForwardedCount returns the number of live forwarding proxies.
func (m *Mux) ForwardedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.forwarding.byInstance)
}
