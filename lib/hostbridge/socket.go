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

package hostbridge

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/defaults"
)

// The host application listens on a Unix domain socket and speaks
// newline-delimited JSON. The gateway sends requests
// {"id","method","params"} and receives responses {"id","ok","data","error"}
// plus unsolicited events {"event","instanceId","data"}. Output bytes ride
// base64 inside events.
const (
	methodInstanceExists    = "instanceExists"
	methodInstanceStatus    = "instanceStatus"
	methodStart             = "start"
	methodStop              = "stop"
	methodSend              = "send"
	methodBuffer            = "buffer"
	methodListInstances     = "listInstances"
	methodListTerminals     = "listTerminals"
	methodBindRemote        = "bindRemote"
	methodSubscribe         = "subscribe"
	methodUnsubscribe       = "unsubscribe"
)

const (
	eventOutput           = "output"
	eventResponseComplete = "responseComplete"
)

// subscriberDepth is the per-subscription buffer; a consumer that falls this
// far behind loses chunks rather than stalling the socket read loop.
const subscriberDepth = 256

type wireRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type wireEvent struct {
	Event      string `json:"event"`
	InstanceID string `json:"instanceId"`
	Data       string `json:"data,omitempty"`
}

// SocketConfig configures the socket bridge.
type SocketConfig struct {
	// Path is the host application's Unix socket.
	Path string
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	// CallTimeout bounds one request/response round trip.
	CallTimeout time.Duration
	// ReconnectBackoff is the delay between reconnection attempts.
	ReconnectBackoff time.Duration
	// Logger emits connection and drop diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *SocketConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing host socket path")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaults.HostBridgeDialTimeout
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaults.HostBridgeCallTimeout
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = defaults.HostBridgeReconnectBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentHostBridge)
	}
	return nil
}

// SocketBridge is the production Bridge: a reconnecting NDJSON client over
// the host application's Unix socket. Subscriptions survive reconnects; the
// bridge re-announces them after every dial.
type SocketBridge struct {
	cfg SocketConfig

	// writeMu serializes raw socket writes.
	writeMu sync.Mutex

	// mu guards everything below and is never held across socket I/O.
	mu         sync.Mutex
	conn       net.Conn
	pending    map[string]chan wireResponse
	outputSubs map[string]map[*OutputSubscription]chan []byte
	signalSubs map[string]map[*SignalSubscription]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSocketBridge dials the host application and keeps the connection alive
// in the background. It returns immediately; calls made while disconnected
// fail with a connection problem.
func NewSocketBridge(cfg SocketConfig) (*SocketBridge, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	b := &SocketBridge{
		cfg:        cfg,
		pending:    make(map[string]chan wireResponse),
		outputSubs: make(map[string]map[*OutputSubscription]chan []byte),
		signalSubs: make(map[string]map[*SignalSubscription]chan struct{}),
		closed:     make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// Close disconnects and fails all outstanding calls and subscriptions.
func (b *SocketBridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		conn := b.conn
		b.conn = nil
		b.failPendingLocked(trace.ConnectionProblem(nil, "host bridge closed"))
		var outputs []*OutputSubscription
		for _, subs := range b.outputSubs {
			for sub := range subs {
				outputs = append(outputs, sub)
			}
		}
		var signals []*SignalSubscription
		for _, subs := range b.signalSubs {
			for sub := range subs {
				signals = append(signals, sub)
			}
		}
		b.mu.Unlock()
		// Subscription closers take the lock themselves and are idempotent,
		// so a later Close on the caller's side stays safe.
		for _, sub := range outputs {
			sub.Close()
		}
		for _, sub := range signals {
			sub.Close()
		}
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (b *SocketBridge) run() {
	for {
		select {
		case <-b.closed:
			return
		default:
		}
		conn, err := net.DialTimeout("unix", b.cfg.Path, b.cfg.DialTimeout)
		if err != nil {
			b.cfg.Logger.Debug("Host application socket is not reachable.", "path", b.cfg.Path, "error", err)
			select {
			case <-b.closed:
				return
			case <-time.After(b.cfg.ReconnectBackoff):
				continue
			}
		}
		b.mu.Lock()
		b.conn = conn
		instances := b.subscribedInstancesLocked()
		b.mu.Unlock()
		b.cfg.Logger.Info("Connected to host application.", "path", b.cfg.Path)
		for _, id := range instances {
			b.announce(methodSubscribe, id)
		}

		b.readLoop(conn)

		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.failPendingLocked(trace.ConnectionProblem(nil, "host application disconnected"))
		b.mu.Unlock()
		conn.Close()

		select {
		case <-b.closed:
			return
		case <-time.After(b.cfg.ReconnectBackoff):
		}
	}
}

func (b *SocketBridge) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err == nil && ev.Event != "" {
			b.dispatchEvent(ev)
			continue
		}
		var resp wireResponse
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == "" {
			b.cfg.Logger.Warn("Dropping unparseable host message.", "error", err)
			continue
		}
		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	if err := scanner.Err(); err != nil {
		b.cfg.Logger.Debug("Host socket read ended.", "error", err)
	}
}

func (b *SocketBridge) dispatchEvent(ev wireEvent) {
	switch ev.Event {
	case eventOutput:
		data, err := base64.StdEncoding.DecodeString(ev.Data)
		if err != nil {
			b.cfg.Logger.Warn("Dropping output event with invalid base64.", "instance_id", ev.InstanceID)
			return
		}
		// Fan out while holding mu: subscription closers close their channel
		// under the same lock, so a send can never hit a closed channel. The
		// sends are non-blocking, keeping the lock free of I/O waits.
		b.mu.Lock()
		for _, ch := range b.outputSubs[ev.InstanceID] {
			select {
			case ch <- data:
			default:
				b.cfg.Logger.Debug("Subscriber is behind, dropping output chunk.", "instance_id", ev.InstanceID)
			}
		}
		b.mu.Unlock()
	case eventResponseComplete:
		b.mu.Lock()
		for _, ch := range b.signalSubs[ev.InstanceID] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		b.mu.Unlock()
	default:
		b.cfg.Logger.Debug("Ignoring unknown host event.", "event", ev.Event)
	}
}

func (b *SocketBridge) failPendingLocked(err error) {
	for id, ch := range b.pending {
		delete(b.pending, id)
		ch <- wireResponse{ID: id, OK: false, Error: err.Error()}
	}
}

func (b *SocketBridge) subscribedInstancesLocked() []string {
	seen := make(map[string]struct{})
	for id := range b.outputSubs {
		seen[id] = struct{}{}
	}
	for id := range b.signalSubs {
		seen[id] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// announce sends a best-effort subscribe/unsubscribe for the instance; a
// failure only means the next reconnect will repair the subscription.
func (b *SocketBridge) announce(method, instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
	defer cancel()
	if err := b.call(ctx, method, map[string]string{"instanceId": instanceID}, nil); err != nil {
		b.cfg.Logger.Debug("Subscription announce failed.", "method", method, "instance_id", instanceID, "error", err)
	}
}

func (b *SocketBridge) call(ctx context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return trace.Wrap(err)
	}
	req := wireRequest{ID: uuid.NewString(), Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return trace.Wrap(err)
	}
	line = append(line, '\n')

	respC := make(chan wireResponse, 1)
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return trace.ConnectionProblem(nil, "host application is not connected")
	}
	b.pending[req.ID] = respC
	b.mu.Unlock()

	b.writeMu.Lock()
	_, err = conn.Write(line)
	b.writeMu.Unlock()
	if err != nil {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return trace.ConnectionProblem(err, "writing to host application")
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	select {
	case resp := <-respC:
		if !resp.OK {
			return trace.Errorf("host application: %s", resp.Error)
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return trace.Wrap(err)
			}
		}
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return trace.Wrap(ctx.Err())
	case <-b.closed:
		return trace.ConnectionProblem(nil, "host bridge closed")
	}
}

// InstanceExists reports whether the host knows the instance id.
func (b *SocketBridge) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	if err := b.call(ctx, methodInstanceExists, map[string]string{"instanceId": instanceID}, &out); err != nil {
		return false, trace.Wrap(err)
	}
	return out.Exists, nil
}

// InstanceStatus reports the instance's connection state.
func (b *SocketBridge) InstanceStatus(ctx context.Context, instanceID string) (Status, error) {
	var out struct {
		Status Status `json:"status"`
	}
	if err := b.call(ctx, methodInstanceStatus, map[string]string{"instanceId": instanceID}, &out); err != nil {
		return "", trace.Wrap(err)
	}
	return out.Status, nil
}

// Start starts a host-owned instance and returns its pid.
func (b *SocketBridge) Start(ctx context.Context, req StartRequest) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	if err := b.call(ctx, methodStart, req, &out); err != nil {
		return 0, trace.Wrap(err)
	}
	return out.PID, nil
}

// Stop stops a host-owned instance.
func (b *SocketBridge) Stop(ctx context.Context, instanceID string) error {
	return trace.Wrap(b.call(ctx, methodStop, map[string]string{"instanceId": instanceID}, nil))
}

// Send writes input to a host-owned instance.
func (b *SocketBridge) Send(ctx context.Context, instanceID string, data []byte) error {
	params := map[string]string{
		"instanceId": instanceID,
		"data":       base64.StdEncoding.EncodeToString(data),
	}
	return trace.Wrap(b.call(ctx, methodSend, params, nil))
}

// Buffer returns the host's full textual scrollback for the instance.
func (b *SocketBridge) Buffer(ctx context.Context, instanceID string) (string, error) {
	var out struct {
		Buffer string `json:"buffer"`
	}
	if err := b.call(ctx, methodBuffer, map[string]string{"instanceId": instanceID}, &out); err != nil {
		return "", trace.Wrap(err)
	}
	return out.Buffer, nil
}

// ListInstances enumerates the host's assistant instances.
func (b *SocketBridge) ListInstances(ctx context.Context) ([]InstanceInfo, error) {
	var out struct {
		Instances []InstanceInfo `json:"instances"`
	}
	if err := b.call(ctx, methodListInstances, nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Instances, nil
}

// ListTerminals enumerates the host's terminals.
func (b *SocketBridge) ListTerminals(ctx context.Context) ([]TerminalInfo, error) {
	var out struct {
		Terminals []TerminalInfo `json:"terminals"`
	}
	if err := b.call(ctx, methodListTerminals, nil, &out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out.Terminals, nil
}

// BindRemote records the instance-to-socket routing on the host.
func (b *SocketBridge) BindRemote(ctx context.Context, instanceID, socketID string) error {
	params := map[string]string{"instanceId": instanceID, "socketId": socketID}
	return trace.Wrap(b.call(ctx, methodBindRemote, params, nil))
}

// SubscribeOutput subscribes to the instance's output bytes. The
// subscription buffers up to subscriberDepth chunks; a consumer that falls
// further behind loses chunks rather than stalling other instances.
func (b *SocketBridge) SubscribeOutput(instanceID string) (*OutputSubscription, error) {
	if instanceID == "" {
		return nil, trace.BadParameter("missing instance id")
	}
	ch := make(chan []byte, subscriberDepth)
	sub := &OutputSubscription{C: ch}
	var once sync.Once
	sub.close = func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.outputSubs[instanceID]; subs != nil {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.outputSubs, instanceID)
				}
			}
			// Closed under mu so event fan-out, which sends under mu, can
			// never race the close.
			close(ch)
			b.mu.Unlock()
			b.announce(methodUnsubscribe, instanceID)
		})
	}

	b.mu.Lock()
	select {
	case <-b.closed:
		b.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "host bridge closed")
	default:
	}
	subs := b.outputSubs[instanceID]
	first := subs == nil
	if first {
		subs = make(map[*OutputSubscription]chan []byte)
		b.outputSubs[instanceID] = subs
	}
	subs[sub] = ch
	b.mu.Unlock()

	if first {
		b.announce(methodSubscribe, instanceID)
	}
	return sub, nil
}

// SubscribeResponseComplete subscribes to the host's response-complete
// signal for the instance.
func (b *SocketBridge) SubscribeResponseComplete(instanceID string) (*SignalSubscription, error) {
	if instanceID == "" {
		return nil, trace.BadParameter("missing instance id")
	}
	ch := make(chan struct{}, 1)
	sub := &SignalSubscription{C: ch}
	var once sync.Once
	sub.close = func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.signalSubs[instanceID]; subs != nil {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(b.signalSubs, instanceID)
				}
			}
			close(ch)
			b.mu.Unlock()
		})
	}

	b.mu.Lock()
	select {
	case <-b.closed:
		b.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "host bridge closed")
	default:
	}
	subs := b.signalSubs[instanceID]
	if subs == nil {
		subs = make(map[*SignalSubscription]chan struct{})
		b.signalSubs[instanceID] = subs
	}
	subs[sub] = ch
	b.mu.Unlock()

	return sub, nil
}
