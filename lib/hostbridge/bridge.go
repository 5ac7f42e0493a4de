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

// Package hostbridge is the gateway's channel to the colocated host
// application that owns host-side assistant instances and terminals. The
// gateway never reaches into the host's internals; everything goes through
// the Bridge capability. The production implementation speaks
// newline-delimited JSON over a Unix domain socket; a noop implementation
// stands in when no host application is attached.
package hostbridge

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Status describes a host-owned instance's connection state.
type Status string

const (
	// StatusConnected means the host reports the instance as live.
	StatusConnected Status = "connected"
	// StatusDisconnected means the host knows the instance but reports its
	// process as not running.
	StatusDisconnected Status = "disconnected"
)

// InstanceInfo is the host's description of one of its assistant instances.
type InstanceInfo struct {
	// InstanceID is unique across host and gateway scopes.
	InstanceID string `json:"instanceId"`
	// InstanceName is the host's display name for the instance.
	InstanceName string `json:"instanceName,omitempty"`
	// WorkingDirectory is where the instance runs.
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	// Status reports the instance's connection state.
	Status Status `json:"status"`
	// PID is the host-side process id, zero when not running.
	PID int `json:"pid,omitempty"`
}

// TerminalInfo is the host's description of one of its terminals.
type TerminalInfo struct {
	// TerminalID identifies the host terminal.
	TerminalID string `json:"terminalId"`
	// Name is the host's display name.
	Name string `json:"name,omitempty"`
	// CurrentBuffer is a textual scrollback snapshot, when the host can
	// supply one.
	CurrentBuffer string `json:"currentBuffer,omitempty"`
}

// StartRequest asks the host to start (or restart) one of its instances.
type StartRequest struct {
	// InstanceID names the instance to start.
	InstanceID string `json:"instanceId"`
	// WorkingDirectory is where to start it.
	WorkingDirectory string `json:"workingDirectory,omitempty"`
	// InstanceName is the display name to start it under.
	InstanceName string `json:"instanceName,omitempty"`
}

// OutputSubscription delivers one host instance's output bytes in
// production order. Close releases the subscription; the channel is closed
// afterwards.
type OutputSubscription struct {
	// C carries output chunks.
	C <-chan []byte

	close func()
}

// NewOutputSubscription wraps a delivery channel. Bridge implementations
// outside this package build their subscriptions with it; closeFn runs at
// most once.
func NewOutputSubscription(c <-chan []byte, closeFn func()) *OutputSubscription {
	var once sync.Once
	return &OutputSubscription{C: c, close: func() { once.Do(closeFn) }}
}

// Close tears the subscription down. Safe to call more than once.
func (s *OutputSubscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// SignalSubscription delivers fieldless notifications, one per signal.
type SignalSubscription struct {
	// C receives one value per signal.
	C <-chan struct{}

	close func()
}

// NewSignalSubscription wraps a delivery channel; closeFn runs at most once.
func NewSignalSubscription(c <-chan struct{}, closeFn func()) *SignalSubscription {
	var once sync.Once
	return &SignalSubscription{C: c, close: func() { once.Do(closeFn) }}
}

// Close tears the subscription down. Safe to call more than once.
func (s *SignalSubscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// Bridge is the opaque capability the gateway consults for host-owned
// instances: existence and status checks, lifecycle control, scrollback
// snapshots, and output event subscriptions.
type Bridge interface {
	// InstanceExists reports whether the host knows the instance id.
	InstanceExists(ctx context.Context, instanceID string) (bool, error)
	// InstanceStatus reports the instance's connection state.
	InstanceStatus(ctx context.Context, instanceID string) (Status, error)
	// Start starts a host-owned instance and returns its pid.
	Start(ctx context.Context, req StartRequest) (int, error)
	// Stop stops a host-owned instance.
	Stop(ctx context.Context, instanceID string) error
	// Send writes input to a host-owned instance.
	Send(ctx context.Context, instanceID string, data []byte) error
	// Buffer returns the host's full textual scrollback for the instance.
	Buffer(ctx context.Context, instanceID string) (string, error)
	// ListInstances enumerates the host's assistant instances.
	ListInstances(ctx context.Context) ([]InstanceInfo, error)
	// ListTerminals enumerates the host's terminals.
	ListTerminals(ctx context.Context) ([]TerminalInfo, error)
	// BindRemote records on the host that the instance's remote output
	// belongs to the socket, so the host can re-route after reconnects.
	BindRemote(ctx context.Context, instanceID, socketID string) error
	// SubscribeOutput subscribes to the instance's output bytes.
	SubscribeOutput(instanceID string) (*OutputSubscription, error)
	// SubscribeResponseComplete subscribes to the host's signal that the
	// instance finished a response.
	SubscribeResponseComplete(instanceID string) (*SignalSubscription, error)
}

// Noop is the Bridge used when no host application is attached. Existence
// checks are negative, lists are empty, and control verbs fail with
// not-found errors.
type Noop struct{}

// NewNoop returns the detached bridge.
func NewNoop() *Noop {
	return &Noop{}
}

// InstanceExists always reports false.
func (*Noop) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	return false, nil
}

// InstanceStatus fails: the detached host knows no instances.
func (*Noop) InstanceStatus(ctx context.Context, instanceID string) (Status, error) {
	return "", trace.NotFound("no host application attached")
}

// Start fails: nothing to start on a detached host.
func (*Noop) Start(ctx context.Context, req StartRequest) (int, error) {
	return 0, trace.NotFound("no host application attached")
}

// Stop fails: nothing to stop on a detached host.
func (*Noop) Stop(ctx context.Context, instanceID string) error {
	return trace.NotFound("no host application attached")
}

// Send fails: nothing to write to on a detached host.
func (*Noop) Send(ctx context.Context, instanceID string, data []byte) error {
	return trace.NotFound("no host application attached")
}

// Buffer fails: no scrollback on a detached host.
func (*Noop) Buffer(ctx context.Context, instanceID string) (string, error) {
	return "", trace.NotFound("no host application attached")
}

// ListInstances is empty on a detached host.
func (*Noop) ListInstances(ctx context.Context) ([]InstanceInfo, error) {
	return nil, nil
}

// ListTerminals is empty on a detached host.
func (*Noop) ListTerminals(ctx context.Context) ([]TerminalInfo, error) {
	return nil, nil
}

// BindRemote fails: no routing table on a detached host.
func (*Noop) BindRemote(ctx context.Context, instanceID, socketID string) error {
	return trace.NotFound("no host application attached")
}

// SubscribeOutput fails: a detached host emits nothing.
func (*Noop) SubscribeOutput(instanceID string) (*OutputSubscription, error) {
	return nil, trace.NotFound("no host application attached")
}

// SubscribeResponseComplete fails: a detached host emits nothing.
func (*Noop) SubscribeResponseComplete(instanceID string) (*SignalSubscription, error) {
	return nil, trace.NotFound("no host application attached")
}
