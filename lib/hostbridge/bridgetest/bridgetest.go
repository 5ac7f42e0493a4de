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

// Package bridgetest provides an in-memory host bridge for tests: instances
// are declared up front, output is injected by the test, and every control
// call is recorded for assertions.
package bridgetest

import (
	"context"
	"sync"

	"github.com/gravitational/trace"

	"github.com/moatworks/drawbridge/lib/hostbridge"
)

type fakeInstance struct {
	info   hostbridge.InstanceInfo
	buffer string
}

// Fake implements hostbridge.Bridge in memory.
type Fake struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	terminals []hostbridge.TerminalInfo

	startCalls []hostbridge.StartRequest
	stopCalls  []string
	sendCalls  map[string][][]byte
	bindings   map[string]string

	outputSubs map[string]map[chan []byte]struct{}
	signalSubs map[string]map[chan struct{}]struct{}

	// FailStart, when set, makes Start return this error.
	FailStart error
}

// New returns an empty fake with no instances.
func New() *Fake {
	return &Fake{
		instances:  make(map[string]*fakeInstance),
		sendCalls:  make(map[string][][]byte),
		bindings:   make(map[string]string),
		outputSubs: make(map[string]map[chan []byte]struct{}),
		signalSubs: make(map[string]map[chan struct{}]struct{}),
	}
}

// AddInstance declares a host-owned instance.
func (f *Fake) AddInstance(info hostbridge.InstanceInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[info.InstanceID] = &fakeInstance{info: info}
}

// SetBuffer sets the instance's scrollback snapshot.
func (f *Fake) SetBuffer(instanceID, buffer string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.buffer = buffer
	}
}

// SetTerminals declares the host's terminal list.
func (f *Fake) SetTerminals(terminals []hostbridge.TerminalInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminals = terminals
}

// EmitOutput delivers output bytes to every subscriber of the instance and
// appends them to the instance buffer.
func (f *Fake) EmitOutput(instanceID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[instanceID]; ok {
		inst.buffer += string(data)
	}
	// Delivered under mu; subscription closers close their channel under the
	// same lock, so sends never race the close.
	for ch := range f.outputSubs[instanceID] {
		ch <- data
	}
}

// EmitResponseComplete signals every response-complete subscriber.
func (f *Fake) EmitResponseComplete(instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.signalSubs[instanceID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// OutputSubscriberCount reports live output subscriptions for the instance.
func (f *Fake) OutputSubscriberCount(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outputSubs[instanceID])
}

// StartCalls returns the recorded start requests.
func (f *Fake) StartCalls() []hostbridge.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hostbridge.StartRequest, len(f.startCalls))
	copy(out, f.startCalls)
	return out
}

// StopCalls returns the recorded stop targets.
func (f *Fake) StopCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.stopCalls))
	copy(out, f.stopCalls)
	return out
}

// SendCalls returns the recorded input writes for the instance.
func (f *Fake) SendCalls(instanceID string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sendCalls[instanceID]))
	copy(out, f.sendCalls[instanceID])
	return out
}

// Binding returns the socket the instance's remote output is routed to.
func (f *Fake) Binding(instanceID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindings[instanceID]
}

// InstanceExists implements hostbridge.Bridge.
func (f *Fake) InstanceExists(ctx context.Context, instanceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.instances[instanceID]
	return ok, nil
}

// InstanceStatus implements hostbridge.Bridge.
func (f *Fake) InstanceStatus(ctx context.Context, instanceID string) (hostbridge.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return "", trace.NotFound("instance %v not found", instanceID)
	}
	return inst.info.Status, nil
}

// Start implements hostbridge.Bridge: it marks the instance connected.
func (f *Fake) Start(ctx context.Context, req hostbridge.StartRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		return 0, f.FailStart
	}
	f.startCalls = append(f.startCalls, req)
	inst, ok := f.instances[req.InstanceID]
	if !ok {
		inst = &fakeInstance{info: hostbridge.InstanceInfo{
			InstanceID:       req.InstanceID,
			InstanceName:     req.InstanceName,
			WorkingDirectory: req.WorkingDirectory,
		}}
		f.instances[req.InstanceID] = inst
	}
	inst.info.Status = hostbridge.StatusConnected
	if inst.info.PID == 0 {
		inst.info.PID = 4242
	}
	return inst.info.PID, nil
}

// Stop implements hostbridge.Bridge: it marks the instance disconnected.
func (f *Fake) Stop(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return trace.NotFound("instance %v not found", instanceID)
	}
	f.stopCalls = append(f.stopCalls, instanceID)
	inst.info.Status = hostbridge.StatusDisconnected
	inst.info.PID = 0
	return nil
}

// Send implements hostbridge.Bridge.
func (f *Fake) Send(ctx context.Context, instanceID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[instanceID]; !ok {
		return trace.NotFound("instance %v not found", instanceID)
	}
	f.sendCalls[instanceID] = append(f.sendCalls[instanceID], append([]byte(nil), data...))
	return nil
}

// Buffer implements hostbridge.Bridge.
func (f *Fake) Buffer(ctx context.Context, instanceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return "", trace.NotFound("instance %v not found", instanceID)
	}
	return inst.buffer, nil
}

// ListInstances implements hostbridge.Bridge.
func (f *Fake) ListInstances(ctx context.Context) ([]hostbridge.InstanceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hostbridge.InstanceInfo, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst.info)
	}
	return out, nil
}

// ListTerminals implements hostbridge.Bridge.
func (f *Fake) ListTerminals(ctx context.Context) ([]hostbridge.TerminalInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]hostbridge.TerminalInfo, len(f.terminals))
	copy(out, f.terminals)
	return out, nil
}

// BindRemote implements hostbridge.Bridge.
func (f *Fake) BindRemote(ctx context.Context, instanceID, socketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[instanceID]; !ok {
		return trace.NotFound("instance %v not found", instanceID)
	}
	f.bindings[instanceID] = socketID
	return nil
}

// SubscribeOutput implements hostbridge.Bridge.
func (f *Fake) SubscribeOutput(instanceID string) (*hostbridge.OutputSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[instanceID]; !ok {
		return nil, trace.NotFound("instance %v not found", instanceID)
	}
	ch := make(chan []byte, 256)
	subs := f.outputSubs[instanceID]
	if subs == nil {
		subs = make(map[chan []byte]struct{})
		f.outputSubs[instanceID] = subs
	}
	subs[ch] = struct{}{}
	return hostbridge.NewOutputSubscription(ch, func() {
		f.mu.Lock()
		delete(f.outputSubs[instanceID], ch)
		close(ch)
		f.mu.Unlock()
	}), nil
}

// SubscribeResponseComplete implements hostbridge.Bridge.
func (f *Fake) SubscribeResponseComplete(instanceID string) (*hostbridge.SignalSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[instanceID]; !ok {
		return nil, trace.NotFound("instance %v not found", instanceID)
	}
	ch := make(chan struct{}, 1)
	subs := f.signalSubs[instanceID]
	if subs == nil {
		subs = make(map[chan struct{}]struct{})
		f.signalSubs[instanceID] = subs
	}
	subs[ch] = struct{}{}
	return hostbridge.NewSignalSubscription(ch, func() {
		f.mu.Lock()
		delete(f.signalSubs[instanceID], ch)
		close(ch)
		f.mu.Unlock()
	}), nil
}
