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

package assistant

import (
	"github.com/moatworks/drawbridge/lib/hostbridge"
)

// proxy relays one host-owned instance's output to one socket. Closing the
// subscriptions closes their channels, which ends the relay goroutines.
type proxy struct {
	instanceID string
	socketID   string
	output     *hostbridge.OutputSubscription
	complete   *hostbridge.SignalSubscription
}

func (p *proxy) close() {
	p.output.Close()
	p.complete.Close()
}

// forwardingRegistry records which instance ids are proxied to which
// sockets. At most one live proxy per instance: installing a proxy for a new
// socket evicts the prior socket's proxy, which is how a reconnecting client
// takes over the output stream. All methods are called under the mux lock.
type forwardingRegistry struct {
	bySocket   map[string]map[string]*proxy
	byInstance map[string]*proxy
}

func newForwardingRegistry() *forwardingRegistry {
	return &forwardingRegistry{
		bySocket:   make(map[string]map[string]*proxy),
		byInstance: make(map[string]*proxy),
	}
}

// has reports whether a proxy is live for this exact (socket, instance).
func (r *forwardingRegistry) has(socketID, instanceID string) bool {
	p, ok := r.byInstance[instanceID]
	return ok && p.socketID == socketID
}

// isForwarded reports whether the instance is proxied to any socket.
func (r *forwardingRegistry) isForwarded(instanceID string) bool {
	_, ok := r.byInstance[instanceID]
	return ok
}

// put installs the proxy and returns the prior proxy for the same instance,
// if any. The caller closes the returned proxy outside the lock.
func (r *forwardingRegistry) put(p *proxy) *proxy {
	replaced := r.byInstance[p.instanceID]
	if replaced != nil {
		r.detach(replaced)
	}
	r.byInstance[p.instanceID] = p
	sockets := r.bySocket[p.socketID]
	if sockets == nil {
		sockets = make(map[string]*proxy)
		r.bySocket[p.socketID] = sockets
	}
	sockets[p.instanceID] = p
	return replaced
}

// remove detaches the proxy for the (socket, instance) and returns it.
func (r *forwardingRegistry) remove(socketID, instanceID string) *proxy {
	p, ok := r.byInstance[instanceID]
	if !ok || p.socketID != socketID {
		return nil
	}
	r.detach(p)
	return p
}

// removeInstance detaches the instance's proxy regardless of socket.
func (r *forwardingRegistry) removeInstance(instanceID string) *proxy {
	p, ok := r.byInstance[instanceID]
	if !ok {
		return nil
	}
	r.detach(p)
	return p
}

// removeSocket detaches every proxy installed for the socket.
func (r *forwardingRegistry) removeSocket(socketID string) []*proxy {
	var out []*proxy
	for _, p := range r.bySocket[socketID] {
		out = append(out, p)
	}
	for _, p := range out {
		r.detach(p)
	}
	return out
}

func (r *forwardingRegistry) detach(p *proxy) {
	if cur, ok := r.byInstance[p.instanceID]; ok && cur == p {
		delete(r.byInstance, p.instanceID)
	}
	if sockets := r.bySocket[p.socketID]; sockets != nil {
		if cur, ok := sockets[p.instanceID]; ok && cur == p {
			delete(sockets, p.instanceID)
		}
		if len(sockets) == 0 {
			delete(r.bySocket, p.socketID)
		}
	}
}
