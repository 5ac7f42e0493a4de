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
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/utils"
)

var eventsSent = prometheus.NewCounter(prometheus.CounterOpts{
	Name: drawbridge.MetricEventsSent,
	Help: "Asynchronous events written to sockets.",
})

// socket is one connected websocket. The write mutex serializes frames;
// responses and events for the same socket interleave but never corrupt.
type socket struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (s *socket) writeJSON(v any) error {
	data, err := utils.FastMarshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub is the socket table and the event emitter every component writes
// through. It is constructed before the component muxes so they can take it
// as their Emitter.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	sockets map[string]*socket
}

// NewHub returns an empty hub.
func NewHub() (*Hub, error) {
	if err := utils.RegisterPrometheusCollectors(eventsSent); err != nil {
		return nil, err
	}
	return &Hub{
		logger:  slog.With(drawbridge.ComponentKey, drawbridge.ComponentGateway),
		sockets: make(map[string]*socket),
	}, nil
}

func (h *Hub) add(s *socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sockets[s.id] = s
}

func (h *Hub) remove(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sockets, socketID)
}

func (h *Hub) get(socketID string) *socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sockets[socketID]
}

// Emit delivers an asynchronous event to a socket. Delivery is best effort:
// events for a closed or stalled socket are dropped with a debug log, never
// surfaced to the producing component.
func (h *Hub) Emit(socketID string, event any) {
	s := h.get(socketID)
	if s == nil {
		return
	}
	if err := s.writeJSON(event); err != nil {
		h.logger.Debug("Dropping event for socket.", "socket_id", socketID, "error", err)
		return
	}
	eventsSent.Inc()
}

// Len returns the number of connected sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}
