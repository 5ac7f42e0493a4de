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

// Package gateway is the websocket frontend: it upgrades connections,
// mints sessions from presented tokens, dispatches request envelopes to
// the component muxes, and runs the disconnect cleanup cascade.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/moatworks/drawbridge"
	"github.com/moatworks/drawbridge/lib/assistant"
	"github.com/moatworks/drawbridge/lib/defaults"
	"github.com/moatworks/drawbridge/lib/features"
	"github.com/moatworks/drawbridge/lib/fileops"
	"github.com/moatworks/drawbridge/lib/isolation"
	"github.com/moatworks/drawbridge/lib/session"
	"github.com/moatworks/drawbridge/lib/synchub"
	"github.com/moatworks/drawbridge/lib/terminal"
	"github.com/moatworks/drawbridge/lib/utils"
	"github.com/moatworks/drawbridge/lib/workspace"
)

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: drawbridge.MetricSessionsActive,
		Help: "Connected sockets with a live session.",
	})
	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: drawbridge.MetricMessagesReceived,
		Help: "Request envelopes read from sockets.",
	})
	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    drawbridge.MetricRequestDuration,
		Help:    "Verb handling latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"verb"})
)

// Config wires the server to the component muxes. The Hub must be the same
// one the muxes were built with, so events and responses share the
// per-socket write path.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// Hub is the socket table shared with the component muxes.
	Hub *Hub
	// Registry is the socket-to-session table.
	Registry *session.Registry
	// Credentials maps bearer tokens to the identities they grant.
	Credentials map[string]session.Credential
	// Terminals serves the terminal verbs.
	Terminals *terminal.Mux
	// Assistants serves the assistant verbs.
	Assistants *assistant.Mux
	// Files serves the file verbs.
	Files *fileops.Handler
	// Workspace serves workspace:get.
	Workspace *workspace.Service
	// Sync serves the sync verbs.
	Sync *synchub.Hub
	// Features serves the features verbs.
	Features *features.Cache
	// Isolation releases instance ownership during disconnect cleanup.
	Isolation *isolation.Tracker
	// Logger emits connection lifecycle diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults fills in the blanks.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.Hub == nil {
		return trace.BadParameter("missing hub")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing session registry")
	}
	if c.Terminals == nil {
		return trace.BadParameter("missing terminal mux")
	}
	if c.Assistants == nil {
		return trace.BadParameter("missing assistant mux")
	}
	if c.Files == nil {
		return trace.BadParameter("missing file handler")
	}
	if c.Workspace == nil {
		return trace.BadParameter("missing workspace service")
	}
	if c.Sync == nil {
		return trace.BadParameter("missing sync hub")
	}
	if c.Features == nil {
		return trace.BadParameter("missing feature cache")
	}
	if c.Isolation == nil {
		return trace.BadParameter("missing isolation tracker")
	}
	if c.Credentials == nil {
		c.Credentials = make(map[string]session.Credential)
	}
	if c.Logger == nil {
		c.Logger = slog.With(drawbridge.ComponentKey, drawbridge.ComponentGateway)
	}
	return nil
}

// Server is the dispatcher and HTTP frontend.
type Server struct {
	cfg      Config
	routes   map[string]route
	upgrader websocket.Upgrader

	credMu sync.RWMutex
}

// New returns a server ready to Run or mount via Handler.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(sessionsActive, messagesReceived, requestDuration); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  defaults.SocketReadBufferBytes,
			WriteBufferSize: defaults.SocketWriteBufferBytes,
			// Clients are local applications, not browsers; the token is
			// the admission check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.routes = s.buildRoutes()
	return s, nil
}

// RegisterCredential provisions a token at runtime, on top of whatever the
// token file supplied.
func (s *Server) RegisterCredential(token string, cred session.Credential) error {
	if token == "" {
		return trace.BadParameter("missing token")
	}
	if _, err := cred.Parse(); err != nil {
		return trace.Wrap(err)
	}
	s.credMu.Lock()
	defer s.credMu.Unlock()
	s.cfg.Credentials[token] = cred
	return nil
}

func (s *Server) credential(token string) (session.Credential, bool) {
	s.credMu.RLock()
	defer s.credMu.RUnlock()
	cred, ok := s.cfg.Credentials[token]
	return cred, ok
}

// Handler returns the HTTP surface: the websocket endpoint, liveness and
// metrics.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/v1/connect", s.handleConnect)
	router.GET("/healthz", s.handleHealth)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	return router
}

// Run serves until the context is canceled, then drains within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	server := &http.Server{Handler: s.Handler()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.cfg.Logger.InfoContext(ctx, "Gateway listening.", "addr", listener.Addr().String())
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
		defer cancel()
		return trace.Wrap(server.Shutdown(shutdownCtx))
	})
	return trace.Wrap(g.Wait())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cred, ok := s.credential(r.URL.Query().Get("token"))
	if !ok {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	perms, err := cred.Parse()
	if err != nil {
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.WarnContext(r.Context(), "Websocket upgrade failed.", "error", err)
		return
	}

	sock := &socket{id: uuid.NewString(), conn: conn}
	sess := &session.Session{
		ID:          uuid.NewString(),
		SocketID:    sock.id,
		UserID:      cred.UserID,
		WorkspaceID: cred.WorkspaceID,
		Permissions: perms,
	}
	s.cfg.Hub.add(sock)
	if err := s.cfg.Registry.Register(sess); err != nil {
		s.cfg.Hub.remove(sock.id)
		conn.Close()
		s.cfg.Logger.WarnContext(r.Context(), "Session registration failed.", "error", err)
		return
	}
	sessionsActive.Inc()
	s.cfg.Logger.InfoContext(r.Context(), "Socket connected.",
		"socket_id", sock.id, "session_id", sess.ID, "user_id", sess.UserID)

	s.readLoop(sock)
	s.disconnect(sock)
}

// readLoop consumes envelopes until the socket dies. Each request is
// handled on its own goroutine; ordering within a socket is cooperative,
// exactly as the components are built to tolerate.
func (s *Server) readLoop(sock *socket) {
	for {
		_, data, err := sock.conn.ReadMessage()
		if err != nil {
			return
		}
		messagesReceived.Inc()
		go s.dispatch(context.Background(), sock, data)
	}
}

func (s *Server) dispatch(ctx context.Context, sock *socket, data []byte) {
	start := time.Now()
	var req Request
	if err := utils.FastUnmarshal(data, &req); err != nil || req.ID == "" || req.Verb == "" {
		s.respond(sock, errorResponse(req.ID, CodeBadRequest, "malformed request envelope"))
		return
	}
	rt, ok := s.routes[req.Verb]
	if !ok {
		s.respond(sock, errorResponse(req.ID, CodeUnknownVerb, "unknown verb "+req.Verb))
		return
	}
	sess, err := s.cfg.Registry.SessionBySocket(sock.id)
	if err != nil {
		s.respond(sock, errorResponse(req.ID, CodeNoSession, "no session for this socket"))
		return
	}
	if rt.permission != "" && !sess.HasPermission(rt.permission) {
		s.respond(sock, errorResponse(req.ID, CodePermissionDenied,
			"session lacks permission "+rt.permission.String()))
		return
	}

	result, err := rt.handler(ctx, sess, req.Payload)
	elapsed := time.Since(start)
	requestDuration.WithLabelValues(req.Verb).Observe(elapsed.Seconds())
	if err != nil {
		code := errorCode(rt, err)
		s.cfg.Logger.DebugContext(ctx, "Request failed.",
			"verb", req.Verb, "socket_id", sock.id, "code", code, "error", err)
		s.respond(sock, errorResponse(req.ID, code, trace.UserMessage(err)))
		return
	}
	s.cfg.Logger.DebugContext(ctx, "Request handled.",
		"verb", req.Verb, "socket_id", sock.id, "duration", elapsed)
	s.respond(sock, successResponse(req.ID, result))
}

func (s *Server) respond(sock *socket, resp Response) {
	if err := sock.writeJSON(resp); err != nil {
		s.cfg.Logger.Debug("Dropping response for socket.", "socket_id", sock.id, "error", err)
	}
}

// disconnect runs the cleanup cascade. Stages are ordered and each swallows
// its own failures so one broken stage cannot strand the rest.
func (s *Server) disconnect(sock *socket) {
	sock.conn.Close()
	s.cfg.Hub.remove(sock.id)

	sess := s.cfg.Registry.Unregister(sock.id)
	if sess != nil {
		sessionsActive.Dec()
	}

	s.cfg.Terminals.CleanupSocketTerminals(sock.id)
	s.cfg.Assistants.CleanupSocket(sock.id)
	s.cfg.Files.CleanupSocketWatchers(sock.id)
	if sess != nil {
		if leaked := s.cfg.Isolation.CleanupSessionInstances(sess.ID); len(leaked) > 0 {
			s.cfg.Logger.Debug("Released instance ownership on disconnect.",
				"session_id", sess.ID, "instances", leaked)
		}
	}
	s.cfg.Logger.Info("Socket disconnected.", "socket_id", sock.id)
}
