// Copyright (c) 2026 dotandev
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/dotandev/tokensign/internal/errors"
	"github.com/dotandev/tokensign/internal/logger"
	"github.com/dotandev/tokensign/internal/metrics"
	"github.com/dotandev/tokensign/internal/relay"
	"github.com/dotandev/tokensign/internal/telemetry"
	"github.com/dotandev/tokensign/internal/transport"
)

// Config holds daemon configuration
type Config struct {
	Listen    string
	AuthToken string
	// SessionRate is the sustained front-end session opens per second.
	// Zero or less disables the limit.
	SessionRate  float64
	SessionBurst int
	Version      string
}

// Server hosts the relay endpoints over HTTP on loopback.
type Server struct {
	relay     *relay.Relay
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	authToken string
	version   string
	upgrader  websocket.Upgrader

	listener net.Listener
	srv      *http.Server

	// Sessions outlive their HTTP request after the upgrade.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewServer creates a relay server. m may be nil.
func NewServer(config Config, r *relay.Relay, m *metrics.Metrics) *Server {
	limit := rate.Inf
	if config.SessionRate > 0 {
		limit = rate.Limit(config.SessionRate)
	}
	burst := config.SessionBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		relay:     r,
		metrics:   m,
		limiter:   rate.NewLimiter(limit, burst),
		authToken: config.AuthToken,
		version:   config.Version,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return r.Header.Get("Origin") == "" },
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// authenticate validates the authorization token
func (s *Server) authenticate(r *http.Request) bool {
	if s.authToken == "" {
		return true // No auth required
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return false
	}

	// Support "Bearer <token>" format
	token := strings.TrimPrefix(auth, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			http.Error(w, errors.ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")
	if err := rpcServer.RegisterService(&RelayService{server: s}, "Relay"); err != nil {
		// Only reachable if RelayService method signatures are wrong.
		panic(fmt.Sprintf("failed to register service: %v", err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/frontend", s.handleFrontend)
	mux.HandleFunc("/backend", s.handleBackend)
	mux.Handle("/rpc", rpcServer)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": s.relay.Registry().Len(),
		})
	})

	return s.withAuth(mux)
}

// refuseOrigin rejects requests sent by web pages.
func refuseOrigin(w http.ResponseWriter, r *http.Request) bool {
	if origin := r.Header.Get("Origin"); origin != "" {
		logger.Logger.Warn("Refused websocket from browser origin", "origin", origin, "path", r.URL.Path)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return true
	}
	return false
}

func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	if refuseOrigin(w, r) {
		return
	}
	if !s.limiter.Allow() {
		if s.metrics != nil {
			s.metrics.RateLimited()
		}
		logger.Logger.Warn("Session open rate limited", "remote", r.RemoteAddr)
		http.Error(w, errors.ErrRateLimited.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Debug("Front-end upgrade failed", "error", err)
		return
	}
	if err := s.relay.Open(s.baseCtx, transport.NewWSChannel(conn)); err != nil {
		logger.Logger.Warn("Session ended with error", "error", err)
	}
}

func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	if refuseOrigin(w, r) {
		return
	}
	id, err := strconv.ParseUint(r.URL.Query().Get("session"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	if err := s.relay.Registry().Authorize(id, token); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Debug("Backend upgrade failed", "session", id, "error", err)
		return
	}
	ch := transport.NewWSChannel(conn)
	if err := s.relay.Attach(s.baseCtx, id, token, ch); err != nil {
		_ = ch.Close()
	}
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrSessionNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case stderrors.Is(err, errors.ErrAlreadyAttached):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Listen binds the listening socket so that Addr is known before Serve.
func (s *Server) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = l
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// BackendURL is the websocket base URL backends dial back to.
func (s *Server) BackendURL() string {
	u := url.URL{Scheme: "ws", Host: s.Addr().String(), Path: "/backend"}
	return u.String()
}

// Serve runs the server until ctx is done, then shuts it down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}
	logger.Logger.Info("Starting relay server", "addr", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}
	logger.Logger.Info("Shutting down relay server")
	return s.Shutdown(context.Background())
}

// Shutdown stops accepting connections and cancels running sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	s.cancel()
	return err
}

// RelayService is the JSON-RPC status API.
type RelayService struct {
	server *Server
}

type SessionsArgs struct{}

type SessionsReply struct {
	Sessions []relay.SessionInfo `json:"sessions"`
	Holds    int                 `json:"holds"`
}

type VersionArgs struct{}

type VersionReply struct {
	Version string `json:"version"`
}

// Sessions handles Relay.Sessions calls
func (rs *RelayService) Sessions(r *http.Request, args *SessionsArgs, reply *SessionsReply) error {
	_, span := telemetry.GetTracer().Start(r.Context(), "rpc_sessions")
	sessions := rs.server.relay.Registry().Snapshot()
	*reply = SessionsReply{Sessions: sessions, Holds: rs.server.relay.Holds().Outstanding()}
	telemetry.EndSpan(span, nil, attribute.Int("sessions.count", len(sessions)))
	return nil
}

// Version handles Relay.Version calls
func (rs *RelayService) Version(r *http.Request, args *VersionArgs, reply *VersionReply) error {
	_, span := telemetry.GetTracer().Start(r.Context(), "rpc_version")
	defer span.End()
	reply.Version = rs.server.version
	return nil
}
