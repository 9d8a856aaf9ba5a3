// Package transport implements the client↔server HTTP transport: POST
// /ipc/<channel> request/response dispatch behind an auth, rate-limit
// and metrics middleware chain, plus the GET /ws streaming upgrade
// (metrics and its own query-token check, no rate limit), with an
// unauthenticated /health, /ready, /metrics surface.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/cmux/internal/agentsession"
	"github.com/coder/cmux/internal/auth"
	"github.com/coder/cmux/internal/configstore"
	"github.com/coder/cmux/internal/history"
	"github.com/coder/cmux/internal/hub"
	"github.com/coder/cmux/internal/logger"
	"github.com/coder/cmux/internal/metrics"
	"github.com/coder/cmux/internal/runtime"
	"github.com/coder/cmux/internal/transport/ws"
	"github.com/coder/cmux/internal/wire"
	"github.com/coder/cmux/internal/workspace"
)

// Server wires the workspace lifecycle, config store, session manager,
// history store and hub behind the IPC/WS transport.
type Server struct {
	store     *configstore.Store
	lifecycle *workspace.Lifecycle
	sessions  *agentsession.Manager
	history   *history.Store
	hub       *hub.Hub
	resolver  runtime.DefaultResolver
	authStore *auth.Store
	rateLimit *auth.RateLimiter
	dispatch  map[string]channelHandler
	mcp       *mcpSurface
	httpSrv   *http.Server
}

// New constructs a Server. authStore may be nil only in tests that bypass
// Serve's middleware chain and call handlers directly.
func New(store *configstore.Store, lc *workspace.Lifecycle, sessions *agentsession.Manager, h *history.Store, hb *hub.Hub, authStore *auth.Store) *Server {
	s := &Server{
		store:     store,
		lifecycle: lc,
		sessions:  sessions,
		history:   h,
		hub:       hb,
		resolver:  runtime.NewDefaultResolver(),
		authStore: authStore,
		rateLimit: auth.DefaultRateLimiter(),
	}
	s.dispatch = s.buildDispatch()
	// The dispatch table and the wire schema table must name exactly the
	// same channels; drift between them is a programming error.
	for _, name := range wire.Channels() {
		if _, ok := s.dispatch[name]; !ok {
			panic(fmt.Sprintf("transport: channel %q has a schema but no handler", name))
		}
	}
	if len(s.dispatch) != len(wire.Channels()) {
		panic("transport: dispatch table and wire schema table disagree")
	}
	return s
}

// Serve starts the HTTP server on addr, blocking until it exits.
func (s *Server) Serve(addr string) error {
	logged := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Info("HTTP %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			next.ServeHTTP(w, r)
		})
	}

	wsHandler := logged(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.Serve(w, r, s.hub, s.authCheckQuery)
	}))

	// /ws authenticates via its own query-param check (authCheckQuery),
	// since a browser WebSocket upgrade cannot set an Authorization
	// header; /ipc/* and /mcp/ go through the Bearer middleware chain.
	authed := auth.Middleware(s.authStore)(logged(http.HandlerFunc(s.handleIPC)))
	rateLimited := auth.RateLimitMiddleware(s.rateLimit)(authed)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealthCheck)
	mux.HandleFunc("/ready", s.handleReadinessCheck)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ws", metrics.Middleware(wsHandler))
	mux.Handle("/ipc/", metrics.Middleware(rateLimited))
	if s.mcp != nil {
		mcpAuthed := auth.Middleware(s.authStore)(logged(s.mcp.handler()))
		mux.Handle("/mcp/", metrics.Middleware(auth.RateLimitMiddleware(s.rateLimit)(mcpAuthed)))
	}

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}

	logger.Info("cmux server listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close gracefully shuts down the underlying HTTP server, letting
// in-flight requests finish. Called before Serve has created the
// server (e.g. if startup fails earlier), it does nothing and returns
// nil; a later Serve call still starts listening.
func (s *Server) Close(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck reports ready as soon as ConfigStore can be read;
// there is no external dependency (container daemon, DB) to probe for
// this spec's Runtime abstraction.
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := s.store.ListProjects(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// authCheckQuery validates the ?token= query parameter WS connections
// carry in place of an Authorization header.
func (s *Server) authCheckQuery(token string) bool {
	if s.authStore == nil {
		return true
	}
	_, err := s.authStore.ValidateToken(token)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
