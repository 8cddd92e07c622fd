// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"runplane/internal/controller/handlers"
	"runplane/internal/controller/middleware"
)

// Deps are the collaborators the HTTP API needs.
type Deps struct {
	Handlers      *handlers.Handlers
	Authenticator middleware.Authenticator
	SystemSecret  string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	// Drain runs at the start of Shutdown, before the listener closes. It
	// ends the work behind long-lived responses such as session streams.
	Drain func(ctx context.Context) error
	// ShutdownTimeout bounds Run's graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer      *http.Server
	drain           func(ctx context.Context) error
	shutdownTimeout time.Duration
	log             *slog.Logger
}

// New creates a new controller server.
func New(addr string, deps Deps) *Server {
	h := deps.Handlers
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	authMW := middleware.AuthMiddleware(deps.Authenticator)
	rateMW := middleware.NewRateLimiter().Middleware()
	public := func(fn http.HandlerFunc) http.Handler { return authMW(rateMW(fn)) }
	internalMW := middleware.RequireInternalAuth(deps.SystemSecret)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	// Public authenticated apis
	mux.Handle("POST /sessions", public(h.SubmitSession))
	mux.Handle("GET /sessions", public(h.ListSessions))
	mux.Handle("GET /sessions/{id}", public(h.GetSession))
	mux.Handle("GET /sessions/{id}/stream", public(h.StreamSession))
	mux.Handle("POST /sessions/{id}/stop", public(h.StopSession))
	mux.Handle("POST /sessions/{id}/input", public(h.SendInput))

	// Operator endpoints, guarded by the system secret.
	mux.Handle("GET /internal/sessions", internalMW(http.HandlerFunc(h.InternalSessions)))

	timeout := deps.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		drain:           deps.Drain,
		shutdownTimeout: timeout,
		log:             log,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           middleware.RequestID(middleware.AccessLog(log)(mux)),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// Session streams stay open for as long as the script runs.
			WriteTimeout: 0,
		},
	}
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown drains running work and then gracefully shuts down the server.
// Open session streams end with their final report before the HTTP server
// waits for connections to go idle.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.drain != nil {
		if err := s.drain(ctx); err != nil {
			s.log.Warn("drain incomplete", "error", err)
		}
	}
	return s.httpServer.Shutdown(ctx)
}
