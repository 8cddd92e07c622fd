// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"runplane/internal/auth"
	"runplane/internal/controller/middleware"
	"runplane/internal/dispatch"
	"runplane/internal/logger"
	"runplane/internal/store"
	"runplane/internal/stream"
	"runplane/pkg/api"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	dispatcher *dispatch.Dispatcher
	hub        *stream.Hub
	reports    store.ReportStore
	checks     map[string]Check
	log        *slog.Logger
}

// Option configures Handlers.
type Option func(*Handlers)

// WithReports serves archived sessions once they leave the registry.
func WithReports(r store.ReportStore) Option { return func(h *Handlers) { h.reports = r } }

// WithCheck adds a readiness check.
func WithCheck(name string, c Check) Option { return func(h *Handlers) { h.checks[name] = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handlers) { h.log = l } }

// New creates a new Handlers instance. hub must be the outbox the
// dispatcher delivers to.
func New(d *dispatch.Dispatcher, hub *stream.Hub, opts ...Option) *Handlers {
	h := &Handlers{
		dispatcher: d,
		hub:        hub,
		checks:     make(map[string]Check),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// dispatchError maps dispatcher errors to responses.
func (h *Handlers) dispatchError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatch.ErrSessionNotFound), errors.Is(err, dispatch.ErrNotOwner):
		// Other organizations' sessions are indistinguishable from missing ones.
		h.httpError(w, "Session not found", http.StatusNotFound)
	case errors.Is(err, dispatch.ErrNoActiveSection):
		h.httpError(w, "Session has no running section", http.StatusConflict)
	case errors.Is(err, dispatch.ErrShuttingDown):
		h.httpError(w, "Dispatcher is shutting down", http.StatusServiceUnavailable)
	default:
		logger.FromContext(r.Context(), h.log).ErrorContext(r.Context(), "request failed", "error", err)
		h.httpError(w, "Internal error", http.StatusInternalServerError)
	}
}

// caller builds the dispatcher identity of an authenticated request.
func caller(r *http.Request) (dispatch.Caller, *auth.Identity, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return dispatch.Caller{}, nil, false
	}
	return dispatch.Caller{User: id.User, Access: id.Mapping()}, id, true
}
