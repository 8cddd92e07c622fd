package handlers

import (
	"net/http"
	"sort"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Readyz is a readiness probe. Every registered check (bus connection,
// report archive) must pass.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name](r.Context()); err != nil {
			h.log.WarnContext(r.Context(), "readiness check failed", "check", name, "error", err)
			h.httpError(w, name+" unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	h.respondJson(w, http.StatusOK, map[string]any{"status": "ready", "sessions": h.dispatcher.Registry().Len()})
}
