package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"runplane/internal/bus"
	"runplane/internal/dispatch"
	"runplane/internal/env"
	"runplane/internal/logger"
	"runplane/internal/store"
	"runplane/pkg/api"
)

const maxScriptBytes = 1 << 20

// SubmitSession handles POST /sessions.
// It starts a session and either returns its id or, with stream set, keeps
// the response open and streams the session's messages.
func (h *Handlers) SubmitSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, _, ok := caller(r)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxScriptBytes)).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		h.httpError(w, "Script is required", http.StatusBadRequest)
		return
	}
	if req.Timeout != nil && *req.Timeout < -1 {
		h.httpError(w, "Timeout must be -1 or greater", http.StatusBadRequest)
		return
	}

	opts := dispatch.SubmitOptions{
		Env:     env.FromStrings(req.Env),
		Timeout: req.Timeout,
		Tags:    req.Tags,
	}
	for _, lib := range req.Includes {
		opts.Includes = append(opts.Includes, bus.Library{Name: lib.Name, Source: lib.Source})
	}

	if !req.Stream {
		s, err := h.dispatcher.Submit(ctx, c, req.Script, opts)
		if err != nil {
			h.dispatchError(w, r, err)
			return
		}
		h.respondJson(w, http.StatusAccepted, api.SubmitResponse{SessionID: s.ID})
		return
	}

	// Subscribe before the session starts so no message is missed.
	addr, ch := h.hub.Register()
	opts.Subscriber = addr
	s, err := h.dispatcher.Submit(ctx, c, req.Script, opts)
	if err != nil {
		h.hub.Unregister(addr)
		h.dispatchError(w, r, err)
		return
	}
	h.pump(w, r, s.ID, addr, ch, s.Done())
}

// StreamSession handles GET /sessions/{id}/stream.
// It attaches to a live session and streams its messages until the final
// report or until the client goes away.
func (h *Handlers) StreamSession(w http.ResponseWriter, r *http.Request) {
	c, _, ok := caller(r)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")

	s, err := h.dispatcher.Lookup(c, id)
	if err != nil {
		h.dispatchError(w, r, err)
		return
	}
	addr, ch := h.hub.Register()
	if err := s.Attach(addr); err != nil {
		h.hub.Unregister(addr)
		h.dispatchError(w, r, err)
		return
	}
	h.pump(w, r, id, addr, ch, s.Done())
}

// StopSession handles POST /sessions/{id}/stop.
func (h *Handlers) StopSession(w http.ResponseWriter, r *http.Request) {
	c, _, ok := caller(r)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.StopRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.httpError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	if err := h.dispatcher.Terminate(c, r.PathValue("id"), req.Reason); err != nil {
		h.dispatchError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// SendInput handles POST /sessions/{id}/input.
// The data is forwarded to the stdin of the nodes of the running section
// that match targets.
func (h *Handlers) SendInput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, _, ok := caller(r)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.InputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	data, err := json.Marshal(req.Data)
	if err != nil {
		h.httpError(w, "Invalid input data", http.StatusBadRequest)
		return
	}

	if err := h.dispatcher.Input(ctx, c, r.PathValue("id"), req.Targets, data); err != nil {
		h.dispatchError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// GetSession handles GET /sessions/{id}.
// Live sessions report their current state; finished ones are read from
// the archive when one is configured.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, _, ok := caller(r)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")

	s, err := h.dispatcher.Lookup(c, id)
	if err == nil {
		h.respondJson(w, http.StatusOK, s.Snapshot())
		return
	}
	if !errors.Is(err, dispatch.ErrSessionNotFound) || h.reports == nil {
		h.dispatchError(w, r, err)
		return
	}

	rec, err := h.reports.GetReport(ctx, c.Org(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Session not found", http.StatusNotFound)
			return
		}
		logger.FromContext(ctx, h.log).ErrorContext(ctx, "reading archived session", "session_id", id, "error", err)
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	h.respondJson(w, http.StatusOK, rec.Response())
}

// ListSessions handles GET /sessions.
// It returns the caller organization's live sessions followed by the most
// recent archived ones (?limit=N, default 20).
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	c, _, ok := caller(r)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp := api.ListSessionsResponse{Sessions: h.dispatcher.Sessions(c.Org())}
	if h.reports != nil && limit > 0 {
		live := make(map[string]bool, len(resp.Sessions))
		for _, s := range resp.Sessions {
			live[s.ID] = true
		}
		recs, err := h.reports.ListReports(ctx, c.Org(), limit)
		if err != nil {
			logger.FromContext(ctx, h.log).ErrorContext(ctx, "listing archived sessions", "error", err)
			h.httpError(w, "Internal database error", http.StatusInternalServerError)
			return
		}
		for i := range recs {
			if !live[recs[i].ID] {
				resp.Sessions = append(resp.Sessions, recs[i].Response())
			}
		}
	}
	if resp.Sessions == nil {
		resp.Sessions = []api.SessionResponse{}
	}
	h.respondJson(w, http.StatusOK, resp)
}

// InternalSessions handles GET /internal/sessions.
// It lists the live sessions of every organization for operators.
func (h *Handlers) InternalSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.dispatcher.Sessions(r.URL.Query().Get("org"))
	if sessions == nil {
		sessions = []api.SessionResponse{}
	}
	h.respondJson(w, http.StatusOK, api.ListSessionsResponse{Sessions: sessions})
}
