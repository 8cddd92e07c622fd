package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"runplane/internal/logger"
	"runplane/pkg/api"
)

// writeSSE writes one server-sent event and flushes it.
func writeSSE(w http.ResponseWriter, event string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// pump relays a subscriber's messages as server-sent events until the
// final report has been written, the session has ended or the client
// disconnects. The subscriber is detached and released on return.
func (h *Handlers) pump(w http.ResponseWriter, r *http.Request, sessionID, addr string, ch <-chan api.StreamMessage, done <-chan struct{}) {
	ctx := r.Context()
	log := logger.FromContext(ctx, h.log).With("session_id", sessionID, "subscriber", addr)
	defer func() {
		if err := h.dispatcher.Detach(sessionID, addr); err != nil {
			log.WarnContext(ctx, "detaching subscriber", "error", err)
		}
		h.hub.Unregister(addr)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)
	if err := writeSSE(w, "session", api.SubmitResponse{SessionID: sessionID}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stream client went away")
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if final, err := relay(w, msg); err != nil || final {
				if err != nil {
					log.WarnContext(ctx, "writing stream event", "error", err)
				}
				return
			}
		case <-done:
			// The final report is queued before the session ends; flush
			// whatever is still buffered and stop.
			for {
				select {
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if final, err := relay(w, msg); err != nil || final {
						return
					}
				default:
					log.WarnContext(ctx, "session ended without a final report", "dropped", h.hub.Dropped(addr))
					return
				}
			}
		}
	}
}

// relay writes msg and reports whether it was the final report.
func relay(w http.ResponseWriter, msg api.StreamMessage) (bool, error) {
	if err := writeSSE(w, msg.Type, msg); err != nil {
		return false, err
	}
	return msg.Type == api.MessageFinished, nil
}
