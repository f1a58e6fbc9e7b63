package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/domain"
	"github.com/fairyhunter13/broadcast-hub/internal/usecase"
)

// Stream handles GET /v1/stream: the SSE connection for the authenticated
// user. Each request is one session; a client may hold several. The route is
// mounted outside the timeout middleware and the http.Server write timeout
// must be disabled for it.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r)
	if userID == "" {
		writeError(w, r, fmt.Errorf("%w: missing user identity", domain.ErrInvalidArgument), nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
		return
	}

	sessionID, sink, err := s.Conns.Open(r.Context(), userID, r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	// The request context is already cancelled by the time the handler
	// unwinds; teardown gets its own.
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Conns.Close(ctx, sessionID)
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	idle := time.NewTimer(s.SSEIdleTimeout)
	defer idle.Stop()

	lg := observability.LoggerFromContext(r.Context())
	lg.Info("sse stream opened", "user_id", userID, "session_id", sessionID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			lg.Info("sse stream idle timeout", "session_id", sessionID)
			return
		case ev, open := <-sink:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				lg.Warn("sse write failed", "session_id", sessionID, "error", err)
				return
			}
			flusher.Flush()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.SSEIdleTimeout)
		}
	}
}

// writeSSE renders one named event in wire format. The id field is set only
// when the event carries one (MESSAGE events, for client-side dedup).
func writeSSE(w http.ResponseWriter, ev domain.SSEEvent) error {
	data, err := usecase.MarshalEventData(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
		return err
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
