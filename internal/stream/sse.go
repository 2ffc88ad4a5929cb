package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/ashureev/songsync/internal/events"
)

type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func (s *sseSink) send(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Seq > 0 {
		err = writeSSEWithID(s.w, ev.Seq, string(ev.Kind), string(data))
	} else {
		err = writeSSE(s.w, string(ev.Kind), string(data))
	}
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeSSE streams events for sessionID as text/event-stream. Callers are
// expected to have checked that the session exists; a session that vanishes
// in between yields an error before any header is written.
func (h *Handler) ServeSSE(w http.ResponseWriter, r *http.Request, sessionID string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported")
	}

	sub, snap, err := h.subscribe(sessionID)
	if err != nil {
		return err
	}
	defer sub.Close()

	clientID := ClientID(r)
	ctx, release := h.registry.Register(r.Context(), clientID, sessionID)
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Configure client retry behavior
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		h.logger.Warn("[SSE] Failed to write retry header", "session_id", sessionID, "error", err)
		return nil
	}
	flusher.Flush()

	h.logger.Info("[SSE] Stream connected", "session_id", sessionID, "client_id", clientID, "sub_id", sub.ID, "stage", snap.Stage)
	h.pump(ctx, sub, snap.Settled(), &sseSink{w: w, flusher: flusher}, "[SSE]")
	h.logger.Info("[SSE] Stream closed", "session_id", sessionID, "client_id", clientID, "dropped", sub.Dropped())
	return nil
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id uint64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
