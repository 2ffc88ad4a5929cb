package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/songsync/internal/events"
)

type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func (s *wsSink) send(ctx context.Context, ev events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, ev)
}

// wsMessage is a client-to-server control frame.
type wsMessage struct {
	Type string `json:"type"`
}

// ServeWS upgrades the request and streams events for sessionID as JSON
// text frames. Callers are expected to have checked that the session exists.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil
	}

	sub, snap, err := h.subscribe(sessionID)
	if err != nil {
		return err
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("[WS] Failed to accept WebSocket", "session_id", sessionID, "error", err)
		return nil
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("[WS] Failed to close websocket", "session_id", sessionID, "error", closeErr)
		}
	}()

	clientID := ClientID(r)
	ctx, release := h.registry.Register(r.Context(), clientID, sessionID)
	defer release()

	out := &wsSink{conn: ws, timeout: h.cfg.WriteTimeout}

	// Input loop: the peer only sends pings; a read error means it is gone.
	// Reads are not bound to ctx because cancelling a read tears the
	// connection down with a policy violation; ws.Close ends the loop instead.
	go func() {
		defer release()
		h.inputLoop(context.Background(), ws, sessionID)
	}()

	h.logger.Info("[WS] Stream connected", "session_id", sessionID, "client_id", clientID, "sub_id", sub.ID, "stage", snap.Stage)
	h.pump(ctx, sub, snap.Settled(), out, "[WS]")
	h.logger.Info("[WS] Stream closed", "session_id", sessionID, "client_id", clientID, "dropped", sub.Dropped())
	return nil
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("[WS] WebSocket closed by client", "session_id", sessionID)
			} else {
				h.logger.Debug("[WS] WebSocket read error", "session_id", sessionID, "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, ws, map[string]string{"type": "pong"})
			cancel()
			if err != nil {
				h.logger.Debug("[WS] Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "" || h.cfg.AllowedOrigin == "*" {
		return true
	}
	if origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("[WS] WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
