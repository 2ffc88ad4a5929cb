// Package stream serves live session event feeds over SSE and WebSocket.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/identity"
)

// ClientIDHeader carries the caller's client id when the query parameter is absent.
const ClientIDHeader = identity.HeaderName

// Snapshotter reads the current state of a session.
type Snapshotter interface {
	GetSnapshot(id string) (*domain.Session, error)
}

// Hub hands out live subscriptions for a session id.
type Hub interface {
	Subscribe(sessionID string) *events.Subscription
}

// Config holds stream timing.
type Config struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	WriteTimeout      time.Duration
	AllowedOrigin     string
	IsDev             bool
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 10 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Handler serves event streams for sessions.
type Handler struct {
	sessions Snapshotter
	hub      Hub
	registry *Registry
	cfg      Config
	logger   *slog.Logger
}

// NewHandler creates a stream handler.
func NewHandler(sessions Snapshotter, hub Hub, registry *Registry, cfg Config, logger *slog.Logger) *Handler {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		hub:      hub,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Registry returns the per-client stream registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// sink is one transport's way of writing a frame.
type sink interface {
	send(ctx context.Context, ev events.Event) error
}

// subscribe opens a subscription before reading the session, so the final
// event of a session that finishes in between cannot be missed.
func (h *Handler) subscribe(sessionID string) (*events.Subscription, *domain.Session, error) {
	sub := h.hub.Subscribe(sessionID)
	snap, err := h.sessions.GetSnapshot(sessionID)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, snap, nil
}

// pump writes connected, then every delivered event, until the session's
// stream ends, the context is cancelled or a write fails.
func (h *Handler) pump(ctx context.Context, sub *events.Subscription, settled bool, out sink, prefix string) {
	sessionID := sub.SessionID
	connected := events.Event{Kind: events.KindConnected, SessionID: sessionID, Timestamp: time.Now()}
	if err := out.send(ctx, connected); err != nil {
		h.logger.Warn(prefix+" Failed to write connected event", "session_id", sessionID, "error", err)
		return
	}
	if settled {
		h.logger.Debug(prefix+" Session already finished, closing stream", "session_id", sessionID)
		return
	}

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug(prefix+" Stream context done", "session_id", sessionID, "reason", ctx.Err())
			return
		case ev, ok := <-sub.Events():
			if !ok {
				h.logger.Info(prefix+" Subscription closed", "session_id", sessionID)
				return
			}
			if err := out.send(ctx, ev); err != nil {
				h.logger.Warn(prefix+" Failed to write event", "session_id", sessionID, "type", ev.Kind, "error", err)
				return
			}
			if ev.EndsStream() {
				h.logger.Info(prefix+" Session finished, closing stream", "session_id", sessionID, "type", ev.Kind)
				return
			}
		case <-keepalive.C:
			ping := events.Event{Kind: events.KindPing, SessionID: sessionID, Timestamp: time.Now()}
			if err := out.send(ctx, ping); err != nil {
				h.logger.Warn(prefix+" Failed to write keepalive ping", "session_id", sessionID, "error", err)
				return
			}
		}
	}
}

// ClientID returns the caller's explicit client id. The id resolved by
// identity.Middleware wins; otherwise the query or header is used as is.
// Anonymous cookie ids are shared by browser tabs and yield "".
func ClientID(r *http.Request) string {
	if c, ok := identity.FromContext(r.Context()); ok {
		if c.Anonymous {
			return ""
		}
		return c.ID
	}
	if id := r.URL.Query().Get(identity.QueryParam); id != "" {
		return id
	}
	return r.Header.Get(ClientIDHeader)
}
