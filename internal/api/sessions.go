package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/eventlog"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/store"
	"github.com/ashureev/songsync/internal/stream"
)

const (
	defaultListLimit    = 20
	maxListLimit        = 100
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Sessions is the subset of the tracker the request surface uses.
type Sessions interface {
	CreateSession(cfg domain.GenerationConfig) *domain.Session
	GetSnapshot(id string) (*domain.Session, error)
	AppendConversationTurn(id string, turn domain.ConversationTurn) error
	ReviewLyrics(id string, version int, approved bool, feedback *string) (domain.LyricsVersion, error)
	AppendDebugLog(id, level, message string, metadata map[string]any) error
	Result(id string) (*domain.Result, error)
	List(limit, offset int) ([]domain.SessionSummary, int)
}

// Pipeline takes user input for further processing. It reports false when
// it no longer accepts work.
type Pipeline interface {
	HandleMessage(sessionID string) bool
	HandleReview(sessionID string, version int) bool
}

// Streams serves live event feeds.
type Streams interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, sessionID string) error
	ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error
}

// EventHistory reads back the persisted event log of a session.
type EventHistory interface {
	History(sessionID string, kind events.Kind, limit int) ([]events.Event, error)
}

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	sessions Sessions
	pipeline Pipeline
	archive  store.Repository
	history  EventHistory
	streams  Streams
	limiter  *RateLimiter
	maxBody  int64
	logger   *slog.Logger
}

// SessionHandlerConfig collects the handler's collaborators. Pipeline,
// Archive, History and Limiter are optional.
type SessionHandlerConfig struct {
	Sessions Sessions
	Pipeline Pipeline
	Archive  store.Repository
	History  EventHistory
	Streams  Streams
	Limiter  *RateLimiter
	MaxBody  int64
	Logger   *slog.Logger
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(cfg SessionHandlerConfig) *SessionHandler {
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionHandler{
		sessions: cfg.Sessions,
		pipeline: cfg.Pipeline,
		archive:  cfg.Archive,
		history:  cfg.History,
		streams:  cfg.Streams,
		limiter:  cfg.Limiter,
		maxBody:  cfg.MaxBody,
		logger:   cfg.Logger,
	}
}

// RegisterRoutes registers session routes under /api/v1.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", h.List)
		r.Get("/sessions/{id}", h.Snapshot)
		r.Get("/sessions/{id}/result", h.Result)
		r.Get("/sessions/{id}/history", h.History)
		r.Get("/sessions/{id}/events", h.Events)
		r.Get("/sessions/{id}/ws", h.WebSocket)
		r.Get("/archive", h.ListArchived)
		r.Get("/archive/{id}", h.Archived)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(h.limiter.Middleware)
			}
			r.Post("/sessions", h.Create)
			r.Post("/sessions/{id}/messages", h.PostMessage)
			r.Post("/sessions/{id}/lyrics/review", h.Review)
		})
	})
}

type createRequest struct {
	Config domain.GenerationConfig `json:"config"`
}

type createResponse struct {
	SessionID string       `json:"session_id"`
	CreatedAt time.Time    `json:"created_at"`
	Status    domain.Stage `json:"status"`
}

// Create starts a new session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
			Error(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
	}
	if req.Config.Duration < 0 {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "config.duration must not be negative")
		return
	}

	sess := h.sessions.CreateSession(req.Config)
	JSON(w, http.StatusCreated, createResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
		Status:    sess.Stage,
	})
}

type listResponse struct {
	Sessions []domain.SessionSummary `json:"sessions"`
	Total    int                     `json:"total"`
	HasMore  bool                    `json:"has_more"`
}

// List returns live sessions, most recently created first.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}

	items, total := h.sessions.List(limit, offset)
	if items == nil {
		items = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, listResponse{
		Sessions: items,
		Total:    total,
		HasMore:  offset+len(items) < total,
	})
}

// Snapshot returns the full session record.
func (h *SessionHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.GetSnapshot(chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, snap)
}

type messageRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type acceptedResponse struct {
	SessionID string       `json:"session_id"`
	Stage     domain.Stage `json:"stage"`
}

// PostMessage records a user turn and hands it to the pipeline.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "content is required")
		return
	}

	turn := domain.ConversationTurn{Role: domain.RoleUser, Content: req.Content, Metadata: req.Metadata}
	if err := h.sessions.AppendConversationTurn(id, turn); err != nil {
		DomainError(w, err)
		return
	}
	if !h.dispatch(id, "message", func(p Pipeline) bool { return p.HandleMessage(id) }) {
		Error(w, http.StatusServiceUnavailable, CodeUnavailable, "pipeline is shutting down")
		return
	}
	h.accepted(w, id)
}

type reviewRequest struct {
	Version  int     `json:"version"`
	Approved bool    `json:"approved"`
	Feedback *string `json:"feedback,omitempty"`
}

type reviewResponse struct {
	SessionID string               `json:"session_id"`
	Lyrics    domain.LyricsVersion `json:"lyrics"`
}

// Review records a lyrics review and hands it to the pipeline.
func (h *SessionHandler) Review(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reviewRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if req.Version < 1 {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "version must be >= 1")
		return
	}

	lv, err := h.sessions.ReviewLyrics(id, req.Version, req.Approved, req.Feedback)
	if err != nil {
		DomainError(w, err)
		return
	}
	if !h.dispatch(id, "review", func(p Pipeline) bool { return p.HandleReview(id, req.Version) }) {
		Error(w, http.StatusServiceUnavailable, CodeUnavailable, "pipeline is shutting down")
		return
	}
	JSON(w, http.StatusAccepted, reviewResponse{SessionID: id, Lyrics: lv})
}

// Result returns the result of a completed session.
func (h *SessionHandler) Result(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Result(chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Events streams session events as server-sent events.
func (h *SessionHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.streams.ServeSSE(w, r, id); err != nil {
		DomainError(w, err)
	}
}

// WebSocket streams session events over a WebSocket.
func (h *SessionHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.streams.ServeWS(w, r, id); err != nil {
		DomainError(w, err)
	}
}

// Archived returns a reaped session from the archive.
func (h *SessionHandler) Archived(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.archive == nil {
		Error(w, http.StatusNotFound, CodeSessionNotFound, "archive is disabled")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	sess, err := h.archive.GetSession(ctx, id)
	if err != nil {
		h.logger.Error("Failed to read archived session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, CodeInternal, "failed to read archive")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, CodeSessionNotFound, "session not found in archive: "+id)
		return
	}
	JSON(w, http.StatusOK, sess)
}

type archiveListResponse struct {
	Sessions []domain.SessionSummary `json:"sessions"`
	HasMore  bool                    `json:"has_more"`
}

// ListArchived returns archived sessions, most recently created first.
func (h *SessionHandler) ListArchived(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pagination(w, r)
	if !ok {
		return
	}
	if h.archive == nil {
		JSON(w, http.StatusOK, archiveListResponse{Sessions: []domain.SessionSummary{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	// One extra row tells whether another page exists.
	items, err := h.archive.ListSessions(ctx, limit+1, offset)
	if err != nil {
		h.logger.Error("Failed to list archived sessions", "error", err)
		Error(w, http.StatusInternalServerError, CodeInternal, "failed to read archive")
		return
	}
	resp := archiveListResponse{Sessions: items, HasMore: len(items) > limit}
	if resp.HasMore {
		resp.Sessions = items[:limit]
	}
	if resp.Sessions == nil {
		resp.Sessions = []domain.SessionSummary{}
	}
	JSON(w, http.StatusOK, resp)
}

type historyResponse struct {
	SessionID string         `json:"session_id"`
	Events    []events.Event `json:"events"`
	Count     int            `json:"count"`
}

// History returns the most recent logged events of a session, oldest first.
// It also serves sessions that were reaped, as long as their log remains.
func (h *SessionHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 1000")
		return
	}
	kind := events.Kind(r.URL.Query().Get("event_type"))
	if kind != "" && !kind.Recorded() {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "unknown event_type: "+string(kind))
		return
	}
	if h.history == nil {
		Error(w, http.StatusNotFound, CodeSessionNotFound, "event history is disabled")
		return
	}

	evs, err := h.history.History(id, kind, limit)
	switch {
	case errors.Is(err, eventlog.ErrDisabled):
		Error(w, http.StatusNotFound, CodeSessionNotFound, "event history is disabled")
		return
	case errors.Is(err, eventlog.ErrNoHistory):
		// A live session may not have flushed its first event yet.
		if _, serr := h.sessions.GetSnapshot(id); serr != nil {
			Error(w, http.StatusNotFound, CodeSessionNotFound, "no event history for session: "+id)
			return
		}
		evs = []events.Event{}
	case err != nil:
		h.logger.Error("Failed to read event history", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, CodeInternal, "failed to read event history")
		return
	}
	JSON(w, http.StatusOK, historyResponse{SessionID: id, Events: evs, Count: len(evs)})
}

// dispatch hands input to the pipeline. Without a pipeline the input stays
// recorded and a debug log entry says nobody will act on it.
func (h *SessionHandler) dispatch(id, what string, fn func(Pipeline) bool) bool {
	if h.pipeline == nil {
		if err := h.sessions.AppendDebugLog(id, "INFO", "No generation pipeline configured; "+what+" recorded only", nil); err != nil {
			h.logger.Warn("Failed to append debug log", "session_id", id, "error", err)
		}
		return true
	}
	if !fn(h.pipeline) {
		h.logger.Warn("Pipeline rejected input", "session_id", id, "input", what)
		return false
	}
	return true
}

func (h *SessionHandler) accepted(w http.ResponseWriter, id string) {
	resp := acceptedResponse{SessionID: id}
	if snap, err := h.sessions.GetSnapshot(id); err == nil {
		resp.Stage = snap.Stage
	}
	JSON(w, http.StatusAccepted, resp)
}

func pagination(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be between 1 and 100")
		return 0, 0, false
	}
	offset, err = queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		Error(w, http.StatusBadRequest, CodeInvalidRequest, "offset must not be negative")
		return 0, 0, false
	}
	return limit, offset, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

var _ Streams = (*stream.Handler)(nil)
