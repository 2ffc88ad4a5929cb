package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/events"
)

// apiError is the error body the server writes.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPSource talks to a songsync server: snapshots and results over HTTP,
// events over its WebSocket stream.
type HTTPSource struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
}

// NewHTTPSource creates a source for the server at baseURL (for example
// http://localhost:8080). An empty clientID gets a random one, so the server
// replaces this client's older stream when it reconnects.
func NewHTTPSource(baseURL, clientID string, timeout time.Duration) *HTTPSource {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ClientID returns the id this source identifies itself with.
func (h *HTTPSource) ClientID() string {
	return h.clientID
}

// Snapshot fetches the current session record.
func (h *HTTPSource) Snapshot(ctx context.Context, sessionID string) (*domain.Session, error) {
	var snap domain.Session
	if err := h.getJSON(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Result fetches the result of a completed session.
func (h *HTTPSource) Result(ctx context.Context, sessionID string) (*domain.Result, error) {
	var r domain.Result
	if err := h.getJSON(ctx, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/result", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Subscribe opens the session's WebSocket event stream.
func (h *HTTPSource) Subscribe(ctx context.Context, sessionID string) (Stream, error) {
	u, err := url.Parse(h.baseURL + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/ws")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("client_id", h.clientID)
	u.RawQuery = q.Encode()

	// The dial is bounded by ctx: websocket.Dial refuses clients with a Timeout.
	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Client-ID": []string{h.clientID}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsStream{conn: conn}, nil
}

// Create starts a new session and returns its id.
func (h *HTTPSource) Create(ctx context.Context, cfg domain.GenerationConfig) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]any{"config": cfg}
	if err := h.do(ctx, http.MethodPost, "/api/v1/sessions", body, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// SendMessage posts a user turn to the session.
func (h *HTTPSource) SendMessage(ctx context.Context, sessionID, content string) error {
	body := map[string]string{"content": content}
	return h.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/messages", body, http.StatusAccepted, nil)
}

// Review approves or rejects a lyrics version. feedback may be empty.
func (h *HTTPSource) Review(ctx context.Context, sessionID string, version int, approved bool, feedback string) error {
	body := map[string]any{"version": version, "approved": approved}
	if feedback != "" {
		body["feedback"] = feedback
	}
	return h.do(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/lyrics/review", body, http.StatusAccepted, nil)
}

func (h *HTTPSource) getJSON(ctx context.Context, path string, out any) error {
	return h.do(ctx, http.MethodGet, path, nil, http.StatusOK, out)
}

func (h *HTTPSource) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-ID", h.clientID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		return statusError(resp.StatusCode, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// statusError maps an API error back to the domain sentinel it came from.
func statusError(status int, body apiError) error {
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch body.Code {
	case "SESSION_NOT_FOUND":
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, msg)
	case "SESSION_NOT_COMPLETED":
		return fmt.Errorf("%w: %s", domain.ErrResultNotReady, msg)
	case "VERSION_NOT_FOUND":
		return fmt.Errorf("%w: %s", domain.ErrVersionNotFound, msg)
	case "SESSION_CLOSED":
		return fmt.Errorf("%w: %s", domain.ErrSessionClosed, msg)
	case "ILLEGAL_TRANSITION":
		return fmt.Errorf("%w: %s", domain.ErrIllegalTransition, msg)
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, msg)
	}
	return fmt.Errorf("server returned %d: %s", status, msg)
}

type wsStream struct {
	conn *websocket.Conn
}

// Next reads the next event. A normal closure from the server is io.EOF.
// Transport frames without a session event (pong) are skipped.
func (s *wsStream) Next(ctx context.Context) (events.Event, error) {
	for {
		var ev events.Event
		if err := wsjson.Read(ctx, s.conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return events.Event{}, io.EOF
			}
			return events.Event{}, err
		}
		if ev.Kind == "pong" {
			continue
		}
		return ev, nil
	}
}

// Close sends a normal closure. It errors when the server already closed.
func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
