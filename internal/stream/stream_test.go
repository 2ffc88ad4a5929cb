package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/identity"
	"github.com/ashureev/songsync/internal/tracker"
)

type fixture struct {
	tracker *tracker.Tracker
	hub     *events.Broadcaster
	handler *Handler
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewBroadcaster(16, logger)
	tr := tracker.New(hub, tracker.WithLogger(logger))
	h := NewHandler(tr, hub, nil, Config{KeepaliveInterval: time.Hour, RetryDelay: 2 * time.Second}, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/events/")
		if err := h.ServeSSE(w, r, id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrSessionNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
		}
	})
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/ws/")
		if err := h.ServeWS(w, r, id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{tracker: tr, hub: hub, handler: h, server: srv}
}

type sseFrame struct {
	id    string
	event string
	data  string
	retry string
}

func readFrame(t *testing.T, r *bufio.Reader) (sseFrame, error) {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return f, nil
		}
		key, value, _ := strings.Cut(line, ": ")
		switch key {
		case "id":
			f.id = value
		case "event":
			f.event = value
		case "data":
			f.data = value
		case "retry":
			f.retry = value
		}
	}
}

// waitForSubscriber blocks until the stream handler has subscribed.
func waitForSubscriber(t *testing.T, hub *events.Broadcaster, sessionID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(sessionID) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d subscribers on %s", n, sessionID)
}

func openSSE(t *testing.T, f *fixture, sessionID, clientID string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/events/"+sessionID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if clientID != "" {
		req.Header.Set(ClientIDHeader, clientID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestSSEStreamsDeltasUntilComplete(t *testing.T) {
	f := newFixture(t)
	s := f.tracker.CreateSession(domain.GenerationConfig{})

	resp, r := openSSE(t, f, s.ID, "")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	retry, err := readFrame(t, r)
	if err != nil || retry.retry != "2000" {
		t.Fatalf("expected retry frame, got %+v (%v)", retry, err)
	}
	connected, err := readFrame(t, r)
	if err != nil || connected.event != "connected" {
		t.Fatalf("expected connected frame, got %+v (%v)", connected, err)
	}
	waitForSubscriber(t, f.hub, s.ID, 1)

	if err := f.tracker.AdvanceStage(s.ID, domain.StageCollectingRequirements, "", 10); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	frame, err := readFrame(t, r)
	if err != nil {
		t.Fatalf("read state frame: %v", err)
	}
	if frame.event != "state_update" || frame.id != "1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
	var ev events.Event
	if err := json.Unmarshal([]byte(frame.data), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.State.Stage != domain.StageCollectingRequirements || ev.State.Progress != 10 {
		t.Fatalf("unexpected state %+v", ev.State)
	}

	for _, st := range []domain.Stage{
		domain.StageGeneratingLyrics, domain.StageReviewingLyrics, domain.StagePreparingGeneration,
		domain.StageGeneratingMusic, domain.StageEvaluatingResults,
	} {
		if err := f.tracker.AdvanceStage(s.ID, st, "", 50); err != nil {
			t.Fatalf("AdvanceStage(%s): %v", st, err)
		}
	}
	if err := f.tracker.Complete(s.ID, "", domain.Result{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var last sseFrame
	for {
		frame, err := readFrame(t, r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		last = frame
	}
	if last.event != "complete" {
		t.Fatalf("expected stream to end with complete, last frame %+v", last)
	}
}

func TestSSETerminalSessionClosesAfterConnected(t *testing.T) {
	f := newFixture(t)
	s := f.tracker.CreateSession(domain.GenerationConfig{})
	if err := f.tracker.Fail(s.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	_, r := openSSE(t, f, s.ID, "")
	if _, err := readFrame(t, r); err != nil {
		t.Fatalf("retry frame: %v", err)
	}
	connected, err := readFrame(t, r)
	if err != nil || connected.event != "connected" {
		t.Fatalf("expected connected frame, got %+v (%v)", connected, err)
	}
	if _, err := readFrame(t, r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected end of stream, got %v", err)
	}
}

func TestSSECompletedWithoutResultWaitsForComplete(t *testing.T) {
	f := newFixture(t)
	s := f.tracker.CreateSession(domain.GenerationConfig{})
	for _, st := range []domain.Stage{
		domain.StageCollectingRequirements, domain.StageGeneratingLyrics, domain.StageReviewingLyrics,
		domain.StagePreparingGeneration, domain.StageGeneratingMusic, domain.StageEvaluatingResults,
		domain.StageCompleted,
	} {
		if err := f.tracker.AdvanceStage(s.ID, st, "", 0); err != nil {
			t.Fatalf("advance %s: %v", st, err)
		}
	}

	_, r := openSSE(t, f, s.ID, "")
	if _, err := readFrame(t, r); err != nil {
		t.Fatalf("retry frame: %v", err)
	}
	if connected, err := readFrame(t, r); err != nil || connected.event != "connected" {
		t.Fatalf("expected connected frame, got %+v (%v)", connected, err)
	}

	if err := f.tracker.SetResult(s.ID, domain.Result{FinalLyrics: "la"}); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
	if complete, err := readFrame(t, r); err != nil || complete.event != "complete" {
		t.Fatalf("expected complete frame, got %+v (%v)", complete, err)
	}
	if _, err := readFrame(t, r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected end of stream, got %v", err)
	}
}

func TestSSEUnknownSession(t *testing.T) {
	f := newFixture(t)
	resp, _ := openSSE(t, f, "missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if f.hub.SubscriberCount("missing") != 0 {
		t.Fatal("subscription leaked for unknown session")
	}
}

func TestSSESameClientReplacesStream(t *testing.T) {
	f := newFixture(t)
	s := f.tracker.CreateSession(domain.GenerationConfig{})

	_, first := openSSE(t, f, s.ID, "client-1")
	_, _ = readFrame(t, first)
	_, _ = readFrame(t, first)
	waitForSubscriber(t, f.hub, s.ID, 1)

	_, second := openSSE(t, f, s.ID, "client-1")
	_, _ = readFrame(t, second)
	_, _ = readFrame(t, second)

	if _, err := readFrame(t, first); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the older stream to be closed, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.SubscriberCount(s.ID) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.tracker.AppendDebugLog(s.ID, "info", "hello", nil); err != nil {
		t.Fatalf("AppendDebugLog: %v", err)
	}
	frame, err := readFrame(t, second)
	if err != nil || frame.event != "debug_log" {
		t.Fatalf("expected debug_log on newer stream, got %+v (%v)", frame, err)
	}
}

func TestWebSocketStreamsDeltas(t *testing.T) {
	f := newFixture(t)
	s := f.tracker.CreateSession(domain.GenerationConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/" + s.ID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	var ev events.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil || ev.Kind != events.KindConnected {
		t.Fatalf("expected connected, got %+v (%v)", ev, err)
	}
	waitForSubscriber(t, f.hub, s.ID, 1)

	if err := f.tracker.AppendConversationTurn(s.ID, domain.ConversationTurn{Role: domain.RoleUser, Content: "upbeat pop song"}); err != nil {
		t.Fatalf("AppendConversationTurn: %v", err)
	}
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.KindChatMessage || ev.Message.Content != "upbeat pop song" {
		t.Fatalf("unexpected event %+v", ev)
	}

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong map[string]string
	if err := wsjson.Read(ctx, conn, &pong); err != nil || pong["type"] != "pong" {
		t.Fatalf("expected pong, got %v (%v)", pong, err)
	}

	if err := f.tracker.Fail(s.ID, "synth down"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	var kinds []events.Kind
	for {
		var next events.Event
		if err := wsjson.Read(ctx, conn, &next); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("expected normal closure, got %v", err)
			}
			break
		}
		kinds = append(kinds, next.Kind)
	}
	if len(kinds) == 0 || kinds[len(kinds)-1] != events.KindStateUpdate {
		t.Fatalf("expected stream to end on the failed state update, got %v", kinds)
	}
}

func TestClientIDPrefersQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?client_id=from-query", nil)
	r.Header.Set(ClientIDHeader, "from-header")
	if got := ClientID(r); got != "from-query" {
		t.Fatalf("expected query client id, got %q", got)
	}
	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set(ClientIDHeader, "from-header")
	if got := ClientID(r); got != "from-header" {
		t.Fatalf("expected header client id, got %q", got)
	}
}

func TestClientIDFromIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x?client_id=from-query", nil)
	r = r.WithContext(identity.WithClient(r.Context(), identity.Client{ID: "device-1"}))
	if got := ClientID(r); got != "device-1" {
		t.Fatalf("expected resolved client id, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/x", nil)
	r = r.WithContext(identity.WithClient(r.Context(), identity.Client{ID: "anon_1", Anonymous: true}))
	if got := ClientID(r); got != "" {
		t.Fatalf("anonymous ids must not claim a stream slot, got %q", got)
	}
}
