package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/songsync/internal/api"
	"github.com/ashureev/songsync/internal/client"
	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/eventlog"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/health"
	"github.com/ashureev/songsync/internal/identity"
	"github.com/ashureev/songsync/internal/store"
	"github.com/ashureev/songsync/internal/stream"
	"github.com/ashureev/songsync/internal/tracker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePipeline struct {
	mu       sync.Mutex
	messages []string
	reviews  []int
	closed   bool
}

func (p *fakePipeline) HandleMessage(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, id)
	return !p.closed
}

func (p *fakePipeline) HandleReview(_ string, version int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reviews = append(p.reviews, version)
	return !p.closed
}

func (p *fakePipeline) calls() ([]string, []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.messages...), append([]int(nil), p.reviews...)
}

type testServer struct {
	*httptest.Server
	tracker *tracker.Tracker
	archive store.Repository
}

type serverOptions struct {
	pipeline api.Pipeline
	limiter  *api.RateLimiter
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	logger := quietLogger()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	elog, err := eventlog.New(eventlog.Config{Enabled: true, Dir: t.TempDir(), QueueSize: 256}, logger)
	if err != nil {
		t.Fatalf("open event log: %v", err)
	}
	t.Cleanup(func() { _ = elog.Close() })

	hub := events.NewBroadcaster(64, logger)
	tr := tracker.New(events.Tee(hub, elog), tracker.WithLogger(logger))
	streams := stream.NewHandler(tr, hub, nil, stream.Config{KeepaliveInterval: time.Second, IsDev: true}, logger)

	h := api.NewSessionHandler(api.SessionHandlerConfig{
		Sessions: tr,
		Pipeline: opts.pipeline,
		Archive:  repo,
		History:  elog,
		Streams:  streams,
		Limiter:  opts.limiter,
		Logger:   logger,
	})
	checker := health.NewChecker(map[string]health.Pinger{"store": repo}, logger)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	api.NewHealthHandler(checker, time.Second).RegisterHealth(r)
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, tracker: tr, archive: repo}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (s *testServer) create(t *testing.T) string {
	t.Helper()
	resp, data := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{
		"config": map[string]any{"duration": 30, "language": "zh", "phonetic": true},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d: %s", resp.StatusCode, data)
	}
	var out struct {
		SessionID string       `json:"session_id"`
		Status    domain.Stage `json:"status"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if out.SessionID == "" || out.Status != domain.StageInitializing {
		t.Fatalf("unexpected create response %s", data)
	}
	return out.SessionID
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body api.ErrorBody
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode error body %q: %v", data, err)
	}
	return body.Code
}

func TestCreateAndSnapshot(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)

	resp, data := srv.do(t, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: status %d", resp.StatusCode)
	}
	var snap domain.Session
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ID != id || snap.Stage != domain.StageInitializing || snap.Progress != 0 || len(snap.ConversationHistory) != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Config.Language != "zh" || !snap.Config.Phonetic || snap.Config.Duration != 30 {
		t.Fatalf("config not passed through: %+v", snap.Config)
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	for _, path := range []string{
		"/api/v1/sessions/nope",
		"/api/v1/sessions/nope/result",
		"/api/v1/sessions/nope/events",
		"/api/v1/sessions/nope/ws",
		"/api/v1/sessions/nope/history",
	} {
		resp, data := srv.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusNotFound || errorCode(t, data) != api.CodeSessionNotFound {
			t.Fatalf("GET %s: status %d body %s", path, resp.StatusCode, data)
		}
	}

	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/nope/messages", map[string]string{"content": "hi"})
	if resp.StatusCode != http.StatusNotFound || errorCode(t, data) != api.CodeSessionNotFound {
		t.Fatalf("POST message: status %d body %s", resp.StatusCode, data)
	}
}

func TestPostMessageHandsOffToPipeline(t *testing.T) {
	p := &fakePipeline{}
	srv := newTestServer(t, serverOptions{pipeline: p})
	id := srv.create(t)

	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]any{
		"content":  "upbeat pop song",
		"metadata": map[string]any{"source": "web"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}

	snap, err := srv.tracker.GetSnapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.ConversationHistory) != 1 || snap.ConversationHistory[0].Role != domain.RoleUser ||
		snap.ConversationHistory[0].Content != "upbeat pop song" {
		t.Fatalf("unexpected history %+v", snap.ConversationHistory)
	}
	if msgs, _ := p.calls(); len(msgs) != 1 || msgs[0] != id {
		t.Fatalf("pipeline not called: %v", msgs)
	}
}

func TestPostMessageValidation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)

	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "   "})
	if resp.StatusCode != http.StatusBadRequest || errorCode(t, data) != api.CodeInvalidRequest {
		t.Fatalf("blank content: status %d body %s", resp.StatusCode, data)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/sessions/"+id+"/messages", strings.NewReader("{"))
	raw, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status %d", raw.StatusCode)
	}
}

func TestPostMessageWithoutPipelineLeavesDebugLog(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d", resp.StatusCode)
	}

	snap, _ := srv.tracker.GetSnapshot(id)
	found := false
	for _, l := range snap.DebugLogs {
		found = found || strings.Contains(l.Message, "No generation pipeline")
	}
	if !found {
		t.Fatalf("expected a debug log, got %+v", snap.DebugLogs)
	}
}

func TestPostMessageRejectedWhenPipelineClosed(t *testing.T) {
	srv := newTestServer(t, serverOptions{pipeline: &fakePipeline{closed: true}})
	id := srv.create(t)

	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "hello"})
	if resp.StatusCode != http.StatusServiceUnavailable || errorCode(t, data) != api.CodeUnavailable {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
}

func TestPostMessageOnTerminalSessionConflicts(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)
	if err := srv.tracker.Fail(id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "again"})
	if resp.StatusCode != http.StatusConflict || errorCode(t, data) != api.CodeSessionClosed {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
}

func TestReviewLyrics(t *testing.T) {
	p := &fakePipeline{}
	srv := newTestServer(t, serverOptions{pipeline: p})
	id := srv.create(t)
	if _, err := srv.tracker.AddLyricsVersion(id, "first draft", nil); err != nil {
		t.Fatalf("add lyrics: %v", err)
	}

	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/lyrics/review", map[string]any{"version": 2, "approved": true})
	if resp.StatusCode != http.StatusNotFound || errorCode(t, data) != api.CodeVersionNotFound {
		t.Fatalf("unknown version: status %d body %s", resp.StatusCode, data)
	}

	resp, data = srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/lyrics/review", map[string]any{
		"version": 1, "approved": false, "feedback": "too slow",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("review: status %d body %s", resp.StatusCode, data)
	}
	var out struct {
		Lyrics domain.LyricsVersion `json:"lyrics"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Lyrics.Approved || out.Lyrics.Feedback == nil || *out.Lyrics.Feedback != "too slow" {
		t.Fatalf("unexpected reviewed version %+v", out.Lyrics)
	}
	if _, reviews := p.calls(); len(reviews) != 1 || reviews[0] != 1 {
		t.Fatalf("pipeline not called: %v", reviews)
	}

	resp, _ = srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/lyrics/review", map[string]any{"version": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("version 0: status %d", resp.StatusCode)
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)

	resp, data := srv.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/result", nil)
	if resp.StatusCode != http.StatusConflict || errorCode(t, data) != api.CodeSessionNotCompleted {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
}

func TestListPagination(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	for range 3 {
		srv.create(t)
	}

	resp, data := srv.do(t, http.MethodGet, "/api/v1/sessions?limit=2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var page struct {
		Sessions []domain.SessionSummary `json:"sessions"`
		Total    int                     `json:"total"`
		HasMore  bool                    `json:"has_more"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Sessions) != 2 || page.Total != 3 || !page.HasMore {
		t.Fatalf("unexpected first page %+v", page)
	}

	_, data = srv.do(t, http.MethodGet, "/api/v1/sessions?limit=2&offset=2", nil)
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Sessions) != 1 || page.HasMore {
		t.Fatalf("unexpected last page %+v", page)
	}

	for _, q := range []string{"limit=0", "limit=101", "limit=x", "offset=-1"} {
		if resp, _ := srv.do(t, http.MethodGet, "/api/v1/sessions?"+q, nil); resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d", q, resp.StatusCode)
		}
	}
}

func TestArchivedSession(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)
	if err := srv.tracker.Fail(id, "synthesis failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	snap, _ := srv.tracker.GetSnapshot(id)
	if err := srv.archive.SaveSession(context.Background(), snap); err != nil {
		t.Fatalf("archive: %v", err)
	}

	resp, data := srv.do(t, http.MethodGet, "/api/v1/archive/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}
	var got domain.Session
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != id || got.Stage != domain.StageFailed {
		t.Fatalf("unexpected archived session %+v", got)
	}

	resp, data = srv.do(t, http.MethodGet, "/api/v1/archive/missing", nil)
	if resp.StatusCode != http.StatusNotFound || errorCode(t, data) != api.CodeSessionNotFound {
		t.Fatalf("missing: status %d body %s", resp.StatusCode, data)
	}

	resp, data = srv.do(t, http.MethodGet, "/api/v1/archive?limit=1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d: %s", resp.StatusCode, data)
	}
	var page struct {
		Sessions []domain.SessionSummary `json:"sessions"`
		HasMore  bool                    `json:"has_more"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(page.Sessions) != 1 || page.Sessions[0].ID != id || page.HasMore {
		t.Fatalf("unexpected archive page %+v", page)
	}

	if resp, _ := srv.do(t, http.MethodGet, "/api/v1/archive?limit=0", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", resp.StatusCode)
	}
}

type historyPage struct {
	SessionID string         `json:"session_id"`
	Events    []events.Event `json:"events"`
	Count     int            `json:"count"`
}

func (s *testServer) history(t *testing.T, id, query string) historyPage {
	t.Helper()
	resp, data := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/history"+query, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history%s: status %d body %s", query, resp.StatusCode, data)
	}
	var page historyPage
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	return page
}

func TestSessionHistory(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)

	if page := srv.history(t, id, ""); page.Count != 0 || page.Events == nil {
		t.Fatalf("fresh session should have an empty history, got %+v", page)
	}

	if resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/messages", map[string]string{"content": "a pop song"}); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("post message: status %d body %s", resp.StatusCode, data)
	}
	if err := srv.tracker.Fail(id, "synthesis failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// The log is written asynchronously.
	var all historyPage
	deadline := time.Now().Add(2 * time.Second)
	for {
		all = srv.history(t, id, "")
		if all.Count > 0 && all.Events[all.Count-1].Kind == events.KindStateUpdate {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failure never reached the event log: %+v", all)
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i := 1; i < all.Count; i++ {
		if all.Events[i].Seq <= all.Events[i-1].Seq {
			t.Fatalf("history out of order at %d: %d after %d", i, all.Events[i].Seq, all.Events[i-1].Seq)
		}
	}
	if all.Events[0].Kind != events.KindChatMessage || all.Events[0].Message.Content != "a pop song" {
		t.Fatalf("unexpected first event %+v", all.Events[0])
	}

	logs := srv.history(t, id, "?event_type=debug_log")
	if logs.Count != 2 {
		t.Fatalf("expected the no-pipeline note and the failure log, got %d", logs.Count)
	}
	for _, ev := range logs.Events {
		if ev.Kind != events.KindDebugLog {
			t.Fatalf("filter leaked %s", ev.Kind)
		}
	}

	last := srv.history(t, id, "?limit=1")
	if last.Count != 1 || last.Events[0].Seq != all.Events[all.Count-1].Seq {
		t.Fatalf("limit should keep the newest event, got %+v", last.Events)
	}

	srv.tracker.Reap(id)
	if page := srv.history(t, id, ""); page.Count != all.Count {
		t.Fatalf("history should outlive the live session: %d != %d", page.Count, all.Count)
	}

	for _, q := range []string{"?limit=0", "?limit=1001", "?event_type=ping", "?event_type=bogus"} {
		resp, data := srv.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/history"+q, nil)
		if resp.StatusCode != http.StatusBadRequest || errorCode(t, data) != api.CodeInvalidRequest {
			t.Fatalf("%s: status %d body %s", q, resp.StatusCode, data)
		}
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	resp, data := srv.do(t, http.MethodGet, "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, data)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" || body.Checks["store"] != "ok" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestRateLimitedPosts(t *testing.T) {
	rl := api.NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	srv := newTestServer(t, serverOptions{limiter: rl})

	srv.create(t)
	srv.create(t)
	resp, data := srv.do(t, http.MethodPost, "/api/v1/sessions", nil)
	if resp.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != api.CodeRateLimited {
		t.Fatalf("status %d body %s", resp.StatusCode, data)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", resp.Header.Get("Retry-After"))
	}

	// Anonymous callers without a cookie share their IP's budget.
	if resp, _ := srv.do(t, http.MethodPost, "/api/v1/sessions", nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("anonymous post: status %d", resp.StatusCode)
	}

	// Reads are not limited.
	if resp, _ := srv.do(t, http.MethodGet, "/api/v1/sessions", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
}

func TestMalformedClientIDRejected(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	resp, err := srv.Client().Get(srv.URL + "/api/v1/sessions?client_id=" + strings.Repeat("x", 129))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEStreamEndsOnFailure(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/sessions/"+id+"/events", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var kinds []string
	failed := false
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		kind, ok := strings.CutPrefix(line, "event: ")
		if !ok {
			continue
		}
		kinds = append(kinds, kind)
		if kind == string(events.KindConnected) && !failed {
			failed = true
			if err := srv.tracker.Fail(id, "lyricist unavailable"); err != nil {
				t.Fatalf("fail: %v", err)
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		t.Fatalf("read stream: %v", err)
	}

	want := []string{"connected", "debug_log", "error", "state_update"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("got events %v, want %v", kinds, want)
	}
}

func TestSSEStreamOnTerminalSessionClosesAfterConnected(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)
	if err := srv.tracker.Fail(id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp, data := srv.do(t, http.MethodGet, "/api/v1/sessions/"+id+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body := string(data)
	if !strings.HasPrefix(body, "retry: ") || strings.Count(body, "event: ") != 1 || !strings.Contains(body, "event: connected") {
		t.Fatalf("unexpected stream body %q", body)
	}
}

func TestWebSocketReplicaConvergesEndToEnd(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	id := srv.create(t)
	tr := srv.tracker

	src := client.NewHTTPSource(srv.URL, "", 2*time.Second)
	replica := client.NewStore(0)
	syncer := client.NewSyncer(src, replica, id, client.WithSyncLogger(quietLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- syncer.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !replica.Hydrated() {
		if time.Now().After(deadline) {
			t.Fatal("replica never hydrated")
		}
		time.Sleep(5 * time.Millisecond)
	}

	steps := []func() error{
		func() error { return tr.AdvanceStage(id, domain.StageCollectingRequirements, "", 10) },
		func() error {
			return tr.AppendConversationTurn(id, domain.ConversationTurn{Role: domain.RoleUser, Content: "upbeat pop song"})
		},
		func() error { _, err := tr.MergeRequirement(id, domain.UserRequirement{Style: "pop"}); return err },
		func() error { return tr.AdvanceStage(id, domain.StageGeneratingLyrics, "", 20) },
		func() error { _, err := tr.AddLyricsVersion(id, "sunny days ahead of us", nil); return err },
		func() error { return tr.AdvanceStage(id, domain.StageReviewingLyrics, "", 60) },
		func() error { _, err := tr.ReviewLyrics(id, 1, true, nil); return err },
		func() error { return tr.AdvanceStage(id, domain.StagePreparingGeneration, "", 70) },
		func() error { return tr.AdvanceStage(id, domain.StageGeneratingMusic, "", 85) },
		func() error { return tr.AdvanceStage(id, domain.StageEvaluatingResults, "", 95) },
		func() error {
			return tr.Complete(id, "", domain.Result{AudioFiles: []domain.AudioFile{{URL: "/o/a.wav", Filename: "a.wav"}}})
		},
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	want, _ := tr.GetSnapshot(id)
	got := replica.View()
	if got.Stage != domain.StageCompleted || got.Progress != 100 {
		t.Fatalf("unexpected final state %s/%d", got.Stage, got.Progress)
	}
	if len(got.Conversation) != len(want.ConversationHistory) || len(got.Lyrics) != 1 || !got.Lyrics[0].Approved {
		t.Fatalf("replica diverged: %+v", got)
	}
	if got.Result == nil || got.Result.FinalLyrics != "sunny days ahead of us" {
		t.Fatalf("result not fetched: %+v", got.Result)
	}
}
