package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/songsync/internal/domain"
)

type capture struct {
	mu       sync.Mutex
	messages []string
}

func (c *capture) add(m string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

func (c *capture) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func chatServer(t *testing.T, content string) (*httptest.Server, *capture) {
	t.Helper()
	seen := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		for _, m := range body.Messages {
			seen.add(m.Role + ":" + m.Content)
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1700000000,
			"model":   body.Model,
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func newTestLyricist(url string) *OpenAILyricist {
	return NewOpenAILyricist(LyricistConfig{APIKey: "test", BaseURL: url, Timeout: 2 * time.Second, MaxRetries: 1}, nil, quietLogger())
}

func TestOpenAILyricistExtractRequirement(t *testing.T) {
	srv, seen := chatServer(t, "Sure!\n```json\n{\"style\":\"pop\",\"mood\":\"happy\",\"duration\":\"40\",\"specific_requests\":[\"guitar solo\",\" \"],\"reply\":\"Got it.\"}\n```")

	ext, err := newTestLyricist(srv.URL).ExtractRequirement(context.Background(), []domain.ConversationTurn{
		{Role: domain.RoleSystem, Content: "hidden"},
		{Role: domain.RoleUser, Content: "happy pop, 40 seconds"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}

	want := domain.UserRequirement{Style: "pop", Mood: "happy", Duration: 40, SpecificRequests: []string{"guitar solo"}}
	got := ext.Requirement
	if got.Style != want.Style || got.Mood != want.Mood || got.Duration != want.Duration ||
		len(got.SpecificRequests) != 1 || got.SpecificRequests[0] != "guitar solo" {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if ext.Reply != "Got it." {
		t.Fatalf("unexpected reply %q", ext.Reply)
	}

	joined := strings.Join(seen.all(), "\n")
	if strings.Contains(joined, "hidden") || !strings.Contains(joined, "user: happy pop, 40 seconds") {
		t.Fatalf("unexpected prompt %q", joined)
	}
}

func TestOpenAILyricistExtractRejectsProse(t *testing.T) {
	srv, _ := chatServer(t, "I could not understand that.")

	_, err := newTestLyricist(srv.URL).ExtractRequirement(context.Background(), nil)
	if !errors.Is(err, errNoJSONObject) {
		t.Fatalf("expected errNoJSONObject, got %v", err)
	}
}

func TestOpenAILyricistDraftRevision(t *testing.T) {
	srv, seen := chatServer(t, "歌词：\n【回家】\n城市的灯火照亮回家的路\n我们重新出发不再迷途")

	lyrics, err := newTestLyricist(srv.URL).Draft(context.Background(), DraftRequest{
		Requirement: domain.UserRequirement{Style: "摇滚", Theme: "home"},
		Duration:    30,
		Previous:    "old lyrics",
		Feedback:    "more energy",
	})
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if lyrics != "城市的灯火照亮回家的路\n我们重新出发不再迷途" {
		t.Fatalf("lyrics not cleaned: %q", lyrics)
	}

	msgs := seen.all()
	prompt := msgs[len(msgs)-1]
	for _, want := range []string{"old lyrics", "Feedback: more energy", "- duration: 30 seconds", "style guidance: powerful"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestOpenAILyricistDraftTooShort(t *testing.T) {
	srv, _ := chatServer(t, "la la")

	if _, err := newTestLyricist(srv.URL).Draft(context.Background(), DraftRequest{}); !errors.Is(err, errLyricsTooShort) {
		t.Fatalf("expected errLyricsTooShort, got %v", err)
	}
}
