package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "GRPC_PORT", "DB_PATH", "LOG_LEVEL", "SESSION_RETENTION", "SUBSCRIBER_BUFFER", "LLM_API_KEY", "SYNTH_URL"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("DB_PATH", "./data/songsync.db")
	t.Setenv("LOG_LEVEL", "info")
	t.Setenv("SESSION_RETENTION", "60m")
	t.Setenv("SUBSCRIBER_BUFFER", "64")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Sessions.Retention != time.Hour {
		t.Fatalf("expected 60m retention, got %v", cfg.Sessions.Retention)
	}
	if cfg.Stream.SubscriberBuffer != 64 || cfg.Stream.KeepaliveInterval != 10*time.Second {
		t.Fatalf("unexpected stream config %+v", cfg.Stream)
	}
	if cfg.PipelineEnabled() {
		t.Fatal("pipeline must be disabled without LLM key and synth URL")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("GRPC_PORT", "9001")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SSE_KEEPALIVE", "3s")
	t.Setenv("EVENT_LOG_ENABLED", "off")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("SYNTH_URL", "http://synth.local/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GRPCPort != "9001" || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Stream.KeepaliveInterval != 3*time.Second {
		t.Fatalf("expected 3s keepalive, got %v", cfg.Stream.KeepaliveInterval)
	}
	if cfg.EventLog.Enabled {
		t.Fatal("expected event log disabled")
	}
	if cfg.Synth.URL != "http://synth.local" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.Synth.URL)
	}
	if !cfg.PipelineEnabled() {
		t.Fatal("expected pipeline enabled")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name, key, value string
	}{
		{"bad level", "LOG_LEVEL", "loud"},
		{"zero buffer", "SUBSCRIBER_BUFFER", "0"},
		{"same ports", "GRPC_PORT", "8080"},
		{"no cors methods", "CORS_ALLOWED_METHODS", " , "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORT", "8080")
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadCORS(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("FRONTEND_URL", "https://songs.example.com")
	t.Setenv("CORS_ALLOWED_ORIGINS", "")
	t.Setenv("CORS_ALLOWED_HEADERS", "Content-Type, X-Client-ID ,X-Request-ID")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Fatalf("explicitly empty origins should admit any origin, got %v", cfg.CORS.AllowedOrigins)
	}
	if got := cfg.CORS.AllowedHeaders; len(got) != 3 || got[2] != "X-Request-ID" {
		t.Fatalf("unexpected headers %q", got)
	}
	if got := cfg.CORS.AllowedMethods; len(got) != 3 || got[0] != "GET" {
		t.Fatalf("unexpected default methods %q", got)
	}

	os.Unsetenv("CORS_ALLOWED_ORIGINS")
	if cfg, err = Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.CORS.AllowedOrigins; len(got) != 1 || got[0] != "https://songs.example.com" {
		t.Fatalf("origins should default to FRONTEND_URL, got %v", got)
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"https://songs.example.com", false},
	}
	for _, tt := range tests {
		c := &Config{FrontendURL: tt.url}
		if got := c.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
