// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	GRPCPort       string // empty disables the gRPC health server
	FrontendURL    string
	DBPath         string
	LogLevel       slog.Level
	MaxRequestBody int64
	CORS           CORSConfig
	Sessions       SessionConfig
	Stream         StreamConfig
	RateLimit      RateLimitConfig
	EventLog       EventLogConfig
	LLM            LLMConfig
	Synth          SynthConfig
}

// CORSConfig controls cross-origin access to the API.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         time.Duration
}

// SessionConfig controls the in-memory session registry.
type SessionConfig struct {
	Retention      time.Duration
	ReaperInterval time.Duration
}

// StreamConfig controls live event streams.
type StreamConfig struct {
	SubscriberBuffer  int
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// RateLimitConfig bounds user input per client.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// EventLogConfig controls NDJSON event logging.
type EventLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// LLMConfig configures the OpenAI-compatible lyric model.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// SynthConfig configures the audio synthesis service.
type SynthConfig struct {
	URL     string
	Timeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCPort:       getEnv("GRPC_PORT", ""),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/songsync.db"),
		LogLevel:       level,
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		CORS: CORSConfig{
			AllowedMethods: getEnvList("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: getEnvList("CORS_ALLOWED_HEADERS", "Content-Type,X-Client-ID"),
			MaxAge:         getEnvDuration("CORS_MAX_AGE", 10*time.Minute),
		},
		Sessions: SessionConfig{
			Retention:      getEnvDuration("SESSION_RETENTION", 60*time.Minute),
			ReaperInterval: getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
		},
		Stream: StreamConfig{
			SubscriberBuffer:  getEnvInt("SUBSCRIBER_BUFFER", 64),
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		EventLog: EventLogConfig{
			Enabled:   getEnvBool("EVENT_LOG_ENABLED", true),
			Dir:       getEnv("EVENT_LOG_DIR", "./data/logs/events"),
			QueueSize: getEnvInt("EVENT_LOG_QUEUE_SIZE", 1000),
		},
		LLM: LLMConfig{
			APIKey:  getEnv("LLM_API_KEY", ""),
			BaseURL: getEnv("LLM_BASE_URL", ""),
			Model:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		},
		Synth: SynthConfig{
			URL:     strings.TrimRight(getEnv("SYNTH_URL", ""), "/"),
			Timeout: getEnvDuration("SYNTH_TIMEOUT", 10*time.Minute),
		},
	}

	cfg.CORS.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.FrontendURL)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.GRPCPort != "" && c.GRPCPort == c.Port {
		return fmt.Errorf("GRPC_PORT must differ from PORT")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	if len(c.CORS.AllowedMethods) == 0 {
		return fmt.Errorf("CORS_ALLOWED_METHODS cannot be empty")
	}
	if c.CORS.MaxAge < 0 {
		return fmt.Errorf("CORS_MAX_AGE must be >= 0")
	}
	if c.Sessions.Retention <= 0 {
		return fmt.Errorf("SESSION_RETENTION must be > 0")
	}
	if c.Sessions.ReaperInterval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be > 0")
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be > 0")
	}
	if c.Stream.KeepaliveInterval <= 0 {
		return fmt.Errorf("SSE_KEEPALIVE must be > 0")
	}
	if c.Stream.RetryDelay <= 0 {
		return fmt.Errorf("SSE_RETRY must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.EventLog.Enabled && c.EventLog.Dir == "" {
		return fmt.Errorf("EVENT_LOG_DIR cannot be empty")
	}
	if c.EventLog.QueueSize <= 0 {
		return fmt.Errorf("EVENT_LOG_QUEUE_SIZE must be > 0")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.Synth.Timeout <= 0 {
		return fmt.Errorf("SYNTH_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// PipelineEnabled reports whether both generation backends are configured.
func (c *Config) PipelineEnabled() bool {
	return c.LLM.APIKey != "" && c.Synth.URL != ""
}

func parseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvList splits a comma separated variable, dropping empty items.
func getEnvList(key, fallback string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, fallback), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
