package pipeline

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/songsync/internal/domain"
)

// ErrSynthesisFailed is returned when the synthesis service reports failure.
var ErrSynthesisFailed = errors.New("synthesis failed")

// maxResponseBody caps how much of a synthesis response is read.
const maxResponseBody = 4 << 20

// Composer renders lyrics into audio candidates.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (Composition, error)
}

// ComposeRequest is one synthesis job.
type ComposeRequest struct {
	Prompt     string
	Lyrics     string
	Duration   float64
	Candidates int
	Schedule   []GuidancePoint
}

// Composition is what the synthesis service produced.
type Composition struct {
	AudioPaths []string
	Metadata   map[string]any
	RequestID  string
}

type cacheSettings struct {
	EnableCache  bool `json:"enable_cache"`
	ForceRefresh bool `json:"force_refresh"`
}

type generationConfig struct {
	Prompt           string          `json:"prompt"`
	Lyrics           string          `json:"lyrics"`
	GuidanceSchedule []GuidancePoint `json:"guidance_schedule"`
	LoraConfig       map[string]any  `json:"lora_config"`
	AudioDuration    float64         `json:"audio_duration"`
	CandidateCount   int             `json:"candidate_count"`
	CacheSettings    cacheSettings   `json:"cache_settings"`
}

type generateRequest struct {
	Prompt           string           `json:"prompt"`
	Lyrics           string           `json:"lyrics"`
	GenerationConfig generationConfig `json:"generation_config"`
}

type generateResponse struct {
	Success bool `json:"success"`
	Data    struct {
		AudioPaths []string       `json:"audio_paths"`
		Metadata   map[string]any `json:"metadata"`
	} `json:"data"`
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

// SynthClient calls the audio synthesis service over HTTP.
type SynthClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSynthClient creates a client for the service at baseURL.
func NewSynthClient(baseURL string, timeout time.Duration, logger *slog.Logger) *SynthClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &SynthClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Compose posts one generate_music request and waits for the result.
func (c *SynthClient) Compose(ctx context.Context, req ComposeRequest) (Composition, error) {
	schedule := req.Schedule
	if len(schedule) == 0 {
		schedule = defaultSchedule
	}
	candidates := req.Candidates
	if candidates <= 0 {
		candidates = 3
	}
	body, err := json.Marshal(generateRequest{
		Prompt: req.Prompt,
		Lyrics: req.Lyrics,
		GenerationConfig: generationConfig{
			Prompt:           req.Prompt,
			Lyrics:           req.Lyrics,
			GuidanceSchedule: schedule,
			LoraConfig:       map[string]any{},
			AudioDuration:    req.Duration,
			CandidateCount:   candidates,
			CacheSettings:    cacheSettings{EnableCache: true},
		},
	})
	if err != nil {
		return Composition{}, fmt.Errorf("encode synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate_music", bytes.NewReader(body))
	if err != nil {
		return Composition{}, fmt.Errorf("build synthesis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Composition{}, fmt.Errorf("synthesis service unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Composition{}, fmt.Errorf("read synthesis response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Composition{}, fmt.Errorf("%w: status %d: %s", ErrSynthesisFailed, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return Composition{}, fmt.Errorf("decode synthesis response: %w", err)
	}
	if !out.Success {
		return Composition{}, fmt.Errorf("%w: %s", ErrSynthesisFailed, firstNonEmpty(out.Error, "unknown error"))
	}

	c.logger.Info("Synthesis finished",
		"request_id", out.RequestID,
		"candidates", len(out.Data.AudioPaths),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Composition{
		AudioPaths: out.Data.AudioPaths,
		Metadata:   out.Data.Metadata,
		RequestID:  out.RequestID,
	}, nil
}

// Ping checks the service's health endpoint.
func (c *SynthClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synthesis health: status %d", resp.StatusCode)
	}
	return nil
}

// RankCandidates turns a composition into audio files, best score first.
// Scores come from metadata "scores" (a list aligned with audio_paths);
// unscored candidates keep their service order after scored ones.
func RankCandidates(comp Composition, duration float64) []domain.AudioFile {
	scores := metadataFloats(comp.Metadata, "scores")
	durations := metadataFloats(comp.Metadata, "durations")

	files := make([]domain.AudioFile, 0, len(comp.AudioPaths))
	for i, p := range comp.AudioPaths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		f := domain.AudioFile{
			URL:      p,
			Filename: path.Base(p),
			Duration: duration,
		}
		if i < len(scores) {
			f.Score = scores[i]
		}
		if i < len(durations) && durations[i] > 0 {
			f.Duration = durations[i]
		}
		files = append(files, f)
	}
	slices.SortStableFunc(files, func(a, b domain.AudioFile) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return files
}

func metadataFloats(meta map[string]any, key string) []float64 {
	raw, ok := meta[key].([]any)
	if !ok {
		return nil
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			out[i] = f
		}
	}
	return out
}
