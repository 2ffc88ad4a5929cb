package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/tidwall/gjson"

	"github.com/ashureev/songsync/internal/domain"
)

var (
	errEmptyCompletion = errors.New("model returned no choices")
	errLyricsTooShort  = errors.New("drafted lyrics are too short")
	errNoJSONObject    = errors.New("model reply contains no JSON object")
)

// minLyricsRunes rejects drafts that are obviously truncated or refusals.
const minLyricsRunes = 20

// Lyricist turns a conversation into requirements and drafts lyrics for them.
type Lyricist interface {
	ExtractRequirement(ctx context.Context, history []domain.ConversationTurn) (Extraction, error)
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// Extraction is what the model understood from the conversation so far.
type Extraction struct {
	Requirement domain.UserRequirement
	Reply       string
}

// DraftRequest carries everything needed to write or revise one set of lyrics.
type DraftRequest struct {
	Requirement domain.UserRequirement
	Duration    float64
	Language    string
	// Previous and Feedback are set when revising a rejected version.
	Previous string
	Feedback string
}

// LyricistConfig configures the OpenAI-compatible chat completion client.
type LyricistConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultLyricistConfig returns defaults for any field left empty.
func DefaultLyricistConfig() LyricistConfig {
	return LyricistConfig{
		BaseURL:    "https://api.openai.com/v1",
		Model:      "gpt-4o-mini",
		Timeout:    90 * time.Second,
		MaxRetries: 2,
	}
}

// OpenAILyricist drafts lyrics with a chat completion model.
type OpenAILyricist struct {
	client openaigo.Client
	model  string
	logger *slog.Logger
}

// NewOpenAILyricist creates a lyricist. httpClient may be nil.
func NewOpenAILyricist(cfg LyricistConfig, httpClient *http.Client, logger *slog.Logger) *OpenAILyricist {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultLyricistConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	client := openaigo.NewClient(
		option.WithBaseURL(cfg.BaseURL),
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
		option.WithRequestTimeout(cfg.Timeout),
	)
	return &OpenAILyricist{client: client, model: cfg.Model, logger: logger}
}

const extractSystemPrompt = `You are a music production assistant. Read the conversation and extract the user's song requirements.
Answer with one JSON object and nothing else, using these keys:
"style" (genre), "mood", "duration" (seconds, number), "language", "theme", "target_audience",
"specific_requests" (array of short strings), "reply" (a short friendly answer to the user, in the user's language, describing the song you will write).
Use an empty string or omit a key when the conversation does not say.`

// ExtractRequirement asks the model for the requirement fields stated so far.
func (l *OpenAILyricist) ExtractRequirement(ctx context.Context, history []domain.ConversationTurn) (Extraction, error) {
	var b strings.Builder
	for _, turn := range history {
		if turn.Role == domain.RoleSystem {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}

	content, err := l.complete(ctx, extractSystemPrompt, b.String())
	if err != nil {
		return Extraction{}, fmt.Errorf("extract requirement: %w", err)
	}
	ext, err := parseExtraction(content)
	if err != nil {
		return Extraction{}, fmt.Errorf("extract requirement: %w", err)
	}
	l.logger.Debug("Requirement extracted", "style", ext.Requirement.Style, "mood", ext.Requirement.Mood)
	return ext, nil
}

const draftSystemPrompt = `You are a professional songwriter. Write song lyrics with verses and a chorus that fit the requirements.
Keep the length suitable for the requested duration, prefer vivid everyday words, and output only the lyrics with no title or commentary.`

// Draft writes new lyrics, or revises req.Previous when req.Feedback is set.
func (l *OpenAILyricist) Draft(ctx context.Context, req DraftRequest) (string, error) {
	content, err := l.complete(ctx, draftSystemPrompt, draftUserPrompt(req))
	if err != nil {
		return "", fmt.Errorf("draft lyrics: %w", err)
	}
	lyrics := cleanLyrics(content)
	if len([]rune(lyrics)) < minLyricsRunes {
		return "", errLyricsTooShort
	}
	return lyrics, nil
}

func (l *OpenAILyricist) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := l.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(l.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(system),
			openaigo.UserMessage(user),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func draftUserPrompt(req DraftRequest) string {
	r := req.Requirement
	var b strings.Builder
	b.WriteString("Requirements:\n")
	writeField := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&b, "- %s: %s\n", name, value)
		}
	}
	writeField("theme", r.Theme)
	writeField("style", r.Style)
	writeField("mood", r.Mood)
	writeField("target audience", r.TargetAudience)
	writeField("language", firstNonEmpty(r.Language, req.Language))
	if req.Duration > 0 {
		fmt.Fprintf(&b, "- duration: %.0f seconds\n", req.Duration)
	}
	if len(r.SpecificRequests) > 0 {
		writeField("specific requests", strings.Join(r.SpecificRequests, "; "))
	}
	if guide := styleGuidance(r.Style); guide != "" {
		writeField("style guidance", guide)
	}

	if req.Previous != "" {
		b.WriteString("\nRevise these lyrics according to the feedback, keeping structure and rhyme:\n")
		b.WriteString(req.Previous)
		b.WriteString("\n\nFeedback: ")
		b.WriteString(firstNonEmpty(req.Feedback, "make it better"))
		b.WriteString("\n")
	}
	return b.String()
}

// parseExtraction reads the first JSON object in content. Numbers given as
// strings ("30") are accepted.
func parseExtraction(content string) (Extraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Extraction{}, errNoJSONObject
	}
	raw := content[start : end+1]
	if !gjson.Valid(raw) {
		return Extraction{}, errNoJSONObject
	}

	res := gjson.Parse(raw)
	ext := Extraction{
		Requirement: domain.UserRequirement{
			Style:          res.Get("style").String(),
			Mood:           res.Get("mood").String(),
			Duration:       res.Get("duration").Float(),
			Language:       res.Get("language").String(),
			Theme:          res.Get("theme").String(),
			TargetAudience: res.Get("target_audience").String(),
		},
		Reply: strings.TrimSpace(res.Get("reply").String()),
	}
	specific := res.Get("specific_requests")
	if specific.IsArray() {
		for _, item := range specific.Array() {
			if s := strings.TrimSpace(item.String()); s != "" {
				ext.Requirement.SpecificRequests = append(ext.Requirement.SpecificRequests, s)
			}
		}
	} else if s := strings.TrimSpace(specific.String()); s != "" {
		ext.Requirement.SpecificRequests = []string{s}
	}
	return ext, nil
}

var (
	codeFence     = regexp.MustCompile("(?s)```[a-zA-Z]*\n?(.*?)```")
	lyricsLabel   = regexp.MustCompile(`^(?i)(lyrics|歌词)\s*[:：]\s*`)
	bracketHeader = regexp.MustCompile(`^【[^】\n]*】\s*\n`)
)

func cleanLyrics(content string) string {
	content = strings.TrimSpace(content)
	if m := codeFence.FindStringSubmatch(content); m != nil {
		content = strings.TrimSpace(m[1])
	}
	content = lyricsLabel.ReplaceAllString(content, "")
	content = bracketHeader.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
