// Package pipeline drives sessions through the generation stages. The Driver
// is the single writer for each session it works on: every piece of work for
// a session runs in order on that session's own worker goroutine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"

	"github.com/ashureev/songsync/internal/domain"
)

var errNoAudio = errors.New("synthesis returned no audio")

// Stage progress checkpoints.
const (
	progressCollecting = 10
	progressDrafting   = 20
	progressDrafted    = 40
	progressReviewing  = 60
	progressPreparing  = 70
	progressComposing  = 85
	progressEvaluating = 95
)

// Sessions is the subset of the tracker the driver writes through.
type Sessions interface {
	GetSnapshot(id string) (*domain.Session, error)
	AdvanceStage(id string, to domain.Stage, description string, progress int) error
	UpdateProgress(id, description string, progress int) error
	AppendConversationTurn(id string, turn domain.ConversationTurn) error
	AddLyricsVersion(id, content string, annotated *string) (domain.LyricsVersion, error)
	ReviewLyrics(id string, version int, approved bool, feedback *string) (domain.LyricsVersion, error)
	AppendDebugLog(id, level, message string, metadata map[string]any) error
	MergeRequirement(id string, req domain.UserRequirement) (domain.UserRequirement, error)
	ReportError(id, message string) error
	Complete(id, description string, result domain.Result) error
	Fail(id, message string) error
}

// Config tunes the driver.
type Config struct {
	// Candidates is the number of audio candidates requested per synthesis.
	Candidates int
	// DefaultDuration is used when neither the requirement nor the session
	// config names a duration, in seconds.
	DefaultDuration float64
	// DraftAttempts is how many times a failed lyrics draft is tried in total.
	DraftAttempts int
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() Config {
	return Config{Candidates: 3, DefaultDuration: 30, DraftAttempts: 2}
}

type task func(ctx context.Context, id string) error

// Driver runs the generation pipeline for every session handed to it.
type Driver struct {
	sessions  Sessions
	lyricist  Lyricist
	composer  Composer
	annotator *Annotator
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string][]task // a present key means a worker is running
	closed bool
	wg     sync.WaitGroup
}

// NewDriver creates a driver writing through sessions.
func NewDriver(sessions Sessions, lyricist Lyricist, composer Composer, cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Candidates <= 0 {
		cfg.Candidates = def.Candidates
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = def.DefaultDuration
	}
	if cfg.DraftAttempts <= 0 {
		cfg.DraftAttempts = def.DraftAttempts
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		sessions:  sessions,
		lyricist:  lyricist,
		composer:  composer,
		annotator: NewAnnotator(),
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string][]task),
	}
}

// HandleMessage queues processing of the latest user message of a session.
func (d *Driver) HandleMessage(sessionID string) bool {
	return d.enqueue(sessionID, d.onMessage)
}

// HandleReview queues processing of a recorded review of version.
func (d *Driver) HandleReview(sessionID string, version int) bool {
	return d.enqueue(sessionID, func(ctx context.Context, id string) error {
		return d.onReview(ctx, id, version)
	})
}

// Pending returns the number of sessions with queued or running work.
func (d *Driver) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close cancels in-flight work and waits for every worker to return.
func (d *Driver) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Driver) enqueue(id string, t task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	q, running := d.queues[id]
	d.queues[id] = append(q, t)
	if !running {
		d.wg.Add(1)
		go d.run(id)
	}
	return true
}

func (d *Driver) run(id string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[id]
		if len(q) == 0 {
			delete(d.queues, id)
			d.mu.Unlock()
			return
		}
		t := q[0]
		d.queues[id] = q[1:]
		d.mu.Unlock()

		if err := t(d.ctx, id); err != nil {
			d.handleError(id, err)
		}
	}
}

// handleError fails the session for collaborator errors. Tracker rejections
// mean the session moved on or was reaped and are only logged.
func (d *Driver) handleError(id string, err error) {
	switch {
	case d.ctx.Err() != nil:
		d.logger.Info("Pipeline work cancelled", "session_id", id, "error", err)
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrVersionNotFound),
		errors.Is(err, domain.ErrInvalidProgress):
		d.logger.Warn("Pipeline step rejected", "session_id", id, "error", err)
	default:
		d.logger.Error("Pipeline step failed", "session_id", id, "error", err)
		if ferr := d.sessions.Fail(id, err.Error()); ferr != nil {
			d.logger.Warn("Failed to mark session failed", "session_id", id, "error", ferr)
		}
	}
}

func (d *Driver) onMessage(ctx context.Context, id string) error {
	snap, err := d.sessions.GetSnapshot(id)
	if err != nil {
		return err
	}
	switch snap.Stage {
	case domain.StageInitializing:
		if err := d.sessions.AdvanceStage(id, domain.StageCollectingRequirements, "", progressCollecting); err != nil {
			return err
		}
	case domain.StageCollectingRequirements:
	case domain.StageReviewingLyrics:
		return d.reviewByMessage(ctx, id, snap)
	default:
		return d.statusReply(id, snap.Stage)
	}

	if snap, err = d.sessions.GetSnapshot(id); err != nil {
		return err
	}
	ext, err := d.lyricist.ExtractRequirement(ctx, snap.ConversationHistory)
	if err != nil {
		return fmt.Errorf("requirement analysis failed: %w", err)
	}
	merged, err := d.sessions.MergeRequirement(id, ext.Requirement)
	if err != nil {
		return err
	}
	d.debugLog(id, "Requirement updated", map[string]any{
		"style": merged.Style,
		"mood":  merged.Mood,
		"theme": merged.Theme,
	})
	if ext.Reply != "" {
		if err := d.sessions.AppendConversationTurn(id, domain.ConversationTurn{Role: domain.RoleAssistant, Content: ext.Reply}); err != nil {
			return err
		}
	}

	if err := d.sessions.AdvanceStage(id, domain.StageGeneratingLyrics, "", progressDrafting); err != nil {
		return err
	}
	return d.draft(ctx, id, "", "")
}

// reviewByMessage treats a chat message in reviewing_lyrics as the review of
// the latest version: approval words approve it, anything else is feedback.
// A message sent before that version was presented is not a review of it.
func (d *Driver) reviewByMessage(ctx context.Context, id string, snap *domain.Session) error {
	if len(snap.LyricsVersions) == 0 {
		return d.statusReply(id, snap.Stage)
	}
	latest := snap.LyricsVersions[len(snap.LyricsVersions)-1]
	msg, at := lastUserTurn(snap.ConversationHistory)
	if at < 0 || at < presentedAt(snap.ConversationHistory, latest.Version) {
		d.debugLog(id, fmt.Sprintf("Message predates lyrics version %d; not taken as its review", latest.Version), nil)
		return nil
	}

	approved := IsApproval(msg)
	var feedback *string
	if !approved {
		feedback = &msg
	}
	if _, err := d.sessions.ReviewLyrics(id, latest.Version, approved, feedback); err != nil {
		return err
	}
	d.debugLog(id, "Review taken from chat message", map[string]any{
		"lyrics_version": latest.Version,
		"approved":       approved,
	})
	return d.onReview(ctx, id, latest.Version)
}

// statusReply answers a message that arrives while the session cannot take
// input. Terminal sessions refuse conversation turns, so they get a log entry.
func (d *Driver) statusReply(id string, stage domain.Stage) error {
	var reply string
	switch stage {
	case domain.StageGeneratingLyrics:
		reply = "I'm still writing the lyrics. You'll be able to review them in a moment."
	case domain.StageReviewingLyrics:
		reply = "There are no lyrics to review yet. Tell me about the song you'd like."
	case domain.StagePreparingGeneration, domain.StageGeneratingMusic, domain.StageEvaluatingResults:
		reply = "Your music is being generated, please wait..."
	default:
		d.debugLog(id, fmt.Sprintf("Message recorded; stage %s does not take input", stage), nil)
		return nil
	}
	return d.sessions.AppendConversationTurn(id, domain.ConversationTurn{Role: domain.RoleAssistant, Content: reply})
}

func (d *Driver) onReview(ctx context.Context, id string, version int) error {
	snap, err := d.sessions.GetSnapshot(id)
	if err != nil {
		return err
	}
	if snap.Stage != domain.StageReviewingLyrics {
		return d.sessions.AppendDebugLog(id, "INFO",
			fmt.Sprintf("Review of version %d recorded; stage %s does not take reviews", version, snap.Stage), nil)
	}
	v, ok := snap.LyricsVersion(version)
	if !ok {
		return fmt.Errorf("%w: version %d", domain.ErrVersionNotFound, version)
	}

	if !v.Approved {
		feedback := ""
		if v.Feedback != nil {
			feedback = *v.Feedback
		}
		if err := d.sessions.AdvanceStage(id, domain.StageGeneratingLyrics, "Revising lyrics", progressDrafting); err != nil {
			return err
		}
		return d.draft(ctx, id, v.Content, feedback)
	}
	return d.compose(ctx, id, snap, v)
}

// draft writes a new lyrics version and hands it to the user for review.
func (d *Driver) draft(ctx context.Context, id, previous, feedback string) error {
	snap, err := d.sessions.GetSnapshot(id)
	if err != nil {
		return err
	}
	req := requirementOf(snap)
	dreq := DraftRequest{
		Requirement: req,
		Duration:    d.duration(snap),
		Language:    snap.Config.Language,
		Previous:    previous,
		Feedback:    feedback,
	}

	var lyrics string
	for attempt := 1; ; attempt++ {
		lyrics, err = d.lyricist.Draft(ctx, dreq)
		if err == nil {
			break
		}
		if attempt >= d.cfg.DraftAttempts || ctx.Err() != nil {
			return fmt.Errorf("lyrics generation failed: %w", err)
		}
		if rerr := d.sessions.ReportError(id, fmt.Sprintf("Lyrics draft attempt %d failed, retrying: %v", attempt, err)); rerr != nil {
			return rerr
		}
	}
	if err := d.sessions.UpdateProgress(id, "Lyrics drafted", progressDrafted); err != nil {
		return err
	}

	var annotated *string
	if snap.Config.Phonetic && IsChinese(firstNonEmpty(snap.Config.Language, req.Language)) {
		if out, ok := d.annotator.Annotate(lyrics); ok {
			annotated = &out
			d.debugLog(id, "Added pinyin annotation to lyrics", nil)
		}
	}

	v, err := d.sessions.AddLyricsVersion(id, lyrics, annotated)
	if err != nil {
		return err
	}
	reply := fmt.Sprintf("Here is version %d of the lyrics. Approve it to start composing, or tell me what to change.\n\n%s", v.Version, lyrics)
	if err := d.sessions.AppendConversationTurn(id, domain.ConversationTurn{
		Role:     domain.RoleAssistant,
		Content:  reply,
		Metadata: map[string]any{"lyrics_version": v.Version},
	}); err != nil {
		return err
	}
	return d.sessions.AdvanceStage(id, domain.StageReviewingLyrics, "", progressReviewing)
}

// compose synthesizes audio for the approved version and completes the session.
func (d *Driver) compose(ctx context.Context, id string, snap *domain.Session, v domain.LyricsVersion) error {
	if err := d.sessions.AdvanceStage(id, domain.StagePreparingGeneration, "", progressPreparing); err != nil {
		return err
	}

	req := requirementOf(snap)
	duration := d.duration(snap)
	lyrics := v.Content
	if v.AnnotatedContent != nil {
		lyrics = *v.AnnotatedContent
	}
	creq := ComposeRequest{
		Prompt:     StylePrompt(req, snap.Config.Language),
		Lyrics:     lyrics,
		Duration:   duration,
		Candidates: d.cfg.Candidates,
		Schedule:   GuidanceSchedule(req.Style),
	}
	d.debugLog(id, "Synthesis parameters prepared", map[string]any{
		"prompt":     creq.Prompt,
		"duration":   creq.Duration,
		"candidates": creq.Candidates,
	})

	if err := d.sessions.AdvanceStage(id, domain.StageGeneratingMusic, "", progressComposing); err != nil {
		return err
	}
	comp, err := d.composer.Compose(ctx, creq)
	if err != nil {
		return fmt.Errorf("music generation failed: %w", err)
	}

	if err := d.sessions.AdvanceStage(id, domain.StageEvaluatingResults, "", progressEvaluating); err != nil {
		return err
	}
	files := RankCandidates(comp, duration)
	if len(files) == 0 {
		return errNoAudio
	}

	meta := maps.Clone(comp.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta["prompt"] = creq.Prompt
	meta["lyrics_version"] = v.Version
	if comp.RequestID != "" {
		meta["request_id"] = comp.RequestID
	}
	return d.sessions.Complete(id, "", domain.Result{
		AudioFiles:  files,
		FinalLyrics: v.Content,
		Metadata:    meta,
	})
}

// debugLog records a pipeline note. The session may have been reaped in the
// meantime, which is not worth failing the step for.
func (d *Driver) debugLog(id, message string, metadata map[string]any) {
	if err := d.sessions.AppendDebugLog(id, "INFO", message, metadata); err != nil {
		d.logger.Debug("Failed to append debug log", "session_id", id, "message", message, "error", err)
	}
}

func (d *Driver) duration(snap *domain.Session) float64 {
	if snap.UserRequirement != nil && snap.UserRequirement.Duration > 0 {
		return snap.UserRequirement.Duration
	}
	if snap.Config.Duration > 0 {
		return snap.Config.Duration
	}
	return d.cfg.DefaultDuration
}

func requirementOf(snap *domain.Session) domain.UserRequirement {
	if snap.UserRequirement == nil {
		return domain.UserRequirement{}
	}
	return snap.UserRequirement.Clone()
}

var (
	approvalPhrases = []string{
		"满意", "好的", "可以", "开始生成", "没问题",
		"approve", "looks good", "sounds good", "go ahead", "start generating", "perfect", "love it",
	}
	negations = []string{"不", "没有", "别", "not ", "n't", "don't", "no,"}
)

// IsApproval reports whether a chat message accepts the lyrics under review.
// Negated phrasing ("不满意", "not good") is never an approval.
func IsApproval(msg string) bool {
	m := strings.ToLower(strings.TrimSpace(msg))
	if m == "ok" || m == "okay" || m == "yes" || m == "lgtm" {
		return true
	}
	for _, n := range negations {
		if strings.Contains(m, n) {
			return strings.Contains(m, "没问题")
		}
	}
	for _, p := range approvalPhrases {
		if strings.Contains(m, p) {
			return true
		}
	}
	return false
}

func lastUserTurn(history []domain.ConversationTurn) (string, int) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[i].Content, i
		}
	}
	return "", -1
}

// presentedAt returns the index of the assistant turn that presented version,
// or -1 when there is none.
func presentedAt(history []domain.ConversationTurn, version int) int {
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role != domain.RoleAssistant {
			continue
		}
		switch v := t.Metadata["lyrics_version"].(type) {
		case int:
			if v == version {
				return i
			}
		case float64:
			if int(v) == version {
				return i
			}
		}
	}
	return -1
}
