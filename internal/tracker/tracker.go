// Package tracker owns the canonical session records and is the only place
// they are mutated. Every mutation validates, applies and emits exactly one
// delta event (two for the combined operations) under the session's lock.
package tracker

import (
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/ring"
)

// Tracker is the session registry and state machine.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
	onReap func(sessionID string)
}

// entry guards one session. Reads and writes of rec, logs and seq hold mu.
type entry struct {
	mu   sync.Mutex
	rec  domain.Session // DebugLogs is materialized from logs on snapshot
	logs *ring.Buffer[domain.DebugLogEntry]
	seq  uint64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIDGenerator overrides session id allocation.
func WithIDGenerator(newID func() string) Option {
	return func(t *Tracker) { t.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// WithReapHook registers fn to run after a session is removed from the registry.
func WithReapHook(fn func(sessionID string)) Option {
	return func(t *Tracker) { t.onReap = fn }
}

// New creates an empty tracker that emits every delta to pub.
func New(pub events.Publisher, opts ...Option) *Tracker {
	if pub == nil {
		pub = events.Tee()
	}
	t := &Tracker{
		sessions: make(map[string]*entry),
		pub:      pub,
		logger:   slog.Default(),
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CreateSession allocates a new session in the initializing stage.
func (t *Tracker) CreateSession(cfg domain.GenerationConfig) *domain.Session {
	now := t.now()
	e := &entry{
		rec: domain.Session{
			ID:                  t.newID(),
			Stage:               domain.StageInitializing,
			StageDescription:    domain.StageInitializing.Description(),
			Config:              cfg,
			ConversationHistory: []domain.ConversationTurn{},
			LyricsVersions:      []domain.LyricsVersion{},
			CreatedAt:           now,
			UpdatedAt:           now,
		},
		logs: ring.New[domain.DebugLogEntry](domain.DebugLogCapacity),
	}

	t.mu.Lock()
	t.sessions[e.rec.ID] = e
	t.mu.Unlock()

	t.logger.Info("Session created", "session_id", e.rec.ID, "language", cfg.Language, "duration", cfg.Duration)
	return e.snapshot()
}

// AdvanceStage moves the session along one edge of the stage graph. An empty
// description falls back to the stage default. Progress may only drop on a
// restart edge.
func (t *Tracker) AdvanceStage(id string, to domain.Stage, description string, progress int) error {
	return t.mutate(id, func(e *entry) error {
		from := e.rec.Stage
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		if !domain.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, to)
		}
		if err := checkProgress(progress); err != nil {
			return err
		}
		if progress < e.rec.Progress && !domain.IsRestart(from, to) {
			return fmt.Errorf("%w: %d is below current %d", domain.ErrInvalidProgress, progress, e.rec.Progress)
		}

		t.setState(e, to, description, progress)
		t.logger.Info("Stage advanced", "session_id", id, "from", from, "to", to, "progress", progress)
		t.emitState(e)
		return nil
	})
}

// UpdateProgress updates progress and, when non-empty, the description
// within the current stage.
func (t *Tracker) UpdateProgress(id, description string, progress int) error {
	return t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		if err := checkProgress(progress); err != nil {
			return err
		}
		if progress < e.rec.Progress {
			return fmt.Errorf("%w: %d is below current %d", domain.ErrInvalidProgress, progress, e.rec.Progress)
		}
		if description == "" {
			description = e.rec.StageDescription
		}
		t.setState(e, e.rec.Stage, description, progress)
		t.emitState(e)
		return nil
	})
}

// AppendConversationTurn appends turn in arrival order.
func (t *Tracker) AppendConversationTurn(id string, turn domain.ConversationTurn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("invalid role %q", turn.Role)
	}
	return t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		if turn.Timestamp.IsZero() {
			turn.Timestamp = t.now()
		}
		turn.Metadata = maps.Clone(turn.Metadata)
		e.rec.ConversationHistory = append(e.rec.ConversationHistory, turn)
		e.rec.UpdatedAt = t.now()

		out := turn
		out.Metadata = maps.Clone(turn.Metadata)
		t.emit(e, events.Event{Kind: events.KindChatMessage, Message: &out})
		return nil
	})
}

// AddLyricsVersion appends a new version numbered max existing + 1.
func (t *Tracker) AddLyricsVersion(id, content string, annotated *string) (domain.LyricsVersion, error) {
	var added domain.LyricsVersion
	err := t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		v := domain.LyricsVersion{
			Version:   e.rec.NextLyricsVersion(),
			Content:   content,
			CreatedAt: t.now(),
		}
		if annotated != nil {
			a := *annotated
			v.AnnotatedContent = &a
		}
		e.rec.LyricsVersions = append(e.rec.LyricsVersions, v)
		e.rec.UpdatedAt = v.CreatedAt

		added = v.Clone()
		out := v.Clone()
		t.emit(e, events.Event{Kind: events.KindLyricsVersion, Lyrics: &out})
		return nil
	})
	return added, err
}

// ReviewLyrics records approval and feedback on an existing version.
func (t *Tracker) ReviewLyrics(id string, version int, approved bool, feedback *string) (domain.LyricsVersion, error) {
	var reviewed domain.LyricsVersion
	err := t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		idx := -1
		for i := range e.rec.LyricsVersions {
			if e.rec.LyricsVersions[i].Version == version {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: version %d", domain.ErrVersionNotFound, version)
		}

		v := &e.rec.LyricsVersions[idx]
		v.Approved = approved
		v.Feedback = nil
		if feedback != nil {
			f := *feedback
			v.Feedback = &f
		}
		e.rec.UpdatedAt = t.now()

		reviewed = v.Clone()
		out := v.Clone()
		t.emit(e, events.Event{Kind: events.KindLyricsVersion, Lyrics: &out})
		return nil
	})
	return reviewed, err
}

// AppendDebugLog pushes an entry onto the session's bounded log. It is
// accepted in every stage, terminal ones included. Once the session is
// settled its streams have ended, so later entries are recorded without an
// event and reach clients through snapshots only.
func (t *Tracker) AppendDebugLog(id, level, message string, metadata map[string]any) error {
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t.appendLog(e, level, message, metadata)
	return nil
}

// MergeRequirement fills requirement fields from req. Fields already set are
// never cleared. An event is emitted only when something changed.
func (t *Tracker) MergeRequirement(id string, req domain.UserRequirement) (domain.UserRequirement, error) {
	var merged domain.UserRequirement
	err := t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		if e.rec.UserRequirement == nil {
			e.rec.UserRequirement = &domain.UserRequirement{}
		}
		changed := e.rec.UserRequirement.Merge(req)
		merged = e.rec.UserRequirement.Clone()
		if !changed {
			return nil
		}
		e.rec.UpdatedAt = t.now()

		out := e.rec.UserRequirement.Clone()
		t.emit(e, events.Event{Kind: events.KindRequirementUpdate, Requirement: &out})
		return nil
	})
	return merged, err
}

// SetResult stores the result of a session that has just entered completed.
// It fails in any other stage and when a result is already set.
func (t *Tracker) SetResult(id string, result domain.Result) error {
	return t.mutate(id, func(e *entry) error {
		if e.rec.Stage != domain.StageCompleted {
			return fmt.Errorf("%w: result requires stage %s, session is %s",
				domain.ErrIllegalTransition, domain.StageCompleted, e.rec.Stage)
		}
		if e.rec.Result != nil {
			return fmt.Errorf("%w: result already set", domain.ErrIllegalTransition)
		}
		t.storeResult(e, result)
		return nil
	})
}

// Complete transitions into completed with progress 100 and stores result
// in one step.
func (t *Tracker) Complete(id, description string, result domain.Result) error {
	return t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		from := e.rec.Stage
		if !domain.CanTransition(from, domain.StageCompleted) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, from, domain.StageCompleted)
		}
		t.setState(e, domain.StageCompleted, description, 100)
		t.logger.Info("Session completed", "session_id", id, "audio_files", len(result.AudioFiles))
		t.emitState(e)
		t.storeResult(e, result)
		return nil
	})
}

// Fail emits message as an error event and then moves the session to failed.
// Progress is left where it was.
func (t *Tracker) Fail(id, message string) error {
	return t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		t.appendLog(e, "ERROR", message, nil)
		t.emit(e, events.Event{Kind: events.KindError, Error: &events.ErrorInfo{Message: message, Code: "GENERATION_FAILED"}})
		t.setState(e, domain.StageFailed, message, e.rec.Progress)
		t.logger.Warn("Session failed", "session_id", id, "error", message)
		t.emitState(e)
		return nil
	})
}

// ReportError surfaces a transient error. The stage is unchanged.
func (t *Tracker) ReportError(id, message string) error {
	return t.mutate(id, func(e *entry) error {
		if err := checkOpen(&e.rec); err != nil {
			return err
		}
		t.appendLog(e, "ERROR", message, nil)
		t.emit(e, events.Event{Kind: events.KindError, Error: &events.ErrorInfo{Message: message}})
		return nil
	})
}

// GetSnapshot returns a fully materialized copy of the session.
func (t *Tracker) GetSnapshot(id string) (*domain.Session, error) {
	e, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

// Result returns the result of a completed session.
func (t *Tracker) Result(id string) (*domain.Result, error) {
	e, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.Stage != domain.StageCompleted || e.rec.Result == nil {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrResultNotReady, e.rec.Stage)
	}
	r := e.rec.Result.Clone()
	return &r, nil
}

// List returns session summaries, newest first, and the total number of sessions.
func (t *Tracker) List(limit, offset int) ([]domain.SessionSummary, int) {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	summaries := make([]domain.SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		summaries = append(summaries, e.rec.Summarize())
		e.mu.Unlock()
	}
	sort.Slice(summaries, func(i, j int) bool {
		if !summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		}
		return summaries[i].ID > summaries[j].ID
	})

	total := len(summaries)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []domain.SessionSummary{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return summaries[offset:end], total
}

// Reap removes a session from the registry. It reports whether it existed.
func (t *Tracker) Reap(id string) bool {
	t.mu.Lock()
	_, ok := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()

	if ok {
		t.logger.Info("Session reaped", "session_id", id)
		if t.onReap != nil {
			t.onReap(id)
		}
	}
	return ok
}

// ReapExpired removes terminal sessions not updated within retention. When
// keep is non-nil it receives each snapshot first; a session whose keep call
// fails stays registered for the next sweep. It returns the number removed.
func (t *Tracker) ReapExpired(retention time.Duration, keep func(*domain.Session) error) int {
	cutoff := t.now().Add(-retention)

	t.mu.RLock()
	entries := make([]*entry, 0, len(t.sessions))
	for _, e := range t.sessions {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	reaped := 0
	for _, e := range entries {
		e.mu.Lock()
		expired := e.rec.IsTerminal() && e.rec.UpdatedAt.Before(cutoff)
		var snap *domain.Session
		if expired {
			snap = e.snapshot()
		}
		e.mu.Unlock()
		if !expired {
			continue
		}

		if keep != nil {
			if err := keep(snap); err != nil {
				t.logger.Warn("Failed to archive expired session, keeping it", "session_id", snap.ID, "error", err)
				continue
			}
		}
		if t.Reap(snap.ID) {
			reaped++
		}
	}
	return reaped
}

// Len returns the number of registered sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) lookup(id string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return e, nil
}

// mutate runs fn under the session lock. fn must leave the record untouched
// when it returns an error.
func (t *Tracker) mutate(id string, fn func(e *entry) error) error {
	e, err := t.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e)
}

func (t *Tracker) setState(e *entry, stage domain.Stage, description string, progress int) {
	if description == "" {
		description = stage.Description()
	}
	e.rec.Stage = stage
	e.rec.StageDescription = description
	e.rec.Progress = progress
	e.rec.UpdatedAt = t.now()
}

func (t *Tracker) storeResult(e *entry, result domain.Result) {
	r := result.Clone()
	if r.FinalLyrics == "" {
		r.FinalLyrics = e.rec.FinalLyrics()
	}
	e.rec.Result = &r
	e.rec.UpdatedAt = t.now()
	t.emit(e, events.Event{Kind: events.KindComplete, Complete: &events.CompleteInfo{AudioCount: len(r.AudioFiles)}})
}

func (t *Tracker) appendLog(e *entry, level, message string, metadata map[string]any) {
	level = strings.ToUpper(strings.TrimSpace(level))
	if level == "" {
		level = "INFO"
	}
	le := domain.DebugLogEntry{
		Timestamp: t.now(),
		Level:     level,
		Message:   message,
		Metadata:  maps.Clone(metadata),
	}
	e.logs.Push(le)
	if e.rec.Settled() {
		return
	}

	out := le
	out.Metadata = maps.Clone(le.Metadata)
	t.emit(e, events.Event{Kind: events.KindDebugLog, Log: &out})
}

func (t *Tracker) emitState(e *entry) {
	t.emit(e, events.Event{Kind: events.KindStateUpdate, State: &events.StateUpdate{
		Stage:       e.rec.Stage,
		Description: e.rec.StageDescription,
		Progress:    e.rec.Progress,
	}})
}

// emit stamps ev and hands it to the publisher. Callers hold e.mu, which
// keeps per-session delivery order equal to mutation order.
func (t *Tracker) emit(e *entry, ev events.Event) {
	e.seq++
	ev.SessionID = e.rec.ID
	ev.Seq = e.seq
	ev.Timestamp = t.now()
	t.pub.Publish(ev)
}

func (e *entry) snapshot() *domain.Session {
	s := e.rec.Clone()
	s.Seq = e.seq
	s.DebugLogs = e.logs.Items()
	for i := range s.DebugLogs {
		s.DebugLogs[i].Metadata = maps.Clone(s.DebugLogs[i].Metadata)
	}
	return s
}

func checkOpen(s *domain.Session) error {
	if s.IsTerminal() {
		return fmt.Errorf("%w: session %s is %s", domain.ErrSessionClosed, s.ID, s.Stage)
	}
	return nil
}

func checkProgress(progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: %d is outside 0-100", domain.ErrInvalidProgress, progress)
	}
	return nil
}
