// Package client keeps a local replica of one session in sync with a server.
//
// Store is the replica: it hydrates from a snapshot and applies delta events
// idempotently. Syncer runs the subscribe, snapshot, apply loop against a
// Source and reconnects when the stream drops.
package client

import (
	"maps"
	"sync"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/ring"
)

// Effect is follow-up work the caller must do after applying an event.
type Effect int

const (
	// EffectNone needs no follow-up.
	EffectNone Effect = iota
	// EffectFetchResult means the result is ready to be pulled.
	EffectFetchResult
	// EffectResnapshot means the replica cannot trust its state and must be
	// hydrated from a fresh snapshot.
	EffectResnapshot
)

func (e Effect) String() string {
	switch e {
	case EffectFetchResult:
		return "fetch_result"
	case EffectResnapshot:
		return "resnapshot"
	default:
		return "none"
	}
}

// View is the derived, read-only state a UI renders.
type View struct {
	SessionID    string
	Stage        domain.Stage
	Description  string
	Progress     int
	Connected    bool
	LastError    string
	ShowDebug    bool
	Conversation []domain.ConversationTurn
	Lyrics       []domain.LyricsVersion
	Requirement  *domain.UserRequirement
	DebugLogs    []domain.DebugLogEntry
	Result       *domain.Result
}

// Terminal reports whether the replica has reached completed or failed.
func (v View) Terminal() bool {
	return v.Stage.IsTerminal()
}

// Settled reports whether the replica holds everything the session will
// ever produce: it failed, or it completed and the result is present.
func (v View) Settled() bool {
	switch v.Stage {
	case domain.StageFailed:
		return true
	case domain.StageCompleted:
		return v.Result != nil
	default:
		return false
	}
}

// Store is a client-side replica of one session.
type Store struct {
	mu       sync.RWMutex
	hydrated bool
	seq      uint64
	view     View
	logs     *ring.Buffer[domain.DebugLogEntry]
	// transportErr marks LastError as set by SetError rather than by an
	// error event from the session.
	transportErr bool
}

// NewStore creates an empty replica keeping at most logCap debug entries.
// logCap is clamped to the server's capacity.
func NewStore(logCap int) *Store {
	if logCap <= 0 || logCap > domain.DebugLogCapacity {
		logCap = domain.DebugLogCapacity
	}
	return &Store{logs: ring.New[domain.DebugLogEntry](logCap)}
}

// Hydrate replaces the replicated state with snap. Local UI state
// (connection flag, last error, debug visibility) is kept.
func (s *Store) Hydrate(snap *domain.Session) {
	c := snap.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrated = true
	s.seq = c.Seq
	s.view.SessionID = c.ID
	s.view.Stage = c.Stage
	s.view.Description = c.StageDescription
	s.view.Progress = c.Progress
	s.view.Conversation = c.ConversationHistory
	s.view.Lyrics = c.LyricsVersions
	s.view.Requirement = c.UserRequirement
	s.view.Result = c.Result
	s.logs.Reset()
	for _, l := range c.DebugLogs {
		s.logs.Push(l)
	}
}

// Apply folds one event into the replica and returns the follow-up it needs.
// Events already reflected by the hydrated snapshot are ignored, and a
// sequence gap asks for a fresh snapshot.
func (s *Store) Apply(ev events.Event) Effect {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Kind {
	case events.KindConnected:
		s.view.Connected = true
		return EffectNone
	case events.KindPing:
		return EffectNone
	}

	if !s.hydrated || (ev.SessionID != "" && ev.SessionID != s.view.SessionID) {
		return EffectResnapshot
	}
	if ev.Seq > 0 {
		if ev.Seq <= s.seq {
			return EffectNone
		}
		if ev.Seq > s.seq+1 {
			return EffectResnapshot
		}
		s.seq = ev.Seq
	}

	switch ev.Kind {
	case events.KindChatMessage:
		if ev.Message != nil {
			turn := *ev.Message
			turn.Metadata = maps.Clone(turn.Metadata)
			s.view.Conversation = append(s.view.Conversation, turn)
		}
	case events.KindStateUpdate:
		if ev.State != nil {
			s.view.Stage = ev.State.Stage
			s.view.Description = ev.State.Description
			s.view.Progress = ev.State.Progress
		}
	case events.KindDebugLog:
		if ev.Log != nil {
			l := *ev.Log
			l.Metadata = maps.Clone(l.Metadata)
			s.logs.Push(l)
		}
	case events.KindError:
		if ev.Error != nil {
			s.view.LastError = ev.Error.Message
			s.transportErr = false
		}
	case events.KindLyricsVersion:
		if ev.Lyrics != nil {
			s.upsertLyrics(ev.Lyrics.Clone())
		}
	case events.KindRequirementUpdate:
		if ev.Requirement != nil {
			r := ev.Requirement.Clone()
			s.view.Requirement = &r
		}
	case events.KindComplete:
		if s.view.Result == nil {
			return EffectFetchResult
		}
	}
	return EffectNone
}

func (s *Store) upsertLyrics(v domain.LyricsVersion) {
	for i := range s.view.Lyrics {
		if s.view.Lyrics[i].Version == v.Version {
			s.view.Lyrics[i] = v
			return
		}
	}
	s.view.Lyrics = append(s.view.Lyrics, v)
}

// SetResult stores a fetched result.
func (s *Store) SetResult(r *domain.Result) {
	if r == nil {
		return
	}
	c := r.Clone()
	s.mu.Lock()
	s.view.Result = &c
	s.mu.Unlock()
}

// SetConnected records whether a live stream is open.
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	s.view.Connected = connected
	s.mu.Unlock()
}

// SetError records a transport-level error for display.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.view.LastError = msg
	s.transportErr = true
	s.mu.Unlock()
}

// ClearTransportError drops a LastError recorded by SetError. Errors the
// session itself reported are kept.
func (s *Store) ClearTransportError() {
	s.mu.Lock()
	if s.transportErr {
		s.view.LastError = ""
		s.transportErr = false
	}
	s.mu.Unlock()
}

// ToggleDebug flips debug panel visibility and returns the new value.
func (s *Store) ToggleDebug() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view.ShowDebug = !s.view.ShowDebug
	return s.view.ShowDebug
}

// Hydrated reports whether a snapshot has been applied.
func (s *Store) Hydrated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hydrated
}

// View returns a copy of the current state.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := s.view
	v.Conversation = make([]domain.ConversationTurn, len(s.view.Conversation))
	for i, t := range s.view.Conversation {
		t.Metadata = maps.Clone(t.Metadata)
		v.Conversation[i] = t
	}
	v.Lyrics = make([]domain.LyricsVersion, len(s.view.Lyrics))
	for i, l := range s.view.Lyrics {
		v.Lyrics[i] = l.Clone()
	}
	if s.view.Requirement != nil {
		r := s.view.Requirement.Clone()
		v.Requirement = &r
	}
	if s.view.Result != nil {
		r := s.view.Result.Clone()
		v.Result = &r
	}
	v.DebugLogs = s.logs.Items()
	for i := range v.DebugLogs {
		v.DebugLogs[i].Metadata = maps.Clone(v.DebugLogs[i].Metadata)
	}
	return v
}
