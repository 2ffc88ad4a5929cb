// Package domain contains core domain types for the songsync service.
package domain

import (
	"maps"
	"slices"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// DebugLogCapacity is the number of debug log entries a session retains.
const DebugLogCapacity = 50

// GenerationConfig carries generation preferences supplied at session start.
// The tracker passes it through to the pipeline untouched.
type GenerationConfig struct {
	Duration float64 `json:"duration"`
	Language string  `json:"language"`
	Phonetic bool    `json:"phonetic"`
}

// ConversationTurn is a single turn of the conversation.
type ConversationTurn struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LyricsVersion is one drafted set of lyrics.
type LyricsVersion struct {
	Version          int       `json:"version"`
	Content          string    `json:"content"`
	Approved         bool      `json:"approved"`
	Feedback         *string   `json:"feedback"`
	CreatedAt        time.Time `json:"created_at"`
	AnnotatedContent *string   `json:"annotated_content"`
}

// DebugLogEntry is one diagnostic message attached to a session.
type DebugLogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AudioFile references one generated audio artifact.
type AudioFile struct {
	URL      string  `json:"url"`
	Filename string  `json:"filename"`
	Duration float64 `json:"duration"`
	Score    float64 `json:"score"`
}

// Result is the final output of a completed session.
type Result struct {
	AudioFiles  []AudioFile    `json:"audio_files"`
	FinalLyrics string         `json:"final_lyrics"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Session is the canonical, server-owned record of one generation job.
type Session struct {
	ID                  string             `json:"session_id"`
	Stage               Stage              `json:"stage"`
	StageDescription    string             `json:"stage_description"`
	Progress            int                `json:"progress"`
	Config              GenerationConfig   `json:"config"`
	ConversationHistory []ConversationTurn `json:"conversation_history"`
	UserRequirement     *UserRequirement   `json:"user_requirement"`
	LyricsVersions      []LyricsVersion    `json:"lyrics_versions"`
	DebugLogs           []DebugLogEntry    `json:"debug_logs"`
	Result              *Result            `json:"result"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
	// Seq is the sequence number of the last event emitted for the session.
	// Events with a seq at or below it are already reflected in the record.
	Seq uint64 `json:"seq"`
}

// IsTerminal reports whether the session has reached completed or failed.
func (s *Session) IsTerminal() bool {
	return s.Stage.IsTerminal()
}

// Settled reports whether no further events will be emitted for the
// session's stream: it failed, or it completed and its result is stored.
// A session advanced into completed whose result is still pending has one
// more event, complete, to come.
func (s *Session) Settled() bool {
	switch s.Stage {
	case StageFailed:
		return true
	case StageCompleted:
		return s.Result != nil
	default:
		return false
	}
}

// LyricsVersion returns the version with the given number.
func (s *Session) LyricsVersion(version int) (LyricsVersion, bool) {
	for _, v := range s.LyricsVersions {
		if v.Version == version {
			return v, true
		}
	}
	return LyricsVersion{}, false
}

// NextLyricsVersion returns max existing version + 1, or 1 if there is none.
func (s *Session) NextLyricsVersion() int {
	next := 1
	for _, v := range s.LyricsVersions {
		if v.Version >= next {
			next = v.Version + 1
		}
	}
	return next
}

// FinalLyrics returns the content of the latest approved version, falling back
// to the first version when nothing was approved.
func (s *Session) FinalLyrics() string {
	for i := len(s.LyricsVersions) - 1; i >= 0; i-- {
		if s.LyricsVersions[i].Approved {
			return s.LyricsVersions[i].Content
		}
	}
	if len(s.LyricsVersions) > 0 {
		return s.LyricsVersions[0].Content
	}
	return ""
}

// Clone returns a deep copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	c := *s
	c.ConversationHistory = make([]ConversationTurn, len(s.ConversationHistory))
	for i, t := range s.ConversationHistory {
		t.Metadata = maps.Clone(t.Metadata)
		c.ConversationHistory[i] = t
	}
	if s.UserRequirement != nil {
		r := s.UserRequirement.Clone()
		c.UserRequirement = &r
	}
	c.LyricsVersions = make([]LyricsVersion, len(s.LyricsVersions))
	for i, v := range s.LyricsVersions {
		c.LyricsVersions[i] = v.Clone()
	}
	c.DebugLogs = make([]DebugLogEntry, len(s.DebugLogs))
	for i, e := range s.DebugLogs {
		e.Metadata = maps.Clone(e.Metadata)
		c.DebugLogs[i] = e
	}
	if s.Result != nil {
		r := s.Result.Clone()
		c.Result = &r
	}
	return &c
}

// Clone returns a copy of v with its own pointer fields.
func (v LyricsVersion) Clone() LyricsVersion {
	if v.Feedback != nil {
		f := *v.Feedback
		v.Feedback = &f
	}
	if v.AnnotatedContent != nil {
		a := *v.AnnotatedContent
		v.AnnotatedContent = &a
	}
	return v
}

// Clone returns a copy of r with its own slices and maps.
func (r Result) Clone() Result {
	r.AudioFiles = slices.Clone(r.AudioFiles)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// SessionSummary is the list view of a session.
type SessionSummary struct {
	ID        string       `json:"session_id"`
	Stage     Stage        `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	Summary   SummaryStats `json:"summary"`
}

// SummaryStats condenses the requirement and result of a session.
type SummaryStats struct {
	Style      string  `json:"style,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	AudioCount int     `json:"audio_count"`
}

// Summarize builds the list view of s.
func (s *Session) Summarize() SessionSummary {
	sum := SessionSummary{ID: s.ID, Stage: s.Stage, CreatedAt: s.CreatedAt}
	if s.UserRequirement != nil {
		sum.Summary.Style = s.UserRequirement.Style
		sum.Summary.Duration = s.UserRequirement.Duration
	}
	if s.Result != nil {
		sum.Summary.AudioCount = len(s.Result.AudioFiles)
	}
	return sum
}
