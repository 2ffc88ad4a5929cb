// Package events defines session delta events and fans them out to subscribers.
package events

import (
	"time"

	"github.com/ashureev/songsync/internal/domain"
)

// Kind names the single mutation a delta event describes.
type Kind string

const (
	// KindConnected acknowledges a subscription; it carries no state.
	KindConnected Kind = "connected"
	// KindChatMessage carries one conversation turn.
	KindChatMessage Kind = "chat_message"
	// KindStateUpdate carries the stage/description/progress triple.
	KindStateUpdate Kind = "state_update"
	// KindDebugLog carries one debug log entry.
	KindDebugLog Kind = "debug_log"
	// KindError carries a user-visible error; the stream stays open.
	KindError Kind = "error"
	// KindComplete signals the result is fetchable.
	KindComplete Kind = "complete"
	// KindLyricsVersion carries one full lyrics version after it is added or reviewed.
	KindLyricsVersion Kind = "lyrics_version"
	// KindRequirementUpdate carries the merged user requirement.
	KindRequirementUpdate Kind = "requirement_update"
	// KindPing is a transport keepalive and never reaches the tracker.
	KindPing Kind = "ping"
)

// Recorded reports whether k is a delta the tracker emits, as opposed to a
// transport frame.
func (k Kind) Recorded() bool {
	switch k {
	case KindChatMessage, KindStateUpdate, KindDebugLog, KindError,
		KindComplete, KindLyricsVersion, KindRequirementUpdate:
		return true
	}
	return false
}

// StateUpdate always moves stage, description and progress together.
type StateUpdate struct {
	Stage       domain.Stage `json:"stage"`
	Description string       `json:"description"`
	Progress    int          `json:"progress"`
}

// ErrorInfo is a user-visible error.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// CompleteInfo accompanies KindComplete. The result itself is pulled separately.
type CompleteInfo struct {
	AudioCount int `json:"audio_count"`
}

// Event is one delta for a session. Exactly one payload field matching Kind is set.
// Payloads are shared between subscribers and must be treated as read-only.
type Event struct {
	Kind      Kind      `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	Message     *domain.ConversationTurn `json:"message,omitempty"`
	State       *StateUpdate             `json:"state,omitempty"`
	Log         *domain.DebugLogEntry    `json:"log,omitempty"`
	Error       *ErrorInfo               `json:"error,omitempty"`
	Lyrics      *domain.LyricsVersion    `json:"lyrics,omitempty"`
	Requirement *domain.UserRequirement  `json:"requirement,omitempty"`
	Complete    *CompleteInfo            `json:"complete,omitempty"`
}

// EndsStream reports whether no further events follow e for its session.
func (e Event) EndsStream() bool {
	if e.Kind == KindComplete {
		return true
	}
	return e.Kind == KindStateUpdate && e.State != nil && e.State.Stage == domain.StageFailed
}

// Publisher receives every event the tracker emits.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish calls f(ev).
func (f PublisherFunc) Publish(ev Event) { f(ev) }

type tee []Publisher

func (t tee) Publish(ev Event) {
	for _, p := range t {
		p.Publish(ev)
	}
}

// Tee returns a Publisher that forwards to each non-nil publisher in order.
func Tee(pubs ...Publisher) Publisher {
	out := make(tee, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
