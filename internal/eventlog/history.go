package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ashureev/songsync/internal/events"
	"github.com/ashureev/songsync/internal/ring"
)

var (
	// ErrDisabled is returned by History when event logging is off.
	ErrDisabled = errors.New("event log disabled")
	// ErrNoHistory is returned when nothing was ever logged for a session.
	ErrNoHistory = errors.New("no event history")
)

const maxLineSize = 4 << 20

// History returns the last limit logged events of a session in seq order,
// optionally only those of kind. Events still queued are not visible yet.
func (l *Logger) History(sessionID string, kind events.Kind, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("history limit must be > 0, got %d", limit)
	}
	f, err := os.Open(l.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Debug("Failed to close event log file", "error", closeErr)
		}
	}()

	last := ring.New[events.Event](limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		var ev events.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			// A line being appended concurrently can be cut short.
			l.logger.Debug("Skipping unreadable event log line", "session_id", sessionID, "error", err)
			continue
		}
		// Sanitized file names may collide; the id inside the line decides.
		if ev.SessionID != sessionID || (kind != "" && ev.Kind != kind) {
			continue
		}
		last.Push(ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return last.Items(), nil
}
