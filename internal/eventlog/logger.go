// Package eventlog writes every published session event to a per-session
// NDJSON file through a bounded asynchronous queue.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ashureev/songsync/internal/events"
)

// Config configures the event log.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Logger is an events.Publisher that appends each event to <Dir>/<session_id>.ndjson.
type Logger struct {
	dir    string
	queue  chan events.Event
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against Publish racing Close
	closed    bool
	done      chan struct{}
}

type noopLogger struct{}

func (noopLogger) Publish(events.Event) {}
func (noopLogger) Close() error         { return nil }

func (noopLogger) History(string, events.Kind, int) ([]events.Event, error) {
	return nil, ErrDisabled
}

// Publisher is the event log as seen by the server: a publisher that can be
// read back and must be closed.
type Publisher interface {
	events.Publisher
	History(sessionID string, kind events.Kind, limit int) ([]events.Event, error)
	Close() error
}

// New creates the event log. A disabled config yields a no-op publisher.
func New(cfg Config, logger *slog.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return noopLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, errors.New("event log directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}

	l := &Logger{
		dir:    cfg.Dir,
		queue:  make(chan events.Event, cfg.QueueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Publish enqueues ev without blocking. Events are dropped when the queue is full.
func (l *Logger) Publish(ev events.Event) {
	if ev.Kind == events.KindPing {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- ev:
	default:
		l.logger.Warn("Event log queue full, dropping event",
			"session_id", ev.SessionID,
			"type", ev.Kind,
			"seq", ev.Seq,
		)
	}
}

// Close drains the queue and stops the writer.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.queue)
		l.mu.Unlock()
	})
	<-l.done
	return nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("Failed to write event log line", "session_id", ev.SessionID, "error", err)
		}
	}
}

func (l *Logger) write(ev events.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	f, err := os.OpenFile(l.path(ev.SessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Debug("Failed to close event log file", "error", closeErr)
		}
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// path keeps session ids from escaping the log directory.
func (l *Logger) path(sessionID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, sessionID)
	if name == "" {
		name = "_"
	}
	return filepath.Join(l.dir, name+".ndjson")
}
