package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/songsync/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return newSQLite(dbPath)
}

func newSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS archived_sessions (
		session_id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		style TEXT,
		duration REAL,
		audio_count INTEGER DEFAULT 0,
		snapshot_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archived_sessions_created ON archived_sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_archived_sessions_archived ON archived_sessions(archived_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSession creates or replaces the archived snapshot of a session.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *domain.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("save session: missing session id")
	}

	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session snapshot: %w", err)
	}

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err = s.saveSessionOnce(ctx, sess, snapshot)
		if err == nil {
			return nil
		}

		if isConflict(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
			slog.Debug("SaveSession failed with SQLITE_BUSY, retrying",
				"session_id", sess.ID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("save session %s: %w", sess.ID, ctx.Err())
			}
		}

		// Non-retryable error or max retries exceeded
		return fmt.Errorf("failed to save session %s after %d attempts: %w", sess.ID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) saveSessionOnce(ctx context.Context, sess *domain.Session, snapshot []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	INSERT INTO archived_sessions (
		session_id, stage, style, duration, audio_count,
		snapshot_json, created_at, updated_at, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		stage = excluded.stage,
		style = excluded.style,
		duration = excluded.duration,
		audio_count = excluded.audio_count,
		snapshot_json = excluded.snapshot_json,
		updated_at = excluded.updated_at,
		archived_at = excluded.archived_at`

	sum := sess.Summarize()
	var style interface{}
	if sum.Summary.Style != "" {
		style = sum.Summary.Style
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, string(sess.Stage), style, sum.Summary.Duration, sum.Summary.AudioCount,
		string(snapshot), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert archived session: %w", err)
	}
	return nil
}

// GetSession retrieves an archived snapshot.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `SELECT snapshot_json FROM archived_sessions WHERE session_id = ?`

	var snapshot string
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan archived session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
		return nil, fmt.Errorf("decode session snapshot: %w", err)
	}
	return &sess, nil
}

// ListSessions returns archived summaries, most recently created first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit, offset int) ([]domain.SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT session_id, stage, style, duration, audio_count, created_at
		FROM archived_sessions
		ORDER BY created_at DESC, session_id DESC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query archived sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close archived sessions rows", "error", closeErr)
		}
	}()

	summaries := []domain.SessionSummary{}
	for rows.Next() {
		var sum domain.SessionSummary
		var stage string
		var style sql.NullString
		var duration sql.NullFloat64
		var createdAt int64

		if err := rows.Scan(&sum.ID, &stage, &style, &duration, &sum.Summary.AudioCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan archived session row: %w", err)
		}
		sum.Stage = domain.Stage(stage)
		sum.Summary.Style = style.String
		sum.Summary.Duration = duration.Float64
		sum.CreatedAt = time.UnixMilli(createdAt)
		summaries = append(summaries, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived sessions: %w", err)
	}

	return summaries, nil
}

// DeleteExpired removes archived sessions archived longer than ttl ago.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	threshold := s.now().Add(-ttl).UnixMilli()
	query := `DELETE FROM archived_sessions WHERE archived_at < ?`
	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete expired archived sessions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
