// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/songsync/internal/domain"
)

// Repository archives terminal sessions after they leave the in-memory registry.
type Repository interface {
	// SaveSession creates or replaces the archived snapshot of a session.
	SaveSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves an archived snapshot. It returns nil, nil when absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns archived summaries, most recently created first.
	ListSessions(ctx context.Context, limit, offset int) ([]domain.SessionSummary, error)

	// DeleteExpired removes archived sessions archived longer than ttl ago.
	DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
