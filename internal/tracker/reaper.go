package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/songsync/internal/domain"
)

// archiveRetention is how long reaped sessions stay in the archive.
const archiveRetention = 7 * 24 * time.Hour

// Archive receives terminal sessions before they leave the registry.
type Archive interface {
	SaveSession(ctx context.Context, s *domain.Session) error
	DeleteExpired(ctx context.Context, ttl time.Duration) (int64, error)
}

// StartReaper runs a background goroutine that periodically archives and
// removes terminal sessions idle for longer than retention. archive may be nil.
func StartReaper(ctx context.Context, t *Tracker, archive Archive, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Reaper started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, t, archive, retention)
			case <-ctx.Done():
				slog.Info("Reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep performs one reaper pass and returns the number of sessions removed.
func Sweep(ctx context.Context, t *Tracker, archive Archive, retention time.Duration) int {
	var keep func(*domain.Session) error
	if archive != nil {
		keep = func(s *domain.Session) error {
			return archive.SaveSession(ctx, s)
		}
	}

	reaped := t.ReapExpired(retention, keep)
	if reaped > 0 {
		slog.Info("Reaper removed expired sessions", "count", reaped, "remaining", t.Len())
	}

	if archive != nil {
		if deleted, err := archive.DeleteExpired(ctx, archiveRetention); err != nil {
			slog.Error("Reaper failed to cleanup archived sessions", "error", err)
		} else if deleted > 0 {
			slog.Info("Reaper cleaned up archived sessions", "count", deleted)
		}
	}
	return reaped
}
