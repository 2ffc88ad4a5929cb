package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/songsync/internal/domain"
	"github.com/ashureev/songsync/internal/events"
)

var (
	// ErrAlreadySubscribed is returned when Run is called while another Run
	// of the same Syncer is live.
	ErrAlreadySubscribed = errors.New("client: already subscribed")
	// ErrStreamDisconnected reports a dropped or prematurely ended stream.
	// Run handles it by reconnecting.
	ErrStreamDisconnected = errors.New("client: stream disconnected")

	errNotConnected = errors.New("stream did not start with connected")
)

// Source is the server the replica syncs from.
type Source interface {
	Snapshot(ctx context.Context, sessionID string) (*domain.Session, error)
	Result(ctx context.Context, sessionID string) (*domain.Result, error)
	Subscribe(ctx context.Context, sessionID string) (Stream, error)
}

// Stream is one live event subscription. Next returns io.EOF when the
// server ended the stream cleanly.
type Stream interface {
	Next(ctx context.Context) (events.Event, error)
	Close() error
}

// Syncer keeps a Store in sync with one session.
type Syncer struct {
	src       Source
	store     *Store
	sessionID string
	logger    *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	onChange   func(View)
	sleep      func(ctx context.Context, d time.Duration) error

	running   atomic.Bool
	reconnect atomic.Int64
}

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithBackoff sets the first and the largest reconnect delay.
func WithBackoff(minDelay, maxDelay time.Duration) SyncerOption {
	return func(s *Syncer) {
		s.minBackoff = minDelay
		s.maxBackoff = maxDelay
	}
}

// WithOnChange registers fn to receive the view after every change.
func WithOnChange(fn func(View)) SyncerOption {
	return func(s *Syncer) { s.onChange = fn }
}

// WithSyncLogger sets the logger.
func WithSyncLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// NewSyncer creates a syncer for sessionID.
func NewSyncer(src Source, store *Store, sessionID string, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		src:        src,
		store:      store,
		sessionID:  sessionID,
		logger:     slog.Default(),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxBackoff < s.minBackoff {
		s.maxBackoff = s.minBackoff
	}
	return s
}

// Reconnects returns how many times Run re-established the stream.
func (s *Syncer) Reconnects() int64 {
	return s.reconnect.Load()
}

// Run syncs until the session is settled (failed, or completed with the
// result fetched), the session turns out not to exist, or ctx is done.
// Dropped streams are retried with exponential backoff.
func (s *Syncer) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadySubscribed
	}
	defer s.running.Store(false)

	backoff := s.minBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.reconnect.Add(1)
		}
		hydrated, err := s.runOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}

		s.store.SetConnected(false)
		s.store.SetError(err.Error())
		s.notify()
		if hydrated {
			backoff = s.minBackoff
		}
		s.logger.Warn("Stream lost, reconnecting", "session_id", s.sessionID, "error", err, "backoff", backoff)
		if err := s.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// runOnce opens the stream first and snapshots second, so nothing emitted
// in between is lost; events the snapshot already covers are skipped by
// their sequence number. It reports whether the replica was hydrated.
func (s *Syncer) runOnce(ctx context.Context) (bool, error) {
	stream, err := s.src.Subscribe(ctx, s.sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", ErrStreamDisconnected, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			s.logger.Debug("Failed to close stream", "session_id", s.sessionID, "error", cerr)
		}
	}()

	first, err := stream.Next(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStreamDisconnected, err)
	}
	if first.Kind != events.KindConnected {
		return false, fmt.Errorf("%w: %w, got %s", ErrStreamDisconnected, errNotConnected, first.Kind)
	}
	s.store.Apply(first)

	if err := s.hydrate(ctx); err != nil {
		return false, err
	}
	// A completed snapshot without a result means complete is still to come
	// on this stream, so keep reading instead of pulling the result early.
	if s.store.View().Settled() {
		s.finish()
		return true, nil
	}

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) && s.store.View().Settled() {
				s.finish()
				return true, nil
			}
			return true, fmt.Errorf("%w: %v", ErrStreamDisconnected, err)
		}

		switch s.store.Apply(ev) {
		case EffectFetchResult:
			if err := s.fetchResult(ctx); err != nil {
				if !errors.Is(err, domain.ErrResultNotReady) {
					return true, err
				}
				s.logger.Debug("Result not ready after complete", "session_id", s.sessionID, "error", err)
			}
		case EffectResnapshot:
			s.logger.Info("Replica out of step, re-fetching snapshot", "session_id", s.sessionID, "type", ev.Kind, "seq", ev.Seq)
			if err := s.hydrate(ctx); err != nil {
				return true, err
			}
		}
		s.notify()

		if s.store.View().Settled() {
			s.finish()
			return true, nil
		}
	}
}

func (s *Syncer) hydrate(ctx context.Context) error {
	snap, err := s.src.Snapshot(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.store.Hydrate(snap)
	s.store.SetConnected(true)
	s.store.ClearTransportError()
	s.notify()
	return nil
}

// finish marks the replica offline once the session is settled.
func (s *Syncer) finish() {
	s.store.SetConnected(false)
	s.notify()
}

func (s *Syncer) fetchResult(ctx context.Context) error {
	r, err := s.src.Result(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("fetch result: %w", err)
	}
	s.store.SetResult(r)
	s.store.ClearTransportError()
	return nil
}

func (s *Syncer) notify() {
	if s.onChange != nil {
		s.onChange(s.store.View())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
