package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-subscriber channel size used when none is given.
const DefaultBufferSize = 64

// Broadcaster fans out events to every live subscriber of a session id.
// It keeps no backlog: a subscriber sees only events published after it subscribed.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscription // sessionID -> subID -> subscription
	bufSize int
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster whose subscribers buffer bufSize events.
func NewBroadcaster(bufSize int, logger *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:    make(map[string]map[string]*Subscription),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe registers a new delivery channel for sessionID.
func (b *Broadcaster) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ch:        make(chan Event, b.bufSize),
		b:         b,
	}

	b.mu.Lock()
	if _, ok := b.subs[sessionID]; !ok {
		b.subs[sessionID] = make(map[string]*Subscription)
	}
	b.subs[sessionID][sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("[BROADCAST] Subscriber added", "session_id", sessionID, "sub_id", sub.ID)
	return sub
}

// Publish delivers ev to all current subscribers of ev.SessionID without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	sessionSubs, ok := b.subs[ev.SessionID]
	if !ok {
		b.mu.RUnlock()
		return
	}
	// Snapshot subscribers to avoid holding RLock during delivery
	subs := make([]*Subscription, 0, len(sessionSubs))
	for _, s := range sessionSubs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if dropped := s.deliver(ev); dropped {
			b.logger.Warn("[BROADCAST] Subscriber buffer full, dropped oldest event",
				"session_id", ev.SessionID,
				"sub_id", s.ID,
				"dropped_total", s.Dropped(),
			)
		}
	}
}

// SubscriberCount returns the number of live subscribers for sessionID.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// CloseSession closes every subscription of sessionID.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	sessionSubs := b.subs[sessionID]
	delete(b.subs, sessionID)
	b.mu.Unlock()

	for _, s := range sessionSubs {
		s.closeChannel()
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sessionSubs, ok := b.subs[s.SessionID]; ok {
		delete(sessionSubs, s.ID)
		if len(sessionSubs) == 0 {
			delete(b.subs, s.SessionID)
		}
	}
}

// Subscription is one subscriber's independent delivery channel.
type Subscription struct {
	ID        string
	SessionID string

	ch      chan Event
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
	b       *Broadcaster
}

// Events returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
	s.closeChannel()
}

func (s *Subscription) closeChannel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver queues ev, dropping the oldest queued event when the buffer is full.
func (s *Subscription) deliver(ev Event) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return false
	default:
	}

	// Remove oldest event to make room
	select {
	case <-s.ch:
		s.dropped.Add(1)
		dropped = true
	default:
	}

	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		dropped = true
	}
	return dropped
}
