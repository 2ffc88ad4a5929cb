package stream

import (
	"context"
	"log/slog"
	"sync"
)

// Registry keeps at most one live stream per (client, session). Registering a
// second stream for the same pair cancels the first.
type Registry struct {
	mu     sync.Mutex
	active map[string]map[string]*registration // clientID -> sessionID -> stream
	next   uint64
}

type registration struct {
	id     uint64
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		active: make(map[string]map[string]*registration),
	}
}

// Register derives a stream context from ctx and records it for the pair.
// An existing stream for the same pair is cancelled. The returned release
// func must be called when the stream ends. An empty clientID is not tracked.
func (m *Registry) Register(ctx context.Context, clientID, sessionID string) (context.Context, func()) {
	streamCtx, cancel := context.WithCancel(ctx)
	if clientID == "" {
		return streamCtx, cancel
	}

	m.mu.Lock()
	m.next++
	reg := &registration{id: m.next, cancel: cancel}
	if _, exists := m.active[clientID]; !exists {
		m.active[clientID] = make(map[string]*registration)
	}
	if existing, exists := m.active[clientID][sessionID]; exists {
		existing.cancel()
		slog.Info("Event stream replaced", "client_id", clientID, "session_id", sessionID)
	}
	m.active[clientID][sessionID] = reg
	m.mu.Unlock()

	release := func() {
		cancel()
		m.unregister(clientID, sessionID, reg.id)
	}
	return streamCtx, release
}

// unregister removes the pair only if it still belongs to stream id, so a
// replaced stream cannot evict its successor.
func (m *Registry) unregister(clientID, sessionID string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[clientID]; ok {
		if current, exists := sessions[sessionID]; exists && current.id == id {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, clientID)
			}
		}
	}
}

// IsActive reports whether a stream is registered for the pair.
func (m *Registry) IsActive(clientID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[clientID][sessionID]
	return ok
}

// CloseSession cancels every tracked stream for sessionID.
func (m *Registry) CloseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for clientID, sessions := range m.active {
		if reg, ok := sessions[sessionID]; ok {
			reg.cancel()
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, clientID)
			}
			slog.Info("Event stream closed", "client_id", clientID, "session_id", sessionID)
		}
	}
}

// Count returns the number of tracked streams.
func (m *Registry) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
