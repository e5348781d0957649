package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tbourn/go-dm-backend/internal/presence"
)

// Manager tracks live sessions by id. The transport opens a session per
// connection and closes it when the connection goes away; Close here is the
// single teardown path so the registry never leaks entries.
type Manager struct {
	store Store
	reg   *presence.Registry

	mu       sync.RWMutex
	sessions map[string]*ChatSession
}

// NewManager returns an empty Manager backed by the given store and registry.
func NewManager(store Store, reg *presence.Registry) *Manager {
	return &Manager{
		store:    store,
		reg:      reg,
		sessions: make(map[string]*ChatSession),
	}
}

// Open creates and registers a new Unselected session for userID.
func (m *Manager) Open(userID string) *ChatSession {
	s := New(uuid.NewString(), userID, m.store, m.reg)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// Get returns the live session with the given id, if any.
func (m *Manager) Get(id string) (*ChatSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close tears down the session and drops it from the manager. Closing an
// unknown or already-closed id is a no-op.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		_ = s.Close()
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
