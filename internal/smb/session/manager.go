package session

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Manager is the connection-spanning session table. Sessions are looked up
// by ID, never held by reference across messages, so a logoff on one
// connection is immediately visible to every other.
//
// Session ID 0 is the anonymous pre-auth session: NEGOTIATE and the first
// SESSION_SETUP arrive on it, and it is never deleted.
type Manager struct {
	sessions sync.Map // uint64 -> *Session
	nextID   atomic.Uint64

	maxRounds int
}

// NewManager creates a manager with the anonymous session installed.
// maxRounds bounds each session's authentication exchange; zero selects
// the default.
func NewManager(maxRounds int) *Manager {
	m := &Manager{maxRounds: maxRounds}
	m.nextID.Store(0)
	m.sessions.Store(uint64(0), New(0, maxRounds))
	return m
}

// Create allocates a session with a fresh ID.
func (m *Manager) Create() *Session {
	id := m.nextID.Add(1)
	s := New(id, m.maxRounds)
	m.sessions.Store(id, s)
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id uint64) (*Session, error) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session %d", ErrSessionInvalid, id)
	}
	return v.(*Session), nil
}

// Delete drops a session from the table. The anonymous session stays.
func (m *Manager) Delete(id uint64) {
	if id == 0 {
		return
	}
	m.sessions.Delete(id)
}

// DisconnectConnection unbinds a closing connection from every session it
// was associated with and returns the sessions left with no connections,
// for the caller's expiry policy to deal with.
func (m *Manager) DisconnectConnection(connID uint64) []*Session {
	var orphaned []*Session
	m.sessions.Range(func(key, value any) bool {
		s := value.(*Session)
		if s.id == 0 || !s.BoundTo(connID) {
			return true
		}
		if s.Unbind(connID) == 0 {
			orphaned = append(orphaned, s)
		}
		return true
	})
	return orphaned
}

// Len returns the number of live sessions, the anonymous one included.
func (m *Manager) Len() int {
	n := 0
	m.sessions.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
