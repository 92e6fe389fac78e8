package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when a manager lookup misses.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the manager's session limit
	// is reached.
	ErrTooManySessions = errors.New("session limit reached")
)

// Manager owns the sessions created through the daemon: bounded count,
// idle expiry, lookup by ID.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxSessions   int
	idleTimeout   time.Duration
	sweepInterval time.Duration

	shutdown chan struct{}
	once     sync.Once
}

// NewManager starts a manager with its idle sweeper running.
func NewManager() *Manager {
	m := &Manager{
		sessions:      make(map[string]*Session),
		maxSessions:   100,
		idleTimeout:   30 * time.Minute,
		sweepInterval: time.Minute,
		shutdown:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create builds a session for the profile and registers it.
func (m *Manager) Create(profileName string, opts ...Option) (*Session, error) {
	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, m.maxSessions)
	}
	m.mu.Unlock()

	sess, err := New(profileName, opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Re-check under the lock; a concurrent Create may have taken the
	// last slot while the session was being constructed.
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		sess.Close()
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, m.maxSessions)
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns the session for the ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !sess.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return sess, nil
}

// Close closes and removes one session.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Close()
}

// List snapshots stats for every registered session.
func (m *Manager) List() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Stats())
	}
	return out
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetMaxSessions adjusts the session limit.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxSessions = n
}

// SetIdleTimeout adjusts how long an unused session survives.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleTimeout = d
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.IdleTime() > m.idleTimeout {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.Close()
	}
}

// Shutdown stops the sweeper and closes every session.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.shutdown) })

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
