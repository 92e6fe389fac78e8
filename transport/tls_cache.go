package transport

import (
	"encoding/base64"
	"sync"
	"time"

	tls "github.com/sardanioss/utls"
)

// TLSSessionMaxAge caps how old an imported session may be. Tickets
// typically expire server-side within a day or two anyway.
const TLSSessionMaxAge = 24 * time.Hour

// TLSSessionState is the wire form of one cached TLS session, suitable
// for JSON persistence across process restarts.
type TLSSessionState struct {
	Ticket    string    `json:"ticket"` // base64
	State     string    `json:"state"`  // base64
	CreatedAt time.Time `json:"created_at"`
}

// PersistableSessionCache is a tls.ClientSessionCache whose contents can
// be exported and re-imported, so a restored session resumes TLS (and
// 0-RTT on QUIC) instead of handshaking from scratch. A fresh handshake
// where a resumption was expected is itself a fingerprint signal.
type PersistableSessionCache struct {
	mu       sync.RWMutex
	sessions map[string]*cachedSession
}

type cachedSession struct {
	state     *tls.ClientSessionState
	createdAt time.Time
}

func NewPersistableSessionCache() *PersistableSessionCache {
	return &PersistableSessionCache{
		sessions: make(map[string]*cachedSession),
	}
}

// Get implements tls.ClientSessionCache.
func (c *PersistableSessionCache) Get(sessionKey string) (*tls.ClientSessionState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cached, ok := c.sessions[sessionKey]; ok {
		return cached.state, true
	}
	return nil, false
}

// Put implements tls.ClientSessionCache.
func (c *PersistableSessionCache) Put(sessionKey string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionKey] = &cachedSession{state: cs, createdAt: time.Now()}
}

// Export serializes the cached sessions. Sessions that cannot be
// serialized are dropped silently; they only cost one extra handshake.
func (c *PersistableSessionCache) Export() (map[string]TLSSessionState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]TLSSessionState, len(c.sessions))
	for key, cached := range c.sessions {
		if cached.state == nil {
			continue
		}
		ticket, state, err := cached.state.ResumptionState()
		if err != nil || ticket == nil || state == nil {
			continue
		}
		stateBytes, err := state.Bytes()
		if err != nil {
			continue
		}
		out[key] = TLSSessionState{
			Ticket:    base64.StdEncoding.EncodeToString(ticket),
			State:     base64.StdEncoding.EncodeToString(stateBytes),
			CreatedAt: cached.createdAt,
		}
	}
	return out, nil
}

// Import restores previously exported sessions, skipping entries that
// are expired or fail to parse.
func (c *PersistableSessionCache) Import(sessions map[string]TLSSessionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, serialized := range sessions {
		if time.Since(serialized.CreatedAt) > TLSSessionMaxAge {
			continue
		}
		ticket, err := base64.StdEncoding.DecodeString(serialized.Ticket)
		if err != nil {
			continue
		}
		stateBytes, err := base64.StdEncoding.DecodeString(serialized.State)
		if err != nil {
			continue
		}
		state, err := tls.ParseSessionState(stateBytes)
		if err != nil {
			continue
		}
		clientState, err := tls.NewResumptionState(ticket, state)
		if err != nil {
			continue
		}
		c.sessions[key] = &cachedSession{state: clientState, createdAt: serialized.CreatedAt}
	}
	return nil
}

// Clear drops all cached sessions.
func (c *PersistableSessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*cachedSession)
}

// Count returns the number of cached sessions.
func (c *PersistableSessionCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
