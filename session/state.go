package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mikrodotnet/httpcloak/transport"
)

// StateVersion is bumped when the serialized layout changes
// incompatibly. Import rejects states from a different version.
const StateVersion = 1

// State is the persistable part of a session: cookies plus TLS session
// tickets, enough for a restored session to look like a returning
// browser (resumed TLS, 0-RTT on h3, cookies intact).
type State struct {
	Version     int                                  `json:"version"`
	Profile     string                               `json:"profile"`
	CreatedAt   time.Time                            `json:"created_at"`
	ExportedAt  time.Time                            `json:"exported_at"`
	Cookies     []CookieState                        `json:"cookies"`
	TLSSessions map[string]transport.TLSSessionState `json:"tls_sessions,omitempty"`
}

// CookieState is the wire form of one cookie.
type CookieState struct {
	Domain   string     `json:"domain"`
	Path     string     `json:"path"`
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Expires  *time.Time `json:"expires,omitempty"`
	MaxAge   int        `json:"max_age,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HTTPOnly bool       `json:"http_only,omitempty"`
	SameSite string     `json:"same_site,omitempty"`
}

// ExportState snapshots the session for persistence.
func (s *Session) ExportState() (*State, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tlsSessions, err := s.engine.ExportTLSSessions()
	if err != nil {
		return nil, fmt.Errorf("export tls sessions: %w", err)
	}

	var cookies []CookieState
	for domain, domainCookies := range s.jar.All() {
		for _, c := range domainCookies {
			cs := CookieState{
				Domain:   domain,
				Path:     c.Path,
				Name:     c.Name,
				Value:    c.Value,
				MaxAge:   c.MaxAge,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
				SameSite: c.SameSite,
			}
			if !c.Expires.IsZero() {
				expires := c.Expires
				cs.Expires = &expires
			}
			cookies = append(cookies, cs)
		}
	}

	return &State{
		Version:     StateVersion,
		Profile:     s.engine.Profile().Name,
		CreatedAt:   s.CreatedAt,
		ExportedAt:  time.Now(),
		Cookies:     cookies,
		TLSSessions: tlsSessions,
	}, nil
}

// ImportState restores cookies and TLS sessions from an exported state.
// The state's profile must match the session's; a mismatched profile
// would pair one browser's cookies with another browser's fingerprint.
func (s *Session) ImportState(st *State) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if st.Version != StateVersion {
		return fmt.Errorf("unsupported session state version %d (want %d)", st.Version, StateVersion)
	}
	if st.Profile != "" && st.Profile != s.engine.Profile().Name {
		return fmt.Errorf("session state is for profile %q, session uses %q", st.Profile, s.engine.Profile().Name)
	}

	for _, cs := range st.Cookies {
		c := &Cookie{
			Name:     cs.Name,
			Value:    cs.Value,
			Domain:   cs.Domain,
			Path:     cs.Path,
			MaxAge:   cs.MaxAge,
			Secure:   cs.Secure,
			HTTPOnly: cs.HTTPOnly,
			SameSite: cs.SameSite,
		}
		if cs.Expires != nil {
			c.Expires = *cs.Expires
		}
		s.jar.Set(c)
	}

	if len(st.TLSSessions) > 0 {
		if err := s.engine.ImportTLSSessions(st.TLSSessions); err != nil {
			return fmt.Errorf("import tls sessions: %w", err)
		}
	}
	return nil
}

// Marshal serializes the state as JSON.
func (st *State) Marshal() ([]byte, error) {
	return json.Marshal(st)
}

// ParseState deserializes a state previously produced by Marshal.
func ParseState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	return &st, nil
}
