package session

import (
	"fmt"
)

// Fork creates n sessions that behave like extra tabs of the same
// browser: same fingerprint, same proxy slots, shared cookie jar, and
// the parent's TLS session tickets seeded in so forks resume instead of
// handshaking fresh. Connections are independent, so forks can run
// parallel request streams without serializing on the parent's pool.
func (s *Session) Fork(n int) ([]*Session, error) {
	if n <= 0 {
		return nil, fmt.Errorf("fork count must be positive, got %d", n)
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tlsSessions, err := s.engine.ExportTLSSessions()
	if err != nil {
		return nil, fmt.Errorf("snapshot tls sessions: %w", err)
	}

	s.mu.Lock()
	defaults := s.defaults.Clone()
	followRedirects := s.followRedirects
	maxRedirects := s.maxRedirects
	s.mu.Unlock()

	tcpProxy, udpProxy := s.engine.Proxies()

	forks := make([]*Session, 0, n)
	for i := 0; i < n; i++ {
		opts := []Option{
			WithTimeout(s.engine.Timeout()),
			WithVersion(s.engine.Version()),
			WithMaxRedirects(maxRedirects),
		}
		if !followRedirects {
			opts = append(opts, WithoutRedirects())
		}
		if tcpProxy != "" {
			opts = append(opts, WithTCPProxy(tcpProxy))
		}
		if udpProxy != "" {
			opts = append(opts, WithUDPProxy(udpProxy))
		}

		fork, err := New(s.engine.Profile().Name, opts...)
		if err != nil {
			for _, f := range forks {
				f.Close()
			}
			return nil, err
		}

		// Cookies are live-shared; tickets are a snapshot, which is all
		// resumption needs.
		fork.jar = s.jar
		if defaults != nil {
			fork.defaults = defaults.Clone()
		}
		if len(tlsSessions) > 0 {
			if err := fork.engine.ImportTLSSessions(tlsSessions); err != nil {
				fork.Close()
				for _, f := range forks {
					f.Close()
				}
				return nil, fmt.Errorf("seed fork tls sessions: %w", err)
			}
		}
		forks = append(forks, fork)
	}
	return forks, nil
}
