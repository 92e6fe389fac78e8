package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mikrodotnet/httpcloak/transport"
)

var (
	// ErrSessionClosed is returned from calls on a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrTooManyRedirects is returned when a redirect chain exceeds the
	// configured bound.
	ErrTooManyRedirects = errors.New("too many redirects")
)

const defaultMaxRedirects = 10

// Request describes one session-level exchange.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Version forces an HTTP version for this request. Empty uses the
	// session policy.
	Version transport.Version
	// Proxy overrides the session's proxy slots for this request only.
	Proxy string
	// Timeout bounds the exchange including redirects. Zero uses the
	// session default.
	Timeout time.Duration

	// FollowRedirects overrides the session setting when non-nil.
	FollowRedirects *bool
	// MaxRedirects overrides the session bound when positive.
	MaxRedirects int
}

// Redirect records one hop of a followed redirect chain.
type Redirect struct {
	StatusCode int
	From       string
	To         string
}

// Response is the session-level result. URL is the final URL after
// redirects; RequestURL is what the caller originally asked for.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Headers    http.Header
	Body       []byte
	RequestURL string
	URL        string
	Redirects  []Redirect
	Timing     transport.Timing
}

// Session is a stateful fingerprinted HTTP client: one profile, one
// connection pool, a cookie jar and default headers shared by every
// request made through it. Methods are safe for concurrent use; state
// is guarded by small per-structure locks, never a session-wide lock
// held across network I/O.
type Session struct {
	ID        string
	CreatedAt time.Time

	engine *transport.Engine
	jar    *Jar

	mu              sync.Mutex
	defaults        http.Header
	followRedirects bool
	maxRedirects    int
	lastUsed        time.Time
	requestCount    int64
	closed          bool
}

type config struct {
	id              string
	defaults        http.Header
	followRedirects bool
	maxRedirects    int
	engineOpts      []transport.Option
}

// Option configures a session at construction.
type Option func(*config)

// WithID fixes the session ID instead of generating one.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithDefaultHeader adds a header sent on every request unless the call
// supplies its own value for the key.
func WithDefaultHeader(key, value string) Option {
	return func(c *config) { c.defaults.Set(key, value) }
}

// WithMaxRedirects bounds redirect chains.
func WithMaxRedirects(n int) Option {
	return func(c *config) { c.maxRedirects = n }
}

// WithoutRedirects makes 3xx responses final.
func WithoutRedirects() Option {
	return func(c *config) { c.followRedirects = false }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, transport.WithTimeout(d)) }
}

// WithVersion pins the HTTP version policy.
func WithVersion(v transport.Version) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, transport.WithVersion(v)) }
}

// WithProxy sets both proxy slots from one URL where the scheme allows.
func WithProxy(proxyURL string) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, transport.WithProxy(proxyURL)) }
}

// WithTCPProxy sets the TCP proxy slot only.
func WithTCPProxy(proxyURL string) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, transport.WithTCPProxy(proxyURL)) }
}

// WithUDPProxy sets the UDP proxy slot only.
func WithUDPProxy(proxyURL string) Option {
	return func(c *config) { c.engineOpts = append(c.engineOpts, transport.WithUDPProxy(proxyURL)) }
}

// New creates a session for the named fingerprint profile.
func New(profileName string, opts ...Option) (*Session, error) {
	cfg := &config{
		defaults:        make(http.Header),
		followRedirects: true,
		maxRedirects:    defaultMaxRedirects,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	engine, err := transport.New(profileName, cfg.engineOpts...)
	if err != nil {
		return nil, err
	}

	id := cfg.id
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		ID:              id,
		CreatedAt:       time.Now(),
		engine:          engine,
		jar:             NewJar(),
		defaults:        cfg.defaults,
		followRedirects: cfg.followRedirects,
		maxRedirects:    cfg.maxRedirects,
		lastUsed:        time.Now(),
	}, nil
}

// Do performs one exchange, following redirects per policy. Cookies
// from the jar are attached by domain; Set-Cookie responses update the
// jar before any redirect hop is taken.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.lastUsed = time.Now()
	s.requestCount++
	follow := s.followRedirects
	if req.FollowRedirects != nil {
		follow = *req.FollowRedirects
	}
	maxRedirects := s.maxRedirects
	if req.MaxRedirects > 0 {
		maxRedirects = req.MaxRedirects
	}
	defaults := s.defaults.Clone()
	s.mu.Unlock()

	// The timeout spans the whole chain, not each hop; a slow redirect
	// trail cannot multiply the caller's budget.
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = "GET"
	}
	rawURL := req.URL
	body := req.Body
	callHeaders := req.Headers.Clone()
	var redirects []Redirect

	for {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
		}

		headers := mergeHeaders(defaults, callHeaders)
		if cookieHeader := s.jar.Header(u); cookieHeader != "" {
			headers.Set("Cookie", cookieHeader)
		}

		tresp, err := s.engine.Do(ctx, &transport.Request{
			Method:        method,
			URL:           rawURL,
			Headers:       headers,
			Body:          body,
			Version:       req.Version,
			ProxyOverride: req.Proxy,
			Timeout:       req.Timeout,
		})
		if err != nil {
			return nil, err
		}

		s.jar.SetFromResponse(u, tresp.Headers.Values("Set-Cookie"))

		location := tresp.Headers.Get("Location")
		if !follow || !isRedirect(tresp.StatusCode) || location == "" {
			return &Response{
				StatusCode: tresp.StatusCode,
				Status:     tresp.Status,
				Proto:      tresp.Proto,
				Headers:    tresp.Headers,
				Body:       tresp.Body,
				RequestURL: req.URL,
				URL:        rawURL,
				Redirects:  redirects,
				Timing:     tresp.Timing,
			}, nil
		}

		if len(redirects) >= maxRedirects {
			return nil, fmt.Errorf("%w: %d hops from %s", ErrTooManyRedirects, len(redirects), req.URL)
		}

		next, err := u.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("resolve redirect %q: %w", location, err)
		}
		redirects = append(redirects, Redirect{
			StatusCode: tresp.StatusCode,
			From:       rawURL,
			To:         next.String(),
		})

		if newMethod := redirectMethod(tresp.StatusCode, method); newMethod != method {
			method = newMethod
			body = nil
			callHeaders = stripBodyHeaders(callHeaders)
			defaults = stripBodyHeaders(defaults)
		}
		rawURL = next.String()
	}
}

// Request is the blocking wrapper over Do.
func (s *Session) Request(method, rawURL string, headers http.Header, body []byte) (*Response, error) {
	return s.Do(context.Background(), &Request{
		Method:  method,
		URL:     rawURL,
		Headers: headers,
		Body:    body,
	})
}

// Get performs a GET.
func (s *Session) Get(ctx context.Context, rawURL string, headers http.Header) (*Response, error) {
	return s.Do(ctx, &Request{Method: "GET", URL: rawURL, Headers: headers})
}

// Post performs a POST with the given body.
func (s *Session) Post(ctx context.Context, rawURL string, body []byte, headers http.Header) (*Response, error) {
	return s.Do(ctx, &Request{Method: "POST", URL: rawURL, Headers: headers, Body: body})
}

// isRedirect reports whether the status code carries redirect semantics
// the session follows.
func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectMethod applies the redirect law: 303 always becomes GET,
// 301/302 turn POST into GET the way browsers do, 307/308 preserve the
// method (and the caller's body with it).
func redirectMethod(status int, method string) string {
	switch status {
	case http.StatusSeeOther:
		return "GET"
	case http.StatusMovedPermanently, http.StatusFound:
		if method == "POST" {
			return "GET"
		}
	}
	return method
}

// stripBodyHeaders drops entity headers that no longer apply once a
// redirect dropped the body.
func stripBodyHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	h = h.Clone()
	h.Del("Content-Type")
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	return h
}

// mergeHeaders layers call headers over session defaults. Call values
// win on collision.
func mergeHeaders(defaults, call http.Header) http.Header {
	merged := make(http.Header, len(defaults)+len(call))
	for k, vs := range defaults {
		merged[k] = append([]string(nil), vs...)
	}
	for k, vs := range call {
		merged[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return merged
}

// Cookies exposes the session's cookie jar.
func (s *Session) Cookies() *Jar { return s.jar }

// Engine exposes the underlying transport engine.
func (s *Session) Engine() *transport.Engine { return s.engine }

// SetDefaultHeader updates a default header for subsequent requests.
func (s *Session) SetDefaultHeader(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		s.defaults.Del(key)
		return
	}
	s.defaults.Set(key, value)
}

// SetTCPProxy replaces the TCP proxy slot. Takes effect on the next
// dialed connection; h3 traffic is untouched.
func (s *Session) SetTCPProxy(proxyURL string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.engine.SetTCPProxy(proxyURL)
}

// SetUDPProxy replaces the UDP proxy slot used by h3.
func (s *Session) SetUDPProxy(proxyURL string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.engine.SetUDPProxy(proxyURL)
}

func (s *Session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}

// Active reports whether the session still accepts requests.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// IdleTime returns how long since the last request.
func (s *Session) IdleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// Touch refreshes the idle clock without making a request.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
}

// Close releases every pooled connection. Later calls on the session
// return ErrSessionClosed. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.engine.Close()
}

// Stats is a point-in-time snapshot for the daemon's session listing.
type Stats struct {
	ID           string        `json:"id"`
	Profile      string        `json:"profile"`
	CreatedAt    time.Time     `json:"created_at"`
	RequestCount int64         `json:"request_count"`
	CookieCount  int           `json:"cookie_count"`
	Age          time.Duration `json:"age"`
	IdleTime     time.Duration `json:"idle_time"`
	Active       bool          `json:"active"`
}

// Stats snapshots the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		ID:           s.ID,
		Profile:      s.engine.Profile().Name,
		CreatedAt:    s.CreatedAt,
		RequestCount: s.requestCount,
		CookieCount:  s.jar.Count(),
		Age:          time.Since(s.CreatedAt),
		IdleTime:     time.Since(s.lastUsed),
		Active:       !s.closed,
	}
}
