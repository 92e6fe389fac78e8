package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	fhttp "github.com/sardanioss/http"

	"github.com/mikrodotnet/httpcloak/dns"
	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/pool"
	"github.com/mikrodotnet/httpcloak/proxy"
)

// Version selects the HTTP version policy for an engine or a single
// request.
type Version string

const (
	VersionAuto  Version = "auto"
	VersionHTTP1 Version = "h1"
	VersionHTTP2 Version = "h2"
	VersionHTTP3 Version = "h3"
)

// failureRetryAfter is how long a failed h3 or h2 probe keeps the engine
// from retrying that version against the same host.
const failureRetryAfter = 5 * time.Minute

// Timing holds per-phase durations in milliseconds. Phases that did not
// run (cached DNS, reused connection) stay zero.
type Timing struct {
	DNSMS     float64
	ConnectMS float64
	TLSMS     float64
	TTFBMS    float64
	TotalMS   float64
}

func (t *Timing) observe(field *float64, start time.Time) {
	*field = float64(time.Since(start)) / float64(time.Millisecond)
}

// Request describes one exchange. Headers given here win over the
// profile's defaults.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	// Version overrides the engine's policy for this request only.
	Version Version
	// ProxyOverride routes this request through the given proxy without
	// touching the engine's slots.
	ProxyOverride string
	// Timeout bounds the whole exchange. Zero uses the engine default.
	Timeout time.Duration
	// DisableDecompression leaves the body and Content-Encoding as
	// received.
	DisableDecompression bool

	// OrderedHeaders, when non-nil, replaces Headers and the profile's
	// default header set entirely: the header block is written exactly
	// as given, in the given order, with nothing injected. The exchange
	// is pinned to HTTP/1.1, the only version whose framing can carry a
	// byte-exact header block.
	OrderedHeaders [][2]string
}

// Response is a fully buffered exchange result.
type Response struct {
	StatusCode int
	Status     string
	Proto      string // "h1", "h2" or "h3"
	Headers    http.Header
	Body       []byte
	URL        string
	Reused     bool
	Timing     Timing
}

// Engine drives fingerprinted exchanges over pooled h1/h2/h3 connections.
// One engine holds one profile; the TLS fingerprint, header order, frame
// shaping and QUIC parameters all derive from it.
type Engine struct {
	profile      *fingerprint.Profile
	dnsCache     *dns.Cache
	pool         *pool.Pool
	router       *proxy.Router
	sessionCache *PersistableSessionCache

	h1 *h1Transport
	h2 *h2Transport
	h3 *h3Transport

	version Version
	timeout time.Duration

	mu         sync.Mutex
	h3Failures map[string]time.Time
	h2Failures map[string]time.Time
	closed     bool

	stopSweepers context.CancelFunc
}

// Option configures an engine at construction.
type Option func(*Engine) error

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) error {
		e.timeout = d
		return nil
	}
}

// WithVersion pins the engine's HTTP version policy.
func WithVersion(v Version) Option {
	return func(e *Engine) error {
		switch v {
		case VersionAuto, VersionHTTP1, VersionHTTP2, VersionHTTP3:
			e.version = v
			return nil
		}
		return fmt.Errorf("unknown http version %q", v)
	}
}

// WithTCPProxy sets the TCP proxy slot (h1/h2 traffic).
func WithTCPProxy(proxyURL string) Option {
	return func(e *Engine) error { return e.router.SetTCP(proxyURL) }
}

// WithUDPProxy sets the UDP proxy slot (h3 traffic).
func WithUDPProxy(proxyURL string) Option {
	return func(e *Engine) error { return e.router.SetUDP(proxyURL) }
}

// WithProxy sets both slots from one URL. The UDP slot is only set when
// the scheme can carry UDP; an http:// proxy leaves h3 going direct.
func WithProxy(proxyURL string) Option {
	return func(e *Engine) error {
		if err := e.router.SetTCP(proxyURL); err != nil {
			return err
		}
		if err := e.router.SetUDP(proxyURL); err != nil {
			if errors.Is(err, proxy.ErrUnsupportedProxyScheme) {
				return nil
			}
			return err
		}
		return nil
	}
}

// New builds an engine for the named fingerprint profile.
func New(profileName string, opts ...Option) (*Engine, error) {
	prof, err := fingerprint.Get(profileName)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		profile:      prof,
		dnsCache:     dns.NewCache(),
		pool:         pool.New(),
		router:       proxy.NewRouter(),
		sessionCache: NewPersistableSessionCache(),
		version:      VersionAuto,
		timeout:      30 * time.Second,
		h3Failures:   make(map[string]time.Time),
		h2Failures:   make(map[string]time.Time),
	}
	sweepCtx, cancel := context.WithCancel(context.Background())
	e.stopSweepers = cancel
	e.dnsCache.StartSweeper(sweepCtx, time.Minute)

	e.h1 = newH1Transport(prof, e.dnsCache, e.pool, e.sessionCache)
	e.h2 = newH2Transport(prof, e.dnsCache, e.pool, e.sessionCache)
	e.h3 = newH3Transport(prof, e.dnsCache, e.pool, e.sessionCache)

	for _, opt := range opts {
		if err := opt(e); err != nil {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

// Profile returns the engine's fingerprint profile.
func (e *Engine) Profile() *fingerprint.Profile { return e.profile }

// Pool exposes the connection pool for telemetry.
func (e *Engine) Pool() *pool.Pool { return e.pool }

// DNSCache exposes the resolver cache.
func (e *Engine) DNSCache() *dns.Cache { return e.dnsCache }

// Version returns the engine's HTTP version policy.
func (e *Engine) Version() Version { return e.version }

// Timeout returns the default per-request timeout.
func (e *Engine) Timeout() time.Duration { return e.timeout }

// Proxies returns the current TCP and UDP proxy URLs, empty for direct.
func (e *Engine) Proxies() (tcpProxy, udpProxy string) {
	return e.router.TCP().URL, e.router.UDP().URL
}

// SetTCPProxy replaces the TCP slot. Existing h1/h2 connections are
// evicted so the next exchange dials through the new proxy; h3
// connections are untouched.
func (e *Engine) SetTCPProxy(proxyURL string) error {
	if err := e.router.SetTCP(proxyURL); err != nil {
		return err
	}
	e.pool.EvictMatching(func(k pool.Key) bool { return k.Version != "h3" })
	return nil
}

// SetUDPProxy replaces the UDP slot and evicts pooled h3 connections.
func (e *Engine) SetUDPProxy(proxyURL string) error {
	if err := e.router.SetUDP(proxyURL); err != nil {
		return err
	}
	e.pool.EvictMatching(func(k pool.Key) bool { return k.Version == "h3" })
	return nil
}

// ExportTLSSessions snapshots cached TLS session tickets for persistence.
func (e *Engine) ExportTLSSessions() (map[string]TLSSessionState, error) {
	return e.sessionCache.Export()
}

// ImportTLSSessions restores previously exported session tickets.
func (e *Engine) ImportTLSSessions(sessions map[string]TLSSessionState) error {
	return e.sessionCache.Import(sessions)
}

// Close releases the pool and stops background sweepers. In-flight
// exchanges finish on their evicted connections.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stopSweepers()
	e.pool.Close()
	return nil
}

// Do performs one exchange and buffers the response body.
func (e *Engine) Do(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	sr, err := e.DoStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer sr.Body.Close()

	body, err := io.ReadAll(sr.Body)
	if err != nil {
		return nil, WrapError("read body", hostOf(req.URL), sr.Proto, err)
	}
	sr.Timing.observe(&sr.Timing.TotalMS, start)
	return &Response{
		StatusCode: sr.StatusCode,
		Status:     sr.Status,
		Proto:      sr.Proto,
		Headers:    sr.Headers,
		Body:       body,
		URL:        req.URL,
		Reused:     sr.Reused,
		Timing:     *sr.Timing,
	}, nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// pickVersion resolves the effective version for a request, rejecting
// forced versions the URL scheme cannot carry. Cleartext http is
// HTTP/1.1 only.
func (e *Engine) pickVersion(req *Request, u *url.URL) (Version, error) {
	v := e.version
	if req.Version != "" {
		v = req.Version
	}
	if req.OrderedHeaders != nil {
		switch v {
		case VersionHTTP2, VersionHTTP3:
			return "", NewVersionError(u.Hostname(), string(v), "verbatim header block")
		}
		return VersionHTTP1, nil
	}
	if u.Scheme == "http" {
		switch v {
		case VersionHTTP2, VersionHTTP3:
			return "", NewVersionError(u.Hostname(), string(v), "cleartext")
		}
		return VersionHTTP1, nil
	}
	return v, nil
}

func (e *Engine) recentlyFailed(failures map[string]time.Time, host string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	at, ok := failures[host]
	if !ok {
		return false
	}
	if time.Since(at) > failureRetryAfter {
		delete(failures, host)
		return false
	}
	return true
}

func (e *Engine) markFailed(failures map[string]time.Time, host string) {
	e.mu.Lock()
	failures[host] = time.Now()
	e.mu.Unlock()
}

// buildStdRequest assembles the net/http request used on the h1 path,
// layering profile defaults under caller headers.
func (e *Engine) buildStdRequest(ctx context.Context, req *Request, u *url.URL) (*http.Request, error) {
	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	var hreq *http.Request
	var err error
	if body != nil {
		hreq, err = http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	} else {
		hreq, err = http.NewRequestWithContext(ctx, req.Method, u.String(), nil)
	}
	if err != nil {
		return nil, newError(CategoryRequest, "build request", u.Hostname(), "", err)
	}
	if req.OrderedHeaders != nil {
		for _, f := range req.OrderedHeaders {
			hreq.Header.Add(f[0], f[1])
		}
		return hreq, nil
	}
	e.applyHeaders(hreq.Header, req.Headers)
	return hreq, nil
}

// buildForkRequest assembles the request for the h2 and h3 paths, which
// run on the http fork the frame and quic stacks are built against.
func (e *Engine) buildForkRequest(ctx context.Context, req *Request, u *url.URL) (*fhttp.Request, error) {
	var hreq *fhttp.Request
	var err error
	if len(req.Body) > 0 {
		hreq, err = fhttp.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(req.Body))
	} else {
		hreq, err = fhttp.NewRequestWithContext(ctx, req.Method, u.String(), nil)
	}
	if err != nil {
		return nil, newError(CategoryRequest, "build request", u.Hostname(), "", err)
	}
	e.applyHeaders(http.Header(hreq.Header), req.Headers)
	return hreq, nil
}

// applyHeaders writes profile defaults then caller headers into dst.
// Caller values win; a caller-supplied empty value suppresses the
// profile default entirely.
func (e *Engine) applyHeaders(dst http.Header, override http.Header) {
	dst.Set("User-Agent", e.profile.UserAgent)
	for k, v := range e.profile.Headers {
		dst.Set(k, v)
	}
	for k, vs := range override {
		ck := http.CanonicalHeaderKey(k)
		if len(vs) == 1 && vs[0] == "" {
			dst.Del(ck)
			continue
		}
		dst[ck] = append([]string(nil), vs...)
	}
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Hostname()
	}
	return ""
}

// newTCPProxyDialer picks the dialer for a TCP-capable route.
func newTCPProxyDialer(route proxy.Route) (interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}, error) {
	switch route.Kind {
	case proxy.KindSOCKS5:
		return proxy.NewSOCKS5Dialer(route.URL)
	case proxy.KindHTTPConnect:
		return proxy.NewConnectDialer(route.URL)
	default:
		return nil, fmt.Errorf("route %s cannot carry tcp", route.Kind)
	}
}
