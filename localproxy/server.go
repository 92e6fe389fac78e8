// Package localproxy runs a plain-text forward proxy on loopback that
// applies the engine's fingerprinting to traffic from arbitrary HTTP
// clients.
//
// Plain HTTP requests are reissued through the fingerprinting engine.
// CONNECT requests are tunneled as raw TCP, optionally through an
// upstream proxy; the client performs its own TLS end to end, so on the
// tunnel path the fingerprint applies only to the upstream proxy link.
package localproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikrodotnet/httpcloak/proxy"
	"github.com/mikrodotnet/httpcloak/session"
	"github.com/mikrodotnet/httpcloak/transport"
)

const (
	// overrideScheme marks a Proxy-Authorization value as a per-request
	// upstream override rather than real proxy credentials.
	overrideScheme = "HTTPCloak "

	// headerLegacyUpstream is the older override header, honored for
	// plain HTTP targets only.
	headerLegacyUpstream = "X-Upstream-Proxy"

	// headerScheme upgrades an http target to https, letting clients
	// that cannot CONNECT still get the fingerprinted TLS handshake.
	headerScheme = "X-HTTPCloak-Scheme"

	// headerTLSOnly overrides the server's byte-for-byte header mode
	// for a single request.
	headerTLSOnly = "X-HTTPCloak-TlsOnly"

	copyBufferSize    = 64 * 1024
	headerReadTimeout = 30 * time.Second
	stopGracePeriod   = 10 * time.Second
)

// connState tracks where an accepted connection is in its lifecycle.
type connState int32

const (
	stateAccepted connState = iota
	stateParsing
	stateTunneling
	stateRelaying
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateParsing:
		return "parsing"
	case stateTunneling:
		return "tunneling"
	case stateRelaying:
		return "relaying"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// proxyConn is an accepted client connection with its lifecycle state.
type proxyConn struct {
	net.Conn
	state atomic.Int32
}

func (c *proxyConn) setState(s connState) { c.state.Store(int32(s)) }

// Config holds local proxy settings.
type Config struct {
	// Profile is the fingerprint profile applied to relayed traffic.
	Profile string

	// Timeout bounds each forwarded request and upstream dial.
	Timeout time.Duration

	// MaxConnections caps concurrently served client connections.
	MaxConnections int

	// TCPProxy and UDPProxy are default upstream proxies, overridable
	// per request via the override header.
	TCPProxy string
	UDPProxy string

	// TLSOnly forwards client headers byte for byte instead of
	// applying the profile's header set.
	TLSOnly bool
}

// Option configures the local proxy.
type Option func(*Config)

// WithProfile sets the fingerprint profile for relayed traffic.
func WithProfile(name string) Option {
	return func(c *Config) { c.Profile = name }
}

// WithTimeout bounds forwarded requests and upstream dials.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithMaxConnections caps concurrent client connections.
func WithMaxConnections(n int) Option {
	return func(c *Config) { c.MaxConnections = n }
}

// WithUpstream sets the default upstream proxies. Either may be empty.
func WithUpstream(tcpProxy, udpProxy string) Option {
	return func(c *Config) {
		c.TCPProxy = tcpProxy
		c.UDPProxy = udpProxy
	}
}

// WithTLSOnly forwards client headers byte for byte, keeping only the
// TLS-level fingerprint.
func WithTLSOnly() Option {
	return func(c *Config) { c.TLSOnly = true }
}

// Server is a loopback forward proxy bound to one fingerprint profile.
// It is constructed stopped; Start binds the listener.
type Server struct {
	profile  string
	timeout  time.Duration
	maxConns int
	tlsOnly  bool
	tcpProxy string
	udpProxy string

	session *session.Session

	mu       sync.Mutex
	listener net.Listener
	port     int

	running      atomic.Bool
	shuttingDown atomic.Bool
	activeConns  atomic.Int64
	totalReqs    atomic.Int64
	failedReqs   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Stats is a point-in-time snapshot of proxy counters.
type Stats struct {
	Running        bool   `json:"running"`
	Port           int    `json:"port"`
	Profile        string `json:"profile"`
	ActiveConns    int64  `json:"active_conns"`
	TotalRequests  int64  `json:"total_requests"`
	FailedRequests int64  `json:"failed_requests"`
}

// New builds a stopped proxy that will listen on the given port once
// started. Port 0 asks the OS for an ephemeral port, discoverable via
// Port after Start.
func New(port int, opts ...Option) (*Server, error) {
	cfg := &Config{
		Profile:        "chrome-143",
		Timeout:        30 * time.Second,
		MaxConnections: 1000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	sessionOpts := []session.Option{
		session.WithTimeout(cfg.Timeout),
		session.WithoutRedirects(),
	}
	if cfg.TCPProxy != "" {
		sessionOpts = append(sessionOpts, session.WithTCPProxy(cfg.TCPProxy))
	}
	if cfg.UDPProxy != "" {
		sessionOpts = append(sessionOpts, session.WithUDPProxy(cfg.UDPProxy))
	}
	sess, err := session.New(cfg.Profile, sessionOpts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		profile:  cfg.Profile,
		timeout:  cfg.Timeout,
		maxConns: cfg.MaxConnections,
		tlsOnly:  cfg.TLSOnly,
		tcpProxy: cfg.TCPProxy,
		udpProxy: cfg.UDPProxy,
		session:  sess,
		port:     port,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start binds the loopback listener and begins accepting clients.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.New("proxy already running")
	}

	// Loopback only; the proxy applies no client authentication.
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Stop closes the listener, waits for in-flight connections up to a
// grace period, and closes the owned session.
func (s *Server) Stop() error {
	if !s.running.Load() {
		// Never started or already stopped; still release the session.
		return s.session.Close()
	}

	s.shuttingDown.Store(true)
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopGracePeriod):
	}

	err := s.session.Close()
	s.running.Store(false)
	return err
}

// Port returns the bound port, meaningful after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Running reports whether the listener is up.
func (s *Server) Running() bool { return s.running.Load() }

// Stats snapshots the counters without blocking traffic.
func (s *Server) Stats() Stats {
	return Stats{
		Running:        s.running.Load(),
		Port:           s.Port(),
		Profile:        s.profile,
		ActiveConns:    s.activeConns.Load(),
		TotalRequests:  s.totalReqs.Load(),
		FailedRequests: s.failedReqs.Load(),
	}
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if s.activeConns.Load() >= int64(s.maxConns) {
			s.sendError(conn, http.StatusServiceUnavailable, "connection limit reached")
			conn.Close()
			continue
		}

		s.activeConns.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeConns.Add(-1)
			s.handleConn(&proxyConn{Conn: conn})
		}()
	}
}

func (s *Server) handleConn(pc *proxyConn) {
	defer pc.Close()
	defer pc.setState(stateClosed)

	pc.setState(stateParsing)
	pc.SetReadDeadline(time.Now().Add(headerReadTimeout))

	br := bufio.NewReader(pc)
	creq, err := readClientRequest(br)
	if err != nil {
		s.fail(pc, http.StatusBadRequest, "malformed request")
		return
	}
	pc.SetReadDeadline(time.Time{})

	s.totalReqs.Add(1)

	if creq.method == http.MethodConnect {
		pc.setState(stateTunneling)
		s.handleTunnel(pc, br, creq)
		return
	}
	pc.setState(stateRelaying)
	s.handleRelay(pc, br, creq)
}

// handleTunnel serves CONNECT. The upstream leg is dialed through the
// override or configured proxy; after the 200 the connection is an
// opaque byte pipe.
func (s *Server) handleTunnel(pc *proxyConn, br *bufio.Reader, creq *clientRequest) {
	host, port, err := net.SplitHostPort(creq.target)
	if err != nil {
		host = creq.target
		port = "443"
	}
	if !portAllowed(port) {
		s.fail(pc, http.StatusForbidden, "port not allowed")
		return
	}

	upstream := s.tcpProxy
	if override, ok := creq.upstreamOverride(false); ok {
		upstream = override
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	target, err := s.dialUpstream(ctx, net.JoinHostPort(host, port), upstream)
	if err != nil {
		s.fail(pc, http.StatusBadGateway, fmt.Sprintf("connect failed: %v", err))
		return
	}
	defer target.Close()

	if _, err := io.WriteString(pc, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		s.failedReqs.Add(1)
		return
	}

	// The client may pipeline its first TLS bytes behind the CONNECT;
	// they are sitting in br, so the client-to-target leg must drain
	// the reader, not the raw socket.
	tunnel(pc.Conn, br, target)
}

// dialUpstream opens the tunnel's outbound leg directly or through the
// given proxy URL.
func (s *Server) dialUpstream(ctx context.Context, addr, proxyURL string) (net.Conn, error) {
	route, err := proxy.ResolveRoute(proxyURL, proxy.TransportTCP)
	if err != nil {
		return nil, err
	}
	switch route.Kind {
	case proxy.KindSOCKS5:
		d, err := proxy.NewSOCKS5Dialer(route.URL)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, "tcp", addr)
	case proxy.KindHTTPConnect:
		d, err := proxy.NewConnectDialer(route.URL)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, "tcp", addr)
	case proxy.KindDirect:
		d := &net.Dialer{Timeout: s.timeout, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, "tcp", addr)
	default:
		return nil, fmt.Errorf("proxy kind %s cannot carry a tunnel", route.Kind)
	}
}

// tunnel relays raw bytes both ways until either side closes. Each
// direction half-closes its write side when its read side drains.
func tunnel(client net.Conn, clientReader io.Reader, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := make([]byte, copyBufferSize)
		io.CopyBuffer(target, clientReader, buf)
		if tc, ok := target.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, copyBufferSize)
		io.CopyBuffer(client, target, buf)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	wg.Wait()
}

// handleRelay reissues a plain HTTP request through the fingerprinting
// engine and streams the response back on the client socket.
func (s *Server) handleRelay(pc *proxyConn, br *bufio.Reader, creq *clientRequest) {
	targetURL, err := creq.absoluteTarget()
	if err != nil {
		s.fail(pc, http.StatusBadRequest, err.Error())
		return
	}
	if strings.EqualFold(creq.header.Get(headerScheme), "https") {
		targetURL = "https://" + strings.TrimPrefix(targetURL, "http://")
	}

	override, _ := creq.upstreamOverride(true)

	tlsOnly := s.tlsOnly
	switch strings.ToLower(creq.header.Get(headerTLSOnly)) {
	case "true":
		tlsOnly = true
	case "false":
		tlsOnly = false
	}

	body, err := creq.readBody(br)
	if err != nil {
		s.fail(pc, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	treq := &transport.Request{
		Method:        creq.method,
		URL:           targetURL,
		Body:          body,
		ProxyOverride: override,
		Timeout:       s.timeout,
		// The client negotiated its own Accept-Encoding; hand the body
		// back exactly as the origin framed it.
		DisableDecompression: true,
	}
	if tlsOnly {
		treq.OrderedHeaders = creq.forwardFields()
	} else {
		treq.Headers = creq.forwardHeader()
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	sr, err := s.session.Engine().DoStream(ctx, treq)
	if err != nil {
		s.fail(pc, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer sr.Body.Close()

	writeRelayResponse(pc, sr)
}

func writeRelayResponse(w io.Writer, sr *transport.StreamResponse) {
	bw := bufio.NewWriterSize(w, copyBufferSize)

	status := sr.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", sr.StatusCode, http.StatusText(sr.StatusCode))
	}
	fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", status)

	for key, values := range sr.Headers {
		if hopByHop[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(bw, "%s: %s\r\n", key, v)
		}
	}
	// One exchange per client connection; closing delimits the body
	// even when the origin's framing was chunked.
	bw.WriteString("Connection: close\r\n\r\n")
	bw.Flush()

	buf := make([]byte, copyBufferSize)
	io.CopyBuffer(bw, sr.Body, buf)
	bw.Flush()
}

func (s *Server) fail(conn net.Conn, status int, message string) {
	s.failedReqs.Add(1)
	s.sendError(conn, status, message)
}

func (s *Server) sendError(conn net.Conn, status int, message string) {
	fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(message), message)
}

// portAllowed blocks mail submission and telnet ports; an open relay on
// loopback is still an open relay.
func portAllowed(port string) bool {
	switch port {
	case "25", "465", "587", "23":
		return false
	}
	return true
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

var errMissingHost = errors.New("missing host")

// headerField is one client header line with its original casing.
type headerField struct {
	name  string
	value string
}

// clientRequest is the parsed head of one proxied request. fields keeps
// the client's header order and casing; header is the canonical view
// used for lookups.
type clientRequest struct {
	method string
	target string
	proto  string
	fields []headerField
	header http.Header
	raw    []byte
}

// readClientRequest reads the request line and header block, keeping
// both the raw bytes and the ordered fields.
func readClientRequest(br *bufio.Reader) (*clientRequest, error) {
	var raw bytes.Buffer

	line, err := readHeaderLine(br, &raw)
	if err != nil {
		return nil, err
	}
	method, rest, ok := strings.Cut(line, " ")
	if !ok {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("malformed request line %q", line)
	}

	creq := &clientRequest{
		method: method,
		target: target,
		proto:  proto,
		header: make(http.Header),
	}
	for {
		line, err := readHeaderLine(br, &raw)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		value = strings.TrimLeft(value, " \t")
		creq.fields = append(creq.fields, headerField{name: name, value: value})
		creq.header.Add(name, value)
	}
	creq.raw = raw.Bytes()
	return creq, nil
}

func readHeaderLine(br *bufio.Reader, raw *bytes.Buffer) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	raw.WriteString(line)
	return strings.TrimRight(line, "\r\n"), nil
}

// upstreamOverride extracts the per-request proxy override and reports
// whether one was present. The legacy header is honored only on the
// plain HTTP path.
func (c *clientRequest) upstreamOverride(allowLegacy bool) (string, bool) {
	if v := c.header.Get("Proxy-Authorization"); strings.HasPrefix(v, overrideScheme) {
		uri := strings.TrimSpace(strings.TrimPrefix(v, overrideScheme))
		if uri != "" {
			return uri, true
		}
	}
	if allowLegacy {
		if v := c.header.Get(headerLegacyUpstream); v != "" {
			return v, true
		}
	}
	return "", false
}

// absoluteTarget resolves the relay target URL. Proxy clients send the
// absolute form; origin-form requests fall back to the Host header.
func (c *clientRequest) absoluteTarget() (string, error) {
	if strings.HasPrefix(c.target, "http://") || strings.HasPrefix(c.target, "https://") {
		return c.target, nil
	}
	host := c.header.Get("Host")
	if host == "" {
		return "", errMissingHost
	}
	if !strings.HasPrefix(c.target, "/") {
		return "", fmt.Errorf("unsupported request target %q", c.target)
	}
	return "http://" + host + c.target, nil
}

// readBody replays the captured head through net/http so the body is
// read with standard framing, including chunked client bodies.
func (c *clientRequest) readBody(br *bufio.Reader) ([]byte, error) {
	replay := bufio.NewReader(io.MultiReader(bytes.NewReader(c.raw), br))
	hreq, err := http.ReadRequest(replay)
	if err != nil {
		return nil, err
	}
	defer hreq.Body.Close()
	body, err := io.ReadAll(hreq.Body)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// internalHeader reports headers consumed by the proxy itself.
func internalHeader(name string) bool {
	return strings.EqualFold(name, headerLegacyUpstream) ||
		strings.EqualFold(name, headerScheme) ||
		strings.EqualFold(name, headerTLSOnly)
}

// forwardFields returns the ordered header fields to forward verbatim,
// minus hop-by-hop and proxy-internal headers.
func (c *clientRequest) forwardFields() [][2]string {
	fields := make([][2]string, 0, len(c.fields))
	for _, f := range c.fields {
		if hopByHop[http.CanonicalHeaderKey(f.name)] || internalHeader(f.name) {
			continue
		}
		fields = append(fields, [2]string{f.name, f.value})
	}
	return fields
}

// forwardHeader returns the canonical header set to forward, minus
// hop-by-hop and proxy-internal headers. Host is dropped too; the
// engine derives it from the target URL.
func (c *clientRequest) forwardHeader() http.Header {
	h := make(http.Header, len(c.header))
	for key, values := range c.header {
		ck := http.CanonicalHeaderKey(key)
		if hopByHop[ck] || internalHeader(ck) || ck == "Host" {
			continue
		}
		h[ck] = append([]string(nil), values...)
	}
	return h
}
