package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/httpcloak/dns"
	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/keylog"
	"github.com/mikrodotnet/httpcloak/pool"
	"github.com/mikrodotnet/httpcloak/proxy"
)

// h1MaxDrainBytes bounds how much leftover body we read before giving up
// on connection reuse and closing it instead.
const h1MaxDrainBytes = 256 << 10

// h1Transport speaks HTTP/1.1 over pooled keep-alive connections.
// Requests on the same connection are serialized, which is also how a
// browser drives a single h1 connection.
type h1Transport struct {
	profile         *fingerprint.Profile
	dnsCache        *dns.Cache
	pool            *pool.Pool
	sessionCache    utls.ClientSessionCache
	connectTimeout  time.Duration
	responseTimeout time.Duration
}

func newH1Transport(profile *fingerprint.Profile, dnsCache *dns.Cache, p *pool.Pool, sessions utls.ClientSessionCache) *h1Transport {
	return &h1Transport{
		profile:         profile,
		dnsCache:        dnsCache,
		pool:            p,
		sessionCache:    sessions,
		connectTimeout:  30 * time.Second,
		responseTimeout: 120 * time.Second,
	}
}

type h1Carrier struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	// mu is held for the full exchange, from request write until the
	// response body is closed.
	mu sync.Mutex
}

func (c *h1Carrier) Close() error {
	return c.conn.Close()
}

func (t *h1Transport) roundTrip(ctx context.Context, req *http.Request, ordered [][2]string, route proxy.Route, tm *Timing) (*http.Response, bool, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	key := pool.Key{
		Profile: t.profile.Name,
		Route:   route.Key(),
		Version: "h1",
		Host:    host,
		Port:    port,
	}

	if pooled := t.pool.Get(key); pooled != nil {
		resp, err := t.exchange(ctx, pooled, req, ordered)
		if err == nil {
			return resp, true, nil
		}
		pooled.Release()
		t.pool.Evict(key)
		if req.Body != nil && req.GetBody == nil {
			return nil, false, WrapError("roundtrip", host, "h1", err)
		}
		if req.GetBody != nil {
			body, gerr := req.GetBody()
			if gerr != nil {
				return nil, false, WrapError("roundtrip", host, "h1", err)
			}
			req.Body = body
		}
	}

	carrier, err := t.dial(ctx, host, port, req.URL.Scheme, route, tm)
	if err != nil {
		return nil, false, err
	}
	conn := t.pool.Put(pool.NewConn(key, carrier))

	resp, err := t.exchange(ctx, conn, req, ordered)
	if err != nil {
		conn.Release()
		t.pool.Evict(key)
		return nil, false, WrapError("roundtrip", host, "h1", err)
	}
	return resp, false, nil
}

// exchange performs one serialized request/response pair on an acquired
// pooled connection. On success the returned body owns the connection
// lock and the pool reference; on error the caller still owns the pool
// reference.
func (t *h1Transport) exchange(ctx context.Context, conn *pool.Conn, req *http.Request, ordered [][2]string) (*http.Response, error) {
	carrier := conn.Carrier.(*h1Carrier)
	carrier.mu.Lock()

	// The request context bounds the exchange; the response timeout only
	// backstops requests that carry no deadline of their own.
	deadline := time.Now().Add(t.responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	carrier.conn.SetDeadline(deadline)

	if err := t.writeRequest(carrier.bw, req, ordered); err != nil {
		carrier.mu.Unlock()
		return nil, err
	}
	resp, err := http.ReadResponse(carrier.br, req)
	if err != nil {
		carrier.mu.Unlock()
		return nil, err
	}

	keepAlive := shouldKeepAlive(req, resp)
	resp.Body = &h1Body{
		body:      resp.Body,
		conn:      conn,
		carrier:   carrier,
		pool:      t.pool,
		keepAlive: keepAlive,
	}
	return resp, nil
}

func (t *h1Transport) writeRequest(bw *bufio.Writer, req *http.Request, ordered [][2]string) error {
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", req.Method, uri)

	if ordered != nil {
		// Verbatim mode: the caller owns the entire header block,
		// including Host and framing headers. Nothing is injected.
		for _, f := range ordered {
			fmt.Fprintf(bw, "%s: %s\r\n", f[0], f[1])
		}
	} else {
		host := req.Host
		if host == "" {
			host = req.URL.Host
		}
		fmt.Fprintf(bw, "Host: %s\r\n", host)
		t.writeOrderedHeaders(bw, req)
	}
	bw.WriteString("\r\n")
	if err := bw.Flush(); err != nil {
		return err
	}

	if req.Body != nil {
		if _, err := io.Copy(bw, req.Body); err != nil {
			return err
		}
		req.Body.Close()
		return bw.Flush()
	}
	return nil
}

// writeOrderedHeaders emits headers in the profile's wire order. Headers
// the profile does not name follow in map order, matching what the
// browser does with script-added headers.
func (t *h1Transport) writeOrderedHeaders(bw *bufio.Writer, req *http.Request) {
	written := make(map[string]bool, len(req.Header))
	emit := func(canonical string) {
		lower := strings.ToLower(canonical)
		if written[lower] {
			return
		}
		if values, ok := req.Header[http.CanonicalHeaderKey(canonical)]; ok {
			for _, v := range values {
				fmt.Fprintf(bw, "%s: %s\r\n", http.CanonicalHeaderKey(canonical), v)
			}
			written[lower] = true
		}
	}

	for _, name := range t.profile.HeaderOrder {
		emit(name)
	}
	for key := range req.Header {
		if strings.EqualFold(key, "Host") {
			continue
		}
		emit(key)
	}

	if !written["content-length"] && req.Body != nil && req.ContentLength >= 0 {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", req.ContentLength)
	}
	if !written["connection"] {
		bw.WriteString("Connection: keep-alive\r\n")
	}
}

func shouldKeepAlive(req *http.Request, resp *http.Response) bool {
	// ReadResponse strips the Connection header and folds it, together
	// with the HTTP/1.0 defaults, into resp.Close.
	if resp.Close {
		return false
	}
	return !strings.EqualFold(req.Header.Get("Connection"), "close")
}

// h1Body releases the serialized connection once the caller is done with
// the response. Leftover body bytes are drained so the next exchange
// starts at a message boundary; connections with too much left unread
// are cheaper to replace than to drain.
type h1Body struct {
	body      io.ReadCloser
	conn      *pool.Conn
	carrier   *h1Carrier
	pool      *pool.Pool
	keepAlive bool
	closed    bool
}

func (b *h1Body) Read(p []byte) (int, error) {
	return b.body.Read(p)
}

func (b *h1Body) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	reusable := b.keepAlive
	if reusable {
		n, err := io.CopyN(io.Discard, b.body, h1MaxDrainBytes)
		if err == nil && n == h1MaxDrainBytes {
			reusable = false
		} else if err != nil && err != io.EOF {
			reusable = false
		}
	}
	err := b.body.Close()
	b.carrier.conn.SetDeadline(time.Time{})
	b.carrier.mu.Unlock()

	if !reusable {
		b.pool.Evict(b.conn.Key)
	}
	b.conn.Release()
	return err
}

func (t *h1Transport) dial(ctx context.Context, host, port, scheme string, route proxy.Route, tm *Timing) (*h1Carrier, error) {
	var rawConn net.Conn
	var err error

	switch route.Kind {
	case proxy.KindSOCKS5, proxy.KindHTTPConnect:
		pd, derr := newTCPProxyDialer(route)
		if derr != nil {
			return nil, NewProxyError(host, derr)
		}
		start := time.Now()
		rawConn, err = pd.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, NewProxyError(host, err)
		}
		tm.observe(&tm.ConnectMS, start)

	default:
		start := time.Now()
		ip, derr := t.dnsCache.ResolveOne(ctx, host)
		if derr != nil {
			return nil, NewDNSError(host, derr)
		}
		tm.observe(&tm.DNSMS, start)

		dialer := &net.Dialer{Timeout: t.connectTimeout, KeepAlive: 30 * time.Second}
		start = time.Now()
		rawConn, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), port))
		if err != nil {
			return nil, NewConnectionError(host, "h1", err)
		}
		tm.observe(&tm.ConnectMS, start)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}

	conn := rawConn
	if scheme != "http" {
		tlsConfig := &utls.Config{
			ServerName:         host,
			MinVersion:         utls.VersionTLS12,
			MaxVersion:         utls.VersionTLS13,
			ClientSessionCache: t.sessionCache,
			KeyLogWriter:       keylog.GetWriter(),
			// No h2 in ALPN so the server cannot upgrade us.
			NextProtos: []string{"http/1.1"},
		}
		tlsConn := utls.UClient(rawConn, tlsConfig, t.profile.ClientHelloID)
		tlsConn.SetSessionCache(t.sessionCache)

		start := time.Now()
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			if isALPNRefusal(err) {
				// Offering only http/1.1 got the handshake refused:
				// the target does not speak HTTP/1.1 over TLS.
				return nil, NewVersionError(host, "h1", "no http/1.1 in alpn")
			}
			return nil, NewTLSError(host, "h1", err)
		}
		tm.observe(&tm.TLSMS, start)
		conn = tlsConn
	}

	return &h1Carrier{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 4096),
		bw:   bufio.NewWriterSize(conn, 4096),
	}, nil
}

// isALPNRefusal reports whether a handshake failure was the peer
// rejecting the ALPN offer outright (the no_application_protocol
// alert). The alert only carries its description text, so the match is
// on that.
func isALPNRefusal(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no application protocol")
}
