package transport

import (
	"context"
	"io"
	"net"
	"time"

	fhttp "github.com/sardanioss/http"
	"github.com/sardanioss/net/http2"
	utls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/httpcloak/dns"
	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/keylog"
	"github.com/mikrodotnet/httpcloak/pool"
	"github.com/mikrodotnet/httpcloak/proxy"
)

// h2Transport multiplexes requests over pooled HTTP/2 connections whose
// TLS handshake and frame prefix carry the profile's fingerprint.
type h2Transport struct {
	profile        *fingerprint.Profile
	dnsCache       *dns.Cache
	pool           *pool.Pool
	sessionCache   utls.ClientSessionCache
	connectTimeout time.Duration
}

func newH2Transport(profile *fingerprint.Profile, dnsCache *dns.Cache, p *pool.Pool, sessions utls.ClientSessionCache) *h2Transport {
	return &h2Transport{
		profile:        profile,
		dnsCache:       dnsCache,
		pool:           p,
		sessionCache:   sessions,
		connectTimeout: 30 * time.Second,
	}
}

// h2Carrier is the pooled unit: one TLS connection carrying one HTTP/2
// client connection.
type h2Carrier struct {
	tlsConn *utls.UConn
	cc      *http2.ClientConn
}

func (c *h2Carrier) Close() error {
	c.cc.Close()
	return c.tlsConn.Close()
}

// roundTrip runs on the fork's request and response types; the frame
// layer it drives is built against them. The engine converts at the
// boundary.
func (t *h2Transport) roundTrip(ctx context.Context, req *fhttp.Request, route proxy.Route, tm *Timing) (*fhttp.Response, bool, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	key := pool.Key{
		Profile: t.profile.Name,
		Route:   route.Key(),
		Version: "h2",
		Host:    host,
		Port:    port,
	}

	if pooled := t.pool.Get(key); pooled != nil {
		carrier := pooled.Carrier.(*h2Carrier)
		if carrier.cc.CanTakeNewRequest() {
			resp, err := carrier.cc.RoundTrip(req)
			if err == nil {
				resp.Body = newReleaseReader(resp.Body, pooled.Release)
				return resp, true, nil
			}
			pooled.Release()
			t.pool.Evict(key)
			// A pooled connection can die between the liveness check and
			// the write. Retry once on a fresh connection when the body
			// can be replayed.
			if req.Body != nil && req.GetBody == nil {
				return nil, false, WrapError("roundtrip", host, "h2", err)
			}
			if req.GetBody != nil {
				body, gerr := req.GetBody()
				if gerr != nil {
					return nil, false, WrapError("roundtrip", host, "h2", err)
				}
				req.Body = body
			}
		} else {
			pooled.Release()
		}
	}

	carrier, err := t.dial(ctx, host, port, route, tm)
	if err != nil {
		return nil, false, err
	}
	conn := t.pool.Put(pool.NewConn(key, carrier))
	carrier = conn.Carrier.(*h2Carrier)

	resp, err := carrier.cc.RoundTrip(req)
	if err != nil {
		conn.Release()
		t.pool.Evict(key)
		return nil, false, WrapError("roundtrip", host, "h2", err)
	}
	resp.Body = newReleaseReader(resp.Body, conn.Release)
	return resp, false, nil
}

func (t *h2Transport) dial(ctx context.Context, host, port string, route proxy.Route, tm *Timing) (*h2Carrier, error) {
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
			return nil, NewConnectionError(host, "h2", err)
		}
		tm.observe(&tm.ConnectMS, start)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
	}

	tlsConfig := &utls.Config{
		ServerName:         host,
		MinVersion:         utls.VersionTLS12,
		MaxVersion:         utls.VersionTLS13,
		ClientSessionCache: t.sessionCache,
		KeyLogWriter:       keylog.GetWriter(),
	}
	tlsConn := utls.UClient(rawConn, tlsConfig, t.profile.ClientHelloID)
	tlsConn.SetSessionCache(t.sessionCache)

	start := time.Now()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, NewTLSError(host, "h2", err)
	}
	tm.observe(&tm.TLSMS, start)

	if proto := tlsConn.ConnectionState().NegotiatedProtocol; proto != "h2" {
		tlsConn.Close()
		return nil, NewVersionError(host, "h2", proto)
	}

	shaped := &tlsConnWrapper{
		h2ShapingConn: newH2ShapingConn(tlsConn, t.profile),
		tlsConn:       tlsConn,
	}
	h2t := &http2.Transport{
		ReadIdleTimeout: 60 * time.Second,
		PingTimeout:     15 * time.Second,
	}
	cc, err := h2t.NewClientConn(shaped)
	if err != nil {
		tlsConn.Close()
		return nil, NewProtocolError(host, "h2", err)
	}
	return &h2Carrier{tlsConn: tlsConn, cc: cc}, nil
}

// releaseReader returns the pooled connection when the caller finishes
// with the response body.
type releaseReader struct {
	io.ReadCloser
	release func()
	done    bool
}

func newReleaseReader(body io.ReadCloser, release func()) io.ReadCloser {
	return &releaseReader{ReadCloser: body, release: release}
}

func (r *releaseReader) Close() error {
	err := r.ReadCloser.Close()
	if !r.done {
		r.done = true
		r.release()
	}
	return err
}
