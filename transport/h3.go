package transport

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/quic-go"
	"github.com/sardanioss/quic-go/http3"
	tls "github.com/sardanioss/utls"

	"github.com/mikrodotnet/httpcloak/dns"
	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/keylog"
	"github.com/mikrodotnet/httpcloak/pool"
	"github.com/mikrodotnet/httpcloak/proxy"
)

// HTTP/3 SETTINGS identifiers.
const (
	settingQPACKMaxTableCapacity = 0x1
	settingQPACKBlockedStreams   = 0x7
)

// QUIC transport parameter IDs Chrome sends beyond the RFC 9000 set.
const (
	tpVersionInformation = 0x11   // RFC 9368 version negotiation
	tpGoogleVersion      = 0x4752 // Google's custom version param
)

func init() {
	os.Setenv("QUIC_GO_DISABLE_RECEIVE_BUFFER_WARNING", "1")
	quic.SetAdditionalTransportParameters(buildChromeTransportParams())
}

// buildChromeTransportParams returns the extra transport parameters Chrome
// includes in its QUIC handshake: RFC 9368 version information with a
// GREASE version listed before QUICv1, and Google's legacy version param.
func buildChromeTransportParams() map[uint64][]byte {
	params := make(map[uint64][]byte)

	versionInfo := make([]byte, 0, 12)
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, 0x00000001)
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, generateGREASEVersion())
	versionInfo = binary.BigEndian.AppendUint32(versionInfo, 0x00000001)
	params[tpVersionInformation] = versionInfo

	googleVersion := make([]byte, 4)
	binary.BigEndian.PutUint32(googleVersion, 0x00000001)
	params[tpGoogleVersion] = googleVersion

	return params
}

// generateGREASEVersion returns a version of form 0x?a?a?a?a.
func generateGREASEVersion() uint32 {
	nibble := byte(rand.Intn(16))
	return uint32(nibble)<<28 | 0x0a000000 |
		uint32(nibble)<<20 | 0x000a0000 |
		uint32(nibble)<<12 | 0x00000a00 |
		uint32(nibble)<<4 | 0x0000000a
}

// generateGREASESettingID returns a setting ID of the form 0x1f*N + 0x21.
// Chrome uses very large N values, producing 10-11 digit IDs.
func generateGREASESettingID() uint64 {
	n := uint64(1000000000 + rand.Int63n(9000000000))
	return 0x1f*n + 0x21
}

// h3Transport drives HTTP/3 over QUIC with the profile's handshake
// fingerprint. Each pooled carrier owns one UDP path (a direct socket, a
// SOCKS5 relay association, or a MASQUE tunnel) plus the http3 transport
// riding on it, so switching proxies never leaks packets across routes.
type h3Transport struct {
	profile      *fingerprint.Profile
	dnsCache     *dns.Cache
	pool         *pool.Pool
	sessionCache tls.ClientSessionCache

	// Chrome shuffles TLS extensions and transport parameters once per
	// session, not per connection. The seed and the specs derived from it
	// are fixed for the transport's lifetime.
	shuffleSeed int64
	helloSpec   *tls.ClientHelloSpec
	pskSpec     *tls.ClientHelloSpec

	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

func newH3Transport(profile *fingerprint.Profile, dnsCache *dns.Cache, p *pool.Pool, sessions tls.ClientSessionCache) *h3Transport {
	var seedBytes [8]byte
	crand.Read(seedBytes[:])
	shuffleSeed := int64(binary.LittleEndian.Uint64(seedBytes[:]))

	t := &h3Transport{
		profile:      profile,
		dnsCache:     dnsCache,
		pool:         p,
		sessionCache: sessions,
		shuffleSeed:  shuffleSeed,
	}

	helloID := t.quicHelloID()
	if helloID != nil {
		if spec, err := tls.UTLSIdToSpecWithSeed(*helloID, shuffleSeed); err == nil {
			t.helloSpec = &spec
		}
	}
	if profile.QUICPSKClientHelloID.Client != "" {
		if spec, err := tls.UTLSIdToSpecWithSeed(profile.QUICPSKClientHelloID, shuffleSeed); err == nil {
			t.pskSpec = &spec
		}
	}

	t.tlsConfig = &tls.Config{
		NextProtos:         []string{http3.NextProtoH3},
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: sessions,
		KeyLogWriter:       keylog.GetWriter(),
	}
	t.quicConfig = &quic.Config{
		MaxIdleTimeout:                30 * time.Second,
		KeepAlivePeriod:               30 * time.Second,
		MaxIncomingStreams:            100,
		MaxIncomingUniStreams:         103,
		Allow0RTT:                     true,
		EnableDatagrams:               true,
		InitialPacketSize:             1250,
		DisableClientHelloScrambling:  true,
		ChromeStyleInitialPackets:     true,
		ClientHelloID:                 helloID,
		CachedClientHelloSpec:         t.helloSpec,
		TransportParameterOrder:       quic.TransportParameterOrderChrome,
		TransportParameterShuffleSeed: shuffleSeed,
	}
	return t
}

func (t *h3Transport) quicHelloID() *tls.ClientHelloID {
	if t.profile.QUICClientHelloID.Client != "" {
		return &t.profile.QUICClientHelloID
	}
	if t.profile.ClientHelloID.Client != "" {
		return &t.profile.ClientHelloID
	}
	return nil
}

func (t *h3Transport) additionalSettings() map[uint64]uint64 {
	return map[uint64]uint64{
		settingQPACKMaxTableCapacity: 65536,
		settingQPACKBlockedStreams:   100,
		generateGREASESettingID():    uint64(1 + rand.Uint32()%(1<<32-1)),
	}
}

// h3Carrier is the pooled unit: one UDP path and the http3 transport
// using it.
type h3Carrier struct {
	tr         *http3.Transport
	quicTr     *quic.Transport
	packetConn net.PacketConn
}

func (c *h3Carrier) Close() error {
	err := c.tr.Close()
	if c.quicTr != nil {
		c.quicTr.Close()
	}
	if c.packetConn != nil {
		c.packetConn.Close()
	}
	return err
}

func (t *h3Transport) roundTrip(ctx context.Context, req *http.Request, route proxy.Route, tm *Timing) (*http.Response, bool, error) {
	host := req.URL.Hostname()
	port := req.URL.Port()
	if port == "" {
		port = "443"
	}
	key := pool.Key{
		Profile: t.profile.Name,
		Route:   route.Key(),
		Version: "h3",
		Host:    host,
		Port:    port,
	}

	if pooled := t.pool.Get(key); pooled != nil {
		carrier := pooled.Carrier.(*h3Carrier)
		resp, err := carrier.tr.RoundTrip(req.WithContext(ctx))
		if err == nil {
			resp.Body = newReleaseReader(resp.Body, pooled.Release)
			return resp, true, nil
		}
		pooled.Release()
		t.pool.Evict(key)
		if req.Body != nil && req.GetBody == nil {
			return nil, false, WrapError("roundtrip", host, "h3", err)
		}
		if req.GetBody != nil {
			body, gerr := req.GetBody()
			if gerr != nil {
				return nil, false, WrapError("roundtrip", host, "h3", err)
			}
			req.Body = body
		}
	}

	carrier, err := t.newCarrier(route)
	if err != nil {
		return nil, false, err
	}
	conn := t.pool.Put(pool.NewConn(key, carrier))
	carrier = conn.Carrier.(*h3Carrier)

	start := time.Now()
	resp, err := carrier.tr.RoundTrip(req.WithContext(ctx))
	if err != nil {
		conn.Release()
		t.pool.Evict(key)
		return nil, false, WrapError("roundtrip", host, "h3", err)
	}
	tm.observe(&tm.TLSMS, start)
	resp.Body = newReleaseReader(resp.Body, conn.Release)
	return resp, false, nil
}

// newCarrier builds the UDP path for the route and the http3 transport
// on top of it. The dial hook runs lazily on the first request, so DNS
// and proxy establishment errors surface through RoundTrip.
func (t *h3Transport) newCarrier(route proxy.Route) (*h3Carrier, error) {
	carrier := &h3Carrier{}

	var dial func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error)
	switch route.Kind {
	case proxy.KindSOCKS5UDP:
		sconn, err := proxy.NewSOCKS5UDPConn(route.URL)
		if err != nil {
			return nil, NewProxyError("", err)
		}
		carrier.packetConn = sconn
		dial = func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
			if err := sconn.Establish(ctx); err != nil {
				return nil, err
			}
			if carrier.quicTr == nil {
				carrier.quicTr = &quic.Transport{Conn: sconn}
			}
			return t.dialResolved(ctx, carrier.quicTr, addr, cfg)
		}

	case proxy.KindMASQUE:
		mconn, err := proxy.NewMASQUEConn(route.URL)
		if err != nil {
			return nil, NewProxyError("", err)
		}
		carrier.packetConn = mconn
		dial = func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
			return t.dialThroughMASQUE(ctx, mconn, addr)
		}

	default:
		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			udpConn, err = net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: 0})
			if err != nil {
				return nil, NewConnectionError("", "h3", err)
			}
		}
		carrier.quicTr = &quic.Transport{Conn: udpConn}
		dial = func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
			return t.dialResolved(ctx, carrier.quicTr, addr, cfg)
		}
	}

	carrier.tr = &http3.Transport{
		TLSClientConfig:        t.tlsConfig,
		QUICConfig:             t.quicConfig,
		Dial:                   dial,
		EnableDatagrams:        true,
		AdditionalSettings:     t.additionalSettings(),
		MaxResponseHeaderBytes: 262144,
		SendGreaseFrames:       true,
	}
	return carrier, nil
}

// dialResolved resolves the authority, prepares per-connection TLS and
// QUIC configs, and races address families Happy Eyeballs style with
// IPv6 given a 2 second head start.
func (t *h3Transport) dialResolved(ctx context.Context, quicTr *quic.Transport, addr string, cfg *quic.Config) (*quic.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}

	ips, err := t.dnsCache.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	var ipv4Addrs, ipv6Addrs []*net.UDPAddr
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ipv4Addrs = append(ipv4Addrs, &net.UDPAddr{IP: v4, Port: portInt})
		} else if ip.To16() != nil {
			ipv6Addrs = append(ipv6Addrs, &net.UDPAddr{IP: ip, Port: portInt})
		}
	}
	if len(ipv4Addrs) == 0 && len(ipv6Addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}

	tlsCfg := t.tlsConfig.Clone()
	tlsCfg.ServerName = host
	// Clone does not carry the session cache over.
	tlsCfg.ClientSessionCache = t.sessionCache

	echConfigList, _ := dns.FetchECHConfig(ctx, host)

	makeConfig := func() *quic.Config {
		c := t.quicConfig.Clone()
		c.CachedClientHelloSpec = t.specFor(host)
		if echConfigList != nil {
			c.ECHConfigList = echConfigList
		}
		return c
	}

	if len(ipv6Addrs) == 0 {
		return dialFirstSuccessful(ctx, quicTr, ipv4Addrs, tlsCfg, makeConfig())
	}
	if len(ipv4Addrs) == 0 {
		return dialFirstSuccessful(ctx, quicTr, ipv6Addrs, tlsCfg, makeConfig())
	}

	ipv6Ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	conn, _ := dialFirstSuccessful(ipv6Ctx, quicTr, ipv6Addrs, tlsCfg, makeConfig())
	cancel()
	if conn != nil {
		return conn, nil
	}
	return dialFirstSuccessful(ctx, quicTr, ipv4Addrs, tlsCfg, makeConfig())
}

// specFor picks the resumption hello when a session is cached for the
// host, matching how a browser's resumed connection differs from a
// fresh one.
func (t *h3Transport) specFor(host string) *tls.ClientHelloSpec {
	if t.pskSpec != nil && t.sessionCache != nil {
		if session, ok := t.sessionCache.Get(host); ok && session != nil {
			return t.pskSpec
		}
	}
	return t.helloSpec
}

func dialFirstSuccessful(ctx context.Context, quicTr *quic.Transport, addrs []*net.UDPAddr, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := quicTr.Dial(ctx, addr, tlsCfg, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// dialThroughMASQUE opens the CONNECT-UDP tunnel to the target, then
// dials the inner QUIC connection through it. The inner handshake keeps
// the profile hello and ECH but drops the multi-packet Initial pattern,
// which does not survive datagram framing through the tunnel.
func (t *h3Transport) dialThroughMASQUE(ctx context.Context, mconn *proxy.MASQUEConn, addr string) (*quic.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", port, err)
	}

	if err := mconn.EstablishWithQUICConfig(ctx, host, portInt, t.tlsConfig, t.quicConfig); err != nil {
		return nil, fmt.Errorf("masque tunnel: %w", err)
	}

	ip, err := t.dnsCache.ResolveOne(ctx, host)
	if err != nil {
		return nil, err
	}
	targetAddr := &net.UDPAddr{IP: ip, Port: portInt}
	mconn.SetResolvedTarget(targetAddr)

	tlsCfg := t.tlsConfig.Clone()
	tlsCfg.ServerName = host
	tlsCfg.ClientSessionCache = t.sessionCache

	echConfigList, _ := dns.FetchECHConfig(ctx, host)

	cfg := &quic.Config{
		MaxIdleTimeout:                30 * time.Second,
		KeepAlivePeriod:               30 * time.Second,
		MaxIncomingStreams:            100,
		MaxIncomingUniStreams:         103,
		Allow0RTT:                     true,
		EnableDatagrams:               true,
		InitialPacketSize:             1200,
		DisablePathMTUDiscovery:       true,
		DisableClientHelloScrambling:  true,
		TransportParameterOrder:       quic.TransportParameterOrderChrome,
		TransportParameterShuffleSeed: t.shuffleSeed,
		ClientHelloID:                 t.quicHelloID(),
		CachedClientHelloSpec:         t.specFor(host),
		ECHConfigList:                 echConfigList,
	}
	return quic.DialEarly(ctx, mconn, targetAddr, tlsCfg, cfg)
}
