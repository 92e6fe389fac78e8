package proxy

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	http "github.com/sardanioss/http"
	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/quic-go"
	"github.com/sardanioss/quic-go/http3"
)

const (
	// connectUDPProtocol is the :protocol value for Extended CONNECT (RFC 9298).
	connectUDPProtocol = "connect-udp"
	// capsuleProtocolValue signals capsule support per RFC 9297.
	capsuleProtocolValue = "?1"
	// masqueInitialPacketSize leaves room to tunnel inner QUIC at 1200 MTU.
	masqueInitialPacketSize = 1350
)

// MASQUEConn is a net.PacketConn that tunnels UDP through an HTTP/3 proxy
// with CONNECT-UDP (RFC 9298). The inner QUIC connection rides HTTP/3
// datagrams (RFC 9297) on a single Extended CONNECT request stream.
type MASQUEConn struct {
	proxyHost string
	proxyPort string
	username  string
	password  string

	targetHost string
	targetPort int
	// resolvedTarget is what ReadFrom reports as the datagram source. It
	// must match the address the inner QUIC layer dialed.
	resolvedTarget *net.UDPAddr

	quicConn     *quic.Conn
	clientConn   *http3.ClientConn
	tunnelStream *http3.RequestStream

	mu          sync.RWMutex
	established bool
	closed      bool

	readDeadline  time.Time
	writeDeadline time.Time

	localAddr  net.Addr
	datagramCh chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMASQUEConn builds an unestablished tunnel from
// masque://[user:pass@]host:port or an https:// provider URL.
func NewMASQUEConn(proxyURL string) (*MASQUEConn, error) {
	normalized, err := NormalizeMASQUEURL(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	c := &MASQUEConn{
		proxyHost:  parsed.Hostname(),
		proxyPort:  parsed.Port(),
		datagramCh: make(chan []byte, 100),
		localAddr:  &net.UDPAddr{IP: net.IPv4zero, Port: 0},
	}
	if c.proxyPort == "" {
		c.proxyPort = "443"
	}
	if parsed.User != nil {
		c.username = parsed.User.Username()
		c.password, _ = parsed.User.Password()
	}
	return c, nil
}

// Establish opens the tunnel with a plain TLS 1.3 config. Fingerprinted
// sessions pass their own configs through EstablishWithQUICConfig so the
// proxy leg carries the same hello as the target leg would.
func (c *MASQUEConn) Establish(ctx context.Context, targetHost string, targetPort int) error {
	tlsConfig := &tls.Config{
		NextProtos: []string{http3.NextProtoH3},
		MinVersion: tls.VersionTLS13,
	}
	quicConfig := &quic.Config{
		MaxIdleTimeout:    30 * time.Second,
		EnableDatagrams:   true,
		InitialPacketSize: masqueInitialPacketSize,
	}
	return c.EstablishWithQUICConfig(ctx, targetHost, targetPort, tlsConfig, quicConfig)
}

// EstablishWithQUICConfig dials the proxy over QUIC, verifies Extended
// CONNECT and datagram support, and opens the CONNECT-UDP tunnel to the
// target.
func (c *MASQUEConn) EstablishWithQUICConfig(ctx context.Context, targetHost string, targetPort int, tlsConfig *tls.Config, quicConfig *quic.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.established {
		return nil
	}
	if c.closed {
		return net.ErrClosed
	}

	c.targetHost = targetHost
	c.targetPort = targetPort

	// System resolver for the proxy host, same reasoning as the SOCKS5 path.
	resolver := &net.Resolver{PreferGo: false}
	ips, err := resolver.LookupHost(ctx, c.proxyHost)
	if err != nil {
		return fmt.Errorf("resolve proxy host %s: %w", c.proxyHost, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for proxy host %s", c.proxyHost)
	}
	port, err := strconv.Atoi(c.proxyPort)
	if err != nil {
		return fmt.Errorf("invalid proxy port %s: %w", c.proxyPort, err)
	}
	proxyAddr := &net.UDPAddr{IP: net.ParseIP(ips[0]), Port: port}

	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("create UDP socket: %w", err)
	}

	proxyTLS := tlsConfig.Clone()
	proxyTLS.ServerName = c.proxyHost
	proxyTLS.NextProtos = []string{http3.NextProtoH3}

	proxyQUIC := quicConfig.Clone()
	proxyQUIC.EnableDatagrams = true
	if proxyQUIC.InitialPacketSize == 0 {
		proxyQUIC.InitialPacketSize = masqueInitialPacketSize
	}

	quicConn, err := quic.Dial(ctx, udpConn, proxyAddr, proxyTLS, proxyQUIC)
	if err != nil {
		udpConn.Close()
		return fmt.Errorf("dial proxy: %w", err)
	}
	c.quicConn = quicConn

	tr := &http3.Transport{EnableDatagrams: true}
	c.clientConn = tr.NewClientConn(quicConn)

	select {
	case <-ctx.Done():
		c.quicConn.CloseWithError(0, "context cancelled")
		return ctx.Err()
	case <-c.clientConn.Context().Done():
		return fmt.Errorf("proxy connection closed: %w", c.clientConn.Context().Err())
	case <-c.clientConn.ReceivedSettings():
	}

	settings := c.clientConn.Settings()
	if !settings.EnableExtendedConnect {
		c.quicConn.CloseWithError(0, "no extended connect")
		return errors.New("proxy does not support Extended CONNECT")
	}
	if !settings.EnableDatagrams {
		c.quicConn.CloseWithError(0, "no datagrams")
		return errors.New("proxy does not support HTTP/3 datagrams")
	}

	if err := c.openTunnel(ctx); err != nil {
		c.quicConn.CloseWithError(0, "connect-udp failed")
		return fmt.Errorf("CONNECT-UDP: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.receiveDatagrams()

	c.established = true
	return nil
}

// openTunnel sends the Extended CONNECT request on a fresh request stream
// and checks the proxy's answer.
func (c *MASQUEConn) openTunnel(ctx context.Context) error {
	stream, err := c.clientConn.OpenRequestStream(ctx)
	if err != nil {
		return fmt.Errorf("open request stream: %w", err)
	}
	c.tunnelStream = stream

	path := fmt.Sprintf("/.well-known/masque/udp/%s/%d/", c.targetHost, c.targetPort)
	reqURL, _ := url.Parse(fmt.Sprintf("https://%s%s", net.JoinHostPort(c.proxyHost, c.proxyPort), path))

	headers := http.Header{
		http3.CapsuleProtocolHeader: []string{capsuleProtocolValue},
	}
	if c.username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		headers.Set("Proxy-Authorization", "Basic "+auth)
	}

	// Proto becomes the :protocol pseudo-header.
	req := &http.Request{
		Method: http.MethodConnect,
		Proto:  connectUDPProtocol,
		Host:   reqURL.Host,
		Header: headers,
		URL:    reqURL,
	}
	if err := stream.SendRequestHeader(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	rsp, err := stream.ReadResponse()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		switch rsp.StatusCode {
		case 407:
			return errors.New("proxy authentication required")
		case 403:
			return errors.New("proxy refused the tunnel")
		case 502, 503:
			return errors.New("proxy could not reach target")
		default:
			return fmt.Errorf("proxy responded with %d", rsp.StatusCode)
		}
	}

	// Some providers report the exit IP in a response header.
	if exitIP := rsp.Header.Get("X-Brd-Ip"); exitIP != "" {
		c.localAddr = &net.UDPAddr{IP: net.ParseIP(exitIP), Port: 0}
	}
	return nil
}

func (c *MASQUEConn) receiveDatagrams() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		data, err := c.tunnelStream.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		payload := unwrapDatagram(data)
		if payload == nil {
			continue
		}
		select {
		case c.datagramCh <- payload:
		default:
			// Full channel drops the packet; inner QUIC recovers.
		}
	}
}

// unwrapDatagram strips the varint context-ID prefix. Only context 0
// carries UDP payloads for CONNECT-UDP.
func unwrapDatagram(data []byte) []byte {
	contextID, n := readVarInt(data)
	if n == 0 || n >= len(data) {
		return nil
	}
	if contextID != 0 {
		return nil
	}
	return data[n:]
}

// wrapDatagram prepends context ID 0, which encodes as a single zero byte.
func wrapDatagram(data []byte) []byte {
	out := make([]byte, 1+len(data))
	copy(out[1:], data)
	return out
}

// WriteTo sends one UDP payload through the tunnel as an HTTP/3 datagram.
func (c *MASQUEConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, net.ErrClosed
	}
	if !c.established {
		c.mu.RUnlock()
		return 0, errors.New("masque tunnel not established")
	}
	stream := c.tunnelStream
	c.mu.RUnlock()

	if err := stream.SendDatagram(wrapDatagram(b)); err != nil {
		return 0, fmt.Errorf("send datagram: %w", err)
	}
	return len(b), nil
}

// ReadFrom returns the next tunneled payload. The reported source address
// is the resolved target, matching what the inner QUIC layer dialed.
func (c *MASQUEConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, nil, net.ErrClosed
	}
	if !c.established {
		c.mu.RUnlock()
		return 0, nil, errors.New("masque tunnel not established")
	}
	var deadline <-chan time.Time
	if !c.readDeadline.IsZero() {
		timer := time.NewTimer(time.Until(c.readDeadline))
		defer timer.Stop()
		deadline = timer.C
	}
	c.mu.RUnlock()

	select {
	case <-c.ctx.Done():
		return 0, nil, net.ErrClosed
	case <-deadline:
		return 0, nil, &net.OpError{Op: "read", Err: errors.New("i/o timeout")}
	case data := <-c.datagramCh:
		n := copy(b, data)
		c.mu.RLock()
		target := c.resolvedTarget
		c.mu.RUnlock()
		if target == nil {
			target = &net.UDPAddr{IP: net.ParseIP(c.targetHost), Port: c.targetPort}
			if target.IP == nil {
				target.IP = net.IPv4zero
			}
		}
		return n, target, nil
	}
}

func (c *MASQUEConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.cancel != nil {
		c.cancel()
	}

	var firstErr error
	if c.tunnelStream != nil {
		if err := c.tunnelStream.Close(); err != nil {
			firstErr = err
		}
	}
	if c.quicConn != nil {
		if err := c.quicConn.CloseWithError(0, "closed"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *MASQUEConn) LocalAddr() net.Addr {
	return c.localAddr
}

// SetResolvedTarget pins the address ReadFrom reports as the datagram
// source. Call it with the resolved target before handing the conn to QUIC.
func (c *MASQUEConn) SetResolvedTarget(addr *net.UDPAddr) {
	c.mu.Lock()
	c.resolvedTarget = addr
	c.mu.Unlock()
}

func (c *MASQUEConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *MASQUEConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *MASQUEConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// readVarInt decodes a QUIC variable-length integer, returning the value
// and bytes consumed, 0 when the buffer is short.
func readVarInt(data []byte) (uint64, int) {
	if len(data) == 0 {
		return 0, 0
	}
	length := 1 << (data[0] >> 6)
	if len(data) < length {
		return 0, 0
	}

	value := uint64(data[0] & 0x3f)
	for i := 1; i < length; i++ {
		value = value<<8 | uint64(data[i])
	}
	return value, length
}

// writeVarInt encodes a QUIC variable-length integer.
func writeVarInt(value uint64) []byte {
	switch {
	case value <= 63:
		return []byte{byte(value)}
	case value <= 16383:
		return []byte{byte(value>>8) | 0x40, byte(value)}
	case value <= 1073741823:
		return []byte{byte(value>>24) | 0x80, byte(value >> 16), byte(value >> 8), byte(value)}
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, value|0xc000000000000000)
		return buf
	}
}

// ParseMASQUETarget splits host:port into the pieces CONNECT-UDP needs.
func ParseMASQUETarget(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
