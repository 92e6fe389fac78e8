package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"
)

// maxUDPDatagram is the largest relay packet we accept.
const maxUDPDatagram = 65535

// SOCKS5UDPConn is a net.PacketConn that relays UDP through a SOCKS5 proxy
// via UDP ASSOCIATE. QUIC dials through it to reach HTTP/3 targets behind
// a SOCKS5 upstream.
//
// The TCP control connection must stay open for the relay's lifetime; the
// proxy tears down the association when it drops.
type SOCKS5UDPConn struct {
	proxyHost string
	proxyPort string
	username  string
	password  string

	tcpConn   net.Conn
	udpConn   *net.UDPConn
	relayAddr *net.UDPAddr

	mu          sync.RWMutex
	established bool
	closed      bool

	readDeadline  time.Time
	writeDeadline time.Time

	readBuf []byte
}

// NewSOCKS5UDPConn builds an unestablished relay conn from
// socks5://[user:pass@]host:port. Call Establish before use.
func NewSOCKS5UDPConn(proxyURL string) (*SOCKS5UDPConn, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if parsed.Scheme != "socks5" && parsed.Scheme != "socks5h" {
		return nil, fmt.Errorf("%w: %q (need socks5)", ErrUnsupportedProxyScheme, parsed.Scheme)
	}

	c := &SOCKS5UDPConn{
		proxyHost: parsed.Hostname(),
		proxyPort: parsed.Port(),
		readBuf:   make([]byte, maxUDPDatagram),
	}
	if c.proxyPort == "" {
		c.proxyPort = "1080"
	}
	if parsed.User != nil {
		c.username = parsed.User.Username()
		c.password, _ = parsed.User.Password()
	}
	return c, nil
}

// Establish performs the UDP ASSOCIATE handshake. General-failure replies
// are retried a few times: load-balanced proxy pools routinely mix servers
// with and without UDP support.
func (c *SOCKS5UDPConn) Establish(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.established {
		return nil
	}
	if c.closed {
		return net.ErrClosed
	}

	const maxAttempts = 5
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.associate(ctx)
		if err == nil {
			c.established = true
			go c.watchControl()
			return nil
		}
		lastErr = err

		if c.udpConn != nil {
			c.udpConn.Close()
			c.udpConn = nil
		}
		if c.tcpConn != nil {
			c.tcpConn.Close()
			c.tcpConn = nil
		}

		var re *replyError
		if !errors.As(err, &re) || re.code != replyGeneralFailure {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if attempt < maxAttempts {
			time.Sleep(500 * time.Millisecond)
		}
	}
	return fmt.Errorf("UDP ASSOCIATE failed after %d attempts: %w", maxAttempts, lastErr)
}

// associate runs one handshake: control connection, auth, local UDP socket,
// UDP ASSOCIATE request, relay address from the reply.
func (c *SOCKS5UDPConn) associate(ctx context.Context) error {
	tcpConn, err := dialProxyTCP(ctx, c.proxyHost, c.proxyPort, 30*time.Second)
	if err != nil {
		return err
	}
	c.tcpConn = tcpConn
	if deadline, ok := ctx.Deadline(); ok {
		tcpConn.SetDeadline(deadline)
	}

	if err := socks5Negotiate(tcpConn, c.username, c.password); err != nil {
		return fmt.Errorf("socks5 handshake: %w", err)
	}

	// IPv4 local socket; dual-stack relays are rare and v4 always works.
	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return fmt.Errorf("create UDP socket: %w", err)
	}
	c.udpConn = udpConn

	// RFC 1928 lets a client that doesn't yet know its send address use all
	// zeros, and most relays accept from any source anyway.
	req := []byte{socks5Version, cmdUDPAssociate, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := tcpConn.Write(req); err != nil {
		return fmt.Errorf("send UDP ASSOCIATE: %w", err)
	}

	bound, err := readSocks5Reply(tcpConn)
	if err != nil {
		return fmt.Errorf("UDP ASSOCIATE: %w", err)
	}

	relayIP := bound.IP
	if bound.Domain != "" {
		ips, err := net.LookupIP(bound.Domain)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("resolve relay host %s: %w", bound.Domain, err)
		}
		relayIP = ips[0]
	}
	// An unspecified bound address means "send to the proxy itself".
	if relayIP == nil || relayIP.IsUnspecified() {
		relayIP = net.ParseIP(c.proxyHost)
		if relayIP == nil {
			ips, err := net.LookupIP(c.proxyHost)
			if err != nil || len(ips) == 0 {
				return fmt.Errorf("resolve proxy host %s: %w", c.proxyHost, err)
			}
			relayIP = ips[0]
		}
	}
	c.relayAddr = &net.UDPAddr{IP: relayIP, Port: bound.Port}

	tcpConn.SetDeadline(time.Time{})
	return nil
}

// watchControl blocks on the control connection and tears the relay down
// when the proxy closes it.
func (c *SOCKS5UDPConn) watchControl() {
	buf := make([]byte, 1)
	for {
		c.mu.RLock()
		tcpConn := c.tcpConn
		closed := c.closed
		c.mu.RUnlock()
		if closed || tcpConn == nil {
			return
		}

		tcpConn.SetReadDeadline(time.Now().Add(30 * time.Second))
		if _, err := tcpConn.Read(buf); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.Close()
			return
		}
	}
}

// WriteTo wraps b in a SOCKS5 UDP header and sends it to the relay.
func (c *SOCKS5UDPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, net.ErrClosed
	}
	if !c.established {
		c.mu.RUnlock()
		return 0, errors.New("socks5 UDP relay not established")
	}
	udpConn := c.udpConn
	relayAddr := c.relayAddr
	deadline := c.writeDeadline
	c.mu.RUnlock()

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected address type %T", addr)
	}

	packet := appendUDPHeader(nil, udpAddr)
	packet = append(packet, b...)

	if !deadline.IsZero() {
		udpConn.SetWriteDeadline(deadline)
	}
	if _, err := udpConn.WriteTo(packet, relayAddr); err != nil {
		return 0, fmt.Errorf("write to relay: %w", err)
	}
	return len(b), nil
}

// ReadFrom receives one relay packet, strips the SOCKS5 UDP header and
// returns the payload with the datagram's source address.
func (c *SOCKS5UDPConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return 0, nil, net.ErrClosed
	}
	if !c.established {
		c.mu.RUnlock()
		return 0, nil, errors.New("socks5 UDP relay not established")
	}
	udpConn := c.udpConn
	deadline := c.readDeadline
	c.mu.RUnlock()

	if !deadline.IsZero() {
		udpConn.SetReadDeadline(deadline)
	}
	n, _, err := udpConn.ReadFrom(c.readBuf)
	if err != nil {
		return 0, nil, err
	}

	offset, srcAddr, err := parseUDPHeader(c.readBuf[:n])
	if err != nil {
		return 0, nil, fmt.Errorf("bad relay packet: %w", err)
	}
	copied := copy(b, c.readBuf[offset:n])
	return copied, srcAddr, nil
}

func (c *SOCKS5UDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.udpConn != nil {
		if err := c.udpConn.Close(); err != nil {
			firstErr = err
		}
		c.udpConn = nil
	}
	if c.tcpConn != nil {
		if err := c.tcpConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.tcpConn = nil
	}
	return firstErr
}

func (c *SOCKS5UDPConn) LocalAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.udpConn != nil {
		return c.udpConn.LocalAddr()
	}
	return nil
}

func (c *SOCKS5UDPConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *SOCKS5UDPConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *SOCKS5UDPConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// RelayAddr returns the relay endpoint chosen by the proxy, nil before
// Establish succeeds.
func (c *SOCKS5UDPConn) RelayAddr() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relayAddr
}

// appendUDPHeader appends RSV + FRAG + ATYP + DST.ADDR + DST.PORT.
func appendUDPHeader(dst []byte, addr *net.UDPAddr) []byte {
	dst = append(dst, 0x00, 0x00, 0x00) // RSV, FRAG
	if ip4 := addr.IP.To4(); ip4 != nil {
		dst = append(dst, atypIPv4)
		dst = append(dst, ip4...)
	} else if ip16 := addr.IP.To16(); ip16 != nil {
		dst = append(dst, atypIPv6)
		dst = append(dst, ip16...)
	} else {
		dst = append(dst, atypIPv4, 0, 0, 0, 0)
	}
	return binary.BigEndian.AppendUint16(dst, uint16(addr.Port))
}

// parseUDPHeader validates the relay header and returns the payload offset
// and the datagram's source address. Fragmented packets are rejected.
func parseUDPHeader(packet []byte) (int, net.Addr, error) {
	if len(packet) < 10 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	if packet[2] != 0x00 {
		return 0, nil, fmt.Errorf("fragmented packet (frag=%d)", packet[2])
	}

	var ip net.IP
	var port uint16
	var offset int

	switch packet[3] {
	case atypIPv4:
		ip = net.IP(packet[4:8])
		port = binary.BigEndian.Uint16(packet[8:10])
		offset = 10
	case atypIPv6:
		if len(packet) < 22 {
			return 0, nil, io.ErrUnexpectedEOF
		}
		ip = net.IP(packet[4:20])
		port = binary.BigEndian.Uint16(packet[20:22])
		offset = 22
	case atypDomain:
		domainLen := int(packet[4])
		if len(packet) < 7+domainLen {
			return 0, nil, io.ErrUnexpectedEOF
		}
		// Relays that echo a domain here mean the exchange still works;
		// the source IP is only informational for the QUIC layer.
		if ips, err := net.LookupIP(string(packet[5 : 5+domainLen])); err == nil && len(ips) > 0 {
			ip = ips[0]
		} else {
			ip = net.IPv4zero
		}
		port = binary.BigEndian.Uint16(packet[5+domainLen : 7+domainLen])
		offset = 7 + domainLen
	default:
		return 0, nil, fmt.Errorf("bad address type %d", packet[3])
	}

	return offset, &net.UDPAddr{IP: ip, Port: int(port)}, nil
}
