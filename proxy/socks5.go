package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"
)

const (
	socks5Version = 0x05

	authNone     = 0x00
	authPassword = 0x02
	authNoAccept = 0xFF

	cmdConnect      = 0x01
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess        = 0x00
	replyGeneralFailure = 0x01
)

// replyError is a non-success SOCKS5 reply code. Kept as a typed error so
// callers can branch on the code without string matching.
type replyError struct {
	code byte
}

func (e *replyError) Error() string {
	return fmt.Sprintf("socks5: %s (reply %d)", replyCodeString(e.code), e.code)
}

func replyCodeString(code byte) string {
	switch code {
	case replySuccess:
		return "success"
	case replyGeneralFailure:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return "unknown failure"
	}
}

// SOCKS5Dialer opens TCP tunnels through a SOCKS5 proxy. Used for HTTP/1.1
// and HTTP/2 egress.
type SOCKS5Dialer struct {
	host     string
	port     string
	username string
	password string
	timeout  time.Duration
}

// NewSOCKS5Dialer builds a dialer from socks5://[user:pass@]host:port.
func NewSOCKS5Dialer(proxyURL string) (*SOCKS5Dialer, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if parsed.Scheme != "socks5" && parsed.Scheme != "socks5h" {
		return nil, fmt.Errorf("%w: %q (need socks5)", ErrUnsupportedProxyScheme, parsed.Scheme)
	}

	d := &SOCKS5Dialer{
		host:    parsed.Hostname(),
		port:    parsed.Port(),
		timeout: 30 * time.Second,
	}
	if d.port == "" {
		d.port = "1080"
	}
	if parsed.User != nil {
		d.username = parsed.User.Username()
		d.password, _ = parsed.User.Password()
	}
	return d, nil
}

// DialContext connects to addr through the proxy with a CONNECT command.
// The returned conn carries the tunnel; the SOCKS5 framing is done.
func (d *SOCKS5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	targetHost, targetPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := net.LookupPort("tcp", targetPort)
	if err != nil {
		return nil, fmt.Errorf("invalid target port: %w", err)
	}

	conn, err := dialProxyTCP(ctx, d.host, d.port, d.timeout)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := socks5Negotiate(conn, d.username, d.password); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5 handshake: %w", err)
	}

	req := []byte{socks5Version, cmdConnect, 0x00}
	req, err = appendSocks5Addr(req, targetHost, port)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5 connect: %w", err)
	}
	if _, err := readSocks5Reply(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks5 connect: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// dialProxyTCP resolves the proxy host with the system resolver and opens
// the control connection. The system resolver matters under c-shared builds
// where the pure-Go one cannot read host configuration.
func dialProxyTCP(ctx context.Context, host, port string, timeout time.Duration) (net.Conn, error) {
	resolver := &net.Resolver{PreferGo: false}
	ips, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve proxy host %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for proxy host %s", host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ips[0], port))
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}
	return conn, nil
}

// socks5Negotiate runs method selection and, when the proxy asks for it,
// RFC 1929 username/password authentication.
func socks5Negotiate(conn net.Conn, username, password string) error {
	var greeting []byte
	if username != "" {
		greeting = []byte{socks5Version, 0x02, authNone, authPassword}
	} else {
		greeting = []byte{socks5Version, 0x01, authNone}
	}
	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("read method selection: %w", err)
	}
	if resp[0] != socks5Version {
		return fmt.Errorf("bad SOCKS version %d", resp[0])
	}

	switch resp[1] {
	case authNone:
		return nil
	case authPassword:
		return socks5Authenticate(conn, username, password)
	case authNoAccept:
		return errors.New("proxy rejected all authentication methods")
	default:
		return fmt.Errorf("proxy chose unsupported auth method %d", resp[1])
	}
}

func socks5Authenticate(conn net.Conn, username, password string) error {
	if username == "" {
		return errors.New("proxy requires credentials, none configured")
	}

	req := make([]byte, 0, 3+len(username)+len(password))
	req = append(req, 0x01) // auth sub-negotiation version
	req = append(req, byte(len(username)))
	req = append(req, username...)
	req = append(req, byte(len(password)))
	req = append(req, password...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("send credentials: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("read auth status: %w", err)
	}
	if resp[1] != 0x00 {
		return errors.New("proxy rejected credentials")
	}
	return nil
}

// appendSocks5Addr appends ATYP + DST.ADDR + DST.PORT for the target.
func appendSocks5Addr(req []byte, host string, port int) ([]byte, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, atypIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, atypIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		if len(host) > 255 {
			return nil, errors.New("domain name too long for SOCKS5")
		}
		req = append(req, atypDomain, byte(len(host)))
		req = append(req, host...)
	}
	return binary.BigEndian.AppendUint16(req, uint16(port)), nil
}

// boundAddr is the BND.ADDR/BND.PORT pair from a SOCKS5 reply. Domain
// replies keep the name; the caller resolves if it needs an IP.
type boundAddr struct {
	IP     net.IP
	Domain string
	Port   int
}

// readSocks5Reply consumes a full reply and returns the bound address.
// A non-success reply code comes back as a *replyError.
func readSocks5Reply(conn net.Conn) (boundAddr, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return boundAddr{}, fmt.Errorf("read reply header: %w", err)
	}
	if header[0] != socks5Version {
		return boundAddr{}, fmt.Errorf("bad SOCKS version %d in reply", header[0])
	}
	if header[1] != replySuccess {
		return boundAddr{}, &replyError{code: header[1]}
	}

	var bound boundAddr
	switch header[3] {
	case atypIPv4:
		buf := make([]byte, 6)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return boundAddr{}, fmt.Errorf("read bound address: %w", err)
		}
		bound.IP = net.IP(buf[:4])
		bound.Port = int(binary.BigEndian.Uint16(buf[4:]))
	case atypIPv6:
		buf := make([]byte, 18)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return boundAddr{}, fmt.Errorf("read bound address: %w", err)
		}
		bound.IP = net.IP(buf[:16])
		bound.Port = int(binary.BigEndian.Uint16(buf[16:]))
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenByte); err != nil {
			return boundAddr{}, fmt.Errorf("read bound domain length: %w", err)
		}
		buf := make([]byte, int(lenByte[0])+2)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return boundAddr{}, fmt.Errorf("read bound domain: %w", err)
		}
		bound.Domain = string(buf[:len(buf)-2])
		bound.Port = int(binary.BigEndian.Uint16(buf[len(buf)-2:]))
	default:
		return boundAddr{}, fmt.Errorf("bad address type %d in reply", header[3])
	}
	return bound, nil
}
