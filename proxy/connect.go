package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ConnectDialer tunnels TCP through an HTTP proxy with the CONNECT method.
// The proxy link itself is plaintext regardless of the URL scheme; what
// flows through the tunnel is the caller's own TLS.
type ConnectDialer struct {
	host     string
	port     string
	username string
	password string
	timeout  time.Duration
}

// NewConnectDialer parses an http:// or https:// proxy URL.
func NewConnectDialer(proxyURL string) (*ConnectDialer, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxyScheme, parsed.Scheme)
	}

	d := &ConnectDialer{
		host:    parsed.Hostname(),
		port:    parsed.Port(),
		timeout: 30 * time.Second,
	}
	if d.port == "" {
		if parsed.Scheme == "https" {
			d.port = "443"
		} else {
			d.port = "8080"
		}
	}
	if parsed.User != nil {
		d.username = parsed.User.Username()
		d.password, _ = parsed.User.Password()
	}
	return d, nil
}

// DialContext opens a tunnel to addr through the proxy. The returned
// connection carries the raw tunnel bytes.
func (d *ConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("connect proxy: unsupported network %q", network)
	}

	dialer := &net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.host, d.port))
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if d.username != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
