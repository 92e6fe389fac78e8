package transport

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
	"testing"
	"time"

	"github.com/mikrodotnet/httpcloak/dns"
	"github.com/mikrodotnet/httpcloak/pool"
	"github.com/mikrodotnet/httpcloak/proxy"
)

func newH1ForTest(t *testing.T) *h1Transport {
	t.Helper()
	p := pool.New()
	t.Cleanup(p.Close)
	return newH1Transport(mustProfile(t, "chrome-143"), nil, p, nil)
}

func headerLines(t *testing.T, raw string) []string {
	t.Helper()
	var lines []string
	for _, line := range strings.Split(raw, "\r\n") {
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

func TestWriteRequestHeaderOrder(t *testing.T) {
	tr := newH1ForTest(t)

	req, err := http.NewRequest("GET", "https://example.com/path?q=1", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header = http.Header{
		"X-Trailing":      {"last"},
		"Accept":          {"text/html"},
		"User-Agent":      {"test-agent"},
		"Accept-Encoding": {"gzip"},
	}

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := tr.writeRequest(bw, req, nil); err != nil {
		t.Fatalf("writeRequest: %v", err)
	}

	lines := headerLines(t, buf.String())
	if lines[0] != "GET /path?q=1 HTTP/1.1" {
		t.Errorf("request line = %q", lines[0])
	}
	if lines[1] != "Host: example.com" {
		t.Errorf("Host must come first, got %q", lines[1])
	}

	// Profile-ordered names first, then the header the profile does not
	// know about, then the injected Connection default.
	wantOrder := []string{"User-Agent", "Accept", "Accept-Encoding", "X-Trailing", "Connection"}
	var gotOrder []string
	for _, line := range lines[2:] {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			t.Fatalf("malformed header line %q", line)
		}
		gotOrder = append(gotOrder, name)
	}
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("header names = %v, want %v", gotOrder, wantOrder)
	}
	for i, name := range wantOrder {
		if gotOrder[i] != name {
			t.Errorf("position %d: got %s, want %s (all: %v)", i, gotOrder[i], name, gotOrder)
		}
	}
}

func TestWriteRequestBodyAndContentLength(t *testing.T) {
	tr := newH1ForTest(t)

	body := "field=value"
	req, err := http.NewRequest("POST", "http://example.com/submit", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := tr.writeRequest(bw, req, nil); err != nil {
		t.Fatalf("writeRequest: %v", err)
	}

	raw := buf.String()
	if !strings.Contains(raw, fmt.Sprintf("Content-Length: %d\r\n", len(body))) {
		t.Errorf("missing Content-Length header:\n%s", raw)
	}
	if !strings.HasSuffix(raw, "\r\n\r\n"+body) {
		t.Errorf("body not appended after headers:\n%s", raw)
	}
}

// Responses go through http.ReadResponse, which folds the Connection
// header into resp.Close, so the table parses raw wire responses rather
// than hand-building structs.
func TestShouldKeepAlive(t *testing.T) {
	mkResp := func(raw string) *http.Response {
		resp, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), nil)
		if err != nil {
			t.Fatalf("ReadResponse: %v", err)
		}
		return resp
	}
	mkReq := func(connection string) *http.Request {
		h := make(http.Header)
		if connection != "" {
			h.Set("Connection", connection)
		}
		return &http.Request{Header: h}
	}

	tests := []struct {
		name    string
		reqConn string
		raw     string
		want    bool
	}{
		{"http11 default", "", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", true},
		{"server close", "", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n", false},
		{"client close", "close", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", false},
		{"http10 default", "", "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n", false},
		{"http10 keep-alive", "", "HTTP/1.0 200 OK\r\nContent-Length: 0\r\nConnection: keep-alive\r\n\r\n", true},
	}
	for _, tt := range tests {
		if got := shouldKeepAlive(mkReq(tt.reqConn), mkResp(tt.raw)); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestExchangeOverPipe drives one full request/response pair over an
// in-memory connection and checks the pooled connection survives for
// reuse.
func TestExchangeOverPipe(t *testing.T) {
	tr := newH1ForTest(t)

	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	carrier := &h1Carrier{
		conn: clientSide,
		br:   bufio.NewReader(clientSide),
		bw:   bufio.NewWriter(clientSide),
	}
	key := pool.Key{Profile: "chrome-143", Route: "direct", Version: "h1", Host: "example.com", Port: "80"}
	conn := tr.pool.Put(pool.NewConn(key, carrier))

	serverDone := make(chan error, 1)
	go func() {
		br := bufio.NewReader(serverSide)
		if _, err := http.ReadRequest(br); err != nil {
			serverDone <- err
			return
		}
		_, err := io.WriteString(serverSide,
			"HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhello")
		serverDone <- err
	}()

	req, err := http.NewRequestWithContext(context.Background(), "GET", "http://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, exErr := tr.exchange(context.Background(), conn, req, nil)
	if exErr != nil {
		t.Fatalf("exchange: %v", exErr)
	}
	if resp.StatusCode != 200 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("body = %q", got)
	}
	if err := resp.Body.Close(); err != nil {
		t.Errorf("close body: %v", err)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine stuck")
	}

	if !tr.pool.Contains(key) {
		t.Error("keep-alive connection should stay pooled after close")
	}
}

// TestExchangeServerCloseEvicts confirms a Connection: close response
// takes the carrier out of the pool once the body is consumed.
func TestExchangeServerCloseEvicts(t *testing.T) {
	tr := newH1ForTest(t)

	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	carrier := &h1Carrier{
		conn: clientSide,
		br:   bufio.NewReader(clientSide),
		bw:   bufio.NewWriter(clientSide),
	}
	key := pool.Key{Profile: "chrome-143", Route: "direct", Version: "h1", Host: "example.com", Port: "80"}
	conn := tr.pool.Put(pool.NewConn(key, carrier))

	go func() {
		br := bufio.NewReader(serverSide)
		http.ReadRequest(br)
		io.WriteString(serverSide,
			"HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	}()

	req, err := http.NewRequestWithContext(context.Background(), "GET", "http://example.com/", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, exErr := tr.exchange(context.Background(), conn, req, nil)
	if exErr != nil {
		t.Fatalf("exchange: %v", exErr)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if tr.pool.Contains(key) {
		t.Error("Connection: close response must evict the pooled connection")
	}
}

func TestWriteRequestVerbatimHeaders(t *testing.T) {
	tr := newH1ForTest(t)

	req, err := http.NewRequest("GET", "http://example.com/x", nil)
	if err != nil {
		t.Fatal(err)
	}
	ordered := [][2]string{
		{"Host", "example.com"},
		{"b-second", "2"},
		{"A-First", "1"},
	}

	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	if err := tr.writeRequest(bw, req, ordered); err != nil {
		t.Fatalf("writeRequest: %v", err)
	}

	want := "GET /x HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"b-second: 2\r\n" +
		"A-First: 1\r\n\r\n"
	if buf.String() != want {
		t.Fatalf("wrote:\n%q\nwant:\n%q", buf.String(), want)
	}
}

// A request deadline must interrupt an exchange whose server never
// responds, and the dead connection must not stay pooled.
func TestRoundTripDeadlineEvictsFromPool(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	var connMu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		connMu.Lock()
		defer connMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			connMu.Lock()
			conns = append(conns, c)
			connMu.Unlock()
			go io.Copy(io.Discard, c)
		}
	}()

	p := pool.New()
	t.Cleanup(p.Close)
	tr := newH1Transport(mustProfile(t, "chrome-143"), dns.NewCache(), p, nil)

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", "http://"+ln.Addr().String()+"/", nil)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, _, rtErr := tr.roundTrip(ctx, req, nil, proxy.Route{}, &Timing{})
	if rtErr == nil {
		t.Fatal("roundTrip succeeded against a server that never responds")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("deadline not honored, roundTrip blocked %v", elapsed)
	}
	if !IsTimeout(rtErr) {
		t.Errorf("error category = %v, want timeout", rtErr)
	}

	key := pool.Key{Profile: "chrome-143", Route: "direct", Version: "h1", Host: host, Port: port}
	if p.Contains(key) {
		t.Error("timed-out connection left in the pool")
	}
}

func TestIsALPNRefusal(t *testing.T) {
	refusal := fmt.Errorf("handshake: %w",
		errors.New("remote error: tls: no application protocol"))
	if !isALPNRefusal(refusal) {
		t.Error("no_application_protocol alert not recognized")
	}
	if isALPNRefusal(errors.New("remote error: tls: handshake failure")) {
		t.Error("unrelated alert classified as an ALPN refusal")
	}
	if isALPNRefusal(nil) {
		t.Error("nil error classified as an ALPN refusal")
	}
}
