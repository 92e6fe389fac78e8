package localproxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newProxy(t *testing.T, opts ...Option) *Server {
	t.Helper()
	srv, err := New(0, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dialProxy(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestNewUnknownProfile(t *testing.T) {
	if _, err := New(0, WithProfile("netscape-4")); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestStartStop(t *testing.T) {
	srv, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if srv.Running() {
		t.Fatal("server running before Start")
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !srv.Running() {
		t.Fatal("server not running after Start")
	}
	if srv.Port() == 0 {
		t.Fatal("ephemeral port not resolved")
	}
	if err := srv.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.Running() {
		t.Fatal("server still running after Stop")
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestReadClientRequest(t *testing.T) {
	input := "POST http://origin.test/p HTTP/1.1\r\n" +
		"Host: origin.test\r\n" +
		"x-lower: 1\r\n" +
		"X-Upper: 2\r\n" +
		"\r\n"
	creq, err := readClientRequest(bufio.NewReader(strings.NewReader(input)))
	if err != nil {
		t.Fatalf("readClientRequest: %v", err)
	}
	if creq.method != "POST" || creq.target != "http://origin.test/p" || creq.proto != "HTTP/1.1" {
		t.Fatalf("request line parsed as %q %q %q", creq.method, creq.target, creq.proto)
	}
	wantFields := [][2]string{
		{"Host", "origin.test"},
		{"x-lower", "1"},
		{"X-Upper", "2"},
	}
	if len(creq.fields) != len(wantFields) {
		t.Fatalf("got %d fields, want %d", len(creq.fields), len(wantFields))
	}
	for i, want := range wantFields {
		got := creq.fields[i]
		if got.name != want[0] || got.value != want[1] {
			t.Errorf("field %d = %q: %q, want %q: %q", i, got.name, got.value, want[0], want[1])
		}
	}
	if creq.header.Get("X-Lower") != "1" {
		t.Error("canonical header lookup failed")
	}
	if string(creq.raw) != input {
		t.Error("raw head does not match input bytes")
	}
}

func TestReadClientRequestMalformed(t *testing.T) {
	for _, input := range []string{
		"GARBAGE\r\n\r\n",
		"GET /x\r\n\r\n",
		"GET /x HTTP/1.1\r\nno-colon-here\r\n\r\n",
	} {
		if _, err := readClientRequest(bufio.NewReader(strings.NewReader(input))); err == nil {
			t.Errorf("input %q: expected parse error", input)
		}
	}
}

func TestUpstreamOverride(t *testing.T) {
	tests := []struct {
		name        string
		headers     []headerField
		allowLegacy bool
		want        string
		wantOK      bool
	}{
		{
			name:    "httpcloak scheme",
			headers: []headerField{{"Proxy-Authorization", "HTTPCloak socks5://u:p@hop:1080"}},
			want:    "socks5://u:p@hop:1080",
			wantOK:  true,
		},
		{
			name:    "basic auth is not an override",
			headers: []headerField{{"Proxy-Authorization", "Basic dXNlcjpwYXNz"}},
		},
		{
			name:        "legacy allowed",
			headers:     []headerField{{"X-Upstream-Proxy", "http://hop:8080"}},
			allowLegacy: true,
			want:        "http://hop:8080",
			wantOK:      true,
		},
		{
			name:    "legacy refused on tunnel path",
			headers: []headerField{{"X-Upstream-Proxy", "http://hop:8080"}},
		},
		{
			name: "httpcloak wins over legacy",
			headers: []headerField{
				{"X-Upstream-Proxy", "http://legacy:8080"},
				{"Proxy-Authorization", "HTTPCloak http://modern:8080"},
			},
			allowLegacy: true,
			want:        "http://modern:8080",
			wantOK:      true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creq := &clientRequest{header: make(http.Header)}
			for _, f := range tt.headers {
				creq.fields = append(creq.fields, f)
				creq.header.Add(f.name, f.value)
			}
			got, ok := creq.upstreamOverride(tt.allowLegacy)
			if got != tt.want || ok != tt.wantOK {
				t.Fatalf("upstreamOverride = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAbsoluteTarget(t *testing.T) {
	tests := []struct {
		target  string
		host    string
		want    string
		wantErr bool
	}{
		{target: "http://origin.test/a?b=1", want: "http://origin.test/a?b=1"},
		{target: "https://origin.test/", want: "https://origin.test/"},
		{target: "/a", host: "origin.test", want: "http://origin.test/a"},
		{target: "/a", wantErr: true},
		{target: "origin.test:443", host: "origin.test", wantErr: true},
	}
	for _, tt := range tests {
		creq := &clientRequest{target: tt.target, header: make(http.Header)}
		if tt.host != "" {
			creq.header.Set("Host", tt.host)
		}
		got, err := creq.absoluteTarget()
		if tt.wantErr {
			if err == nil {
				t.Errorf("target %q: expected error", tt.target)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("target %q: got %q, %v; want %q", tt.target, got, err, tt.want)
		}
	}
}

func TestForwardFieldsStripsInternalHeaders(t *testing.T) {
	creq := &clientRequest{header: make(http.Header)}
	for _, f := range []headerField{
		{"Host", "origin.test"},
		{"Proxy-Authorization", "HTTPCloak http://hop:8080"},
		{"X-Upstream-Proxy", "http://hop:8080"},
		{"X-HTTPCloak-Scheme", "https"},
		{"X-HTTPCloak-TlsOnly", "true"},
		{"Proxy-Connection", "keep-alive"},
		{"accept", "*/*"},
	} {
		creq.fields = append(creq.fields, f)
		creq.header.Add(f.name, f.value)
	}

	fields := creq.forwardFields()
	want := [][2]string{{"Host", "origin.test"}, {"accept", "*/*"}}
	if len(fields) != len(want) {
		t.Fatalf("got %d forwarded fields %v, want %d", len(fields), fields, len(want))
	}
	for i := range want {
		if fields[i] != want[i] {
			t.Errorf("field %d = %v, want %v", i, fields[i], want[i])
		}
	}

	h := creq.forwardHeader()
	if len(h) != 1 || h.Get("Accept") != "*/*" {
		t.Fatalf("forwardHeader = %v, want only Accept", h)
	}
}

func TestPortAllowed(t *testing.T) {
	for port, want := range map[string]bool{
		"443": true, "80": true, "8443": true,
		"25": false, "465": false, "587": false, "23": false,
	} {
		if got := portAllowed(port); got != want {
			t.Errorf("portAllowed(%s) = %v, want %v", port, got, want)
		}
	}
}

func TestRelayThroughEngine(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Marker") != "yes" {
			t.Error("client header not forwarded")
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "Mozilla/5.0") {
			t.Errorf("profile User-Agent not applied, got %q", r.Header.Get("User-Agent"))
		}
		w.Write([]byte("relayed"))
	}))
	defer origin.Close()

	srv := newProxy(t)
	conn := dialProxy(t, srv)

	originHost := strings.TrimPrefix(origin.URL, "http://")
	fmt.Fprintf(conn, "GET %s/hello HTTP/1.1\r\nHost: %s\r\nX-Marker: yes\r\n\r\n", origin.URL, originHost)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read proxied response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "relayed" {
		t.Fatalf("body = %q", body)
	}
	if !resp.Close {
		t.Error("relay response should close the connection")
	}

	stats := srv.Stats()
	if stats.TotalRequests != 1 || stats.FailedRequests != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

// rawOrigin is a TCP server that captures one request head and answers
// with a canned response.
func rawOrigin(t *testing.T, response string) (addr string, head <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var sb strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			sb.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		ch <- sb.String()
		io.WriteString(conn, response)
	}()
	return ln.Addr().String(), ch
}

func TestRelayTLSOnlyVerbatimHeaders(t *testing.T) {
	addr, head := rawOrigin(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")

	srv := newProxy(t, WithTLSOnly())
	conn := dialProxy(t, srv)

	fmt.Fprintf(conn, "GET http://%s/x HTTP/1.1\r\n"+
		"Host: %s\r\n"+
		"B-Second: 2\r\n"+
		"a-first: 1\r\n"+
		"Proxy-Connection: keep-alive\r\n\r\n", addr, addr)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read proxied response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got := <-head
	want := fmt.Sprintf("GET /x HTTP/1.1\r\nHost: %s\r\nB-Second: 2\r\na-first: 1\r\n\r\n", addr)
	if got != want {
		t.Fatalf("origin received:\n%q\nwant:\n%q", got, want)
	}
}

// echoOrigin accepts one connection and echoes everything back.
func echoOrigin(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln.Addr().String()
}

func TestTunnelEndToEnd(t *testing.T) {
	addr := echoOrigin(t)

	srv := newProxy(t)
	conn := dialProxy(t, srv)

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}

	if _, err := io.WriteString(conn, "ping"); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo = %q", buf)
	}
}

func TestTunnelBlockedPort(t *testing.T) {
	srv := newProxy(t)
	conn := dialProxy(t, srv)

	fmt.Fprintf(conn, "CONNECT 127.0.0.1:25 HTTP/1.1\r\nHost: 127.0.0.1:25\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	stats := srv.Stats()
	if stats.FailedRequests != 1 {
		t.Fatalf("failed requests = %d, want 1", stats.FailedRequests)
	}
}

// connectUpstream is a fake HTTP CONNECT proxy that records the request
// head and then echoes tunnel bytes.
func connectUpstream(t *testing.T) (addr string, head <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		var sb strings.Builder
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			sb.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		ch <- sb.String()
		io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
		io.Copy(conn, br)
	}()
	return ln.Addr().String(), ch
}

func TestTunnelOverrideUsesUpstream(t *testing.T) {
	upstream, head := connectUpstream(t)

	srv := newProxy(t)
	conn := dialProxy(t, srv)

	fmt.Fprintf(conn, "CONNECT target.test:443 HTTP/1.1\r\n"+
		"Host: target.test:443\r\n"+
		"Proxy-Authorization: HTTPCloak http://%s\r\n\r\n", upstream)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d, want 200", resp.StatusCode)
	}

	got := <-head
	if !strings.HasPrefix(got, "CONNECT target.test:443 HTTP/1.1\r\n") {
		t.Fatalf("upstream saw:\n%q", got)
	}
	if strings.Contains(got, "HTTPCloak") {
		t.Fatal("override header leaked to upstream")
	}

	// Bytes written after the CONNECT flow through the upstream's echo.
	if _, err := io.WriteString(conn, "hello"); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("echo = %q", buf)
	}
}
