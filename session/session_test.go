package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/transport"
)

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := New("chrome-143", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewUnknownProfile(t *testing.T) {
	_, err := New("mosaic-1")
	if !errors.Is(err, fingerprint.ErrUnknownProfile) {
		t.Fatalf("err = %v, want ErrUnknownProfile", err)
	}
}

func TestClosedSessionRejectsEverything(t *testing.T) {
	s, err := New("chrome-143")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := s.Do(context.Background(), &Request{URL: "https://example.com/"}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Do after close: %v", err)
	}
	if err := s.SetTCPProxy("socks5://127.0.0.1:1080"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("SetTCPProxy after close: %v", err)
	}
	if _, err := s.ExportState(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("ExportState after close: %v", err)
	}
	if _, err := s.Fork(1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Fork after close: %v", err)
	}
}

func TestRedirectMethodRewrite(t *testing.T) {
	tests := []struct {
		status int
		method string
		want   string
	}{
		{303, "POST", "GET"},
		{303, "PUT", "GET"},
		{301, "POST", "GET"},
		{302, "POST", "GET"},
		{301, "GET", "GET"},
		{302, "DELETE", "DELETE"},
		{307, "POST", "POST"},
		{308, "POST", "POST"},
	}
	for _, tt := range tests {
		if got := redirectMethod(tt.status, tt.method); got != tt.want {
			t.Errorf("redirectMethod(%d, %s) = %s, want %s", tt.status, tt.method, got, tt.want)
		}
	}
}

func TestMergeHeadersCallWins(t *testing.T) {
	defaults := http.Header{"X-Api-Key": {"default"}, "Accept": {"*/*"}}
	call := http.Header{"x-api-key": {"override"}}

	merged := mergeHeaders(defaults, call)
	if got := merged.Get("X-Api-Key"); got != "override" {
		t.Errorf("call header should win, got %q", got)
	}
	if got := merged.Get("Accept"); got != "*/*" {
		t.Errorf("untouched default lost, got %q", got)
	}
	if defaults.Get("X-Api-Key") != "default" {
		t.Error("merge mutated the defaults map")
	}
}

// startServer runs a plain-HTTP handler the h1 path can reach over
// loopback.
func startServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestDoFollowsRedirectChain(t *testing.T) {
	var sawMethods []string
	var sawCookies []string

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		sawMethods = append(sawMethods, r.Method)
		http.SetCookie(w, &http.Cookie{Name: "hop", Value: "one"})
		w.Header().Set("Location", "/middle")
		w.WriteHeader(http.StatusSeeOther)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		sawMethods = append(sawMethods, r.Method)
		sawCookies = append(sawCookies, r.Header.Get("Cookie"))
		w.Header().Set("Location", "/end")
		w.WriteHeader(http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		sawMethods = append(sawMethods, r.Method)
		fmt.Fprint(w, "done")
	})
	srv := startServer(t, mux)

	s := newTestSession(t)
	resp, err := s.Post(context.Background(), srv.URL+"/start", []byte("payload"), http.Header{
		"Content-Type": {"text/plain"},
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if resp.StatusCode != 200 || string(resp.Body) != "done" {
		t.Errorf("final response = %d %q", resp.StatusCode, resp.Body)
	}
	if resp.RequestURL != srv.URL+"/start" {
		t.Errorf("RequestURL = %q", resp.RequestURL)
	}
	if resp.URL != srv.URL+"/end" {
		t.Errorf("final URL = %q, want %s/end", resp.URL, srv.URL)
	}
	if len(resp.Redirects) != 2 {
		t.Fatalf("redirect count = %d, want 2", len(resp.Redirects))
	}
	if resp.Redirects[0].StatusCode != 303 || resp.Redirects[1].StatusCode != 302 {
		t.Errorf("redirect statuses = %+v", resp.Redirects)
	}

	// 303 turns the POST into a GET for the rest of the chain.
	want := []string{"POST", "GET", "GET"}
	if len(sawMethods) != len(want) {
		t.Fatalf("methods = %v, want %v", sawMethods, want)
	}
	for i := range want {
		if sawMethods[i] != want[i] {
			t.Errorf("hop %d method = %s, want %s", i, sawMethods[i], want[i])
		}
	}

	// The cookie set on hop one rides along on hop two.
	if len(sawCookies) != 1 || sawCookies[0] != "hop=one" {
		t.Errorf("cookies on /middle = %v, want [hop=one]", sawCookies)
	}
}

// The request timeout covers the whole redirect chain; per-hop budgets
// would let a slow trail run arbitrarily long.
func TestTimeoutSpansRedirectChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Location", "/loop")
		w.WriteHeader(http.StatusFound)
	})
	srv := startServer(t, mux)

	s := newTestSession(t)
	start := time.Now()
	_, err := s.Do(context.Background(), &Request{
		Method:  "GET",
		URL:     srv.URL + "/loop",
		Timeout: 300 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected the chain to time out")
	}
	if !transport.IsTimeout(err) {
		t.Errorf("err = %v, want timeout category", err)
	}
	// Each hop alone fits the budget; only the chain as a whole exceeds
	// it, so the error proves the bound spans hops.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("chain ran %v past a 300ms budget", elapsed)
	}
}

func TestDo307PreservesMethodAndBody(t *testing.T) {
	var gotMethod, gotBody string

	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/final")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusNoContent)
	})
	srv := startServer(t, mux)

	s := newTestSession(t)
	resp, err := s.Post(context.Background(), srv.URL+"/start", []byte("keep-me"), nil)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if gotMethod != "POST" || gotBody != "keep-me" {
		t.Errorf("307 follow-up was %s %q, want POST keep-me", gotMethod, gotBody)
	}
}

func TestDoRedirectLoopFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/loop")
		w.WriteHeader(http.StatusFound)
	})
	srv := startServer(t, mux)

	s := newTestSession(t, WithMaxRedirects(3))
	_, err := s.Get(context.Background(), srv.URL+"/loop", nil)
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("err = %v, want ErrTooManyRedirects", err)
	}
}

func TestWithoutRedirectsReturns3xx(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	srv := startServer(t, mux)

	s := newTestSession(t, WithoutRedirects())
	resp, err := s.Get(context.Background(), srv.URL+"/start", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != 301 {
		t.Errorf("status = %d, want the raw 301", resp.StatusCode)
	}
	if got := resp.Headers.Get("Location"); got != "/elsewhere" {
		t.Errorf("Location = %q", got)
	}
}

func TestDefaultHeadersUnderCallHeaders(t *testing.T) {
	var got http.Header
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	})
	srv := startServer(t, mux)

	s := newTestSession(t, WithDefaultHeader("X-Team", "alpha"), WithDefaultHeader("X-Env", "test"))
	_, err := s.Get(context.Background(), srv.URL+"/", http.Header{"X-Env": {"prod"}})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Get("X-Team") != "alpha" {
		t.Errorf("default header missing, got %q", got.Get("X-Team"))
	}
	if got.Get("X-Env") != "prod" {
		t.Errorf("call header should beat default, got %q", got.Get("X-Env"))
	}
}

func TestStateRoundTrip(t *testing.T) {
	s := newTestSession(t)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	s.jar.Set(&Cookie{
		Name: "sid", Value: "abc", Domain: "example.com", Path: "/",
		Expires: expires, Secure: true,
	})

	st, err := s.ExportState()
	if err != nil {
		t.Fatalf("ExportState: %v", err)
	}
	data, err := st.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	parsed, err := ParseState(data)
	if err != nil {
		t.Fatalf("ParseState: %v", err)
	}

	restored := newTestSession(t)
	if err := restored.ImportState(parsed); err != nil {
		t.Fatalf("ImportState: %v", err)
	}

	cookies := restored.jar.Cookies(mustURL(t, "https://example.com/"))
	if len(cookies) != 1 {
		t.Fatalf("restored %d cookies, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "sid" || c.Value != "abc" || !c.Secure || !c.Expires.Equal(expires) {
		t.Errorf("restored cookie %+v", c)
	}
}

func TestImportStateRejectsMismatch(t *testing.T) {
	s := newTestSession(t)

	if err := s.ImportState(&State{Version: 99}); err == nil {
		t.Error("version mismatch accepted")
	}
	if err := s.ImportState(&State{Version: StateVersion, Profile: "firefox-133"}); err == nil {
		t.Error("profile mismatch accepted")
	}
	if err := s.ImportState(&State{Version: StateVersion, Profile: "chrome-143"}); err != nil {
		t.Errorf("matching profile rejected: %v", err)
	}
}

func TestForkSharesCookiesNotConnections(t *testing.T) {
	s := newTestSession(t)
	s.jar.SetValue(mustURL(t, "https://example.com/"), "shared", "yes")

	forks, err := s.Fork(2)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	for _, f := range forks {
		defer f.Close()
	}

	for i, f := range forks {
		if f.jar != s.jar {
			t.Errorf("fork %d has its own jar", i)
		}
		if f.engine == s.engine {
			t.Errorf("fork %d shares the parent engine", i)
		}
		if f.ID == s.ID {
			t.Errorf("fork %d reused the parent ID", i)
		}
	}

	// A cookie set through a fork is visible to the parent.
	forks[0].jar.SetValue(mustURL(t, "https://example.com/"), "from_fork", "1")
	values := s.jar.Values(mustURL(t, "https://example.com/"))
	if values["from_fork"] != "1" {
		t.Errorf("parent missing fork cookie: %v", values)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	defer m.Shutdown()
	m.SetMaxSessions(2)

	a, err := m.Create("chrome-143")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create("chrome-143"); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if _, err := m.Create("chrome-143"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("limit not enforced: %v", err)
	}

	got, err := m.Get(a.ID)
	if err != nil || got != a {
		t.Errorf("Get = %v, %v", got, err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing lookup: %v", err)
	}

	if err := m.Close(a.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := m.Get(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("closed session still registered: %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("count = %d, want 1", m.Count())
	}
}
