package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/mikrodotnet/httpcloak/fingerprint"
	"github.com/mikrodotnet/httpcloak/pool"
)

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New("chrome-143", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestNewUnknownProfile(t *testing.T) {
	_, err := New("netscape-4")
	if !errors.Is(err, fingerprint.ErrUnknownProfile) {
		t.Fatalf("err = %v, want ErrUnknownProfile", err)
	}
}

func TestWithVersionRejectsUnknown(t *testing.T) {
	if _, err := New("chrome-143", WithVersion("h4")); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestPickVersionCleartext(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		scheme  string
		forced  Version
		want    Version
		wantErr bool
	}{
		{"http", "", VersionHTTP1, false},
		{"http", VersionHTTP1, VersionHTTP1, false},
		{"http", VersionHTTP2, "", true},
		{"http", VersionHTTP3, "", true},
		{"https", VersionHTTP3, VersionHTTP3, false},
		{"https", "", VersionAuto, false},
	}
	for _, tt := range tests {
		req := &Request{Version: tt.forced}
		u, err := url.Parse(tt.scheme + "://example.com/")
		if err != nil {
			t.Fatal(err)
		}
		got, perr := e.pickVersion(req, u)
		if tt.wantErr {
			if perr == nil {
				t.Errorf("%s forced %s: expected error", tt.scheme, tt.forced)
			} else if !IsCategory(perr, CategoryVersion) {
				t.Errorf("%s forced %s: category = %v, want version", tt.scheme, tt.forced, perr)
			}
			continue
		}
		if perr != nil {
			t.Errorf("%s forced %s: %v", tt.scheme, tt.forced, perr)
			continue
		}
		if got != tt.want {
			t.Errorf("%s forced %s: got %s, want %s", tt.scheme, tt.forced, got, tt.want)
		}
	}
}

func TestApplyHeaders(t *testing.T) {
	e := newTestEngine(t)

	dst := make(http.Header)
	e.applyHeaders(dst, http.Header{
		"Accept":          {"application/json"},
		"X-Custom":        {"yes"},
		"Accept-Language": {""},
	})

	if got := dst.Get("User-Agent"); got != e.profile.UserAgent {
		t.Errorf("User-Agent = %q, want profile default", got)
	}
	if got := dst.Get("Accept"); got != "application/json" {
		t.Errorf("caller Accept should win, got %q", got)
	}
	if got := dst.Get("X-Custom"); got != "yes" {
		t.Errorf("X-Custom = %q", got)
	}
	if _, ok := dst["Accept-Language"]; ok {
		t.Error("empty caller value should suppress the default header")
	}
	if got := dst.Get("Sec-Fetch-Mode"); got != "navigate" {
		t.Errorf("profile default Sec-Fetch-Mode missing, got %q", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := New("chrome-143")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// The h2 and h3 paths run on the http fork; the built request must still
// carry the caller's context and the profile's header layering.
func TestBuildForkRequestDefaultsAndContext(t *testing.T) {
	e := newTestEngine(t)

	u, err := url.Parse("https://example.com/path")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(time.Minute))
	defer cancel()

	hreq, err := e.buildForkRequest(ctx, &Request{
		Method:  "GET",
		URL:     u.String(),
		Headers: http.Header{"X-Extra": {"1"}},
	}, u)
	if err != nil {
		t.Fatalf("buildForkRequest: %v", err)
	}
	if hreq.Header.Get("User-Agent") != e.profile.UserAgent {
		t.Errorf("profile User-Agent not applied, got %q", hreq.Header.Get("User-Agent"))
	}
	if hreq.Header.Get("X-Extra") != "1" {
		t.Error("caller header lost")
	}
	if _, ok := hreq.Context().Deadline(); !ok {
		t.Error("request context lost its deadline")
	}
}

func TestDoAfterClose(t *testing.T) {
	e, err := New("chrome-143")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.Close()

	_, err = e.Do(context.Background(), &Request{Method: "GET", URL: "https://example.com/"})
	if !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestDoStreamRejectsBadURL(t *testing.T) {
	e := newTestEngine(t)

	for _, raw := range []string{"ftp://example.com/", "https://", "://nope"} {
		_, err := e.DoStream(context.Background(), &Request{Method: "GET", URL: raw})
		if err == nil {
			t.Errorf("%q: expected error", raw)
			continue
		}
		if !IsCategory(err, CategoryRequest) {
			t.Errorf("%q: category = %v, want request", raw, err)
		}
	}
}

func TestFailureCacheExpires(t *testing.T) {
	e := newTestEngine(t)

	e.markFailed(e.h3Failures, "example.com")
	if !e.recentlyFailed(e.h3Failures, "example.com") {
		t.Fatal("fresh failure not reported")
	}
	if e.recentlyFailed(e.h3Failures, "other.com") {
		t.Fatal("unrelated host reported failed")
	}

	e.mu.Lock()
	e.h3Failures["example.com"] = time.Now().Add(-failureRetryAfter - time.Second)
	e.mu.Unlock()
	if e.recentlyFailed(e.h3Failures, "example.com") {
		t.Fatal("expired failure still reported")
	}
	e.mu.Lock()
	_, stillThere := e.h3Failures["example.com"]
	e.mu.Unlock()
	if stillThere {
		t.Fatal("expired entry not pruned")
	}
}

func TestSetTCPProxyEvictsOnlyTCPVersions(t *testing.T) {
	e := newTestEngine(t)

	keys := []pool.Key{
		{Profile: "chrome-143", Route: "direct", Version: "h1", Host: "a.com", Port: "443"},
		{Profile: "chrome-143", Route: "direct", Version: "h2", Host: "a.com", Port: "443"},
		{Profile: "chrome-143", Route: "direct", Version: "h3", Host: "a.com", Port: "443"},
	}
	for _, k := range keys {
		c := e.pool.Put(pool.NewConn(k, &fakeCloser{}))
		c.Release()
	}

	if err := e.SetTCPProxy("socks5://127.0.0.1:1080"); err != nil {
		t.Fatalf("SetTCPProxy: %v", err)
	}
	if e.pool.Contains(keys[0]) || e.pool.Contains(keys[1]) {
		t.Error("h1/h2 connections survived TCP proxy change")
	}
	if !e.pool.Contains(keys[2]) {
		t.Error("h3 connection evicted by TCP proxy change")
	}

	if err := e.SetUDPProxy("socks5://127.0.0.1:1080"); err != nil {
		t.Fatalf("SetUDPProxy: %v", err)
	}
	if e.pool.Contains(keys[2]) {
		t.Error("h3 connection survived UDP proxy change")
	}
}

func TestSetTCPProxyBadSchemeLeavesSlot(t *testing.T) {
	e := newTestEngine(t)

	if err := e.SetTCPProxy("masque://proxy.example.com"); err == nil {
		t.Fatal("expected scheme error for masque on TCP slot")
	}
	if !e.router.TCP().Direct() {
		t.Error("failed set should leave the slot direct")
	}
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error { f.closed = true; return nil }

func TestDecompressorRoundTrips(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 64)

	encoders := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
		"deflate": func(b []byte) []byte {
			var buf bytes.Buffer
			w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
		"zstd": func(b []byte) []byte {
			var buf bytes.Buffer
			w, _ := zstd.NewWriter(&buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
	}

	for encoding, encode := range encoders {
		t.Run(encoding, func(t *testing.T) {
			body := io.NopCloser(bytes.NewReader(encode(payload)))
			r, err := newDecompressor(body, encoding)
			if err != nil {
				t.Fatalf("newDecompressor: %v", err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("%s round trip mismatch: got %d bytes, want %d", encoding, len(got), len(payload))
			}
		})
	}
}

func TestDecompressorIdentityAndUnknown(t *testing.T) {
	body := io.NopCloser(bytes.NewReader([]byte("plain")))
	r, err := newDecompressor(body, "identity")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	got, _ := io.ReadAll(r)
	if string(got) != "plain" {
		t.Errorf("identity body = %q", got)
	}

	if _, err := newDecompressor(io.NopCloser(bytes.NewReader(nil)), "lzma"); err == nil {
		t.Error("unknown encoding should error")
	}
}
