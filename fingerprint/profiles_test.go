package fingerprint

import (
	"errors"
	"reflect"
	"sort"
	"testing"
)

func TestGetUnknownProfile(t *testing.T) {
	for _, name := range []string{"", "chrome", "chrome-9999", "netscape-4"} {
		t.Run(name, func(t *testing.T) {
			p, err := Get(name)
			if p != nil {
				t.Errorf("Get(%q) returned a profile, expected nil", name)
			}
			if !errors.Is(err, ErrUnknownProfile) {
				t.Errorf("Get(%q) error = %v, expected ErrUnknownProfile", name, err)
			}
		})
	}
}

func TestGetKnownProfiles(t *testing.T) {
	for _, name := range Available() {
		t.Run(name, func(t *testing.T) {
			p, err := Get(name)
			if err != nil {
				t.Fatalf("Get(%q) failed: %v", name, err)
			}
			if p.Name != name {
				t.Errorf("profile name %q does not match lookup name %q", p.Name, name)
			}
			if p.UserAgent == "" {
				t.Error("empty User-Agent")
			}
			if len(p.Headers) == 0 {
				t.Error("no default headers")
			}
			if len(p.HeaderOrder) == 0 {
				t.Error("no header order")
			}
			if len(p.PseudoHeaderOrder) != 4 {
				t.Errorf("pseudo-header order has %d entries, expected 4", len(p.PseudoHeaderOrder))
			}
			if p.HTTP2.InitialWindowSize == 0 {
				t.Error("zero h2 initial window size")
			}
		})
	}
}

// Repeated lookups must produce identical wire parameters. The pool keys
// connections by profile name, so two Get calls for the same name must be
// interchangeable.
func TestGetDeterminism(t *testing.T) {
	for _, name := range Available() {
		a, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", name, err)
		}
		b, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%q) failed: %v", name, err)
		}

		if a.ClientHelloID != b.ClientHelloID {
			t.Errorf("%s: ClientHelloID differs across calls", name)
		}
		if !reflect.DeepEqual(a.HTTP2, b.HTTP2) {
			t.Errorf("%s: HTTP2 settings differ across calls", name)
		}
		if len(a.HeaderOrder) != len(b.HeaderOrder) {
			t.Fatalf("%s: header order length differs", name)
		}
		for i := range a.HeaderOrder {
			if a.HeaderOrder[i] != b.HeaderOrder[i] {
				t.Errorf("%s: header order differs at %d: %q vs %q", name, i, a.HeaderOrder[i], b.HeaderOrder[i])
			}
		}
	}
}

// Get returns a fresh Profile each call so one session mutating its copy
// cannot leak into another.
func TestGetReturnsFreshCopy(t *testing.T) {
	a, _ := Get("chrome-143")
	a.Headers["Accept-Language"] = "de-DE"

	b, _ := Get("chrome-143")
	if b.Headers["Accept-Language"] == "de-DE" {
		t.Error("mutation of one profile copy leaked into a later Get")
	}
}

func TestAvailableOrdering(t *testing.T) {
	names := Available()
	if len(names) == 0 {
		t.Fatal("no profiles in catalogue")
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("Available() not sorted: %v", names)
	}

	again := Available()
	for i := range names {
		if names[i] != again[i] {
			t.Fatalf("Available() ordering unstable: %v vs %v", names, again)
		}
	}
}

func TestChrome143PlatformVariants(t *testing.T) {
	tests := []struct {
		name     string
		platform string
	}{
		{"chrome-143-windows", `"Windows"`},
		{"chrome-143-linux", `"Linux"`},
		{"chrome-143-macos", `"macOS"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Get(tt.name)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got := p.Headers["sec-ch-ua-platform"]; got != tt.platform {
				t.Errorf("sec-ch-ua-platform = %s, expected %s", got, tt.platform)
			}
			if !p.SupportsHTTP3 {
				t.Error("chrome-143 variants must support h3")
			}
		})
	}
}
