// Package fingerprint holds the catalogue of browser fingerprint profiles:
// the TLS ClientHello shape, HTTP/2 SETTINGS and header ordering, and QUIC
// parameters a given browser build puts on the wire.
//
// Profiles are plain data. Every call to Get builds a fresh Profile from the
// catalogue, so callers may attach per-session state without synchronization.
package fingerprint

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	tls "github.com/sardanioss/utls"
)

// ErrUnknownProfile is returned by Get for a name not in the catalogue.
// There is deliberately no fallback profile: a typo in a profile name must
// surface as a configuration error, not as a silently different fingerprint.
var ErrUnknownProfile = errors.New("unknown fingerprint profile")

// Profile is an immutable browser fingerprint: everything needed to
// reproduce one browser build's wire behavior across h1, h2 and h3.
type Profile struct {
	Name string

	// ClientHelloID shapes the TLS handshake on TCP paths (h1/h2).
	// QUICClientHelloID shapes the QUIC handshake for h3; zero value means
	// the profile has no dedicated QUIC hello and ClientHelloID is reused.
	ClientHelloID     tls.ClientHelloID
	QUICClientHelloID tls.ClientHelloID

	// QUICPSKClientHelloID is the hello used when a TLS session is cached
	// for the host. It carries the early_data and pre_shared_key
	// extensions a resumed browser connection shows. Zero value disables
	// the resumption-specific hello.
	QUICPSKClientHelloID tls.ClientHelloID

	UserAgent string

	// Headers are the browser's default navigation headers. HeaderOrder is
	// the exact wire order the browser emits them in; entries missing from
	// a request are skipped, extras are appended after the ordered set.
	Headers     map[string]string
	HeaderOrder []string

	// PseudoHeaderOrder is the h2/h3 pseudo-header order, e.g. Chrome's
	// :method, :authority, :scheme, :path.
	PseudoHeaderOrder []string

	HTTP2 HTTP2Settings

	SupportsHTTP3 bool
}

// HTTP2Settings describes the SETTINGS frame content, the connection-level
// WINDOW_UPDATE increment, and stream priority behavior for a profile.
type HTTP2Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
	NoRFC7540Priorities  bool

	// SettingsOrder lists the SETTINGS identifiers the browser emits, in
	// emission order. Browsers differ in which IDs they include at all:
	// Chrome sends 2:0 and 3:0 explicitly while Firefox omits both but
	// sends MAX_FRAME_SIZE at its default value.
	SettingsOrder []uint16

	ConnectionWindowUpdate uint32
	StreamWeight           uint16
	StreamExclusive        bool
}

// PlatformInfo carries the platform-dependent header fragments.
type PlatformInfo struct {
	UserAgentOS        string
	Platform           string
	Arch               string
	PlatformVersion    string
	FirefoxUserAgentOS string
}

// GetPlatformInfo returns platform fragments matching the runtime OS, so a
// profile's User-Agent and client hints agree with the TLS fingerprint.
func GetPlatformInfo() PlatformInfo {
	switch runtime.GOOS {
	case "windows":
		return PlatformInfo{
			UserAgentOS:        "(Windows NT 10.0; Win64; x64)",
			Platform:           "Windows",
			Arch:               "x86",
			PlatformVersion:    "10.0.0",
			FirefoxUserAgentOS: "(Windows NT 10.0; Win64; x64; rv:133.0)",
		}
	case "darwin":
		return PlatformInfo{
			UserAgentOS:        "(Macintosh; Intel Mac OS X 10_15_7)",
			Platform:           "macOS",
			Arch:               "arm",
			PlatformVersion:    "14.7.0",
			FirefoxUserAgentOS: "(Macintosh; Intel Mac OS X 10.15; rv:133.0)",
		}
	default:
		return PlatformInfo{
			UserAgentOS:        "(X11; Linux x86_64)",
			Platform:           "Linux",
			Arch:               "x86",
			PlatformVersion:    "6.12.0",
			FirefoxUserAgentOS: "(X11; Linux x86_64; rv:133.0)",
		}
	}
}

// chromePseudoOrder is Chrome's h2 pseudo-header order (m,a,s,p).
var chromePseudoOrder = []string{":method", ":authority", ":scheme", ":path"}

// chromeHeaderOrder is the regular-header order captured from real Chrome
// navigation requests. High-entropy client hints sit after "priority"; they
// are only present when a server requested them via Accept-CH.
var chromeHeaderOrder = []string{
	"sec-ch-ua",
	"sec-ch-ua-mobile",
	"sec-ch-ua-platform",
	"upgrade-insecure-requests",
	"user-agent",
	"accept",
	"sec-fetch-site",
	"sec-fetch-mode",
	"sec-fetch-user",
	"sec-fetch-dest",
	"accept-encoding",
	"accept-language",
	"priority",
	"sec-ch-ua-arch",
	"sec-ch-ua-bitness",
	"sec-ch-ua-full-version-list",
	"sec-ch-ua-model",
	"sec-ch-ua-platform-version",
	"cache-control",
	"cookie",
	"origin",
	"pragma",
	"referer",
}

// Chrome's SETTINGS line is 1:65536;2:0;3:0;4:6291456;6:262144.
var chromeHTTP2 = HTTP2Settings{
	HeaderTableSize:        65536,
	EnablePush:             false,
	MaxConcurrentStreams:   0,
	InitialWindowSize:      6291456,
	MaxFrameSize:           16384,
	MaxHeaderListSize:      262144,
	SettingsOrder:          []uint16{1, 2, 3, 4, 6},
	ConnectionWindowUpdate: 15663105,
	StreamWeight:           256,
	StreamExclusive:        true,
}

// chromeProfile builds a Chrome profile for the given major version. Chrome
// only sends low-entropy client hints by default; emitting the high-entropy
// set unprompted is itself a bot signal.
func chromeProfile(name, uaVersion, brandList string, helloID, quicID tls.ClientHelloID, platform PlatformInfo) *Profile {
	return &Profile{
		Name:              name,
		ClientHelloID:     helloID,
		QUICClientHelloID: quicID,
		UserAgent:         "Mozilla/5.0 " + platform.UserAgentOS + " AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + uaVersion + ".0.0.0 Safari/537.36",
		Headers: map[string]string{
			"sec-ch-ua":                 brandList,
			"sec-ch-ua-mobile":          "?0",
			"sec-ch-ua-platform":        `"` + platform.Platform + `"`,
			"Cache-Control":             "max-age=0",
			"Upgrade-Insecure-Requests": "1",
			"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
			"Sec-Fetch-Site":            "none",
			"Sec-Fetch-Mode":            "navigate",
			"Sec-Fetch-User":            "?1",
			"Sec-Fetch-Dest":            "document",
			"Accept-Encoding":           "gzip, deflate, br, zstd",
			"Accept-Language":           "en-US,en;q=0.9",
			"Priority":                  "u=0, i",
		},
		HeaderOrder:       chromeHeaderOrder,
		PseudoHeaderOrder: chromePseudoOrder,
		HTTP2:             chromeHTTP2,
		SupportsHTTP3:     true,
	}
}

// chrome143HelloID returns the platform-specific Chrome 143 hello, which
// carries a fixed extension order per platform.
func chrome143HelloID(platform string) tls.ClientHelloID {
	switch platform {
	case "Windows":
		return tls.HelloChrome_143_Windows
	case "macOS":
		return tls.HelloChrome_143_macOS
	default:
		return tls.HelloChrome_143_Linux
	}
}

// Chrome131 returns the Chrome 131 profile for the runtime platform.
func Chrome131() *Profile {
	p := GetPlatformInfo()
	return chromeProfile("chrome-131", "131",
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		tls.HelloChrome_131, tls.ClientHelloID{}, p)
}

// Chrome133 returns the Chrome 133 profile for the runtime platform.
func Chrome133() *Profile {
	p := GetPlatformInfo()
	return chromeProfile("chrome-133", "133",
		`"Google Chrome";v="133", "Chromium";v="133", "Not_A Brand";v="24"`,
		tls.HelloChrome_133, tls.ClientHelloID{}, p)
}

// Chrome141 returns the Chrome 141 profile. The TLS shape is unchanged from
// Chrome 133; only the UA and brand list moved.
func Chrome141() *Profile {
	p := GetPlatformInfo()
	return chromeProfile("chrome-141", "141",
		`"Google Chrome";v="141", "Not?A_Brand";v="8", "Chromium";v="141"`,
		tls.HelloChrome_133, tls.ClientHelloID{}, p)
}

// Chrome143 returns the Chrome 143 profile with the platform-specific fixed
// extension order and a dedicated QUIC hello for h3.
func Chrome143() *Profile {
	p := GetPlatformInfo()
	prof := chromeProfile("chrome-143", "143",
		`"Google Chrome";v="143", "Chromium";v="143", "Not A(Brand";v="24"`,
		chrome143HelloID(p.Platform), tls.HelloChrome_143_QUIC, p)
	prof.QUICPSKClientHelloID = tls.HelloChrome_143_QUIC_PSK
	return prof
}

func chrome143For(platform PlatformInfo) *Profile {
	prof := chromeProfile("chrome-143-"+lowerPlatform(platform.Platform), "143",
		`"Google Chrome";v="143", "Chromium";v="143", "Not A(Brand";v="24"`,
		chrome143HelloID(platform.Platform), tls.HelloChrome_143_QUIC, platform)
	prof.QUICPSKClientHelloID = tls.HelloChrome_143_QUIC_PSK
	return prof
}

func lowerPlatform(p string) string {
	switch p {
	case "Windows":
		return "windows"
	case "macOS":
		return "macos"
	default:
		return "linux"
	}
}

// Chrome143Windows returns Chrome 143 pinned to the Windows fingerprint
// regardless of the runtime OS. Useful when the proxy egress claims to be a
// Windows machine.
func Chrome143Windows() *Profile {
	return chrome143For(PlatformInfo{
		UserAgentOS: "(Windows NT 10.0; Win64; x64)",
		Platform:    "Windows",
	})
}

// Chrome143Linux returns Chrome 143 pinned to the Linux fingerprint.
func Chrome143Linux() *Profile {
	return chrome143For(PlatformInfo{
		UserAgentOS: "(X11; Linux x86_64)",
		Platform:    "Linux",
	})
}

// Chrome143MacOS returns Chrome 143 pinned to the macOS fingerprint.
func Chrome143MacOS() *Profile {
	return chrome143For(PlatformInfo{
		UserAgentOS: "(Macintosh; Intel Mac OS X 10_15_7)",
		Platform:    "macOS",
	})
}

// Firefox133 returns the Firefox 133 profile for the runtime platform.
func Firefox133() *Profile {
	p := GetPlatformInfo()
	return &Profile{
		Name:          "firefox-133",
		ClientHelloID: tls.HelloFirefox_120,
		UserAgent:     "Mozilla/5.0 " + p.FirefoxUserAgentOS + " Gecko/20100101 Firefox/133.0",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.5",
			"Accept-Encoding": "gzip, deflate, br",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
			"Sec-Fetch-User":  "?1",
		},
		HeaderOrder: []string{
			"user-agent",
			"accept",
			"accept-language",
			"accept-encoding",
			"referer",
			"cookie",
			"upgrade-insecure-requests",
			"sec-fetch-dest",
			"sec-fetch-mode",
			"sec-fetch-site",
			"sec-fetch-user",
		},
		// Firefox sends :method, :path, :authority, :scheme
		PseudoHeaderOrder: []string{":method", ":path", ":authority", ":scheme"},
		HTTP2: HTTP2Settings{
			HeaderTableSize:        65536,
			EnablePush:             true,
			MaxConcurrentStreams:   0,
			InitialWindowSize:      131072,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      0,
			SettingsOrder:          []uint16{1, 4, 5},
			ConnectionWindowUpdate: 12517377,
			StreamWeight:           42,
			StreamExclusive:        false,
		},
		SupportsHTTP3: true,
	}
}

// Safari18 returns the Safari 18 profile. Safari is macOS-only so there is
// no platform switch, and its h3 support is limited enough that the engine
// treats it as h2-capped.
func Safari18() *Profile {
	return &Profile{
		Name:          "safari-18",
		ClientHelloID: tls.HelloSafari_16_0,
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.0 Safari/605.1.15",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "en-US,en;q=0.9",
			"Accept-Encoding": "gzip, deflate, br",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
		},
		HeaderOrder: []string{
			"accept",
			"sec-fetch-site",
			"sec-fetch-dest",
			"accept-language",
			"sec-fetch-mode",
			"user-agent",
			"referer",
			"accept-encoding",
			"cookie",
		},
		// Safari sends :method, :scheme, :path, :authority
		PseudoHeaderOrder: []string{":method", ":scheme", ":path", ":authority"},
		HTTP2: HTTP2Settings{
			HeaderTableSize:        4096,
			EnablePush:             true,
			MaxConcurrentStreams:   100,
			InitialWindowSize:      2097152,
			MaxFrameSize:           16384,
			MaxHeaderListSize:      0,
			SettingsOrder:          []uint16{2, 3, 4},
			ConnectionWindowUpdate: 10485760,
			StreamWeight:           255,
			StreamExclusive:        false,
		},
		SupportsHTTP3: false,
	}
}

var catalogue = map[string]func() *Profile{
	"chrome-131":         Chrome131,
	"chrome-133":         Chrome133,
	"chrome-141":         Chrome141,
	"chrome-143":         Chrome143,
	"chrome-143-windows": Chrome143Windows,
	"chrome-143-linux":   Chrome143Linux,
	"chrome-143-macos":   Chrome143MacOS,
	"firefox-133":        Firefox133,
	"safari-18":          Safari18,
}

// Get resolves a profile by name. A name not in the catalogue returns an
// error wrapping ErrUnknownProfile.
func Get(name string) (*Profile, error) {
	fn, ok := catalogue[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return fn(), nil
}

// Available returns the catalogue names in sorted order. The ordering is
// stable across calls and across processes.
func Available() []string {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
