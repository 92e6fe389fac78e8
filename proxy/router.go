// Package proxy routes egress through SOCKS5 and MASQUE upstreams.
//
// TCP traffic (HTTP/1.1, HTTP/2) and UDP traffic (HTTP/3) are routed
// independently: a router holds one slot per transport kind, and changing
// one slot never disturbs connections built over the other.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
)

// ErrUnsupportedProxyScheme is returned when a proxy URL's scheme cannot
// serve the transport kind it was configured for.
var ErrUnsupportedProxyScheme = errors.New("unsupported proxy scheme")

// Kind says which egress mechanism a route uses.
type Kind int

const (
	// KindDirect dials the target without a proxy.
	KindDirect Kind = iota
	// KindSOCKS5 tunnels TCP through a SOCKS5 CONNECT.
	KindSOCKS5
	// KindSOCKS5UDP relays UDP through a SOCKS5 UDP ASSOCIATE.
	KindSOCKS5UDP
	// KindMASQUE tunnels UDP through an HTTP/3 CONNECT-UDP proxy.
	KindMASQUE
	// KindHTTPConnect tunnels TCP through an HTTP CONNECT proxy.
	KindHTTPConnect
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindSOCKS5:
		return "socks5"
	case KindSOCKS5UDP:
		return "socks5-udp"
	case KindMASQUE:
		return "masque"
	case KindHTTPConnect:
		return "http-connect"
	default:
		return "unknown"
	}
}

// Transport kinds a route can be resolved for.
const (
	TransportTCP = "tcp"
	TransportUDP = "udp"
)

// Route is a resolved egress decision: which mechanism, through which
// upstream. A zero Route is the direct route.
type Route struct {
	Kind Kind
	// URL is the full proxy URL including credentials. Credentials are part
	// of route identity: many providers select the exit by username.
	URL string
}

// Direct reports whether the route bypasses any proxy.
func (r Route) Direct() bool {
	return r.Kind == KindDirect
}

// Key returns the route's identity for connection pooling. Two exchanges
// may share a connection only when their route keys match.
func (r Route) Key() string {
	if r.Kind == KindDirect {
		return "direct"
	}
	return r.Kind.String() + "|" + r.URL
}

// ResolveRoute turns a proxy URL into a Route for the given transport kind,
// inferring the mechanism from the scheme:
//
//	socks5://, socks5h://  SOCKS5 CONNECT for TCP, UDP ASSOCIATE for UDP
//	masque://              CONNECT-UDP, UDP only
//	http://                HTTP CONNECT, TCP only
//	https://               HTTP CONNECT for TCP; CONNECT-UDP for UDP when
//	                       the host is a known MASQUE provider
//
// An empty URL resolves to the direct route.
func ResolveRoute(proxyURL, transport string) (Route, error) {
	if proxyURL == "" {
		return Route{}, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return Route{}, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsed.Scheme {
	case "socks5", "socks5h":
		if transport == TransportUDP {
			return Route{Kind: KindSOCKS5UDP, URL: proxyURL}, nil
		}
		return Route{Kind: KindSOCKS5, URL: proxyURL}, nil

	case "masque":
		if transport != TransportUDP {
			return Route{}, fmt.Errorf("%w: masque proxies carry UDP only", ErrUnsupportedProxyScheme)
		}
		return Route{Kind: KindMASQUE, URL: proxyURL}, nil

	case "http":
		if transport == TransportUDP {
			return Route{}, fmt.Errorf("%w: http proxies carry TCP only", ErrUnsupportedProxyScheme)
		}
		return Route{Kind: KindHTTPConnect, URL: proxyURL}, nil

	case "https":
		if transport == TransportUDP {
			if IsMASQUEProvider(parsed.Hostname()) {
				return Route{Kind: KindMASQUE, URL: proxyURL}, nil
			}
			return Route{}, fmt.Errorf("%w: %q for %s", ErrUnsupportedProxyScheme, parsed.Scheme, transport)
		}
		return Route{Kind: KindHTTPConnect, URL: proxyURL}, nil

	default:
		return Route{}, fmt.Errorf("%w: %q", ErrUnsupportedProxyScheme, parsed.Scheme)
	}
}

// Router holds the session's two proxy slots. Methods are safe for
// concurrent use.
type Router struct {
	mu  sync.RWMutex
	tcp Route
	udp Route
}

// NewRouter returns a router with both slots direct.
func NewRouter() *Router {
	return &Router{}
}

// SetTCP replaces the TCP slot. An empty URL clears it back to direct.
func (r *Router) SetTCP(proxyURL string) error {
	route, err := ResolveRoute(proxyURL, TransportTCP)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.tcp = route
	r.mu.Unlock()
	return nil
}

// SetUDP replaces the UDP slot. An empty URL clears it back to direct.
func (r *Router) SetUDP(proxyURL string) error {
	route, err := ResolveRoute(proxyURL, TransportUDP)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.udp = route
	r.mu.Unlock()
	return nil
}

// TCP returns the current TCP route.
func (r *Router) TCP() Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tcp
}

// UDP returns the current UDP route.
func (r *Router) UDP() Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.udp
}

// RouteFor picks the route for a protocol version. h3 rides the UDP slot,
// everything else the TCP slot. A non-empty override bypasses the slots
// for this one exchange without mutating them.
func (r *Router) RouteFor(version string, override string) (Route, error) {
	transport := TransportTCP
	if version == "h3" {
		transport = TransportUDP
	}

	if override != "" {
		return ResolveRoute(override, transport)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if transport == TransportUDP {
		return r.udp, nil
	}
	return r.tcp, nil
}
