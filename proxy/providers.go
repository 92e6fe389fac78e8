package proxy

import (
	"net/url"
	"strings"
	"sync"
)

// Known MASQUE-capable proxy providers. An https:// proxy URL pointing at
// one of these hosts is treated as a CONNECT-UDP upstream.
var (
	providersMu     sync.RWMutex
	masqueProviders = []string{
		// Bright Data
		"brd.superproxy.io",
		"zproxy.lum-superproxy.io",
		"lum-superproxy.io",
		// Oxylabs
		"pr.oxylabs.io",
		"residential-eu.oxylabs.io",
		// Smartproxy
		"gate.smartproxy.com",
		// SOAX
		"proxy.soax.com",
	}
)

// IsMASQUEProvider reports whether the host belongs to a known MASQUE
// provider, matching on domain suffix.
func IsMASQUEProvider(host string) bool {
	host = strings.ToLower(host)
	providersMu.RLock()
	defer providersMu.RUnlock()
	for _, provider := range masqueProviders {
		if host == provider || strings.HasSuffix(host, "."+provider) || strings.Contains(host, provider) {
			return true
		}
	}
	return false
}

// IsMASQUEProxyURL reports whether a proxy URL should use CONNECT-UDP:
// either an explicit masque:// scheme, or https:// with a known provider
// host.
func IsMASQUEProxyURL(proxyURL string) bool {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return false
	}
	if parsed.Scheme == "masque" {
		return true
	}
	return parsed.Scheme == "https" && IsMASQUEProvider(parsed.Hostname())
}

// NormalizeMASQUEURL rewrites masque:// to https://. The scheme is only a
// routing hint; the wire protocol is HTTP/3 over TLS.
func NormalizeMASQUEURL(proxyURL string) (string, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "masque" {
		parsed.Scheme = "https"
	}
	return parsed.String(), nil
}

// AddMASQUEProvider registers an extra provider hostname so its https://
// URLs route through CONNECT-UDP.
func AddMASQUEProvider(hostname string) {
	hostname = strings.ToLower(hostname)
	providersMu.Lock()
	defer providersMu.Unlock()
	for _, p := range masqueProviders {
		if p == hostname {
			return
		}
	}
	masqueProviders = append(masqueProviders, hostname)
}
