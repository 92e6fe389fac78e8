package dns

import (
	"context"
	"fmt"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
)

// Default public resolvers for HTTPS-record queries. The system resolver is
// bypassed here because many stub resolvers strip SVCB parameters.
var defaultECHServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

var (
	echServersMu sync.RWMutex
	echServers   = defaultECHServers
)

// SetECHDNSServers overrides the resolvers used for ECH config discovery.
// Entries are "host:port". Passing nil restores the defaults.
func SetECHDNSServers(servers []string) {
	echServersMu.Lock()
	defer echServersMu.Unlock()
	if len(servers) == 0 {
		echServers = defaultECHServers
		return
	}
	echServers = append([]string(nil), servers...)
}

// GetECHDNSServers returns the resolvers used for ECH config discovery.
func GetECHDNSServers() []string {
	echServersMu.RLock()
	defer echServersMu.RUnlock()
	return append([]string(nil), echServers...)
}

// echNegativeTTL is how long a domain with no ech parameter stays
// cached before it is asked again.
const echNegativeTTL = 5 * time.Minute

type echEntry struct {
	config    []byte // nil for a cached negative answer
	err       error
	expiresAt time.Time
}

var (
	echCacheMu sync.RWMutex
	echCache   = make(map[string]*echEntry)
)

// FetchECHConfig queries the HTTPS (SVCB) record for domain and returns the
// raw ECHConfigList from its ech parameter. Results are cached using the
// record TTL. A domain that publishes no ech parameter is an error: callers
// should not silently connect without ECH when it was requested. That
// outcome is cached too, so repeated dials to a non-ECH domain do not
// re-query on every connection.
func FetchECHConfig(ctx context.Context, domain string) ([]byte, error) {
	echCacheMu.RLock()
	if e, ok := echCache[domain]; ok && time.Now().Before(e.expiresAt) {
		cfg, cachedErr := e.config, e.err
		echCacheMu.RUnlock()
		return cfg, cachedErr
	}
	echCacheMu.RUnlock()

	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(domain), mdns.TypeHTTPS)
	msg.RecursionDesired = true

	client := &mdns.Client{Timeout: 5 * time.Second}

	var lastErr error
	for _, server := range GetECHDNSServers() {
		resp, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != mdns.RcodeSuccess {
			lastErr = fmt.Errorf("HTTPS query for %s: rcode %s", domain, mdns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			https, ok := rr.(*mdns.HTTPS)
			if !ok {
				continue
			}
			for _, param := range https.Value {
				ech, ok := param.(*mdns.SVCBECHConfig)
				if !ok || len(ech.ECH) == 0 {
					continue
				}
				ttl := time.Duration(rr.Header().Ttl) * time.Second
				if ttl < time.Minute {
					ttl = time.Minute
				}
				echCacheMu.Lock()
				echCache[domain] = &echEntry{
					config:    ech.ECH,
					expiresAt: time.Now().Add(ttl),
				}
				echCacheMu.Unlock()
				return ech.ECH, nil
			}
		}

		// An authoritative answer without an ech parameter is a stable
		// fact about the domain; resolver failures are not, and stay
		// uncached.
		noECH := fmt.Errorf("no ech parameter in HTTPS record for %s", domain)
		echCacheMu.Lock()
		echCache[domain] = &echEntry{
			err:       noECH,
			expiresAt: time.Now().Add(echNegativeTTL),
		}
		echCacheMu.Unlock()
		return nil, noECH
	}

	return nil, fmt.Errorf("ECH config lookup for %s failed: %w", domain, lastErr)
}

// ClearECHCache drops all cached ECH configs.
func ClearECHCache() {
	echCacheMu.Lock()
	echCache = make(map[string]*echEntry)
	echCacheMu.Unlock()
}
