// Package dns provides a TTL-aware resolver cache and DNS HTTPS-record
// discovery for ECH configs.
package dns

import (
	"context"
	"net"
	"sync"
	"time"
)

type entry struct {
	ips       []net.IP
	expiresAt time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// Cache resolves hostnames through the system resolver and caches results
// with a TTL. On lookup failure a stale entry is served rather than an error,
// so a flapping resolver does not take down in-flight traffic.
type Cache struct {
	entries    map[string]*entry
	mu         sync.RWMutex
	resolver   *net.Resolver
	defaultTTL time.Duration
	minTTL     time.Duration
}

// NewCache creates a DNS cache backed by the default resolver.
func NewCache() *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		resolver:   net.DefaultResolver,
		defaultTTL: 5 * time.Minute,
		minTTL:     30 * time.Second,
	}
}

// Resolve returns all addresses for host, from cache when fresh.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()

	if ok && !e.expired() {
		return e.ips, nil
	}

	ips, err := c.lookup(ctx, host)
	if err != nil {
		if ok {
			return e.ips, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = &entry{ips: ips, expiresAt: time.Now().Add(c.defaultTTL)}
	c.mu.Unlock()

	return ips, nil
}

func (c *Cache) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	ips := make([]net.IP, len(addrs))
	for i, addr := range addrs {
		ips[i] = addr.IP
	}
	return ips, nil
}

// ResolveOne returns a single address, preferring IPv6 the way modern
// browsers do.
func (c *Cache) ResolveOne(ctx context.Context, host string) (net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// ResolveAllSorted returns all addresses interleaved IPv6-first for Happy
// Eyeballs dialing (RFC 8305).
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}

	var v4, v6 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	result := make([]net.IP, 0, len(ips))
	for i, j := 0, 0; i < len(v6) || j < len(v4); {
		if i < len(v6) {
			result = append(result, v6[i])
			i++
		}
		if j < len(v4) {
			result = append(result, v4[j])
			j++
		}
	}
	return result, nil
}

// Invalidate drops a hostname from the cache.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// SetTTL sets the cache TTL, floored at the minimum to avoid hammering the
// resolver.
func (c *Cache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	c.defaultTTL = ttl
	c.mu.Unlock()
}

// Sweep removes expired entries.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for host, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, host)
		}
	}
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
