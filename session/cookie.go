package session

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cookie is one stored cookie with the attributes that matter for
// matching. Attributes the store does not enforce (SameSite) are kept
// verbatim for export.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	MaxAge   int
	Secure   bool
	HTTPOnly bool
	SameSite string
}

func (c *Cookie) expired(now time.Time) bool {
	if c.MaxAge < 0 {
		return true
	}
	if c.MaxAge > 0 {
		return false
	}
	if c.Expires.IsZero() {
		return false
	}
	return now.After(c.Expires)
}

// matches reports whether the cookie belongs on a request to u.
func (c *Cookie) matches(u *url.URL) bool {
	if !domainMatch(c.Domain, u.Hostname()) {
		return false
	}
	if !pathMatch(c.Path, u.Path) {
		return false
	}
	if c.Secure && u.Scheme != "https" {
		return false
	}
	return true
}

func domainMatch(domain, host string) bool {
	host = strings.ToLower(host)
	domain = strings.ToLower(domain)
	if host == domain {
		return true
	}
	// A Domain attribute set by the server covers subdomains.
	if strings.HasPrefix(domain, ".") {
		return host == domain[1:] || strings.HasSuffix(host, domain)
	}
	return false
}

func pathMatch(cookiePath, reqPath string) bool {
	if cookiePath == "" || cookiePath == "/" {
		return true
	}
	if reqPath == "" {
		reqPath = "/"
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return len(reqPath) == len(cookiePath) || reqPath[len(cookiePath)] == '/' ||
		strings.HasSuffix(cookiePath, "/")
}

// cookie date formats seen in the wild, most common first.
var expiresFormats = []string{
	time.RFC1123,
	time.RFC1123Z,
	"Mon, 02-Jan-2006 15:04:05 MST",
	"Mon, 02 Jan 2006 15:04:05 MST",
	"Monday, 02-Jan-06 15:04:05 MST",
	"Mon Jan 2 15:04:05 2006",
}

// parseSetCookie parses one Set-Cookie header value. The request URL
// supplies the default domain when the server sends none. Returns nil
// for lines that carry no name=value pair.
func parseSetCookie(line string, reqURL *url.URL) *Cookie {
	parts := strings.Split(line, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !ok || strings.TrimSpace(name) == "" {
		return nil
	}

	c := &Cookie{
		Name:  strings.TrimSpace(name),
		Value: strings.TrimSpace(value),
		Path:  "/",
	}
	if reqURL != nil {
		c.Domain = strings.ToLower(reqURL.Hostname())
	}

	for _, part := range parts[1:] {
		attr, attrValue, _ := strings.Cut(strings.TrimSpace(part), "=")
		attrValue = strings.TrimSpace(attrValue)
		switch strings.ToLower(attr) {
		case "domain":
			if attrValue != "" {
				d := strings.ToLower(attrValue)
				if !strings.HasPrefix(d, ".") {
					d = "." + d
				}
				c.Domain = d
			}
		case "path":
			if attrValue != "" {
				c.Path = attrValue
			}
		case "expires":
			for _, format := range expiresFormats {
				if t, err := time.Parse(format, attrValue); err == nil {
					c.Expires = t
					break
				}
			}
		case "max-age":
			if n, err := strconv.Atoi(attrValue); err == nil {
				c.MaxAge = n
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HTTPOnly = true
		case "samesite":
			c.SameSite = attrValue
		}
	}
	return c
}

// Jar is a domain-keyed cookie store with browser overwrite semantics:
// setting a cookie whose name and path already exist for the domain
// replaces it. Safe for concurrent use.
type Jar struct {
	mu      sync.RWMutex
	domains map[string][]*Cookie
}

func NewJar() *Jar {
	return &Jar{domains: make(map[string][]*Cookie)}
}

// domainKey strips the leading dot so host cookies and domain cookies
// for the same site share a bucket.
func domainKey(domain string) string {
	return strings.TrimPrefix(strings.ToLower(domain), ".")
}

// Set stores cookies, replacing any existing cookie with the same name
// and path on the same domain. An expired cookie deletes its slot.
func (j *Jar) Set(cookies ...*Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := time.Now()
	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		key := domainKey(c.Domain)
		kept := j.domains[key][:0]
		for _, old := range j.domains[key] {
			if old.Name != c.Name || old.Path != c.Path {
				kept = append(kept, old)
			}
		}
		if !c.expired(now) {
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(j.domains, key)
		} else {
			j.domains[key] = kept
		}
	}
}

// SetFromResponse parses Set-Cookie headers from a response to u and
// stores the results.
func (j *Jar) SetFromResponse(u *url.URL, setCookie []string) {
	for _, line := range setCookie {
		if c := parseSetCookie(line, u); c != nil {
			j.Set(c)
		}
	}
}

// SetValue stores a bare name=value host cookie for u.
func (j *Jar) SetValue(u *url.URL, name, value string) {
	j.Set(&Cookie{
		Name:   name,
		Value:  value,
		Domain: strings.ToLower(u.Hostname()),
		Path:   "/",
	})
}

// Cookies returns the cookies to attach to a request for u, most
// specific path first, matching the order browsers emit them in.
func (j *Jar) Cookies(u *url.URL) []*Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()

	now := time.Now()
	host := strings.ToLower(u.Hostname())

	var out []*Cookie
	for _, key := range matchingDomainKeys(host) {
		for _, c := range j.domains[key] {
			if c.expired(now) {
				continue
			}
			if c.matches(u) {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return len(out[a].Path) > len(out[b].Path)
	})
	return out
}

// matchingDomainKeys lists the host itself and every parent domain.
func matchingDomainKeys(host string) []string {
	keys := []string{host}
	for {
		_, rest, ok := strings.Cut(host, ".")
		if !ok || rest == "" || !strings.Contains(rest, ".") {
			break
		}
		keys = append(keys, rest)
		host = rest
	}
	return keys
}

// Header renders the Cookie header value for a request to u. Empty when
// nothing matches.
func (j *Jar) Header(u *url.URL) string {
	cookies := j.Cookies(u)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// Values returns name → value for the cookies matching u.
func (j *Jar) Values(u *url.URL) map[string]string {
	cookies := j.Cookies(u)
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

// All snapshots every stored cookie grouped by domain.
func (j *Jar) All() map[string][]*Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make(map[string][]*Cookie, len(j.domains))
	for domain, cookies := range j.domains {
		copied := make([]*Cookie, len(cookies))
		for i, c := range cookies {
			cc := *c
			copied[i] = &cc
		}
		out[domain] = copied
	}
	return out
}

// Clear drops every cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.domains = make(map[string][]*Cookie)
}

// Count returns the number of stored cookies.
func (j *Jar) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, cookies := range j.domains {
		n += len(cookies)
	}
	return n
}
