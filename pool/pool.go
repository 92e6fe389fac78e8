// Package pool keys live connections by (profile, route, version, target)
// and hands them out for reuse. It is an arena with keys: lookup, insert and
// evict are map operations on the composite key, and eviction is key removal.
//
// The pool never dials. Transports create connections and register them;
// the pool only decides whether an existing one may carry another exchange.
package pool

import (
	"net"
	"sync"
	"time"
)

// Key identifies a pooled connection. Two requests may share a connection
// only when every field matches: same fingerprint profile, same resolved
// egress route, same negotiated version, same target.
type Key struct {
	Profile string
	Route   string
	Version string
	Host    string
	Port    string
}

func (k Key) String() string {
	return k.Profile + "|" + k.Route + "|" + k.Version + "|" + net.JoinHostPort(k.Host, k.Port)
}

// Conn is one pooled transport instance. The carrier field depends on the
// negotiated version; Close must release the underlying sockets.
type Conn struct {
	Key Key

	// Carrier is the protocol-specific connection owned by the transport
	// that created it (a TLS conn + h2 client conn, a raw h1 conn, or a
	// QUIC conn). The pool only tracks lifecycle through it.
	Carrier interface{ Close() error }

	createdAt  time.Time
	lastUsedAt time.Time
	useCount   int64

	mu     sync.Mutex
	refs   int
	closed bool
	// evicted marks a conn that must close as soon as the last in-flight
	// exchange releases it.
	evicted bool
}

// NewConn wraps a carrier for pool registration.
func NewConn(key Key, carrier interface{ Close() error }) *Conn {
	now := time.Now()
	return &Conn{
		Key:        key,
		Carrier:    carrier,
		createdAt:  now,
		lastUsedAt: now,
	}
}

// Acquire marks the connection as carrying one more exchange. Returns false
// when the connection can no longer be used.
func (c *Conn) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.evicted {
		return false
	}
	c.refs++
	c.useCount++
	c.lastUsedAt = time.Now()
	return true
}

// Release drops one in-flight reference. A connection evicted while busy
// closes when the last reference goes.
func (c *Conn) Release() {
	c.mu.Lock()
	c.refs--
	if c.refs < 0 {
		// Pool invariant violated; fail loudly instead of limping on with
		// a connection whose ownership is unknown.
		c.mu.Unlock()
		panic("pool: Release without matching Acquire")
	}
	shouldClose := c.evicted && c.refs == 0 && !c.closed
	if shouldClose {
		c.closed = true
	}
	c.mu.Unlock()

	if shouldClose && c.Carrier != nil {
		c.Carrier.Close()
	}
}

// UseCount returns how many exchanges this connection has carried.
func (c *Conn) UseCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// Age returns time since the connection was created.
func (c *Conn) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

// IdleTime returns time since the connection last carried an exchange.
func (c *Conn) IdleTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs > 0 {
		return 0
	}
	return time.Since(c.lastUsedAt)
}

func (c *Conn) markEvicted() (closeNow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.evicted {
		return false
	}
	c.evicted = true
	if c.refs == 0 {
		c.closed = true
		return true
	}
	return false
}

// Pool is the shared connection arena. One live connection per key; h2 and
// h3 multiplex streams over it, h1 serializes through the transport.
type Pool struct {
	mu    sync.RWMutex
	conns map[Key]*Conn

	maxIdleTime time.Duration
	maxConnAge  time.Duration

	stopSweep chan struct{}
	closed    bool
}

// New creates a pool with browser-like reuse windows and starts the idle
// sweeper.
func New() *Pool {
	p := &Pool{
		conns:       make(map[Key]*Conn),
		maxIdleTime: 90 * time.Second,
		maxConnAge:  5 * time.Minute,
		stopSweep:   make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Get returns a usable pooled connection for the key, already acquired, or
// nil when the caller must dial.
func (p *Pool) Get(key Key) *Conn {
	p.mu.RLock()
	conn, ok := p.conns[key]
	p.mu.RUnlock()

	if !ok {
		return nil
	}
	if conn.Age() > p.maxConnAge || conn.IdleTime() > p.maxIdleTime {
		p.Evict(key)
		return nil
	}
	if !conn.Acquire() {
		p.Evict(key)
		return nil
	}
	return conn
}

// Put registers a freshly dialed connection under its key, acquired for the
// caller's exchange. A racing dial for the same key keeps the first
// registration; the loser is returned un-pooled and closes after its own
// exchange finishes.
func (p *Pool) Put(conn *Conn) *Conn {
	if !conn.Acquire() {
		return conn
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.markEvicted()
		return conn
	}
	existing, ok := p.conns[conn.Key]
	if ok && existing.Acquire() {
		// Lost the race; hand back the pooled one.
		p.mu.Unlock()
		conn.Release()
		if closeNow := conn.markEvicted(); closeNow && conn.Carrier != nil {
			conn.Carrier.Close()
		}
		return existing
	}
	p.conns[conn.Key] = conn
	p.mu.Unlock()
	return conn
}

// Evict removes the key and closes its connection once no exchange holds it.
// Call on any transport-level error: a socket in unknown state is never
// reused.
func (p *Pool) Evict(key Key) {
	p.mu.Lock()
	conn, ok := p.conns[key]
	if ok {
		delete(p.conns, key)
	}
	p.mu.Unlock()

	if ok {
		if closeNow := conn.markEvicted(); closeNow && conn.Carrier != nil {
			conn.Carrier.Close()
		}
	}
}

// EvictMatching removes every connection the predicate selects. Used when a
// proxy slot changes: only the keys whose route belongs to that slot drop.
func (p *Pool) EvictMatching(match func(Key) bool) {
	p.mu.Lock()
	var victims []*Conn
	for key, conn := range p.conns {
		if match(key) {
			delete(p.conns, key)
			victims = append(victims, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range victims {
		if closeNow := conn.markEvicted(); closeNow && conn.Carrier != nil {
			conn.Carrier.Close()
		}
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Contains reports whether a connection is pooled under the key. Telemetry
// for reuse checks; the connection may still be evicted before next use.
func (p *Pool) Contains(key Key) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[key]
	return ok
}

// UseCount returns the pooled connection's exchange count, 0 when absent.
func (p *Pool) UseCount(key Key) int64 {
	p.mu.RLock()
	conn, ok := p.conns[key]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	return conn.UseCount()
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var victims []*Conn
	for key, conn := range p.conns {
		if conn.Age() > p.maxConnAge || conn.IdleTime() > p.maxIdleTime {
			delete(p.conns, key)
			victims = append(victims, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range victims {
		if closeNow := conn.markEvicted(); closeNow && conn.Carrier != nil {
			conn.Carrier.Close()
		}
	}
}

// Close evicts everything and stops the sweeper. The pool is unusable
// afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.conns
	p.conns = make(map[Key]*Conn)
	p.mu.Unlock()

	close(p.stopSweep)
	for _, conn := range conns {
		if closeNow := conn.markEvicted(); closeNow && conn.Carrier != nil {
			conn.Carrier.Close()
		}
	}
}
