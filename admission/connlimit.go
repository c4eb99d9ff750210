// Package admission implements the connection lifecycle: the accept loop,
// per-IP connection tracking with a two-phase reaper, rate limiting, and
// graceful shutdown (spec.md §4.3).
//
// chasquid has no equivalent of this layer (internal/smtpsrv/server.go
// accepts unconditionally), so the counter/limiter/reaper types here are
// new code, written in the teacher's plain-struct-plus-explicit-mutex
// idiom rather than reaching for a concurrent-map library — the pack
// carries no such dependency either.
package admission

import (
	"net"
	"sync"
	"time"
)

// connCounter is a per-IP record: active count, last-access time, and a
// removal-pending flag (spec.md §3 "ConnectionCounter"). A single mutex
// protects the three fields together, since they form one compound
// invariant.
type connCounter struct {
	mu               sync.Mutex
	active           int
	lastAccess       time.Time
	markedForRemoval bool
}

// acquire tries to take one connection slot, bounded by limit. Returns
// false if the per-IP limit is reached or the entry is marked for removal.
func (c *connCounter) acquire(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.markedForRemoval || (limit > 0 && c.active >= limit) {
		return false
	}
	c.active++
	c.lastAccess = time.Now()
	return true
}

func (c *connCounter) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	c.lastAccess = time.Now()
}

// removable reports whether the entry may be deleted: zero active
// connections, idle for at least idleThreshold, and not already marked.
func (c *connCounter) removable(idleThreshold time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == 0 && time.Since(c.lastAccess) >= idleThreshold && !c.markedForRemoval
}

func (c *connCounter) mark() {
	c.mu.Lock()
	c.markedForRemoval = true
	c.mu.Unlock()
}

func (c *connCounter) stillMarkedAndIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markedForRemoval && c.active == 0
}

// ConnectionTracker enforces MaxConnections and MaxConnectionsPerIP, and
// periodically reaps idle per-IP entries via a two-phase mark-then-remove
// sweep. The two phases avoid the race where a release and a new acquire
// interleave with entry deletion (spec.md §4.3).
type ConnectionTracker struct {
	MaxConnections      int
	MaxConnectionsPerIP int

	ReapInterval   time.Duration
	IdleThreshold  time.Duration

	mu      sync.Mutex
	byIP    map[string]*connCounter
	total   int

	stop chan struct{}
	once sync.Once
}

// NewConnectionTracker returns a tracker with chasquid-style defaults for
// the reaper cadence (spec.md's "every 5 minutes" / "idle >= 10 minutes").
func NewConnectionTracker(maxTotal, maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		MaxConnections:      maxTotal,
		MaxConnectionsPerIP: maxPerIP,
		ReapInterval:        5 * time.Minute,
		IdleThreshold:       10 * time.Minute,
		byIP:                map[string]*connCounter{},
		stop:                make(chan struct{}),
	}
}

// Acquire tries to admit a connection from remote. It returns false if the
// global or per-IP limit is exceeded, or if remote's entry is currently
// marked for removal by a reap in progress.
func (t *ConnectionTracker) Acquire(remote net.Addr) bool {
	ip := hostOf(remote)

	t.mu.Lock()
	if t.MaxConnections > 0 && t.total >= t.MaxConnections {
		t.mu.Unlock()
		return false
	}
	c, ok := t.byIP[ip]
	if !ok {
		c = &connCounter{}
		t.byIP[ip] = c
	}
	t.mu.Unlock()

	if !c.acquire(t.MaxConnectionsPerIP) {
		return false
	}

	t.mu.Lock()
	t.total++
	t.mu.Unlock()
	return true
}

// Release returns a connection slot for remote.
func (t *ConnectionTracker) Release(remote net.Addr) {
	ip := hostOf(remote)

	t.mu.Lock()
	c, ok := t.byIP[ip]
	if t.total > 0 {
		t.total--
	}
	t.mu.Unlock()

	if ok {
		c.release()
	}
}

// StartReaper launches the background two-phase sweep goroutine. Call
// StopReaper (or cancel via Shutdown) to stop it.
func (t *ConnectionTracker) StartReaper() {
	go func() {
		ticker := time.NewTicker(t.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.reapOnce()
			case <-t.stop:
				return
			}
		}
	}()
}

// StopReaper stops the background sweep goroutine. Safe to call multiple
// times.
func (t *ConnectionTracker) StopReaper() {
	t.once.Do(func() { close(t.stop) })
}

func (t *ConnectionTracker) reapOnce() {
	t.mu.Lock()
	candidates := make([]string, 0, len(t.byIP))
	for ip, c := range t.byIP {
		if c.removable(t.IdleThreshold) {
			c.mark()
			candidates = append(candidates, ip)
		}
	}
	t.mu.Unlock()

	// Second pass: remove only entries still marked and idle, so a slot
	// acquired between the two passes is not lost.
	t.mu.Lock()
	for _, ip := range candidates {
		c, ok := t.byIP[ip]
		if ok && c.stillMarkedAndIdle() {
			delete(t.byIP, ip)
		}
	}
	t.mu.Unlock()
}

func hostOf(a net.Addr) string {
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
