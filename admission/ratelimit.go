package admission

import (
	"sync"
	"time"
)

// Window names the three fixed periods spec.md §3/§4.3 name explicitly;
// Custom lets a caller supply an arbitrary period.
type Window int

const (
	Minute Window = iota
	Hour
	Day
	Custom
)

func (w Window) duration(custom time.Duration) time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return custom
	}
}

// bucket is one fixed-window rate-limit counter (spec.md §3
// "RateLimitBucket"): a count and the time its window started.
type bucket struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// allow reports whether one more event may be admitted in the window
// starting now, given limit and period; it resets the window if period
// has elapsed since windowStart.
func (b *bucket) allow(limit int, period time.Duration) (ok bool, current int, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= period {
		b.windowStart = now
		b.count = 0
	}

	if b.count >= limit {
		return false, b.count, b.windowStart.Add(period)
	}
	b.count++
	return true, b.count, b.windowStart.Add(period)
}

// Limiter is a fixed-window rate limiter keyed by an arbitrary string
// (spec.md default: remote IP). Each (key, Window) pair gets its own
// bucket, since a single key may be subject to several simultaneous
// windows (PerMinute and PerHour, say).
type Limiter struct {
	Window       Window
	Limit        int
	CustomPeriod time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter returns a limiter admitting at most limit events per window
// per key.
func NewLimiter(window Window, limit int, customPeriod time.Duration) *Limiter {
	return &Limiter{
		Window:       window,
		Limit:        limit,
		CustomPeriod: customPeriod,
		buckets:      map[string]*bucket{},
	}
}

// Allow reports whether key may proceed, along with the current count and
// the time the window resets (for the "try again after <reset>" message
// spec.md's RateLimitExceeded hook documents).
func (l *Limiter) Allow(key string) (ok bool, current, limit int, resetAt time.Time) {
	l.mu.Lock()
	b, found := l.buckets[key]
	if !found {
		b = &bucket{}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	allowed, cur, reset := b.allow(l.Limit, l.Window.duration(l.CustomPeriod))
	return allowed, cur, l.Limit, reset
}

// MultiLimiter runs several Limiters (e.g. PerMinute + PerHour + PerDay)
// and admits only if all of them do.
type MultiLimiter struct {
	limiters []*Limiter
}

// NewMultiLimiter combines limiters; nil entries are ignored, so callers
// can pass only the windows that are actually configured.
func NewMultiLimiter(limiters ...*Limiter) *MultiLimiter {
	var filtered []*Limiter
	for _, l := range limiters {
		if l != nil {
			filtered = append(filtered, l)
		}
	}
	return &MultiLimiter{limiters: filtered}
}

// Allow reports whether key is admitted by every configured limiter. On
// the first rejection it stops and returns that limiter's numbers.
func (m *MultiLimiter) Allow(key string) (ok bool, current, limit int, resetAt time.Time) {
	for _, l := range m.limiters {
		allowed, cur, lim, reset := l.Allow(key)
		if !allowed {
			return false, cur, lim, reset
		}
	}
	return true, 0, 0, time.Time{}
}
