package relay

import (
	"sync"
	"time"
)

// anonymousKey is assigned to callers that omit their identifier so they share
// one budget instead of bypassing the limiter entirely.
const anonymousKey = "anonymous"

// cleanupEveryNCalls bounds window memory by time in addition to the LRU
// capacity bound, which only kicks in under key churn.
const cleanupEveryNCalls = 100

type rateWindow struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window per-key request counter backed by a bounded LRU
// store. One instance is shared by all in-flight requests.
type Limiter struct {
	mu          sync.Mutex
	store       *Cache[string, *rateWindow]
	windowDur   time.Duration
	maxRequests int
	calls       int

	now func() time.Time
}

func NewLimiter(maxRequests int, windowDur time.Duration, maxTrackedKeys int) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 20
	}
	if windowDur <= 0 {
		windowDur = time.Hour
	}
	return &Limiter{
		store:       NewCache[string, *rateWindow](maxTrackedKeys),
		windowDur:   windowDur,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// IsLimited reports whether key has exhausted its budget for the current
// window. The first maxRequests calls within a window are admitted; later
// calls are rejected without incrementing until the window expires.
func (l *Limiter) IsLimited(key string) bool {
	if key == "" {
		key = anonymousKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.calls++
	if l.calls%cleanupEveryNCalls == 0 {
		l.store.CleanupOlderThan(l.windowDur)
	}

	win, ok := l.store.Get(key)
	if !ok || now.Sub(win.windowStart) > l.windowDur {
		l.store.Set(key, &rateWindow{count: 1, windowStart: now})
		return false
	}
	if win.count >= l.maxRequests {
		return true
	}
	win.count++
	return false
}

// Count returns the number of requests recorded for key in the current
// window, or 0 once the window has expired.
func (l *Limiter) Count(key string) int {
	if key == "" {
		key = anonymousKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	win, ok := l.store.Get(key)
	if !ok || l.now().Sub(win.windowStart) > l.windowDur {
		return 0
	}
	return win.count
}

// Cleanup purges windows older than the window duration and reports how many
// were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.CleanupOlderThan(l.windowDur)
}
