// Package ratelimit bounds request volume per caller identity before any
// chain query is attempted.
package ratelimit

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Limiter is a sliding-window counter keyed by caller identity. The count
// over the window is estimated by weighting the previous fixed bucket with
// the fraction of it still inside the window, which bounds memory to two
// counters per caller. Per-caller state lives in an LRU so identity churn
// cannot grow memory without bound.
type Limiter struct {
	mu      sync.Mutex
	callers *lru.Cache[string, *window]
	limit   int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	bucketStart time.Time
	current     int
	previous    int
}

// NewLimiter allows limit requests per caller per period, tracking at most
// maxCallers identities.
func NewLimiter(limit int, period time.Duration, maxCallers int) *Limiter {
	if period <= 0 {
		period = time.Minute
	}
	if maxCallers <= 0 {
		maxCallers = 65536
	}
	callers, _ := lru.New[string, *window](maxCallers)
	return &Limiter{
		callers: callers,
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

// WithClock overrides the clock. Tests only.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow reports whether the caller may proceed. When throttled it returns
// a retry-after hint. A limit of zero or less disables throttling.
func (l *Limiter) Allow(caller string) (bool, time.Duration) {
	if l.limit <= 0 {
		return true, 0
	}

	now := l.now()
	bucketStart := now.Truncate(l.period)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.callers.Get(caller)
	if !ok {
		w = &window{bucketStart: bucketStart}
		l.callers.Add(caller, w)
	}

	if !w.bucketStart.Equal(bucketStart) {
		if bucketStart.Sub(w.bucketStart) == l.period {
			w.previous = w.current
		} else {
			w.previous = 0
		}
		w.current = 0
		w.bucketStart = bucketStart
	}

	elapsed := now.Sub(bucketStart)
	carry := float64(w.previous) * (1 - float64(elapsed)/float64(l.period))
	estimated := carry + float64(w.current)

	if estimated+1 > float64(l.limit) {
		retryAfter := l.period - elapsed
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}

	w.current++
	return true, 0
}
