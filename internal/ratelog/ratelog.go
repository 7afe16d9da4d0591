// Package ratelog throttles noisy structured-log warnings per category
// (e.g. per stream ID, per error kind) during sustained failure storms —
// a 413 flood during upload back-pressure should not produce one log line
// per rejected request. The sliding-window algorithm is ported from
// joeycumines-go-utilpkg/catrate's ring buffer + filterEvents approach,
// simplified to a single fixed window since the core only needs "at most N
// times per window" rather than catrate's multi-window composition.
package ratelog

import (
	"sync"
	"time"
)

// Limiter allows at most `limit` events per category within `window`.
type Limiter struct {
	window time.Duration
	limit  int

	mu   sync.Mutex
	data map[any]*bucket
}

type bucket struct {
	times []time.Time // ascending; oldest at index 0
}

// New creates a Limiter permitting `limit` events per `window`, per
// category key.
func New(window time.Duration, limit int) *Limiter {
	return &Limiter{
		window: window,
		limit:  limit,
		data:   make(map[any]*bucket),
	}
}

// Allow reports whether an event for category should be logged now. It
// records the event if allowed.
func (l *Limiter) Allow(category any) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.data[category]
	if !ok {
		b = &bucket{}
		l.data[category] = b
	}

	boundary := now.Add(-l.window)
	// Drop events older than the window (they're all at the front since
	// times is ascending).
	i := 0
	for i < len(b.times) && b.times[i].Before(boundary) {
		i++
	}
	b.times = b.times[i:]

	if len(b.times) >= l.limit {
		return false
	}
	b.times = append(b.times, now)
	return true
}
