// Package ratelimit provides a fixed-window limiter keyed by caller, used to
// bound how fast API clients may mutate rule tables.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter allows up to limit events per key in each interval.
type Limiter struct {
	limit    int
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	used  int
}

// New creates a limiter. A limit of zero or less allows everything.
func New(limit int, interval time.Duration) *Limiter {
	return &Limiter{
		limit:    limit,
		interval: interval,
		now:      time.Now,
		windows:  make(map[string]*window),
	}
}

// Enabled reports whether the limiter ever refuses.
func (l *Limiter) Enabled() bool {
	return l != nil && l.limit > 0 && l.interval > 0
}

// Allow consumes one event for key. When refused, retryAfter is the time
// until the key's window resets.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	return l.AllowN(key, 1)
}

// AllowN consumes n events for key, all or nothing.
func (l *Limiter) AllowN(key string, n int) (ok bool, retryAfter time.Duration) {
	if !l.Enabled() {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists || now.Sub(w.start) >= l.interval {
		w = &window{start: now}
		l.windows[key] = w
	}
	if w.used+n > l.limit {
		return false, w.start.Add(l.interval).Sub(now)
	}
	w.used += n
	return true, 0
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Prune drops keys whose window has expired and returns how many it dropped.
func (l *Limiter) Prune() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.interval {
			delete(l.windows, key)
			dropped++
		}
	}
	return dropped
}

// Run prunes every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	if !l.Enabled() {
		return
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Prune()
		case <-ctx.Done():
			return
		}
	}
}
