// Package ratelimit implements the fixed-window token bucket shared by
// channel ingress and egress paths.
package ratelimit

import (
	"sync"
	"time"
)

// Result is the outcome of a rate check.
type Result struct {
	Allowed bool
	// ResetIn is how long until the current window rolls over. Zero when
	// the request was allowed into a fresh window.
	ResetIn time.Duration
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter counts requests per key inside a fixed window. State for idle
// keys is evicted by a periodic sweep.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	maxRequests int
	window      time.Duration
	perUser     bool

	stopOnce sync.Once
	stop     chan struct{}
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing maxRequests per window. When perUser is
// false every caller shares the "global" bucket regardless of key.
func New(maxRequests int, window time.Duration, perUser bool, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*bucket),
		maxRequests: maxRequests,
		window:      window,
		perUser:     perUser,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweep()
	return l
}

// PerUser reports whether the limiter keys buckets per user.
func (l *Limiter) PerUser() bool {
	return l.perUser
}

// Check consumes one token for key. When the limit is exceeded the result
// carries how long until the window resets.
func (l *Limiter) Check(key string) Result {
	if !l.perUser {
		key = "global"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return Result{Allowed: true}
	}

	if b.count >= l.maxRequests {
		return Result{Allowed: false, ResetIn: l.window - now.Sub(b.windowStart)}
	}
	b.count++
	return Result{Allowed: true}
}

// Reset clears the bucket for key. Used by tests and administrative paths.
func (l *Limiter) Reset(key string) {
	if !l.perUser {
		key = "global"
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// Close stops the background sweep.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// sweep evicts buckets idle for more than two windows.
func (l *Limiter) sweep() {
	interval := l.window
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.window)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.windowStart.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}
