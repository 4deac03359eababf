package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Limit configures one route's bucket: capacity and tokens refilled per second.
type Limit struct {
	MaxTokens  float64 `yaml:"maxTokens"`
	RefillRate float64 `yaml:"refillRate"`
}

// Decision is the outcome of Check. RetryAfter is whole seconds, set when rejected.
type Decision struct {
	Allowed    bool
	RetryAfter int
	Remaining  float64
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter keeps one token bucket per (client, route) in process memory.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	routes   map[string]Limit
	fallback Limit
	now      func() time.Time
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithFallback applies limit to routes with no entry of their own.
func WithFallback(limit Limit) Option {
	return func(l *Limiter) { l.fallback = limit }
}

func New(routes map[string]Limit, opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		routes:  routes,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check refills the bucket for (client, route) and takes cost tokens when
// enough are available. A rejected request consumes nothing.
func (l *Limiter) Check(client, route string, cost float64) Decision {
	limit, ok := l.routes[route]
	if !ok {
		limit = l.fallback
	}
	if limit.MaxTokens <= 0 {
		return Decision{Allowed: true}
	}

	key := client + "|" + route
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit.MaxTokens, lastRefill: now}
		l.buckets[key] = b
	} else if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(limit.MaxTokens, b.tokens+elapsed*limit.RefillRate)
		b.lastRefill = now
	}

	if b.tokens < cost {
		retry := 0
		if limit.RefillRate > 0 {
			retry = int(math.Ceil((cost - b.tokens) / limit.RefillRate))
		}
		return Decision{Allowed: false, RetryAfter: retry, Remaining: b.tokens}
	}
	b.tokens -= cost
	return Decision{Allowed: true, Remaining: b.tokens}
}

// Sweep drops buckets untouched for longer than idle. When idle is at least
// MaxTokens/RefillRate a dropped bucket was already full.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RunCleanup sweeps idle buckets every interval until ctx is done.
func (l *Limiter) RunCleanup(ctx context.Context, interval, idle time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(idle); n > 0 {
				logger.Debug("swept idle rate limit buckets", "count", n)
			}
		}
	}
}
