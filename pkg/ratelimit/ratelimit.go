// Package ratelimit provides per-key token buckets for the HTTP surface.
// Two implementations share one interface: an in-process limiter built on
// golang.org/x/time/rate, and a Redis-backed limiter for multi-replica
// deployments.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or rejects one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config sizes the buckets.
type Config struct {
	RequestsPerMinute int
	Burst             int
}

func (c Config) perSecond() rate.Limit {
	r := float64(c.RequestsPerMinute) / 60.0
	if r <= 0 {
		r = 1
	}
	return rate.Limit(r)
}

const idleEviction = 5 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Local is the in-process limiter. Buckets untouched for five minutes are
// evicted by the cleanup loop.
type Local struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocal builds an in-process limiter.
func NewLocal(cfg Config) *Local {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Local{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Allow consumes one token from the key's bucket. A drained bucket rejects
// with the time until the next token.
func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := time.Now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.cfg.perSecond(), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: ceilSeconds(delay)}, nil
	}
	return Decision{Allowed: true}, nil
}

// Run evicts idle buckets until ctx is done.
func (l *Local) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.evict(time.Now())
		}
	}
}

func (l *Local) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleEviction {
			delete(l.buckets, key)
		}
	}
}

func ceilSeconds(d time.Duration) time.Duration {
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
