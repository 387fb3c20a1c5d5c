// Package ratelimit enforces a minimum interval between requests to the same
// source.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/aoc-ranking-crawler/internal/metrics"
)

// Limiter manages one token bucket per source.
type Limiter struct {
	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	defaultInterval time.Duration
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultInterval applies to sources registered with a zero interval.
	DefaultInterval time.Duration
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters:        make(map[string]*rate.Limiter),
		defaultInterval: cfg.DefaultInterval,
	}
}

// Register sets the minimum interval for a source. A zero interval falls back
// to the default; a non-positive result disables limiting for the source.
func (l *Limiter) Register(sourceID string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[sourceID] = newBucket(l.intervalOrDefault(interval))
}

// Wait blocks until the source may issue its next request or ctx ends.
func (l *Limiter) Wait(ctx context.Context, sourceID string) error {
	limiter := l.bucket(sourceID)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(sourceID, d)
	}
	return nil
}

// Interval returns the effective interval of a source.
func (l *Limiter) Interval(sourceID string) time.Duration {
	limit := l.bucket(sourceID).Limit()
	if limit == rate.Inf || limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}

func (l *Limiter) bucket(sourceID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[sourceID]
	if !ok {
		limiter = newBucket(l.defaultInterval)
		l.limiters[sourceID] = limiter
	}
	return limiter
}

func (l *Limiter) intervalOrDefault(interval time.Duration) time.Duration {
	if interval == 0 {
		return l.defaultInterval
	}
	return interval
}

// newBucket allows one request immediately and then one per interval.
func newBucket(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
