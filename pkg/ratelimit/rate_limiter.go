package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds limiter settings
type Config struct {
	Enabled           bool          `json:"enabled"`
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	MaxCooldown       time.Duration `json:"max_cooldown"`
}

// DefaultConfig returns conservative outbound settings
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		RequestsPerSecond: 5,
		Burst:             10,
		MaxCooldown:       10 * time.Minute,
	}
}

// Result represents rate limit check result
type Result struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after"`
}

// RateLimiter paces calls per key with a token bucket and honours
// server-imposed cool-downs recorded through Block
type RateLimiter struct {
	config *Config
	now    func() time.Time

	mu           sync.Mutex
	buckets      map[string]*rate.Limiter
	blockedUntil map[string]time.Time
}

// NewRateLimiter creates a limiter. A nil config means DefaultConfig.
func NewRateLimiter(config *Config) *RateLimiter {
	if config == nil {
		config = DefaultConfig()
	}
	return &RateLimiter{
		config:       config,
		now:          time.Now,
		buckets:      make(map[string]*rate.Limiter),
		blockedUntil: make(map[string]time.Time),
	}
}

// WithClock overrides the time source used for cool-downs
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Wait blocks until key may proceed. While key is cooling down it returns
// immediately with Allowed false and the remaining wait.
func (r *RateLimiter) Wait(ctx context.Context, key string) (*Result, error) {
	if res := r.cooldown(key); res != nil {
		return res, nil
	}
	if !r.config.Enabled {
		return &Result{Allowed: true, Limit: r.config.Burst}, nil
	}

	if err := r.bucket(key).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	return &Result{Allowed: true, Limit: r.config.Burst}, nil
}

// Allow is the non-blocking form of Wait
func (r *RateLimiter) Allow(key string) *Result {
	if res := r.cooldown(key); res != nil {
		return res
	}
	if !r.config.Enabled {
		return &Result{Allowed: true, Limit: r.config.Burst}
	}

	b := r.bucket(key)
	now := r.now()
	if b.AllowN(now, 1) {
		return &Result{Allowed: true, Limit: r.config.Burst}
	}

	// time until one token is available again
	wait := time.Duration(math.Ceil(float64(time.Second) / r.config.RequestsPerSecond))
	return &Result{Allowed: false, Limit: r.config.Burst, RetryAfter: wait}
}

// Block makes key unavailable for d. An existing longer cool-down is kept.
func (r *RateLimiter) Block(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	if r.config.MaxCooldown > 0 && d > r.config.MaxCooldown {
		d = r.config.MaxCooldown
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	until := r.now().Add(d)
	if current, ok := r.blockedUntil[key]; ok && current.After(until) {
		return
	}
	r.blockedUntil[key] = until
}

// BlockedFor returns the remaining cool-down for key
func (r *RateLimiter) BlockedFor(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remainingLocked(key)
}

func (r *RateLimiter) cooldown(key string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.remainingLocked(key)
	if remaining <= 0 {
		return nil
	}
	return &Result{Allowed: false, Limit: r.config.Burst, RetryAfter: remaining}
}

func (r *RateLimiter) remainingLocked(key string) time.Duration {
	until, ok := r.blockedUntil[key]
	if !ok {
		return 0
	}
	remaining := until.Sub(r.now())
	if remaining <= 0 {
		delete(r.blockedUntil, key)
		return 0
	}
	return remaining
}

func (r *RateLimiter) bucket(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
		r.buckets[key] = b
	}
	return b
}
