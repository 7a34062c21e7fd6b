// Package ratelimit provides token-bucket rate limiting for the HTTP
// boundary and per-robot outbound command shaping.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config tunes a RateLimiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns the HTTP boundary's default request shaping.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		Burst:             200,
	}
}

// RateLimiter wraps golang.org/x/time/rate with per-second and per-minute
// views, matching how the rest of the ambient stack reports both windows.
type RateLimiter struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	perMinute *rate.Limiter
	config    Config
}

// New creates a RateLimiter, filling unset Config fields with defaults.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}

	return &RateLimiter{
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		perMinute: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond*60), cfg.Burst*2),
		config:    cfg,
	}
}

// Allow reports whether a single event may proceed now.
func (r *RateLimiter) Allow() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiter.Allow() && r.perMinute.Allow()
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	return r.perMinute.Wait(ctx)
}

// Reset recreates the underlying limiters, used by tests.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)
	r.perMinute = rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond*60), r.config.Burst*2)
}

// PerRobot is a registry of RateLimiters keyed by robot_id, used by the
// command router to shape outbound command delivery per robot independently
// so one noisy robot cannot starve another's command queue.
type PerRobot struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*RateLimiter
}

// NewPerRobot creates a registry that lazily allocates a limiter per robot.
func NewPerRobot(cfg Config) *PerRobot {
	return &PerRobot{cfg: cfg, limiters: make(map[string]*RateLimiter)}
}

// For returns the limiter for robotID, creating one on first use.
func (p *PerRobot) For(robotID string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	rl, ok := p.limiters[robotID]
	if !ok {
		rl = New(p.cfg)
		p.limiters[robotID] = rl
	}
	return rl
}

// Forget drops the limiter for a robot that has left the fleet, reclaiming
// its memory.
func (p *PerRobot) Forget(robotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, robotID)
}

// KeyedWindow allows at most one event per arbitrary string key within
// window, used to throttle noisy per-key log lines (e.g. ingestion schema
// rejections) rather than shaping request throughput.
type KeyedWindow struct {
	mu       sync.Mutex
	window   time.Duration
	limiters map[string]*rate.Limiter
}

// NewKeyedWindow creates a KeyedWindow allowing one event per key per window.
func NewKeyedWindow(window time.Duration) *KeyedWindow {
	return &KeyedWindow{window: window, limiters: make(map[string]*rate.Limiter)}
}

// Allow reports whether an event for key may proceed now, lazily allocating
// a per-key limiter on first use.
func (k *KeyedWindow) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(k.window), 1)
		k.limiters[key] = l
	}
	return l.Allow()
}
