// Package ratelimit implements the token bucket that paces capture jobs
// leaving the queue, shared by every worker in the process.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config sizes the bucket: at most Jobs jobs start per Window, with bursts
// of up to Jobs. Jobs <= 0 disables pacing.
type Config struct {
	Jobs   int
	Window time.Duration
	// Observe, when set, receives every non-trivial wait.
	Observe func(time.Duration)
}

// Limiter paces job admission.
type Limiter struct {
	limiter *rate.Limiter
	observe func(time.Duration)
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	burst := 1
	if cfg.Jobs > 0 {
		window := cfg.Window
		if window <= 0 {
			window = time.Minute
		}
		limit = rate.Every(window / time.Duration(cfg.Jobs))
		burst = cfg.Jobs
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst), observe: cfg.Observe}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(waited)
	}
	return nil
}

// Tokens reports the tokens currently available.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}
