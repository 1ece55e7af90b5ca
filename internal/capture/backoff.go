package capture

import "time"

const (
	// DefaultMaxAttempts bounds capture attempts per job.
	DefaultMaxAttempts = 3
	// DefaultBackoffBase is the delay before the second attempt.
	DefaultBackoffBase = 5 * time.Second
	// DefaultBackoffMax caps the exponential growth.
	DefaultBackoffMax = 2 * time.Minute
)

// BackoffPolicy computes exponential re-queue delays.
type BackoffPolicy struct {
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max"`
}

// DefaultBackoff returns the 5s base / 2m cap policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Delay returns the wait after the given failed attempt (1-based):
// base, 2*base, 4*base, ... capped at Max.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
