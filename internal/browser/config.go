package browser

import (
	"fmt"
	"time"
)

const (
	// DefaultWarmupURL is the idle page visited by warmup navigation.
	DefaultWarmupURL = "https://www.tradingview.com/"

	defaultIdleTimeout     = 5 * time.Minute
	defaultCleanupInterval = time.Minute
	defaultWarmupTimeout   = 15 * time.Second
	defaultReleaseTimeout  = 10 * time.Second
)

// Config sizes the pool and its maintenance loop.
type Config struct {
	MinSlots        int
	MaxSlots        int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration
	Warmup          bool
	WarmupURL       string
	WarmupTimeout   time.Duration
	// ReleaseTimeout bounds the state-clearing step of Release.
	ReleaseTimeout time.Duration
}

// DefaultConfig returns a 2..5 slot pool with warmup enabled.
func DefaultConfig() Config {
	return Config{
		MinSlots:        2,
		MaxSlots:        5,
		IdleTimeout:     defaultIdleTimeout,
		CleanupInterval: defaultCleanupInterval,
		Warmup:          true,
		WarmupURL:       DefaultWarmupURL,
		WarmupTimeout:   defaultWarmupTimeout,
		ReleaseTimeout:  defaultReleaseTimeout,
	}
}

// Validate reports sizing errors.
func (c Config) Validate() error {
	if c.MinSlots < 0 {
		return fmt.Errorf("min slots must be >= 0")
	}
	if c.MaxSlots <= 0 {
		return fmt.Errorf("max slots must be > 0")
	}
	if c.MinSlots > c.MaxSlots {
		return fmt.Errorf("min slots (%d) must be <= max slots (%d)", c.MinSlots, c.MaxSlots)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.WarmupURL == "" {
		c.WarmupURL = DefaultWarmupURL
	}
	if c.WarmupTimeout <= 0 {
		c.WarmupTimeout = defaultWarmupTimeout
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = defaultReleaseTimeout
	}
	return c
}
