package gate

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	count    int64
	expireAt time.Time
}

// MemoryCounter keeps window counters in-process. Expired entries are
// dropped lazily and swept at most once per sweepEvery.
type MemoryCounter struct {
	mu         sync.Mutex
	entries    map[string]*entry
	now        func() time.Time
	lastSweep  time.Time
	sweepEvery time.Duration
}

// NewMemoryCounter returns an empty counter. A nil now uses time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{
		entries:    make(map[string]*entry),
		now:        now,
		sweepEvery: time.Minute,
	}
}

// Incr implements Counter.
func (c *MemoryCounter) Incr(_ context.Context, key string, expireAt time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)
	e, ok := c.entries[key]
	if !ok || !now.Before(e.expireAt) {
		e = &entry{expireAt: expireAt}
		c.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Get implements Counter.
func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expireAt) {
		return 0, nil
	}
	return e.count, nil
}

// DeletePrefix implements Counter.
func (c *MemoryCounter) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
	return nil
}

func (c *MemoryCounter) sweepLocked(now time.Time) {
	if now.Sub(c.lastSweep) < c.sweepEvery {
		return
	}
	c.lastSweep = now
	for key, e := range c.entries {
		if !now.Before(e.expireAt) {
			delete(c.entries, key)
		}
	}
}
