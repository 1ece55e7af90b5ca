package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/chartsnap/internal/progress"
)

var (
	// ErrPoolClosed is returned by Acquire after Shutdown.
	ErrPoolClosed = errors.New("browser pool closed")
	// ErrSlotNotAcquired is returned when releasing a slot the pool did not hand out.
	ErrSlotNotAcquired = errors.New("slot not acquired from this pool")
	// ErrStateNotCleared means Release destroyed the slot because its session
	// state could not be wiped.
	ErrStateNotCleared = errors.New("slot state not cleared; slot destroyed")
)

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithEmitter routes slot lifecycle events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(p *Pool) { p.events = e }
}

// WithClock overrides the time source used for idle accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool is a bounded set of reusable browser slots.
type Pool struct {
	launcher Launcher
	cfg      Config
	logger   *zap.Logger
	events   progress.Emitter
	now      func() time.Time

	mu       sync.Mutex
	slots    []*Slot
	creating int
	waiting  int
	// changed is closed and replaced whenever a slot frees up or capacity
	// opens, waking every blocked Acquire.
	changed   chan struct{}
	closed    bool
	started   bool
	cleaning  bool
	seq       int64
	created   int64
	destroyed int64
	captures  int64

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	background  sync.WaitGroup
}

// NewPool constructs an idle pool. Call Init before use.
func NewPool(launcher Launcher, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		launcher:    launcher,
		cfg:         cfg.withDefaults(),
		logger:      zap.NewNop(),
		now:         time.Now,
		changed:     make(chan struct{}),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init launches MinSlots browsers and starts the cleanup loop. It fails, and
// tears down what it created, if any initial slot cannot be launched.
func (p *Pool) Init(ctx context.Context) error {
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("browser pool config: %w", err)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.started {
		p.mu.Unlock()
		return errors.New("browser pool already initialized")
	}
	p.started = true
	p.mu.Unlock()

	if err := p.fillToMin(ctx); err != nil {
		if shutdownErr := p.Shutdown(context.WithoutCancel(ctx)); shutdownErr != nil {
			p.logger.Warn("browser pool teardown after failed init", zap.Error(shutdownErr))
		}
		return fmt.Errorf("initialize browser pool: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.cleaning = true
	p.mu.Unlock()
	go p.cleanupLoop()

	p.logger.Info("browser pool ready",
		zap.Int("min_slots", p.cfg.MinSlots),
		zap.Int("max_slots", p.cfg.MaxSlots),
		zap.Bool("warmup", p.cfg.Warmup),
	)
	return nil
}

// Acquire returns an idle slot, launches a new one while below MaxSlots, or
// blocks until a slot is released or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if s := p.takeAvailableLocked(); s != nil {
			p.mu.Unlock()
			progress.Emit(p.events, progress.Event{Stage: progress.StageSlotAcquired, SlotID: s.ID})
			return s, nil
		}
		if len(p.slots)+p.creating < p.cfg.MaxSlots {
			p.creating++
			p.mu.Unlock()
			s, err := p.createSlot(ctx, true)
			if err != nil {
				return nil, err
			}
			progress.Emit(p.events, progress.Event{Stage: progress.StageSlotAcquired, SlotID: s.ID})
			return s, nil
		}
		wait := p.changed
		p.waiting++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire browser slot: %w", ctx.Err())
		case <-wait:
			p.mu.Lock()
			p.waiting--
			p.mu.Unlock()
		}
	}
}

// Release wipes the slot's session state and returns it to the pool. When the
// wipe fails the slot is destroyed instead and ErrStateNotCleared is returned.
func (p *Pool) Release(ctx context.Context, s *Slot) error {
	p.mu.Lock()
	if p.closed {
		// Shutdown already closed every slot.
		p.mu.Unlock()
		return nil
	}
	if s == nil || !p.ownsLocked(s) || !s.inUse {
		p.mu.Unlock()
		return ErrSlotNotAcquired
	}
	p.mu.Unlock()

	clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReleaseTimeout)
	err := s.Browser.ClearState(clearCtx)
	cancel()
	if err != nil {
		p.logger.Warn("browser slot state clear failed; destroying slot",
			zap.String("slot_id", s.ID),
			zap.Error(err),
		)
		p.destroy(s, "state clear failed")
		return fmt.Errorf("%w: %s: %v", ErrStateNotCleared, s.ID, err)
	}

	p.mu.Lock()
	if !p.ownsLocked(s) {
		// Shutdown or cleanup already tore the slot down.
		p.mu.Unlock()
		return nil
	}
	s.inUse = false
	s.lastUsedAt = p.now()
	s.captureCount++
	p.captures++
	p.broadcastLocked()
	p.mu.Unlock()

	progress.Emit(p.events, progress.Event{Stage: progress.StageSlotReleased, SlotID: s.ID})
	return nil
}

// Cleanup destroys slots idle longer than IdleTimeout without shrinking the
// pool below MinSlots, then tops it back up to MinSlots.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	now := p.now()
	remaining := len(p.slots)
	kept := p.slots[:0:0]
	var idle []*Slot
	for _, s := range p.slots {
		if remaining > p.cfg.MinSlots && !s.inUse && now.Sub(s.lastUsedAt) > p.cfg.IdleTimeout {
			idle = append(idle, s)
			remaining--
			continue
		}
		kept = append(kept, s)
	}
	p.slots = kept
	p.destroyed += int64(len(idle))
	p.mu.Unlock()

	for _, s := range idle {
		p.closeSlot(s, "idle timeout")
	}
	if len(idle) > 0 {
		p.logger.Info("browser pool scaled down", zap.Int("destroyed", len(idle)), zap.Int("remaining", remaining))
	}
	if err := p.fillToMin(ctx); err != nil {
		p.logger.Warn("browser pool top-up failed", zap.Error(err))
	}
}

// Shutdown stops the cleanup loop, destroys every slot and refuses further
// acquisition. Blocked Acquire calls return ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	slots := p.slots
	p.slots = nil
	p.destroyed += int64(len(slots))
	cleaning := p.cleaning
	p.broadcastLocked()
	p.mu.Unlock()

	close(p.stopCleanup)
	if cleaning {
		select {
		case <-p.cleanupDone:
		case <-ctx.Done():
			return fmt.Errorf("browser pool shutdown: %w", ctx.Err())
		}
	}

	var g errgroup.Group
	for _, s := range slots {
		g.Go(func() error {
			return p.closeSlot(s, "shutdown")
		})
	}
	err := g.Wait()
	p.background.Wait()
	p.logger.Info("browser pool shut down", zap.Int("destroyed", len(slots)))
	return err
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	st := Stats{
		Total:          len(p.slots),
		Creating:       p.creating,
		Waiting:        p.waiting,
		MinSlots:       p.cfg.MinSlots,
		MaxSlots:       p.cfg.MaxSlots,
		TotalCreated:   p.created,
		TotalDestroyed: p.destroyed,
		TotalCaptures:  p.captures,
		Closed:         p.closed,
		Slots:          make([]SlotStats, 0, len(p.slots)),
	}
	for _, s := range p.slots {
		if s.inUse {
			st.InUse++
		} else {
			st.Available++
		}
		st.Slots = append(st.Slots, SlotStats{
			ID:           s.ID,
			InUse:        s.inUse,
			CaptureCount: s.captureCount,
			Age:          now.Sub(s.createdAt),
			IdleFor:      now.Sub(s.lastUsedAt),
		})
	}
	return st
}

func (p *Pool) cleanupLoop() {
	defer close(p.cleanupDone)
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCleanup:
			return
		case <-ticker.C:
			p.Cleanup(context.Background())
		}
	}
}

// fillToMin launches slots until the pool holds MinSlots.
func (p *Pool) fillToMin(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || len(p.slots)+p.creating >= p.cfg.MinSlots {
			p.mu.Unlock()
			return nil
		}
		p.creating++
		p.mu.Unlock()

		if _, err := p.createSlot(ctx, false); err != nil {
			return err
		}
	}
}

// createSlot launches a browser for capacity the caller already reserved by
// incrementing p.creating.
func (p *Pool) createSlot(ctx context.Context, inUse bool) (*Slot, error) {
	b, err := p.launcher.Launch(ctx)
	if err != nil {
		p.mu.Lock()
		p.creating--
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if p.cfg.Warmup {
		p.warm(ctx, b)
	}

	now := p.now()
	p.mu.Lock()
	p.creating--
	if p.closed {
		p.broadcastLocked()
		p.mu.Unlock()
		if closeErr := b.Close(); closeErr != nil {
			p.logger.Warn("close browser launched during shutdown", zap.Error(closeErr))
		}
		return nil, ErrPoolClosed
	}
	p.seq++
	s := &Slot{
		ID:         fmt.Sprintf("browser-%d", p.seq),
		Browser:    b,
		inUse:      inUse,
		createdAt:  now,
		lastUsedAt: now,
	}
	p.slots = append(p.slots, s)
	p.created++
	if !inUse {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	p.logger.Debug("browser slot created", zap.String("slot_id", s.ID), zap.Bool("in_use", inUse))
	progress.Emit(p.events, progress.Event{Stage: progress.StageSlotCreated, SlotID: s.ID})
	return s, nil
}

func (p *Pool) warm(ctx context.Context, b Browser) {
	warmCtx, cancel := context.WithTimeout(ctx, p.cfg.WarmupTimeout)
	defer cancel()
	if err := b.Warm(warmCtx, p.cfg.WarmupURL); err != nil {
		p.logger.Warn("browser warmup failed; slot kept cold",
			zap.String("url", p.cfg.WarmupURL),
			zap.Error(err),
		)
	}
}

// destroy removes s from the pool and closes it, then restores MinSlots in
// the background.
func (p *Pool) destroy(s *Slot, reason string) {
	p.mu.Lock()
	if !p.removeLocked(s) {
		p.mu.Unlock()
		return
	}
	p.destroyed++
	p.broadcastLocked()
	refill := !p.closed && len(p.slots)+p.creating < p.cfg.MinSlots
	if refill {
		p.background.Add(1)
	}
	p.mu.Unlock()

	_ = p.closeSlot(s, reason)
	if refill {
		go func() {
			defer p.background.Done()
			if err := p.fillToMin(context.Background()); err != nil {
				p.logger.Warn("browser pool refill failed", zap.Error(err))
			}
		}()
	}
}

func (p *Pool) closeSlot(s *Slot, reason string) error {
	err := s.Browser.Close()
	if err != nil {
		p.logger.Warn("browser close failed", zap.String("slot_id", s.ID), zap.Error(err))
		err = fmt.Errorf("close %s: %w", s.ID, err)
	}
	progress.Emit(p.events, progress.Event{
		Stage:  progress.StageSlotDestroyed,
		SlotID: s.ID,
		Dur:    p.now().Sub(s.createdAt),
		Note:   reason,
	})
	return err
}

func (p *Pool) takeAvailableLocked() *Slot {
	for _, s := range p.slots {
		if !s.inUse {
			s.inUse = true
			s.lastUsedAt = p.now()
			return s
		}
	}
	return nil
}

func (p *Pool) ownsLocked(s *Slot) bool {
	for _, candidate := range p.slots {
		if candidate == s {
			return true
		}
	}
	return false
}

func (p *Pool) removeLocked(s *Slot) bool {
	for i, candidate := range p.slots {
		if candidate == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
