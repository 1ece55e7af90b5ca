package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values take the
// defaults below.
type Config struct {
	// BufferSize is the channel capacity between emitters and the flusher.
	BufferSize int
	// MaxBatchEvents flushes as soon as this many events are pending.
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch this long after its first event.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call.
	SinkTimeout time.Duration
	// BaseContext parents every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogEvery          = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats is a point-in-time view of the hub for the operator API.
type Stats struct {
	// Emitted counts accepted events per stage since start.
	Emitted map[Stage]int64 `json:"emitted"`
	// Dropped counts events discarded because the buffer was full.
	Dropped int64 `json:"dropped"`
	// Buffered is the number of events waiting for the flusher.
	Buffered int `json:"buffered"`
	// SinkErrors counts failed or panicking sink calls.
	SinkErrors int64 `json:"sink_errors"`
}

// Hub fans pool, job and admission events out to sinks in batches. Emit never
// blocks the pipeline: when the buffer is full the event is counted and
// dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	emitted    map[Stage]*atomic.Int64
	dropped    atomic.Int64
	sinkErrors atomic.Int64
	lastDrop   atomic.Int64
	closed     atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
	closeErr  error
}

// NewHub starts the flusher goroutine; the Hub accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:     cfg,
		logger:  cfg.Logger,
		events:  make(chan Event, cfg.BufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		emitted: make(map[Stage]*atomic.Int64, len(knownStages)),
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	for _, st := range knownStages {
		h.emitted[st] = new(atomic.Int64)
	}
	go h.run()
	return h
}

// Emit queues evt for the sinks. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid pipeline event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		if c := h.emitted[evt.Stage]; c != nil {
			c.Add(1)
		}
	default:
		h.recordDrop()
	}
}

func (h *Hub) recordDrop() {
	total := h.dropped.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDrop.Load()
	if now-last < dropLogEvery.Nanoseconds() || !h.lastDrop.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("pipeline events dropped, buffer full",
		zap.Int64("dropped_total", total),
		zap.Int("buffer_size", cap(h.events)),
	)
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Stats snapshots the hub counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{Emitted: map[Stage]int64{}}
	}
	out := Stats{
		Emitted:    make(map[Stage]int64, len(h.emitted)),
		Dropped:    h.dropped.Load(),
		Buffered:   len(h.events),
		SinkErrors: h.sinkErrors.Load(),
	}
	for st, c := range h.emitted {
		if n := c.Load(); n > 0 {
			out.Emitted[st] = n
		}
	}
	return out
}

// Close stops intake, flushes what is buffered, closes every sink and waits
// for the flusher. Sink close failures are joined into the returned error.
// Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return h.closeErr
	case <-ctx.Done():
		return fmt.Errorf("progress hub close: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			if full := b.add(evt); full {
				h.flush(b.take())
			}
		case <-b.timer.C:
			b.armed = false
			h.flush(b.take())
		case <-h.stop:
			h.drain(b)
			h.closeErr = h.closeSinks()
			return
		}
	}
}

// drain flushes everything still buffered after intake stopped.
func (h *Hub) drain(b *batcher) {
	for {
		select {
		case evt := <-h.events:
			if full := b.add(evt); full {
				h.flush(b.take())
			}
		default:
			h.flush(b.take())
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if err := h.consume(sink, batch); err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("pipeline event sink failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
		}
	}
}

// consume hands each sink its own copy and turns a sink panic into an error
// so one broken sink cannot stop the flusher.
func (h *Hub) consume(sink Sink, batch []Event) (err error) {
	ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return sink.Consume(ctx, append([]Event(nil), batch...))
}

func (h *Hub) closeSinks() error {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", sink, err))
		}
	}
	return errors.Join(errs...)
}

// batcher accumulates events until the size limit or the wait deadline,
// counted from the first event of the batch.
type batcher struct {
	max   int
	wait  time.Duration
	buf   []Event
	timer *time.Timer
	armed bool
}

func newBatcher(maxEvents int, wait time.Duration) *batcher {
	t := time.NewTimer(wait)
	t.Stop()
	return &batcher{max: maxEvents, wait: wait, buf: make([]Event, 0, maxEvents), timer: t}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt Event) bool {
	b.buf = append(b.buf, evt)
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
	return len(b.buf) >= b.max
}

// take returns the pending events and disarms the deadline.
func (b *batcher) take() []Event {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	out := b.buf
	b.buf = make([]Event, 0, b.max)
	return out
}
