// Package memory provides an in-process capture job queue with leases,
// delayed retries and idempotent submission.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const (
	defaultLockDuration = 2 * time.Minute
	defaultPollInterval = 250 * time.Millisecond
	defaultRetention    = time.Hour
)

// Config tunes the queue.
//   - Capacity: maximum unsettled jobs (pending, scheduled or processing); 0 is unbounded.
//   - LockDuration: lease granted on Dequeue and extended by Heartbeat.
//   - PollInterval: how often a blocked Dequeue re-checks delayed jobs.
//   - Retention: how long settled job ids are remembered for deduplication.
type Config struct {
	Capacity     int
	LockDuration time.Duration
	PollInterval time.Duration
	Retention    time.Duration
}

type jobState int

const (
	statePending jobState = iota
	stateScheduled
	stateProcessing
	stateCompleted
	stateFailed
)

type entry struct {
	job        capture.Job
	state      jobState
	runAt      time.Time
	lease      string
	leaseUntil time.Time
	settledAt  time.Time
}

// Queue implements capture.Queue in memory. All state lives behind one mutex;
// blocked consumers are woken through a single-slot signal channel.
type Queue struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	ready   []string
	closed  bool

	wake chan struct{}
	done chan struct{}
}

var _ capture.Queue = (*Queue)(nil)

// Option customizes the queue.
type Option func(*Queue)

// WithClock overrides the time source used for leases and delays.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewQueue returns an empty queue.
func NewQueue(cfg Config, opts ...Option) *Queue {
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = defaultLockDuration
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	q := &Queue{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds job as pending. A job id that is already known, including one
// settled within the retention window, is ignored and reported as not added.
func (q *Queue) Enqueue(ctx context.Context, job capture.Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("enqueue canceled: %w", err)
	}
	if err := job.Validate(); err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, capture.ErrQueueClosed
	}
	now := q.now()
	q.pruneLocked(now)
	if _, ok := q.entries[job.ID]; ok {
		return false, nil
	}
	if q.cfg.Capacity > 0 && q.unsettledLocked() >= q.cfg.Capacity {
		return false, capture.ErrQueueFull
	}
	job.Attempt = 0
	q.entries[job.ID] = &entry{job: job, state: statePending}
	q.ready = append(q.ready, job.ID)
	q.signal()
	return true, nil
}

// Dequeue blocks until a pending job is available, claims it and returns it
// with its attempt counter incremented and a new lease token.
func (q *Queue) Dequeue(ctx context.Context) (capture.Job, error) {
	for {
		job, wait, err := q.tryClaim()
		if err != nil {
			return capture.Job{}, err
		}
		if job != nil {
			return *job, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return capture.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.done:
			timer.Stop()
			return capture.Job{}, capture.ErrQueueClosed
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryClaim() (*capture.Job, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, 0, capture.ErrQueueClosed
	}
	now := q.now()
	q.promoteLocked(now)
	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		e, ok := q.entries[id]
		if !ok || e.state != statePending {
			continue
		}
		e.job.Attempt++
		e.state = stateProcessing
		e.lease = uuid.NewString()
		e.leaseUntil = now.Add(q.cfg.LockDuration)
		job := e.job
		job.Lease = e.lease
		if len(q.ready) > 0 {
			q.signal()
		}
		return &job, 0, nil
	}
	return nil, q.cfg.PollInterval, nil
}

// Heartbeat extends the lease held by job.Lease.
func (q *Queue) Heartbeat(_ context.Context, job capture.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.claimedLocked(job)
	if err != nil {
		return err
	}
	e.leaseUntil = q.now().Add(q.cfg.LockDuration)
	return nil
}

// Ack settles a processing job held by job.Lease.
func (q *Queue) Ack(_ context.Context, job capture.Job, status capture.AlertStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.claimedLocked(job)
	if err != nil {
		return err
	}
	e.lease = ""
	e.state = stateCompleted
	if status != capture.AlertStatusCompleted {
		e.state = stateFailed
	}
	e.settledAt = q.now()
	return nil
}

// Retry releases a processing job so it becomes claimable after delay. The
// attempt counter carried by job is kept.
func (q *Queue) Retry(_ context.Context, job capture.Job, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.claimedLocked(job)
	if err != nil {
		return err
	}
	job.Lease = ""
	e.job = job
	e.lease = ""
	e.leaseUntil = time.Time{}
	if delay <= 0 {
		e.state = statePending
		q.ready = append(q.ready, job.ID)
		q.signal()
		return nil
	}
	e.state = stateScheduled
	e.runAt = q.now().Add(delay)
	return nil
}

// ReclaimStalled re-queues processing jobs whose lease has expired. Jobs that
// already used their last attempt are settled as failed and returned so the
// caller can record the failure.
func (q *Queue) ReclaimStalled(_ context.Context) (capture.Reclaimed, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out capture.Reclaimed
	now := q.now()
	ids := make([]string, 0)
	for id, e := range q.entries {
		if e.state == stateProcessing && now.After(e.leaseUntil) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := q.entries[id]
		e.lease = ""
		e.leaseUntil = time.Time{}
		if e.job.Exhausted() {
			e.state = stateFailed
			e.settledAt = now
			out.Exhausted = append(out.Exhausted, e.job)
			continue
		}
		e.state = statePending
		q.ready = append(q.ready, id)
		out.Requeued = append(out.Requeued, id)
	}
	if len(out.Requeued) > 0 {
		q.signal()
	}
	q.pruneLocked(now)
	return out, nil
}

// Stats counts jobs by state.
func (q *Queue) Stats(_ context.Context) (capture.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st capture.QueueStats
	for _, e := range q.entries {
		switch e.state {
		case statePending:
			st.Pending++
		case stateScheduled:
			st.Scheduled++
		case stateProcessing:
			st.Processing++
		case stateCompleted:
			st.Completed++
		case stateFailed:
			st.Failed++
		}
	}
	return st, nil
}

// Close wakes blocked consumers; further operations return capture.ErrQueueClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// claimedLocked returns the entry only while job.Lease is its current claim.
func (q *Queue) claimedLocked(job capture.Job) (*entry, error) {
	e, ok := q.entries[job.ID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", job.ID, capture.ErrNotFound)
	}
	if e.state != stateProcessing || job.Lease == "" || e.lease != job.Lease {
		return nil, fmt.Errorf("job %s: %w", job.ID, capture.ErrLeaseLost)
	}
	return e, nil
}

func (q *Queue) promoteLocked(now time.Time) {
	due := make([]*entry, 0)
	for _, e := range q.entries {
		if e.state == stateScheduled && !e.runAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].runAt.Equal(due[j].runAt) {
			return due[i].job.ID < due[j].job.ID
		}
		return due[i].runAt.Before(due[j].runAt)
	})
	for _, e := range due {
		e.state = statePending
		q.ready = append(q.ready, e.job.ID)
	}
}

func (q *Queue) pruneLocked(now time.Time) {
	for id, e := range q.entries {
		if (e.state == stateCompleted || e.state == stateFailed) && now.Sub(e.settledAt) > q.cfg.Retention {
			delete(q.entries, id)
		}
	}
}

func (q *Queue) unsettledLocked() int {
	n := 0
	for _, e := range q.entries {
		if e.state != stateCompleted && e.state != stateFailed {
			n++
		}
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
