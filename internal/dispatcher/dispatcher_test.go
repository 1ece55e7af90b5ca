// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/progress"
	"github.com/JakeFAU/chartsnap/internal/queue/memory"
	"github.com/JakeFAU/chartsnap/internal/worker"
)

func sampleJob(id string) capture.Job {
	return capture.Job{
		ID:          id,
		TenantID:    "tenant-1",
		ChartID:     "abc123",
		Credentials: capture.SealedCredentials{SessionID: "s1", SessionSign: "s2"},
		MaxAttempts: 2,
		Backoff:     capture.DefaultBackoff(),
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type alertStore struct {
	mu      sync.Mutex
	updates map[string]capture.AlertUpdate
}

func newAlertStore() *alertStore {
	return &alertStore{updates: make(map[string]capture.AlertUpdate)}
}

func (s *alertStore) CreateAlert(_ context.Context, a capture.Alert) (capture.Alert, error) {
	return a, nil
}

func (s *alertStore) UpdateAlertStatus(_ context.Context, id string, u capture.AlertUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = u
	return nil
}

func (s *alertStore) GetAlert(context.Context, string) (capture.Alert, error) {
	return capture.Alert{}, capture.ErrNotFound
}

func (s *alertStore) last(id string) (capture.AlertUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.updates[id]
	return u, ok
}

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(worker.Deps{Queue: queue}, worker.Config{}, zap.NewNop())
	dispatch := New(queue, newAlertStore(), []*worker.Worker{w}, Config{}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{err: errors.New("boom")}
	dispatch := New(queue, newAlertStore(), nil, Config{}, nil, nil)

	_, err := dispatch.Enqueue(context.Background(), sampleJob("alert-1"))
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestDispatcherEnqueueValidatesAndEmits(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(memory.Config{})
	rec := progress.NewRecorder(8)
	dispatch := New(queue, newAlertStore(), nil, Config{}, rec, nil)
	ctx := context.Background()

	bad := sampleJob("alert-1")
	bad.MaxAttempts = 0
	_, err := dispatch.Enqueue(ctx, bad)
	require.ErrorIs(t, err, capture.ErrInvalidJob)

	added, err := dispatch.Enqueue(ctx, sampleJob("alert-1"))
	require.NoError(t, err)
	require.True(t, added)
	added, err = dispatch.Enqueue(ctx, sampleJob("alert-1"))
	require.NoError(t, err)
	require.False(t, added)

	events := rec.Drain()
	require.Len(t, events, 1)
	assert.Equal(t, progress.StageJobQueued, events[0].Stage)

	st, err := dispatch.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)
}

func TestDispatcherSweepFailsExhaustedStalledJobs(t *testing.T) {
	t.Parallel()

	clk := &clock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	queue := memory.NewQueue(memory.Config{LockDuration: time.Minute}, memory.WithClock(clk.Now))
	alerts := newAlertStore()
	rec := progress.NewRecorder(16)
	dispatch := New(queue, alerts, nil, Config{}, rec, nil)
	ctx := context.Background()

	_, err := dispatch.Enqueue(ctx, sampleJob("alert-1"))
	require.NoError(t, err)
	_, err = queue.Dequeue(ctx)
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	require.NoError(t, dispatch.Sweep(ctx))
	_, touched := alerts.last("alert-1")
	require.False(t, touched, "first stall only requeues")

	_, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	require.NoError(t, dispatch.Sweep(ctx))

	update, ok := alerts.last("alert-1")
	require.True(t, ok)
	assert.Equal(t, capture.AlertStatusFailed, update.Status)
	assert.Equal(t, "capture failed", update.FailureReason)

	var got []progress.Stage
	for _, e := range rec.Drain() {
		got = append(got, e.Stage)
	}
	assert.Equal(t, []progress.Stage{progress.StageJobQueued, progress.StageJobStalled, progress.StageJobFailed}, got)
}

type blockingQueue struct {
	started chan struct{}
	err     error
}

func (q *blockingQueue) Enqueue(context.Context, capture.Job) (bool, error) {
	return false, q.err
}

func (q *blockingQueue) Dequeue(ctx context.Context) (capture.Job, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return capture.Job{}, ctx.Err()
}

func (q *blockingQueue) Heartbeat(context.Context, capture.Job) error { return nil }

func (q *blockingQueue) Ack(context.Context, capture.Job, capture.AlertStatus) error { return nil }

func (q *blockingQueue) Retry(context.Context, capture.Job, time.Duration) error { return nil }

func (q *blockingQueue) ReclaimStalled(context.Context) (capture.Reclaimed, error) {
	return capture.Reclaimed{}, nil
}

func (q *blockingQueue) Stats(context.Context) (capture.QueueStats, error) {
	return capture.QueueStats{}, nil
}

func (q *blockingQueue) Close() error { return nil }
