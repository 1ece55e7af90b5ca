// Package dispatcher manages worker fan-out over the capture job queue and
// sweeps jobs whose workers stopped heart-beating.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/progress"
	"github.com/JakeFAU/chartsnap/internal/worker"
)

const defaultStalledInterval = 30 * time.Second

// Config controls the stalled-job sweep.
type Config struct {
	StalledInterval time.Duration
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   capture.Queue
	alerts  capture.AlertStore
	workers []*worker.Worker
	cfg     Config
	events  progress.Emitter
	logger  *zap.Logger
}

// New creates a Dispatcher. events may be nil.
func New(
	queue capture.Queue,
	alerts capture.AlertStore,
	workers []*worker.Worker,
	cfg Config,
	events progress.Emitter,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = defaultStalledInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		alerts:  alerts,
		workers: workers,
		cfg:     cfg,
		events:  events,
		logger:  logger,
	}
}

// Run starts all workers and the stalled-job sweep and blocks until the
// context finishes and every in-flight job has settled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()
	<-ctx.Done()
	wg.Wait()
}

// Enqueue validates and submits a job. Resubmitting a known job id is not an
// error; the returned bool reports whether the job was newly added.
func (d *Dispatcher) Enqueue(ctx context.Context, job capture.Job) (bool, error) {
	if err := job.Validate(); err != nil {
		return false, err
	}
	added, err := d.queue.Enqueue(ctx, job)
	if err != nil {
		return false, fmt.Errorf("queue enqueue: %w", err)
	}
	if added {
		progress.Emit(d.events, progress.Event{
			Stage: progress.StageJobQueued, JobID: job.ID, TenantID: job.TenantID,
		})
	}
	return added, nil
}

// Stats proxies to the queue.
func (d *Dispatcher) Stats(ctx context.Context) (capture.QueueStats, error) {
	st, err := d.queue.Stats(ctx)
	if err != nil {
		return capture.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

// Sweep reclaims expired leases once. Jobs that already spent their attempt
// budget fail their alert.
func (d *Dispatcher) Sweep(ctx context.Context) error {
	rec, err := d.queue.ReclaimStalled(ctx)
	if err != nil {
		return fmt.Errorf("reclaim stalled: %w", err)
	}
	for _, id := range rec.Requeued {
		d.logger.Warn("stalled job requeued", zap.String("job_id", id))
		progress.Emit(d.events, progress.Event{Stage: progress.StageJobStalled, JobID: id, Note: progress.NoteLeaseExpired})
	}
	for _, job := range rec.Exhausted {
		update := capture.AlertUpdate{
			Status:        capture.AlertStatusFailed,
			FailureReason: capture.FailureReason(capture.ErrLeaseLost),
		}
		if err := d.alerts.UpdateAlertStatus(ctx, job.ID, update); err != nil {
			d.logger.Warn("fail stalled alert", zap.String("job_id", job.ID), zap.Error(err))
		}
		d.logger.Warn("stalled job exhausted its attempts",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.Int("attempt", job.Attempt),
		)
		progress.Emit(d.events, progress.Event{
			Stage:    progress.StageJobFailed,
			JobID:    job.ID,
			TenantID: job.TenantID,
			Attempt:  job.Attempt,
			Note:     progress.NoteLeaseExpired,
		})
	}
	return nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("stalled job sweep failed", zap.Error(err))
			}
		}
	}
}
