// Package worker implements the capture job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/progress"
)

const (
	defaultJobTimeout    = 90 * time.Second
	defaultLockDuration  = 2 * time.Minute
	defaultNotifyTimeout = 10 * time.Second
	defaultBlobPrefix    = "charts"
	defaultContentType   = "image/png"
	settleTimeout        = 15 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	// JobTimeout bounds one capture attempt, including slot acquisition.
	JobTimeout time.Duration
	// LockDuration is the queue lease; heartbeats run every third of it.
	LockDuration time.Duration
	// NotifyTimeout bounds the post-completion notification.
	NotifyTimeout time.Duration
	BlobPrefix    string
	ContentType   string
}

// SlotPool hands out exclusive browser slots.
type SlotPool interface {
	Acquire(ctx context.Context) (*browser.Slot, error)
	Release(ctx context.Context, s *browser.Slot) error
}

// Capturer runs the capture strategies against a page.
type Capturer interface {
	Capture(ctx context.Context, page browser.Page, job capture.Job) (capture.Result, error)
}

// Limiter gates how fast jobs are taken off the queue.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Deps are the collaborators a Worker needs. Notifier, Limiter and Events
// are optional.
type Deps struct {
	Queue    capture.Queue
	Pool     SlotPool
	Capturer Capturer
	Alerts   capture.AlertStore
	Tenants  capture.TenantStore
	Blobs    capture.BlobStore
	Hasher   capture.Hasher
	Clock    capture.Clock
	Notifier capture.Notifier
	Limiter  Limiter
	Events   progress.Emitter
}

// Worker consumes capture jobs and settles their alerts.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = defaultLockDuration
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.BlobPrefix == "" {
		cfg.BlobPrefix = defaultBlobPrefix
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if w.deps.Limiter != nil {
			if err := w.deps.Limiter.Wait(ctx); err != nil {
				return
			}
		}
		job, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		w.Process(ctx, job)
	}
}

// Process runs one claimed job to a settled outcome: completed, failed, or
// re-queued with backoff. The attempt continues if ctx is canceled and is
// bounded by JobTimeout instead.
func (w *Worker) Process(parent context.Context, job capture.Job) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.JobTimeout)
	defer cancel()

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempt", job.Attempt),
	)
	start := w.now()
	progress.Emit(w.deps.Events, progress.Event{
		Stage: progress.StageJobStarted, JobID: job.ID, TenantID: job.TenantID, Attempt: job.Attempt,
	})

	var lost atomic.Bool
	stop := w.heartbeat(ctx, job, cancel, &lost, logger)
	defer stop()

	err := w.deps.Alerts.UpdateAlertStatus(ctx, job.ID, capture.AlertUpdate{Status: capture.AlertStatusProcessing})
	switch {
	case errors.Is(err, capture.ErrTerminalState):
		logger.Info("alert already settled; dropping job")
		w.ack(ctx, job, w.settledStatus(ctx, job.ID), logger)
		return
	case errors.Is(err, capture.ErrNotFound):
		logger.Warn("alert missing; dropping job")
		w.ack(ctx, job, capture.AlertStatusFailed, logger)
		return
	case err != nil:
		logger.Warn("mark alert processing failed", zap.Error(err))
	}

	result, ref, err := w.capture(ctx, job)
	// Settlement must still reach the stores after a timed-out attempt.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()
	if lost.Load() || !w.ownsLease(settleCtx, job, logger) {
		logger.Warn("job lease lost during capture; leaving job to its new owner", zap.Error(err))
		return
	}
	if err != nil {
		w.fail(settleCtx, job, err, logger)
		return
	}
	w.complete(settleCtx, job, result, ref, w.now().Sub(start), logger)
}

func (w *Worker) capture(ctx context.Context, job capture.Job) (result capture.Result, ref string, err error) {
	slot, err := w.deps.Pool.Acquire(ctx)
	if err != nil {
		return capture.Result{}, "", capture.Retryable("acquire browser", err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = capture.Retryable("capture", fmt.Errorf("panic: %v", r))
		}
		if relErr := w.deps.Pool.Release(context.WithoutCancel(ctx), slot); relErr != nil {
			w.logger.Warn("release browser slot failed", zap.String("slot_id", slot.ID), zap.Error(relErr))
		}
	}()

	result, err = w.deps.Capturer.Capture(ctx, slot.Browser, job)
	if err != nil {
		return capture.Result{}, "", err
	}
	if result.ShareURL != "" {
		return result, result.ShareURL, nil
	}
	ref, err = w.storeImage(ctx, job, result)
	if err != nil {
		return capture.Result{}, "", capture.Retryable("store image", err)
	}
	return result, ref, nil
}

func (w *Worker) storeImage(ctx context.Context, job capture.Job, result capture.Result) (string, error) {
	if len(result.Image) == 0 {
		return "", errors.New("capture produced neither a link nor an image")
	}
	if w.deps.Blobs == nil || w.deps.Hasher == nil {
		return "", errors.New("no blob store configured")
	}
	digest, err := w.deps.Hasher.Hash(result.Image)
	if err != nil {
		return "", fmt.Errorf("hash image: %w", err)
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = w.cfg.ContentType
	}
	ref, err := w.deps.Blobs.PutObject(ctx, w.buildBlobPath(job, digest), contentType, result.Image)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return ref, nil
}

func (w *Worker) buildBlobPath(job capture.Job, digest string) string {
	if len(digest) > 12 {
		digest = digest[:12]
	}
	name := fmt.Sprintf("%s/%s-%s.png", job.TenantID, job.ID, digest)
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (w *Worker) complete(
	ctx context.Context,
	job capture.Job,
	result capture.Result,
	ref string,
	took time.Duration,
	logger *zap.Logger,
) {
	update := capture.AlertUpdate{
		Status:    capture.AlertStatusCompleted,
		ResultURL: ref,
		Strategy:  result.Strategy,
	}
	if err := w.deps.Alerts.UpdateAlertStatus(ctx, job.ID, update); err != nil && !errors.Is(err, capture.ErrTerminalState) {
		w.fail(ctx, job, capture.Retryable("record result", err), logger)
		return
	}
	w.ack(ctx, job, capture.AlertStatusCompleted, logger)
	progress.Emit(w.deps.Events, progress.Event{
		Stage:    progress.StageJobCompleted,
		JobID:    job.ID,
		TenantID: job.TenantID,
		Strategy: string(result.Strategy),
		Attempt:  job.Attempt,
		Dur:      took,
	})
	logger.Info("capture completed",
		zap.String("strategy", string(result.Strategy)),
		zap.String("result_url", ref),
		zap.Duration("took", took),
	)
	w.notify(ctx, job, ref, result.Strategy, logger)
}

// fail settles a failed attempt. Terminal errors and exhausted budgets fail
// the alert; everything else goes back to the queue with backoff.
func (w *Worker) fail(ctx context.Context, job capture.Job, cause error, logger *zap.Logger) {
	if capture.IsTerminal(cause) || job.Exhausted() {
		update := capture.AlertUpdate{
			Status:        capture.AlertStatusFailed,
			FailureReason: capture.FailureReason(cause),
		}
		if err := w.deps.Alerts.UpdateAlertStatus(ctx, job.ID, update); err != nil && !errors.Is(err, capture.ErrTerminalState) {
			logger.Error("mark alert failed", zap.Error(err))
		}
		w.ack(ctx, job, capture.AlertStatusFailed, logger)
		progress.Emit(w.deps.Events, progress.Event{
			Stage:    progress.StageJobFailed,
			JobID:    job.ID,
			TenantID: job.TenantID,
			Attempt:  job.Attempt,
			Note:     capture.KindOf(cause).String(),
		})
		logger.Warn("capture failed", zap.Bool("terminal", capture.IsTerminal(cause)), zap.Error(cause))
		return
	}

	delay := job.Backoff.Delay(job.Attempt)
	err := w.deps.Alerts.UpdateAlertStatus(ctx, job.ID, capture.AlertUpdate{Status: capture.AlertStatusPending})
	if errors.Is(err, capture.ErrTerminalState) {
		w.ack(ctx, job, w.settledStatus(ctx, job.ID), logger)
		return
	}
	if err != nil {
		logger.Warn("mark alert pending failed", zap.Error(err))
	}
	if err := w.deps.Queue.Retry(ctx, job, delay); err != nil {
		logger.Error("requeue job failed", zap.Error(err))
		return
	}
	progress.Emit(w.deps.Events, progress.Event{
		Stage:    progress.StageJobRetried,
		JobID:    job.ID,
		TenantID: job.TenantID,
		Attempt:  job.Attempt,
		Note:     "retry in " + delay.String(),
	})
	logger.Info("capture attempt failed; retrying", zap.Duration("delay", delay), zap.Error(cause))
}

func (w *Worker) ack(ctx context.Context, job capture.Job, status capture.AlertStatus, logger *zap.Logger) {
	if err := w.deps.Queue.Ack(ctx, job, status); err != nil {
		logger.Warn("ack job failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// ownsLease confirms the claim is still current before any result is
// written. A transient queue error is not treated as a lost lease; the
// settling call reports it.
func (w *Worker) ownsLease(ctx context.Context, job capture.Job, logger *zap.Logger) bool {
	err := w.deps.Queue.Heartbeat(ctx, job)
	switch {
	case err == nil:
		return true
	case errors.Is(err, capture.ErrLeaseLost), errors.Is(err, capture.ErrNotFound):
		return false
	default:
		logger.Warn("lease check before settling failed", zap.Error(err))
		return true
	}
}

func (w *Worker) settledStatus(ctx context.Context, alertID string) capture.AlertStatus {
	alert, err := w.deps.Alerts.GetAlert(ctx, alertID)
	if err != nil || alert.Status != capture.AlertStatusCompleted {
		return capture.AlertStatusFailed
	}
	return capture.AlertStatusCompleted
}

func (w *Worker) notify(ctx context.Context, job capture.Job, ref string, strategy capture.Strategy, logger *zap.Logger) {
	if w.deps.Notifier == nil || w.deps.Tenants == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	defer cancel()
	tenant, err := w.deps.Tenants.GetTenant(nctx, job.TenantID)
	if err != nil {
		logger.Warn("load tenant for notification", zap.Error(err))
		return
	}
	alert, err := w.deps.Alerts.GetAlert(nctx, job.ID)
	if err != nil {
		logger.Warn("load alert for notification", zap.Error(err))
		return
	}
	if err := w.deps.Notifier.Notify(nctx, tenant, capture.SummaryOf(alert, ref, strategy)); err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}

// heartbeat extends the job lease until stop is called. Losing the lease,
// including to another worker after a reclaim, cancels the attempt.
func (w *Worker) heartbeat(
	ctx context.Context,
	job capture.Job,
	cancel context.CancelFunc,
	lost *atomic.Bool,
	logger *zap.Logger,
) (stop func()) {
	interval := w.cfg.LockDuration / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.deps.Queue.Heartbeat(ctx, job)
				if errors.Is(err, capture.ErrLeaseLost) || errors.Is(err, capture.ErrNotFound) {
					lost.Store(true)
					logger.Warn("job lease lost", zap.Error(err))
					cancel()
					return
				}
				if err != nil {
					logger.Warn("job heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) now() time.Time {
	if w.deps.Clock == nil {
		return time.Now()
	}
	return w.deps.Clock.Now()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
