package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
)

type fakeAlertStore struct {
	mu       sync.Mutex
	alerts   map[string]capture.Alert
	statuses []capture.AlertStatus
	err      error
}

func newFakeAlertStore(alerts ...capture.Alert) *fakeAlertStore {
	s := &fakeAlertStore{alerts: make(map[string]capture.Alert)}
	for _, a := range alerts {
		s.alerts[a.ID] = a
	}
	return s
}

func (s *fakeAlertStore) CreateAlert(_ context.Context, alert capture.Alert) (capture.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return alert, nil
}

func (s *fakeAlertStore) UpdateAlertStatus(_ context.Context, id string, update capture.AlertUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	alert, ok := s.alerts[id]
	if !ok {
		return capture.ErrNotFound
	}
	if alert.Status.Terminal() {
		return capture.ErrTerminalState
	}
	alert.Status = update.Status
	alert.ResultURL = update.ResultURL
	alert.Strategy = update.Strategy
	alert.FailureReason = update.FailureReason
	s.alerts[id] = alert
	s.statuses = append(s.statuses, update.Status)
	return nil
}

func (s *fakeAlertStore) GetAlert(_ context.Context, id string) (capture.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return capture.Alert{}, capture.ErrNotFound
	}
	return alert, nil
}

func (s *fakeAlertStore) get(id string) capture.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[id]
}

func (s *fakeAlertStore) history() []capture.AlertStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.AlertStatus(nil), s.statuses...)
}

type fakeTenantStore struct{}

func (fakeTenantStore) GetTenant(_ context.Context, id string) (capture.Tenant, error) {
	return capture.Tenant{ID: id, Notifications: capture.NotificationSettings{Enabled: true}}, nil
}

func (fakeTenantStore) FindByWebhookToken(context.Context, string) (capture.Tenant, error) {
	return capture.Tenant{}, capture.ErrNotFound
}

func (fakeTenantStore) IncrementUsage(context.Context, string) error { return nil }

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
	err      error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(data []byte) (string, error) {
	return fmt.Sprintf("%064x", len(data)), nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []capture.Summary
	err       error
}

func (n *fakeNotifier) Notify(_ context.Context, _ capture.Tenant, summary capture.Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, summary)
	return n.err
}

func (n *fakeNotifier) sent() []capture.Summary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]capture.Summary(nil), n.summaries...)
}

type fakeBrowser struct {
	mu      sync.Mutex
	cookies []browser.Cookie
}

func (b *fakeBrowser) SetViewport(context.Context, int64, int64) error { return nil }

func (b *fakeBrowser) SetCookies(_ context.Context, cookies []browser.Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookies = append(b.cookies, cookies...)
	return nil
}

func (b *fakeBrowser) Navigate(context.Context, string) error { return nil }

func (b *fakeBrowser) DismissOverlays(context.Context) error { return nil }

func (b *fakeBrowser) Screenshot(context.Context) ([]byte, error) {
	return []byte("\x89PNG-chart"), nil
}

func (b *fakeBrowser) Warm(context.Context, string) error { return nil }

func (b *fakeBrowser) ClearState(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cookies = nil
	return nil
}

func (b *fakeBrowser) Close() error { return nil }

type fakePool struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
}

func (p *fakePool) Acquire(context.Context) (*browser.Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return &browser.Slot{ID: fmt.Sprintf("browser-%d", p.acquired), Browser: &fakeBrowser{}}, nil
}

func (p *fakePool) Release(context.Context, *browser.Slot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (p *fakePool) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released
}

// scriptedCapturer replays results in order and repeats the last one.
type scriptedCapturer struct {
	mu       sync.Mutex
	steps    []func(ctx context.Context) (capture.Result, error)
	attempts []int
}

func (c *scriptedCapturer) Capture(ctx context.Context, _ browser.Page, job capture.Job) (capture.Result, error) {
	c.mu.Lock()
	c.attempts = append(c.attempts, job.Attempt)
	step := c.steps[min(len(c.attempts), len(c.steps))-1]
	c.mu.Unlock()
	return step(ctx)
}

func (c *scriptedCapturer) seen() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.attempts...)
}

func shareOK(context.Context) (capture.Result, error) {
	return capture.Result{Strategy: capture.StrategyShare, ShareURL: "https://www.tradingview.com/x/AbC123/"}, nil
}

func transient(context.Context) (capture.Result, error) {
	return capture.Result{}, capture.Retryable("navigate", errors.New("net::ERR_CONNECTION_RESET"))
}

func blockUntilDone(ctx context.Context) (capture.Result, error) {
	<-ctx.Done()
	return capture.Result{}, capture.Retryable("render wait", ctx.Err())
}

// leaseQueue is a minimal queue whose heartbeat can be told to report a lost lease.
type leaseQueue struct {
	mu        sync.Mutex
	lost      bool
	acks      []capture.AlertStatus
	retries   int
	heartbeat int
}

func (q *leaseQueue) Enqueue(context.Context, capture.Job) (bool, error) { return true, nil }

func (q *leaseQueue) Dequeue(ctx context.Context) (capture.Job, error) {
	<-ctx.Done()
	return capture.Job{}, ctx.Err()
}

func (q *leaseQueue) Heartbeat(context.Context, capture.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeat++
	if q.lost {
		return capture.ErrLeaseLost
	}
	return nil
}

func (q *leaseQueue) Ack(_ context.Context, _ capture.Job, status capture.AlertStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acks = append(q.acks, status)
	return nil
}

func (q *leaseQueue) Retry(context.Context, capture.Job, time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries++
	return nil
}

func (q *leaseQueue) ReclaimStalled(context.Context) (capture.Reclaimed, error) {
	return capture.Reclaimed{}, nil
}

func (q *leaseQueue) Stats(context.Context) (capture.QueueStats, error) {
	return capture.QueueStats{}, nil
}

func (q *leaseQueue) Close() error { return nil }

// prefixDecrypter opens blobs of the form sealed:<plaintext>.
type prefixDecrypter struct{}

func (prefixDecrypter) Decrypt(blob string) (string, error) {
	plain, ok := strings.CutPrefix(blob, "sealed:")
	if !ok {
		return "", errors.New("bad blob")
	}
	return plain, nil
}
