package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type fakeBrowser struct {
	id int

	mu        sync.Mutex
	cookies   map[string]Cookie
	warmedURL string
	closed    bool
	clearErr  error
	warmErr   error
}

func (b *fakeBrowser) SetViewport(context.Context, int64, int64) error { return nil }

func (b *fakeBrowser) SetCookies(_ context.Context, cookies []Cookie) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range cookies {
		b.cookies[c.Name] = c
	}
	return nil
}

func (b *fakeBrowser) Navigate(context.Context, string) error     { return nil }
func (b *fakeBrowser) DismissOverlays(context.Context) error      { return nil }
func (b *fakeBrowser) Screenshot(context.Context) ([]byte, error) { return []byte("png"), nil }

func (b *fakeBrowser) Warm(_ context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warmedURL = url
	return b.warmErr
}

func (b *fakeBrowser) ClearState(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clearErr != nil {
		return b.clearErr
	}
	b.cookies = map[string]Cookie{}
	return nil
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) Cookies() map[string]Cookie {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Cookie, len(b.cookies))
	for k, v := range b.cookies {
		out[k] = v
	}
	return out
}

func (b *fakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeLauncher struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	failAt   map[int]error
	delay    time.Duration
	warmErr  error
	launches atomic.Int64
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{failAt: map[int]error{}}
}

func (l *fakeLauncher) Launch(ctx context.Context) (Browser, error) {
	n := int(l.launches.Add(1))
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.failAt[n]; ok {
		return nil, err
	}
	b := &fakeBrowser{id: n, cookies: map[string]Cookie{}, warmErr: l.warmErr}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func (l *fakeLauncher) All() []*fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeBrowser(nil), l.browsers...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errLaunch = errors.New("chrome exited")
