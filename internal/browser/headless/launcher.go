// Package headless launches Chrome processes through chromedp and exposes
// them as browser.Browser handles for the slot pool.
package headless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/browser"
)

// Config controls how browsers are launched and driven.
type Config struct {
	ExecPath          string
	UserAgent         string
	Headless          bool
	NoSandbox         bool
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	OverlaySettle     time.Duration
	// OverlaySelectors are hidden with injected CSS before each screenshot.
	OverlaySelectors []string
	// ClearOrigins have their storage wiped when a slot is released.
	ClearOrigins []string
}

// DefaultConfig returns settings tuned for chart pages.
func DefaultConfig() Config {
	return Config{
		Headless:          true,
		NoSandbox:         true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		OverlaySettle:     time.Second,
		OverlaySelectors: []string{
			`[data-dialog-name]`,
			`[class*="overlap-manager"]`,
			`[class*="toast-positioning"]`,
			`[class*="popup"]`,
		},
		ClearOrigins: []string{"https://www.tradingview.com"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = def.NavigationTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = def.ActionTimeout
	}
	if c.OverlaySettle < 0 {
		c.OverlaySettle = 0
	}
	return c
}

// Launcher implements browser.Launcher with one Chrome process per slot.
type Launcher struct {
	cfg    Config
	logger *zap.Logger
}

// NewLauncher builds a Launcher.
func NewLauncher(cfg Config, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{cfg: cfg.withDefaults(), logger: logger}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// Launch starts a Chrome process and opens its first tab. The process
// outlives ctx; ctx only bounds startup.
func (l *Launcher) Launch(ctx context.Context) (browser.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, network.Enable())
	}()
	select {
	case err := <-started:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}

	return &Browser{
		cfg:         l.cfg,
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		logger:      l.logger,
	}, nil
}

// Browser is a running Chrome process driven through its first tab.
type Browser struct {
	cfg         Config
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

var _ browser.Browser = (*Browser)(nil)

// run executes actions on the tab, bounded by timeout and by ctx.
func (b *Browser) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// SetViewport implements browser.Page.
func (b *Browser) SetViewport(ctx context.Context, width, height int64) error {
	if err := b.run(ctx, b.cfg.ActionTimeout, chromedp.EmulateViewport(width, height)); err != nil {
		return fmt.Errorf("set viewport %dx%d: %w", width, height, err)
	}
	return nil
}

// SetCookies implements browser.Page.
func (b *Browser) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly).
				Do(ctx)
			if err != nil {
				// Cookie values are never included in errors.
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
	return b.run(ctx, b.cfg.ActionTimeout, action)
}

// Navigate implements browser.Page.
func (b *Browser) Navigate(ctx context.Context, url string) error {
	err := b.run(ctx, b.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// DismissOverlays implements browser.Page.
func (b *Browser) DismissOverlays(ctx context.Context) error {
	var applied bool
	actions := []chromedp.Action{
		chromedp.KeyEvent(kb.Escape),
		chromedp.Evaluate(hideOverlaysScript(b.cfg.OverlaySelectors), &applied),
	}
	if b.cfg.OverlaySettle > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.OverlaySettle))
	}
	if err := b.run(ctx, b.cfg.ActionTimeout+b.cfg.OverlaySettle, actions...); err != nil {
		return fmt.Errorf("dismiss overlays: %w", err)
	}
	return nil
}

// Screenshot implements browser.Page.
func (b *Browser) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, b.cfg.ActionTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("capture screenshot: empty image")
	}
	return buf, nil
}

// Warm implements browser.Browser.
func (b *Browser) Warm(ctx context.Context, url string) error {
	return b.Navigate(ctx, url)
}

// ClearState implements browser.Browser. It fails unless the cookie jar is
// verifiably empty afterwards.
func (b *Browser) ClearState(ctx context.Context) error {
	var remaining []*network.Cookie
	action := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.ClearBrowserCookies().Do(ctx); err != nil {
			return fmt.Errorf("clear cookies: %w", err)
		}
		if err := network.ClearBrowserCache().Do(ctx); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		for _, origin := range b.cfg.ClearOrigins {
			if err := storage.ClearDataForOrigin(origin, "all").Do(ctx); err != nil {
				return fmt.Errorf("clear storage for %s: %w", origin, err)
			}
		}
		return nil
	})
	verify := chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		remaining, err = storage.GetCookies().Do(ctx)
		return err
	})
	if err := b.run(ctx, b.cfg.ActionTimeout, action, chromedp.Navigate("about:blank"), verify); err != nil {
		return fmt.Errorf("clear browser state: %w", err)
	}
	if len(remaining) > 0 {
		return fmt.Errorf("clear browser state: %d cookies survived", len(remaining))
	}
	return nil
}

// Close terminates the Chrome process.
func (b *Browser) Close() error {
	err := chromedp.Cancel(b.ctx)
	b.tabCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close chrome: %w", err)
	}
	return nil
}

// hideOverlaysScript injects a stylesheet hiding selectors; it evaluates to true.
func hideOverlaysScript(selectors []string) string {
	if len(selectors) == 0 {
		return "true"
	}
	encoded, err := json.Marshal(selectors)
	if err != nil {
		return "true"
	}
	return fmt.Sprintf(`(() => {
  const selectors = %s;
  let style = document.getElementById('chartsnap-hide-overlays');
  if (!style) {
    style = document.createElement('style');
    style.id = 'chartsnap-hide-overlays';
    document.head.appendChild(style);
  }
  style.textContent = selectors.join(',') + '{display:none !important;visibility:hidden !important;}';
  return true;
})()`, encoded)
}
