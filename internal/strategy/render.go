package strategy

import (
	"context"
	"time"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Request is one capture attempt as seen by a strategy.
type Request struct {
	Job         capture.Job
	Credentials capture.Credentials
	Viewport    capture.Viewport
	URL         string
	// Image holds a screenshot already taken earlier in the attempt.
	Image []byte
}

// Renderer prepares a page and screenshots the chart.
type Renderer struct {
	CookieDomain string
	// RenderWait is the pause after navigation for the chart to draw.
	RenderWait time.Duration
}

// Render injects credentials, loads the chart, clears overlays and returns
// PNG bytes. Every failure is retryable.
func (r Renderer) Render(ctx context.Context, page browser.Page, req *Request) ([]byte, error) {
	if err := page.SetViewport(ctx, req.Viewport.Width, req.Viewport.Height); err != nil {
		return nil, capture.Retryable("set viewport", err)
	}
	if err := page.SetCookies(ctx, SessionCookies(r.CookieDomain, req.Credentials)); err != nil {
		return nil, capture.Retryable("inject session", err)
	}
	if err := page.Navigate(ctx, req.URL); err != nil {
		return nil, capture.Retryable("navigate", err)
	}
	if err := sleep(ctx, r.RenderWait); err != nil {
		return nil, capture.Retryable("render wait", err)
	}
	if err := page.DismissOverlays(ctx); err != nil {
		return nil, capture.Retryable("dismiss overlays", err)
	}
	img, err := page.Screenshot(ctx)
	if err != nil {
		return nil, capture.Retryable("screenshot", err)
	}
	req.Image = img
	return img, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
