package strategy

import (
	"context"
	"fmt"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Strategy is one way of producing a capture result.
type Strategy interface {
	Name() capture.Strategy
	Capture(ctx context.Context, page browser.Page, req *Request) (capture.Result, error)
}

// Publisher turns a screenshot into a durable share link.
type Publisher interface {
	Publish(ctx context.Context, image []byte, creds capture.Credentials) (string, error)
}

// Share renders the chart and publishes it through the chart provider.
type Share struct {
	Renderer  Renderer
	Publisher Publisher
}

// Name implements Strategy.
func (Share) Name() capture.Strategy { return capture.StrategyShare }

// Capture implements Strategy.
func (s Share) Capture(ctx context.Context, page browser.Page, req *Request) (capture.Result, error) {
	img, err := s.Renderer.Render(ctx, page, req)
	if err != nil {
		return capture.Result{}, err
	}
	ref, err := s.Publisher.Publish(ctx, img, req.Credentials)
	if err != nil {
		return capture.Result{}, fmt.Errorf("share chart: %w", err)
	}
	return capture.Result{Strategy: capture.StrategyShare, ShareURL: ref}, nil
}

// Direct returns the screenshot bytes for external storage. It reuses an
// image rendered earlier in the same attempt.
type Direct struct {
	Renderer Renderer
}

// Name implements Strategy.
func (Direct) Name() capture.Strategy { return capture.StrategyDirect }

// Capture implements Strategy.
func (d Direct) Capture(ctx context.Context, page browser.Page, req *Request) (capture.Result, error) {
	img := req.Image
	if len(img) == 0 {
		var err error
		if img, err = d.Renderer.Render(ctx, page, req); err != nil {
			return capture.Result{}, err
		}
	}
	return capture.Result{Strategy: capture.StrategyDirect, Image: img, ContentType: "image/png"}, nil
}
