package strategy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Config holds the target and render settings shared by strategies.
type Config struct {
	ChartBaseURL string
	CookieDomain string
	Renderer     Renderer
}

// Executor runs strategies in order until one succeeds.
type Executor struct {
	cfg        Config
	decrypter  capture.Decrypter
	strategies []Strategy
	logger     *zap.Logger
}

// NewExecutor builds an Executor. Strategies are tried in the given order.
func NewExecutor(cfg Config, decrypter capture.Decrypter, logger *zap.Logger, strategies ...Strategy) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChartBaseURL == "" {
		cfg.ChartBaseURL = DefaultChartBaseURL
	}
	return &Executor{cfg: cfg, decrypter: decrypter, strategies: strategies, logger: logger}
}

// NewShareThenDirect wires the standard primary and fallback pair.
func NewShareThenDirect(cfg Config, decrypter capture.Decrypter, publisher Publisher, logger *zap.Logger) *Executor {
	renderer := cfg.Renderer
	if renderer.CookieDomain == "" {
		renderer.CookieDomain = cfg.CookieDomain
	}
	return NewExecutor(cfg, decrypter, logger,
		Share{Renderer: renderer, Publisher: publisher},
		Direct{Renderer: renderer},
	)
}

// Capture produces a result for job inside page. Credential and target
// problems fail terminally before any strategy runs. When every strategy
// fails the errors are joined and classified by the last one.
func (e *Executor) Capture(ctx context.Context, page browser.Page, job capture.Job) (capture.Result, error) {
	creds, err := e.open(job.Credentials)
	if err != nil {
		return capture.Result{}, capture.Terminal("decrypt credentials", err)
	}
	if !capture.ValidChartID(job.ChartID) {
		return capture.Result{}, capture.Terminal("resolve target", fmt.Errorf("%w: %q", capture.ErrInvalidTarget, job.ChartID))
	}
	viewport, ok := capture.LookupResolution(job.Resolution)
	if !ok {
		viewport, _ = capture.LookupResolution(capture.DefaultResolution)
	}
	req := &Request{
		Job:         job,
		Credentials: creds,
		Viewport:    viewport,
		URL:         ChartURL(e.cfg.ChartBaseURL, job.ChartID, job.Ticker),
	}

	var (
		errs []error
		last error
	)
	for _, s := range e.strategies {
		res, err := s.Capture(ctx, page, req)
		if err == nil {
			res.Strategy = s.Name()
			return res, nil
		}
		e.logger.Warn("capture strategy failed",
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("strategy", string(s.Name())),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	if last == nil {
		return capture.Result{}, capture.Terminal("capture", errors.New("no capture strategies configured"))
	}
	return capture.Result{}, &capture.Error{Kind: capture.KindOf(last), Op: "capture", Err: errors.Join(errs...)}
}

func (e *Executor) open(sealed capture.SealedCredentials) (capture.Credentials, error) {
	if sealed.Empty() {
		return capture.Credentials{}, capture.ErrInvalidCredentials
	}
	if e.decrypter == nil {
		return capture.Credentials{}, fmt.Errorf("%w: no decrypter configured", capture.ErrInvalidCredentials)
	}
	id, err := e.decrypter.Decrypt(sealed.SessionID)
	if err != nil {
		return capture.Credentials{}, fmt.Errorf("%w: session id: %v", capture.ErrInvalidCredentials, err)
	}
	sign, err := e.decrypter.Decrypt(sealed.SessionSign)
	if err != nil {
		return capture.Credentials{}, fmt.Errorf("%w: session sign: %v", capture.ErrInvalidCredentials, err)
	}
	creds := capture.Credentials{SessionID: id, SessionSign: sign}
	if creds.Empty() {
		return capture.Credentials{}, capture.ErrInvalidCredentials
	}
	return creds, nil
}
