// Package gate implements the multi-tier rate and quota gate that admits or
// rejects alerts before they enter the capture pipeline.
//
// Every check increments its window counter first and then compares the new
// value to the ceiling, so a rejected request has already spent one unit of
// its own limit. Counter expiry is set once, on the first increment of a
// window, to the window's natural boundary.
package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

// Mode selects how exceeded ceilings are enforced.
type Mode string

const (
	// ModeStrict rejects requests over a ceiling.
	ModeStrict Mode = "strict"
	// ModeSoft admits requests over a ceiling and flags a warning.
	ModeSoft Mode = "soft"
	// ModeDisabled admits everything without touching counters.
	ModeDisabled Mode = "disabled"
)

// ParseMode maps a configured mode string; unknown values are rejected.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeStrict, ModeSoft, ModeDisabled:
		return m, nil
	case "":
		return ModeStrict, nil
	default:
		return "", fmt.Errorf("unknown gate mode %q", raw)
	}
}

// Reason explains a decision.
type Reason string

const (
	ReasonOK       Reason = "ok"
	ReasonMinute   Reason = "rate_limit_minute"
	ReasonHour     Reason = "rate_limit_hour"
	ReasonDaily    Reason = "rate_limit_daily"
	ReasonDegraded Reason = "error_checking_rate_limit"
	ReasonDisabled Reason = "disabled"
)

// Unlimited is the daily ceiling sentinel that skips the day check.
const Unlimited = -1

// Config holds the ceilings and enforcement mode.
type Config struct {
	Mode        Mode
	PerMinute   int
	PerHour     int
	DailyLimits map[capture.Plan]int
	// Location defines the day window; it ends at local midnight.
	Location *time.Location
}

// DefaultConfig returns the 10/min, 100/hour, free 50 / pro 600 per day ceilings.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeStrict,
		PerMinute: 10,
		PerHour:   100,
		DailyLimits: map[capture.Plan]int{
			capture.PlanFree:      50,
			capture.PlanPro:       600,
			capture.PlanUnlimited: Unlimited,
			capture.PlanLifetime:  Unlimited,
		},
		Location: time.Local,
	}
}

// DailyLimit returns the day ceiling for plan; unknown plans use the free ceiling.
func (c Config) DailyLimit(plan capture.Plan) int {
	if limit, ok := c.DailyLimits[plan]; ok {
		return limit
	}
	return c.DailyLimits[capture.PlanFree]
}

// Limits echoes the ceilings applied to a decision.
type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// Decision is the gate's verdict for one request.
type Decision struct {
	Allowed  bool   `json:"allowed"`
	Reason   Reason `json:"reason"`
	Warning  bool   `json:"warning,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Count    int64  `json:"count,omitempty"`
	Limits   Limits `json:"limits"`
}

// Counter is an atomic windowed counter backend.
type Counter interface {
	// Incr increments key and returns the new value. The expiry is applied
	// only when the increment creates the key.
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
	// Get returns the current value of key, zero when absent or expired.
	Get(ctx context.Context, key string) (int64, error)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger used for degraded decisions.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate admits or rejects requests per tenant.
type Gate struct {
	counter Counter
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

// New constructs a Gate over counter.
func New(counter Counter, cfg Config, opts ...Option) *Gate {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStrict
	}
	g := &Gate{
		counter: counter,
		cfg:     cfg,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mode reports the configured enforcement mode.
func (g *Gate) Mode() Mode {
	return g.cfg.Mode
}

type check struct {
	reason   Reason
	key      string
	ceiling  int
	expireAt time.Time
}

// Admit runs the minute, hour and day checks in order and stops at the
// first exceeded ceiling. A counter backend failure admits the request in
// degraded mode.
func (g *Gate) Admit(ctx context.Context, tenantID string, plan capture.Plan) Decision {
	limits := g.limits(plan)
	if g.cfg.Mode == ModeDisabled {
		return Decision{Allowed: true, Reason: ReasonDisabled, Limits: limits}
	}

	for _, c := range g.checks(tenantID, plan, g.now()) {
		count, err := g.counter.Incr(ctx, c.key, c.expireAt)
		if err != nil {
			g.logger.Warn("rate limit check failed; admitting request",
				zap.String("tenant_id", tenantID),
				zap.String("window", string(c.reason)),
				zap.Error(err),
			)
			return Decision{Allowed: true, Reason: ReasonDegraded, Degraded: true, Limits: limits}
		}
		if count <= int64(c.ceiling) {
			continue
		}
		if g.cfg.Mode == ModeSoft {
			g.logger.Info("rate limit exceeded in soft mode",
				zap.String("tenant_id", tenantID),
				zap.String("reason", string(c.reason)),
				zap.Int64("count", count),
			)
			return Decision{Allowed: true, Reason: c.reason, Warning: true, Count: count, Limits: limits}
		}
		return Decision{Allowed: false, Reason: c.reason, Count: count, Limits: limits}
	}
	return Decision{Allowed: true, Reason: ReasonOK, Limits: limits}
}

func (g *Gate) limits(plan capture.Plan) Limits {
	return Limits{PerMinute: g.cfg.PerMinute, PerHour: g.cfg.PerHour, PerDay: g.cfg.DailyLimit(plan)}
}

func (g *Gate) checks(tenantID string, plan capture.Plan, now time.Time) []check {
	w := windowsAt(now, g.cfg.Location)
	checks := []check{
		{reason: ReasonMinute, key: minuteKey(tenantID, w), ceiling: g.cfg.PerMinute, expireAt: w.minuteEnd},
		{reason: ReasonHour, key: hourKey(tenantID, w), ceiling: g.cfg.PerHour, expireAt: w.hourEnd},
	}
	if daily := g.cfg.DailyLimit(plan); daily != Unlimited {
		checks = append(checks, check{reason: ReasonDaily, key: dayKey(tenantID, w), ceiling: daily, expireAt: w.dayEnd})
	}
	return checks
}

// WindowUsage is the state of one window counter.
type WindowUsage struct {
	Current   int64     `json:"current"`
	Limit     int       `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Usage is a read-only snapshot of a tenant's windows.
type Usage struct {
	TenantID string       `json:"tenant_id"`
	Plan     capture.Plan `json:"plan"`
	Mode     Mode         `json:"mode"`
	Minute   WindowUsage  `json:"minute"`
	Hour     WindowUsage  `json:"hour"`
	Day      *WindowUsage `json:"day,omitempty"`
}

// Usage reads the current counters without incrementing them.
func (g *Gate) Usage(ctx context.Context, tenantID string, plan capture.Plan) (Usage, error) {
	w := windowsAt(g.now(), g.cfg.Location)
	out := Usage{TenantID: tenantID, Plan: plan, Mode: g.cfg.Mode}

	var err error
	if out.Minute, err = g.window(ctx, minuteKey(tenantID, w), g.cfg.PerMinute, w.minuteEnd); err != nil {
		return Usage{}, err
	}
	if out.Hour, err = g.window(ctx, hourKey(tenantID, w), g.cfg.PerHour, w.hourEnd); err != nil {
		return Usage{}, err
	}
	if daily := g.cfg.DailyLimit(plan); daily != Unlimited {
		day, err := g.window(ctx, dayKey(tenantID, w), daily, w.dayEnd)
		if err != nil {
			return Usage{}, err
		}
		out.Day = &day
	}
	return out, nil
}

func (g *Gate) window(ctx context.Context, key string, limit int, resetsAt time.Time) (WindowUsage, error) {
	current, err := g.counter.Get(ctx, key)
	if err != nil {
		return WindowUsage{}, fmt.Errorf("read counter %s: %w", key, err)
	}
	remaining := int64(limit) - current
	if remaining < 0 {
		remaining = 0
	}
	return WindowUsage{Current: current, Limit: limit, Remaining: remaining, ResetsAt: resetsAt}, nil
}

// Reset clears every counter of tenantID.
func (g *Gate) Reset(ctx context.Context, tenantID string) error {
	if err := g.counter.DeletePrefix(ctx, tenantPrefix(tenantID)); err != nil {
		return fmt.Errorf("reset rate limits for %s: %w", tenantID, err)
	}
	return nil
}
