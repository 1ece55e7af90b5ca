// Package ingest turns webhook deliveries into alerts and capture jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/gate"
	"github.com/JakeFAU/chartsnap/internal/logging"
	"github.com/JakeFAU/chartsnap/internal/progress"
)

var (
	// ErrUnauthorized means the token is unknown or its webhook is disabled.
	ErrUnauthorized = errors.New("webhook token invalid or disabled")
	// ErrQuotaExceeded means the tenant spent its monthly signal quota.
	ErrQuotaExceeded = errors.New("monthly signal quota exceeded")
	// ErrBadPayload means the body could not be turned into a signal.
	ErrBadPayload = errors.New("bad webhook payload")
)

// QuotaMode controls enforcement of the monthly signal quota.
type QuotaMode string

const (
	QuotaStrict   QuotaMode = "strict"
	QuotaSoft     QuotaMode = "soft"
	QuotaDisabled QuotaMode = "disabled"
)

// ParseQuotaMode maps a configured value; empty means strict.
func ParseQuotaMode(raw string) (QuotaMode, error) {
	switch m := QuotaMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case QuotaStrict, QuotaSoft, QuotaDisabled:
		return m, nil
	case "":
		return QuotaStrict, nil
	default:
		return "", fmt.Errorf("unknown quota mode %q", raw)
	}
}

// PipelineMode is resolved once at startup. When disabled, alerts are
// recorded as skipped and nothing is enqueued.
type PipelineMode string

const (
	PipelineEnabled  PipelineMode = "enabled"
	PipelineDisabled PipelineMode = "disabled"
)

// ParsePipelineMode maps a configured value; empty means enabled.
func ParsePipelineMode(raw string) (PipelineMode, error) {
	switch m := PipelineMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case PipelineEnabled, PipelineDisabled:
		return m, nil
	case "":
		return PipelineEnabled, nil
	default:
		return "", fmt.Errorf("unknown pipeline mode %q", raw)
	}
}

// Admitter is the rate gate seen from ingest.
type Admitter interface {
	Admit(ctx context.Context, tenantID string, plan capture.Plan) gate.Decision
}

// Enqueuer submits capture jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job capture.Job) (bool, error)
}

// Config controls ingest behavior.
type Config struct {
	QuotaMode   QuotaMode
	Pipeline    PipelineMode
	MaxAttempts int
	Backoff     capture.BackoffPolicy
}

const defaultMaxAttempts = 3

// Deps are the collaborators of a Service. Enqueuer may be nil only when
// the pipeline is disabled; Events is optional.
type Deps struct {
	Tenants  capture.TenantStore
	Alerts   capture.AlertStore
	Gate     Admitter
	Enqueuer Enqueuer
	IDs      capture.IDGenerator
	Clock    capture.Clock
	Events   progress.Emitter
}

// Receipt reports what happened to one delivery.
type Receipt struct {
	AlertID       string              `json:"alert_id,omitempty"`
	TenantID      string              `json:"-"`
	Status        capture.AlertStatus `json:"status"`
	Admitted      bool                `json:"admitted"`
	CaptureQueued bool                `json:"capture_queued"`
	QuotaWarning  bool                `json:"quota_warning,omitempty"`
	Decision      gate.Decision       `json:"rate_limit"`
}

// Service implements the webhook ingest flow.
type Service struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Service.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Service, error) {
	if deps.Tenants == nil || deps.Alerts == nil || deps.Gate == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("ingest: tenants, alerts, gate, ids and clock are required")
	}
	if cfg.Pipeline == "" {
		cfg.Pipeline = PipelineEnabled
	}
	if cfg.Pipeline == PipelineEnabled && deps.Enqueuer == nil {
		return nil, errors.New("ingest: enqueuer is required when the pipeline is enabled")
	}
	if cfg.QuotaMode == "" {
		cfg.QuotaMode = QuotaStrict
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff == (capture.BackoffPolicy{}) {
		cfg.Backoff = capture.DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger}, nil
}

// Authenticate resolves an enabled tenant by webhook token.
func (s *Service) Authenticate(ctx context.Context, token string) (capture.Tenant, error) {
	if strings.TrimSpace(token) == "" {
		return capture.Tenant{}, ErrUnauthorized
	}
	tenant, err := s.deps.Tenants.FindByWebhookToken(ctx, token)
	if errors.Is(err, capture.ErrNotFound) {
		return capture.Tenant{}, ErrUnauthorized
	}
	if err != nil {
		return capture.Tenant{}, fmt.Errorf("lookup webhook token: %w", err)
	}
	if !tenant.WebhookEnabled {
		return capture.Tenant{}, ErrUnauthorized
	}
	return tenant, nil
}

// Ingest records one webhook delivery. Gate rejections are not errors: the
// alert is stored as rejected and the receipt reports Admitted=false.
func (s *Service) Ingest(ctx context.Context, token string, body []byte, contentType string) (Receipt, error) {
	tenant, err := s.Authenticate(ctx, token)
	if err != nil {
		s.logger.Warn("webhook rejected", logging.Token(token), zap.Error(err))
		return Receipt{}, err
	}
	logger := s.logger.With(zap.String("tenant_id", tenant.ID))

	quotaWarning, err := s.checkQuota(tenant, logger)
	if err != nil {
		return Receipt{}, err
	}

	now := s.deps.Clock.Now()
	sig, err := Parse(body, contentType, now)
	if err != nil {
		return Receipt{}, err
	}

	alertID, err := s.deps.IDs.NewID()
	if err != nil {
		return Receipt{}, fmt.Errorf("generate alert id: %w", err)
	}
	alert := buildAlert(alertID, tenant, sig)
	receipt := Receipt{AlertID: alertID, TenantID: tenant.ID, QuotaWarning: quotaWarning}

	receipt.Decision = s.deps.Gate.Admit(ctx, tenant.ID, tenant.Plan)
	if !receipt.Decision.Allowed {
		return s.reject(ctx, alert, receipt, logger)
	}
	receipt.Admitted = true

	capturable, skipReason := s.capturable(tenant, alert)
	if capturable {
		alert.Status = capture.AlertStatusPending
	} else {
		alert.Status = capture.AlertStatusSkipped
		alert.FailureReason = skipReason
	}
	if _, err := s.deps.Alerts.CreateAlert(ctx, alert); err != nil {
		return Receipt{}, fmt.Errorf("create alert: %w", err)
	}
	if err := s.deps.Tenants.IncrementUsage(ctx, tenant.ID); err != nil {
		logger.Warn("increment usage", zap.Error(err))
	}
	receipt.Status = alert.Status

	if !capturable {
		logger.Info("capture skipped", zap.String("alert_id", alertID), zap.String("reason", skipReason))
		return receipt, nil
	}

	job := capture.Job{
		ID:          alertID,
		TenantID:    tenant.ID,
		Ticker:      alert.Ticker,
		ChartID:     alert.ChartID,
		Credentials: tenant.Credentials,
		Resolution:  capture.NormalizeResolution(string(tenant.Resolution)),
		MaxAttempts: s.cfg.MaxAttempts,
		Backoff:     s.cfg.Backoff,
		SubmittedAt: now,
	}
	if _, err := s.deps.Enqueuer.Enqueue(ctx, job); err != nil {
		logger.Error("enqueue capture job", zap.String("alert_id", alertID), zap.Error(err))
		update := capture.AlertUpdate{Status: capture.AlertStatusFailed, FailureReason: capture.FailureReason(err)}
		if uerr := s.deps.Alerts.UpdateAlertStatus(ctx, alertID, update); uerr != nil {
			logger.Warn("fail unqueued alert", zap.String("alert_id", alertID), zap.Error(uerr))
		}
		receipt.Status = capture.AlertStatusFailed
		return receipt, nil
	}
	receipt.CaptureQueued = true
	logger.Info("capture queued", zap.String("alert_id", alertID), zap.String("ticker", alert.Ticker))
	return receipt, nil
}

func (s *Service) reject(ctx context.Context, alert capture.Alert, receipt Receipt, logger *zap.Logger) (Receipt, error) {
	alert.Status = capture.AlertStatusRejected
	alert.FailureReason = string(receipt.Decision.Reason)
	if _, err := s.deps.Alerts.CreateAlert(ctx, alert); err != nil {
		return Receipt{}, fmt.Errorf("create rejected alert: %w", err)
	}
	receipt.Status = capture.AlertStatusRejected
	logger.Info("alert rejected by rate gate",
		zap.String("alert_id", alert.ID),
		zap.String("reason", string(receipt.Decision.Reason)),
		zap.Int64("count", receipt.Decision.Count),
	)
	progress.Emit(s.deps.Events, progress.Event{
		Stage:    progress.StageAlertRejected,
		TenantID: alert.TenantID,
		Note:     string(receipt.Decision.Reason),
	})
	return receipt, nil
}

func (s *Service) checkQuota(tenant capture.Tenant, logger *zap.Logger) (bool, error) {
	if s.cfg.QuotaMode == QuotaDisabled || tenant.SignalsQuota < 0 {
		return false, nil
	}
	if tenant.SignalsUsed < tenant.SignalsQuota {
		return false, nil
	}
	logger.Warn("monthly signal quota exceeded",
		zap.Int("signals_used", tenant.SignalsUsed),
		zap.Int("signals_quota", tenant.SignalsQuota),
		zap.String("mode", string(s.cfg.QuotaMode)),
	)
	if s.cfg.QuotaMode == QuotaSoft {
		return true, nil
	}
	return false, ErrQuotaExceeded
}

func (s *Service) capturable(tenant capture.Tenant, alert capture.Alert) (bool, string) {
	switch {
	case s.cfg.Pipeline == PipelineDisabled:
		return false, "pipeline disabled"
	case alert.ChartID == "":
		return false, "no chart id"
	case !capture.ValidChartID(alert.ChartID):
		return false, "invalid chart"
	case !tenant.CredentialsValid || tenant.Credentials.Empty():
		return false, "credentials not configured"
	}
	return true, ""
}

func buildAlert(id string, tenant capture.Tenant, sig Signal) capture.Alert {
	chartID := sig.ChartID
	if chartID == "" {
		chartID = tenant.DefaultChartID
	}
	return capture.Alert{
		ID:         id,
		TenantID:   tenant.ID,
		Indicator:  sig.Indicator,
		Ticker:     sig.Ticker,
		Exchange:   sig.Exchange,
		Symbol:     sig.Symbol,
		Price:      sig.Price,
		SignalType: sig.SignalType,
		Direction:  sig.Direction,
		ChartID:    chartID,
		Message:    sig.Message,
		Payload:    sig.Payload,
		Timestamp:  sig.Timestamp,
	}
}
