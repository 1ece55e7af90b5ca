package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/gate"
	"github.com/JakeFAU/chartsnap/internal/ingest"
	"github.com/JakeFAU/chartsnap/internal/metrics"
	"github.com/JakeFAU/chartsnap/internal/progress"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxBodyBytes   = 64 << 10
)

// Ingester accepts webhook deliveries.
type Ingester interface {
	Authenticate(ctx context.Context, token string) (capture.Tenant, error)
	Ingest(ctx context.Context, token string, body []byte, contentType string) (ingest.Receipt, error)
}

// PoolReporter exposes browser pool statistics.
type PoolReporter interface {
	Stats() browser.Stats
}

// QueueReporter exposes capture queue statistics.
type QueueReporter interface {
	Stats(ctx context.Context) (capture.QueueStats, error)
}

// RateAdmin reads and clears per-tenant rate windows.
type RateAdmin interface {
	Usage(ctx context.Context, tenantID string, plan capture.Plan) (gate.Usage, error)
	Reset(ctx context.Context, tenantID string) error
}

// EventReporter exposes pipeline event hub counters.
type EventReporter interface {
	Stats() progress.Stats
}

// ReadyFunc reports whether downstream dependencies can serve traffic.
type ReadyFunc func(ctx context.Context) error

// Deps are the collaborators behind the HTTP surface. Pool, Queue, Rates,
// Events and Ready are optional; their routes report 503 when absent.
type Deps struct {
	Ingest  Ingester
	Pool    PoolReporter
	Queue   QueueReporter
	Rates   RateAdmin
	Tenants capture.TenantStore
	Alerts  capture.AlertStore
	Events  EventReporter
	Ready   ReadyFunc
}

// Config controls request handling.
type Config struct {
	// APIKey guards /v1/ops. The ops routes are not mounted without one.
	APIKey         string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Server wires HTTP handlers to the ingest service and pipeline state.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	metrics.Init()
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/webhook/{token}", s.receiveWebhook)
	r.Get("/webhook/{token}", s.webhookStatus)

	if cfg.APIKey != "" {
		r.Route("/v1/ops", func(r chi.Router) {
			r.Use(apiKeyMiddleware(cfg.APIKey))
			r.Get("/pool", s.poolStats)
			r.Get("/queue", s.queueStats)
			r.Get("/events", s.eventStats)
			r.Get("/alerts/{alertID}", s.getAlert)
			r.Get("/tenants/{tenantID}/rate", s.rateUsage)
			r.Delete("/tenants/{tenantID}/rate", s.resetRate)
		})
	} else {
		logger.Info("ops routes disabled: no API key configured")
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type webhookResponse struct {
	Success       bool                `json:"success"`
	AlertID       string              `json:"alert_id,omitempty"`
	Status        capture.AlertStatus `json:"status,omitempty"`
	CaptureQueued bool                `json:"capture_queued"`
	QuotaWarning  bool                `json:"quota_warning,omitempty"`
	RateLimit     *gate.Decision      `json:"rate_limit,omitempty"`
	Error         string              `json:"error,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	DurationMS    int64               `json:"duration_ms"`
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	token := chi.URLParam(r, "token")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		metrics.ObserveWebhook(metrics.OutcomeBadPayload, time.Since(start))
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "unreadable body", DurationMS: sinceMS(start)})
		return
	}

	receipt, err := s.deps.Ingest.Ingest(r.Context(), token, body, r.Header.Get("Content-Type"))
	if err != nil {
		status, outcome, msg := webhookFailure(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("webhook ingest failed", zap.String("request_id", requestID(r.Context())), zap.Error(err))
		}
		metrics.ObserveWebhook(outcome, time.Since(start))
		writeJSON(w, status, webhookResponse{Error: msg, DurationMS: sinceMS(start)})
		return
	}

	decision := receipt.Decision
	resp := webhookResponse{
		AlertID:       receipt.AlertID,
		Status:        receipt.Status,
		CaptureQueued: receipt.CaptureQueued,
		QuotaWarning:  receipt.QuotaWarning,
		RateLimit:     &decision,
	}
	if !receipt.Admitted {
		resp.Error = "rate limit exceeded"
		resp.Reason = string(decision.Reason)
		resp.DurationMS = sinceMS(start)
		metrics.ObserveWebhook(metrics.OutcomeRejected, time.Since(start))
		writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	resp.Success = true
	resp.DurationMS = sinceMS(start)
	metrics.ObserveWebhook(receiptOutcome(receipt), time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) webhookStatus(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.deps.Ingest.Authenticate(r.Context(), chi.URLParam(r, "token"))
	if errors.Is(err, ingest.ErrUnauthorized) {
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}
	if err != nil {
		s.logger.Error("webhook status lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "active",
		"plan":              tenant.Plan,
		"capture_available": tenant.CredentialsValid && !tenant.Credentials.Empty() && tenant.DefaultChartID != "",
	})
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "browser pool not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "capture queue not running")
		return
	}
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("queue stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) eventStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event hub not running")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Events.Stats())
}

func (s *Server) getAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.deps.Alerts.GetAlert(r.Context(), chi.URLParam(r, "alertID"))
	if errors.Is(err, capture.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		s.logger.Error("get alert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch alert")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) rateUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rates == nil {
		writeError(w, http.StatusServiceUnavailable, "rate gate not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	plan, ok := s.resolvePlan(w, r, tenantID)
	if !ok {
		return
	}
	usage, err := s.deps.Rates.Usage(r.Context(), tenantID, plan)
	if err != nil {
		s.logger.Error("rate usage failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read rate usage")
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) resetRate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Rates == nil {
		writeError(w, http.StatusServiceUnavailable, "rate gate not configured")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.deps.Rates.Reset(r.Context(), tenantID); err != nil {
		s.logger.Error("rate reset failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset rate limits")
		return
	}
	s.logger.Info("rate limits reset", zap.String("tenant_id", tenantID))
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "reset": true})
}

// resolvePlan prefers an explicit ?plan= and falls back to the stored tenant.
func (s *Server) resolvePlan(w http.ResponseWriter, r *http.Request, tenantID string) (capture.Plan, bool) {
	if raw := r.URL.Query().Get("plan"); raw != "" {
		return capture.ParsePlan(raw), true
	}
	if s.deps.Tenants == nil {
		return capture.PlanFree, true
	}
	tenant, err := s.deps.Tenants.GetTenant(r.Context(), tenantID)
	if errors.Is(err, capture.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tenant not found")
		return "", false
	}
	if err != nil {
		s.logger.Error("tenant lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch tenant")
		return "", false
	}
	return tenant.Plan, true
}

func webhookFailure(err error) (int, string, string) {
	switch {
	case errors.Is(err, ingest.ErrUnauthorized):
		return http.StatusUnauthorized, metrics.OutcomeUnauthorized, "invalid webhook token"
	case errors.Is(err, ingest.ErrQuotaExceeded):
		return http.StatusPaymentRequired, metrics.OutcomeQuotaExceeded, "monthly signal quota exceeded"
	case errors.Is(err, ingest.ErrBadPayload):
		return http.StatusBadRequest, metrics.OutcomeBadPayload, err.Error()
	default:
		return http.StatusInternalServerError, metrics.OutcomeError, "internal error"
	}
}

func receiptOutcome(receipt ingest.Receipt) string {
	switch {
	case receipt.CaptureQueued:
		return metrics.OutcomeQueued
	case receipt.Status == capture.AlertStatusFailed:
		return metrics.OutcomeFailed
	default:
		return metrics.OutcomeSkipped
	}
}

func sinceMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
