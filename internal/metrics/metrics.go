// Package metrics exposes Prometheus collectors for the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Webhook outcomes recorded by ObserveWebhook.
const (
	OutcomeQueued        = "queued"
	OutcomeSkipped       = "skipped"
	OutcomeRejected      = "rejected"
	OutcomeFailed        = "failed"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeBadPayload    = "bad_payload"
	OutcomeError         = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	webhooksTotal              *prometheus.CounterVec
	webhookDurationSeconds     prometheus.Histogram
	pacingWaitSeconds          prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsnap_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chartsnap_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		webhooksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chartsnap_webhooks_total",
				Help: "Webhook deliveries, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		webhookDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chartsnap_webhook_duration_seconds",
				Help:    "Time spent accepting a webhook delivery.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		)

		pacingWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chartsnap_pipeline_pacing_wait_seconds",
				Help:    "Histogram of job token bucket waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	route = SanitizeRoute(route)
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveWebhook records one webhook outcome and its handling time.
func ObserveWebhook(outcome string, duration time.Duration) {
	if webhooksTotal == nil {
		return
	}
	webhooksTotal.WithLabelValues(outcome).Inc()
	webhookDurationSeconds.Observe(duration.Seconds())
}

// SanitizeRoute bounds the route label to chi patterns. Raw paths would carry
// webhook tokens, so anything that is not a pattern collapses to "unknown".
func SanitizeRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" || !strings.HasPrefix(route, "/") {
		return "unknown"
	}
	return route
}

// ObservePacingWait records how long a worker waited on the job token bucket.
func ObservePacingWait(duration time.Duration) {
	if pacingWaitSeconds == nil {
		return
	}
	pacingWaitSeconds.Observe(duration.Seconds())
}
