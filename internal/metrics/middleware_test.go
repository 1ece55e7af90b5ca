package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func requestCount(method, route, code string) float64 {
	return testutil.ToFloat64(httpRequestsTotal.WithLabelValues(method, route, code))
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/webhook/{token}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"success":true}`))
	})
	r.Get("/v1/ops/pool", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	webhookBefore := requestCount(http.MethodPost, "/webhook/{token}", "200")
	poolBefore := requestCount(http.MethodGet, "/v1/ops/pool", "503")
	unknownBefore := requestCount(http.MethodGet, "unknown", "404")

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/webhook/0123456789abcdef", nil),
		httptest.NewRequest(http.MethodPost, "/webhook/fedcba9876543210", nil),
		httptest.NewRequest(http.MethodGet, "/v1/ops/pool", nil),
		httptest.NewRequest(http.MethodGet, "/nowhere", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	// Two distinct tokens land on one series.
	assert.Equal(t, float64(2), requestCount(http.MethodPost, "/webhook/{token}", "200")-webhookBefore)
	assert.Equal(t, float64(1), requestCount(http.MethodGet, "/v1/ops/pool", "503")-poolBefore)
	assert.Equal(t, float64(1), requestCount(http.MethodGet, "unknown", "404")-unknownBefore)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
