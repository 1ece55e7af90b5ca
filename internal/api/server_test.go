package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/browser"
	"github.com/JakeFAU/chartsnap/internal/capture"
	"github.com/JakeFAU/chartsnap/internal/dispatcher"
	"github.com/JakeFAU/chartsnap/internal/gate"
	"github.com/JakeFAU/chartsnap/internal/ingest"
	"github.com/JakeFAU/chartsnap/internal/progress"
	queueMemory "github.com/JakeFAU/chartsnap/internal/queue/memory"
	"github.com/JakeFAU/chartsnap/internal/storage/memory"
)

const (
	testToken  = "tok-abcdef123456"
	testAPIKey = "secret"
	btcAlert   = `{"indicator":"RSI","ticker":"BINANCE:BTCUSDT","price":64250.5,"direction":"LONG"}`
)

type testEnv struct {
	server  *Server
	queue   *queueMemory.Queue
	alerts  *memory.AlertStore
	tenants *memory.TenantStore
	gate    *gate.Gate
}

func defaultTenant() capture.Tenant {
	return capture.Tenant{
		ID:               "tenant-1",
		WebhookToken:     testToken,
		WebhookEnabled:   true,
		Plan:             capture.PlanPro,
		DefaultChartID:   "xyz789",
		Credentials:      capture.SealedCredentials{SessionID: "sealed-id", SessionSign: "sealed-sign"},
		CredentialsValid: true,
		SignalsQuota:     -1,
	}
}

func newTestEnv(t *testing.T, tenant capture.Tenant, mutate func(*Deps)) *testEnv {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)}
	gcfg := gate.DefaultConfig()
	gcfg.Location = time.UTC
	env := &testEnv{
		queue:   queueMemory.NewQueue(queueMemory.Config{}),
		alerts:  memory.NewAlertStore(clock),
		tenants: memory.NewTenantStore(tenant),
		gate:    gate.New(gate.NewMemoryCounter(clock.Now), gcfg, gate.WithClock(clock.Now)),
	}
	t.Cleanup(func() { _ = env.queue.Close() })
	dispatch := dispatcher.New(env.queue, env.alerts, nil, dispatcher.Config{}, nil, zap.NewNop())
	svc, err := ingest.New(ingest.Deps{
		Tenants:  env.tenants,
		Alerts:   env.alerts,
		Gate:     env.gate,
		Enqueuer: dispatch,
		IDs:      &fakeIDGen{},
		Clock:    clock,
	}, ingest.Config{}, zap.NewNop())
	require.NoError(t, err)

	deps := Deps{
		Ingest:  svc,
		Pool:    fakePool{},
		Queue:   dispatch,
		Rates:   env.gate,
		Tenants: env.tenants,
		Alerts:  env.alerts,
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.server = NewServer(deps, Config{APIKey: testAPIKey, RequestTimeout: 5 * time.Second}, zap.NewNop())
	return env
}

func (e *testEnv) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func jsonHeader() http.Header {
	return http.Header{"Content-Type": []string{"application/json"}}
}

func TestWebhookQueuesCapture(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	rec := env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader())

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alert-001", body["alert_id"])
	assert.Equal(t, true, body["capture_queued"])
	assert.Contains(t, body, "duration_ms")

	stats, err := env.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	alert, err := env.alerts.GetAlert(context.Background(), "alert-001")
	require.NoError(t, err)
	assert.Equal(t, capture.AlertStatusPending, alert.Status)
	assert.Equal(t, "BINANCE:BTCUSDT", alert.Ticker)
}

func TestWebhookAcceptsPlainText(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	rec := env.do(http.MethodPost, "/webhook/"+testToken, "BUY NASDAQ:AAPL @ 189.20", http.Header{
		"Content-Type": []string{"text/plain"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	alert, err := env.alerts.GetAlert(context.Background(), "alert-001")
	require.NoError(t, err)
	assert.Equal(t, "NASDAQ:AAPL", alert.Ticker)
	assert.Equal(t, "LONG", alert.Direction)
}

func TestWebhookErrorStatuses(t *testing.T) {
	t.Parallel()

	overQuota := defaultTenant()
	overQuota.SignalsQuota = 5
	overQuota.SignalsUsed = 5

	cases := []struct {
		name   string
		tenant capture.Tenant
		token  string
		body   string
		want   int
	}{
		{name: "unknown token", tenant: defaultTenant(), token: "nope-nope-nope", body: btcAlert, want: http.StatusUnauthorized},
		{name: "quota exhausted", tenant: overQuota, token: testToken, body: btcAlert, want: http.StatusPaymentRequired},
		{name: "bad json", tenant: defaultTenant(), token: testToken, body: `{"ticker":`, want: http.StatusBadRequest},
		{name: "no ticker", tenant: defaultTenant(), token: testToken, body: `{"price":1}`, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, tc.tenant, nil)
			rec := env.do(http.MethodPost, "/webhook/"+tc.token, tc.body, jsonHeader())
			require.Equal(t, tc.want, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestWebhookRateLimitedReturns429(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	for i := 0; i < 10; i++ {
		rec := env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader())
		require.Equal(t, http.StatusOK, rec.Code, "alert %d", i+1)
	}
	rec := env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader())

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(gate.ReasonMinute), body["reason"])
	assert.Equal(t, "alert-011", body["alert_id"])

	alert, err := env.alerts.GetAlert(context.Background(), "alert-011")
	require.NoError(t, err)
	assert.Equal(t, capture.AlertStatusRejected, alert.Status)
}

func TestWebhookInternalError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), func(d *Deps) {
		d.Ingest = failingIngester{err: errors.New("db down")}
	})
	rec := env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader())

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestWebhookStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	rec := env.do(http.MethodGet, "/webhook/"+testToken, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, true, body["capture_available"])
	assert.NotContains(t, rec.Body.String(), "sealed")

	rec = env.do(http.MethodGet, "/webhook/unknown-token", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", "", nil).Code)

	notReady := newTestEnv(t, defaultTenant(), func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("redis unreachable") }
	})
	require.Equal(t, http.StatusServiceUnavailable, notReady.do(http.MethodGet, "/readyz", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader())
	rec := env.do(http.MethodGet, "/metrics", "", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chartsnap_webhooks_total")
	assert.NotContains(t, rec.Body.String(), testToken)
}

func TestOpsRequireAPIKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/ops/pool", "", nil).Code)

	rec := env.do(http.MethodGet, "/v1/ops/pool", "", http.Header{"X-Api-Key": []string{testAPIKey}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["max_slots"])

	rec = env.do(http.MethodGet, "/v1/ops/queue?api_key="+testAPIKey, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	noKey := NewServer(Deps{}, Config{}, nil)
	rec = httptest.NewRecorder()
	noKey.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ops/pool", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpsRateUsageAndReset(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader()).Code)
	}
	auth := http.Header{"X-Api-Key": []string{testAPIKey}}

	rec := env.do(http.MethodGet, "/v1/ops/tenants/tenant-1/rate", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var usage gate.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, capture.PlanPro, usage.Plan)
	assert.Equal(t, int64(3), usage.Minute.Current)
	require.NotNil(t, usage.Day)
	assert.Equal(t, 600, usage.Day.Limit)

	rec = env.do(http.MethodGet, "/v1/ops/tenants/tenant-1/rate?plan=unlimited", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	usage = gate.Usage{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Nil(t, usage.Day)

	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/ops/tenants/ghost/rate", "", auth).Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodDelete, "/v1/ops/tenants/tenant-1/rate", "", auth).Code)
	current, err := env.gate.Usage(context.Background(), "tenant-1", capture.PlanPro)
	require.NoError(t, err)
	assert.Zero(t, current.Minute.Current)
}

func TestOpsEventStats(t *testing.T) {
	t.Parallel()

	auth := http.Header{"X-Api-Key": []string{testAPIKey}}
	env := newTestEnv(t, defaultTenant(), nil)
	require.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/v1/ops/events", "", auth).Code)

	hub := progress.NewHub(progress.Config{})
	t.Cleanup(func() { _ = hub.Close(context.Background()) })
	hub.Emit(progress.Event{Stage: progress.StageJobQueued, JobID: "alert-001"})

	env = newTestEnv(t, defaultTenant(), func(d *Deps) { d.Events = hub })
	rec := env.do(http.MethodGet, "/v1/ops/events", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats progress.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Emitted[progress.StageJobQueued])
	assert.Zero(t, stats.Dropped)
}

func TestOpsGetAlert(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, defaultTenant(), nil)
	env.do(http.MethodPost, "/webhook/"+testToken, btcAlert, jsonHeader())
	auth := http.Header{"X-Api-Key": []string{testAPIKey}}

	rec := env.do(http.MethodGet, "/v1/ops/alerts/alert-001", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["status"])

	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/ops/alerts/missing", "", auth).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	NewServer(Deps{}, Config{}, nil).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMaskPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/webhook/tok-abcd...", maskPath("/webhook/"+testToken))
	assert.Equal(t, "/webhook/***", maskPath("/webhook/short"))
	assert.Equal(t, "/healthz", maskPath("/healthz"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return fmt.Sprintf("alert-%03d", f.n), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakePool struct{}

func (fakePool) Stats() browser.Stats {
	return browser.Stats{Total: 1, Available: 1, MinSlots: 1, MaxSlots: 2}
}

type failingIngester struct {
	err error
}

func (f failingIngester) Authenticate(context.Context, string) (capture.Tenant, error) {
	return capture.Tenant{}, f.err
}

func (f failingIngester) Ingest(context.Context, string, []byte, string) (ingest.Receipt, error) {
	return ingest.Receipt{}, f.err
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	if err := h.client.Close(); err != nil {
		return fmt.Errorf("close client: %w", err)
	}
	return nil
}
