package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

func enabledTenant() capture.Tenant {
	return capture.Tenant{
		ID: "tenant-1",
		Notifications: capture.NotificationSettings{
			Enabled:  true,
			BotToken: "123:secret-token",
			ChatID:   "-100200",
			Timezone: "America/Bogota",
		},
	}
}

func sampleSummary() capture.Summary {
	price := 64250.5
	return capture.Summary{
		AlertID:    "9f1c2d3e-aaaa-bbbb",
		TenantID:   "tenant-1",
		Ticker:     "BINANCE:BTCUSDT",
		Indicator:  "RSI_Divergence",
		Direction:  "LONG",
		SignalType: "entry",
		Price:      &price,
		ResultURL:  "https://www.tradingview.com/x/AbC123/",
		Strategy:   capture.StrategyShare,
		Timestamp:  time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestNotifySendsMessage(t *testing.T) {
	t.Parallel()

	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1}}`))
	}))
	defer srv.Close()

	n := New(srv.Client(), Config{BaseURL: srv.URL}, nil)
	require.NoError(t, n.Notify(context.Background(), enabledTenant(), sampleSummary()))

	assert.Equal(t, "/bot123:secret-token/sendMessage", path)
	assert.Equal(t, "-100200", got.ChatID)
	assert.Equal(t, "Markdown", got.ParseMode)
	assert.Contains(t, got.Text, "BINANCE:BTCUSDT")
	assert.Contains(t, got.Text, "$64250.5")
	assert.Contains(t, got.Text, `RSI\_Divergence`)
	assert.Contains(t, got.Text, "2026-03-02 09:00:00")
	assert.Contains(t, got.Text, "(https://www.tradingview.com/x/AbC123/)")
	assert.Contains(t, got.Text, "_Signal #9f1c2d3e_")
}

func TestNotifySkipsIncompleteSettings(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls++ }))
	defer srv.Close()
	n := New(srv.Client(), Config{BaseURL: srv.URL}, nil)

	for _, mutate := range []func(*capture.Tenant){
		func(t *capture.Tenant) { t.Notifications.Enabled = false },
		func(t *capture.Tenant) { t.Notifications.BotToken = "" },
		func(t *capture.Tenant) { t.Notifications.ChatID = "" },
	} {
		tenant := enabledTenant()
		mutate(&tenant)
		require.NoError(t, n.Notify(context.Background(), tenant, sampleSummary()))
	}
	assert.Zero(t, calls)
}

func TestNotifyErrorsNeverLeakToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	n := New(srv.Client(), Config{BaseURL: srv.URL}, nil)

	err := n.Notify(context.Background(), enabledTenant(), sampleSummary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.NotContains(t, err.Error(), "secret-token")

	srv.Close()
	err = n.Notify(context.Background(), enabledTenant(), sampleSummary())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret-token")
}

func TestFormatMessageDefaults(t *testing.T) {
	t.Parallel()

	msg := FormatMessage(capture.Summary{AlertID: "abc", Ticker: "AAPL"}, "Not/AZone")
	assert.Contains(t, msg, "*Signal:* N/A")
	assert.NotContains(t, msg, "Price")
	assert.NotContains(t, msg, "View chart")
}
