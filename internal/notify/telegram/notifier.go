// Package telegram sends alert summaries through each tenant's own bot.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/JakeFAU/chartsnap/internal/capture"
)

const defaultBaseURL = "https://api.telegram.org"

// Config controls the Bot API client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Notifier posts a Markdown summary with sendMessage.
type Notifier struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

// New creates a Notifier. A nil client gets one bounded by cfg.Timeout.
func New(client *http.Client, cfg Config, logger *zap.Logger) *Notifier {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{client: client, baseURL: base, logger: logger}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Notify implements capture.Notifier. Tenants without a complete Telegram
// configuration are skipped silently.
func (n *Notifier) Notify(ctx context.Context, tenant capture.Tenant, summary capture.Summary) error {
	settings := tenant.Notifications
	if !settings.Enabled || settings.BotToken == "" || settings.ChatID == "" {
		return nil
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    settings.ChatID,
		Text:      FormatMessage(summary, settings.Timezone),
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := n.baseURL + "/bot" + settings.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.New("build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// The request URL embeds the bot token, so only the cause's kind is kept.
		return fmt.Errorf("telegram send: %s", redact(err.Error(), settings.BotToken))
	}
	defer func() { _ = resp.Body.Close() }()

	var out apiResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram send: status %d: %s", resp.StatusCode, out.Description)
	}
	n.logger.Debug("telegram notification sent",
		zap.String("tenant_id", tenant.ID),
		zap.String("alert_id", summary.AlertID),
	)
	return nil
}

// FormatMessage renders the Markdown alert body in the tenant's timezone.
func FormatMessage(s capture.Summary, timezone string) string {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	signal := s.SignalType
	if signal == "" {
		signal = "N/A"
	}
	lines := []string{
		"🚨 *New Trading Signal*",
		"",
		"🪙 *Ticker:* " + escape(s.Ticker),
	}
	if s.Price != nil {
		lines = append(lines, "💰 *Price:* $"+strconv.FormatFloat(*s.Price, 'f', -1, 64))
	}
	lines = append(lines, "📊 *Signal:* "+escape(signal))
	if s.Direction != "" {
		lines = append(lines, "📈 *Direction:* "+escape(s.Direction))
	}
	if s.Indicator != "" {
		lines = append(lines, "🔧 *Indicator:* "+escape(s.Indicator))
	}
	if !s.Timestamp.IsZero() {
		lines = append(lines, "⏰ "+s.Timestamp.In(loc).Format("2006-01-02 15:04:05 MST"))
	}
	lines = append(lines, "")
	if s.ResultURL != "" {
		lines = append(lines, "📸 [View chart]("+s.ResultURL+")")
	}
	if id, _, _ := strings.Cut(s.AlertID, "-"); id != "" {
		lines = append(lines, "_Signal #"+escape(id)+"_")
	}
	return strings.Join(lines, "\n")
}

var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

func escape(s string) string { return markdownEscaper.Replace(s) }

func redact(msg, secret string) string {
	if secret == "" {
		return msg
	}
	return strings.ReplaceAll(msg, secret, "<redacted>")
}
