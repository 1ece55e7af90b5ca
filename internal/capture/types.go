package capture

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// AlertStatus tracks the capture lifecycle recorded on an alert.
type AlertStatus string

const (
	// AlertStatusPending means a capture job has been queued.
	AlertStatusPending AlertStatus = "pending"
	// AlertStatusProcessing means a worker owns the capture job.
	AlertStatusProcessing AlertStatus = "processing"
	// AlertStatusCompleted means a result reference was stored.
	AlertStatusCompleted AlertStatus = "completed"
	// AlertStatusFailed means the capture gave up.
	AlertStatusFailed AlertStatus = "failed"
	// AlertStatusSkipped means no capture was requested for the alert.
	AlertStatusSkipped AlertStatus = "skipped"
	// AlertStatusRejected means the rate gate refused the alert.
	AlertStatusRejected AlertStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s AlertStatus) Terminal() bool {
	switch s {
	case AlertStatusCompleted, AlertStatusFailed, AlertStatusSkipped, AlertStatusRejected:
		return true
	default:
		return false
	}
}

// Plan selects the daily ceiling applied to a tenant.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanPro       Plan = "pro"
	PlanUnlimited Plan = "unlimited"
	PlanLifetime  Plan = "lifetime"
)

// ParsePlan maps stored plan names onto known plans. Unknown values fall back to free.
func ParsePlan(raw string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanPro:
		return PlanPro
	case PlanUnlimited:
		return PlanUnlimited
	case PlanLifetime:
		return PlanLifetime
	default:
		return PlanFree
	}
}

// Strategy tags which capture approach produced a result.
type Strategy string

const (
	// StrategyShare publishes the image to the chart provider and keeps its link.
	StrategyShare Strategy = "tradingview_share"
	// StrategyDirect stores the raw screenshot in our own object store.
	StrategyDirect Strategy = "storage_fallback"
)

// Credentials are the decrypted session cookies of a tenant.
type Credentials struct {
	SessionID   string
	SessionSign string
}

// Empty reports whether either cookie value is missing.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.SessionID) == "" || strings.TrimSpace(c.SessionSign) == ""
}

// String never exposes cookie values.
func (c Credentials) String() string {
	if c.Empty() {
		return "credentials(empty)"
	}
	return "credentials(redacted)"
}

// SealedCredentials holds the encrypted cookie blobs exactly as stored.
type SealedCredentials struct {
	SessionID   string `json:"session_id"`
	SessionSign string `json:"session_sign"`
}

// Empty reports whether either sealed blob is missing.
func (c SealedCredentials) Empty() bool {
	return c.SessionID == "" || c.SessionSign == ""
}

// NotificationSettings configure the per-tenant chat notification.
type NotificationSettings struct {
	Enabled  bool
	BotToken string
	ChatID   string
	Timezone string
}

// Tenant is the per-customer configuration looked up at ingest time.
type Tenant struct {
	ID               string
	WebhookToken     string
	WebhookEnabled   bool
	Plan             Plan
	DefaultChartID   string
	Credentials      SealedCredentials
	CredentialsValid bool
	Resolution       Resolution
	Notifications    NotificationSettings
	SignalsQuota     int
	SignalsUsed      int
}

// Alert is one ingested trading signal and its capture outcome.
type Alert struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	Indicator     string         `json:"indicator"`
	Ticker        string         `json:"ticker"`
	Exchange      string         `json:"exchange,omitempty"`
	Symbol        string         `json:"symbol,omitempty"`
	Price         *float64       `json:"price,omitempty"`
	SignalType    string         `json:"signal_type,omitempty"`
	Direction     string         `json:"direction,omitempty"`
	ChartID       string         `json:"chart_id,omitempty"`
	Message       string         `json:"message,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        AlertStatus    `json:"status"`
	ResultURL     string         `json:"result_url,omitempty"`
	Strategy      Strategy       `json:"strategy,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AlertUpdate carries the mutable capture fields of an alert.
type AlertUpdate struct {
	Status        AlertStatus
	ResultURL     string
	Strategy      Strategy
	FailureReason string
}

// Summary is the notification payload derived from a completed alert.
type Summary struct {
	AlertID    string    `json:"alert_id"`
	TenantID   string    `json:"tenant_id"`
	Ticker     string    `json:"ticker"`
	Indicator  string    `json:"indicator"`
	Direction  string    `json:"direction,omitempty"`
	SignalType string    `json:"signal_type,omitempty"`
	Price      *float64  `json:"price,omitempty"`
	ResultURL  string    `json:"result_url"`
	Strategy   Strategy  `json:"strategy"`
	Timestamp  time.Time `json:"timestamp"`
}

// SummaryOf builds the notification summary for an alert and result reference.
func SummaryOf(alert Alert, resultURL string, strategy Strategy) Summary {
	return Summary{
		AlertID:    alert.ID,
		TenantID:   alert.TenantID,
		Ticker:     alert.Ticker,
		Indicator:  alert.Indicator,
		Direction:  alert.Direction,
		SignalType: alert.SignalType,
		Price:      alert.Price,
		ResultURL:  resultURL,
		Strategy:   strategy,
		Timestamp:  alert.Timestamp,
	}
}

var chartIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidChartID reports whether id can be embedded in a chart URL.
func ValidChartID(id string) bool {
	return chartIDPattern.MatchString(id)
}

// Job is one queued capture request. Its ID is the alert ID it serves.
type Job struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	Ticker      string            `json:"ticker"`
	ChartID     string            `json:"chart_id"`
	Credentials SealedCredentials `json:"credentials"`
	Resolution  Resolution        `json:"resolution"`
	Attempt     int               `json:"attempt"`
	MaxAttempts int               `json:"max_attempts"`
	Backoff     BackoffPolicy     `json:"backoff"`
	SubmittedAt time.Time         `json:"submitted_at"`
	// Lease is the claim token issued by Dequeue. Heartbeat, Ack and Retry
	// only succeed for the holder of the current token.
	Lease string `json:"-"`
}

// Validate rejects jobs that could never run, before they enter a queue.
func (j Job) Validate() error {
	switch {
	case strings.TrimSpace(j.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	case strings.TrimSpace(j.TenantID) == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidJob)
	case !ValidChartID(j.ChartID):
		return fmt.Errorf("%w: chart_id %q is malformed", ErrInvalidJob, j.ChartID)
	case j.Credentials.Empty():
		return fmt.Errorf("%w: credentials are required", ErrInvalidJob)
	case j.MaxAttempts <= 0:
		return fmt.Errorf("%w: max_attempts must be > 0", ErrInvalidJob)
	case j.Attempt < 0:
		return fmt.Errorf("%w: attempt must be >= 0", ErrInvalidJob)
	}
	if _, ok := LookupResolution(j.Resolution); !ok {
		return fmt.Errorf("%w: unknown resolution %q", ErrInvalidJob, j.Resolution)
	}
	return nil
}

// Exhausted reports whether the attempt budget is spent.
func (j Job) Exhausted() bool {
	return j.Attempt >= j.MaxAttempts
}

// Result is the output of a successful capture.
type Result struct {
	Strategy    Strategy
	ShareURL    string
	Image       []byte
	ContentType string
}

// QueueStats counts jobs by state.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Reclaimed reports the outcome of a stalled-job sweep.
type Reclaimed struct {
	Requeued  []string
	Exhausted []Job
}
