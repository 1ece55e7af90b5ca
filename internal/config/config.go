// Package config loads and validates service configuration via Viper.
package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/chartsnap/internal/logging"
	"github.com/JakeFAU/chartsnap/internal/storage/local"
)

// EnvPrefix namespaces environment overrides, e.g. CHARTSNAP_SERVER_PORT.
const EnvPrefix = "CHARTSNAP"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     logging.Config    `mapstructure:"logging"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gate        GateConfig        `mapstructure:"gate"`
	Quota       QuotaConfig       `mapstructure:"quota"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	// Tenants seeds the in-memory tenant store when no database is configured.
	Tenants []TenantSeed `mapstructure:"tenants"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// AuthConfig guards the ops API. An empty key leaves the ops routes unmounted.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// PipelineConfig governs the capture workers.
type PipelineConfig struct {
	// Mode is "enabled" or "disabled"; disabled records alerts as skipped.
	Mode            string        `mapstructure:"mode"`
	Workers         int           `mapstructure:"workers"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	JobTimeout      time.Duration `mapstructure:"job_timeout"`
	LockDuration    time.Duration `mapstructure:"lock_duration"`
	StalledInterval time.Duration `mapstructure:"stalled_interval"`
	NotifyTimeout   time.Duration `mapstructure:"notify_timeout"`
	// JobsPerWindow paces jobs leaving the queue; 0 disables pacing.
	JobsPerWindow int           `mapstructure:"jobs_per_window"`
	JobWindow     time.Duration `mapstructure:"job_window"`
}

// BrowserConfig sizes the slot pool and the Chrome processes behind it.
type BrowserConfig struct {
	MinSlots          int           `mapstructure:"min_slots"`
	MaxSlots          int           `mapstructure:"max_slots"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	Warmup            bool          `mapstructure:"warmup"`
	WarmupURL         string        `mapstructure:"warmup_url"`
	WarmupTimeout     time.Duration `mapstructure:"warmup_timeout"`
	ReleaseTimeout    time.Duration `mapstructure:"release_timeout"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
}

// CaptureConfig points the strategies at the chart provider.
type CaptureConfig struct {
	ChartBaseURL   string        `mapstructure:"chart_base_url"`
	CookieDomain   string        `mapstructure:"cookie_domain"`
	RenderWait     time.Duration `mapstructure:"render_wait"`
	PublishURL     string        `mapstructure:"publish_url"`
	ShareBaseURL   string        `mapstructure:"share_base_url"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// QueueConfig selects and tunes the capture job queue.
type QueueConfig struct {
	// Backend is "memory" or "redis".
	Backend      string        `mapstructure:"backend"`
	Prefix       string        `mapstructure:"prefix"`
	Capacity     int           `mapstructure:"capacity"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retention    time.Duration `mapstructure:"retention"`
}

// RedisConfig is shared by the Redis queue and the Redis gate counter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// GateConfig holds the multi-tier rate gate ceilings.
type GateConfig struct {
	// Backend is "memory" or "redis".
	Backend   string `mapstructure:"backend"`
	Mode      string `mapstructure:"mode"`
	PerMinute int    `mapstructure:"per_minute"`
	PerHour   int    `mapstructure:"per_hour"`
	DailyFree int    `mapstructure:"daily_free"`
	DailyPro  int    `mapstructure:"daily_pro"`
	// Timezone defines where the daily window ends; empty means UTC.
	Timezone string `mapstructure:"timezone"`
}

// QuotaConfig selects how the monthly signal quota is enforced.
type QuotaConfig struct {
	Mode string `mapstructure:"mode"`
}

// StorageConfig selects where fallback chart images are written.
type StorageConfig struct {
	// Backend is "memory", "local", "gcs" or "s3".
	Backend     string       `mapstructure:"backend"`
	Prefix      string       `mapstructure:"prefix"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
	GCS         GCSConfig    `mapstructure:"gcs"`
	S3          S3Config     `mapstructure:"s3"`
}

// GCSConfig names the bucket for the gcs backend.
type GCSConfig struct {
	Bucket        string `mapstructure:"bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	CacheControl  string `mapstructure:"cache_control"`
}

// S3Config names the bucket and endpoint for the s3 backend.
type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	PathStyle     bool   `mapstructure:"path_style"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// DBConfig controls access to Postgres. An empty DSN selects memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AlertsTable     string        `mapstructure:"alerts_table"`
	TenantsTable    string        `mapstructure:"tenants_table"`
	Migrate         bool          `mapstructure:"migrate"`
}

// CredentialsConfig holds the master key that opens tenant session cookies.
type CredentialsConfig struct {
	// MasterKey is 64 hex characters.
	MasterKey string `mapstructure:"master_key"`
}

// NotifyConfig enables post-capture notifications.
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// TelegramConfig configures the Bot API client. Bot tokens are per tenant.
type TelegramConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PubSubConfig names the topic that receives alert summaries.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the pipeline event hub.
type ProgressConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	LogEnabled  bool          `mapstructure:"log_enabled"`
	Metrics     bool          `mapstructure:"metrics"`
	BufferSize  int           `mapstructure:"buffer_size"`
	BatchEvents int           `mapstructure:"batch_events"`
	BatchWait   time.Duration `mapstructure:"batch_wait"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// TenantSeed describes one tenant for the in-memory store. Session values
// are sealed with the master key (see the seal command).
type TenantSeed struct {
	ID                string `mapstructure:"id"`
	WebhookToken      string `mapstructure:"webhook_token"`
	Plan              string `mapstructure:"plan"`
	DefaultChartID    string `mapstructure:"default_chart_id"`
	SessionIDSealed   string `mapstructure:"session_id_sealed"`
	SessionSignSealed string `mapstructure:"session_sign_sealed"`
	Resolution        string `mapstructure:"resolution"`
	TelegramBotToken  string `mapstructure:"telegram_bot_token"`
	TelegramChatID    string `mapstructure:"telegram_chat_id"`
	Timezone          string `mapstructure:"timezone"`
	// SignalsQuota is the monthly signal allowance; 0 leaves it unlimited.
	SignalsQuota int `mapstructure:"signals_quota"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "60s")
	v.SetDefault("server.max_body_bytes", 64<<10)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("pipeline.mode", "enabled")
	v.SetDefault("pipeline.workers", 2)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.backoff_base", "5s")
	v.SetDefault("pipeline.backoff_max", "2m")
	v.SetDefault("pipeline.job_timeout", "90s")
	v.SetDefault("pipeline.lock_duration", "120s")
	v.SetDefault("pipeline.stalled_interval", "30s")
	v.SetDefault("pipeline.notify_timeout", "10s")
	v.SetDefault("pipeline.jobs_per_window", 10)
	v.SetDefault("pipeline.job_window", "1m")

	v.SetDefault("browser.min_slots", 2)
	v.SetDefault("browser.max_slots", 5)
	v.SetDefault("browser.idle_timeout", "30m")
	v.SetDefault("browser.cleanup_interval", "5m")
	v.SetDefault("browser.warmup", true)
	v.SetDefault("browser.warmup_url", "https://www.tradingview.com")
	v.SetDefault("browser.warmup_timeout", "20s")
	v.SetDefault("browser.release_timeout", "5s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "10s")

	v.SetDefault("capture.chart_base_url", "https://www.tradingview.com/chart/")
	v.SetDefault("capture.cookie_domain", ".tradingview.com")
	v.SetDefault("capture.render_wait", "3s")
	v.SetDefault("capture.publish_url", "https://www.tradingview.com/snapshot/")
	v.SetDefault("capture.share_base_url", "https://www.tradingview.com")
	v.SetDefault("capture.publish_timeout", "20s")

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.prefix", "chartsnap:capture")
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.retention", "24h")
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("gate.backend", "memory")
	v.SetDefault("gate.mode", "strict")
	v.SetDefault("gate.per_minute", 10)
	v.SetDefault("gate.per_hour", 100)
	v.SetDefault("gate.daily_free", 50)
	v.SetDefault("gate.daily_pro", 600)
	v.SetDefault("gate.timezone", "UTC")
	v.SetDefault("quota.mode", "strict")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "charts")
	v.SetDefault("storage.content_type", "image/png")

	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.alerts_table", "alerts")
	v.SetDefault("db.tenants_table", "tenants")
	v.SetDefault("db.migrate", false)

	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.base_url", "https://api.telegram.org")
	v.SetDefault("notify.telegram.timeout", "10s")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.metrics", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch_events", 64)
	v.SetDefault("progress.batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")

	// Keys without a useful default are registered so environment
	// overrides reach Unmarshal.
	for _, key := range []string{
		"auth.api_key",
		"credentials.master_key",
		"db.dsn",
		"redis.password",
		"browser.exec_path",
		"browser.user_agent",
		"storage.local.base_dir",
		"storage.local.public_base_url",
		"storage.gcs.bucket",
		"storage.gcs.public_base_url",
		"storage.gcs.cache_control",
		"storage.s3.bucket",
		"storage.s3.region",
		"storage.s3.endpoint",
		"storage.s3.public_base_url",
		"notify.pubsub.project_id",
		"notify.pubsub.topic",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("redis.db", 0)
	v.SetDefault("storage.s3.path_style", false)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocognit,gocyclo // Flat list of independent checks.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.request_timeout and server.shutdown_timeout must be > 0")
	}
	if err := oneOf("pipeline.mode", c.Pipeline.Mode, "enabled", "disabled"); err != nil {
		return err
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Pipeline.LockDuration <= 0 || c.Pipeline.JobTimeout <= 0 {
		return fmt.Errorf("pipeline.lock_duration and pipeline.job_timeout must be > 0")
	}
	if c.Browser.MaxSlots <= 0 || c.Browser.MinSlots < 0 || c.Browser.MinSlots > c.Browser.MaxSlots {
		return fmt.Errorf("browser slots must satisfy 0 <= min_slots <= max_slots and max_slots > 0")
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("gate.backend", c.Gate.Backend, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("gate.mode", c.Gate.Mode, "strict", "soft", "disabled"); err != nil {
		return err
	}
	if c.Gate.PerMinute <= 0 || c.Gate.PerHour <= 0 {
		return fmt.Errorf("gate.per_minute and gate.per_hour must be > 0")
	}
	if _, err := time.LoadLocation(c.Gate.Timezone); err != nil {
		return fmt.Errorf("gate.timezone: %w", err)
	}
	if err := oneOf("quota.mode", c.Quota.Mode, "strict", "soft", "disabled"); err != nil {
		return err
	}
	if (c.Queue.Backend == "redis" || c.Gate.Backend == "redis") && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for redis backends")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if c.Pipeline.Mode == "enabled" {
		if key, err := hex.DecodeString(c.Credentials.MasterKey); err != nil || len(key) != 32 {
			return fmt.Errorf("credentials.master_key must be 64 hex characters when the pipeline is enabled")
		}
	}
	if c.Notify.PubSub.Topic != "" && c.Notify.PubSub.ProjectID == "" {
		return fmt.Errorf("notify.pubsub.project_id is required when a topic is set")
	}
	for i, t := range c.Tenants {
		if t.ID == "" || t.WebhookToken == "" {
			return fmt.Errorf("tenants[%d]: id and webhook_token are required", i)
		}
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs, s3", c.Storage.Backend)
	}
	return nil
}

// GateLocation resolves the zone that bounds the daily window.
func (c Config) GateLocation() *time.Location {
	loc, err := time.LoadLocation(c.Gate.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q is not one of %s", key, value, strings.Join(allowed, ", "))
}
