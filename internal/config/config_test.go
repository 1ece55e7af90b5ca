package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 10s
auth:
  api_key: secret
logging:
  development: true
  level: debug
pipeline:
  workers: 4
  max_attempts: 5
  lock_duration: 45s
browser:
  min_slots: 1
  max_slots: 3
queue:
  backend: redis
gate:
  backend: redis
  mode: soft
  per_minute: 20
  timezone: America/New_York
redis:
  addr: redis:6379
storage:
  backend: s3
  s3:
    bucket: shots
    region: us-east-1
    path_style: true
credentials:
  master_key: ` + testMasterKey + `
notify:
  pubsub:
    project_id: proj
    topic: alerts
tenants:
  - id: tenant-1
    webhook_token: tok-abcdef123456
    plan: pro
    default_chart_id: xyz789
    signals_quota: -1
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 10*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 60*time.Second {
		t.Fatalf("expected default shutdown timeout, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Auth.APIKey != "secret" || !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected auth and logging overrides")
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.MaxAttempts != 5 || cfg.Pipeline.LockDuration != 45*time.Second {
		t.Fatalf("expected pipeline overrides, got %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.BackoffBase != 5*time.Second {
		t.Fatalf("expected default backoff base, got %v", cfg.Pipeline.BackoffBase)
	}
	if cfg.Gate.Mode != "soft" || cfg.Gate.PerMinute != 20 || cfg.Gate.PerHour != 100 {
		t.Fatalf("expected gate overrides merged with defaults, got %+v", cfg.Gate)
	}
	if cfg.GateLocation().String() != "America/New_York" {
		t.Fatalf("expected New York location, got %v", cfg.GateLocation())
	}
	if cfg.Storage.S3.Bucket != "shots" || !cfg.Storage.S3.PathStyle {
		t.Fatalf("expected s3 settings, got %+v", cfg.Storage.S3)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Plan != "pro" || cfg.Tenants[0].SignalsQuota != -1 {
		t.Fatalf("expected tenant seed, got %+v", cfg.Tenants)
	}
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("CHARTSNAP_CREDENTIALS_MASTER_KEY", testMasterKey)
	t.Setenv("CHARTSNAP_SERVER_PORT", "7070")
	t.Setenv("CHARTSNAP_GATE_PER_HOUR", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Gate.PerHour != 250 {
		t.Fatalf("expected env per_hour 250, got %d", cfg.Gate.PerHour)
	}
	if cfg.Queue.Backend != "memory" || cfg.Storage.Backend != "memory" || cfg.Pipeline.Mode != "enabled" {
		t.Fatalf("expected memory defaults, got queue=%s storage=%s", cfg.Queue.Backend, cfg.Storage.Backend)
	}
	if cfg.Browser.MinSlots != 2 || cfg.Browser.MaxSlots != 5 {
		t.Fatalf("expected 2..5 slots, got %d..%d", cfg.Browser.MinSlots, cfg.Browser.MaxSlots)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:      ServerConfig{Port: 8080, RequestTimeout: time.Second, ShutdownTimeout: time.Second},
		Pipeline:    PipelineConfig{Mode: "enabled", Workers: 1, MaxAttempts: 3, LockDuration: time.Minute, JobTimeout: time.Minute},
		Browser:     BrowserConfig{MinSlots: 1, MaxSlots: 2},
		Queue:       QueueConfig{Backend: "memory"},
		Gate:        GateConfig{Backend: "memory", Mode: "strict", PerMinute: 10, PerHour: 100, Timezone: "UTC"},
		Quota:       QuotaConfig{Mode: "strict"},
		Storage:     StorageConfig{Backend: "memory"},
		Credentials: CredentialsConfig{MasterKey: testMasterKey},
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown pipeline mode", mutate: func(c *Config) { c.Pipeline.Mode = "paused" }, want: "pipeline.mode"},
		{name: "no workers", mutate: func(c *Config) { c.Pipeline.Workers = 0 }, want: "pipeline.workers"},
		{name: "min above max", mutate: func(c *Config) { c.Browser.MinSlots = 3 }, want: "browser slots"},
		{name: "unknown queue", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, want: "queue.backend"},
		{name: "unknown gate mode", mutate: func(c *Config) { c.Gate.Mode = "lenient" }, want: "gate.mode"},
		{name: "bad timezone", mutate: func(c *Config) { c.Gate.Timezone = "Mars/Olympus" }, want: "gate.timezone"},
		{name: "redis without addr", mutate: func(c *Config) { c.Gate.Backend = "redis" }, want: "redis.addr"},
		{name: "local without dir", mutate: func(c *Config) { c.Storage.Backend = "local" }, want: "storage.local.base_dir"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs.bucket"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Backend = "ftp" }, want: "storage.backend"},
		{name: "short master key", mutate: func(c *Config) { c.Credentials.MasterKey = "abcd" }, want: "credentials.master_key"},
		{name: "topic without project", mutate: func(c *Config) { c.Notify.PubSub.Topic = "alerts" }, want: "notify.pubsub.project_id"},
		{name: "tenant without token", mutate: func(c *Config) { c.Tenants = []TenantSeed{{ID: "t"}} }, want: "tenants[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateSkipsMasterKeyWhenPipelineDisabled(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Pipeline.Mode = "disabled"
	cfg.Credentials.MasterKey = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected disabled pipeline to need no key, got %v", err)
	}
}
