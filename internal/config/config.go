// Package config loads the anchor configuration from config.yaml under the
// anchor home directory, applies environment overrides, and validates the
// result before any service starts.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig locates the shared key-value store every coordination primitive
// runs on. URL wins over Addr when both are set.
type RedisConfig struct {
	URL          string `yaml:"url"`      // redis:// URL, overrides addr/password/db
	Addr         string `yaml:"addr"`     // host:port
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	KeyNamespace string `yaml:"key_namespace"` // prefix for every key anchor writes
}

// DatabaseConfig locates the durable store of record for webhook processing
// state.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // postgres connection string
	Path   string `yaml:"path"`   // sqlite file, defaults to <home>/anchor.db
}

// LockConfig tunes the distributed lock service.
type LockConfig struct {
	TTLSeconds            int `yaml:"ttl_seconds"`
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`
	PollIntervalMS        int `yaml:"poll_interval_ms"`
}

// SessionConfig tunes session document lifetime and task retry budgets.
type SessionConfig struct {
	TTLSeconds  int `yaml:"ttl_seconds"` // idle lifetime before a session expires
	MaxAttempts int `yaml:"max_attempts"`
}

// ToolCtxConfig bounds how long an orphaned tool-call context may linger.
type ToolCtxConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
}

// WebhookConfig tunes idempotency tracking and redelivery.
type WebhookConfig struct {
	MaxAttempts               int      `yaml:"max_attempts"`
	Backoff                   []string `yaml:"backoff"` // Go durations, e.g. "1m", "5m"
	ProcessingLeaseSeconds    int      `yaml:"processing_lease_seconds"`
	RedeliveryIntervalSeconds int      `yaml:"redelivery_interval_seconds"`
	RetentionDays             int      `yaml:"retention_days"`
	PurgeSchedule             string   `yaml:"purge_schedule"` // 5-field cron expression

	// backoffDurations is filled from Backoff during validation.
	backoffDurations []time.Duration
}

// TelegramConfig configures the dead-letter alert channel.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

// AlertsConfig configures where dead-letter alerts go.
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig configures tracing and metrics export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Lock     LockConfig     `yaml:"lock"`
	Session  SessionConfig  `yaml:"session"`
	ToolCtx  ToolCtxConfig  `yaml:"toolctx"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Otel     OtelConfig     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:         "127.0.0.1:6379",
			KeyNamespace: "anchor",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Lock: LockConfig{
			TTLSeconds:            30,
			AcquireTimeoutSeconds: 10,
			PollIntervalMS:        100,
		},
		Session: SessionConfig{
			TTLSeconds:  int((2 * time.Hour).Seconds()),
			MaxAttempts: 3,
		},
		ToolCtx: ToolCtxConfig{
			TTLSeconds: int((15 * time.Minute).Seconds()),
		},
		Webhook: WebhookConfig{
			MaxAttempts:               5,
			Backoff:                   []string{"1m", "5m", "30m", "2h", "24h"},
			ProcessingLeaseSeconds:    int((5 * time.Minute).Seconds()),
			RedeliveryIntervalSeconds: 60,
			RetentionDays:             90,
			PurgeSchedule:             "0 3 * * *",
		},
	}
}

// HomeDir returns the anchor data directory, honoring ANCHOR_HOME.
func HomeDir() string {
	if override := os.Getenv("ANCHOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".anchor")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the anchor home (creating the directory when
// missing), applies env overrides, fills defaults, and validates. A missing
// config.yaml is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create anchor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config back to config.yaml.
func (c Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ANCHOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ANCHOR_REDIS_URL"); raw != "" {
		cfg.Redis.URL = raw
	}
	if raw := os.Getenv("ANCHOR_REDIS_ADDR"); raw != "" {
		cfg.Redis.Addr = raw
	}
	if raw := os.Getenv("ANCHOR_REDIS_PASSWORD"); raw != "" {
		cfg.Redis.Password = raw
	}
	if raw := os.Getenv("ANCHOR_REDIS_DB"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Redis.DB = v
		}
	}
	if raw := os.Getenv("ANCHOR_KEY_NAMESPACE"); raw != "" {
		cfg.Redis.KeyNamespace = raw
	}
	if raw := os.Getenv("ANCHOR_DB_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := os.Getenv("ANCHOR_DB_DSN"); raw != "" {
		cfg.Database.DSN = raw
	}
	if raw := os.Getenv("ANCHOR_DB_PATH"); raw != "" {
		cfg.Database.Path = raw
	}
	if raw := os.Getenv("ANCHOR_TELEGRAM_TOKEN"); raw != "" {
		cfg.Alerts.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Redis.URL == "" && strings.TrimSpace(cfg.Redis.Addr) == "" {
		cfg.Redis.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.Redis.KeyNamespace) == "" {
		cfg.Redis.KeyNamespace = "anchor"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(cfg.HomeDir, "anchor.db")
	}
	if cfg.Lock.TTLSeconds <= 0 {
		cfg.Lock.TTLSeconds = 30
	}
	if cfg.Lock.AcquireTimeoutSeconds <= 0 {
		cfg.Lock.AcquireTimeoutSeconds = 10
	}
	if cfg.Lock.PollIntervalMS <= 0 {
		cfg.Lock.PollIntervalMS = 100
	}
	if cfg.Session.TTLSeconds <= 0 {
		cfg.Session.TTLSeconds = int((2 * time.Hour).Seconds())
	}
	if cfg.Session.MaxAttempts <= 0 {
		cfg.Session.MaxAttempts = 3
	}
	if cfg.ToolCtx.TTLSeconds <= 0 {
		cfg.ToolCtx.TTLSeconds = int((15 * time.Minute).Seconds())
	}
	if cfg.Webhook.MaxAttempts <= 0 {
		cfg.Webhook.MaxAttempts = 5
	}
	if len(cfg.Webhook.Backoff) == 0 {
		cfg.Webhook.Backoff = []string{"1m", "5m", "30m", "2h", "24h"}
	}
	if cfg.Webhook.ProcessingLeaseSeconds <= 0 {
		cfg.Webhook.ProcessingLeaseSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Webhook.RedeliveryIntervalSeconds <= 0 {
		cfg.Webhook.RedeliveryIntervalSeconds = 60
	}
	if cfg.Webhook.RetentionDays <= 0 {
		cfg.Webhook.RetentionDays = 90
	}
	if strings.TrimSpace(cfg.Webhook.PurgeSchedule) == "" {
		cfg.Webhook.PurgeSchedule = "0 3 * * *"
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q must be sqlite or postgres", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "postgres" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required for the postgres driver")
	}
	if cfg.Lock.PollIntervalMS >= 1000 {
		return fmt.Errorf("lock.poll_interval_ms (%d) must stay below one second", cfg.Lock.PollIntervalMS)
	}
	cfg.Webhook.backoffDurations = make([]time.Duration, 0, len(cfg.Webhook.Backoff))
	for _, raw := range cfg.Webhook.Backoff {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("webhook.backoff entry %q: %w", raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("webhook.backoff entry %q must be positive", raw)
		}
		cfg.Webhook.backoffDurations = append(cfg.Webhook.backoffDurations, d)
	}
	if cfg.Alerts.Telegram.Enabled && strings.TrimSpace(cfg.Alerts.Telegram.Token) == "" {
		return fmt.Errorf("alerts.telegram.token is required when the channel is enabled")
	}
	return nil
}

// LockTTL returns the default lock lifetime.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// LockAcquireTimeout returns how long acquire polls before giving up.
func (c Config) LockAcquireTimeout() time.Duration {
	return time.Duration(c.Lock.AcquireTimeoutSeconds) * time.Second
}

// LockPollInterval returns the base retry cadence while a lock is contended.
func (c Config) LockPollInterval() time.Duration {
	return time.Duration(c.Lock.PollIntervalMS) * time.Millisecond
}

// SessionTTL returns the session document idle lifetime.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

// ToolCtxTTL returns the tool-call context lifetime.
func (c Config) ToolCtxTTL() time.Duration {
	return time.Duration(c.ToolCtx.TTLSeconds) * time.Second
}

// ProcessingLease returns how long a worker may hold a webhook event.
func (c Config) ProcessingLease() time.Duration {
	return time.Duration(c.Webhook.ProcessingLeaseSeconds) * time.Second
}

// RedeliveryInterval returns the scheduler's redelivery scan cadence.
func (c Config) RedeliveryInterval() time.Duration {
	return time.Duration(c.Webhook.RedeliveryIntervalSeconds) * time.Second
}

// WebhookRetention returns how long terminal webhook rows are kept.
func (c Config) WebhookRetention() time.Duration {
	return time.Duration(c.Webhook.RetentionDays) * 24 * time.Hour
}

// BackoffSchedule returns the parsed redelivery delays. Only valid after Load.
func (c Config) BackoffSchedule() []time.Duration {
	return c.Webhook.backoffDurations
}

// Fingerprint returns a stable hash of the load-bearing config so operators
// can tell at a glance whether two processes run the same settings.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "redis=%s%s/%d|ns=%s|db=%s|lock=%d/%d/%d|session=%d/%d|toolctx=%d|webhook=%d/%v/%d|log=%s",
		c.Redis.URL, c.Redis.Addr, c.Redis.DB, c.Redis.KeyNamespace,
		c.Database.Driver,
		c.Lock.TTLSeconds, c.Lock.AcquireTimeoutSeconds, c.Lock.PollIntervalMS,
		c.Session.TTLSeconds, c.Session.MaxAttempts,
		c.ToolCtx.TTLSeconds,
		c.Webhook.MaxAttempts, c.Webhook.Backoff, c.Webhook.RetentionDays,
		c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
