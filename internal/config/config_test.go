package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/portside/anchor/internal/config"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Setenv("ANCHOR_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.KeyNamespace != "anchor" {
		t.Errorf("key namespace = %q", cfg.Redis.KeyNamespace)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("db driver = %q", cfg.Database.Driver)
	}
	if filepath.Base(cfg.Database.Path) != "anchor.db" {
		t.Errorf("db path = %q", cfg.Database.Path)
	}
	if got := cfg.LockTTL(); got != 30*time.Second {
		t.Errorf("lock ttl = %s", got)
	}
	if got := cfg.LockAcquireTimeout(); got != 10*time.Second {
		t.Errorf("acquire timeout = %s", got)
	}
	if got := cfg.LockPollInterval(); got != 100*time.Millisecond {
		t.Errorf("poll interval = %s", got)
	}
	if cfg.Webhook.MaxAttempts != 5 {
		t.Errorf("webhook max attempts = %d", cfg.Webhook.MaxAttempts)
	}
	want := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 24 * time.Hour}
	got := cfg.BackoffSchedule()
	if len(got) != len(want) {
		t.Fatalf("backoff schedule = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLoad_FromAnchorHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ANCHOR_HOME", home)

	yaml := `
log_level: debug
redis:
  addr: redis.internal:6380
  key_namespace: staging
lock:
  ttl_seconds: 45
  acquire_timeout_seconds: 5
  poll_interval_ms: 50
session:
  ttl_seconds: 600
  max_attempts: 4
webhook:
  max_attempts: 3
  backoff: ["30s", "2m"]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Redis.KeyNamespace != "staging" {
		t.Errorf("namespace = %q", cfg.Redis.KeyNamespace)
	}
	if got := cfg.LockTTL(); got != 45*time.Second {
		t.Errorf("lock ttl = %s", got)
	}
	if cfg.Session.MaxAttempts != 4 {
		t.Errorf("session max attempts = %d", cfg.Session.MaxAttempts)
	}
	if sched := cfg.BackoffSchedule(); len(sched) != 2 || sched[0] != 30*time.Second || sched[1] != 2*time.Minute {
		t.Errorf("backoff schedule = %v", sched)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ANCHOR_HOME", home)

	yaml := "redis:\n  addr: from-file:6379\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANCHOR_REDIS_ADDR", "from-env:6379")
	t.Setenv("ANCHOR_LOG_LEVEL", "warn")
	t.Setenv("ANCHOR_DB_DRIVER", "postgres")
	t.Setenv("ANCHOR_DB_DSN", "postgres://anchor@db/anchor?sslmode=disable")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "from-env:6379" {
		t.Errorf("redis addr = %q, env should win", cfg.Redis.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("db driver = %q", cfg.Database.Driver)
	}
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown driver",
			yaml: "database:\n  driver: oracle\n",
			want: "sqlite or postgres",
		},
		{
			name: "postgres without dsn",
			yaml: "database:\n  driver: postgres\n",
			want: "dsn",
		},
		{
			name: "poll interval too long",
			yaml: "lock:\n  poll_interval_ms: 1500\n",
			want: "below one second",
		},
		{
			name: "unparseable backoff",
			yaml: "webhook:\n  backoff: [\"soon\"]\n",
			want: "backoff",
		},
		{
			name: "telegram enabled without token",
			yaml: "alerts:\n  telegram:\n    enabled: true\n",
			want: "token",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("ANCHOR_HOME", home)
			if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(tc.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, err := config.Load()
			if err == nil {
				t.Fatal("expected load error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	t.Setenv("ANCHOR_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Fingerprint() != cfg.Fingerprint() {
		t.Fatal("fingerprint not stable across calls")
	}

	changed := cfg
	changed.Lock.TTLSeconds = 99
	if cfg.Fingerprint() == changed.Fingerprint() {
		t.Fatal("fingerprint did not change with lock ttl")
	}
}

func TestSave_RoundTrips(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ANCHOR_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Redis.KeyNamespace = "roundtrip"
	if err := cfg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := config.Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Redis.KeyNamespace != "roundtrip" {
		t.Errorf("namespace after roundtrip = %q", reloaded.Redis.KeyNamespace)
	}
}
