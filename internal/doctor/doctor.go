// Package doctor runs preflight diagnostics: can the process reach Redis and
// the database, take and release a lock, and write to its home directory. The
// CLI prints the results; nothing here mutates state beyond probe keys that
// are deleted before returning.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/portside/anchor/internal/config"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/lock"
	"github.com/portside/anchor/internal/webhook"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. WARN and SKIP do not count as
// failures.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

// Run executes all diagnostic checks. The Redis connection is shared between
// the key-value and lock checks so a broken Redis fails both with one dial.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg))
	d.Results = append(d.Results, checkHomeDir(cfg))

	store, redisResult := checkRedis(ctx, cfg)
	d.Results = append(d.Results, redisResult)
	if store != nil {
		defer store.Close()
	}
	d.Results = append(d.Results, checkClock(ctx, store))
	d.Results = append(d.Results, checkLock(ctx, cfg, store))
	d.Results = append(d.Results, checkDatabase(ctx, cfg))
	d.Results = append(d.Results, checkAlerts(cfg))

	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkHomeDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home Dir", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home Dir", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Home Dir", Status: "PASS", Message: "Home directory writable"}
}

// checkRedis dials Redis and walks a probe key through set, get, and delete.
// The connected store is returned for the lock check to reuse.
func checkRedis(ctx context.Context, cfg *config.Config) (*kv.RedisStore, CheckResult) {
	if cfg == nil {
		return nil, CheckResult{Name: "Redis", Status: "SKIP", Message: "Config missing"}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	store, err := kv.NewRedisStore(dialCtx, kv.RedisConfig{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return nil, CheckResult{Name: "Redis", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}

	probe := fmt.Sprintf("%s:doctor:%s", cfg.Redis.KeyNamespace, uuid.NewString())
	start := time.Now()
	if err := store.Set(ctx, probe, "ok", 10*time.Second); err != nil {
		return store, CheckResult{Name: "Redis", Status: "FAIL", Message: fmt.Sprintf("SET failed: %v", err)}
	}
	val, err := store.Get(ctx, probe)
	if err != nil || val != "ok" {
		return store, CheckResult{Name: "Redis", Status: "FAIL", Message: fmt.Sprintf("GET failed: val=%q err=%v", val, err)}
	}
	if _, err := store.Del(ctx, probe); err != nil {
		return store, CheckResult{Name: "Redis", Status: "FAIL", Message: fmt.Sprintf("DEL failed: %v", err)}
	}

	return store, CheckResult{
		Name:    "Redis",
		Status:  "PASS",
		Message: fmt.Sprintf("Roundtrip ok (%dms)", time.Since(start).Milliseconds()),
		Detail:  fmt.Sprintf("namespace=%s", cfg.Redis.KeyNamespace),
	}
}

// checkClock compares the local clock against Redis TIME. Lock TTLs are
// enforced by the Redis clock, so large skew silently shortens or stretches
// every lease.
func checkClock(ctx context.Context, store *kv.RedisStore) CheckResult {
	if store == nil {
		return CheckResult{Name: "Clock", Status: "SKIP", Message: "Redis unavailable"}
	}

	before := time.Now()
	serverTime, err := store.ServerTime(ctx)
	if err != nil {
		return CheckResult{Name: "Clock", Status: "FAIL", Message: fmt.Sprintf("TIME failed: %v", err)}
	}
	rtt := time.Since(before)
	skew := serverTime.Sub(before.Add(rtt / 2))
	if skew < 0 {
		skew = -skew
	}

	if skew > time.Second {
		return CheckResult{
			Name:    "Clock",
			Status:  "WARN",
			Message: fmt.Sprintf("Clock skew vs Redis is %s", skew.Round(time.Millisecond)),
			Detail:  "Lock TTLs and lease expiries assume closely synchronized clocks",
		}
	}
	return CheckResult{
		Name:    "Clock",
		Status:  "PASS",
		Message: fmt.Sprintf("Skew vs Redis within %s", skew.Round(time.Millisecond)),
	}
}

// checkLock takes and releases a real lock on the shared store. A leaked
// probe lock self-expires after its short TTL.
func checkLock(ctx context.Context, cfg *config.Config, store *kv.RedisStore) CheckResult {
	if cfg == nil || store == nil {
		return CheckResult{Name: "Lock", Status: "SKIP", Message: "Redis unavailable"}
	}

	svc, err := lock.NewService(lock.Config{
		Store:          store,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Namespace:      cfg.Redis.KeyNamespace,
		TTL:            10 * time.Second,
		AcquireTimeout: 2 * time.Second,
		PollInterval:   50 * time.Millisecond,
	})
	if err != nil {
		return CheckResult{Name: "Lock", Status: "FAIL", Message: fmt.Sprintf("Service init failed: %v", err)}
	}

	key := "doctor:" + uuid.NewString()
	start := time.Now()
	h, err := svc.Acquire(ctx, key)
	if err != nil {
		return CheckResult{Name: "Lock", Status: "FAIL", Message: fmt.Sprintf("Acquire failed: %v", err)}
	}
	if err := svc.Release(ctx, h); err != nil {
		return CheckResult{Name: "Lock", Status: "FAIL", Message: fmt.Sprintf("Release failed: %v", err)}
	}

	return CheckResult{
		Name:    "Lock",
		Status:  "PASS",
		Message: fmt.Sprintf("Acquire/release roundtrip ok (%dms)", time.Since(start).Milliseconds()),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "sqlite" {
		dsn = cfg.Database.Path
	}
	store, err := webhook.Open(webhook.StoreConfig{Driver: cfg.Database.Driver, DSN: dsn})
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema check failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: fmt.Sprintf("Connection and schema valid (v%d)", version),
		Detail:  fmt.Sprintf("driver=%s", cfg.Database.Driver),
	}
}

func checkAlerts(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Alerts", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Alerts.Telegram.Enabled {
		if len(cfg.Alerts.Telegram.ChatIDs) == 0 {
			return CheckResult{
				Name:    "Alerts",
				Status:  "WARN",
				Message: "Telegram enabled but no chat_ids configured",
				Detail:  "Dead-letter alerts will be sent nowhere",
			}
		}
		return CheckResult{
			Name:    "Alerts",
			Status:  "PASS",
			Message: fmt.Sprintf("Telegram channel configured (%d chats)", len(cfg.Alerts.Telegram.ChatIDs)),
		}
	}
	return CheckResult{
		Name:    "Alerts",
		Status:  "WARN",
		Message: "No external alert channel; dead letters go to the log only",
	}
}
