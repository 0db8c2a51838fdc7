package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/portside/anchor/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ANCHOR_HOME", t.TempDir())
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := testConfig(t)
	result := checkConfig(cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
	if result.Detail == "" {
		t.Fatal("expected fingerprint detail")
	}
}

func TestCheckHomeDir_Writable(t *testing.T) {
	cfg := testConfig(t)
	result := checkHomeDir(cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckHomeDir_Unwritable(t *testing.T) {
	cfg := testConfig(t)
	cfg.HomeDir = filepath.Join(cfg.HomeDir, "does", "not", "exist")
	result := checkHomeDir(cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for missing dir, got %s", result.Status)
	}
}

func TestCheckDatabase_SQLite(t *testing.T) {
	cfg := testConfig(t)
	result := checkDatabase(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestCheckRedis_Unreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1" // nothing listens here
	store, result := checkRedis(context.Background(), cfg)
	if store != nil {
		store.Close()
	}
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for unreachable redis, got %s", result.Status)
	}
}

func TestCheckLock_SkipsWithoutRedis(t *testing.T) {
	cfg := testConfig(t)
	result := checkLock(context.Background(), cfg, nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without a store, got %s", result.Status)
	}
}

func TestCheckClock_SkipsWithoutRedis(t *testing.T) {
	result := checkClock(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP without a store, got %s", result.Status)
	}
}

func TestCheckAlerts(t *testing.T) {
	cfg := testConfig(t)

	result := checkAlerts(cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN with no channel, got %s", result.Status)
	}

	cfg.Alerts.Telegram.Enabled = true
	cfg.Alerts.Telegram.Token = "123:abc"
	result = checkAlerts(cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN with no chat ids, got %s", result.Status)
	}

	cfg.Alerts.Telegram.ChatIDs = []int64{42}
	result = checkAlerts(cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", result.Status, result.Message)
	}
}

func TestDiagnosis_Healthy(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{
		{Status: "PASS"}, {Status: "WARN"}, {Status: "SKIP"},
	}}
	if !d.Healthy() {
		t.Fatal("WARN and SKIP should not mark the diagnosis unhealthy")
	}
	d.Results = append(d.Results, CheckResult{Status: "FAIL"})
	if d.Healthy() {
		t.Fatal("FAIL should mark the diagnosis unhealthy")
	}
}
