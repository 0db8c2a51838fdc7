package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/portside/anchor/internal/config"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nANCHOR_TEST_FRESH=from_env_file\nANCHOR_TEST_TAKEN=from_env_file\n\nNOT_A_PAIR\n=novalue\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("ANCHOR_TEST_TAKEN", "already_set")
	t.Setenv("ANCHOR_TEST_FRESH", "")
	os.Unsetenv("ANCHOR_TEST_FRESH")

	loadDotEnv(path)

	if got := os.Getenv("ANCHOR_TEST_FRESH"); got != "from_env_file" {
		t.Errorf("fresh var = %q, want from_env_file", got)
	}
	if got := os.Getenv("ANCHOR_TEST_TAKEN"); got != "already_set" {
		t.Errorf("existing var clobbered: %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsNoop(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestPrintWebhooksUsage(t *testing.T) {
	var buf bytes.Buffer
	printWebhooksUsage(&buf)
	out := buf.String()

	for _, action := range []string{"stats", "dead-letters", "show", "history", "requeue"} {
		if !strings.Contains(out, action) {
			t.Errorf("usage output missing action %q: %q", action, out)
		}
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "/tmp/anchor.db"
	cfg.Database.DSN = "postgres://ignored"
	if got := databaseDSN(cfg); got != "/tmp/anchor.db" {
		t.Errorf("sqlite dsn = %q, want the file path", got)
	}

	cfg.Database.Driver = "postgres"
	if got := databaseDSN(cfg); got != "postgres://ignored" {
		t.Errorf("postgres dsn = %q", got)
	}
}

func TestAlertChannels(t *testing.T) {
	cfg := config.Config{}
	if got := alertChannels(cfg, nil); len(got) != 0 {
		t.Fatalf("channels = %d, want none when telegram is off", len(got))
	}

	cfg.Alerts.Telegram.Enabled = true
	cfg.Alerts.Telegram.Token = "123:abc"
	cfg.Alerts.Telegram.ChatIDs = []int64{7}
	got := alertChannels(cfg, nil)
	if len(got) != 1 || got[0].Name() != "telegram" {
		t.Fatalf("channels = %+v, want one telegram channel", got)
	}
}
