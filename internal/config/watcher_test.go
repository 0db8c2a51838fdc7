package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portside/anchor/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()

	configPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write at short intervals until the watcher produces an event;
	// filesystem notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(homeDir, "config.yaml"), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
