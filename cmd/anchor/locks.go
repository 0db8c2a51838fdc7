package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/portside/anchor/internal/config"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/lock"
)

// runLocksCommand lists the active distributed locks, optionally filtered by
// key prefix.
func runLocksCommand(ctx context.Context, args []string) int {
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: anchor locks [prefix]")
		return 2
	}
	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := kv.NewRedisStore(dialCtx, kv.RedisConfig{
		URL:      cfg.Redis.URL,
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Logger:   quiet,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer store.Close()

	svc, err := lock.NewService(lock.Config{
		Store:     store,
		Logger:    quiet,
		Namespace: cfg.Redis.KeyNamespace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock service: %v\n", err)
		return 1
	}

	infos, err := svc.ListActive(ctx, prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list locks: %v\n", err)
		return 1
	}
	if len(infos) == 0 {
		fmt.Println("no active locks")
		return 0
	}

	header := fmt.Sprintf("%-40s %-38s %s", "KEY", "OWNER", "REMAINING")
	if stdoutIsTerminal() {
		header = lipgloss.NewStyle().Bold(true).Render(header)
	}
	fmt.Println(header)
	for _, info := range infos {
		remaining := "no expiry"
		if info.Remaining >= 0 {
			remaining = info.Remaining.Truncate(time.Millisecond).String()
		}
		fmt.Printf("%-40s %-38s %s\n", info.Key, info.Owner, remaining)
	}
	return 0
}
