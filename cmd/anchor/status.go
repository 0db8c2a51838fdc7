package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/portside/anchor/internal/config"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/lock"
	"github.com/portside/anchor/internal/webhook"
)

// runStatusCommand prints a one-shot summary of the shared coordination state:
// Redis reachability, active locks, live sessions, and webhook status counts.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: anchor status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	fmt.Printf("Anchor %s\n", Version)
	fmt.Printf("Home: %s (%s)\n", cfg.HomeDir, cfg.Fingerprint())

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
		fmt.Printf("Redis: unreachable (%v)\n", err)
	} else {
		defer store.Close()
		fmt.Println("Redis: ok")

		locks, err := lock.NewService(lock.Config{
			Store:     store,
			Logger:    quiet,
			Namespace: cfg.Redis.KeyNamespace,
		})
		if err == nil {
			if active, err := locks.ListActive(ctx, ""); err == nil {
				fmt.Printf("Active locks: %d\n", len(active))
			}
		}
		if ids, err := store.Keys(ctx, cfg.Redis.KeyNamespace+":session:"); err == nil {
			fmt.Printf("Live sessions: %d\n", len(ids))
		}
		if ids, err := store.Keys(ctx, cfg.Redis.KeyNamespace+":toolctx:"); err == nil {
			fmt.Printf("Active tool calls: %d\n", len(ids))
		}
	}

	dbStore, err := webhook.Open(webhook.StoreConfig{Driver: cfg.Database.Driver, DSN: databaseDSN(cfg)})
	if err != nil {
		fmt.Printf("Database: unreachable (%v)\n", err)
		return 1
	}
	defer dbStore.Close()

	tracker, err := webhook.NewTracker(webhook.Config{Store: dbStore, Logger: quiet})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracker: %v\n", err)
		return 1
	}
	stats, err := tracker.Stats(ctx)
	if err != nil {
		fmt.Printf("Database: query failed (%v)\n", err)
		return 1
	}
	fmt.Printf("Database: ok (%s)\n", cfg.Database.Driver)
	fmt.Printf("Webhooks: %d pending / %d processing / %d completed / %d failed / %d dead-lettered\n",
		stats[webhook.StatusPending],
		stats[webhook.StatusProcessing],
		stats[webhook.StatusCompleted],
		stats[webhook.StatusFailed],
		stats[webhook.StatusDeadLetter])
	return 0
}
