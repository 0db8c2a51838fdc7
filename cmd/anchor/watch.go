package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/portside/anchor/internal/bus"
	"github.com/portside/anchor/internal/config"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/lock"
	"github.com/portside/anchor/internal/tui"
	"github.com/portside/anchor/internal/webhook"
)

// runWatchCommand runs the live monitor. The daemon's event bus is in-process,
// so a separate watch process reconstructs events by polling shared state and
// diffing: lock keys appearing and disappearing, webhook records changing
// status.
func runWatchCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: anchor watch")
		return 2
	}
	if !stdoutIsTerminal() {
		fmt.Fprintln(os.Stderr, "watch needs a terminal")
		return 1
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

	locks, err := lock.NewService(lock.Config{
		Store:     store,
		Logger:    quiet,
		Namespace: cfg.Redis.KeyNamespace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock service: %v\n", err)
		return 1
	}

	dbStore, err := webhook.Open(webhook.StoreConfig{Driver: cfg.Database.Driver, DSN: databaseDSN(cfg)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		return 1
	}
	defer dbStore.Close()
	tracker, err := webhook.NewTracker(webhook.Config{Store: dbStore, Logger: quiet})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracker: %v\n", err)
		return 1
	}

	eventBus := bus.New()
	poller := &watchPoller{
		bus:      eventBus,
		locks:    locks,
		tracker:  tracker,
		interval: time.Second,
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go poller.run(runCtx)

	if err := tui.Run(runCtx, eventBus); err != nil && runCtx.Err() == nil {
		fmt.Fprintf(os.Stderr, "monitor: %v\n", err)
		return 1
	}
	return 0
}

// watchPoller turns state snapshots into bus events. It sees only coarse
// changes between polls; short-lived locks that come and go within one
// interval are invisible, which is fine for a monitor.
type watchPoller struct {
	bus      *bus.Bus
	locks    *lock.Service
	tracker  *webhook.Tracker
	interval time.Duration

	prevLocks map[string]string         // key -> owner
	prevHooks map[string]webhook.Status // event id -> status
}

func (p *watchPoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.poll(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, false)
		}
	}
}

func (p *watchPoller) poll(ctx context.Context, first bool) {
	if infos, err := p.locks.ListActive(ctx, ""); err == nil {
		current := make(map[string]string, len(infos))
		for _, info := range infos {
			current[info.Key] = info.Owner
			if _, known := p.prevLocks[info.Key]; !known && !first {
				p.bus.Publish(bus.TopicLockAcquired, bus.LockEvent{Key: info.Key, Owner: info.Owner})
			}
		}
		for key, owner := range p.prevLocks {
			if _, still := current[key]; !still {
				p.bus.Publish(bus.TopicLockReleased, bus.LockEvent{Key: key, Owner: owner})
			}
		}
		p.prevLocks = current
	}

	current := make(map[string]webhook.Status)
	for _, status := range []webhook.Status{
		webhook.StatusPending,
		webhook.StatusProcessing,
		webhook.StatusCompleted,
		webhook.StatusFailed,
		webhook.StatusDeadLetter,
	} {
		records, err := p.tracker.ListByStatus(ctx, status, 200)
		if err != nil {
			continue
		}
		for _, rec := range records {
			current[rec.EventID] = rec.Status
			prev, known := p.prevHooks[rec.EventID]
			if first || (known && prev == rec.Status) {
				continue
			}
			p.publishWebhook(rec)
		}
	}
	p.prevHooks = current
}

func (p *watchPoller) publishWebhook(rec webhook.Record) {
	ev := bus.WebhookEvent{
		EventID:   rec.EventID,
		EventType: rec.EventType,
		TenantID:  rec.TenantID,
		Status:    string(rec.Status),
		Attempts:  rec.Attempts,
		Error:     rec.LastError,
	}
	switch rec.Status {
	case webhook.StatusCompleted:
		p.bus.Publish(bus.TopicWebhookCompleted, ev)
	case webhook.StatusFailed:
		p.bus.Publish(bus.TopicWebhookRetryScheduled, ev)
	case webhook.StatusDeadLetter:
		p.bus.Publish(bus.TopicWebhookDeadLetter, ev)
	default:
		p.bus.Publish(bus.TopicWebhookAccepted, ev)
	}
}
