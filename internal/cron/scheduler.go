// Package cron runs the periodic maintenance that keeps the coordination
// layer healthy: releasing crashed workers' webhook leases, requeueing due
// retries, purging terminal rows past retention, and sweeping expired keys
// out of in-memory stores.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/portside/anchor/internal/kv"
	otelPkg "github.com/portside/anchor/internal/otel"
	"github.com/portside/anchor/internal/webhook"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Tracker *webhook.Tracker // required
	Sweeper kv.Sweeper       // optional; set when the kv store needs manual expiry collection
	Logger  *slog.Logger
	Metrics *otelPkg.Metrics // optional

	Interval      time.Duration // redelivery scan cadence; defaults to 1 minute
	PurgeSchedule string        // cron expression for the retention purge; defaults to "0 3 * * *"
	Retention     time.Duration // how long terminal webhook rows are kept; defaults to 90 days
}

// Scheduler ticks at the configured interval: every tick recovers expired
// processing leases and requeues due retries; when the purge schedule fires it
// also drops terminal rows older than the retention window.
type Scheduler struct {
	tracker   *webhook.Tracker
	sweeper   kv.Sweeper
	logger    *slog.Logger
	metrics   *otelPkg.Metrics
	interval  time.Duration
	retention time.Duration

	purgeExpr   string
	nextPurgeAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config. The purge schedule
// is validated here so a typo fails startup, not the 3am run.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	purgeExpr := cfg.PurgeSchedule
	if purgeExpr == "" {
		purgeExpr = "0 3 * * *"
	}
	nextPurge, err := NextRunTime(purgeExpr, time.Now())
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		tracker:     cfg.Tracker,
		sweeper:     cfg.Sweeper,
		logger:      logger.With("component", "scheduler"),
		metrics:     cfg.Metrics,
		interval:    interval,
		retention:   retention,
		purgeExpr:   purgeExpr,
		nextPurgeAt: nextPurge,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		"interval", s.interval,
		"purge_schedule", s.purgeExpr,
		"retention", s.retention)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one maintenance pass.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	if s.sweeper != nil {
		if swept := s.sweeper.Sweep(); swept > 0 {
			s.logger.Debug("expired keys swept", "count", swept)
		}
	}

	released, err := s.tracker.ReleaseExpired(ctx)
	if err != nil {
		s.logger.Error("failed to release expired leases", "error", err)
	} else if len(released) > 0 {
		s.logger.Info("crashed worker leases released", "count", len(released))
	}

	requeued, err := s.tracker.RequeueDue(ctx)
	if err != nil {
		s.logger.Error("failed to requeue due webhooks", "error", err)
	} else if len(requeued) > 0 {
		s.logger.Info("due webhooks requeued for redelivery", "count", len(requeued))
	}

	if !now.Before(s.nextPurgeAt) {
		s.purge(ctx, now)
	}

	if s.metrics != nil {
		s.metrics.SchedulerTicks.Add(ctx, 1)
	}
}

// purge drops terminal rows older than the retention window and advances the
// purge schedule.
func (s *Scheduler) purge(ctx context.Context, now time.Time) {
	purged, err := s.tracker.PurgeTerminal(ctx, s.retention)
	if err != nil {
		s.logger.Error("retention purge failed", "error", err)
		// Fall through: still advance the schedule so a broken store does not
		// trigger a purge attempt on every tick.
	} else if purged > 0 {
		s.logger.Info("retention purge completed", "purged", purged)
	}

	next, err := NextRunTime(s.purgeExpr, now)
	if err != nil {
		// Validated in NewScheduler; only reachable if the expression never
		// matches again.
		s.logger.Error("failed to compute next purge time", "cron_expr", s.purgeExpr, "error", err)
		return
	}
	s.nextPurgeAt = next
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
