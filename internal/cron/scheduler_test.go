package cron_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/portside/anchor/internal/cron"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/webhook"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func newTestTracker(t *testing.T, cfg webhook.Config) *webhook.Tracker {
	t.Helper()
	if cfg.Store == nil {
		store, err := webhook.Open(webhook.StoreConfig{DSN: filepath.Join(t.TempDir(), "anchor.db")})
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		cfg.Store = store
	}
	tracker, err := webhook.NewTracker(cfg)
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	return tracker
}

func failOnce(t *testing.T, tracker *webhook.Tracker, id string) {
	t.Helper()
	ctx := context.Background()
	dec, err := tracker.BeginProcessing(ctx, webhook.Event{
		ID:      id,
		Type:    webhook.TypePaymentFailed,
		Payload: json.RawMessage(`{"payment_id":"pay_9","reason":"card_declined"}`),
	})
	if err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	if dec.Kind != webhook.DecisionAccepted {
		t.Fatalf("decision = %s, want accepted", dec.Kind)
	}
	if _, err := tracker.MarkFailed(ctx, id, dec.LeaseOwner, nil); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
}

func TestScheduler_RequeuesDueFailures(t *testing.T) {
	tracker := newTestTracker(t, webhook.Config{
		Backoff: []time.Duration{20 * time.Millisecond},
	})
	failOnce(t, tracker, "evt-due")

	sched, err := cron.NewScheduler(cron.Config{
		Tracker:  tracker,
		Interval: 25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		rec, err := tracker.Get(context.Background(), "evt-due")
		return err == nil && rec.Status == webhook.StatusPending
	})
}

func TestScheduler_ReleasesExpiredLeases(t *testing.T) {
	tracker := newTestTracker(t, webhook.Config{
		ProcessingLease: 20 * time.Millisecond,
	})
	ctx := context.Background()
	dec, err := tracker.BeginProcessing(ctx, webhook.Event{
		ID:      "evt-crashed",
		Type:    webhook.TypePaymentSucceeded,
		Payload: json.RawMessage(`{"payment_id":"pay_1","amount":100,"currency":"USD"}`),
	})
	if err != nil || dec.Kind != webhook.DecisionAccepted {
		t.Fatalf("begin processing: dec=%v err=%v", dec, err)
	}
	// Never MarkCompleted: the worker "crashed" holding the lease.

	sched, err := cron.NewScheduler(cron.Config{
		Tracker:  tracker,
		Interval: 25 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(runCtx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		rec, err := tracker.Get(context.Background(), "evt-crashed")
		return err == nil && rec.Status == webhook.StatusPending
	})
}

// countingSweeper records sweep invocations so the test can observe the
// scheduler driving expiry collection.
type countingSweeper struct {
	store *kv.MemoryStore
	calls atomic.Int32
	swept atomic.Int32
}

func (c *countingSweeper) Sweep() int {
	c.calls.Add(1)
	n := c.store.Sweep()
	c.swept.Add(int32(n))
	return n
}

func TestScheduler_SweepsMemoryStore(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, "anchor:cache:gone", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	sweeper := &countingSweeper{store: store}
	tracker := newTestTracker(t, webhook.Config{})
	sched, err := cron.NewScheduler(cron.Config{
		Tracker:  tracker,
		Sweeper:  sweeper,
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(runCtx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return sweeper.calls.Load() >= 2 && sweeper.swept.Load() >= 1
	})
}

func TestNewScheduler_RejectsBadPurgeSchedule(t *testing.T) {
	tracker := newTestTracker(t, webhook.Config{})
	if _, err := cron.NewScheduler(cron.Config{
		Tracker:       tracker,
		PurgeSchedule: "not a cron expr",
	}); err == nil {
		t.Fatal("expected error for malformed purge schedule")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
}
