// Command redelivery_drill walks one webhook event through the full failure
// path on a temporary SQLite store: repeated failed deliveries, backoff
// scheduling, requeueing when due, and finally the dead-letter queue. It
// verifies the attempt accounting and terminal state at each step.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/portside/anchor/internal/webhook"
)

const eventID = "evt_redelivery_drill"

func main() {
	maxAttempts := flag.Int("max-attempts", 3, "attempt budget before dead-letter")
	backoff := flag.Duration("backoff", 50*time.Millisecond, "delay between redeliveries")
	flag.Parse()

	dir, err := os.MkdirTemp("", "anchor-drill-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tempdir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	store, err := webhook.Open(webhook.StoreConfig{DSN: filepath.Join(dir, "drill.db")})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	tracker, err := webhook.NewTracker(webhook.Config{
		Store:       store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxAttempts: *maxAttempts,
		Backoff:     []time.Duration{*backoff},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracker: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	evt := webhook.Event{
		ID:      eventID,
		Type:    webhook.TypePaymentFailed,
		Payload: json.RawMessage(`{"payment_id":"pay_drill","reason":"card_declined"}`),
	}

	pass := true
	for attempt := 1; attempt <= *maxAttempts; attempt++ {
		dec, err := tracker.BeginProcessing(ctx, evt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "begin attempt %d: %v\n", attempt, err)
			os.Exit(1)
		}
		if dec.Kind != webhook.DecisionAccepted {
			fmt.Printf("ATTEMPT_%d decision=%s (want accepted)\n", attempt, dec.Kind)
			pass = false
			break
		}

		outcome, err := tracker.MarkFailed(ctx, eventID, dec.LeaseOwner, errors.New("delivery refused"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "fail attempt %d: %v\n", attempt, err)
			os.Exit(1)
		}
		fmt.Printf("ATTEMPT_%d outcome=%s\n", attempt, outcome.Kind)

		if attempt < *maxAttempts {
			if outcome.Kind != webhook.OutcomeRetryScheduled {
				pass = false
			}
			// A retry before the backoff elapses must be refused.
			early, err := tracker.BeginProcessing(ctx, evt)
			if err != nil {
				fmt.Fprintf(os.Stderr, "early retry: %v\n", err)
				os.Exit(1)
			}
			if early.Kind != webhook.DecisionRetryWait {
				fmt.Printf("EARLY_RETRY decision=%s (want retry_wait)\n", early.Kind)
				pass = false
			}

			time.Sleep(*backoff + 20*time.Millisecond)
			requeued, err := tracker.RequeueDue(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "requeue due: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("REQUEUED=%d\n", len(requeued))
			if len(requeued) != 1 {
				pass = false
			}
		} else if outcome.Kind != webhook.OutcomeDeadLettered {
			pass = false
		}
	}

	rec, err := tracker.Get(ctx, eventID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("FINAL status=%s attempts=%d\n", rec.Status, rec.Attempts)
	if rec.Status != webhook.StatusDeadLetter || rec.Attempts != *maxAttempts {
		pass = false
	}

	// A dead-lettered event must refuse further processing until requeued.
	dec, err := tracker.BeginProcessing(ctx, evt)
	if err != nil {
		fmt.Fprintf(os.Stderr, "post-terminal begin: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("POST_TERMINAL decision=%s\n", dec.Kind)
	if dec.Kind != webhook.DecisionAlreadyTerminal {
		pass = false
	}

	// Operator requeue revives it.
	if err := tracker.Requeue(ctx, eventID); err != nil {
		fmt.Fprintf(os.Stderr, "requeue: %v\n", err)
		os.Exit(1)
	}
	rec, err = tracker.Get(ctx, eventID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get after requeue: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("REQUEUED status=%s\n", rec.Status)
	if rec.Status != webhook.StatusPending {
		pass = false
	}

	if !pass {
		fmt.Println("RESULT=FAIL")
		os.Exit(1)
	}
	fmt.Println("RESULT=PASS")
}
