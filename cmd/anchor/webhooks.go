package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/portside/anchor/internal/config"
	"github.com/portside/anchor/internal/shared"
	"github.com/portside/anchor/internal/webhook"
)

func printWebhooksUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: anchor webhooks <action>

actions:
  stats                 Status counts across all tracked events
  dead-letters [n]      List dead-lettered events (default 20)
  show <event-id>       Full record for one event
  history <event-id>    Status transition log for one event
  requeue <event-id>    Put a dead-lettered or stuck event back in the queue`)
}

func runWebhooksCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printWebhooksUsage(os.Stderr)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	store, err := webhook.Open(webhook.StoreConfig{Driver: cfg.Database.Driver, DSN: databaseDSN(cfg)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		return 1
	}
	defer store.Close()

	tracker, err := webhook.NewTracker(webhook.Config{
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracker: %v\n", err)
		return 1
	}

	switch args[0] {
	case "stats":
		return webhookStats(ctx, tracker)
	case "dead-letters":
		limit := 20
		if len(args) > 1 {
			if _, err := fmt.Sscanf(args[1], "%d", &limit); err != nil || limit <= 0 {
				fmt.Fprintf(os.Stderr, "invalid limit %q\n", args[1])
				return 2
			}
		}
		return webhookDeadLetters(ctx, tracker, limit)
	case "show":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: anchor webhooks show <event-id>")
			return 2
		}
		return webhookShow(ctx, tracker, args[1])
	case "history":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: anchor webhooks history <event-id>")
			return 2
		}
		return webhookHistory(ctx, tracker, args[1])
	case "requeue":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: anchor webhooks requeue <event-id>")
			return 2
		}
		return webhookRequeue(ctx, tracker, args[1])
	default:
		printWebhooksUsage(os.Stderr)
		return 2
	}
}

func webhookStats(ctx context.Context, tracker *webhook.Tracker) int {
	stats, err := tracker.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stats: %v\n", err)
		return 1
	}
	for _, status := range []webhook.Status{
		webhook.StatusPending,
		webhook.StatusProcessing,
		webhook.StatusCompleted,
		webhook.StatusFailed,
		webhook.StatusDeadLetter,
	} {
		fmt.Printf("%-12s %d\n", status, stats[status])
	}
	return 0
}

func webhookDeadLetters(ctx context.Context, tracker *webhook.Tracker, limit int) int {
	records, err := tracker.ListDeadLetters(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dead-letters: %v\n", err)
		return 1
	}
	if len(records) == 0 {
		fmt.Println("no dead-lettered events")
		return 0
	}
	fmt.Printf("%-24s %-24s %-8s %s\n", "EVENT", "TYPE", "ATTEMPTS", "LAST ERROR")
	for _, rec := range records {
		fmt.Printf("%-24s %-24s %-8d %s\n", rec.EventID, rec.EventType, rec.Attempts, rec.LastError)
	}
	return 0
}

func webhookShow(ctx context.Context, tracker *webhook.Tracker, eventID string) int {
	rec, err := tracker.Get(ctx, eventID)
	if err != nil {
		if shared.IsNotFound(err) {
			fmt.Fprintf(os.Stderr, "event %q not tracked\n", eventID)
			return 1
		}
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		return 1
	}
	fmt.Printf("Event:        %s (%s)\n", rec.EventID, rec.EventType)
	if rec.TenantID != "" {
		fmt.Printf("Tenant:       %s\n", rec.TenantID)
	}
	fmt.Printf("Status:       %s\n", rec.Status)
	fmt.Printf("Attempts:     %d/%d\n", rec.Attempts, rec.MaxAttempts)
	fmt.Printf("First seen:   %s\n", rec.FirstSeenAt.Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", rec.UpdatedAt.Format(time.RFC3339))
	if rec.NextAttemptAt != nil {
		fmt.Printf("Next attempt: %s\n", rec.NextAttemptAt.Format(time.RFC3339))
	}
	if rec.LeaseOwner != "" && rec.LeaseExpiresAt != nil {
		fmt.Printf("Lease:        %s until %s\n", rec.LeaseOwner, rec.LeaseExpiresAt.Format(time.RFC3339))
	}
	if rec.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", rec.CompletedAt.Format(time.RFC3339))
	}
	if rec.LastError != "" {
		fmt.Printf("Last error:   %s\n", shared.Redact(rec.LastError))
	}
	return 0
}

func webhookHistory(ctx context.Context, tracker *webhook.Tracker, eventID string) int {
	entries, err := tracker.History(ctx, eventID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "no history for event %q\n", eventID)
		return 1
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %s -> %s", e.At.Format(time.RFC3339), e.FromStatus, e.ToStatus)
		if e.Detail != "" {
			line += "  " + shared.Redact(e.Detail)
		}
		fmt.Println(line)
	}
	return 0
}

func webhookRequeue(ctx context.Context, tracker *webhook.Tracker, eventID string) int {
	if err := tracker.Requeue(ctx, eventID); err != nil {
		fmt.Fprintf(os.Stderr, "requeue: %v\n", err)
		return 1
	}
	fmt.Printf("event %s requeued\n", eventID)
	return 0
}
