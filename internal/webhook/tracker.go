// Package webhook tracks inbound webhook processing state so every delivery
// is handled exactly once per outcome: duplicates are detected against a
// durable store of record, failures walk a bounded backoff schedule, and
// events that exhaust their attempt budget are parked for operator review.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/portside/anchor/internal/bus"
	otelPkg "github.com/portside/anchor/internal/otel"
	"github.com/portside/anchor/internal/shared"
)

const (
	defaultMaxAttempts     = 5
	defaultProcessingLease = 5 * time.Minute
)

// defaultBackoff is the redelivery schedule indexed by failed attempts, last
// entry repeating.
var defaultBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// DecisionKind says what BeginProcessing decided about a delivery.
type DecisionKind string

const (
	// DecisionAccepted: the caller now owns processing under Decision.LeaseOwner.
	DecisionAccepted DecisionKind = "accepted"
	// DecisionAlreadyTerminal: a duplicate of a COMPLETED or DEAD_LETTER event.
	DecisionAlreadyTerminal DecisionKind = "already_terminal"
	// DecisionInFlight: another worker holds a live processing lease.
	DecisionInFlight DecisionKind = "in_flight"
	// DecisionRetryWait: the event failed earlier and its backoff has not
	// elapsed; redelivery belongs to the scheduler.
	DecisionRetryWait DecisionKind = "retry_wait"
)

// Decision is the explicit outcome of BeginProcessing.
type Decision struct {
	Kind           DecisionKind
	Status         Status        // row status observed (terminal/in-flight cases)
	Attempt        int           // attempt number this processing run represents
	LeaseOwner     string        // set when accepted; required by MarkCompleted/MarkFailed
	LeaseExpiresAt time.Time     // set when accepted
	RetryIn        time.Duration // set for retry_wait
}

// OutcomeKind says what MarkFailed did with the failure.
type OutcomeKind string

const (
	OutcomeRetryScheduled OutcomeKind = "retry_scheduled"
	OutcomeDeadLettered   OutcomeKind = "dead_lettered"
)

// FailureOutcome is the explicit result of MarkFailed.
type FailureOutcome struct {
	Kind          OutcomeKind
	Attempts      int           // failed attempts recorded so far
	Delay         time.Duration // until redelivery, retry_scheduled only
	NextAttemptAt time.Time     // retry_scheduled only
}

// Config wires a tracker together.
type Config struct {
	Store           *Store // durable store of record, required
	Validator       *Validator
	Logger          *slog.Logger
	Bus             *bus.Bus         // optional, nil disables events
	Metrics         *otelPkg.Metrics // optional, nil disables instruments
	MaxAttempts     int              // failed attempts before dead-letter, default 5
	Backoff         []time.Duration  // redelivery schedule, default 1m 5m 30m 2h 24h
	ProcessingLease time.Duration    // how long a worker may hold an event, default 5m
}

// Tracker is the idempotency gate for webhook processing.
type Tracker struct {
	store       *Store
	validator   *Validator
	logger      *slog.Logger
	bus         *bus.Bus
	metrics     *otelPkg.Metrics
	maxAttempts int
	backoff     []time.Duration
	lease       time.Duration

	now func() time.Time
}

// NewTracker validates the config and builds a tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, &shared.ValidationError{Msg: "webhook: store is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = defaultBackoff
	}
	for _, d := range backoff {
		if d <= 0 {
			return nil, &shared.ValidationError{Msg: "webhook: backoff delays must be positive"}
		}
	}
	lease := cfg.ProcessingLease
	if lease <= 0 {
		lease = defaultProcessingLease
	}
	return &Tracker{
		store:       cfg.Store,
		validator:   cfg.Validator,
		logger:      logger.With("component", "webhook"),
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		lease:       lease,
		now:         time.Now,
	}, nil
}

// backoffFor returns the delay before redelivery after the given number of
// failed attempts, clamped to the schedule's last entry.
func (t *Tracker) backoffFor(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.backoff) {
		idx = len(t.backoff) - 1
	}
	return t.backoff[idx]
}

// BeginProcessing decides whether the caller should process this delivery.
// The payload is validated against its event type's schema before anything is
// recorded; invalid or unknown events return a shared.ValidationError and
// leave no row behind. The decision is an explicit value: accepted (process
// it, then call MarkCompleted or MarkFailed with the lease owner), already
// terminal or in flight (drop it), or retry-wait (too early, the scheduler
// owns redelivery).
func (t *Tracker) BeginProcessing(ctx context.Context, evt Event) (Decision, error) {
	if evt.ID == "" {
		return Decision{}, &shared.ValidationError{Msg: "webhook: event id must not be empty"}
	}
	if evt.Type == "" {
		return Decision{}, &shared.ValidationError{Msg: "webhook: event type must not be empty"}
	}
	if t.validator != nil {
		if err := t.validator.Validate(evt); err != nil {
			return Decision{}, err
		}
	}

	now := t.now().UTC()
	owner := uuid.NewString()
	leaseUntil := now.Add(t.lease)

	inserted, err := t.store.InsertProcessing(ctx, evt, t.maxAttempts, owner, leaseUntil, now)
	if err != nil {
		return Decision{}, err
	}
	if inserted {
		return t.accepted(ctx, evt.ID, evt.Type, evt.TenantID, owner, leaseUntil, 1, now), nil
	}

	// Duplicate delivery: decide from the stored row. Each claim re-checks
	// its predicate at update time, so a lost race degrades to in-flight.
	rec, err := t.store.Get(ctx, evt.ID)
	if err != nil {
		return Decision{}, err
	}
	switch rec.Status {
	case StatusCompleted, StatusDeadLetter:
		t.countDuplicate(ctx)
		t.logger.Debug("duplicate of terminal event",
			"event_id", evt.ID,
			"status", rec.Status,
			"trace_id", shared.TraceID(ctx))
		return Decision{Kind: DecisionAlreadyTerminal, Status: rec.Status}, nil

	case StatusPending:
		claimed, err := t.store.ClaimPending(ctx, evt.ID, owner, leaseUntil, now)
		if err != nil {
			return Decision{}, err
		}
		if !claimed {
			t.countDuplicate(ctx)
			return Decision{Kind: DecisionInFlight, Status: StatusProcessing}, nil
		}
		return t.accepted(ctx, evt.ID, rec.EventType, rec.TenantID, owner, leaseUntil, rec.Attempts+1, now), nil

	case StatusProcessing:
		if rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(now) {
			claimed, err := t.store.ReclaimExpired(ctx, evt.ID, owner, leaseUntil, now)
			if err != nil {
				return Decision{}, err
			}
			if claimed {
				return t.accepted(ctx, evt.ID, rec.EventType, rec.TenantID, owner, leaseUntil, rec.Attempts+1, now), nil
			}
		}
		t.countDuplicate(ctx)
		t.logger.Debug("duplicate while in flight",
			"event_id", evt.ID,
			"trace_id", shared.TraceID(ctx))
		return Decision{Kind: DecisionInFlight, Status: StatusProcessing}, nil

	case StatusFailed:
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			return Decision{
				Kind:    DecisionRetryWait,
				Status:  StatusFailed,
				RetryIn: rec.NextAttemptAt.Sub(now),
			}, nil
		}
		claimed, err := t.store.ClaimDueFailed(ctx, evt.ID, owner, leaseUntil, now)
		if err != nil {
			return Decision{}, err
		}
		if !claimed {
			t.countDuplicate(ctx)
			return Decision{Kind: DecisionInFlight, Status: StatusProcessing}, nil
		}
		return t.accepted(ctx, evt.ID, rec.EventType, rec.TenantID, owner, leaseUntil, rec.Attempts+1, now), nil

	default:
		return Decision{}, fmt.Errorf("webhook event %s has unknown status %q", evt.ID, rec.Status)
	}
}

func (t *Tracker) accepted(ctx context.Context, eventID, eventType, tenantID, owner string, leaseUntil time.Time, attempt int, now time.Time) Decision {
	if t.metrics != nil {
		t.metrics.WebhookAccepted.Add(ctx, 1)
	}
	t.logger.Info("webhook accepted for processing",
		"event_id", eventID,
		"event_type", eventType,
		"attempt", attempt,
		"trace_id", shared.TraceID(ctx))
	t.publish(bus.TopicWebhookAccepted, bus.WebhookEvent{
		EventID:   eventID,
		EventType: eventType,
		TenantID:  tenantID,
		Status:    string(StatusProcessing),
		Attempts:  attempt - 1,
	})
	return Decision{
		Kind:           DecisionAccepted,
		Status:         StatusProcessing,
		Attempt:        attempt,
		LeaseOwner:     owner,
		LeaseExpiresAt: leaseUntil,
	}
}

// MarkCompleted finishes processing. Only the lease owner handed out by
// BeginProcessing can complete the event; a stale owner gets a
// shared.ValidationError and changes nothing.
func (t *Tracker) MarkCompleted(ctx context.Context, eventID, owner string) error {
	if owner == "" {
		return &shared.ValidationError{Msg: "webhook: lease owner must not be empty"}
	}
	now := t.now().UTC()
	ok, err := t.store.MarkCompleted(ctx, eventID, owner, now)
	if err != nil {
		return err
	}
	if !ok {
		rec, err := t.store.Get(ctx, eventID)
		if err != nil {
			return err
		}
		return &shared.ValidationError{
			Msg: fmt.Sprintf("webhook: event %s not processing under this lease (status %s)", eventID, rec.Status),
		}
	}
	t.logger.Info("webhook completed",
		"event_id", eventID,
		"trace_id", shared.TraceID(ctx))
	rec, err := t.store.Get(ctx, eventID)
	if err == nil {
		t.publish(bus.TopicWebhookCompleted, bus.WebhookEvent{
			EventID:   eventID,
			EventType: rec.EventType,
			TenantID:  rec.TenantID,
			Status:    string(StatusCompleted),
			Attempts:  rec.Attempts,
		})
	}
	return nil
}

// MarkFailed records a failed processing attempt under the caller's lease.
// While attempts remain the event is parked FAILED until its backoff elapses;
// at the budget it is dead-lettered. The outcome is an explicit value, not an
// error.
func (t *Tracker) MarkFailed(ctx context.Context, eventID, owner string, cause error) (FailureOutcome, error) {
	if owner == "" {
		return FailureOutcome{}, &shared.ValidationError{Msg: "webhook: lease owner must not be empty"}
	}
	rec, err := t.store.Get(ctx, eventID)
	if err != nil {
		return FailureOutcome{}, err
	}
	if rec.Status != StatusProcessing || rec.LeaseOwner != owner {
		return FailureOutcome{}, &shared.ValidationError{
			Msg: fmt.Sprintf("webhook: event %s not processing under this lease (status %s)", eventID, rec.Status),
		}
	}

	lastError := "processing failed"
	if cause != nil {
		lastError = shared.Redact(cause.Error())
	}
	now := t.now().UTC()
	attempts := rec.Attempts + 1

	if attempts >= rec.MaxAttempts {
		parked, err := t.store.DeadLetter(ctx, eventID, owner, lastError, now)
		if err != nil {
			return FailureOutcome{}, err
		}
		if !parked {
			return FailureOutcome{}, &shared.ValidationError{
				Msg: fmt.Sprintf("webhook: event %s changed state during failure handling", eventID),
			}
		}
		if t.metrics != nil {
			t.metrics.WebhookDeadLetters.Add(ctx, 1)
		}
		t.logger.Warn("webhook dead-lettered",
			"event_id", eventID,
			"event_type", rec.EventType,
			"attempts", attempts,
			"error", lastError,
			"trace_id", shared.TraceID(ctx))
		t.publish(bus.TopicWebhookDeadLetter, bus.WebhookEvent{
			EventID:   eventID,
			EventType: rec.EventType,
			TenantID:  rec.TenantID,
			Status:    string(StatusDeadLetter),
			Attempts:  attempts,
			Error:     lastError,
		})
		return FailureOutcome{Kind: OutcomeDeadLettered, Attempts: attempts}, nil
	}

	delay := t.backoffFor(attempts)
	nextAttempt := now.Add(delay)
	scheduled, err := t.store.ScheduleRetry(ctx, eventID, owner, lastError, nextAttempt, now)
	if err != nil {
		return FailureOutcome{}, err
	}
	if !scheduled {
		return FailureOutcome{}, &shared.ValidationError{
			Msg: fmt.Sprintf("webhook: event %s changed state during failure handling", eventID),
		}
	}
	if t.metrics != nil {
		t.metrics.WebhookRetries.Add(ctx, 1)
	}
	t.logger.Info("webhook retry scheduled",
		"event_id", eventID,
		"attempts", attempts,
		"retry_in", delay.String(),
		"trace_id", shared.TraceID(ctx))
	t.publish(bus.TopicWebhookRetryScheduled, bus.WebhookEvent{
		EventID:     eventID,
		EventType:   rec.EventType,
		TenantID:    rec.TenantID,
		Status:      string(StatusFailed),
		Attempts:    attempts,
		NextRetryMs: delay.Milliseconds(),
		Error:       lastError,
	})
	return FailureOutcome{
		Kind:          OutcomeRetryScheduled,
		Attempts:      attempts,
		Delay:         delay,
		NextAttemptAt: nextAttempt,
	}, nil
}

// Requeue revives a dead-lettered event for reprocessing with a fresh attempt
// budget. Requeueing anything not dead-lettered is rejected.
func (t *Tracker) Requeue(ctx context.Context, eventID string) error {
	now := t.now().UTC()
	revived, err := t.store.Requeue(ctx, eventID, now)
	if err != nil {
		return err
	}
	if !revived {
		rec, err := t.store.Get(ctx, eventID)
		if err != nil {
			return err
		}
		return &shared.ValidationError{
			Msg: fmt.Sprintf("webhook: event %s is %s, only dead-lettered events can be requeued", eventID, rec.Status),
		}
	}
	t.logger.Info("webhook requeued", "event_id", eventID)
	rec, err := t.store.Get(ctx, eventID)
	if err == nil {
		t.publish(bus.TopicWebhookRequeued, bus.WebhookEvent{
			EventID:   eventID,
			EventType: rec.EventType,
			TenantID:  rec.TenantID,
			Status:    string(StatusPending),
		})
	}
	return nil
}

// RequeueDue flips FAILED events whose backoff has elapsed back to PENDING.
// The maintenance scheduler calls this; a requeued event is picked up by the
// next delivery or worker sweep.
func (t *Tracker) RequeueDue(ctx context.Context) ([]string, error) {
	ids, err := t.store.RequeueDue(ctx, t.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		t.publish(bus.TopicWebhookRequeued, bus.WebhookEvent{
			EventID: id,
			Status:  string(StatusPending),
		})
	}
	if len(ids) > 0 {
		t.logger.Info("due webhooks requeued", "count", len(ids))
	}
	return ids, nil
}

// ReleaseExpired returns crashed workers' events (PROCESSING with a lapsed
// lease) to PENDING.
func (t *Tracker) ReleaseExpired(ctx context.Context) ([]string, error) {
	ids, err := t.store.ReleaseExpired(ctx, t.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		t.logger.Warn("expired processing leases released", "count", len(ids))
	}
	return ids, nil
}

// Get returns the stored record for eventID.
func (t *Tracker) Get(ctx context.Context, eventID string) (*Record, error) {
	return t.store.Get(ctx, eventID)
}

// ListDeadLetters returns up to limit dead-lettered events, newest first.
func (t *Tracker) ListDeadLetters(ctx context.Context, limit int) ([]Record, error) {
	return t.store.ListByStatus(ctx, StatusDeadLetter, limit)
}

// ListByStatus returns up to limit events in the given status, newest first.
func (t *Tracker) ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	return t.store.ListByStatus(ctx, status, limit)
}

// Stats counts events by status.
func (t *Tracker) Stats(ctx context.Context) (map[Status]int, error) {
	return t.store.Stats(ctx)
}

// PurgeTerminal deletes terminal rows older than the retention window and
// reports how many went.
func (t *Tracker) PurgeTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, &shared.ValidationError{Msg: "webhook: retention must be positive"}
	}
	cutoff := t.now().UTC().Add(-retention)
	purged, err := t.store.PurgeTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		t.logger.Info("terminal webhooks purged", "count", purged)
	}
	return purged, nil
}

// History returns the transition log for eventID, oldest first.
func (t *Tracker) History(ctx context.Context, eventID string) ([]LogEntry, error) {
	return t.store.History(ctx, eventID)
}

func (t *Tracker) countDuplicate(ctx context.Context) {
	if t.metrics != nil {
		t.metrics.WebhookDuplicates.Add(ctx, 1)
	}
}

func (t *Tracker) publish(topic string, payload any) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(topic, payload)
}
