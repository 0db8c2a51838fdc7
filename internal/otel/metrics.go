package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Anchor metric instruments.
type Metrics struct {
	LockAcquireDuration metric.Float64Histogram
	LockAcquireTimeouts metric.Int64Counter
	LockStaleReleases   metric.Int64Counter
	SessionMutations    metric.Int64Counter
	SessionConflicts    metric.Int64Counter
	WebhookAccepted     metric.Int64Counter
	WebhookDuplicates   metric.Int64Counter
	WebhookRetries      metric.Int64Counter
	WebhookDeadLetters  metric.Int64Counter
	SchedulerTicks      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.LockAcquireDuration, err = meter.Float64Histogram("anchor.lock.acquire.duration",
		metric.WithDescription("Time spent acquiring a distributed lock in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LockAcquireTimeouts, err = meter.Int64Counter("anchor.lock.acquire.timeouts",
		metric.WithDescription("Lock acquisitions that gave up waiting"),
	)
	if err != nil {
		return nil, err
	}

	m.LockStaleReleases, err = meter.Int64Counter("anchor.lock.stale_releases",
		metric.WithDescription("Releases that found the lock expired or re-owned"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionMutations, err = meter.Int64Counter("anchor.session.mutations",
		metric.WithDescription("Session documents rewritten under lock"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionConflicts, err = meter.Int64Counter("anchor.session.conflicts",
		metric.WithDescription("Session mutations that timed out waiting for the session lock"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookAccepted, err = meter.Int64Counter("anchor.webhook.accepted",
		metric.WithDescription("Webhook events accepted for processing"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuplicates, err = meter.Int64Counter("anchor.webhook.duplicates",
		metric.WithDescription("Webhook events rejected as duplicates or in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookRetries, err = meter.Int64Counter("anchor.webhook.retries",
		metric.WithDescription("Webhook processing failures scheduled for redelivery"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDeadLetters, err = meter.Int64Counter("anchor.webhook.dead_letters",
		metric.WithDescription("Webhook events that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerTicks, err = meter.Int64Counter("anchor.scheduler.ticks",
		metric.WithDescription("Maintenance scheduler passes completed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
