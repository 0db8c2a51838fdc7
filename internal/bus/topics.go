package bus

// Lock event topics.
const (
	TopicLockAcquired     = "lock.acquired"
	TopicLockReleased     = "lock.released"
	TopicLockStaleRelease = "lock.stale_release"
)

// LockEvent is published on every lock acquisition and release.
type LockEvent struct {
	Key    string // caller-visible lock key (namespace stripped)
	Owner  string // owner token holding or releasing the lock
	TTLMs  int64  // lock lifetime granted at acquisition
	WaitMs int64  // time spent polling before the acquire succeeded
}

// Session event topics.
const (
	TopicSessionCreated        = "session.created"
	TopicSessionUpdated        = "session.updated"
	TopicSessionDeleted        = "session.deleted"
	TopicSessionTaskTransition = "session.task_transition"
)

// SessionEvent is published when a session document is created, rewritten,
// or deleted.
type SessionEvent struct {
	SessionID string
	TenantID  string
	Revision  int64 // revision after the write (0 for deletes)
}

// TaskTransitionEvent is published for every accepted task status change
// inside a session mutation.
type TaskTransitionEvent struct {
	SessionID string
	TaskID    string
	From      string
	To        string
	Attempts  int // attempt count after the transition
}

// Webhook event topics.
const (
	TopicWebhookAccepted       = "webhook.accepted"
	TopicWebhookCompleted      = "webhook.completed"
	TopicWebhookRetryScheduled = "webhook.retry_scheduled"
	TopicWebhookDeadLetter     = "webhook.dead_letter"
	TopicWebhookRequeued       = "webhook.requeued"
)

// WebhookEvent is published on webhook processing state changes.
type WebhookEvent struct {
	EventID     string
	EventType   string
	TenantID    string
	Status      string
	Attempts    int
	NextRetryMs int64  // delay until redelivery, retry_scheduled only
	Error       string // last processing error, redacted
}
