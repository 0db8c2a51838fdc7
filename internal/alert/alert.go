// Package alert notifies operators when a webhook event exhausts its retry
// budget and lands in the dead-letter queue. Channels are pluggable; the
// dispatcher listens on the event bus and fans out to every configured one.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/portside/anchor/internal/shared"
)

// Severity orders alerts for channels that filter.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert is one operator notification.
type Alert struct {
	Severity  Severity
	Title     string
	Message   string
	EventID   string
	EventType string
	TenantID  string
	At        time.Time
}

// Text renders the alert as a single redacted block suitable for any channel.
func (a Alert) Text() string {
	text := fmt.Sprintf("[%s] %s\n%s", a.Severity, a.Title, a.Message)
	if a.EventID != "" {
		text += fmt.Sprintf("\nevent: %s (%s)", a.EventID, a.EventType)
	}
	if a.TenantID != "" {
		text += fmt.Sprintf("\ntenant: %s", a.TenantID)
	}
	return shared.Redact(text)
}

// Channel delivers alerts to one destination.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// Start prepares the channel for delivery. It returns once the channel is
	// ready or the context is canceled.
	Start(ctx context.Context) error

	// Notify delivers one alert. Failures are logged by the dispatcher, not
	// retried; alerting is best-effort.
	Notify(ctx context.Context, a Alert) error
}

// LogChannel writes alerts to the structured log. It is the fallback when no
// external channel is configured so dead letters are never silent.
type LogChannel struct {
	logger *slog.Logger
}

func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("component", "alert")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Start(ctx context.Context) error { return nil }

func (c *LogChannel) Notify(ctx context.Context, a Alert) error {
	c.logger.Warn("operator alert",
		"severity", string(a.Severity),
		"title", a.Title,
		"message", shared.Redact(a.Message),
		"event_id", a.EventID,
		"event_type", a.EventType,
		"tenant_id", a.TenantID)
	return nil
}
