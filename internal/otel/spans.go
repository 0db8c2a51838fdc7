package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Anchor spans.
var (
	AttrTenantID    = attribute.Key("anchor.tenant.id")
	AttrSessionID   = attribute.Key("anchor.session.id")
	AttrLockKey     = attribute.Key("anchor.lock.key")
	AttrLockOwner   = attribute.Key("anchor.lock.owner")
	AttrEventID     = attribute.Key("anchor.webhook.event_id")
	AttrEventType   = attribute.Key("anchor.webhook.event_type")
	AttrAttempt     = attribute.Key("anchor.webhook.attempt")
	AttrStoreDriver = attribute.Key("anchor.store.driver")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound store call (Redis, SQL).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
