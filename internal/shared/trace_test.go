package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected abc-123, got %q", got)
	}
}

func TestTraceID_EmptyTreatedAsAbsent(t *testing.T) {
	ctx := WithTraceID(context.Background(), "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected - for empty trace_id, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", a, b)
	}
}

func TestTenantID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TenantID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTenantID(ctx, "acme")
	if got := TenantID(ctx); got != "acme" {
		t.Fatalf("expected acme, got %q", got)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	ctx := WithSessionID(context.Background(), "sess-7")
	if got := SessionID(ctx); got != "sess-7" {
		t.Fatalf("expected sess-7, got %q", got)
	}
}
