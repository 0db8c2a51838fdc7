package toolctx_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/portside/anchor/internal/cache"
	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/shared"
	"github.com/portside/anchor/internal/toolctx"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *toolctx.Registry {
	t.Helper()
	entries, err := cache.New[toolctx.Context](kv.NewMemoryStore(), cache.Config{Kind: "toolctx", TTL: ttl})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	reg, err := toolctx.NewRegistry(toolctx.Config{Cache: entries})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRegister_RoundTrip(t *testing.T) {
	ctx := shared.WithTenantID(shared.WithSessionID(context.Background(), "sess-1"), "acme")
	reg := newTestRegistry(t, time.Minute)

	args := json.RawMessage(`{"invoice_id":"inv_42"}`)
	if err := reg.Register(ctx, "call-1", toolctx.Context{Tool: "billing.charge", Args: args}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.Get(ctx, "call-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CallID != "call-1" || got.Tool != "billing.charge" {
		t.Fatalf("unexpected context: %+v", got)
	}
	if got.SessionID != "sess-1" || got.TenantID != "acme" {
		t.Fatalf("request context not captured: %+v", got)
	}
	if got.RegisteredAt.IsZero() {
		t.Fatal("RegisteredAt not stamped")
	}
	if string(got.Args) != string(args) {
		t.Fatalf("args = %s", got.Args)
	}
}

func TestRegister_Validation(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, time.Minute)

	if err := reg.Register(ctx, "", toolctx.Context{Tool: "t"}); !shared.IsValidation(err) {
		t.Fatalf("empty call id accepted: %v", err)
	}
	if err := reg.Register(ctx, "call-1", toolctx.Context{}); !shared.IsValidation(err) {
		t.Fatalf("empty tool accepted: %v", err)
	}
	if err := reg.Register(ctx, "call-1", toolctx.Context{CallID: "other", Tool: "t"}); !shared.IsValidation(err) {
		t.Fatalf("mismatched call id accepted: %v", err)
	}
}

func TestGet_ExpiredEntry(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, 50*time.Millisecond)

	if err := reg.Register(ctx, "call-ttl", toolctx.Context{Tool: "t"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if _, err := reg.Get(ctx, "call-ttl"); !shared.IsNotFound(err) {
		t.Fatalf("want NotFoundError after TTL, got %v", err)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, time.Minute)

	if err := reg.Register(ctx, "call-2", toolctx.Context{Tool: "t"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Unregister(ctx, "call-2"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := reg.Unregister(ctx, "call-2"); err != nil {
		t.Fatalf("second Unregister: %v", err)
	}
	if _, err := reg.Get(ctx, "call-2"); !shared.IsNotFound(err) {
		t.Fatalf("entry survived unregister: %v", err)
	}
}

func TestActive_ListsLiveCalls(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, time.Minute)

	for _, id := range []string{"call-b", "call-a"} {
		if err := reg.Register(ctx, id, toolctx.Context{Tool: "t"}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	ids, err := reg.Active(ctx)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if len(ids) != 2 || ids[0] != "call-a" || ids[1] != "call-b" {
		t.Fatalf("ids = %v", ids)
	}
}
