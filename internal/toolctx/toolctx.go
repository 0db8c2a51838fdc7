// Package toolctx keeps per-call context for in-flight tool invocations so a
// callback arriving later can recover the session and tenant it belongs to.
// Entries are TTL-bounded: a call that never completes simply ages out, there
// is no locking and no sweep obligation on callers.
package toolctx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/portside/anchor/internal/cache"
	"github.com/portside/anchor/internal/shared"
)

// Context is what a tool call needs remembered between dispatch and
// completion.
type Context struct {
	CallID       string          `json:"call_id"`
	SessionID    string          `json:"session_id,omitempty"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Tool         string          `json:"tool"`
	Args         json.RawMessage `json:"args,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// Config wires a registry together.
type Config struct {
	Cache  *cache.Store[Context] // TTL-bounded backing store, required
	Logger *slog.Logger
}

// Registry stores tool call contexts keyed by call ID. Call IDs are unique by
// construction (one writer per call), so writes need no coordination.
type Registry struct {
	entries *cache.Store[Context]
	logger  *slog.Logger
	now     func() time.Time
}

// NewRegistry validates the config and builds a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Cache == nil {
		return nil, &shared.ValidationError{Msg: "toolctx: cache is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: cfg.Cache,
		logger:  logger.With("component", "toolctx"),
		now:     time.Now,
	}, nil
}

// Register stores the context for callID for the registry's TTL. Session and
// tenant fall back to the request context when the payload leaves them empty.
func (r *Registry) Register(ctx context.Context, callID string, payload Context) error {
	if callID == "" {
		return &shared.ValidationError{Msg: "toolctx: call id must not be empty"}
	}
	if payload.CallID != "" && payload.CallID != callID {
		return &shared.ValidationError{Msg: fmt.Sprintf("toolctx: payload call id %q does not match %q", payload.CallID, callID)}
	}
	if payload.Tool == "" {
		return &shared.ValidationError{Msg: "toolctx: tool name must not be empty"}
	}
	payload.CallID = callID
	if payload.SessionID == "" {
		payload.SessionID = shared.SessionID(ctx)
	}
	if payload.TenantID == "" {
		payload.TenantID = shared.TenantID(ctx)
	}
	if payload.RegisteredAt.IsZero() {
		payload.RegisteredAt = r.now().UTC()
	}
	if err := r.entries.Set(ctx, callID, payload); err != nil {
		return err
	}
	r.logger.Debug("tool call registered",
		"call_id", callID,
		"tool", payload.Tool,
		"session_id", payload.SessionID,
		"trace_id", shared.TraceID(ctx))
	return nil
}

// Get returns the context for callID. Missing or expired entries return a
// shared.NotFoundError.
func (r *Registry) Get(ctx context.Context, callID string) (Context, error) {
	return r.entries.Get(ctx, callID)
}

// Unregister drops the context for callID once the call completes. Dropping
// an entry that already aged out is a no-op.
func (r *Registry) Unregister(ctx context.Context, callID string) error {
	if err := r.entries.Delete(ctx, callID); err != nil {
		return err
	}
	r.logger.Debug("tool call unregistered",
		"call_id", callID,
		"trace_id", shared.TraceID(ctx))
	return nil
}

// Active lists the call IDs currently registered, sorted.
func (r *Registry) Active(ctx context.Context) ([]string, error) {
	return r.entries.IDs(ctx)
}
