package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/portside/anchor/internal/kv"
	"github.com/portside/anchor/internal/shared"
)

const defaultNamespace = "anchor"

// Config describes one keyspace of TTL-scoped records.
type Config struct {
	Namespace string        // key namespace, defaults to "anchor"
	Kind      string        // record kind, becomes the key segment and the not-found kind
	TTL       time.Duration // default lifetime applied by Set
}

// Store keeps JSON-encoded values of one type under {namespace}:{kind}:{id}
// with a TTL. Every write is a single round trip and resets the clock; there
// is no read-modify-write here. Callers that need atomicity across a
// read-modify-write layer a lock on top.
type Store[T any] struct {
	kv   kv.Store
	ns   string
	kind string
	ttl  time.Duration
}

// New builds a typed store over the given key-value backend.
func New[T any](backend kv.Store, cfg Config) (*Store[T], error) {
	if backend == nil {
		return nil, &shared.ValidationError{Msg: "cache: backend store is required"}
	}
	if cfg.Kind == "" {
		return nil, &shared.ValidationError{Msg: "cache: kind is required"}
	}
	if strings.Contains(cfg.Kind, ":") {
		return nil, &shared.ValidationError{Msg: fmt.Sprintf("cache: kind %q must not contain ':'", cfg.Kind)}
	}
	if cfg.TTL <= 0 {
		return nil, &shared.ValidationError{Msg: "cache: ttl must be positive"}
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return &Store[T]{kv: backend, ns: ns, kind: cfg.Kind, ttl: cfg.TTL}, nil
}

// Key returns the full backend key for id.
func (s *Store[T]) Key(id string) string {
	return s.ns + ":" + s.kind + ":" + id
}

// DefaultTTL reports the lifetime Set applies.
func (s *Store[T]) DefaultTTL() time.Duration { return s.ttl }

// Set writes value under id with the store's default TTL.
func (s *Store[T]) Set(ctx context.Context, id string, value T) error {
	return s.SetTTL(ctx, id, value, s.ttl)
}

// SetTTL writes value under id with an explicit TTL. Last write wins and the
// TTL starts over.
func (s *Store[T]) SetTTL(ctx context.Context, id string, value T, ttl time.Duration) error {
	if id == "" {
		return &shared.ValidationError{Msg: fmt.Sprintf("cache: %s id must not be empty", s.kind)}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s %q: %w", s.kind, id, err)
	}
	return s.kv.Set(ctx, s.Key(id), string(b), ttl)
}

// Get reads and decodes the record for id. Absent or expired records return
// a shared.NotFoundError carrying the store's kind.
func (s *Store[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	raw, err := s.kv.Get(ctx, s.Key(id))
	if err != nil {
		if shared.IsNotFound(err) {
			return zero, &shared.NotFoundError{Kind: s.kind, Key: id}
		}
		return zero, err
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return zero, fmt.Errorf("decode %s %q: %w", s.kind, id, err)
	}
	return value, nil
}

// Delete removes the record for id. Deleting a missing record is a no-op.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	_, err := s.kv.Del(ctx, s.Key(id))
	return err
}

// IDs lists the ids of all live records of this kind, sorted.
func (s *Store[T]) IDs(ctx context.Context) ([]string, error) {
	prefix := s.ns + ":" + s.kind + ":"
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	return ids, nil
}
