package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portside/anchor/internal/shared"
)

// MemoryStore implements Store in process memory. It mirrors the Redis
// semantics closely enough that every primitive built on Store behaves the
// same on either implementation: TTLs expire lazily on access, with Sweep
// available for periodic collection of untouched keys.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time // overridable in tests
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// liveLocked returns the entry for key if it exists and has not expired.
// Expired entries are collected on the spot. Callers hold s.mu.
func (s *MemoryStore) liveLocked(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := checkWrite(key, ttl); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveLocked(key); ok {
		return false, nil
	}
	s.entries[key] = memEntry{value: value, expiresAt: s.now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkWrite(key, ttl); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return "", &shared.NotFoundError{Kind: "key", Key: key}
	}
	return e.value, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := s.liveLocked(key); ok {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := s.liveLocked(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveLocked(key)
	if !ok {
		return 0, &shared.NotFoundError{Kind: "key", Key: key}
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

// Sweep removes every expired entry and returns how many were collected.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for k, e := range s.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries. Test and monitoring helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if _, ok := s.liveLocked(k); ok {
			n++
		}
	}
	return n
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
