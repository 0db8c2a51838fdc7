package kv

import (
	"context"
	"testing"
	"time"

	"github.com/portside/anchor/internal/shared"
)

// fakeClock pins the store's clock so TTL behavior is deterministic.
func fakeClock(s *MemoryStore) *time.Time {
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	return &now
}

func TestMemorySetNX_FirstWinsSecondLoses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.SetNX(ctx, "lock:a", "owner-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock:a", "owner-2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v; want false, nil", ok, err)
	}

	val, err := s.Get(ctx, "lock:a")
	if err != nil || val != "owner-1" {
		t.Fatalf("Get = %q, %v; want owner-1", val, err)
	}
}

func TestMemorySetNX_SucceedsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := fakeClock(s)

	if ok, _ := s.SetNX(ctx, "lock:a", "owner-1", time.Second); !ok {
		t.Fatal("first SetNX should win")
	}
	*now = now.Add(1100 * time.Millisecond)

	ok, err := s.SetNX(ctx, "lock:a", "owner-2", time.Second)
	if err != nil || !ok {
		t.Fatalf("SetNX after expiry = %v, %v; want true, nil", ok, err)
	}
	if val, _ := s.Get(ctx, "lock:a"); val != "owner-2" {
		t.Fatalf("expected owner-2, got %q", val)
	}
}

func TestMemoryGet_MissingAndExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := fakeClock(s)

	if _, err := s.Get(ctx, "nope"); !shared.IsNotFound(err) {
		t.Fatalf("missing key: want NotFoundError, got %v", err)
	}

	if err := s.Set(ctx, "k", "v", time.Second); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(2 * time.Second)
	if _, err := s.Get(ctx, "k"); !shared.IsNotFound(err) {
		t.Fatalf("expired key: want NotFoundError, got %v", err)
	}
}

func TestMemorySet_ResetsTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := fakeClock(s)

	if err := s.Set(ctx, "k", "v1", time.Second); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(900 * time.Millisecond)
	// Rewrite just before expiry. The TTL starts over.
	if err := s.Set(ctx, "k", "v2", time.Second); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(900 * time.Millisecond)

	val, err := s.Get(ctx, "k")
	if err != nil || val != "v2" {
		t.Fatalf("Get after reset = %q, %v; want v2 still live", val, err)
	}

	ttl, err := s.TTL(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > 100*time.Millisecond {
		t.Fatalf("remaining ttl = %s; want (0, 100ms]", ttl)
	}
}

func TestMemoryCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "lock:a", "owner-1", time.Minute); err != nil {
		t.Fatal(err)
	}

	ok, err := s.CompareAndDelete(ctx, "lock:a", "owner-2")
	if err != nil || ok {
		t.Fatalf("wrong owner: CompareAndDelete = %v, %v; want false, nil", ok, err)
	}
	if _, err := s.Get(ctx, "lock:a"); err != nil {
		t.Fatal("key should survive a mismatched delete")
	}

	ok, err = s.CompareAndDelete(ctx, "lock:a", "owner-1")
	if err != nil || !ok {
		t.Fatalf("right owner: CompareAndDelete = %v, %v; want true, nil", ok, err)
	}
	if _, err := s.Get(ctx, "lock:a"); !shared.IsNotFound(err) {
		t.Fatal("key should be gone after a matched delete")
	}

	ok, _ = s.CompareAndDelete(ctx, "lock:a", "owner-1")
	if ok {
		t.Fatal("deleting a missing key should report false")
	}
}

func TestMemoryDel_CountsOnlyLiveKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := fakeClock(s)

	_ = s.Set(ctx, "a", "1", time.Second)
	_ = s.Set(ctx, "b", "2", time.Minute)
	*now = now.Add(2 * time.Second) // a expires

	n, err := s.Del(ctx, "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Del removed %d keys; want 1 (only b was live)", n)
	}
}

func TestMemoryKeys_PrefixSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, k := range []string{"anchor:lock:b", "anchor:lock:a", "anchor:session:x", "other"} {
		if err := s.Set(ctx, k, "v", time.Minute); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.Keys(ctx, "anchor:lock:")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"anchor:lock:a", "anchor:lock:b"}
	if len(keys) != len(want) {
		t.Fatalf("Keys = %v; want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys = %v; want %v", keys, want)
		}
	}

	all, err := s.Keys(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("empty prefix should enumerate everything, got %v", all)
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := fakeClock(s)

	_ = s.Set(ctx, "a", "1", time.Second)
	_ = s.Set(ctx, "b", "2", time.Second)
	_ = s.Set(ctx, "c", "3", time.Hour)
	*now = now.Add(2 * time.Second)

	if removed := s.Sweep(); removed != 2 {
		t.Fatalf("Sweep removed %d; want 2", removed)
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("Len = %d; want 1", got)
	}
}

func TestMemoryWriteValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.SetNX(ctx, "", "v", time.Minute); !shared.IsValidation(err) {
		t.Fatalf("empty key: want ValidationError, got %v", err)
	}
	if err := s.Set(ctx, "k", "v", 0); !shared.IsValidation(err) {
		t.Fatalf("zero ttl: want ValidationError, got %v", err)
	}
	if _, err := s.SetNX(ctx, "k", "v", -time.Second); !shared.IsValidation(err) {
		t.Fatalf("negative ttl: want ValidationError, got %v", err)
	}
}
