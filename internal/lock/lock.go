package lock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/portside/anchor/internal/bus"
	"github.com/portside/anchor/internal/kv"
	otelPkg "github.com/portside/anchor/internal/otel"
	"github.com/portside/anchor/internal/shared"
)

const (
	defaultNamespace      = "anchor"
	defaultTTL            = 30 * time.Second
	defaultAcquireTimeout = 10 * time.Second
	defaultPollInterval   = 100 * time.Millisecond
	minPollInterval       = 10 * time.Millisecond
)

// Config wires a lock Service. Store is required; everything else has
// working defaults.
type Config struct {
	Store          kv.Store
	Logger         *slog.Logger
	Bus            *bus.Bus         // optional, nil disables events
	Metrics        *otelPkg.Metrics // optional, nil disables instruments
	Namespace      string           // key namespace, defaults to "anchor"
	TTL            time.Duration    // default lock lifetime
	AcquireTimeout time.Duration    // default time to keep polling before giving up
	PollInterval   time.Duration    // base retry cadence while contended
}

// Service hands out mutual-exclusion locks backed by the shared key-value
// store. A lock is a single key holding its owner's token; whoever writes the
// key first owns the lock until it is released or the TTL frees it.
type Service struct {
	store          kv.Store
	logger         *slog.Logger
	bus            *bus.Bus
	metrics        *otelPkg.Metrics
	ns             string
	ttl            time.Duration
	acquireTimeout time.Duration
	poll           time.Duration
}

// Options override the service defaults for one acquire call.
type Options struct {
	TTL     time.Duration // 0 means service default
	Timeout time.Duration // 0 means service default
}

// Handle proves ownership of an acquired lock. Release is idempotent and
// safe after the lock has expired.
type Handle struct {
	Key        string // caller-visible key, namespace stripped
	Token      string // owner token stored under the lock key
	TTL        time.Duration
	AcquiredAt time.Time

	svc      *Service
	released atomic.Bool
}

// Info describes one currently held lock, as observed by ListActive.
type Info struct {
	Key       string
	Owner     string
	Remaining time.Duration // remaining TTL; -1 when the store reports no expiry
}

// NewService validates cfg and returns a ready Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, &shared.ValidationError{Msg: "lock: store is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	timeout := cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultAcquireTimeout
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if poll < minPollInterval {
		poll = minPollInterval
	}
	if poll >= time.Second {
		return nil, &shared.ValidationError{Msg: fmt.Sprintf("lock: poll interval %s must stay sub-second", poll)}
	}
	return &Service{
		store:          cfg.Store,
		logger:         logger.With("component", "lock"),
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		ns:             ns,
		ttl:            ttl,
		acquireTimeout: timeout,
		poll:           poll,
	}, nil
}

func (s *Service) lockKey(key string) string {
	return s.ns + ":lock:" + key
}

// Acquire takes the lock for key with the service's default TTL and timeout.
func (s *Service) Acquire(ctx context.Context, key string) (*Handle, error) {
	return s.AcquireWithOptions(ctx, key, Options{})
}

// AcquireWithOptions polls until the lock is taken, the timeout elapses, or
// ctx is canceled. Contention is retried on a jittered sub-second cadence; a
// fresh owner token is generated for every attempt. On timeout the error is
// a shared.TimeoutError.
func (s *Service) AcquireWithOptions(ctx context.Context, key string, opts Options) (*Handle, error) {
	if key == "" {
		return nil, &shared.ValidationError{Msg: "lock: key must not be empty"}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.ttl
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.acquireTimeout
	}

	full := s.lockKey(key)
	start := time.Now()
	deadline := start.Add(timeout)

	for {
		token := uuid.NewString()
		ok, err := s.store.SetNX(ctx, full, token, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			waited := time.Since(start)
			if s.metrics != nil {
				s.metrics.LockAcquireDuration.Record(ctx, waited.Seconds())
			}
			s.logger.Debug("lock acquired",
				"key", key, "owner", token, "ttl", ttl, "waited", waited,
				"trace_id", shared.TraceID(ctx))
			s.publish(bus.TopicLockAcquired, bus.LockEvent{
				Key: key, Owner: token, TTLMs: ttl.Milliseconds(), WaitMs: waited.Milliseconds(),
			})
			h := &Handle{Key: key, Token: token, TTL: ttl, AcquiredAt: start.Add(waited), svc: s}
			return h, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			waited := time.Since(start)
			if s.metrics != nil {
				s.metrics.LockAcquireTimeouts.Add(ctx, 1)
			}
			s.logger.Debug("lock acquire timed out",
				"key", key, "waited", waited, "trace_id", shared.TraceID(ctx))
			return nil, &shared.TimeoutError{Op: "lock.acquire", Key: key, Waited: waited}
		}

		wait := jitteredPoll(s.poll)
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock.acquire %q: %w", key, ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Release frees the lock held by h. Safe to call with a nil handle.
func (s *Service) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	return h.Release(ctx)
}

// Release frees the lock if this handle still owns it. When the lock already
// expired and someone else holds the key now, the release is a no-op: the
// compare-and-delete only ever removes this handle's own token.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil || h.svc == nil {
		return nil
	}
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	s := h.svc
	ok, err := s.store.CompareAndDelete(ctx, s.lockKey(h.Key), h.Token)
	if err != nil {
		// Transport failure: the lock may still be held, let the caller retry.
		h.released.Store(false)
		return err
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.LockStaleReleases.Add(ctx, 1)
		}
		s.logger.Debug("stale release ignored",
			"key", h.Key, "owner", h.Token, "held", time.Since(h.AcquiredAt))
		s.publish(bus.TopicLockStaleRelease, bus.LockEvent{Key: h.Key, Owner: h.Token})
		return nil
	}
	s.logger.Debug("lock released",
		"key", h.Key, "owner", h.Token, "held", time.Since(h.AcquiredAt))
	s.publish(bus.TopicLockReleased, bus.LockEvent{Key: h.Key, Owner: h.Token})
	return nil
}

// ListActive snapshots the locks whose caller-visible key starts with prefix.
// Keys may expire between the scan and the readback; those are skipped.
func (s *Service) ListActive(ctx context.Context, prefix string) ([]Info, error) {
	nsPrefix := s.ns + ":lock:"
	keys, err := s.store.Keys(ctx, nsPrefix+prefix)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(keys))
	for _, full := range keys {
		owner, err := s.store.Get(ctx, full)
		if shared.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		remaining, err := s.store.TTL(ctx, full)
		if shared.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, Info{
			Key:       strings.TrimPrefix(full, nsPrefix),
			Owner:     owner,
			Remaining: remaining,
		})
	}
	return infos, nil
}

func (s *Service) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// jitteredPoll spreads retries by ±25% so contending clients do not thunder
// in step.
func jitteredPoll(base time.Duration) time.Duration {
	if base < 2 {
		return base
	}
	jitter := time.Duration(rand.IntN(int(base / 2)))
	return base - base/4 + jitter
}
