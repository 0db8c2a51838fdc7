package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/portside/anchor/internal/bus"
	"github.com/portside/anchor/internal/cache"
	"github.com/portside/anchor/internal/lock"
	otelPkg "github.com/portside/anchor/internal/otel"
	"github.com/portside/anchor/internal/shared"
)

// Config wires a session manager together.
type Config struct {
	Cache              *cache.Store[Document] // TTL document store, required
	Locks              *lock.Service          // serializes writers per session, required
	Logger             *slog.Logger
	Bus                *bus.Bus         // optional, nil disables events
	Metrics            *otelPkg.Metrics // optional, nil disables instruments
	DefaultMaxAttempts int              // attempt budget for tasks added without one
}

// Manager owns session documents. Reads are lock-free snapshots; every write
// runs under the session's distributed lock so concurrent mutations serialize
// instead of overwriting each other.
type Manager struct {
	docs        *cache.Store[Document]
	locks       *lock.Service
	logger      *slog.Logger
	bus         *bus.Bus
	metrics     *otelPkg.Metrics
	maxAttempts int

	now func() time.Time
}

// NewManager validates the config and builds a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Cache == nil {
		return nil, &shared.ValidationError{Msg: "session: document cache is required"}
	}
	if cfg.Locks == nil {
		return nil, &shared.ValidationError{Msg: "session: lock service is required"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultTaskMaxAttempts
	}
	return &Manager{
		docs:        cfg.Cache,
		locks:       cfg.Locks,
		logger:      logger.With("component", "session"),
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}, nil
}

func lockName(sessionID string) string {
	return "session:" + sessionID
}

// withLock runs fn while holding the session's lock. A lock timeout counts as
// a conflict and surfaces the shared.TimeoutError unchanged.
func (m *Manager) withLock(ctx context.Context, sessionID string, fn func(context.Context) error) error {
	handle, err := m.locks.Acquire(ctx, lockName(sessionID))
	if err != nil {
		if shared.IsTimeout(err) && m.metrics != nil {
			m.metrics.SessionConflicts.Add(ctx, 1)
		}
		return err
	}
	defer func() {
		if relErr := handle.Release(context.WithoutCancel(ctx)); relErr != nil {
			m.logger.Warn("session lock release failed",
				"session_id", sessionID,
				"error", relErr)
		}
	}()
	return fn(ctx)
}

// GetOrCreate returns the current document for sessionID, creating a fresh
// one under the session's lock when none exists. init, if non-nil, seeds the
// new document before the first write; it is not called for existing
// sessions.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string, init func(*Document)) (*Document, error) {
	if sessionID == "" {
		return nil, &shared.ValidationError{Msg: "session: id must not be empty"}
	}
	var doc Document
	err := m.withLock(ctx, sessionID, func(ctx context.Context) error {
		existing, err := m.docs.Get(ctx, sessionID)
		if err == nil {
			doc = existing
			return nil
		}
		if !shared.IsNotFound(err) {
			return err
		}
		now := m.now().UTC()
		doc = Document{
			SessionID: sessionID,
			TenantID:  shared.TenantID(ctx),
			CreatedAt: now,
			UpdatedAt: now,
			Revision:  1,
		}
		if init != nil {
			init(&doc)
			doc.SessionID = sessionID
			doc.transitions = nil
		}
		if err := doc.validate(); err != nil {
			return err
		}
		if err := m.docs.Set(ctx, sessionID, doc); err != nil {
			return err
		}
		m.logger.Debug("session created",
			"session_id", sessionID,
			"tenant_id", doc.TenantID,
			"trace_id", shared.TraceID(ctx))
		m.publish(bus.TopicSessionCreated, bus.SessionEvent{
			SessionID: sessionID,
			TenantID:  doc.TenantID,
			Revision:  doc.Revision,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Get returns a read-only snapshot of the document. Expired or missing
// sessions return a shared.NotFoundError.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Document, error) {
	doc, err := m.docs.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Mutate rewrites the document atomically: it acquires the session's lock,
// re-reads the latest revision, applies fn, validates, bumps Revision, and
// writes back with a fresh TTL. An error from fn or validation aborts the
// write entirely. Missing sessions return a shared.NotFoundError.
func (m *Manager) Mutate(ctx context.Context, sessionID string, fn func(*Document) error) (*Document, error) {
	if fn == nil {
		return nil, &shared.ValidationError{Msg: "session: mutate requires a function"}
	}
	var doc Document
	err := m.withLock(ctx, sessionID, func(ctx context.Context) error {
		current, err := m.docs.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		current.transitions = nil
		if err := fn(&current); err != nil {
			return err
		}
		if current.SessionID != sessionID {
			return &shared.ValidationError{Msg: fmt.Sprintf("session: mutation changed session_id to %q", current.SessionID)}
		}
		if err := current.validate(); err != nil {
			return err
		}
		current.Revision++
		current.UpdatedAt = m.now().UTC()
		if err := m.docs.Set(ctx, sessionID, current); err != nil {
			return err
		}
		if m.metrics != nil {
			m.metrics.SessionMutations.Add(ctx, 1)
		}
		m.logger.Debug("session updated",
			"session_id", sessionID,
			"revision", current.Revision,
			"trace_id", shared.TraceID(ctx))
		m.publish(bus.TopicSessionUpdated, bus.SessionEvent{
			SessionID: sessionID,
			TenantID:  current.TenantID,
			Revision:  current.Revision,
		})
		for _, tr := range current.transitions {
			m.publish(bus.TopicSessionTaskTransition, bus.TaskTransitionEvent{
				SessionID: sessionID,
				TaskID:    tr.TaskID,
				From:      string(tr.From),
				To:        string(tr.To),
				Attempts:  tr.Attempts,
			})
		}
		doc = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Delete removes the session document. Deleting a missing session is a no-op.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return &shared.ValidationError{Msg: "session: id must not be empty"}
	}
	return m.withLock(ctx, sessionID, func(ctx context.Context) error {
		existing, err := m.docs.Get(ctx, sessionID)
		if err != nil {
			if shared.IsNotFound(err) {
				return nil
			}
			return err
		}
		if err := m.docs.Delete(ctx, sessionID); err != nil {
			return err
		}
		m.logger.Debug("session deleted",
			"session_id", sessionID,
			"trace_id", shared.TraceID(ctx))
		m.publish(bus.TopicSessionDeleted, bus.SessionEvent{
			SessionID: sessionID,
			TenantID:  existing.TenantID,
		})
		return nil
	})
}

// AddTask appends a new pending task to the session. A zero MaxAttempts gets
// the manager's default budget.
func (m *Manager) AddTask(ctx context.Context, sessionID string, task Task) (*Document, error) {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = m.maxAttempts
	}
	return m.Mutate(ctx, sessionID, func(d *Document) error {
		return d.AddTask(task)
	})
}

// StartTask moves a task to in_progress once its dependencies are completed.
func (m *Manager) StartTask(ctx context.Context, sessionID, taskID string) (*Document, error) {
	return m.Mutate(ctx, sessionID, func(d *Document) error {
		return d.StartTask(taskID)
	})
}

// CompleteTask marks a running task completed.
func (m *Manager) CompleteTask(ctx context.Context, sessionID, taskID string) (*Document, error) {
	return m.Mutate(ctx, sessionID, func(d *Document) error {
		return d.CompleteTask(taskID)
	})
}

// FailTask records a failed attempt, requeueing the task while its budget
// lasts.
func (m *Manager) FailTask(ctx context.Context, sessionID, taskID string) (*Document, error) {
	return m.Mutate(ctx, sessionID, func(d *Document) error {
		return d.FailTask(taskID)
	})
}

// AppendMessage adds one conversation entry to the session's history.
func (m *Manager) AppendMessage(ctx context.Context, sessionID string, msg Message) (*Document, error) {
	return m.Mutate(ctx, sessionID, func(d *Document) error {
		return d.AppendMessage(msg)
	})
}

// IDs lists the ids of all live sessions, sorted.
func (m *Manager) IDs(ctx context.Context) ([]string, error) {
	return m.docs.IDs(ctx)
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, payload)
}
