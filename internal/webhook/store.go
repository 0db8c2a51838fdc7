package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/portside/anchor/internal/shared"
)

// Status is the processing state of one webhook event row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusProcessing: {},
	},
	StatusProcessing: {
		StatusProcessing: {}, // Expired-lease re-claim by a new owner.
		StatusCompleted:  {},
		StatusFailed:     {},
		StatusDeadLetter: {},
	},
	StatusFailed: {
		StatusProcessing: {}, // Due redelivery claimed directly.
		StatusPending:    {}, // Scheduler requeue.
	},
	StatusDeadLetter: {
		StatusPending: {}, // Operator requeue.
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Record is one row of the webhook_events store of record.
type Record struct {
	EventID        string     `json:"event_id"`
	EventType      string     `json:"event_type"`
	TenantID       string     `json:"tenant_id,omitempty"`
	Payload        string     `json:"payload"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// LogEntry is one row of the append-only webhook_event_log transition log.
type LogEntry struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "anchor-v1-2026-08-webhook-events"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	next_attempt_at DATETIME,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at DATETIME,
	last_error TEXT NOT NULL DEFAULT '',
	first_seen_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_status_due ON webhook_events(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant ON webhook_events(tenant_id);
CREATE TABLE IF NOT EXISTS webhook_event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL REFERENCES webhook_events(event_id) ON DELETE CASCADE,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_event_log_event ON webhook_event_log(event_id, id);
`

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS webhook_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	next_attempt_at TIMESTAMPTZ,
	lease_owner TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	first_seen_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_status_due ON webhook_events(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant ON webhook_events(tenant_id);
CREATE TABLE IF NOT EXISTS webhook_event_log (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES webhook_events(event_id) ON DELETE CASCADE,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_event_log_event ON webhook_event_log(event_id, id);
`

const recordColumns = `event_id, event_type, tenant_id, payload, status, attempts, max_attempts,
	next_attempt_at, lease_owner, lease_expires_at, last_error, first_seen_at, updated_at, completed_at`

// StoreConfig selects and locates the backing database.
type StoreConfig struct {
	Driver string // DriverSQLite (default) or DriverPostgres
	DSN    string // file path for sqlite, connection string for postgres
	Logger *slog.Logger
}

// Store is the durable store of record for webhook events. All state changes
// are single status-conditioned updates so concurrent workers cannot clobber
// each other, and every accepted transition lands in webhook_event_log.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// DefaultDBPath returns the sqlite path used when none is configured.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".anchor", "anchor.db")
}

// Open opens the database, applies pragmas and migrations, and returns the
// store. The sqlite driver is the default; postgres requires a DSN.
func Open(cfg StoreConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var db *sql.DB
	switch driver {
	case DriverSQLite:
		path := cfg.DSN
		if path == "" {
			path = DefaultDBPath()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
		var err error
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite3: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, &shared.ValidationError{Msg: "webhook: postgres driver requires a dsn"}
		}
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, &shared.ValidationError{Msg: fmt.Sprintf("webhook: unknown database driver %q", driver)}
	}

	store := &Store{
		db:     db,
		driver: driver,
		logger: logger.With("component", "webhook.store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &shared.UnavailableError{Op: "webhook.open", Err: err}
	}
	if driver == DriverSQLite {
		if err := store.configurePragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports which database driver backs the store.
func (s *Store) Driver() string {
	return s.driver
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &shared.UnavailableError{Op: "webhook.ping", Err: err}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites '?' placeholders to '$N' when the driver is postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// retryOnBusy retries f when sqlite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a transient SQLITE_BUSY or
// SQLITE_LOCKED failure worth retrying.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// Errors wrapped with fmt.Errorf("%v", ...) lose the driver type but keep
	// the canonical message.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func (s *Store) withRetry(ctx context.Context, f func() error) error {
	if s.driver == DriverSQLite {
		return retryOnBusy(ctx, 5, f)
	}
	return f()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ledgerTimeType := "DATETIME"
	if s.driver == DriverPostgres {
		ledgerTimeType = "TIMESTAMPTZ"
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at %s NOT NULL
		);`, ledgerTimeType)); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT checksum FROM schema_migrations WHERE version = ?;`), schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	schema := sqliteSchemaV1
	if s.driver == DriverPostgres {
		schema = postgresSchemaV1
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO schema_migrations (version, checksum, applied_at)
		VALUES (?, ?, ?);`), schemaVersionLatest, schemaChecksumLatest, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	s.logger.Info("webhook schema ready",
		"driver", s.driver,
		"version", schemaVersionLatest)
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) appendLogTx(ctx context.Context, tx *sql.Tx, eventID string, from, to Status, detail string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO webhook_event_log (event_id, from_status, to_status, detail, at)
		VALUES (?, ?, ?, ?, ?);`), eventID, from, to, detail, at); err != nil {
		return fmt.Errorf("append event log: %w", err)
	}
	return nil
}

func scanRecord(scan func(dest ...any) error, rec *Record) error {
	var nextAt, leaseAt, completedAt sql.NullTime
	if err := scan(
		&rec.EventID, &rec.EventType, &rec.TenantID, &rec.Payload, &rec.Status,
		&rec.Attempts, &rec.MaxAttempts, &nextAt, &rec.LeaseOwner, &leaseAt,
		&rec.LastError, &rec.FirstSeenAt, &rec.UpdatedAt, &completedAt,
	); err != nil {
		return err
	}
	if nextAt.Valid {
		t := nextAt.Time
		rec.NextAttemptAt = &t
	}
	if leaseAt.Valid {
		t := leaseAt.Time
		rec.LeaseExpiresAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return nil
}

// InsertProcessing records a first-seen event directly as PROCESSING under a
// fresh lease. Returns false without touching anything when the event ID
// already exists.
func (s *Store) InsertProcessing(ctx context.Context, evt Event, maxAttempts int, owner string, leaseUntil, now time.Time) (bool, error) {
	firstSeen := evt.ReceivedAt
	if firstSeen.IsZero() {
		firstSeen = now
	}
	inserted := false
	err := s.withRetry(ctx, func() error {
		inserted = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO webhook_events (
				event_id, event_type, tenant_id, payload, status,
				attempts, max_attempts, lease_owner, lease_expires_at,
				first_seen_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING;`),
			evt.ID, evt.Type, evt.TenantID, string(evt.Payload), StatusProcessing,
			maxAttempts, owner, leaseUntil, firstSeen, now)
		if err != nil {
			return fmt.Errorf("insert webhook event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		if err := s.appendLogTx(ctx, tx, evt.ID, StatusPending, StatusProcessing, "first delivery accepted", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit insert tx: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// claim flips a row to PROCESSING under a fresh lease, conditioned on the
// status (and any extra predicate) still holding at update time.
func (s *Store) claim(ctx context.Context, eventID, owner string, leaseUntil, now time.Time, from Status, cond string, condArgs []any, detail string) (bool, error) {
	if !canTransition(from, StatusProcessing) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, StatusProcessing)
	}
	claimed := false
	err := s.withRetry(ctx, func() error {
		claimed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		args := append([]any{StatusProcessing, owner, leaseUntil, now, eventID, from}, condArgs...)
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE webhook_events
			SET status = ?, lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE event_id = ? AND status = ? `+cond+`;`), args...)
		if err != nil {
			return fmt.Errorf("claim webhook event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		if err := s.appendLogTx(ctx, tx, eventID, from, StatusProcessing, detail, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// ClaimPending moves a PENDING row to PROCESSING.
func (s *Store) ClaimPending(ctx context.Context, eventID, owner string, leaseUntil, now time.Time) (bool, error) {
	return s.claim(ctx, eventID, owner, leaseUntil, now, StatusPending, "", nil, "claimed")
}

// ReclaimExpired takes over a PROCESSING row whose lease has lapsed, so a
// crashed worker's event is not stuck forever.
func (s *Store) ReclaimExpired(ctx context.Context, eventID, owner string, leaseUntil, now time.Time) (bool, error) {
	return s.claim(ctx, eventID, owner, leaseUntil, now, StatusProcessing,
		"AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?", []any{now},
		"lease expired, re-claimed")
}

// ClaimDueFailed re-opens a FAILED row whose backoff delay has elapsed.
func (s *Store) ClaimDueFailed(ctx context.Context, eventID, owner string, leaseUntil, now time.Time) (bool, error) {
	return s.claim(ctx, eventID, owner, leaseUntil, now, StatusFailed,
		"AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", []any{now},
		"redelivery claimed")
}

// MarkCompleted finishes a PROCESSING row. Only the lease owner can complete
// it.
func (s *Store) MarkCompleted(ctx context.Context, eventID, owner string, now time.Time) (bool, error) {
	completed := false
	err := s.withRetry(ctx, func() error {
		completed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE webhook_events
			SET status = ?, completed_at = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = ? AND lease_owner = ?;`),
			StatusCompleted, now, now, eventID, StatusProcessing, owner)
		if err != nil {
			return fmt.Errorf("complete webhook event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		if err := s.appendLogTx(ctx, tx, eventID, StatusProcessing, StatusCompleted, "processed", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit complete tx: %w", err)
		}
		completed = true
		return nil
	})
	return completed, err
}

// ScheduleRetry records a failed attempt and parks the row as FAILED until
// nextAttempt. Only the lease owner can report the failure.
func (s *Store) ScheduleRetry(ctx context.Context, eventID, owner, lastError string, nextAttempt, now time.Time) (bool, error) {
	scheduled := false
	err := s.withRetry(ctx, func() error {
		scheduled = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE webhook_events
			SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?,
				lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = ? AND lease_owner = ?;`),
			StatusFailed, lastError, nextAttempt, now, eventID, StatusProcessing, owner)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retry rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		detail := "retry scheduled for " + nextAttempt.UTC().Format(time.RFC3339)
		if err := s.appendLogTx(ctx, tx, eventID, StatusProcessing, StatusFailed, detail, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit retry tx: %w", err)
		}
		scheduled = true
		return nil
	})
	return scheduled, err
}

// DeadLetter records the final failed attempt and parks the row terminally.
func (s *Store) DeadLetter(ctx context.Context, eventID, owner, lastError string, now time.Time) (bool, error) {
	parked := false
	err := s.withRetry(ctx, func() error {
		parked = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin dead-letter tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE webhook_events
			SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = NULL,
				lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = ? AND lease_owner = ?;`),
			StatusDeadLetter, lastError, now, eventID, StatusProcessing, owner)
		if err != nil {
			return fmt.Errorf("dead-letter webhook event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dead-letter rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		if err := s.appendLogTx(ctx, tx, eventID, StatusProcessing, StatusDeadLetter, "attempt budget exhausted", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit dead-letter tx: %w", err)
		}
		parked = true
		return nil
	})
	return parked, err
}

// Requeue revives a DEAD_LETTER row as PENDING with a clean attempt budget.
func (s *Store) Requeue(ctx context.Context, eventID string, now time.Time) (bool, error) {
	revived := false
	err := s.withRetry(ctx, func() error {
		revived = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE webhook_events
			SET status = ?, attempts = 0, next_attempt_at = NULL, last_error = '',
				lease_owner = '', lease_expires_at = NULL, updated_at = ?
			WHERE event_id = ? AND status = ?;`),
			StatusPending, now, eventID, StatusDeadLetter)
		if err != nil {
			return fmt.Errorf("requeue webhook event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("requeue rows affected: %w", err)
		}
		if n != 1 {
			return nil
		}
		if err := s.appendLogTx(ctx, tx, eventID, StatusDeadLetter, StatusPending, "requeued by operator", now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue tx: %w", err)
		}
		revived = true
		return nil
	})
	return revived, err
}

// RequeueDue flips FAILED rows whose backoff has elapsed back to PENDING and
// returns their IDs. Run by the maintenance scheduler.
func (s *Store) RequeueDue(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, func() error {
		ids = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue-due tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT event_id FROM webhook_events
			WHERE status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC;`), StatusFailed, now)
		if err != nil {
			return fmt.Errorf("select due events: %w", err)
		}
		var due []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan due event: %w", err)
			}
			due = append(due, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate due events: %w", err)
		}
		rows.Close()

		for _, id := range due {
			res, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE webhook_events
				SET status = ?, next_attempt_at = NULL, updated_at = ?
				WHERE event_id = ? AND status = ?;`),
				StatusPending, now, id, StatusFailed)
			if err != nil {
				return fmt.Errorf("requeue due event %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("requeue due rows affected: %w", err)
			}
			if n != 1 {
				continue
			}
			if err := s.appendLogTx(ctx, tx, id, StatusFailed, StatusPending, "backoff elapsed, requeued", now); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit requeue-due tx: %w", err)
		}
		return nil
	})
	return ids, err
}

// ReleaseExpired returns PROCESSING rows with lapsed leases to PENDING and
// reports their IDs. The attempt count is untouched: a crash is not a failed
// attempt.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, func() error {
		ids = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT event_id FROM webhook_events
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;`),
			StatusProcessing, now)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		var expired []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease: %w", err)
			}
			expired = append(expired, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate expired leases: %w", err)
		}
		rows.Close()

		for _, id := range expired {
			res, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE webhook_events
				SET status = ?, lease_owner = '', lease_expires_at = NULL, updated_at = ?
				WHERE event_id = ? AND status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;`),
				StatusPending, now, id, StatusProcessing, now)
			if err != nil {
				return fmt.Errorf("release lease %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("release rows affected: %w", err)
			}
			if n != 1 {
				continue
			}
			if err := s.appendLogTx(ctx, tx, id, StatusProcessing, StatusPending, "lease expired, released", now); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit release tx: %w", err)
		}
		return nil
	})
	return ids, err
}

// Get returns the record for eventID.
func (s *Store) Get(ctx context.Context, eventID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+recordColumns+`
		FROM webhook_events
		WHERE event_id = ?;`), eventID)
	var rec Record
	if err := scanRecord(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &shared.NotFoundError{Kind: "webhook_event", Key: eventID}
		}
		return nil, fmt.Errorf("select webhook event: %w", err)
	}
	return &rec, nil
}

// ListByStatus returns up to limit records in the given status, most recently
// updated first. limit <= 0 means 100.
func (s *Store) ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+recordColumns+`
		FROM webhook_events
		WHERE status = ?
		ORDER BY updated_at DESC
		LIMIT ?;`), status, limit)
	if err != nil {
		return nil, fmt.Errorf("select by status: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook events: %w", err)
	}
	return recs, nil
}

// Stats counts events by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM webhook_events GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return stats, nil
}

// PurgeTerminal deletes COMPLETED and DEAD_LETTER rows last touched before
// cutoff. The transition log cascades.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, s.rebind(`
			DELETE FROM webhook_events
			WHERE status IN (?, ?) AND updated_at < ?;`),
			StatusCompleted, StatusDeadLetter, cutoff)
		if err != nil {
			return fmt.Errorf("purge terminal events: %w", err)
		}
		purged, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("purge rows affected: %w", err)
		}
		return nil
	})
	return purged, err
}

// History returns the transition log for eventID, oldest first.
func (s *Store) History(ctx context.Context, eventID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, event_id, from_status, to_status, detail, at
		FROM webhook_event_log
		WHERE event_id = ?
		ORDER BY id ASC;`), eventID)
	if err != nil {
		return nil, fmt.Errorf("select event log: %w", err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.FromStatus, &e.ToStatus, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan event log: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event log: %w", err)
	}
	return entries, nil
}
