package webhook_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portside/anchor/internal/shared"
	"github.com/portside/anchor/internal/webhook"
)

func openTestStore(t *testing.T) (*webhook.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "anchor.db")
	store, err := webhook.Open(webhook.StoreConfig{DSN: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// openTestPostgres exercises the lib/pq path when a test database is
// provided; everything else runs on sqlite.
func openTestPostgres(t *testing.T) *webhook.Store {
	t.Helper()
	dsn := os.Getenv("ANCHOR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ANCHOR_TEST_POSTGRES_DSN not set")
	}
	store, err := webhook.Open(webhook.StoreConfig{Driver: webhook.DriverPostgres, DSN: dsn})
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func paymentEvent(id string) webhook.Event {
	return webhook.Event{
		ID:       id,
		Type:     webhook.TypePaymentSucceeded,
		TenantID: "acme",
		Payload:  json.RawMessage(`{"payment_id":"pay_1","amount":4200,"currency":"USD"}`),
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("foreign_keys = %d, want 1", foreignKeys)
	}

	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != 1 {
		t.Fatalf("schema version = %d, want 1", version)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.InsertProcessing(ctx, paymentEvent("evt-1"), 5, "owner-1", now.Add(time.Minute), now); err != nil {
		t.Fatalf("InsertProcessing: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := webhook.Open(webhook.StoreConfig{DSN: dbPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	rec, err := again.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if rec.Status != webhook.StatusProcessing || rec.LeaseOwner != "owner-1" {
		t.Fatalf("record lost across reopen: %+v", rec)
	}
}

func TestStore_ChecksumMismatchRejected(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper ledger: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := webhook.Open(webhook.StoreConfig{DSN: dbPath}); err == nil {
		t.Fatal("open accepted a tampered schema ledger")
	}
}

func TestStore_InsertDuplicateUntouched(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := store.InsertProcessing(ctx, paymentEvent("evt-1"), 5, "owner-1", now.Add(time.Minute), now)
	if err != nil || !inserted {
		t.Fatalf("first insert = (%v, %v)", inserted, err)
	}
	inserted, err = store.InsertProcessing(ctx, paymentEvent("evt-1"), 5, "owner-2", now.Add(time.Minute), now)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert reported as new")
	}

	rec, err := store.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.LeaseOwner != "owner-1" {
		t.Fatalf("duplicate insert stole the lease: %+v", rec)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	if !shared.IsNotFound(err) {
		t.Fatalf("want NotFoundError, got %v", err)
	}
}

func TestStore_LeaseOwnerDiscipline(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.InsertProcessing(ctx, paymentEvent("evt-1"), 5, "owner-1", now.Add(time.Minute), now); err != nil {
		t.Fatalf("InsertProcessing: %v", err)
	}

	// A stranger cannot complete someone else's lease.
	ok, err := store.MarkCompleted(ctx, "evt-1", "owner-2", now)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if ok {
		t.Fatal("foreign lease owner completed the event")
	}

	ok, err = store.MarkCompleted(ctx, "evt-1", "owner-1", now)
	if err != nil || !ok {
		t.Fatalf("owner completion = (%v, %v)", ok, err)
	}

	rec, err := store.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != webhook.StatusCompleted || rec.CompletedAt == nil || rec.LeaseOwner != "" {
		t.Fatalf("completed record: %+v", rec)
	}
}

func TestStore_ReclaimOnlyAfterLeaseExpiry(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.InsertProcessing(ctx, paymentEvent("evt-1"), 5, "owner-1", now.Add(time.Minute), now); err != nil {
		t.Fatalf("InsertProcessing: %v", err)
	}

	// Live lease: re-claim must fail.
	claimed, err := store.ReclaimExpired(ctx, "evt-1", "owner-2", now.Add(2*time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimExpired: %v", err)
	}
	if claimed {
		t.Fatal("re-claimed a live lease")
	}

	// Pretend time passed the lease.
	later := now.Add(2 * time.Minute)
	claimed, err = store.ReclaimExpired(ctx, "evt-1", "owner-2", later.Add(time.Minute), later)
	if err != nil || !claimed {
		t.Fatalf("re-claim after expiry = (%v, %v)", claimed, err)
	}

	rec, err := store.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.LeaseOwner != "owner-2" {
		t.Fatalf("lease not transferred: %+v", rec)
	}
}

func TestStore_PurgeCascadesLog(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := store.InsertProcessing(ctx, paymentEvent("evt-1"), 5, "owner-1", now.Add(time.Minute), now); err != nil {
		t.Fatalf("InsertProcessing: %v", err)
	}
	if _, err := store.MarkCompleted(ctx, "evt-1", "owner-1", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	entries, err := store.History(ctx, "evt-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("history = %+v", entries)
	}

	purged, err := store.PurgeTerminal(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := store.Get(ctx, "evt-1"); !shared.IsNotFound(err) {
		t.Fatalf("purged row still present: %v", err)
	}

	var logRows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM webhook_event_log;`).Scan(&logRows); err != nil {
		t.Fatalf("count log rows: %v", err)
	}
	if logRows != 0 {
		t.Fatalf("log rows = %d after purge, want 0", logRows)
	}
}

func TestStore_StatsByStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		if _, err := store.InsertProcessing(ctx, paymentEvent(id), 5, "owner-"+id, now.Add(time.Minute), now); err != nil {
			t.Fatalf("InsertProcessing %s: %v", id, err)
		}
	}
	if _, err := store.MarkCompleted(ctx, "evt-1", "owner-evt-1", now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if _, err := store.ScheduleRetry(ctx, "evt-2", "owner-evt-2", "boom", now.Add(time.Minute), now); err != nil {
		t.Fatalf("ScheduleRetry: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := map[webhook.Status]int{
		webhook.StatusCompleted:  1,
		webhook.StatusFailed:     1,
		webhook.StatusProcessing: 1,
	}
	for status, n := range want {
		if stats[status] != n {
			t.Fatalf("stats[%s] = %d, want %d (all: %v)", status, stats[status], n, stats)
		}
	}
}

func TestStore_PostgresRoundTrip(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	evt := paymentEvent("pg-evt-" + now.Format("150405.000000000"))
	inserted, err := store.InsertProcessing(ctx, evt, 5, "owner-pg", now.Add(time.Minute), now)
	if err != nil || !inserted {
		t.Fatalf("InsertProcessing = (%v, %v)", inserted, err)
	}
	defer func() {
		_, _ = store.DB().Exec(`DELETE FROM webhook_events WHERE event_id = $1;`, evt.ID)
	}()

	ok, err := store.MarkCompleted(ctx, evt.ID, "owner-pg", now)
	if err != nil || !ok {
		t.Fatalf("MarkCompleted = (%v, %v)", ok, err)
	}
	rec, err := store.Get(ctx, evt.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != webhook.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
}
