//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/server/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/filetrace/agent/internal/server/storage"
)

// migrationsDir returns the absolute path to db/migrations relative to this
// test file, so the tests work regardless of the working directory.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// thisFile is internal/server/storage/postgres_test.go
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "db", "migrations")
}

// setupDB starts a PostgreSQL container, applies the migration files, and
// returns a Store.
func setupDB(t *testing.T) (*storage.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("filetrace_test"),
		tcpostgres.WithUsername("filetrace"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	rawPool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("connect for migrations: %v", err)
	}
	applyMigrations(t, ctx, rawPool, migrationsDir(t))
	rawPool.Close()

	store, err := storage.New(ctx, connStr, 10, 50*time.Millisecond)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("storage.New: %v", err)
	}

	cleanup := func() {
		store.Close(ctx)
		_ = pgContainer.Terminate(ctx)
	}
	return store, cleanup
}

// applyMigrations executes migration SQL files in order.
func applyMigrations(t *testing.T, ctx context.Context, pool *pgxpool.Pool, dir string) {
	t.Helper()
	files := []string{
		"001_hosts.sql",
		"002_file_events.sql",
	}
	for _, f := range files {
		path := filepath.Join(dir, f)
		sql, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}
}

// testHost returns a Host struct suitable for use in tests.
func testHost(suffix string) storage.Host {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return storage.Host{
		HostID:       fmt.Sprintf("00000000-0000-0000-0000-%012s", suffix),
		Hostname:     "test-host-" + suffix,
		Platform:     "linux",
		AgentVersion: "0.1.0",
		LastSeen:     &now,
		Status:       storage.HostStatusOnline,
	}
}

// testEvent builds a FileEvent for hostID received at the given time.
func testEvent(hostID, eventID, container, path string, at time.Time) storage.FileEvent {
	return storage.FileEvent{
		EventID:    eventID,
		HostID:     hostID,
		Container:  container,
		CgroupID:   1 << 40,
		PID:        42,
		Syscall:    "openat",
		Path:       path,
		Timestamp:  at,
		ReceivedAt: at,
	}
}

// ── Host operations ──────────────────────────────────────────────────────────

func TestHostUpsertAndGet(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000001000001")
	id, err := store.UpsertHost(ctx, h)
	if err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	if id != h.HostID {
		t.Errorf("effective host_id = %q, want %q", id, h.HostID)
	}

	got, err := store.GetHost(ctx, h.HostID)
	if err != nil {
		t.Fatalf("GetHost: %v", err)
	}
	if got.Hostname != h.Hostname {
		t.Errorf("hostname: want %q, got %q", h.Hostname, got.Hostname)
	}
	if got.Platform != h.Platform {
		t.Errorf("platform: want %q, got %q", h.Platform, got.Platform)
	}
	if got.Status != h.Status {
		t.Errorf("status: want %q, got %q", h.Status, got.Status)
	}
}

func TestHostUpsert_SameHostnameKeepsHostID(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000002000002")
	if _, err := store.UpsertHost(ctx, h); err != nil {
		t.Fatalf("initial UpsertHost: %v", err)
	}

	// A reconnecting agent proposes a fresh UUID for the same hostname; the
	// original id must win.
	h2 := h
	h2.HostID = "00000000-0000-0000-0000-999999999999"
	h2.AgentVersion = "0.2.0"
	id, err := store.UpsertHost(ctx, h2)
	if err != nil {
		t.Fatalf("update UpsertHost: %v", err)
	}
	if id != h.HostID {
		t.Errorf("effective host_id = %q, want original %q", id, h.HostID)
	}

	got, err := store.GetHost(ctx, h.HostID)
	if err != nil {
		t.Fatalf("GetHost after update: %v", err)
	}
	if got.AgentVersion != "0.2.0" {
		t.Errorf("agent_version: want 0.2.0, got %q", got.AgentVersion)
	}
}

func TestListHosts(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, suffix := range []string{"000003000003", "000004000004"} {
		if _, err := store.UpsertHost(ctx, testHost(suffix)); err != nil {
			t.Fatalf("UpsertHost: %v", err)
		}
	}

	hosts, err := store.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) < 2 {
		t.Errorf("want >= 2 hosts, got %d", len(hosts))
	}
}

// ── Event batch insert & query ───────────────────────────────────────────────

func TestBatchInsertEvent_FlushOnSize(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000005000005")
	if _, err := store.UpsertHost(ctx, h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	// batchSize is 10 in setupDB; insert 10 events to trigger a size flush.
	for i := 0; i < 10; i++ {
		eventID := fmt.Sprintf("aaaaaaaa-0000-0000-0000-%012d", i)
		e := testEvent(h.HostID, eventID, "web", fmt.Sprintf("/etc/file-%d", i), at)
		if err := store.BatchInsertEvent(ctx, e); err != nil {
			t.Fatalf("BatchInsertEvent[%d]: %v", i, err)
		}
	}

	events, err := store.QueryEvents(ctx, storage.EventQuery{
		HostID: h.HostID,
		From:   at.Add(-time.Hour),
		To:     at.Add(time.Hour),
		Limit:  100,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 10 {
		t.Errorf("want 10 events, got %d", len(events))
	}
}

func TestBatchInsertEvent_FlushOnInterval(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000006000006")
	if _, err := store.UpsertHost(ctx, h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	// Only 1 event — the batchSize threshold (10) is not reached.
	e := testEvent(h.HostID, "bbbbbbbb-0000-0000-0000-000000000001", "web", "/etc/passwd", at)
	if err := store.BatchInsertEvent(ctx, e); err != nil {
		t.Fatalf("BatchInsertEvent: %v", err)
	}

	// Wait for the 50 ms flush interval to fire (give 200 ms headroom).
	time.Sleep(200 * time.Millisecond)

	events, err := store.QueryEvents(ctx, storage.EventQuery{
		HostID: h.HostID,
		From:   at.Add(-time.Hour),
		To:     at.Add(time.Hour),
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("want 1 event, got %d", len(events))
	}
}

func TestBatchInsertEvent_DuplicateEventIDIgnored(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000007000007")
	if _, err := store.UpsertHost(ctx, h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	e := testEvent(h.HostID, "cccccccc-0000-0000-0000-000000000001", "web", "/etc/passwd", at)
	// Simulate an agent replaying an event whose ACK was lost.
	for i := 0; i < 2; i++ {
		if err := store.BatchInsertEvent(ctx, e); err != nil {
			t.Fatalf("BatchInsertEvent replay %d: %v", i, err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := store.QueryEvents(ctx, storage.EventQuery{
		HostID: h.HostID,
		From:   at.Add(-time.Hour),
		To:     at.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("want 1 event after replay, got %d", len(events))
	}
}

func TestQueryEvents_Filters(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000008000008")
	if _, err := store.UpsertHost(ctx, h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	events := []storage.FileEvent{
		testEvent(h.HostID, "dddddddd-0000-0000-0000-000000000001", "web", "/etc/passwd", at),
		testEvent(h.HostID, "dddddddd-0000-0000-0000-000000000002", "db", "/var/lib/db.sqlite", at),
	}
	events[1].Syscall = "execve"
	for _, e := range events {
		if err := store.BatchInsertEvent(ctx, e); err != nil {
			t.Fatalf("BatchInsertEvent: %v", err)
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	from, to := at.Add(-time.Hour), at.Add(time.Hour)

	byContainer, err := store.QueryEvents(ctx, storage.EventQuery{
		HostID: h.HostID, Container: "db", From: from, To: to,
	})
	if err != nil {
		t.Fatalf("QueryEvents(container): %v", err)
	}
	if len(byContainer) != 1 || byContainer[0].Container != "db" {
		t.Errorf("container filter returned %+v", byContainer)
	}

	bySyscall, err := store.QueryEvents(ctx, storage.EventQuery{
		HostID: h.HostID, Syscall: "execve", From: from, To: to,
	})
	if err != nil {
		t.Fatalf("QueryEvents(syscall): %v", err)
	}
	if len(bySyscall) != 1 || bySyscall[0].Syscall != "execve" {
		t.Errorf("syscall filter returned %+v", bySyscall)
	}
}

func TestContainerSummaries(t *testing.T) {
	store, cleanup := setupDB(t)
	defer cleanup()
	ctx := context.Background()

	h := testHost("000009000009")
	if _, err := store.UpsertHost(ctx, h); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}

	at := time.Date(2026, 2, 15, 10, 0, 0, 0, time.UTC)
	paths := map[string][]string{
		"web": {"/etc/passwd", "/etc/hosts", "/etc/passwd"}, // one duplicate path
		"db":  {"/var/lib/db.sqlite"},
	}
	i := 0
	for container, ps := range paths {
		for _, p := range ps {
			eventID := fmt.Sprintf("eeeeeeee-0000-0000-0000-%012d", i)
			i++
			if err := store.BatchInsertEvent(ctx, testEvent(h.HostID, eventID, container, p, at)); err != nil {
				t.Fatalf("BatchInsertEvent: %v", err)
			}
		}
	}
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	summaries, err := store.ContainerSummaries(ctx)
	if err != nil {
		t.Fatalf("ContainerSummaries: %v", err)
	}
	byContainer := map[string]int64{}
	for _, s := range summaries {
		byContainer[s.Container] = s.UniqueFiles
	}
	if byContainer["web"] != 2 {
		t.Errorf("web unique files = %d, want 2", byContainer["web"])
	}
	if byContainer["db"] != 1 {
		t.Errorf("db unique files = %d, want 1", byContainer["db"])
	}
}
