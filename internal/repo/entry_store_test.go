package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/storage"
	"github.com/tbourn/request-ledger/internal/storage/storagetest"
)

func openStore(t *testing.T, path string, maxEntries int) *EntryStore {
	t.Helper()
	s, err := OpenEntryStore(path, "", maxEntries)
	if err != nil {
		t.Fatalf("OpenEntryStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEntryStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, maxEntries int) storage.Storage {
		return openStore(t, filepath.Join(t.TempDir(), "ledger.db"), maxEntries)
	})
}

func TestEntryStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s1, err := OpenEntryStore(path, "", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e := storagetest.NewEntry("durable", 1)
	e.CreatedAt = e.CreatedAt.Add(123 * time.Nanosecond)
	if err := s1.Put(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}
	at := e.CreatedAt.Add(time.Second)
	if err := s1.Update(ctx, "durable", domain.Patch{
		Status:        domain.Ptr(domain.StatusFailed),
		AttemptCount:  domain.Ptr(1),
		LastAttemptAt: &at,
		Error:         &domain.EntryError{Message: "execute: HTTP 404 Not Found", Code: "HTTP_404"},
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openStore(t, path, 0)
	got, err := s2.Get(ctx, "durable")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Fatalf("nanosecond ordering lost: %v vs %v", got.CreatedAt, e.CreatedAt)
	}
	if got.Status != domain.StatusFailed || got.AttemptCount != 1 || got.Error == nil || got.Error.Code != "HTTP_404" {
		t.Fatalf("unexpected entry after reopen: %+v", got)
	}
}

func TestEntryStore_GetAllOrdered(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"), 0)

	for _, in := range []struct {
		id string
		n  int
	}{{"c", 3}, {"a", 1}, {"b2", 2}, {"b1", 2}} {
		if err := s.Put(ctx, storagetest.NewEntry(in.id, in.n)); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		t.Fatalf("getAll: %v", err)
	}
	want := []string{"a", "b1", "b2", "c"}
	for i, id := range want {
		if all[i].ID != id {
			t.Fatalf("position %d: want %s got %s", i, id, all[i].ID)
		}
	}
}

func TestEntryStore_IndependentTables(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	a, err := NewEntryStore(db, "ledger_a", 0)
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := NewEntryStore(db, "ledger_b", 0)
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	if err := a.Put(ctx, storagetest.NewEntry("same", 1)); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := b.Put(ctx, storagetest.NewEntry("same", 1)); err != nil {
		t.Fatalf("same id in another store must be allowed: %v", err)
	}
	if err := a.Clear(ctx); err != nil {
		t.Fatalf("clear a: %v", err)
	}
	if n, _ := b.Count(ctx); n != 1 {
		t.Fatalf("clearing one store touched the other, count=%d", n)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close of a borrowed db must be a no-op: %v", err)
	}
	if _, err := b.Count(ctx); err != nil {
		t.Fatalf("db closed by non-owner: %v", err)
	}
}

func TestNewEntryStore_RejectsBadName(t *testing.T) {
	db := newTestDB(t)
	for _, name := range []string{"1abc", "drop table;", "a-b", "with space"} {
		_, err := NewEntryStore(db, name, 0)
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Fatalf("name %q: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if !ValidStoreName("Ledger_01") {
		t.Fatalf("expected Ledger_01 to be valid")
	}
}

func TestEntryStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"), 0)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Put(ctx, storagetest.NewEntry(fmt.Sprintf("w%02d", i), i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent put: %v", err)
		}
	}
	if got, _ := s.Count(ctx); got != n {
		t.Fatalf("count=%d want %d", got, n)
	}
}

func TestEntryStore_UpdateEmptyPatch(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "ledger.db"), 0)
	if err := s.Update(ctx, "ghost", domain.Patch{}); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	_ = s.Put(ctx, storagetest.NewEntry("x", 1))
	if err := s.Update(ctx, "x", domain.Patch{}); err != nil {
		t.Fatalf("empty patch on existing entry: %v", err)
	}
}

func TestEntryStore_ClosedDBIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	s, err := OpenEntryStore(filepath.Join(t.TempDir(), "ledger.db"), "", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = s.Close()
	if _, err := s.GetAll(ctx); !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestEntryStore_DefaultTableName(t *testing.T) {
	db := newTestDB(t)
	s, err := NewEntryStore(db, "", 0)
	if err != nil {
		t.Fatalf("NewEntryStore: %v", err)
	}
	if s.Table() != "entries" {
		t.Fatalf("default table = %q, want entries", s.Table())
	}
	if !db.Migrator().HasTable("entries") {
		t.Fatalf("entries table not created")
	}
}
