// Package storagetest holds the behavioral suite every storage.Storage
// implementation must pass. Backends call Run from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tbourn/request-ledger/internal/domain"
	"github.com/tbourn/request-ledger/internal/storage"
)

// Factory builds a fresh, empty store. maxEntries <= 0 means uncapped.
type Factory func(t *testing.T, maxEntries int) storage.Storage

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// NewEntry builds a pending entry created n seconds after a fixed epoch.
func NewEntry(id string, n int) *domain.Entry {
	return &domain.Entry{
		ID: id,
		Request: domain.Request{
			URL:     "https://api.example.test/orders",
			Method:  "POST",
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    json.RawMessage(`{"item":"a"}`),
		},
		Status:         domain.StatusPending,
		CreatedAt:      base.Add(time.Duration(n) * time.Second),
		IdempotencyKey: "idem-" + id,
		Metadata:       map[string]any{"user": "u1"},
	}
}

// Run executes the contract suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, newStore(t, 0)) })
	t.Run("PutDuplicate", func(t *testing.T) { testDuplicate(t, newStore(t, 0)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t, 0)) })
	t.Run("UpdatePatch", func(t *testing.T) { testUpdate(t, newStore(t, 0)) })
	t.Run("UpdateMissing", func(t *testing.T) { testUpdateMissing(t, newStore(t, 0)) })
	t.Run("RemoveClearCount", func(t *testing.T) { testRemoveClearCount(t, newStore(t, 0)) })
	t.Run("EvictsOldestCompleted", func(t *testing.T) { testEviction(t, newStore(t, 3)) })
	t.Run("FullWithoutCompleted", func(t *testing.T) { testFull(t, newStore(t, 2)) })
	t.Run("CountByStatus", func(t *testing.T) { testCountByStatus(t, newStore(t, 0)) })
}

func mustPut(t *testing.T, s storage.Storage, e *domain.Entry) {
	t.Helper()
	if err := s.Put(context.Background(), e); err != nil {
		t.Fatalf("put %s: %v", e.ID, err)
	}
}

func testPutGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	in := NewEntry("e1", 1)
	mustPut(t, s, in)

	got, err := s.Get(ctx, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "e1" || got.Status != domain.StatusPending || got.AttemptCount != 0 {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.Request.URL != in.Request.URL || got.Request.Method != "POST" ||
		got.Request.Headers["Content-Type"] != "application/json" ||
		string(got.Request.Body) != `{"item":"a"}` {
		t.Fatalf("request snapshot changed: %+v", got.Request)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Fatalf("createdAt changed: %v vs %v", got.CreatedAt, in.CreatedAt)
	}
	if got.LastAttemptAt != nil || got.Error != nil {
		t.Fatalf("fresh entry should have no attempt/error: %+v", got)
	}
	if got.IdempotencyKey != "idem-e1" || got.Metadata["user"] != "u1" {
		t.Fatalf("key/metadata lost: %+v", got)
	}

	// Mutating the returned copy must not leak into the store.
	got.Request.Headers["Content-Type"] = "text/plain"
	again, _ := s.Get(ctx, "e1")
	if again.Request.Headers["Content-Type"] != "application/json" {
		t.Fatalf("store aliased returned entry")
	}
}

func testDuplicate(t *testing.T, s storage.Storage) {
	mustPut(t, s, NewEntry("dup", 1))
	err := s.Put(context.Background(), NewEntry("dup", 2))
	if !errors.Is(err, domain.ErrDuplicateEntry) {
		t.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
	got, _ := s.Get(context.Background(), "dup")
	if !got.CreatedAt.Equal(NewEntry("dup", 1).CreatedAt) {
		t.Fatalf("duplicate put overwrote the original")
	}
}

func testGetMissing(t *testing.T, s storage.Storage) {
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func testUpdate(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	mustPut(t, s, NewEntry("u1", 1))

	at := base.Add(time.Minute)
	err := s.Update(ctx, "u1", domain.Patch{
		Status:        domain.Ptr(domain.StatusPending),
		AttemptCount:  domain.Ptr(2),
		LastAttemptAt: &at,
		Error:         &domain.EntryError{Message: "HTTP 503", Code: "HTTP_503"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.Get(ctx, "u1")
	if got.AttemptCount != 2 || got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(at) ||
		got.Error == nil || got.Error.Code != "HTTP_503" {
		t.Fatalf("patch not applied: %+v", got)
	}

	if err := s.Update(ctx, "u1", domain.Patch{Status: domain.Ptr(domain.StatusCompleted), ClearError: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.Get(ctx, "u1")
	if got.Status != domain.StatusCompleted || got.Error != nil || got.AttemptCount != 2 {
		t.Fatalf("second patch not applied: %+v", got)
	}
	if string(got.Request.Body) != `{"item":"a"}` {
		t.Fatalf("update touched the request snapshot")
	}
}

func testUpdateMissing(t *testing.T, s storage.Storage) {
	err := s.Update(context.Background(), "ghost", domain.Patch{Status: domain.Ptr(domain.StatusFailed)})
	if !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func testRemoveClearCount(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustPut(t, s, NewEntry(fmt.Sprintf("r%d", i), i))
	}
	if n, err := s.Count(ctx); err != nil || n != 3 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	if err := s.Remove(ctx, "r1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "r1"); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
	all, err := s.GetAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("getAll len=%d err=%v", len(all), err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("count after clear=%d", n)
	}
}

func testEviction(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	mustPut(t, s, NewEntry("c-old", 1))
	mustPut(t, s, NewEntry("p", 2))
	mustPut(t, s, NewEntry("c-new", 3))
	for _, id := range []string{"c-old", "c-new"} {
		if err := s.Update(ctx, id, domain.Patch{Status: domain.Ptr(domain.StatusCompleted)}); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	mustPut(t, s, NewEntry("n", 4))

	if _, err := s.Get(ctx, "c-old"); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("oldest completed should be evicted, got %v", err)
	}
	for _, id := range []string{"p", "c-new", "n"} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Fatalf("%s should survive eviction: %v", id, err)
		}
	}
}

func testFull(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	mustPut(t, s, NewEntry("a", 1))
	mustPut(t, s, NewEntry("b", 2))

	err := s.Put(ctx, NewEntry("c", 3))
	if !errors.Is(err, domain.ErrPersistence) || !errors.Is(err, domain.ErrStoreFull) {
		t.Fatalf("expected persistence error wrapping ErrStoreFull, got %v", err)
	}
	if n, _ := s.Count(ctx); n != 2 {
		t.Fatalf("pending entries must never be evicted, count=%d", n)
	}
}

func testCountByStatus(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	mustPut(t, s, NewEntry("a", 1))
	mustPut(t, s, NewEntry("b", 2))
	mustPut(t, s, NewEntry("c", 3))
	_ = s.Update(ctx, "c", domain.Patch{Status: domain.Ptr(domain.StatusFailed)})

	counts, err := storage.CountByStatus(ctx, s)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if counts[domain.StatusPending] != 2 || counts[domain.StatusFailed] != 1 || counts[domain.StatusCompleted] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}
