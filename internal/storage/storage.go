// Package storage defines the persistence contract every ledger backend
// implements, plus an in-memory implementation used as a test double and for
// ephemeral ledgers.
//
// Backends are independent variants selected at construction time:
//   - repo.EntryStore: the default durable backend (SQLite via GORM)
//   - Memory: process-local, lost on exit
//   - any caller-supplied type satisfying Storage
//
// Error semantics shared by all variants:
//   - Put on an existing id returns domain.ErrDuplicateEntry.
//   - Get and Update on a missing id return domain.ErrEntryNotFound.
//   - Remove on a missing id is a no-op.
//   - Backend failures are wrapped as domain.ErrPersistence.
package storage

import (
	"context"

	"github.com/tbourn/request-ledger/internal/domain"
)

// Storage is the capability set the ledger core needs from a backend.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Put persists a new entry.
	Put(ctx context.Context, e *domain.Entry) error
	// Get returns a copy of the entry with the given id.
	Get(ctx context.Context, id string) (*domain.Entry, error)
	// GetAll returns every entry in unspecified order.
	GetAll(ctx context.Context) ([]domain.Entry, error)
	// Update merges the mutable fields in p into the stored entry.
	Update(ctx context.Context, id string, p domain.Patch) error
	// Remove deletes one entry.
	Remove(ctx context.Context, id string) error
	// Clear deletes every entry.
	Clear(ctx context.Context) error
	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)
}

// StatusCounter is an optional capability for backends that can aggregate
// entries per status without loading them.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
}

// CountByStatus uses s's StatusCounter when available and falls back to
// GetAll otherwise.
func CountByStatus(ctx context.Context, s Storage) (map[domain.Status]int, error) {
	if sc, ok := s.(StatusCounter); ok {
		return sc.CountByStatus(ctx)
	}
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int, 4)
	for _, e := range all {
		out[e.Status]++
	}
	return out, nil
}
