package storage

import (
	"context"
	"sync"

	"github.com/tbourn/request-ledger/internal/domain"
)

// Memory is a process-local Storage. Entries are deep-copied on the way in
// and out so callers never share state with the store.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]domain.Entry
	maxEntries int
}

// NewMemory returns an empty store. maxEntries <= 0 disables the cap.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		entries:    make(map[string]domain.Entry),
		maxEntries: maxEntries,
	}
}

// Put inserts e, evicting the oldest completed entries first when the cap
// is reached.
func (m *Memory) Put(ctx context.Context, e *domain.Entry) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[e.ID]; exists {
		return domain.NewDuplicateEntryError(e.ID)
	}
	if m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		if !m.evictCompletedLocked(len(m.entries) - m.maxEntries + 1) {
			return domain.NewPersistenceError("put", domain.ErrStoreFull)
		}
	}
	m.entries[e.ID] = e.Clone()
	return nil
}

// evictCompletedLocked removes up to n of the oldest completed entries and
// reports whether n were removed.
func (m *Memory) evictCompletedLocked(n int) bool {
	completed := make([]domain.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Status == domain.StatusCompleted {
			completed = append(completed, e)
		}
	}
	if len(completed) < n {
		return false
	}
	domain.SortByCreation(completed)
	for _, e := range completed[:n] {
		delete(m.entries, e.ID)
	}
	return true
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("get", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, domain.NewEntryNotFoundError("get", id)
	}
	c := e.Clone()
	return &c, nil
}

func (m *Memory) GetAll(ctx context.Context) ([]domain.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("get_all", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (m *Memory) Update(ctx context.Context, id string, p domain.Patch) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("update", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return domain.NewEntryNotFoundError("update", id)
	}
	e.Apply(p)
	m.entries[id] = e
	return nil
}

func (m *Memory) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("remove", err)
	}
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return domain.NewPersistenceError("clear", err)
	}
	m.mu.Lock()
	m.entries = make(map[string]domain.Entry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewPersistenceError("count", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// CountByStatus implements StatusCounter.
func (m *Memory) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewPersistenceError("count", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.Status]int, 4)
	for _, e := range m.entries {
		out[e.Status]++
	}
	return out, nil
}
