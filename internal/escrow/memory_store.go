package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; ok {
		return ErrDuplicateEscrow
	}
	m.escrows[escrow.ID] = escrow.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return escrow.Clone(), nil
}

// ConditionalUpdate holds the write lock across check, mutate and swap, so
// the version test and the write are atomic.
func (m *MemoryStore) ConditionalUpdate(ctx context.Context, id string, expectedVersion int64, mutate func(*Escrow) error) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	if stored.Version != expectedVersion {
		return nil, ErrConcurrentModification
	}

	next := stored.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = expectedVersion + 1
	m.escrows[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ProviderID == providerID {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListDueForClearing(ctx context.Context, now time.Time, after ClearingCursor, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		due := e.clearingDueAt()
		if due == nil || due.After(now) || !after.before(*due, e.ID) {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		di, dj := result[i].ClearingEndsAt(), result[j].ClearingEndsAt()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
