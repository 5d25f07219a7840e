package formlock

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	locks map[string][]Lock // cohort -> locks, oldest first
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string][]Lock)}
}

func (m *MemoryStore) Active(_ context.Context, cohort string) (*Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.locks[cohort] {
		if l.IsActive {
			found := l
			return &found, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) Replace(_ context.Context, next Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.locks[next.CohortKey]
	for i := range rows {
		rows[i].IsActive = false
	}
	next.IsActive = true
	m.locks[next.CohortKey] = append(rows, next)
	return nil
}

func (m *MemoryStore) History(_ context.Context, cohort string) ([]Lock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.locks[cohort]
	out := make([]Lock, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}
