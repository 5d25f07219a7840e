package document

import (
	"context"
	"sort"
	"sync"
)

// Store persists versions. Put keeps the existing row when the id is already present.
type Store interface {
	Put(ctx context.Context, v Version) error
	Get(ctx context.Context, versionID string) (Version, error)
	SetArtifactRef(ctx context.Context, versionID, ref, contentType string) error
	ListByCohort(ctx context.Context, cohortKey string) ([]Version, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Version
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Version)}
}

func (m *MemoryStore) Put(_ context.Context, v Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rows[v.VersionID]; exists {
		return nil
	}
	m.rows[v.VersionID] = v
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) SetArtifactRef(_ context.Context, id, ref, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[id]
	if !ok {
		return ErrNotFound
	}
	v.RenderedArtifactRef = ref
	v.RenderedContentType = contentType
	m.rows[id] = v
	return nil
}

// ListByCohort returns the cohort's versions, oldest first.
func (m *MemoryStore) ListByCohort(_ context.Context, cohortKey string) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Version, 0)
	for _, v := range m.rows {
		if v.CohortKey == cohortKey {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].VersionID < out[j].VersionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
