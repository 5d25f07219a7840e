package ledger

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

// MemoryStore is an in-memory Store for tests and single-process demos.
type MemoryStore struct {
	mu       sync.RWMutex
	records  []review.Record
	byID     map[string]int
	byEntity map[string][]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]int),
		byEntity: make(map[string][]int),
	}
}

func (m *MemoryStore) Insert(_ context.Context, rec review.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[rec.ReviewID]; ok {
		return ErrDuplicate
	}
	idx := len(m.records)
	m.records = append(m.records, rec)
	m.byID[rec.ReviewID] = idx
	m.byEntity[rec.EntityID] = append(m.byEntity[rec.EntityID], idx)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reviewID string) (review.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[reviewID]
	if !ok {
		return review.Record{}, ErrNotFound
	}
	return m.records[idx], nil
}

// latestLocked picks the newest record; later insertion wins on equal timestamps.
func (m *MemoryStore) latestLocked(entityID string) (review.Record, bool) {
	idxs := m.byEntity[entityID]
	if len(idxs) == 0 {
		return review.Record{}, false
	}
	best := m.records[idxs[0]]
	for _, i := range idxs[1:] {
		if !m.records[i].Timestamp.Before(best.Timestamp) {
			best = m.records[i]
		}
	}
	return best, true
}

func (m *MemoryStore) Latest(_ context.Context, entityID string) (*review.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.latestLocked(entityID)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) History(_ context.Context, entityID string) ([]review.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idxs := m.byEntity[entityID]
	out := make([]review.Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m.records[i])
	}
	// insertion order breaks ties
	sortByTime(out)
	return out, nil
}

func (m *MemoryStore) LatestByStatus(_ context.Context, statuses []review.Status, limit int) ([]review.Record, error) {
	want := make(map[review.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	var out []review.Record
	for entity := range m.byEntity {
		rec, _ := m.latestLocked(entity)
		if want[rec.Status] {
			out = append(out, rec)
		}
	}
	m.mu.RUnlock()

	SortQueue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetReviewTraceRef(_ context.Context, reviewID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[reviewID]
	if !ok {
		return ErrNotFound
	}
	cur := m.records[idx].ReviewTraceRef
	if cur != "" && cur != ref {
		return ErrMutationAttempt
	}
	m.records[idx].ReviewTraceRef = ref
	return nil
}
