// Package snapshot freezes the set of approved entities of a cohort into an immutable,
// hash-identified eligibility snapshot.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/creditlock/pkg/canonicalize"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is an immutable freeze of the approved entities for a cohort.
type Snapshot struct {
	SnapshotID        string    `json:"snapshot_id"`
	CohortKey         string    `json:"cohort_key"`
	ApprovedEntityIDs []string  `json:"approved_entity_ids"`
	ContentHash       string    `json:"content_hash"`
	CreatedAt         time.Time `json:"created_at"`
	CreatedBy         string    `json:"created_by"`
}

// Store persists snapshots. Put replaces a row with the same id.
type Store interface {
	Put(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, snapshotID string) (Snapshot, error)
}

// StatusReader resolves the current review status of an entity.
type StatusReader interface {
	CurrentStatus(ctx context.Context, entityID string) (review.Status, error)
}

// Request describes one snapshot. A non-nil ExplicitApprovedIDs is used verbatim
// (deduplicated and sorted) instead of querying review statuses.
type Request struct {
	CohortKey           string
	CandidateEntityIDs  []string
	CreatedBy           string
	ExplicitApprovedIDs []string
}

// Builder creates snapshots.
type Builder struct {
	statuses StatusReader
	store    Store
	clock    func() time.Time
}

// NewBuilder creates a builder.
func NewBuilder(statuses StatusReader, store Store) *Builder {
	return &Builder{statuses: statuses, store: store, clock: time.Now}
}

// WithClock overrides clock for testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Create computes, persists and returns a snapshot. Identical cohort and approved set always
// yield the same hash and id, so repeating the call replaces the row rather than adding one.
func (b *Builder) Create(ctx context.Context, req Request) (Snapshot, error) {
	if strings.TrimSpace(req.CohortKey) == "" {
		return Snapshot{}, fault.Validation("cohort_key is required")
	}

	var kept []string
	if req.ExplicitApprovedIDs != nil {
		kept = req.ExplicitApprovedIDs
	} else {
		approved, err := b.Approved(ctx, req.CandidateEntityIDs)
		if err != nil {
			return Snapshot{}, err
		}
		kept = approved
	}
	kept = Normalize(kept)

	hash, err := ContentHash(req.CohortKey, kept)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		SnapshotID:        ID(req.CohortKey, hash),
		CohortKey:         req.CohortKey,
		ApprovedEntityIDs: kept,
		ContentHash:       hash,
		CreatedAt:         b.clock().UTC(),
		CreatedBy:         req.CreatedBy,
	}
	if err := b.store.Put(ctx, s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: persist %s: %w", s.SnapshotID, err)
	}
	return s, nil
}

// Approved returns the candidates whose latest review status is APPROVED, normalized.
func (b *Builder) Approved(ctx context.Context, candidates []string) ([]string, error) {
	var out []string
	for _, id := range Normalize(candidates) {
		st, err := b.statuses.CurrentStatus(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("snapshot: status of %s: %w", id, err)
		}
		if st == review.StatusApproved {
			out = append(out, id)
		}
	}
	return Normalize(out), nil
}

// Get loads a snapshot by id.
func (b *Builder) Get(ctx context.Context, snapshotID string) (Snapshot, error) {
	s, err := b.store.Get(ctx, snapshotID)
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, fault.NotFound("snapshot %s not found", snapshotID)
	}
	return s, err
}

// Normalize trims, drops empties, deduplicates and sorts ids. It never returns nil.
func Normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type hashed struct {
	CohortKey         string   `json:"cohort_key"`
	ApprovedEntityIDs []string `json:"approved_entity_ids"`
}

// ContentHash hashes the cohort key and the sorted approved ids.
func ContentHash(cohortKey string, approved []string) (string, error) {
	return canonicalize.CanonicalHash(hashed{CohortKey: cohortKey, ApprovedEntityIDs: Normalize(approved)})
}

// ID derives the snapshot id from the cohort and the content hash prefix.
func ID(cohortKey, hash string) string {
	return fmt.Sprintf("snap_%s_%s", cohortKey, canonicalize.ShortHash(hash, 12))
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Snapshot)}
}

func (m *MemoryStore) Put(_ context.Context, s Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ApprovedEntityIDs = append([]string{}, s.ApprovedEntityIDs...)
	m.rows[s.SnapshotID] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rows[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

// Len returns the number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}
