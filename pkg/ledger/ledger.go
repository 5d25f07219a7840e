// Package ledger is the append-only review ledger.
//
//   - Every reviewer action is an immutable review.Record.
//   - Current state is a projection: the latest record by (timestamp, insertion order).
//   - The only sanctioned mutation is the one-time backfill of review_trace_ref.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

var (
	// ErrNotFound is returned when a review id does not exist.
	ErrNotFound = errors.New("review not found")
	// ErrDuplicate is returned when a review id already exists.
	ErrDuplicate = errors.New("review id already exists")
	// ErrMutationAttempt is returned when a trace ref would overwrite a different one.
	ErrMutationAttempt = errors.New("mutation of existing review attempted")
)

// DefaultQueueLimit bounds Queue when the caller passes no limit.
const DefaultQueueLimit = 100

// Store persists review records. Implementations must be safe for concurrent use.
type Store interface {
	// Insert appends rec. It returns ErrDuplicate if rec.ReviewID exists.
	Insert(ctx context.Context, rec review.Record) error
	// Get returns one record by review id.
	Get(ctx context.Context, reviewID string) (review.Record, error)
	// Latest returns the newest record for an entity, or nil.
	Latest(ctx context.Context, entityID string) (*review.Record, error)
	// History returns every record for an entity, oldest first.
	History(ctx context.Context, entityID string) ([]review.Record, error)
	// LatestByStatus returns the latest record of each entity whose latest status is in statuses,
	// ordered by source confidence ascending (nulls last) then timestamp descending.
	LatestByStatus(ctx context.Context, statuses []review.Status, limit int) ([]review.Record, error)
	// SetReviewTraceRef backfills review_trace_ref. Setting the same value twice is a no-op.
	SetReviewTraceRef(ctx context.Context, reviewID, ref string) error
}

// Ledger assigns ids and strictly increasing timestamps on top of a Store.
type Ledger struct {
	store Store
	mu    sync.Mutex
	last  time.Time
	clock func() time.Time
}

// New creates a ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Store exposes the underlying store.
func (l *Ledger) Store() Store { return l.store }

// next returns a UTC, microsecond-precision timestamp strictly after both the previous
// timestamp handed out and floor.
func (l *Ledger) next(floor time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.clock().UTC().Truncate(time.Microsecond)
	if !t.After(l.last) {
		t = l.last.Add(time.Microsecond)
	}
	if !floor.IsZero() && !t.After(floor) {
		t = floor.Add(time.Microsecond)
	}
	l.last = t
	return t
}

// Append stores rec with a fresh timestamp. A missing review id is generated.
// Callers serialize Append per entity; the ledger only guarantees ordering.
func (l *Ledger) Append(ctx context.Context, rec review.Record) (review.Record, error) {
	if rec.EntityID == "" {
		return review.Record{}, fault.Validation("entity_id is required")
	}
	if rec.ReviewID == "" {
		rec.ReviewID = uuid.NewString()
	}
	latest, err := l.store.Latest(ctx, rec.EntityID)
	if err != nil {
		return review.Record{}, fmt.Errorf("ledger: read latest for %s: %w", rec.EntityID, err)
	}
	var floor time.Time
	if latest != nil {
		floor = latest.Timestamp
	}
	rec.Timestamp = l.next(floor)

	if err := l.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return review.Record{}, fault.Conflict("review %s already exists", rec.ReviewID).
				With("review_id", rec.ReviewID)
		}
		return review.Record{}, fmt.Errorf("ledger: insert %s: %w", rec.ReviewID, err)
	}
	return rec, nil
}

// Latest returns the newest record for an entity, or nil when it was never reviewed.
func (l *Ledger) Latest(ctx context.Context, entityID string) (*review.Record, error) {
	return l.store.Latest(ctx, entityID)
}

// History returns the full history, oldest first.
func (l *Ledger) History(ctx context.Context, entityID string) ([]review.Record, error) {
	return l.store.History(ctx, entityID)
}

// State projects the history of an entity.
func (l *Ledger) State(ctx context.Context, entityID string) (review.State, error) {
	h, err := l.store.History(ctx, entityID)
	if err != nil {
		return review.State{}, err
	}
	return review.Project(entityID, h), nil
}

// CurrentStatus returns the projected status; unreviewed entities are MANUAL_REVIEW.
func (l *Ledger) CurrentStatus(ctx context.Context, entityID string) (review.Status, error) {
	latest, err := l.store.Latest(ctx, entityID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return review.StatusManualReview, nil
	}
	return latest.Status, nil
}

// Queue returns the states of entities whose latest status is in statuses.
// Nil statuses means review.DefaultQueueStatuses.
func (l *Ledger) Queue(ctx context.Context, statuses []review.Status, limit int) ([]review.State, error) {
	if len(statuses) == 0 {
		statuses = review.DefaultQueueStatuses
	}
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	latest, err := l.store.LatestByStatus(ctx, statuses, limit)
	if err != nil {
		return nil, err
	}
	out := make([]review.State, 0, len(latest))
	for _, rec := range latest {
		st, err := l.State(ctx, rec.EntityID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// AttachReviewTrace backfills the review trace reference of a record.
func (l *Ledger) AttachReviewTrace(ctx context.Context, reviewID, ref string) error {
	err := l.store.SetReviewTraceRef(ctx, reviewID, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		return fault.NotFound("review %s not found", reviewID)
	case errors.Is(err, ErrMutationAttempt):
		return fault.Conflict("review %s already has a trace reference", reviewID)
	}
	return err
}

// SortQueue orders latest records the way LatestByStatus must: source confidence ascending with
// nulls last, then newest first, then entity id for a stable order.
func SortQueue(recs []review.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch {
		case a.SourceConfidence == nil && b.SourceConfidence != nil:
			return false
		case a.SourceConfidence != nil && b.SourceConfidence == nil:
			return true
		case a.SourceConfidence != nil && b.SourceConfidence != nil && *a.SourceConfidence != *b.SourceConfidence:
			return *a.SourceConfidence < *b.SourceConfidence
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.EntityID < b.EntityID
	})
}

func sortByTime(recs []review.Record) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
}
