package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func conf(v float64) *float64 { return &v }

func TestLedger_UnreviewedEntity(t *testing.T) {
	l := New(NewMemoryStore())
	st, err := l.State(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, review.StatusManualReview, st.CurrentStatus)
	assert.Empty(t, st.History)
	assert.Nil(t, st.LastReview)
}

func TestLedger_AppendAssignsIDAndMonotonicTime(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := New(NewMemoryStore()).WithClock(fixedClock(frozen))

	a, err := l.Append(ctx, review.Record{EntityID: "p1", Status: review.StatusRecommendedEligible})
	require.NoError(t, err)
	b, err := l.Append(ctx, review.Record{EntityID: "p1", Status: review.StatusApproved})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ReviewID)
	assert.NotEqual(t, a.ReviewID, b.ReviewID)
	assert.True(t, b.Timestamp.After(a.Timestamp), "timestamps must strictly increase under a frozen clock")

	st, err := l.State(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, review.StatusApproved, st.CurrentStatus)
	require.Len(t, st.History, 2)
	assert.Equal(t, a.ReviewID, st.History[0].ReviewID)
}

func TestLedger_TimestampAfterStoredLatest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, review.Record{ReviewID: "old", EntityID: "p1", Status: review.StatusApproved, Timestamp: future}))

	l := New(store).WithClock(fixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	rec, err := l.Append(ctx, review.Record{EntityID: "p1", Status: review.StatusOverridden})
	require.NoError(t, err)
	assert.True(t, rec.Timestamp.After(future))

	status, err := l.CurrentStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, review.StatusOverridden, status)
}

func TestLedger_DuplicateReviewIDConflicts(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	_, err := l.Append(ctx, review.Record{ReviewID: "r1", EntityID: "p1", Status: review.StatusApproved})
	require.NoError(t, err)

	_, err = l.Append(ctx, review.Record{ReviewID: "r1", EntityID: "p1", Status: review.StatusOverridden})
	assert.True(t, fault.Is(err, fault.KindConflict))

	st, _ := l.State(ctx, "p1")
	assert.Len(t, st.History, 1, "the original entry is never overwritten")
}

func TestLedger_AttachReviewTrace(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryStore())
	rec, err := l.Append(ctx, review.Record{EntityID: "p1", Status: review.StatusApproved})
	require.NoError(t, err)

	require.NoError(t, l.AttachReviewTrace(ctx, rec.ReviewID, "trace_a.json"))
	require.NoError(t, l.AttachReviewTrace(ctx, rec.ReviewID, "trace_a.json"))
	assert.True(t, fault.Is(l.AttachReviewTrace(ctx, rec.ReviewID, "trace_b.json"), fault.KindConflict))
	assert.True(t, fault.Is(l.AttachReviewTrace(ctx, "missing", "x"), fault.KindNotFound))

	got, err := l.Store().Get(ctx, rec.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, "trace_a.json", got.ReviewTraceRef)
}

func TestLedger_Queue(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	l := New(NewMemoryStore()).WithClock(func() time.Time { tick = tick.Add(time.Second); return tick })

	mustAppend := func(entity string, status review.Status, c *float64) {
		_, err := l.Append(ctx, review.Record{EntityID: entity, Status: status, SourceConfidence: c})
		require.NoError(t, err)
	}

	mustAppend("high", review.StatusRecommendedEligible, conf(0.9))
	mustAppend("none", review.StatusManualReview, nil)
	mustAppend("low", review.StatusRecommendedNotEligible, conf(0.2))
	mustAppend("decided", review.StatusRecommendedEligible, conf(0.1))
	mustAppend("decided", review.StatusApproved, conf(0.1))
	mustAppend("low-newer", review.StatusManualReview, conf(0.2))

	states, err := l.Queue(ctx, nil, 0)
	require.NoError(t, err)

	var ids []string
	for _, s := range states {
		ids = append(ids, s.EntityID)
	}
	// equal confidence: newest first; nulls last; decided entity excluded
	assert.Equal(t, []string{"low-newer", "low", "high", "none"}, ids)

	states, err = l.Queue(ctx, []review.Status{review.StatusApproved}, 10)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "decided", states[0].EntityID)
	assert.Len(t, states[0].History, 2)

	states, err = l.Queue(ctx, nil, 2)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestLedger_AppendRequiresEntity(t *testing.T) {
	_, err := New(NewMemoryStore()).Append(context.Background(), review.Record{Status: review.StatusApproved})
	assert.True(t, fault.Is(err, fault.KindValidation))
}
