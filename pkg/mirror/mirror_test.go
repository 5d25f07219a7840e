package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

func openMemory(t *testing.T) *Mirror {
	t.Helper()
	m, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMirror_RecordAndHistory(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.Record(ctx, review.Record{ReviewID: "r2", EntityID: "p1", Status: review.StatusApproved, Timestamp: base.Add(time.Second)}))
	require.NoError(t, m.Record(ctx, review.Record{ReviewID: "r1", EntityID: "p1", Status: review.StatusManualReview, Timestamp: base}))
	require.NoError(t, m.Record(ctx, review.Record{ReviewID: "r3", EntityID: "p10", Status: review.StatusRejected, Timestamp: base}))

	hist, err := m.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "r1", hist[0].ReviewID)
	assert.Equal(t, review.StatusApproved, hist[1].Status)

	empty, err := m.History(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMirror_RewriteSameRecord(t *testing.T) {
	ctx := context.Background()
	m := openMemory(t)
	rec := review.Record{ReviewID: "r1", EntityID: "p1", Status: review.StatusApproved, Timestamp: time.Now()}
	require.NoError(t, m.Record(ctx, rec))
	rec.ReviewTraceRef = "trace_x.json"
	require.NoError(t, m.Record(ctx, rec))

	hist, err := m.History(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "trace_x.json", hist[0].ReviewTraceRef)
}

func TestMirror_PersistentPathRequired(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestMirror_CancelledContext(t *testing.T) {
	m := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, m.Record(ctx, review.Record{ReviewID: "r", EntityID: "p"}))
}
