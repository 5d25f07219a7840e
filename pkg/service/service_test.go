package service_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Mindburn-Labs/creditlock/pkg/artifacts"
	"github.com/Mindburn-Labs/creditlock/pkg/crypto"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/form6765"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
	"github.com/Mindburn-Labs/creditlock/pkg/keylock"
	"github.com/Mindburn-Labs/creditlock/pkg/ledger"
	"github.com/Mindburn-Labs/creditlock/pkg/observability"
	"github.com/Mindburn-Labs/creditlock/pkg/render"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/service"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

type failingMirror struct{ calls atomic.Int32 }

func (m *failingMirror) Record(context.Context, review.Record) error {
	m.calls.Add(1)
	return errors.New("mirror offline")
}

type fixture struct {
	svc    *service.Service
	ledger *ledger.Ledger
	traces *trace.Logger
	mirror *failingMirror
	locker keylock.Locker
}

func newFixture(t *testing.T, opts ...func(*service.Deps)) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	traces, err := trace.NewLogger(t.TempDir())
	require.NoError(t, err)
	signer, err := crypto.NewEd25519Signer("test-key")
	require.NoError(t, err)
	renderer, err := render.NewTemplateRenderer("")
	require.NoError(t, err)
	blobs, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)

	locker := keylock.New()
	mirror := &failingMirror{}
	deps := service.Deps{
		Ledger:              l,
		Snapshots:           snapshot.NewBuilder(l, snapshot.NewMemoryStore()),
		Engine:              document.NewEngine(document.WithSigner(signer)),
		Versions:            document.NewMemoryStore(),
		Locks:               formlock.NewManager(formlock.NewMemoryStore(), locker),
		Traces:              traces,
		Locker:              locker,
		Mirror:              mirror,
		Renderer:            renderer,
		Artifacts:           blobs,
		ClassifyConcurrency: 4,
	}
	for _, o := range opts {
		o(&deps)
	}
	svc, err := service.New(deps)
	require.NoError(t, err)
	return &fixture{svc: svc, ledger: l, traces: traces, mirror: mirror, locker: locker}
}

func (f *fixture) approve(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.svc.SubmitReview(context.Background(), service.ReviewAction{
			EntityID: id, Status: review.StatusApproved, ReviewerName: "rita", ReviewerRole: review.RoleReviewer,
		})
		require.NoError(t, err)
	}
}

func generateRequest(ids ...string) service.GenerateRequest {
	return service.GenerateRequest{
		Header:         form6765.Header{TaxYear: 2024, NameOnReturn: "Acme Robotics Inc", IdentifyingNumber: "12-3456789"},
		Inputs:         form6765.Inputs{QREWages: form6765.MoneyFromInt(100000)},
		EntityIDs:      ids,
		RulesetVersion: "1.0.0",
		CreatedBy:      "pat",
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := service.New(service.Deps{})
	assert.Error(t, err)
}

func TestSubmitReview_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	st, err := f.svc.GetReviewState(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, review.StatusManualReview, st.CurrentStatus)
	assert.Empty(t, st.History)

	_, err = f.svc.SubmitReview(ctx, service.ReviewAction{
		EntityID: "P-1", Status: review.StatusApproved, ReviewerName: "ana", ReviewerRole: review.RoleAnalyst,
	})
	assert.True(t, fault.Is(err, fault.KindForbidden), "analyst cannot approve: %v", err)

	res, err := f.svc.SubmitReview(ctx, service.ReviewAction{
		EntityID: "P-1", Status: review.StatusApproved, ReviewerName: "rita", ReviewerRole: review.RoleReviewer,
	})
	require.NoError(t, err)
	assert.Equal(t, review.StatusManualReview, res.PreviousStatus)
	require.NotEmpty(t, res.Review.ReviewTraceRef)
	assert.Equal(t, int32(1), f.mirror.calls.Load(), "mirror failure is swallowed")

	v, err := f.traces.Verify(res.Review.ReviewTraceRef)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	stored, err := f.ledger.Latest(ctx, "P-1")
	require.NoError(t, err)
	assert.Equal(t, res.Review.ReviewTraceRef, stored.ReviewTraceRef)

	_, err = f.svc.SubmitReview(ctx, service.ReviewAction{
		EntityID: "P-1", Status: review.StatusOverridden, ReviewerName: "rita", ReviewerRole: review.RoleReviewer,
		Reason: "reviewer tries to override the approval",
	})
	assert.True(t, fault.Is(err, fault.KindForbidden))

	res, err = f.svc.SubmitReview(ctx, service.ReviewAction{
		EntityID: "P-1", Status: review.StatusOverridden, ReviewerName: "dana", ReviewerRole: review.RoleDirector,
		Reason: "director overrides after scope change",
	})
	require.NoError(t, err)
	assert.Equal(t, review.StatusApproved, res.PreviousStatus)

	_, err = f.svc.SubmitReview(ctx, service.ReviewAction{
		EntityID: "P-1", Status: review.StatusApproved, ReviewerName: "dana", ReviewerRole: review.RoleAdmin,
	})
	assert.True(t, fault.Is(err, fault.KindInvalidTransition), "OVERRIDDEN is terminal")
	assert.Empty(t, fault.DetailsOf(err)["allowed"])
}

func TestSubmitReview_RejectReasonFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	action := service.ReviewAction{
		EntityID: "P-2", Status: review.StatusRejected, ReviewerName: "rita", ReviewerRole: review.RoleTaxManager,
	}

	action.Reason = strings.Repeat("x", 19)
	_, err := f.svc.SubmitReview(ctx, action)
	assert.Error(t, err)

	action.Reason = strings.Repeat("x", 20)
	_, err = f.svc.SubmitReview(ctx, action)
	assert.NoError(t, err)
}

func TestSubmitReview_InputValidation(t *testing.T) {
	f := newFixture(t)
	for name, a := range map[string]service.ReviewAction{
		"entity":   {Status: review.StatusApproved, ReviewerName: "r", ReviewerRole: review.RoleReviewer},
		"reviewer": {EntityID: "P", Status: review.StatusApproved, ReviewerRole: review.RoleReviewer},
		"role":     {EntityID: "P", Status: review.StatusApproved, ReviewerName: "r", ReviewerRole: "INTERN"},
		"status":   {EntityID: "P", Status: "DONE", ReviewerName: "r", ReviewerRole: review.RoleReviewer},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.SubmitReview(context.Background(), a)
			assert.True(t, fault.Is(err, fault.KindValidation), "got %v", err)
		})
	}
}

func TestSubmitReview_ConcurrentSameEntity(t *testing.T) {
	f := newFixture(t)
	const n = 16

	var ok, invalid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitReview(context.Background(), service.ReviewAction{
				EntityID: "P-race", Status: review.StatusApproved, ReviewerName: "rita", ReviewerRole: review.RoleReviewer,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case fault.Is(err, fault.KindInvalidTransition):
				invalid.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), invalid.Load())
	h, err := f.ledger.History(context.Background(), "P-race")
	require.NoError(t, err)
	assert.Len(t, h, 1)
}

func TestGetReviewReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.GetReviewReport(ctx, "nobody")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	_, err = f.svc.IngestClassifications(ctx, []review.Classification{
		{EntityID: "P-3", Eligible: true, Confidence: 0.92, Rationale: "novel control algorithm"},
	}, "gpt-test")
	require.NoError(t, err)
	f.approve(t, "P-3")

	rep, err := f.svc.GetReviewReport(ctx, "P-3")
	require.NoError(t, err)
	assert.Equal(t, review.StatusApproved, rep.FinalStatus)
	require.NotNil(t, rep.FinalDecision)
	assert.True(t, *rep.FinalDecision)
	require.NotNil(t, rep.AIRecommendation)
	assert.Equal(t, review.StatusRecommendedEligible, *rep.AIRecommendation)
	assert.NotEmpty(t, rep.AITraceRef)
	assert.NotEmpty(t, rep.ReviewTraceRef)
}

func TestIngestClassifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.approve(t, "P-human")

	out, err := f.svc.IngestClassifications(ctx, []review.Classification{
		{EntityID: "P-a", Eligible: true, Confidence: 0.8, Rationale: "experimentation"},
		{EntityID: "P-b", Eligible: false, Confidence: 0.7, Rationale: "routine maintenance"},
		{EntityID: "P-c", Eligible: true, Confidence: 0.3, Rationale: "unclear"},
		{EntityID: "P-human", Eligible: false, Confidence: 0.9, Rationale: "disagrees with reviewer"},
	}, "")
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, review.StatusRecommendedEligible, out[0].FinalStatus)
	assert.Equal(t, review.StatusRecommendedNotEligible, out[1].FinalStatus)
	assert.Equal(t, review.StatusManualReview, out[2].FinalStatus)
	assert.True(t, out[0].Appended && out[1].Appended && out[2].Appended)

	assert.Equal(t, review.StatusRecommendedNotEligible, out[3].RecommendedStatus)
	assert.Equal(t, review.StatusApproved, out[3].FinalStatus, "human decision wins")
	assert.False(t, out[3].Appended)

	for _, r := range out {
		v, err := f.traces.Verify(r.TraceRef)
		require.NoError(t, err)
		assert.True(t, v.Valid)
	}

	q, err := f.svc.GetReviewQueue(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, q, 3)
	assert.Equal(t, "P-c", q[0].EntityID, "least confident first")
}

func TestIngestClassifications_ValidatesBatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IngestClassifications(context.Background(), []review.Classification{
		{EntityID: "ok", Confidence: 0.5},
		{EntityID: "bad", Confidence: 1.5},
	}, "")
	require.True(t, fault.Is(err, fault.KindValidation))
	assert.Equal(t, 1, fault.DetailsOf(err)["index"])

	st, err := f.svc.GetReviewState(context.Background(), "ok")
	require.NoError(t, err)
	assert.Empty(t, st.History, "nothing is ingested from a rejected batch")

	_, err = f.svc.IngestClassifications(context.Background(), nil, "")
	assert.True(t, fault.Is(err, fault.KindValidation))
}

func TestGenerateDocument_LockProtocol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.approve(t, "P-1", "P-2")

	first, err := f.svc.GenerateDocument(ctx, generateRequest("P-2", "P-1", "P-3"))
	require.NoError(t, err)
	assert.Equal(t, "6000.00", first.Version.Payload.Lines.Line32.String())
	assert.Equal(t, []string{"P-1", "P-2"}, first.Snapshot.ApprovedEntityIDs)
	assert.False(t, first.OverrideApplied)
	assert.Equal(t, "2024", first.Lock.CohortKey)
	assert.Equal(t, formlock.DefaultReason("2024"), first.Lock.LockReason)
	require.NoError(t, document.Verify(first.Version))

	_, err = f.svc.GenerateDocument(ctx, generateRequest("P-1", "P-2"))
	require.True(t, fault.Is(err, fault.KindConflict))
	assert.NotEmpty(t, fault.DetailsOf(err)["remediation"])

	req := generateRequest("P-1", "P-2")
	req.Inputs.QRESupplies = form6765.MoneyFromInt(5000)
	req.ActorRole = review.RoleAdmin
	req.OverrideReason = strings.Repeat("o", 29)
	_, err = f.svc.GenerateDocument(ctx, req)
	assert.True(t, fault.Is(err, fault.KindValidation))

	req.ActorRole = review.RoleReviewer
	req.OverrideReason = strings.Repeat("o", 30)
	_, err = f.svc.GenerateDocument(ctx, req)
	assert.True(t, fault.Is(err, fault.KindForbidden))

	req.ActorRole = review.RoleAdmin
	second, err := f.svc.GenerateDocument(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.OverrideApplied)
	require.NotNil(t, second.PreviousLock)
	assert.Equal(t, first.Lock.LockID, second.PreviousLock.LockID)
	assert.NotEqual(t, first.Version.VersionID, second.Version.VersionID)

	active, err := f.svc.GetActiveDocument(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, second.Version.VersionID, active.Version.VersionID)

	history, err := f.svc.LockHistory(ctx, "2024")
	require.NoError(t, err)
	require.Len(t, history, 2)
	activeCount := 0
	for _, l := range history {
		if l.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)

	versions, err := f.svc.ListVersions(ctx, "2024")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestGenerateDocument_NoApprovedEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.GenerateDocument(ctx, generateRequest("P-x", "P-y"))
	require.True(t, fault.Is(err, fault.KindValidation))

	req := generateRequest("P-y", "P-x")
	req.ActorRole = review.RoleDirector
	req.OverrideReason = "director includes pending entities for filing"
	res, err := f.svc.GenerateDocument(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.OverrideApplied)
	assert.Equal(t, []string{"P-x", "P-y"}, res.Snapshot.ApprovedEntityIDs)
	assert.Equal(t, req.OverrideReason, res.Lock.LockReason)
}

func TestGenerateDocument_ConcurrentFirstLock(t *testing.T) {
	f := newFixture(t)
	f.approve(t, "P-1")

	const n = 8
	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GenerateDocument(context.Background(), generateRequest("P-1"))
			switch {
			case err == nil:
				ok.Add(1)
			case fault.Is(err, fault.KindConflict):
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(n-1), conflict.Load())
}

func TestGenerateDocument_ArtifactAndLookups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.approve(t, "P-1")

	res, err := f.svc.GenerateDocument(ctx, generateRequest("P-1"))
	require.NoError(t, err)
	require.NotEmpty(t, res.Version.RenderedArtifactRef)

	data, v, err := f.svc.DownloadArtifact(ctx, res.Version.VersionID)
	require.NoError(t, err)
	assert.Equal(t, res.Version.VersionID, v.VersionID)
	assert.Contains(t, string(data), "6000.00")
	assert.Contains(t, string(data), res.Version.ContentHash)

	snap, err := f.svc.GetSnapshot(ctx, res.Snapshot.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, res.Snapshot.ContentHash, snap.ContentHash)

	_, err = f.svc.VerifyFormVersion(ctx, res.Version.VersionID)
	assert.NoError(t, err)

	_, err = f.svc.GetFormVersion(ctx, "f6765_2024_missing")
	assert.True(t, fault.Is(err, fault.KindNotFound))
	_, err = f.svc.GetSnapshot(ctx, "snap_2024_missing")
	assert.True(t, fault.Is(err, fault.KindNotFound))
	_, err = f.svc.GetActiveDocument(ctx, "2031")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	noRender := generateRequest("P-1")
	noRender.CohortKey = "plain"
	off := false
	noRender.Render = &off
	plain, err := f.svc.GenerateDocument(ctx, noRender)
	require.NoError(t, err)
	_, _, err = f.svc.DownloadArtifact(ctx, plain.Version.VersionID)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestGenerateDocument_UnknownTemplateStillLocks(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	telemetry, err := observability.NewWithProviders(noop.NewTracerProvider(),
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	f := newFixture(t, func(d *service.Deps) { d.Telemetry = telemetry })
	f.approve(t, "P-1")

	req := generateRequest("P-1")
	req.TemplateRef = "form6765.pdf"
	res, err := f.svc.GenerateDocument(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Version.RenderedArtifactRef)

	versions, err := f.svc.ListVersions(ctx, "2024")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, res.Version.VersionID, versions[0].VersionID)
	assert.Empty(t, versions[0].RenderedArtifactRef)

	active, err := f.svc.GetActiveDocument(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, res.Version.VersionID, active.Lock.ActiveVersionID)
	assert.True(t, active.Lock.IsActive)

	_, _, err = f.svc.DownloadArtifact(ctx, res.Version.VersionID)
	assert.True(t, fault.Is(err, fault.KindNotFound))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	var failures int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if s, ok := m.Data.(metricdata.Sum[int64]); ok && m.Name == "creditlock.best_effort.failures" {
				for _, dp := range s.DataPoints {
					if v, _ := dp.Attributes.Value(observability.AttrComponent); v.AsString() == "render" {
						failures += dp.Value
					}
				}
			}
		}
	}
	assert.Equal(t, int64(1), failures)
}

// cohortCheckRenderer records whether the cohort lock was free while rendering ran.
type cohortCheckRenderer struct {
	render.Renderer
	locker  keylock.Locker
	cohort  string
	lockErr error
}

func (r *cohortCheckRenderer) Render(ctx context.Context, v document.Version, ref string) (render.Artifact, error) {
	lctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	release, err := r.locker.Lock(lctx, "cohort:"+r.cohort)
	r.lockErr = err
	if err == nil {
		release()
	}
	return r.Renderer.Render(ctx, v, ref)
}

func TestGenerateDocument_RendersAfterCohortRelease(t *testing.T) {
	base, err := render.NewTemplateRenderer("")
	require.NoError(t, err)
	checker := &cohortCheckRenderer{Renderer: base, cohort: "2024"}
	f := newFixture(t, func(d *service.Deps) {
		checker.locker = d.Locker
		d.Renderer = checker
	})
	f.approve(t, "P-1")

	res, err := f.svc.GenerateDocument(context.Background(), generateRequest("P-1"))
	require.NoError(t, err)
	assert.NoError(t, checker.lockErr, "cohort lock must be released before rendering")
	assert.NotEmpty(t, res.Version.RenderedArtifactRef)
	assert.Equal(t, "text/plain; charset=utf-8", res.Version.RenderedContentType)
}

func TestAuditPackage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.AuditPackage(ctx, "nobody")
	assert.True(t, fault.Is(err, fault.KindNotFound))

	f.approve(t, "P-1")
	pkg, err := f.svc.AuditPackage(ctx, "P-1")
	require.NoError(t, err)
	assert.Len(t, pkg.Checksum, 64)
	assert.NotEmpty(t, pkg.Data)
}
