package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/observability"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

// ClassifierName is the reviewer name recorded on recommendations appended by IngestClassifications.
const ClassifierName = "classifier"

// ReviewAction is a reviewer's requested status change.
type ReviewAction struct {
	EntityID     string
	Status       review.Status
	ReviewerName string
	ReviewerRole review.Role
	Reason       string
}

// ReviewResult is the outcome of SubmitReview.
type ReviewResult struct {
	Review         review.Record `json:"review"`
	PreviousStatus review.Status `json:"previous_status"`
}

// SubmitReview validates a status change against the entity's current state and appends it.
// The review-action trace and the mirror copy are written after the append; their failures are
// logged and counted but do not undo the decision.
func (s *Service) SubmitReview(ctx context.Context, a ReviewAction) (res ReviewResult, err error) {
	a.EntityID = strings.TrimSpace(a.EntityID)
	a.ReviewerName = strings.TrimSpace(a.ReviewerName)
	a.Reason = strings.TrimSpace(a.Reason)

	ctx, done := s.telemetry.TrackOperation(ctx, "submit_review",
		observability.ReviewOperation(a.EntityID, string(a.Status), string(a.ReviewerRole))...)
	defer func() { done(err) }()

	switch {
	case a.EntityID == "":
		return ReviewResult{}, fault.Validation("entity_id is required")
	case a.ReviewerName == "":
		return ReviewResult{}, fault.Validation("reviewer_name is required")
	case !a.ReviewerRole.Valid():
		return ReviewResult{}, fault.Validation("unknown reviewer_role %q", a.ReviewerRole).
			With("allowed_roles", review.RolesAtLeast(0))
	}
	if _, ok := review.ParseStatus(string(a.Status)); !ok {
		return ReviewResult{}, fault.Validation("unknown status %q", a.Status)
	}

	release, err := s.entities.Lock(ctx, a.EntityID)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("service: lock entity %s: %w", a.EntityID, err)
	}
	defer release()

	latest, err := s.ledger.Latest(ctx, a.EntityID)
	if err != nil {
		return ReviewResult{}, err
	}
	current := review.StatusManualReview
	if latest != nil {
		current = latest.Status
	}
	if err := review.Validate(current, a.Status, a.ReviewerRole, a.Reason); err != nil {
		return ReviewResult{}, err
	}

	rec := review.Record{
		EntityID:     a.EntityID,
		Status:       a.Status,
		ReviewerName: a.ReviewerName,
		ReviewerRole: a.ReviewerRole,
		Reason:       a.Reason,
	}
	if latest != nil {
		rec.SourceDecision = latest.SourceDecision
		rec.SourceConfidence = latest.SourceConfidence
		rec.SourceTraceRef = latest.SourceTraceRef
	}
	rec, err = s.ledger.Append(ctx, rec)
	if err != nil {
		return ReviewResult{}, err
	}

	handle, terr := s.traces.WriteReview(trace.ReviewAction{
		Timestamp:    rec.Timestamp,
		EntityID:     rec.EntityID,
		ReviewerName: rec.ReviewerName,
		ReviewerRole: string(rec.ReviewerRole),
		OldStatus:    string(current),
		NewStatus:    string(rec.Status),
		Reason:       rec.Reason,
		ReviewID:     rec.ReviewID,
	})
	if terr != nil {
		s.telemetry.Degraded(ctx, "trace", terr, "review_id", rec.ReviewID)
	} else if aerr := s.ledger.AttachReviewTrace(ctx, rec.ReviewID, handle); aerr != nil {
		s.telemetry.Degraded(ctx, "trace_backfill", aerr, "review_id", rec.ReviewID)
	} else {
		rec.ReviewTraceRef = handle
	}

	s.mirrorRecord(ctx, rec)
	s.record(ctx, "submit_review", "review/"+rec.EntityID, map[string]any{
		"review_id":  rec.ReviewID,
		"old_status": string(current),
		"new_status": string(rec.Status),
	})
	return ReviewResult{Review: rec, PreviousStatus: current}, nil
}

// GetReviewState returns the projected state. Unreviewed entities are MANUAL_REVIEW with empty history.
func (s *Service) GetReviewState(ctx context.Context, entityID string) (review.State, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return review.State{}, fault.Validation("entity_id is required")
	}
	return s.ledger.State(ctx, entityID)
}

// GetReviewQueue returns entities whose latest status is in statuses, least confident first.
func (s *Service) GetReviewQueue(ctx context.Context, statuses []review.Status, limit int) ([]review.State, error) {
	q, err := s.ledger.Queue(ctx, statuses, limit)
	if err != nil {
		return nil, err
	}
	if q == nil {
		q = []review.State{}
	}
	return q, nil
}

// GetReviewReport summarizes the final decision next to the AI recommendation.
func (s *Service) GetReviewReport(ctx context.Context, entityID string) (review.Report, error) {
	st, err := s.GetReviewState(ctx, entityID)
	if err != nil {
		return review.Report{}, err
	}
	rep, ok := review.BuildReport(st)
	if !ok {
		return review.Report{}, fault.NotFound("no review found for entity %s", st.EntityID).
			With("entity_id", st.EntityID)
	}
	return rep, nil
}

// IngestResult is the outcome for one classification.
type IngestResult struct {
	EntityID          string        `json:"entity_id"`
	Eligible          bool          `json:"eligible"`
	Confidence        float64       `json:"confidence"`
	Rationale         string        `json:"rationale"`
	TraceRef          string        `json:"trace_ref"`
	RecommendedStatus review.Status `json:"recommended_status"`
	FinalStatus       review.Status `json:"final_status"`
	ReviewID          string        `json:"review_id,omitempty"`
	Appended          bool          `json:"appended"`
}

// IngestClassifications writes an AI trace per result and appends its recommendation unless a
// human decision already exists. Results are processed by a bounded worker pool and returned in
// input order. The batch is validated up front; a processing error cancels the remaining work.
func (s *Service) IngestClassifications(ctx context.Context, results []review.Classification, modelName string) (out []IngestResult, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "ingest_classifications")
	defer func() { done(err) }()

	if len(results) == 0 {
		return nil, fault.Validation("results must contain at least one classification")
	}
	for i := range results {
		results[i].EntityID = strings.TrimSpace(results[i].EntityID)
		if verr := s.validate.Struct(results[i]); verr != nil {
			return nil, classificationFault(i, verr)
		}
	}

	out = make([]IngestResult, len(results))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, c := range results {
		g.Go(func() error {
			r, err := s.ingestOne(gctx, c, modelName)
			if err != nil {
				return fmt.Errorf("classification %d (%s): %w", i, c.EntityID, err)
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	appended := 0
	for _, r := range out {
		if r.Appended {
			appended++
		}
	}
	s.record(ctx, "ingest_classifications", "classifications", map[string]any{
		"count":    len(out),
		"appended": appended,
	})
	return out, nil
}

func (s *Service) ingestOne(ctx context.Context, c review.Classification, modelName string) (IngestResult, error) {
	handle, err := s.traces.WriteClassification(trace.Classification{
		Timestamp:  time.Now(),
		EntityID:   c.EntityID,
		Eligible:   c.Eligible,
		Confidence: c.Confidence,
		Rationale:  c.Rationale,
		SourceRef:  c.SourceTraceRef,
		ModelName:  modelName,
	})
	if err != nil {
		return IngestResult{}, err
	}

	recommended := review.Recommend(c)
	res := IngestResult{
		EntityID:          c.EntityID,
		Eligible:          c.Eligible,
		Confidence:        c.Confidence,
		Rationale:         c.Rationale,
		TraceRef:          handle,
		RecommendedStatus: recommended,
		FinalStatus:       recommended,
	}

	release, err := s.entities.Lock(ctx, c.EntityID)
	if err != nil {
		return IngestResult{}, err
	}
	defer release()

	latest, err := s.ledger.Latest(ctx, c.EntityID)
	if err != nil {
		return IngestResult{}, err
	}
	if latest != nil && latest.Status.IsHumanDecision() {
		res.FinalStatus = latest.Status
		return res, nil
	}

	eligible, confidence := c.Eligible, c.Confidence
	rec, err := s.ledger.Append(ctx, review.Record{
		EntityID:         c.EntityID,
		Status:           recommended,
		ReviewerName:     ClassifierName,
		ReviewerRole:     review.RoleAnalyst,
		Reason:           c.Rationale,
		SourceDecision:   &eligible,
		SourceConfidence: &confidence,
		SourceTraceRef:   handle,
	})
	if err != nil {
		return IngestResult{}, err
	}
	s.mirrorRecord(ctx, rec)
	res.ReviewID = rec.ReviewID
	res.Appended = true
	return res, nil
}

func classificationFault(index int, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fault.Validation("results[%d]: %v", index, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag()))
	}
	return fault.Validation("results[%d]: invalid fields %s", index, strings.Join(fields, ", ")).
		With("index", index).
		With("fields", fields)
}
