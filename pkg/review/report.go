package review

import "time"

// LowConfidenceThreshold routes classifier results below it to manual review.
const LowConfidenceThreshold = 0.5

// Classification is a classifier result for one entity.
type Classification struct {
	EntityID       string  `json:"entity_id" validate:"required"`
	Eligible       bool    `json:"eligible"`
	Confidence     float64 `json:"confidence" validate:"gte=0,lte=1"`
	Rationale      string  `json:"rationale"`
	SourceTraceRef string  `json:"source_trace_ref,omitempty"`
}

// Recommend maps a classifier result to a recommendation status.
func Recommend(c Classification) Status {
	switch {
	case c.Confidence < LowConfidenceThreshold:
		return StatusManualReview
	case c.Eligible:
		return StatusRecommendedEligible
	default:
		return StatusRecommendedNotEligible
	}
}

// Report summarizes the final decision on an entity next to the classifier's recommendation.
type Report struct {
	EntityID         string     `json:"entity_id"`
	FinalStatus      Status     `json:"final_status"`
	FinalDecision    *bool      `json:"final_decision"`
	ReviewerName     string     `json:"reviewer_name,omitempty"`
	ReviewerRole     Role       `json:"reviewer_role,omitempty"`
	Timestamp        *time.Time `json:"timestamp,omitempty"`
	Reason           string     `json:"reason,omitempty"`
	AIRecommendation *Status    `json:"ai_recommendation"`
	AIConfidence     *float64   `json:"ai_confidence"`
	AITraceRef       string     `json:"ai_trace_ref,omitempty"`
	ReviewTraceRef   string     `json:"review_trace_ref,omitempty"`
}

// BuildReport derives a Report from a state. ok is false when the entity was never reviewed.
func BuildReport(st State) (Report, bool) {
	last := st.LastReview
	if last == nil {
		return Report{}, false
	}
	rep := Report{
		EntityID:       st.EntityID,
		FinalStatus:    st.CurrentStatus,
		ReviewerName:   last.ReviewerName,
		ReviewerRole:   last.ReviewerRole,
		Reason:         last.Reason,
		AIConfidence:   last.SourceConfidence,
		AITraceRef:     last.SourceTraceRef,
		ReviewTraceRef: last.ReviewTraceRef,
	}
	ts := last.Timestamp
	rep.Timestamp = &ts

	switch last.Status {
	case StatusApproved:
		rep.FinalDecision = last.SourceDecision
	case StatusRejected:
		no := false
		rep.FinalDecision = &no
	}

	if last.SourceDecision != nil {
		rec := StatusRecommendedNotEligible
		if *last.SourceDecision {
			rec = StatusRecommendedEligible
		}
		rep.AIRecommendation = &rec
	}
	return rep, true
}
