package trace

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeReviewAction     = "review_action"
	TypeAIClassification = "ai_classification"
)

// ReviewAction is the trace of one reviewer decision.
type ReviewAction struct {
	Timestamp    time.Time `json:"timestamp"`
	EntityID     string    `json:"entity_id"`
	ReviewerName string    `json:"reviewer_name"`
	ReviewerRole string    `json:"reviewer_role"`
	OldStatus    string    `json:"-"`
	NewStatus    string    `json:"-"`
	Reason       string    `json:"-"`
	ReviewID     string    `json:"review_id"`
}

// Classification is the trace of one AI eligibility decision.
type Classification struct {
	Timestamp  time.Time `json:"timestamp"`
	EntityID   string    `json:"entity_id"`
	Eligible   bool      `json:"eligible"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	SourceRef  string    `json:"source_trace_ref,omitempty"`
	ModelName  string    `json:"model_name,omitempty"`
}

// WriteReview writes a review-action trace.
func (l *Logger) WriteReview(a ReviewAction) (string, error) {
	rec, err := toMap(a)
	if err != nil {
		return "", err
	}
	rec["type"] = TypeReviewAction
	rec["timestamp"] = a.Timestamp.UTC().Format(time.RFC3339Nano)
	rec["action"] = map[string]any{
		"old_status": a.OldStatus,
		"new_status": a.NewStatus,
		"reason":     a.Reason,
	}
	return l.Write(a.EntityID, rec)
}

// WriteClassification writes an AI classification trace.
func (l *Logger) WriteClassification(c Classification) (string, error) {
	rec, err := toMap(c)
	if err != nil {
		return "", err
	}
	rec["type"] = TypeAIClassification
	rec["timestamp"] = c.Timestamp.UTC().Format(time.RFC3339Nano)
	return l.Write(c.EntityID, rec)
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("trace: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("trace: decode: %w", err)
	}
	return m, nil
}
