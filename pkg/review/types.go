// Package review defines reviewer roles, review statuses, the records a reviewer action produces,
// and the transition rules between statuses.
package review

import (
	"strings"
	"time"
)

// Status is the review status of an entity.
type Status string

const (
	StatusRecommendedEligible    Status = "RECOMMENDED_ELIGIBLE"
	StatusRecommendedNotEligible Status = "RECOMMENDED_NOT_ELIGIBLE"
	StatusManualReview           Status = "MANUAL_REVIEW"
	StatusApproved               Status = "APPROVED"
	StatusRejected               Status = "REJECTED"
	StatusOverridden             Status = "OVERRIDDEN"
)

// Statuses lists every status in declaration order.
var Statuses = []Status{
	StatusRecommendedEligible,
	StatusRecommendedNotEligible,
	StatusManualReview,
	StatusApproved,
	StatusRejected,
	StatusOverridden,
}

// DefaultQueueStatuses are the statuses that still need a human decision.
var DefaultQueueStatuses = []Status{
	StatusManualReview,
	StatusRecommendedEligible,
	StatusRecommendedNotEligible,
}

// ParseStatus parses s case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// IsHumanDecision reports whether s was set by a reviewer rather than a classifier.
func (s Status) IsHumanDecision() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusOverridden
}

// Role is a reviewer role. Roles are totally ordered by Rank.
type Role string

const (
	RoleAnalyst    Role = "ANALYST"
	RoleReviewer   Role = "REVIEWER"
	RoleTaxManager Role = "TAX_MANAGER"
	RoleDirector   Role = "DIRECTOR"
	RolePartner    Role = "PARTNER"
	RoleAdmin      Role = "ADMIN"
)

const (
	RankApproveReject = 1
	RankOverride      = 2
)

var roleRank = map[Role]int{
	RoleAnalyst:    0,
	RoleReviewer:   1,
	RoleTaxManager: 1,
	RoleDirector:   2,
	RolePartner:    2,
	RoleAdmin:      3,
}

// ParseRole parses s case-insensitively.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := roleRank[r]
	return r, ok
}

// Rank returns the role's position in the permission order, or -1 for unknown roles.
func (r Role) Rank() int {
	if rank, ok := roleRank[r]; ok {
		return rank
	}
	return -1
}

func (r Role) Valid() bool { return r.Rank() >= 0 }

// CanApproveReject reports whether r may move an entity to APPROVED or REJECTED.
func CanApproveReject(r Role) bool { return r.Rank() >= RankApproveReject }

// CanOverride reports whether r may override a decision or an active form lock.
func CanOverride(r Role) bool { return r.Rank() >= RankOverride }

// RolesAtLeast returns the known roles whose rank is at least rank, in a stable order.
func RolesAtLeast(rank int) []string {
	var out []string
	for _, r := range []Role{RoleAnalyst, RoleReviewer, RoleTaxManager, RoleDirector, RolePartner, RoleAdmin} {
		if r.Rank() >= rank {
			out = append(out, string(r))
		}
	}
	return out
}

// Record is one immutable reviewer (or classifier) action on an entity.
type Record struct {
	ReviewID         string    `json:"review_id"`
	EntityID         string    `json:"entity_id"`
	Status           Status    `json:"status"`
	ReviewerName     string    `json:"reviewer_name"`
	ReviewerRole     Role      `json:"reviewer_role"`
	Reason           string    `json:"reason"`
	Timestamp        time.Time `json:"timestamp"`
	SourceDecision   *bool     `json:"source_decision,omitempty"`
	SourceConfidence *float64  `json:"source_confidence,omitempty"`
	SourceTraceRef   string    `json:"source_trace_ref,omitempty"`
	ReviewTraceRef   string    `json:"review_trace_ref,omitempty"`
}

// State is the projection of all records for one entity.
type State struct {
	EntityID      string   `json:"entity_id"`
	CurrentStatus Status   `json:"current_status"`
	LastReview    *Record  `json:"last_review,omitempty"`
	History       []Record `json:"history"`
}

// Project folds an oldest-first history into a State. An empty history is MANUAL_REVIEW.
func Project(entityID string, history []Record) State {
	st := State{EntityID: entityID, CurrentStatus: StatusManualReview, History: history}
	if st.History == nil {
		st.History = []Record{}
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		st.LastReview = &last
		st.CurrentStatus = last.Status
	}
	return st
}
