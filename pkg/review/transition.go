package review

import (
	"unicode/utf8"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

// MinJustificationLength is the reason floor for entering REJECTED or OVERRIDDEN.
const MinJustificationLength = 20

var transitions = map[Status][]Status{
	StatusRecommendedEligible:    {StatusApproved, StatusRejected, StatusOverridden},
	StatusRecommendedNotEligible: {StatusApproved, StatusRejected, StatusOverridden},
	StatusManualReview:           {StatusApproved, StatusRejected, StatusOverridden},
	StatusApproved:               {StatusOverridden},
	StatusRejected:               {StatusOverridden},
	StatusOverridden:             {},
}

// Allowed returns the statuses reachable from current. An empty current status means unreviewed.
func Allowed(current Status) []Status {
	if current == "" {
		current = StatusManualReview
	}
	next := transitions[current]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Validate checks a requested status change against the transition table, the role order
// and the justification floor. It only looks at the current projected status.
func Validate(current, requested Status, role Role, reason string) error {
	if current == "" {
		current = StatusManualReview
	}
	next, known := transitions[current]
	if !known {
		return fault.InvalidTransition(string(current), string(requested), nil, "unknown current status %s", current)
	}
	if !contains(next, requested) {
		return fault.InvalidTransition(string(current), string(requested), statusStrings(next),
			"cannot transition from %s to %s", current, requested)
	}

	switch requested {
	case StatusApproved, StatusRejected:
		if !CanApproveReject(role) {
			return fault.Forbidden("role %s cannot approve or reject", role).
				With("role", string(role)).
				With("required_rank", RankApproveReject).
				With("required_roles", RolesAtLeast(RankApproveReject))
		}
	case StatusOverridden:
		if !CanOverride(role) {
			return fault.Forbidden("role %s cannot override", role).
				With("role", string(role)).
				With("required_rank", RankOverride).
				With("required_roles", RolesAtLeast(RankOverride))
		}
	}

	if requested == StatusRejected || requested == StatusOverridden {
		if n := utf8.RuneCountInString(reason); n < MinJustificationLength {
			return fault.InvalidTransition(string(current), string(requested), statusStrings(next),
				"reason must be at least %d characters for %s", MinJustificationLength, requested).
				With("reason_length", n).
				With("min_reason_length", MinJustificationLength)
		}
	}
	return nil
}

func contains(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func statusStrings(list []Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}
