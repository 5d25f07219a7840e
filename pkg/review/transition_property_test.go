//go:build property
// +build property

package review_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

func genStatus() gopter.Gen {
	vals := make([]interface{}, len(review.Statuses))
	for i, s := range review.Statuses {
		vals[i] = s
	}
	return gen.OneConstOf(vals...)
}

func genRole() gopter.Gen {
	return gen.OneConstOf(review.RoleAnalyst, review.RoleReviewer, review.RoleTaxManager,
		review.RoleDirector, review.RolePartner, review.RoleAdmin)
}

// Property: a status never returns to a non-terminal pre-decision status once decided,
// and OVERRIDDEN accepts nothing.
func TestTransitionMonotonic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	reason := strings.Repeat("j", review.MinJustificationLength)

	properties.Property("decided statuses never go back to recommendations", prop.ForAll(
		func(from, to review.Status) bool {
			err := review.Validate(from, to, review.RoleAdmin, reason)
			if err != nil {
				return true
			}
			return to.IsHumanDecision() && from != review.StatusOverridden
		},
		genStatus(), genStatus(),
	))

	properties.TestingRun(t)
}

// Property: any accepted transition is also accepted for every higher-ranked role.
func TestRoleMonotonic(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	reason := strings.Repeat("j", review.MinJustificationLength)

	properties.Property("permission grows with rank", prop.ForAll(
		func(from, to review.Status, low, high review.Role) bool {
			if low.Rank() > high.Rank() {
				low, high = high, low
			}
			if review.Validate(from, to, low, reason) != nil {
				return true
			}
			return review.Validate(from, to, high, reason) == nil
		},
		genStatus(), genStatus(), genRole(), genRole(),
	))

	properties.Property("forbidden only ever comes from rank", prop.ForAll(
		func(from, to review.Status) bool {
			err := review.Validate(from, to, review.RoleAdmin, reason)
			return !fault.Is(err, fault.KindForbidden)
		},
		genStatus(), genStatus(),
	))

	properties.TestingRun(t)
}
