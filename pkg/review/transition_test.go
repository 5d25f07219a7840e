package review

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
)

var longReason = strings.Repeat("x", MinJustificationLength)

func TestValidate_TableEdges(t *testing.T) {
	for from, targets := range transitions {
		for _, to := range Statuses {
			allowed := contains(targets, to)
			err := Validate(from, to, RoleAdmin, longReason)
			if allowed {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.True(t, fault.Is(err, fault.KindInvalidTransition), "%s -> %s: %v", from, to, err)
			}
		}
	}
}

func TestValidate_UnreviewedIsManualReview(t *testing.T) {
	assert.NoError(t, Validate("", StatusApproved, RoleReviewer, "ok"))
	assert.Equal(t, Allowed(StatusManualReview), Allowed(""))
}

func TestValidate_InvalidTransitionCarriesAllowedSet(t *testing.T) {
	err := Validate(StatusOverridden, StatusApproved, RoleAdmin, longReason)
	require.Error(t, err)
	d := fault.DetailsOf(err)
	assert.Equal(t, "OVERRIDDEN", d["current_status"])
	assert.Equal(t, []string{}, d["allowed"])

	err = Validate(StatusApproved, StatusRejected, RoleAdmin, longReason)
	assert.Equal(t, []string{"OVERRIDDEN"}, fault.DetailsOf(err)["allowed"])
}

func TestValidate_RoleGating(t *testing.T) {
	tests := []struct {
		name    string
		current Status
		target  Status
		role    Role
		kind    fault.Kind
	}{
		{"analyst cannot approve", StatusManualReview, StatusApproved, RoleAnalyst, fault.KindForbidden},
		{"reviewer approves", StatusManualReview, StatusApproved, RoleReviewer, ""},
		{"tax manager rejects", StatusRecommendedEligible, StatusRejected, RoleTaxManager, ""},
		{"reviewer cannot override", StatusManualReview, StatusOverridden, RoleReviewer, fault.KindForbidden},
		{"director overrides approval", StatusApproved, StatusOverridden, RoleDirector, ""},
		{"partner overrides rejection", StatusRejected, StatusOverridden, RolePartner, ""},
		{"unknown role cannot approve", StatusManualReview, StatusApproved, Role("INTERN"), fault.KindForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.current, tt.target, tt.role, longReason)
			if tt.kind == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.kind, fault.KindOf(err))
		})
	}
}

func TestValidate_ForbiddenNamesRequiredRank(t *testing.T) {
	err := Validate(StatusApproved, StatusOverridden, RoleReviewer, longReason)
	d := fault.DetailsOf(err)
	assert.Equal(t, RankOverride, d["required_rank"])
	assert.Equal(t, []string{"DIRECTOR", "PARTNER", "ADMIN"}, d["required_roles"])
}

func TestValidate_ReasonFloor(t *testing.T) {
	err := Validate(StatusManualReview, StatusRejected, RoleReviewer, strings.Repeat("r", 19))
	assert.True(t, fault.Is(err, fault.KindInvalidTransition))
	assert.Equal(t, 19, fault.DetailsOf(err)["reason_length"])

	assert.NoError(t, Validate(StatusManualReview, StatusRejected, RoleReviewer, strings.Repeat("r", 20)))

	// approvals carry no floor
	assert.NoError(t, Validate(StatusManualReview, StatusApproved, RoleReviewer, "ok"))

	// multi-byte characters count once
	assert.NoError(t, Validate(StatusApproved, StatusOverridden, RoleAdmin, strings.Repeat("é", 20)))
}

func TestRoles(t *testing.T) {
	r, ok := ParseRole(" reviewer ")
	require.True(t, ok)
	assert.Equal(t, RoleReviewer, r)

	_, ok = ParseRole("intern")
	assert.False(t, ok)
	assert.Equal(t, -1, Role("intern").Rank())

	assert.False(t, CanApproveReject(RoleAnalyst))
	assert.True(t, CanApproveReject(RoleTaxManager))
	assert.False(t, CanOverride(RoleTaxManager))
	assert.True(t, CanOverride(RolePartner))
	assert.True(t, CanOverride(RoleAdmin))
}

func TestProject(t *testing.T) {
	st := Project("p1", nil)
	assert.Equal(t, StatusManualReview, st.CurrentStatus)
	assert.Nil(t, st.LastReview)
	assert.Empty(t, st.History)
	assert.NotNil(t, st.History)

	st = Project("p1", []Record{
		{ReviewID: "a", Status: StatusRecommendedEligible},
		{ReviewID: "b", Status: StatusApproved},
	})
	assert.Equal(t, StatusApproved, st.CurrentStatus)
	assert.Equal(t, "b", st.LastReview.ReviewID)
}
