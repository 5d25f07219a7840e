// Package formlock keeps at most one active document version per cohort and gates
// replacement of an active lock behind a privileged, justified override.
package formlock

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/keylock"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

// MinOverrideReasonLength is the minimum override justification, in characters.
const MinOverrideReasonLength = 30

// Lock binds a cohort to its active version. Superseded locks stay with IsActive=false.
type Lock struct {
	LockID          string    `json:"lock_id"`
	CohortKey       string    `json:"cohort_key"`
	ActiveVersionID string    `json:"active_version_id"`
	LockedAt        time.Time `json:"locked_at"`
	LockedBy        string    `json:"locked_by"`
	LockReason      string    `json:"lock_reason"`
	IsActive        bool      `json:"is_active"`
}

// Store persists locks.
type Store interface {
	// Active returns the cohort's active lock, or nil.
	Active(ctx context.Context, cohortKey string) (*Lock, error)
	// Replace deactivates the cohort's active lock and inserts next in one atomic step.
	Replace(ctx context.Context, next Lock) error
	// History returns every lock of the cohort, newest first.
	History(ctx context.Context, cohortKey string) ([]Lock, error)
}

// Override is a request to replace an active lock.
type Override struct {
	Reason string
	Role   review.Role
}

// Requested reports whether a non-blank reason was supplied.
func (o Override) Requested() bool { return strings.TrimSpace(o.Reason) != "" }

// Decision is the outcome of evaluating a lock request against the current lock.
type Decision struct {
	Current           *Lock
	OverrideRequested bool
	OverrideApplied   bool
	LockReason        string
}

// ApplyOverride marks the override as used for a reason other than replacing a lock,
// such as widening the eligible set. It reports false when no authorized override was supplied.
func (d *Decision) ApplyOverride(o Override) bool {
	if !d.OverrideRequested {
		return false
	}
	d.OverrideApplied = true
	d.LockReason = strings.TrimSpace(o.Reason)
	return true
}

// Evaluate decides whether a new version may become the active lock.
// An override, when supplied, is checked for role then length before the lock state is considered.
func Evaluate(current *Lock, o Override, defaultReason string) (Decision, error) {
	d := Decision{Current: current, LockReason: defaultReason}
	if o.Requested() {
		if err := checkOverride(o); err != nil {
			return Decision{}, err
		}
		d.OverrideRequested = true
	}
	if current == nil {
		return d, nil
	}
	if !d.OverrideRequested {
		return Decision{}, fault.Conflict("cohort %s is locked to version %s", current.CohortKey, current.ActiveVersionID).
			With("active_version_id", current.ActiveVersionID).
			With("lock_id", current.LockID).
			With("remediation", fmt.Sprintf("supply override_reason of at least %d characters with role %s",
				MinOverrideReasonLength, strings.Join(review.RolesAtLeast(review.RankOverride), ", ")))
	}
	d.OverrideApplied = true
	d.LockReason = strings.TrimSpace(o.Reason)
	return d, nil
}

func checkOverride(o Override) error {
	if !review.CanOverride(o.Role) {
		role := string(o.Role)
		if role == "" {
			role = "none"
		}
		return fault.Forbidden("role %s may not override a form lock", role).
			With("role", role).
			With("required_rank", review.RankOverride).
			With("required_roles", review.RolesAtLeast(review.RankOverride))
	}
	n := utf8.RuneCountInString(strings.TrimSpace(o.Reason))
	if n < MinOverrideReasonLength {
		return fault.Validation("override_reason must be at least %d characters", MinOverrideReasonLength).
			With("reason_length", n).
			With("min_reason_length", MinOverrideReasonLength)
	}
	return nil
}

// Manager serializes lock changes per cohort.
type Manager struct {
	store  Store
	locker keylock.Locker
	clock  func() time.Time
	newID  func(cohort string) string
}

func NewManager(store Store, locker keylock.Locker) *Manager {
	if locker == nil {
		locker = keylock.New()
	}
	return &Manager{
		store:  store,
		locker: keylock.Prefixed{Locker: locker, Prefix: "cohort:"},
		clock:  time.Now,
		newID: func(cohort string) string {
			return fmt.Sprintf("lock_%s_%s", cohort, strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
		},
	}
}

// WithClock overrides clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Active returns the cohort's active lock.
func (m *Manager) Active(ctx context.Context, cohortKey string) (Lock, error) {
	l, err := m.store.Active(ctx, cohortKey)
	if err != nil {
		return Lock{}, err
	}
	if l == nil {
		return Lock{}, fault.NotFound("cohort %s has no active lock", cohortKey)
	}
	return *l, nil
}

// History returns every lock of the cohort, newest first.
func (m *Manager) History(ctx context.Context, cohortKey string) ([]Lock, error) {
	return m.store.History(ctx, cohortKey)
}

// Session is the exclusive view of one cohort inside Run.
type Session struct {
	m       *Manager
	cohort  string
	current *Lock
	done    bool
}

// Current returns the lock that was active when the session began, or nil.
func (s *Session) Current() *Lock { return s.current }

// Evaluate applies the lock rules to the session's current lock.
func (s *Session) Evaluate(o Override, defaultReason string) (Decision, error) {
	return Evaluate(s.current, o, defaultReason)
}

// Commit makes versionID the cohort's active lock. It may be called once per session.
func (s *Session) Commit(ctx context.Context, versionID, lockedBy, reason string) (Lock, error) {
	if s.done {
		return Lock{}, fault.Conflict("cohort %s already committed in this session", s.cohort)
	}
	next := Lock{
		LockID:          s.m.newID(s.cohort),
		CohortKey:       s.cohort,
		ActiveVersionID: versionID,
		LockedAt:        s.m.clock().UTC(),
		LockedBy:        lockedBy,
		LockReason:      reason,
		IsActive:        true,
	}
	if err := s.m.store.Replace(ctx, next); err != nil {
		return Lock{}, fmt.Errorf("formlock: replace %s: %w", s.cohort, err)
	}
	s.done = true
	return next, nil
}

// Run holds the cohort's mutex for the whole of fn.
func (m *Manager) Run(ctx context.Context, cohortKey string, fn func(ctx context.Context, s *Session) error) error {
	if strings.TrimSpace(cohortKey) == "" {
		return fault.Validation("cohort_key is required")
	}
	release, err := m.locker.Lock(ctx, cohortKey)
	if err != nil {
		return fmt.Errorf("formlock: acquire %s: %w", cohortKey, err)
	}
	defer release()

	current, err := m.store.Active(ctx, cohortKey)
	if err != nil {
		return err
	}
	return fn(ctx, &Session{m: m, cohort: cohortKey, current: current})
}

// Result is the outcome of Generate.
type Result struct {
	Lock            Lock  `json:"lock"`
	Previous        *Lock `json:"previous,omitempty"`
	OverrideApplied bool  `json:"override_applied"`
}

// Generate locks versionID for the cohort when no lock exists, or replaces the active lock
// when an authorized override is supplied.
func (m *Manager) Generate(ctx context.Context, cohortKey, versionID, requestedBy, lockReason string, o Override) (Result, error) {
	var res Result
	err := m.Run(ctx, cohortKey, func(ctx context.Context, s *Session) error {
		reason := lockReason
		if strings.TrimSpace(reason) == "" {
			reason = DefaultReason(cohortKey)
		}
		d, err := s.Evaluate(o, reason)
		if err != nil {
			return err
		}
		l, err := s.Commit(ctx, versionID, requestedBy, d.LockReason)
		if err != nil {
			return err
		}
		res = Result{Lock: l, Previous: d.Current, OverrideApplied: d.OverrideApplied}
		return nil
	})
	return res, err
}

// DefaultReason is the lock reason recorded when none is supplied.
func DefaultReason(cohortKey string) string {
	return "Initial form lock for cohort " + cohortKey
}
