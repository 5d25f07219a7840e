// Package document computes content-addressed Form 6765 versions from an eligibility snapshot.
//
// A version's content hash covers the header, normalized inputs, computed lines and provenance,
// canonicalized with RFC 8785. The wall-clock computation time is recorded in the provenance but
// left out of the hashed subset, so identical inputs always produce the same version id.
package document

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/creditlock/pkg/canonicalize"
	"github.com/Mindburn-Labs/creditlock/pkg/crypto"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/form6765"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
)

// ErrNotFound is returned by stores when a version id does not exist.
var ErrNotFound = errors.New("document version not found")

// Provenance records where the numbers of a version came from.
type Provenance struct {
	EligibilitySnapshotID     string         `json:"eligibility_snapshot_id"`
	EligibilitySnapshotSHA256 string         `json:"eligibility_snapshot_sha256"`
	RulesetVersion            string         `json:"ruleset_version"`
	PromptVersion             string         `json:"prompt_version,omitempty"`
	ModelName                 string         `json:"model_name,omitempty"`
	ReviewerRollup            map[string]any `json:"reviewer_rollup"`
	CalculationNotes          form6765.Notes `json:"calculation_notes"`
	ComputedAt                time.Time      `json:"computed_at"`
}

// Payload is the computed document.
type Payload struct {
	Header     form6765.Header `json:"header"`
	Inputs     form6765.Inputs `json:"inputs"`
	Lines      form6765.Lines  `json:"lines"`
	Provenance Provenance      `json:"provenance"`
}

// Version is one immutable computed document.
type Version struct {
	VersionID           string    `json:"version_id"`
	CohortKey           string    `json:"cohort_key"`
	SnapshotID          string    `json:"snapshot_id"`
	ContentHash         string    `json:"content_hash"`
	Payload             Payload   `json:"document_payload"`
	RenderedArtifactRef string    `json:"rendered_artifact_ref,omitempty"`
	RenderedContentType string    `json:"rendered_content_type,omitempty"`
	Signature           string    `json:"signature,omitempty"`
	SignerKeyID         string    `json:"signer_key_id,omitempty"`
	SignerPublicKey     string    `json:"signer_public_key,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	CreatedBy           string    `json:"created_by"`
}

// Request is the input of Compute.
type Request struct {
	CohortKey      string
	Header         form6765.Header
	Inputs         form6765.Inputs
	Snapshot       snapshot.Snapshot
	RulesetVersion string
	PromptVersion  string
	ModelName      string
	ReviewerRollup map[string]any
	CreatedBy      string
}

// RuleChecker evaluates the ruleset identified by version against computed facts.
type RuleChecker interface {
	Check(ctx context.Context, version string, facts map[string]any) error
}

// Engine computes versions.
type Engine struct {
	signer crypto.Signer
	rules  RuleChecker
	clock  func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSigner signs every version's content hash.
func WithSigner(s crypto.Signer) Option { return func(e *Engine) { e.signer = s } }

// WithRules evaluates ruleset constraints before a version is produced.
func WithRules(r RuleChecker) Option { return func(e *Engine) { e.rules = r } }

// WithClock overrides the clock.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

func NewEngine(opts ...Option) *Engine {
	e := &Engine{clock: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CohortFor returns the cohort key of a request, defaulting to the tax year.
func CohortFor(cohortKey string, h form6765.Header) string {
	if c := strings.TrimSpace(cohortKey); c != "" {
		return c
	}
	return strconv.Itoa(h.TaxYear)
}

// Compute produces a version. It does not persist anything.
func (e *Engine) Compute(ctx context.Context, req Request) (Version, error) {
	cohort := CohortFor(req.CohortKey, req.Header)
	if req.Snapshot.SnapshotID == "" {
		return Version{}, fault.Validation("snapshot is required")
	}
	if req.Snapshot.CohortKey != cohort {
		return Version{}, fault.Validation("snapshot %s belongs to cohort %q, not %q",
			req.Snapshot.SnapshotID, req.Snapshot.CohortKey, cohort)
	}
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(req.RulesetVersion, "v")); err != nil {
		return Version{}, fault.Validation("ruleset_version %q is not a semantic version", req.RulesetVersion).
			With("ruleset_version", req.RulesetVersion)
	}

	res, err := form6765.Compute(req.Header, req.Inputs)
	if err != nil {
		return Version{}, err
	}
	if e.rules != nil {
		if err := e.rules.Check(ctx, req.RulesetVersion, Facts(res)); err != nil {
			return Version{}, err
		}
	}

	rollup := req.ReviewerRollup
	if rollup == nil {
		rollup = map[string]any{}
	}
	now := e.clock().UTC()
	payload := Payload{
		Header: res.Header,
		Inputs: res.Inputs,
		Lines:  res.Lines,
		Provenance: Provenance{
			EligibilitySnapshotID:     req.Snapshot.SnapshotID,
			EligibilitySnapshotSHA256: req.Snapshot.ContentHash,
			RulesetVersion:            req.RulesetVersion,
			PromptVersion:             req.PromptVersion,
			ModelName:                 req.ModelName,
			ReviewerRollup:            rollup,
			CalculationNotes:          res.Notes,
			ComputedAt:                now,
		},
	}

	hash, err := ContentHash(payload)
	if err != nil {
		return Version{}, err
	}
	v := Version{
		VersionID:   VersionID(cohort, hash),
		CohortKey:   cohort,
		SnapshotID:  req.Snapshot.SnapshotID,
		ContentHash: hash,
		Payload:     payload,
		CreatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}
	if e.signer != nil {
		sig, err := e.signer.Sign([]byte(hash))
		if err != nil {
			return Version{}, fmt.Errorf("document: sign %s: %w", v.VersionID, err)
		}
		v.Signature = sig
		v.SignerKeyID = e.signer.KeyID()
		v.SignerPublicKey = e.signer.PublicKey()
	}
	return v, nil
}

type hashedProvenance struct {
	EligibilitySnapshotID     string         `json:"eligibility_snapshot_id"`
	EligibilitySnapshotSHA256 string         `json:"eligibility_snapshot_sha256"`
	RulesetVersion            string         `json:"ruleset_version"`
	PromptVersion             string         `json:"prompt_version,omitempty"`
	ModelName                 string         `json:"model_name,omitempty"`
	ReviewerRollup            map[string]any `json:"reviewer_rollup"`
	CalculationNotes          form6765.Notes `json:"calculation_notes"`
}

type hashedPayload struct {
	Header     form6765.Header  `json:"header"`
	Inputs     form6765.Inputs  `json:"inputs"`
	Lines      form6765.Lines   `json:"lines"`
	Provenance hashedProvenance `json:"provenance"`
}

// ContentHash hashes the payload with the computation time removed.
func ContentHash(p Payload) (string, error) {
	prov := p.Provenance
	return canonicalize.CanonicalHash(hashedPayload{
		Header: p.Header,
		Inputs: p.Inputs,
		Lines:  p.Lines,
		Provenance: hashedProvenance{
			EligibilitySnapshotID:     prov.EligibilitySnapshotID,
			EligibilitySnapshotSHA256: prov.EligibilitySnapshotSHA256,
			RulesetVersion:            prov.RulesetVersion,
			PromptVersion:             prov.PromptVersion,
			ModelName:                 prov.ModelName,
			ReviewerRollup:            prov.ReviewerRollup,
			CalculationNotes:          prov.CalculationNotes,
		},
	})
}

// VersionID derives the version id from the cohort and the content hash prefix.
func VersionID(cohortKey, hash string) string {
	return fmt.Sprintf("f6765_%s_%s", cohortKey, canonicalize.ShortHash(hash, 12))
}

// Verify recomputes the content hash and checks the signature when present.
func Verify(v Version) error {
	hash, err := ContentHash(v.Payload)
	if err != nil {
		return err
	}
	if hash != v.ContentHash {
		return fault.Conflict("version %s content hash mismatch", v.VersionID).
			With("stored", v.ContentHash).
			With("computed", hash)
	}
	if v.Signature == "" {
		return nil
	}
	ok, err := crypto.Verify(v.SignerPublicKey, v.Signature, []byte(v.ContentHash))
	if err != nil {
		return fault.Wrap(fault.KindValidation, err, "version signature malformed")
	}
	if !ok {
		return fault.Conflict("version %s signature does not verify", v.VersionID)
	}
	return nil
}

// Facts flattens a computation into the variables a ruleset evaluates.
func Facts(res form6765.Result) map[string]any {
	in := res.Inputs
	l := res.Lines
	facts := map[string]any{
		"tax_year":         int64(res.Header.TaxYear),
		"credit_method":    string(in.CreditMethod),
		"section_280c":     string(in.Section280CChoice),
		"qre_wages":        in.QREWages.Float64(),
		"qre_supplies":     in.QRESupplies.Float64(),
		"qre_computers":    in.QREComputers.Float64(),
		"qre_contract":     in.QREContractResearchGross.Float64(),
		"qre_total":        l.Line28.Float64(),
		"credit":           l.Line36.Float64(),
		"current_credit":   l.Line40.Float64(),
		"payroll_election": l.Line44.Float64(),
		"qsb":              in.IsQSBPayrollElection,
	}
	return facts
}
