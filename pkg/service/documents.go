package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/creditlock/pkg/artifacts"
	"github.com/Mindburn-Labs/creditlock/pkg/audit"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/form6765"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
	"github.com/Mindburn-Labs/creditlock/pkg/observability"
	"github.com/Mindburn-Labs/creditlock/pkg/render"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
)

// GenerateRequest asks for a new locked Form 6765 version of a cohort.
type GenerateRequest struct {
	CohortKey      string          `json:"cohort_key,omitempty"`
	Header         form6765.Header `json:"header"`
	Inputs         form6765.Inputs `json:"inputs"`
	EntityIDs      []string        `json:"entity_ids"`
	RulesetVersion string          `json:"ruleset_version"`
	CreatedBy      string          `json:"created_by"`
	ReviewerRollup map[string]any  `json:"reviewer_rollup,omitempty"`
	PromptVersion  string          `json:"prompt_version,omitempty"`
	ModelName      string          `json:"model_name,omitempty"`
	TemplateRef    string          `json:"template_ref,omitempty"`
	OverrideReason string          `json:"override_reason,omitempty"`
	LockReason     string          `json:"lock_reason,omitempty"`
	// Render defaults to true.
	Render *bool `json:"render,omitempty"`

	// ActorRole is the authenticated caller's role; it authorizes an override.
	ActorRole review.Role `json:"-"`
}

// GenerateResult is the outcome of GenerateDocument.
type GenerateResult struct {
	Version         document.Version  `json:"form_version"`
	Snapshot        snapshot.Snapshot `json:"snapshot"`
	Lock            formlock.Lock     `json:"lock"`
	PreviousLock    *formlock.Lock    `json:"previous_lock,omitempty"`
	OverrideApplied bool              `json:"override_applied"`
}

// GenerateDocument runs the whole freeze-and-lock sequence under the cohort mutex:
// lock check, snapshot of approved entities, computation, persistence, lock replacement.
// Rendering runs after the cohort mutex is released; a render failure leaves the version
// and the lock in place with an empty rendered_artifact_ref.
func (s *Service) GenerateDocument(ctx context.Context, req GenerateRequest) (res GenerateResult, err error) {
	ids := snapshot.Normalize(req.EntityIDs)
	cohort := document.CohortFor(req.CohortKey, req.Header)
	override := formlock.Override{Reason: req.OverrideReason, Role: req.ActorRole}

	ctx, done := s.telemetry.TrackOperation(ctx, "generate_document",
		observability.GenerateOperation(cohort, override.Requested())...)
	defer func() { done(err) }()

	switch {
	case len(ids) == 0:
		return GenerateResult{}, fault.Validation("entity_ids must include at least one identifier")
	case strings.TrimSpace(req.CreatedBy) == "":
		return GenerateResult{}, fault.Validation("created_by is required")
	case strings.TrimSpace(req.RulesetVersion) == "":
		return GenerateResult{}, fault.Validation("ruleset_version is required")
	}
	if err := form6765.Validate(req.Header, req.Inputs); err != nil {
		return GenerateResult{}, err
	}
	templateRef := req.TemplateRef
	if templateRef == "" {
		templateRef = render.DefaultTemplate
	}

	err = s.locks.Run(ctx, cohort, func(ctx context.Context, sess *formlock.Session) error {
		reason := strings.TrimSpace(req.LockReason)
		if reason == "" {
			reason = formlock.DefaultReason(cohort)
		}
		d, err := sess.Evaluate(override, reason)
		if err != nil {
			return err
		}

		approved, err := s.snapshots.Approved(ctx, ids)
		if err != nil {
			return err
		}
		if len(approved) == 0 {
			if !d.ApplyOverride(override) {
				return fault.Validation("no approved entities among %d candidates", len(ids)).
					With("candidates", len(ids)).
					With("remediation", "complete review approvals or supply an authorized override_reason")
			}
			approved = ids
		}

		snap, err := s.snapshots.Create(ctx, snapshot.Request{
			CohortKey:           cohort,
			CandidateEntityIDs:  ids,
			CreatedBy:           req.CreatedBy,
			ExplicitApprovedIDs: approved,
		})
		if err != nil {
			return err
		}

		v, err := s.engine.Compute(ctx, document.Request{
			CohortKey:      cohort,
			Header:         req.Header,
			Inputs:         req.Inputs,
			Snapshot:       snap,
			RulesetVersion: req.RulesetVersion,
			PromptVersion:  req.PromptVersion,
			ModelName:      req.ModelName,
			ReviewerRollup: req.ReviewerRollup,
			CreatedBy:      req.CreatedBy,
		})
		if err != nil {
			return err
		}
		if err := s.versions.Put(ctx, v); err != nil {
			return fmt.Errorf("service: persist version %s: %w", v.VersionID, err)
		}
		// An identical earlier computation keeps its row; report the stored one.
		if stored, err := s.versions.Get(ctx, v.VersionID); err == nil {
			v = stored
		}

		lock, err := sess.Commit(ctx, v.VersionID, req.CreatedBy, d.LockReason)
		if err != nil {
			return err
		}
		res = GenerateResult{
			Version:         v,
			Snapshot:        snap,
			Lock:            lock,
			PreviousLock:    d.Current,
			OverrideApplied: d.OverrideApplied,
		}
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}

	if (req.Render == nil || *req.Render) && res.Version.RenderedArtifactRef == "" {
		if art, ref, ok := s.renderArtifact(ctx, res.Version, templateRef); ok {
			res.Version.RenderedArtifactRef = ref
			res.Version.RenderedContentType = art.ContentType
		}
	}

	s.record(ctx, "generate_document", "cohort/"+cohort, map[string]any{
		"version_id":       res.Version.VersionID,
		"snapshot_id":      res.Snapshot.SnapshotID,
		"lock_id":          res.Lock.LockID,
		"override_applied": res.OverrideApplied,
	})
	return res, nil
}

func (s *Service) renderArtifact(ctx context.Context, v document.Version, templateRef string) (render.Artifact, string, bool) {
	if s.renderer == nil || s.artifacts == nil {
		return render.Artifact{}, "", false
	}
	art, err := s.renderer.Render(ctx, v, templateRef)
	if err != nil {
		s.telemetry.Degraded(ctx, "render", err, "version_id", v.VersionID, "template_ref", templateRef)
		return render.Artifact{}, "", false
	}
	ref, err := s.artifacts.Put(ctx, art.Data, art.ContentType)
	if err != nil {
		s.telemetry.Degraded(ctx, "artifact_store", err, "version_id", v.VersionID)
		return render.Artifact{}, "", false
	}
	if err := s.versions.SetArtifactRef(ctx, v.VersionID, ref, art.ContentType); err != nil {
		s.telemetry.Degraded(ctx, "artifact_ref", err, "version_id", v.VersionID)
		return render.Artifact{}, "", false
	}
	return art, ref, true
}

// ActiveDocument is a cohort's active lock with the version it points at.
type ActiveDocument struct {
	Lock    formlock.Lock    `json:"lock"`
	Version document.Version `json:"form_version"`
}

// GetActiveDocument returns the cohort's locked version.
func (s *Service) GetActiveDocument(ctx context.Context, cohortKey string) (ActiveDocument, error) {
	lock, err := s.locks.Active(ctx, cohortKey)
	if err != nil {
		return ActiveDocument{}, err
	}
	v, err := s.GetFormVersion(ctx, lock.ActiveVersionID)
	if err != nil {
		return ActiveDocument{}, err
	}
	return ActiveDocument{Lock: lock, Version: v}, nil
}

// GetFormVersion loads one version.
func (s *Service) GetFormVersion(ctx context.Context, versionID string) (document.Version, error) {
	v, err := s.versions.Get(ctx, versionID)
	if errors.Is(err, document.ErrNotFound) {
		return document.Version{}, fault.NotFound("form version %s not found", versionID).With("version_id", versionID)
	}
	return v, err
}

// VerifyFormVersion recomputes the content hash and checks the signature of a stored version.
func (s *Service) VerifyFormVersion(ctx context.Context, versionID string) (document.Version, error) {
	v, err := s.GetFormVersion(ctx, versionID)
	if err != nil {
		return document.Version{}, err
	}
	return v, document.Verify(v)
}

// ListVersions returns every version computed for a cohort, oldest first.
func (s *Service) ListVersions(ctx context.Context, cohortKey string) ([]document.Version, error) {
	vs, err := s.versions.ListByCohort(ctx, cohortKey)
	if err != nil {
		return nil, err
	}
	if vs == nil {
		vs = []document.Version{}
	}
	return vs, nil
}

// GetSnapshot loads one eligibility snapshot.
func (s *Service) GetSnapshot(ctx context.Context, snapshotID string) (snapshot.Snapshot, error) {
	return s.snapshots.Get(ctx, snapshotID)
}

// LockHistory returns every lock of the cohort, newest first.
func (s *Service) LockHistory(ctx context.Context, cohortKey string) ([]formlock.Lock, error) {
	h, err := s.locks.History(ctx, cohortKey)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = []formlock.Lock{}
	}
	return h, nil
}

// DownloadArtifact returns the rendered artifact bytes of a version.
func (s *Service) DownloadArtifact(ctx context.Context, versionID string) ([]byte, document.Version, error) {
	v, err := s.GetFormVersion(ctx, versionID)
	if err != nil {
		return nil, document.Version{}, err
	}
	if v.RenderedArtifactRef == "" || s.artifacts == nil {
		return nil, v, fault.NotFound("form version %s has no rendered artifact", versionID).With("version_id", versionID)
	}
	data, err := s.artifacts.Get(ctx, v.RenderedArtifactRef)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, v, fault.NotFound("artifact %s not found", v.RenderedArtifactRef).With("version_id", versionID)
	}
	if err != nil {
		return nil, v, err
	}
	return data, v, nil
}

// AuditPackage builds the audit ZIP of an entity.
func (s *Service) AuditPackage(ctx context.Context, entityID string) (pkg audit.EvidencePackage, err error) {
	ctx, done := s.telemetry.TrackOperation(ctx, "audit_package", observability.AttrEntityID.String(entityID))
	defer func() { done(err) }()

	pkg, err = s.exporter.GeneratePack(ctx, strings.TrimSpace(entityID))
	if err != nil {
		return audit.EvidencePackage{}, err
	}
	s.record(ctx, "audit_package", "review/"+pkg.EntityID, map[string]any{"checksum": pkg.Checksum})
	return pkg, nil
}
