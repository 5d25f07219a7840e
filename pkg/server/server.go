// Package server exposes the creditlock service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
	"github.com/Mindburn-Labs/creditlock/pkg/auth"
	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/render"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/service"
)

// MaxQueueLimit caps the queue page size.
const MaxQueueLimit = 1000

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Options configure the HTTP surface.
type Options struct {
	Keys        map[string]auth.KeyGrant
	JWT         *auth.JWTValidator
	Limiter     *api.GlobalRateLimiter
	CORSOrigins []string
	Checks      map[string]Check
}

// Server routes requests to the service.
type Server struct {
	svc            *service.Service
	opts           Options
	generateSchema *jsonschema.Schema
}

func New(svc *service.Service, opts Options) (*Server, error) {
	if svc == nil {
		return nil, errors.New("server: service is required")
	}
	schema, err := compileGenerateSchema()
	if err != nil {
		return nil, err
	}
	return &Server{svc: svc, opts: opts, generateSchema: schema}, nil
}

// Handler returns the routed handler wrapped in request id, CORS, auth and rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/reviews/queue", s.handleQueue)
	mux.HandleFunc("GET /api/v1/reviews/{entity_id}", s.handleReviewState)
	mux.HandleFunc("GET /api/v1/reviews/{entity_id}/report", s.handleReviewReport)
	mux.HandleFunc("POST /api/v1/reviews/{entity_id}/action", s.handleReviewAction)
	mux.HandleFunc("POST /api/v1/classifications", s.handleClassifications)

	mux.HandleFunc("POST /api/v1/documents/generate", s.handleGenerate)
	// {cohort_key}/active and versions/{version_id} overlap, so one route dispatches both.
	mux.HandleFunc("GET /api/v1/documents/{first}/{second}", s.handleDocuments)
	mux.HandleFunc("GET /api/v1/documents/versions/{version_id}/artifact", s.handleArtifact)
	mux.HandleFunc("GET /api/v1/snapshots/{snapshot_id}", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/locks/{cohort_key}/history", s.handleLockHistory)
	mux.HandleFunc("POST /api/v1/audit/{entity_id}/package", s.handleAuditPackage)

	var h http.Handler = mux
	h = auth.RateLimitMiddleware(s.opts.Limiter)(h)
	h = auth.NewMiddleware(s.opts.Keys, s.opts.JWT)(h)
	h = auth.CORSMiddleware(s.opts.CORSOrigins)(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if len(s.opts.Checks) == 0 {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	api.WriteJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	var statuses []review.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, ok := review.ParseStatus(part)
			if !ok {
				api.WriteFault(w, r, fault.Validation("invalid status %q", part).With("allowed", review.Statuses))
				return
			}
			statuses = append(statuses, st)
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxQueueLimit {
			api.WriteFault(w, r, fault.Validation("limit must be an integer between 1 and %d", MaxQueueLimit))
			return
		}
		limit = n
	}

	items, err := s.svc.GetReviewQueue(r.Context(), statuses, limit)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(items), "items": items})
}

func (s *Server) handleReviewState(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.GetReviewState(r.Context(), r.PathValue("entity_id"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) handleReviewReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.GetReviewReport(r.Context(), r.PathValue("entity_id"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rep)
}

type reviewActionBody struct {
	Status       string `json:"status"`
	ReviewerName string `json:"reviewer_name"`
	ReviewerRole string `json:"reviewer_role,omitempty"`
	Reason       string `json:"reason"`
}

// actorRole resolves the acting role. The authenticated role is authoritative; a claimed role
// that differs from it is refused.
func actorRole(r *http.Request, claimed string) (auth.Principal, review.Role, error) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		return nil, "", fault.Unauthorized("authentication required")
	}
	if strings.TrimSpace(claimed) != "" {
		role, ok := review.ParseRole(claimed)
		if !ok {
			return nil, "", fault.Validation("unknown reviewer_role %q", claimed)
		}
		if role != p.GetRole() {
			return nil, "", fault.Forbidden("reviewer_role %s does not match the authenticated role %s", role, p.GetRole()).
				With("role", string(p.GetRole()))
		}
	}
	return p, p.GetRole(), nil
}

func (s *Server) handleReviewAction(w http.ResponseWriter, r *http.Request) {
	var body reviewActionBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	p, role, err := actorRole(r, body.ReviewerRole)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	status, ok := review.ParseStatus(body.Status)
	if !ok {
		api.WriteFault(w, r, fault.Validation("invalid status %q", body.Status).With("allowed", review.Statuses))
		return
	}
	name := body.ReviewerName
	if strings.TrimSpace(name) == "" {
		name = p.GetName()
	}

	res, err := s.svc.SubmitReview(r.Context(), service.ReviewAction{
		EntityID:     r.PathValue("entity_id"),
		Status:       status,
		ReviewerName: name,
		ReviewerRole: role,
		Reason:       body.Reason,
	})
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, res)
}

type classificationsBody struct {
	Results   []review.Classification `json:"results"`
	ModelName string                  `json:"model_name,omitempty"`
}

func (s *Server) handleClassifications(w http.ResponseWriter, r *http.Request) {
	var body classificationsBody
	if err := api.DecodeJSON(w, r, &body); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	out, err := s.svc.IngestClassifications(r.Context(), body.Results, body.ModelName)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(out), "results": out})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	raw, err := api.ReadBody(w, r)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	if err := validateAgainst(s.generateSchema, raw); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	var req service.GenerateRequest
	if err := api.Unmarshal(raw, &req); err != nil {
		api.WriteFault(w, r, err)
		return
	}
	_, role, err := actorRole(r, "")
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	req.ActorRole = role

	res, err := s.svc.GenerateDocument(r.Context(), req)
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "versions":
		v, err := s.svc.GetFormVersion(r.Context(), second)
		if err != nil {
			api.WriteFault(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, v)
	case second == "active":
		doc, err := s.svc.GetActiveDocument(r.Context(), first)
		if err != nil {
			api.WriteFault(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, doc)
	case second == "versions":
		vs, err := s.svc.ListVersions(r.Context(), first)
		if err != nil {
			api.WriteFault(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(vs), "versions": vs})
	default:
		api.WriteNotFound(w, fmt.Sprintf("no route for %s", r.URL.Path))
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	data, v, err := s.svc.DownloadArtifact(r.Context(), r.PathValue("version_id"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	ct := v.RenderedContentType
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", v.VersionID+render.Extension(ct)))
	w.Header().Set("X-Artifact-Ref", v.RenderedArtifactRef)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.GetSnapshot(r.Context(), r.PathValue("snapshot_id"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLockHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.LockHistory(r.Context(), r.PathValue("cohort_key"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"count": len(h), "locks": h})
}

func (s *Server) handleAuditPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := s.svc.AuditPackage(r.Context(), r.PathValue("entity_id"))
	if err != nil {
		api.WriteFault(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.Filename))
	w.Header().Set("X-Checksum-SHA256", pkg.Checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pkg.Data)
}
