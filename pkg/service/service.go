// Package service implements the creditlock operations on top of the ledger, snapshot,
// document, form lock and trace packages. Transports call it; it never sees HTTP.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/Mindburn-Labs/creditlock/pkg/artifacts"
	"github.com/Mindburn-Labs/creditlock/pkg/audit"
	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
	"github.com/Mindburn-Labs/creditlock/pkg/keylock"
	"github.com/Mindburn-Labs/creditlock/pkg/ledger"
	"github.com/Mindburn-Labs/creditlock/pkg/observability"
	"github.com/Mindburn-Labs/creditlock/pkg/render"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

// DefaultClassifyConcurrency bounds parallel classification ingest when Deps leaves it unset.
const DefaultClassifyConcurrency = 8

// Mirror receives a copy of every appended review record. Failures never fail the caller.
type Mirror interface {
	Record(ctx context.Context, rec review.Record) error
}

// Deps are the collaborators of a Service. Ledger, Snapshots, Engine, Versions, Locks and Traces are required.
type Deps struct {
	Ledger    *ledger.Ledger
	Snapshots *snapshot.Builder
	Engine    *document.Engine
	Versions  document.Store
	Locks     *formlock.Manager
	Traces    *trace.Logger

	// Locker serializes validate-then-append per entity. Defaults to an in-process keyed mutex.
	Locker    keylock.Locker
	Mirror    Mirror
	Renderer  render.Renderer
	Artifacts artifacts.Store
	Audit     audit.Logger
	Telemetry *observability.Provider

	ClassifyConcurrency int
}

// Service is safe for concurrent use.
type Service struct {
	ledger    *ledger.Ledger
	snapshots *snapshot.Builder
	engine    *document.Engine
	versions  document.Store
	locks     *formlock.Manager
	traces    *trace.Logger
	entities  keylock.Locker
	mirror    Mirror
	renderer  render.Renderer
	artifacts artifacts.Store
	audit     audit.Logger
	telemetry *observability.Provider
	exporter  *audit.Exporter
	validate  *validator.Validate
	workers   int
}

func New(d Deps) (*Service, error) {
	switch {
	case d.Ledger == nil:
		return nil, errors.New("service: ledger is required")
	case d.Snapshots == nil:
		return nil, errors.New("service: snapshot builder is required")
	case d.Engine == nil:
		return nil, errors.New("service: document engine is required")
	case d.Versions == nil:
		return nil, errors.New("service: version store is required")
	case d.Locks == nil:
		return nil, errors.New("service: lock manager is required")
	case d.Traces == nil:
		return nil, errors.New("service: trace logger is required")
	}
	if d.Locker == nil {
		d.Locker = keylock.New()
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Telemetry == nil {
		d.Telemetry = observability.Disabled()
	}
	if d.ClassifyConcurrency <= 0 {
		d.ClassifyConcurrency = DefaultClassifyConcurrency
	}
	if d.Renderer != nil && d.Artifacts == nil {
		slog.Warn("renderer configured without artifact storage; artifacts will not be rendered")
	}
	return &Service{
		ledger:    d.Ledger,
		snapshots: d.Snapshots,
		engine:    d.Engine,
		versions:  d.Versions,
		locks:     d.Locks,
		traces:    d.Traces,
		entities:  keylock.Prefixed{Locker: d.Locker, Prefix: "entity:"},
		mirror:    d.Mirror,
		renderer:  d.Renderer,
		artifacts: d.Artifacts,
		audit:     d.Audit,
		telemetry: d.Telemetry,
		exporter:  audit.NewExporter(d.Ledger, d.Traces),
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		workers:   d.ClassifyConcurrency,
	}, nil
}

// Traces exposes the trace logger for verification tooling.
func (s *Service) Traces() *trace.Logger { return s.traces }

func (s *Service) record(ctx context.Context, action, resource string, meta map[string]any) {
	if err := s.audit.Record(ctx, audit.EventMutation, action, resource, meta); err != nil {
		s.telemetry.Degraded(ctx, "audit", err, "action", action)
	}
}

func (s *Service) mirrorRecord(ctx context.Context, rec review.Record) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Record(ctx, rec); err != nil {
		s.telemetry.Degraded(ctx, "mirror", err, "review_id", rec.ReviewID, "entity_id", rec.EntityID)
	}
}
