package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
	"github.com/Mindburn-Labs/creditlock/pkg/trace"
)

// Package file names.
const (
	FileReviewHistory         = "review_history.json"
	FileClassificationSummary = "classification_summary.json"
	FileTracePointers         = "trace_pointers.txt"
	FileTraceVerification     = "trace_verification.json"
	FileManifest              = "manifest.json"
)

// HistorySource returns the review history of an entity, oldest first.
type HistorySource interface {
	History(ctx context.Context, entityID string) ([]review.Record, error)
}

// TraceVerifier re-checks a stored trace.
type TraceVerifier interface {
	Verify(handle string) (trace.Verification, error)
}

// EvidencePackage is a built audit package.
type EvidencePackage struct {
	EntityID    string    `json:"entity_id"`
	Filename    string    `json:"filename"`
	GeneratedAt time.Time `json:"generated_at"`
	Checksum    string    `json:"checksum"`
	Data        []byte    `json:"-"`
}

// TraceCheck is the verification outcome for one referenced trace.
type TraceCheck struct {
	trace.Verification
	Error string `json:"error,omitempty"`
}

// Exporter assembles audit packages from the review ledger and the trace directory.
type Exporter struct {
	history HistorySource
	traces  TraceVerifier
	clock   func() time.Time
}

func NewExporter(history HistorySource, traces TraceVerifier) *Exporter {
	return &Exporter{history: history, traces: traces, clock: time.Now}
}

// WithClock overrides the generation timestamp for testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// TraceRefs returns the distinct trace handles referenced by records, in first-seen order.
func TraceRefs(records []review.Record) []string {
	seen := make(map[string]bool)
	var refs []string
	for _, r := range records {
		for _, ref := range []string{r.SourceTraceRef, r.ReviewTraceRef} {
			if ref != "" && !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

type classificationSummary struct {
	EntityID         string         `json:"entity_id"`
	Classifications  int            `json:"classification_count"`
	AIRecommendation *review.Status `json:"ai_recommendation"`
	AIConfidence     *float64       `json:"ai_confidence"`
	AITraceRef       string         `json:"ai_trace_ref,omitempty"`
	FinalStatus      review.Status  `json:"final_status"`
	FinalDecision    *bool          `json:"final_decision"`
}

type entry struct {
	name string
	body []byte
}

type manifestFile struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Bytes  int    `json:"bytes"`
}

type manifest struct {
	EntityID      string         `json:"entity_id"`
	GeneratedAt   time.Time      `json:"generated_at"`
	RecordCount   int            `json:"record_count"`
	TraceCount    int            `json:"trace_count"`
	TracesInvalid int            `json:"traces_invalid"`
	Files         []manifestFile `json:"files"`
}

// GeneratePack builds the ZIP for entityID. Entities without any review record are NotFound.
func (e *Exporter) GeneratePack(ctx context.Context, entityID string) (EvidencePackage, error) {
	if strings.TrimSpace(entityID) == "" {
		return EvidencePackage{}, fault.Validation("entity_id is required")
	}
	records, err := e.history.History(ctx, entityID)
	if err != nil {
		return EvidencePackage{}, fmt.Errorf("audit: load history: %w", err)
	}
	if len(records) == 0 {
		return EvidencePackage{}, fault.NotFound("entity %s has no review history", entityID).With("entity_id", entityID)
	}

	state := review.Project(entityID, records)
	report, _ := review.BuildReport(state)
	summary := classificationSummary{
		EntityID:      entityID,
		FinalStatus:   report.FinalStatus,
		FinalDecision: report.FinalDecision,
	}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.SourceDecision == nil {
			continue
		}
		summary.Classifications++
		if summary.AIRecommendation == nil {
			rec := review.Recommend(review.Classification{Eligible: *r.SourceDecision, Confidence: confidenceOf(r)})
			summary.AIRecommendation = &rec
			summary.AIConfidence = r.SourceConfidence
			summary.AITraceRef = r.SourceTraceRef
		}
	}

	refs := TraceRefs(records)
	checks := make([]TraceCheck, 0, len(refs))
	invalid := 0
	for _, ref := range refs {
		c := TraceCheck{Verification: trace.Verification{Handle: ref}}
		if e.traces != nil {
			v, err := e.traces.Verify(ref)
			if err != nil {
				c.Error = err.Error()
			} else {
				c.Verification = v
			}
		} else {
			c.Error = "trace store not configured"
		}
		if !c.Valid {
			invalid++
		}
		checks = append(checks, c)
	}

	generatedAt := e.clock().UTC()
	var files []entry
	add := func(name string, v any) error {
		body, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("audit: marshal %s: %w", name, err)
		}
		files = append(files, entry{name, append(body, '\n')})
		return nil
	}
	if err := add(FileReviewHistory, records); err != nil {
		return EvidencePackage{}, err
	}
	if err := add(FileClassificationSummary, summary); err != nil {
		return EvidencePackage{}, err
	}
	files = append(files, entry{FileTracePointers, tracePointers(refs)})
	if err := add(FileTraceVerification, checks); err != nil {
		return EvidencePackage{}, err
	}

	m := manifest{
		EntityID:      entityID,
		GeneratedAt:   generatedAt,
		RecordCount:   len(records),
		TraceCount:    len(refs),
		TracesInvalid: invalid,
	}
	for _, f := range files {
		sum := sha256.Sum256(f.body)
		m.Files = append(m.Files, manifestFile{Name: f.name, SHA256: hex.EncodeToString(sum[:]), Bytes: len(f.body)})
	}
	sort.Slice(m.Files, func(i, j int) bool { return m.Files[i].Name < m.Files[j].Name })
	if err := add(FileManifest, m); err != nil {
		return EvidencePackage{}, err
	}

	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)
	for _, f := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: generatedAt})
		if err != nil {
			return EvidencePackage{}, fmt.Errorf("audit: add %s: %w", f.name, err)
		}
		if _, err := w.Write(f.body); err != nil {
			return EvidencePackage{}, fmt.Errorf("audit: write %s: %w", f.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return EvidencePackage{}, fmt.Errorf("audit: close zip: %w", err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return EvidencePackage{
		EntityID:    entityID,
		Filename:    fmt.Sprintf("audit_%s_%s.zip", trace.SanitizeEntity(entityID), generatedAt.Format("20060102T150405Z")),
		GeneratedAt: generatedAt,
		Checksum:    hex.EncodeToString(sum[:]),
		Data:        data,
	}, nil
}

func confidenceOf(r review.Record) float64 {
	if r.SourceConfidence == nil {
		return 0
	}
	return *r.SourceConfidence
}

func tracePointers(refs []string) []byte {
	var b strings.Builder
	for _, ref := range refs {
		b.WriteString(ref)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
