package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/creditlock/pkg/ledger"
	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

// ReviewStore implements ledger.Store.
type ReviewStore struct {
	db *DB
}

func NewReviewStore(db *DB) *ReviewStore {
	return &ReviewStore{db: db}
}

var _ ledger.Store = (*ReviewStore)(nil)

const reviewColumns = `review_id, entity_id, status, reviewer_name, reviewer_role, reason, recorded_at,
	source_decision, source_confidence, source_trace_ref, review_trace_ref`

func (s *ReviewStore) Insert(ctx context.Context, rec review.Record) error {
	query := `
		INSERT INTO review_records (` + reviewColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	var decision sql.NullBool
	if rec.SourceDecision != nil {
		decision = sql.NullBool{Bool: *rec.SourceDecision, Valid: true}
	}
	var confidence sql.NullFloat64
	if rec.SourceConfidence != nil {
		confidence = sql.NullFloat64{Float64: *rec.SourceConfidence, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ReviewID, rec.EntityID, string(rec.Status), rec.ReviewerName, string(rec.ReviewerRole), rec.Reason,
		formatTime(rec.Timestamp), decision, confidence, rec.SourceTraceRef, rec.ReviewTraceRef,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicate
		}
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (s *ReviewStore) Get(ctx context.Context, reviewID string) (review.Record, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_records WHERE review_id = $1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, reviewID))
	if errors.Is(err, sql.ErrNoRows) {
		return review.Record{}, ledger.ErrNotFound
	}
	return rec, err
}

func (s *ReviewStore) Latest(ctx context.Context, entityID string) (*review.Record, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_records
		WHERE entity_id = $1
		ORDER BY recorded_at DESC, seq DESC
		LIMIT 1`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *ReviewStore) History(ctx context.Context, entityID string) ([]review.Record, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_records
		WHERE entity_id = $1
		ORDER BY recorded_at ASC, seq ASC`
	rows, err := s.db.QueryContext(ctx, query, entityID)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *ReviewStore) LatestByStatus(ctx context.Context, statuses []review.Status, limit int) ([]review.Record, error) {
	if len(statuses) == 0 {
		return []review.Record{}, nil
	}
	args := make([]any, 0, len(statuses)+1)
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	args = append(args, limit)
	query := `SELECT ` + prefixed("r.", reviewColumns) + ` FROM review_records r
		WHERE r.seq = (
			SELECT l.seq FROM review_records l
			WHERE l.entity_id = r.entity_id
			ORDER BY l.recorded_at DESC, l.seq DESC
			LIMIT 1
		)
		AND r.status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY (r.source_confidence IS NULL) ASC, r.source_confidence ASC, r.recorded_at DESC, r.entity_id ASC
		LIMIT $` + fmt.Sprint(len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (s *ReviewStore) SetReviewTraceRef(ctx context.Context, reviewID, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_records SET review_trace_ref = $1 WHERE review_id = $2 AND (review_trace_ref = '' OR review_trace_ref = $1)`,
		ref, reviewID)
	if err != nil {
		return fmt.Errorf("failed to backfill review trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, reviewID); err != nil {
		return err
	}
	return ledger.ErrMutationAttempt
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func scanRecord(row scanner) (review.Record, error) {
	var (
		rec        review.Record
		status     string
		role       string
		recordedAt string
		decision   sql.NullBool
		confidence sql.NullFloat64
	)
	err := row.Scan(&rec.ReviewID, &rec.EntityID, &status, &rec.ReviewerName, &role, &rec.Reason, &recordedAt,
		&decision, &confidence, &rec.SourceTraceRef, &rec.ReviewTraceRef)
	if err != nil {
		return review.Record{}, err
	}
	rec.Status = review.Status(status)
	rec.ReviewerRole = review.Role(role)
	if rec.Timestamp, err = parseTime(recordedAt); err != nil {
		return review.Record{}, fmt.Errorf("review %s: bad timestamp %q: %w", rec.ReviewID, recordedAt, err)
	}
	if decision.Valid {
		v := decision.Bool
		rec.SourceDecision = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		rec.SourceConfidence = &v
	}
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]review.Record, error) {
	defer func() { _ = rows.Close() }()
	out := make([]review.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
