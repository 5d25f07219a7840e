package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/creditlock/pkg/fault"
	"github.com/Mindburn-Labs/creditlock/pkg/formlock"
)

// LockStore implements formlock.Store.
type LockStore struct {
	db *DB
}

func NewLockStore(db *DB) *LockStore {
	return &LockStore{db: db}
}

var _ formlock.Store = (*LockStore)(nil)

const lockColumns = `lock_id, cohort_key, active_version_id, locked_at, locked_by, lock_reason, is_active`

func (s *LockStore) Active(ctx context.Context, cohortKey string) (*formlock.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM form_locks WHERE cohort_key = $1 AND is_active = $2`
	l, err := scanLock(s.db.QueryRowContext(ctx, query, cohortKey, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Replace deactivates the active lock and inserts next inside one transaction.
// The partial unique index on active locks rejects a concurrent second activation.
func (s *LockStore) Replace(ctx context.Context, next formlock.Lock) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE form_locks SET is_active = $1 WHERE cohort_key = $2 AND is_active = $3`,
		false, next.CohortKey, true); err != nil {
		return fmt.Errorf("failed to deactivate lock: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO form_locks (`+lockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		next.LockID, next.CohortKey, next.ActiveVersionID, formatTime(next.LockedAt), next.LockedBy, next.LockReason, true); err != nil {
		if isUniqueViolation(err) {
			return fault.Conflict("cohort %s gained a concurrent active lock", next.CohortKey)
		}
		return fmt.Errorf("failed to insert lock: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit lock: %w", err)
	}
	return nil
}

func (s *LockStore) History(ctx context.Context, cohortKey string) ([]formlock.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM form_locks WHERE cohort_key = $1 ORDER BY locked_at DESC, lock_id DESC`
	rows, err := s.db.QueryContext(ctx, query, cohortKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]formlock.Lock, 0)
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanLock(row scanner) (formlock.Lock, error) {
	var (
		l        formlock.Lock
		lockedAt string
	)
	if err := row.Scan(&l.LockID, &l.CohortKey, &l.ActiveVersionID, &lockedAt, &l.LockedBy, &l.LockReason, &l.IsActive); err != nil {
		return formlock.Lock{}, err
	}
	t, err := parseTime(lockedAt)
	if err != nil {
		return formlock.Lock{}, err
	}
	l.LockedAt = t
	return l, nil
}
