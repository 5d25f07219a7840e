package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/creditlock/pkg/document"
	"github.com/Mindburn-Labs/creditlock/pkg/snapshot"
)

// SnapshotStore implements snapshot.Store.
type SnapshotStore struct {
	db *DB
}

func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

var _ snapshot.Store = (*SnapshotStore)(nil)

// Put upserts by snapshot id; identical content always maps to the same id.
func (s *SnapshotStore) Put(ctx context.Context, snap snapshot.Snapshot) error {
	ids, err := json.Marshal(snap.ApprovedEntityIDs)
	if err != nil {
		return fmt.Errorf("failed to encode approved ids: %w", err)
	}
	query := `
		INSERT INTO eligibility_snapshots (snapshot_id, cohort_key, approved_entity_ids, content_hash, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (snapshot_id) DO UPDATE SET created_at = excluded.created_at, created_by = excluded.created_by
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.SnapshotID, snap.CohortKey, string(ids), snap.ContentHash, formatTime(snap.CreatedAt), snap.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func (s *SnapshotStore) Get(ctx context.Context, snapshotID string) (snapshot.Snapshot, error) {
	query := `SELECT snapshot_id, cohort_key, approved_entity_ids, content_hash, created_at, created_by
		FROM eligibility_snapshots WHERE snapshot_id = $1`
	var (
		snap      snapshot.Snapshot
		ids       string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, snapshotID).
		Scan(&snap.SnapshotID, &snap.CohortKey, &ids, &snap.ContentHash, &createdAt, &snap.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	snap.ApprovedEntityIDs = []string{}
	if err := json.Unmarshal([]byte(ids), &snap.ApprovedEntityIDs); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("snapshot %s: bad approved ids: %w", snapshotID, err)
	}
	if snap.CreatedAt, err = parseTime(createdAt); err != nil {
		return snapshot.Snapshot{}, err
	}
	return snap, nil
}

// VersionStore implements document.Store.
type VersionStore struct {
	db *DB
}

func NewVersionStore(db *DB) *VersionStore {
	return &VersionStore{db: db}
}

var _ document.Store = (*VersionStore)(nil)

const versionColumns = `version_id, cohort_key, snapshot_id, content_hash, document_payload, rendered_artifact_ref,
	rendered_content_type, signature, signer_key_id, signer_public_key, created_at, created_by`

// Put inserts a version; an existing id keeps its original row.
func (s *VersionStore) Put(ctx context.Context, v document.Version) error {
	payload, err := json.Marshal(v.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode document payload: %w", err)
	}
	query := `
		INSERT INTO document_versions (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (version_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		v.VersionID, v.CohortKey, v.SnapshotID, v.ContentHash, string(payload), v.RenderedArtifactRef,
		v.RenderedContentType, v.Signature, v.SignerKeyID, v.SignerPublicKey, formatTime(v.CreatedAt), v.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to insert document version: %w", err)
	}
	return nil
}

func (s *VersionStore) Get(ctx context.Context, versionID string) (document.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE version_id = $1`
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, versionID))
	if errors.Is(err, sql.ErrNoRows) {
		return document.Version{}, document.ErrNotFound
	}
	return v, err
}

func (s *VersionStore) SetArtifactRef(ctx context.Context, versionID, ref, contentType string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE document_versions SET rendered_artifact_ref = $1, rendered_content_type = $2 WHERE version_id = $3`,
		ref, contentType, versionID)
	if err != nil {
		return fmt.Errorf("failed to set artifact ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return document.ErrNotFound
	}
	return nil
}

func (s *VersionStore) ListByCohort(ctx context.Context, cohortKey string) ([]document.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM document_versions WHERE cohort_key = $1 ORDER BY created_at ASC, version_id ASC`
	rows, err := s.db.QueryContext(ctx, query, cohortKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]document.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanVersion(row scanner) (document.Version, error) {
	var (
		v         document.Version
		payload   string
		createdAt string
	)
	err := row.Scan(&v.VersionID, &v.CohortKey, &v.SnapshotID, &v.ContentHash, &payload, &v.RenderedArtifactRef,
		&v.RenderedContentType, &v.Signature, &v.SignerKeyID, &v.SignerPublicKey, &createdAt, &v.CreatedBy)
	if err != nil {
		return document.Version{}, err
	}
	if err := json.Unmarshal([]byte(payload), &v.Payload); err != nil {
		return document.Version{}, fmt.Errorf("version %s: bad payload: %w", v.VersionID, err)
	}
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return document.Version{}, err
	}
	return v, nil
}
