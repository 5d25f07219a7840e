package store

import (
	"context"
	"fmt"
)

func reviewTable(d Dialect) string {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	return `
CREATE TABLE IF NOT EXISTS review_records (
	` + seq + `,
	review_id TEXT NOT NULL UNIQUE,
	entity_id TEXT NOT NULL,
	status TEXT NOT NULL,
	reviewer_name TEXT NOT NULL DEFAULT '',
	reviewer_role TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	recorded_at TEXT NOT NULL,
	source_decision BOOLEAN,
	source_confidence DOUBLE PRECISION,
	source_trace_ref TEXT NOT NULL DEFAULT '',
	review_trace_ref TEXT NOT NULL DEFAULT ''
);`
}

var commonSchema = []string{
	`CREATE INDEX IF NOT EXISTS idx_review_records_entity ON review_records (entity_id, recorded_at, seq);`,
	`
CREATE TABLE IF NOT EXISTS eligibility_snapshots (
	snapshot_id TEXT PRIMARY KEY,
	cohort_key TEXT NOT NULL,
	approved_entity_ids TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);`,
	`
CREATE TABLE IF NOT EXISTS document_versions (
	version_id TEXT PRIMARY KEY,
	cohort_key TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	document_payload TEXT NOT NULL,
	rendered_artifact_ref TEXT NOT NULL DEFAULT '',
	rendered_content_type TEXT NOT NULL DEFAULT '',
	signature TEXT NOT NULL DEFAULT '',
	signer_key_id TEXT NOT NULL DEFAULT '',
	signer_public_key TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);`,
	`CREATE INDEX IF NOT EXISTS idx_document_versions_cohort ON document_versions (cohort_key, created_at);`,
	`
CREATE TABLE IF NOT EXISTS form_locks (
	lock_id TEXT PRIMARY KEY,
	cohort_key TEXT NOT NULL,
	active_version_id TEXT NOT NULL,
	locked_at TEXT NOT NULL,
	locked_by TEXT NOT NULL DEFAULT '',
	lock_reason TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL
);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_form_locks_active ON form_locks (cohort_key) WHERE is_active;`,
	`CREATE INDEX IF NOT EXISTS idx_form_locks_cohort ON form_locks (cohort_key, locked_at);`,
}

// Migrate creates every table and index. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *DB) error {
	stmts := append([]string{reviewTable(db.Dialect)}, commonSchema...)
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
