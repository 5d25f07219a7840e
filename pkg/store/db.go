// Package store persists review records, eligibility snapshots, document versions and form locks
// in SQL. The same statements run on SQLite (lite mode) and Postgres; only the DDL differs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects the DDL flavour.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// timeLayout is fixed-width so that text comparison orders by time.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DB is a database handle with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap pairs an existing handle with a dialect.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// Open connects to Postgres when databaseURL is set, otherwise to SQLite under dataDir.
func Open(ctx context.Context, databaseURL, dataDir string) (*DB, error) {
	if databaseURL != "" {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		return Wrap(db, DialectPostgres), nil
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return OpenSQLite(filepath.Join(dataDir, "creditlock.db"))
}

// OpenSQLite opens a SQLite file. Writes are funnelled through one connection.
func OpenSQLite(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return Wrap(db, DialectSQLite), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// isUniqueViolation recognises unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}
