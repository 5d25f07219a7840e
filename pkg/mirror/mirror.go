// Package mirror keeps a secondary copy of review records in an embedded BadgerDB.
// The mirror is best effort: callers log and discard its errors.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/Mindburn-Labs/creditlock/pkg/review"
)

// Config for Open.
type Config struct {
	// Path is the database directory; ignored when InMemory.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Mirror stores review records keyed by entity and time.
type Mirror struct {
	db *badger.DB
}

// Open opens or creates the mirror database.
func Open(cfg Config) (*Mirror, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("mirror: path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("mirror: create %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("mirror: open badger: %w", err)
	}
	return &Mirror{db: db}, nil
}

func (m *Mirror) Close() error { return m.db.Close() }

func entityPrefix(entityID string) []byte {
	return []byte("review/" + entityID + "/")
}

func recordKey(rec review.Record) []byte {
	// RFC3339 with fixed microseconds sorts lexically by time.
	return append(entityPrefix(rec.EntityID), []byte(rec.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")+"/"+rec.ReviewID)...)
}

// Record writes rec, replacing an earlier copy with the same key.
func (m *Mirror) Record(ctx context.Context, rec review.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mirror: encode %s: %w", rec.ReviewID, err)
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), val)
	})
}

// History returns the mirrored records of an entity, oldest first.
func (m *Mirror) History(ctx context.Context, entityID string) ([]review.Record, error) {
	out := make([]review.Record, 0)
	err := m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := entityPrefix(entityID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec review.Record
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mirror: history %s: %w", entityID, err)
	}
	return out, nil
}
