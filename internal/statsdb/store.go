// Package statsdb persists per-model usage statistics in sqlite so routing
// and LRU eviction start warm after a restart.
package statsdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"modelhub/internal/common/fsutil"
)

// Record is the persisted view of one model.
type Record struct {
	ModelID      string
	LastUsed     time.Time
	TokensPerSec float64
	Loads        int64
	Evictions    int64
}

type Store struct {
	db *sql.DB
}

// Open opens (and creates) the database at path. "~" is expanded and the
// parent directory is created.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		p, err := fsutil.EnsureParentDir(path)
		if err != nil {
			return nil, err
		}
		path = p
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS model_stats (
  model_id TEXT PRIMARY KEY,
  last_used_unix INTEGER NOT NULL DEFAULT 0,
  tokens_per_sec REAL NOT NULL DEFAULT 0,
  loads INTEGER NOT NULL DEFAULT 0,
  evictions INTEGER NOT NULL DEFAULT 0
);
`)
	return err
}

// Close releases the database. A nil store is a no-op.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Touch records the latest use and throughput of a model.
func (s *Store) Touch(ctx context.Context, modelID string, lastUsed time.Time, tokensPerSec float64) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO model_stats(model_id, last_used_unix, tokens_per_sec) VALUES(?, ?, ?)
ON CONFLICT(model_id) DO UPDATE SET last_used_unix=excluded.last_used_unix, tokens_per_sec=excluded.tokens_per_sec;
`, modelID, lastUsed.Unix(), tokensPerSec)
	return err
}

// CountLoad increments the load counter.
func (s *Store) CountLoad(ctx context.Context, modelID string) error {
	return s.bump(ctx, modelID, "loads")
}

// CountEviction increments the eviction counter.
func (s *Store) CountEviction(ctx context.Context, modelID string) error {
	return s.bump(ctx, modelID, "evictions")
}

func (s *Store) bump(ctx context.Context, modelID, column string) error {
	if s == nil || s.db == nil {
		return nil
	}
	// column is one of two constants above.
	q := fmt.Sprintf(`
INSERT INTO model_stats(model_id, %[1]s) VALUES(?, 1)
ON CONFLICT(model_id) DO UPDATE SET %[1]s=%[1]s+1;
`, column)
	_, err := s.db.ExecContext(ctx, q, modelID)
	return err
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, modelID string) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT model_id, last_used_unix, tokens_per_sec, loads, evictions FROM model_stats WHERE model_id=?;
`, modelID)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// List returns every record ordered by model id.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT model_id, last_used_unix, tokens_per_sec, loads, evictions FROM model_stats ORDER BY model_id;
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r    Record
		unix int64
	)
	if err := sc.Scan(&r.ModelID, &unix, &r.TokensPerSec, &r.Loads, &r.Evictions); err != nil {
		return Record{}, err
	}
	if unix > 0 {
		r.LastUsed = time.Unix(unix, 0)
	}
	return r, nil
}
