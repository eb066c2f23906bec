package visual

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists reference image descriptors in SQLite so a restart does not
// refetch every candidate image.
type Store struct {
	db   *sql.DB
	path string
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS descriptors (
	uri        TEXT PRIMARY KEY,
	rows       INTEGER NOT NULL,
	cols       INTEGER NOT NULL,
	data       BLOB,
	created_at INTEGER NOT NULL
)`

// OpenStore opens or creates the descriptor database at path.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Get returns the descriptors stored for uri.
func (s *Store) Get(ctx context.Context, uri string) (Descriptors, bool, error) {
	var d Descriptors
	err := s.db.QueryRowContext(ctx,
		`SELECT rows, cols, data FROM descriptors WHERE uri = ?`, uri,
	).Scan(&d.Rows, &d.Cols, &d.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return Descriptors{}, false, nil
	}
	if err != nil {
		return Descriptors{}, false, fmt.Errorf("query descriptors: %w", err)
	}
	return d, true, nil
}

// Put stores d for uri, replacing any previous entry.
func (s *Store) Put(ctx context.Context, uri string, d Descriptors) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO descriptors (uri, rows, cols, data, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uri) DO UPDATE SET rows = excluded.rows, cols = excluded.cols,
		 data = excluded.data, created_at = excluded.created_at`,
		uri, d.Rows, d.Cols, d.Data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store descriptors: %w", err)
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM descriptors`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count descriptors: %w", err)
	}
	return n, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
