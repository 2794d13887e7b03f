// Package persistence keeps the local census state on disk so drafts and
// pending deletions survive restarts. Each entity kind and the failure
// surface are stored as one JSON bucket in a small SQLite file.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hyperengineering/canopy/migrations"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("state store is closed")

// SQLiteStore is the local state file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the state file at path and migrates it.
// ":memory:" is accepted for tests.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("state path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create state directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and
	// serializes writers on the file.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(ctx, db, path); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := migrations.Up(ctx, db, migrations.ClientFS); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func enablePragmas(ctx context.Context, db *sql.DB, path string) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if path != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Path returns the file the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load returns every bucket payload keyed by bucket name.
func (s *SQLiteStore) Load(ctx context.Context) (map[string][]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return nil, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	buckets := make(map[string][]byte)
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		buckets[bucket] = payload
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state: %w", err)
	}
	return buckets, nil
}

// Save writes the given buckets in one transaction. Buckets not named are
// left as they are.
func (s *SQLiteStore) Save(ctx context.Context, buckets map[string][]byte) (retErr error) {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for bucket, payload := range buckets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket, payload, updated_at) VALUES(?, ?, ?)
			 ON CONFLICT(bucket) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			bucket, payload, now,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Purge deletes every bucket. Metadata such as the device id survives.
func (s *SQLiteStore) Purge(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state`); err != nil {
		return fmt.Errorf("purge state: %w", err)
	}
	return nil
}

// Meta returns a metadata value and whether it was set.
func (s *SQLiteStore) Meta(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, ErrClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta stores a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	); err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// Checkpoint flushes the write-ahead log into the main file so it can be
// copied as a single file.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	if s.path == ":memory:" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close closes the database. Calling it twice is safe.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
