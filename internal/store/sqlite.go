package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/canopy/internal/types"
	"github.com/hyperengineering/canopy/migrations"
)

// SQLiteStore keeps census entities as JSON documents, one table for every
// kind, with the foreign keys of each document mirrored into entity_refs so
// parents can be checked and deletes can cascade.
type SQLiteStore struct {
	db    *sql.DB
	newID func() string
	now   func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithIDGenerator replaces the ULID generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *SQLiteStore) {
		s.newID = fn
	}
}

// NewSQLiteStore opens (creating if needed) the database at dbPath, applies
// pragmas and runs migrations. ":memory:" is accepted for tests.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Pragmas are per connection; one connection keeps foreign_keys on for
	// every statement.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db, dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := migrations.Up(context.Background(), db, migrations.ServerFS); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{
		db:    db,
		newID: func() string { return ulid.Make().String() },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func enablePragmas(db *sql.DB, dbPath string) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	if dbPath != ":memory:" {
		pragmas = append([]string{"PRAGMA journal_mode=WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Count returns the number of stored entities across all kinds.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// List returns the entities of kind in creation order, keeping only those
// whose top-level fields equal every filter value.
func (s *SQLiteStore) List(ctx context.Context, kind types.Kind, filter map[string]string) ([]json.RawMessage, error) {
	if _, err := lookup(kind); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM entities WHERE kind = ? ORDER BY created_at, id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	out := []json.RawMessage{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if len(filter) > 0 {
			var doc Document
			if err := json.Unmarshal([]byte(body), &doc); err != nil {
				return nil, fmt.Errorf("decode %s: %w", kind, err)
			}
			if !matches(doc, filter) {
				continue
			}
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return out, nil
}

// Get returns one entity.
func (s *SQLiteStore) Get(ctx context.Context, kind types.Kind, id string) (json.RawMessage, error) {
	if _, err := lookup(kind); err != nil {
		return nil, err
	}
	body, err := getBody(ctx, s.db, kind, id)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Create stores a new entity under a fresh id. Any id in doc is ignored.
func (s *SQLiteStore) Create(ctx context.Context, kind types.Kind, doc Document) (json.RawMessage, error) {
	info, err := lookup(kind)
	if err != nil {
		return nil, err
	}

	body := make(Document, len(doc)+1)
	for k, v := range doc {
		body[k] = v
	}
	id := s.newID()
	body["id"] = id

	refs, err := parentRefs(info, body)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkParents(ctx, tx, info, refs); err != nil {
		return nil, err
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entities (kind, id, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		string(kind), id, string(encoded), now, now,
	); err != nil {
		return nil, fmt.Errorf("insert %s: %w", kind, err)
	}
	if err := writeRefs(ctx, tx, info, id, refs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return json.RawMessage(encoded), nil
}

// Update merges patch into the top-level fields of an entity. The id
// cannot be changed.
func (s *SQLiteStore) Update(ctx context.Context, kind types.Kind, id string, patch Document) (json.RawMessage, error) {
	info, err := lookup(kind)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := getBody(ctx, tx, kind, id)
	if err != nil {
		return nil, err
	}
	var body Document
	if err := json.Unmarshal([]byte(current), &body); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", kind, id, err)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		body[k] = v
	}
	body["id"] = id

	refs, err := parentRefs(info, body)
	if err != nil {
		return nil, err
	}
	if err := checkParents(ctx, tx, info, refs); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET body = ?, updated_at = ? WHERE kind = ? AND id = ?`,
		string(encoded), s.now().UTC().Format(time.RFC3339Nano), string(kind), id,
	); err != nil {
		return nil, fmt.Errorf("update %s: %w", kind, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_refs WHERE kind = ? AND id = ?`, string(kind), id,
	); err != nil {
		return nil, fmt.Errorf("clear references: %w", err)
	}
	if err := writeRefs(ctx, tx, info, id, refs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return json.RawMessage(encoded), nil
}

// Delete removes an entity and every entity that references it, directly
// or through other children.
func (s *SQLiteStore) Delete(ctx context.Context, kind types.Kind, id string) (int, error) {
	if _, err := lookup(kind); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := getBody(ctx, tx, kind, id); err != nil {
		return 0, err
	}

	type key struct {
		kind string
		id   string
	}
	seen := map[key]bool{{string(kind), id}: true}
	queue := []key{{string(kind), id}}
	for i := 0; i < len(queue); i++ {
		children, err := tx.QueryContext(ctx,
			`SELECT kind, id FROM entity_refs WHERE parent_kind = ? AND parent_id = ?`,
			queue[i].kind, queue[i].id)
		if err != nil {
			return 0, fmt.Errorf("query children: %w", err)
		}
		for children.Next() {
			var k key
			if err := children.Scan(&k.kind, &k.id); err != nil {
				children.Close()
				return 0, fmt.Errorf("scan child: %w", err)
			}
			if !seen[k] {
				seen[k] = true
				queue = append(queue, k)
			}
		}
		if err := children.Close(); err != nil {
			return 0, err
		}
	}

	for _, k := range queue {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE kind = ? AND id = ?`, k.kind, k.id,
		); err != nil {
			return 0, fmt.Errorf("delete %s %s: %w", k.kind, k.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return len(queue), nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBody(ctx context.Context, q queryer, kind types.Kind, id string) (string, error) {
	var body string
	err := q.QueryRowContext(ctx,
		`SELECT body FROM entities WHERE kind = ? AND id = ?`, string(kind), id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return "", fmt.Errorf("select %s: %w", kind, err)
	}
	return body, nil
}

func lookup(kind types.Kind) (types.KindInfo, error) {
	info, ok := types.Lookup(kind)
	if !ok {
		return types.KindInfo{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return info, nil
}

// parentRefs extracts the foreign keys of body. Absent, null and empty
// references are skipped; anything but a string is rejected.
func parentRefs(info types.KindInfo, body Document) (map[string]string, error) {
	refs := make(map[string]string, len(info.Parents))
	for field := range info.Parents {
		v, ok := body[field]
		if !ok || v == nil {
			continue
		}
		id, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string id", ErrInvalidDocument, field)
		}
		if id != "" {
			refs[field] = id
		}
	}
	return refs, nil
}

func checkParents(ctx context.Context, q queryer, info types.KindInfo, refs map[string]string) error {
	for field, parentID := range refs {
		parent := info.Parents[field]
		if _, err := getBody(ctx, q, parent, parentID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s %s (%s)", ErrMissingParent, parent, parentID, field)
			}
			return err
		}
	}
	return nil
}

func writeRefs(ctx context.Context, tx *sql.Tx, info types.KindInfo, id string, refs map[string]string) error {
	for field, parentID := range refs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_refs (kind, id, field, parent_kind, parent_id) VALUES (?, ?, ?, ?, ?)`,
			string(info.Kind), id, field, string(info.Parents[field]), parentID,
		); err != nil {
			return fmt.Errorf("insert reference %s: %w", field, err)
		}
	}
	return nil
}

// matches reports whether every filter value equals the document field of
// the same name, compared in its JSON text form.
func matches(doc Document, filter map[string]string) bool {
	for field, want := range filter {
		v, ok := doc[field]
		if !ok {
			return false
		}
		var got string
		switch val := v.(type) {
		case string:
			got = val
		case float64:
			got = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			got = strconv.FormatBool(val)
		case nil:
			got = ""
		default:
			got = fmt.Sprint(val)
		}
		if got != want {
			return false
		}
	}
	return true
}
