package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/canopy/internal/types"
)

// Compile-time check
var _ Store = (*SQLiteStore)(nil)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	n := 0
	db, err := NewSQLiteStore(":memory:", WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%02d", n)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func decode(t *testing.T, raw json.RawMessage) Document {
	t.Helper()
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return doc
}

func mustCreate(t *testing.T, s *SQLiteStore, kind types.Kind, doc Document) string {
	t.Helper()
	raw, err := s.Create(context.Background(), kind, doc)
	if err != nil {
		t.Fatalf("Create(%s) error = %v", kind, err)
	}
	return decode(t, raw)["id"].(string)
}

func TestStore_NewSQLiteStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "canopy.db")
	db, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	raw, err := db.Create(context.Background(), types.KindForest, Document{"name": "Wytham"})
	if err != nil {
		t.Fatal(err)
	}
	if id := decode(t, raw)["id"].(string); len(id) != 26 {
		t.Errorf("id = %q, want a 26-character ULID", id)
	}
}

func TestCreate_AssignsIDAndIgnoresClientID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw, err := s.Create(ctx, types.KindForest, Document{"id": "client-chosen", "name": "Wytham"})
	if err != nil {
		t.Fatal(err)
	}
	doc := decode(t, raw)
	if doc["id"] != "id-01" || doc["name"] != "Wytham" {
		t.Errorf("created = %v", doc)
	}
	if _, err := s.Get(ctx, types.KindForest, "client-chosen"); !errors.Is(err, ErrNotFound) {
		t.Errorf("client id should not be stored, Get() error = %v", err)
	}
}

func TestCreate_ParentChecks(t *testing.T) {
	s := newTestStore(t)
	forest := mustCreate(t, s, types.KindForest, Document{"name": "F"})

	tests := []struct {
		name    string
		kind    types.Kind
		doc     Document
		wantErr error
	}{
		{"existing parent", types.KindPlot, Document{"forest_id": forest, "number": 1}, nil},
		{"missing parent", types.KindPlot, Document{"forest_id": "nope"}, ErrMissingParent},
		{"parent of the wrong kind", types.KindTree, Document{"plot_id": forest}, ErrMissingParent},
		{"non-string reference", types.KindPlot, Document{"forest_id": 7}, ErrInvalidDocument},
		{"absent reference", types.KindPlot, Document{"number": 2}, nil},
		{"unknown kind", types.Kind("shrub"), Document{}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(context.Background(), tt.kind, tt.doc)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUpdate_MergesTopLevelFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	forest := mustCreate(t, s, types.KindForest, Document{"name": "F"})
	plot := mustCreate(t, s, types.KindPlot, Document{"forest_id": forest, "number": 3})
	tree := mustCreate(t, s, types.KindTree, Document{"plot_id": plot, "tag": "17", "species_code": "ACRU"})

	raw, err := s.Update(ctx, types.KindTree, tree, Document{"id": "hijack", "species_code": "QURU", "number": 4})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	doc := decode(t, raw)
	if doc["id"] != tree || doc["tag"] != "17" || doc["species_code"] != "QURU" || doc["number"] != float64(4) {
		t.Errorf("updated = %v", doc)
	}

	if _, err := s.Update(ctx, types.KindTree, tree, Document{"plot_id": "gone"}); !errors.Is(err, ErrMissingParent) {
		t.Errorf("Update() to a missing parent error = %v, want ErrMissingParent", err)
	}
	if _, err := s.Update(ctx, types.KindTree, "nope", Document{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() of a missing id error = %v, want ErrNotFound", err)
	}
}

func TestUpdate_MovesReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := mustCreate(t, s, types.KindPlot, Document{"number": 1})
	p2 := mustCreate(t, s, types.KindPlot, Document{"number": 2})
	tree := mustCreate(t, s, types.KindTree, Document{"plot_id": p1})

	if _, err := s.Update(ctx, types.KindTree, tree, Document{"plot_id": p2}); err != nil {
		t.Fatal(err)
	}
	// Deleting the old parent must leave the moved tree alone.
	if n, err := s.Delete(ctx, types.KindPlot, p1); err != nil || n != 1 {
		t.Fatalf("Delete(p1) = %d, %v, want 1", n, err)
	}
	if _, err := s.Get(ctx, types.KindTree, tree); err != nil {
		t.Errorf("tree should survive deleting its former plot: %v", err)
	}
}

func TestDelete_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	plot := mustCreate(t, s, types.KindPlot, Document{"number": 1})
	census := mustCreate(t, s, types.KindPlotCensus, Document{"plot_id": plot})
	tree := mustCreate(t, s, types.KindTree, Document{"plot_id": plot})
	tc := mustCreate(t, s, types.KindTreeCensus, Document{"tree_id": tree, "plot_census_id": census})
	mustCreate(t, s, types.KindTreePhoto, Document{"tree_census_id": tc})
	other := mustCreate(t, s, types.KindPlot, Document{"number": 2})

	n, err := s.Delete(ctx, types.KindPlot, plot)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	// plot, census, tree, tree census (reached twice), photo
	if n != 5 {
		t.Errorf("Delete() removed %d, want 5", n)
	}
	count, _ := s.Count(ctx)
	if count != 1 {
		t.Errorf("Count() = %d, want only the other plot", count)
	}
	if _, err := s.Get(ctx, types.KindPlot, other); err != nil {
		t.Errorf("unrelated plot should remain: %v", err)
	}

	if _, err := s.Delete(ctx, types.KindPlot, plot); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestList_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := mustCreate(t, s, types.KindPlot, Document{"number": 1})
	p2 := mustCreate(t, s, types.KindPlot, Document{"number": 2})
	mustCreate(t, s, types.KindTree, Document{"plot_id": p1, "tag": "a", "number": 1})
	mustCreate(t, s, types.KindTree, Document{"plot_id": p1, "tag": "b", "number": 2})
	mustCreate(t, s, types.KindTree, Document{"plot_id": p2, "tag": "c", "number": 1})

	tests := []struct {
		name   string
		filter map[string]string
		want   []string
	}{
		{"all", nil, []string{"a", "b", "c"}},
		{"by plot", map[string]string{"plot_id": p1}, []string{"a", "b"}},
		{"by number", map[string]string{"number": "1"}, []string{"a", "c"}},
		{"combined", map[string]string{"plot_id": p1, "number": "2"}, []string{"b"}},
		{"missing field", map[string]string{"species_code": "ACRU"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := s.List(ctx, types.KindTree, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			var tags []string
			for _, raw := range items {
				tags = append(tags, decode(t, raw)["tag"].(string))
			}
			if fmt.Sprint(tags) != fmt.Sprint(tt.want) {
				t.Errorf("tags = %v, want %v", tags, tt.want)
			}
		})
	}
}

func TestList_EmptyIsNotNil(t *testing.T) {
	s := newTestStore(t)
	items, err := s.List(context.Background(), types.KindForest, nil)
	if err != nil {
		t.Fatal(err)
	}
	if items == nil {
		t.Error("List() of an empty kind should return an empty slice")
	}
}

func TestMatches(t *testing.T) {
	doc := Document{"s": "x", "n": 3.5, "b": true, "z": nil}
	tests := []struct {
		filter map[string]string
		want   bool
	}{
		{map[string]string{"s": "x"}, true},
		{map[string]string{"n": "3.5"}, true},
		{map[string]string{"b": "true"}, true},
		{map[string]string{"z": ""}, true},
		{map[string]string{"b": "false"}, false},
		{map[string]string{"absent": ""}, false},
	}
	for _, tt := range tests {
		if got := matches(doc, tt.filter); got != tt.want {
			t.Errorf("matches(%v) = %v, want %v", tt.filter, got, tt.want)
		}
	}
}
