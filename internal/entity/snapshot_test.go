package entity

import (
	"reflect"
	"testing"

	"github.com/hyperengineering/canopy/internal/types"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	s := newTreeStore(t)
	s.Upsert([]types.Tree{{ID: "c1", PlotID: "P1", Tag: "A"}, {ID: "c2"}}, UpsertOptions{})
	created := s.Upsert([]types.Tree{{PlotID: "P1", Tag: "B"}}, UpsertOptions{Draft: true, SelectFinal: true})
	s.Upsert([]types.Tree{{ID: created[0].ID, PlotID: "P1", Tag: "C"}}, UpsertOptions{Draft: true})
	s.LocalDelete("c2")

	data, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatalf("MarshalSnapshot() error = %v", err)
	}

	restored := newTreeStore(t)
	if err := restored.UnmarshalSnapshot(data); err != nil {
		t.Fatalf("UnmarshalSnapshot() error = %v", err)
	}

	if !reflect.DeepEqual(restored.All(), s.All()) {
		t.Errorf("All() = %+v, want %+v", restored.All(), s.All())
	}
	if !reflect.DeepEqual(restored.Drafts(), s.Drafts()) {
		t.Errorf("Drafts() = %v, want %v", restored.Drafts(), s.Drafts())
	}
	if !reflect.DeepEqual(restored.LocalDeletions(), []string{"c2"}) {
		t.Errorf("LocalDeletions() = %v, want [c2]", restored.LocalDeletions())
	}
	if !restored.IsPendingCreate(created[0].ID) {
		t.Error("pending create should survive a restore")
	}
	if id, _ := restored.Selected(); id != created[0].ID {
		t.Errorf("Selected() = %q, want %q", id, created[0].ID)
	}
	if ids := restored.IDsBy(types.IndexByPlot, "P1"); len(ids) != 2 {
		t.Errorf("byPlot[P1] = %v, want indices rebuilt with 2 ids", ids)
	}

	p, _ := restored.Pending()
	if len(p.Drafts) != 1 || p.Drafts[0].Generation != 2 {
		t.Errorf("pending drafts = %+v, want generation 2 carried over", p.Drafts)
	}
	assertConsistent(t, restored)
}

func TestRestore_RepairsInconsistentSnapshot(t *testing.T) {
	s := newTreeStore(t)
	s.Restore(Snapshot[types.Tree]{
		Entities: []types.Tree{
			{ID: "both", PlotID: "P"},
			{ID: "ok", PlotID: "P"},
			{PlotID: "P"},
		},
		Drafts:         []string{"ghost", "ok"},
		LocalDeletions: []string{"both"},
		PendingCreates: []string{"ghost", "ok", "c-not-draft"},
		Generations:    map[string]uint64{"ok": 4, "ghost": 9},
		Selected:       "both",
	})

	if _, ok := s.Get("both"); ok {
		t.Error("an entity pending deletion must be dropped")
	}
	if got := s.Drafts(); !reflect.DeepEqual(got, []string{"ok"}) {
		t.Errorf("Drafts() = %v, want [ok]", got)
	}
	if !s.IsPendingCreate("ok") || s.IsPendingCreate("ghost") || s.IsPendingCreate("c-not-draft") {
		t.Error("pending creates should be limited to restored drafts")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	if _, ok := s.Selected(); ok {
		t.Error("selection of a dropped entity should clear")
	}
	assertConsistent(t, s)
}

func TestRestore_ReplacesPreviousState(t *testing.T) {
	s := newTreeStore(t)
	s.Upsert([]types.Tree{{ID: "stale", PlotID: "P"}}, UpsertOptions{Draft: true})

	s.Restore(Snapshot[types.Tree]{Entities: []types.Tree{{ID: "fresh"}}})

	if _, ok := s.Get("stale"); ok {
		t.Error("restore should replace prior content")
	}
	if len(s.Drafts()) != 0 {
		t.Errorf("Drafts() = %v, want empty", s.Drafts())
	}
	assertConsistent(t, s)
}

func TestUnmarshalSnapshot_Invalid(t *testing.T) {
	s := newTreeStore(t)
	if err := s.UnmarshalSnapshot([]byte(`{"entities":`)); err == nil {
		t.Error("UnmarshalSnapshot() should fail on truncated input")
	}
}
