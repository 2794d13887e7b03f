package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestKinds_DependencyOrder(t *testing.T) {
	kinds := Kinds()
	position := make(map[Kind]int, len(kinds))
	for i, k := range kinds {
		position[k] = i
	}

	for _, k := range kinds {
		info, ok := Lookup(k)
		if !ok {
			t.Fatalf("Lookup(%q) not found", k)
		}
		for field, parent := range info.Parents {
			if position[parent] >= position[k] {
				t.Errorf("%s.%s references %s which does not sync first", k, field, parent)
			}
		}
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{in: "tree", want: KindTree},
		{in: "TREE", want: KindTree},
		{in: "trees", want: KindTree},
		{in: "tree-census-labels", want: KindTreeCensusLabel},
		{in: " plot_census ", want: KindPlotCensus},
		{in: "shrub", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseKind(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestChildren(t *testing.T) {
	refs := Children(KindTreeCensus)
	if len(refs) != 2 {
		t.Fatalf("expected 2 child kinds of tree_census, got %d", len(refs))
	}
	for _, ref := range refs {
		if ref.Field != "tree_census_id" {
			t.Errorf("unexpected child field %q", ref.Field)
		}
	}

	if refs := Children(KindTreePhoto); len(refs) != 0 {
		t.Errorf("tree_photo should have no children, got %v", refs)
	}
}

func TestTree_WithForeignKeys(t *testing.T) {
	tree := Tree{ID: "t1", PlotID: "local-plot", Tag: "17"}

	remapped, changed := tree.WithForeignKeys(map[string]string{"local-plot": "01SERVERPLOT"})
	if !changed {
		t.Fatal("expected change")
	}
	if remapped.PlotID != "01SERVERPLOT" {
		t.Errorf("PlotID = %q", remapped.PlotID)
	}
	if tree.PlotID != "local-plot" {
		t.Error("receiver must not be mutated")
	}

	if _, changed := tree.WithForeignKeys(map[string]string{"other": "x"}); changed {
		t.Error("unrelated remap must not report a change")
	}
}

func TestTreeCensus_CloneIsDeep(t *testing.T) {
	h := 12.5
	c := TreeCensus{ID: "c1", Height: &h}

	clone := c.Clone()
	*clone.Height = 30

	if *c.Height != 12.5 {
		t.Errorf("clone shares Height pointer with original")
	}
}

func TestTree_JSONOmitsEmptyID(t *testing.T) {
	data, err := json.Marshal(Tree{PlotID: "p1", Tag: "T1"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), `"id"`) {
		t.Errorf("expected id to be omitted, got %s", data)
	}
}

func TestTreePhoto_JSONRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)
	photo := TreePhoto{ID: "ph1", TreeCensusID: "c1", PhotoType: "bark", CapturedAt: &at}

	data, err := json.Marshal(photo)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded TreePhoto
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.CapturedAt == nil || !decoded.CapturedAt.Equal(at) {
		t.Errorf("CapturedAt: got %v, want %v", decoded.CapturedAt, at)
	}
	if decoded.TreeCensusID != "c1" {
		t.Errorf("TreeCensusID: got %q", decoded.TreeCensusID)
	}
}
