package types

// The methods in this file let every entity type plug into the generic
// entity store: id access, index keys, foreign keys and cloning.

// remapRef rewrites *ref when it names a key of remap.
func remapRef(ref *string, remap map[string]string) bool {
	if next, ok := remap[*ref]; ok && next != *ref {
		*ref = next
		return true
	}
	return false
}

// --- Forest ---

func (f Forest) EntityID() string { return f.ID }
func (f Forest) WithID(id string) Forest { f.ID = id; return f }
func (f Forest) IndexKeys() map[string]string { return nil }
func (f Forest) ForeignKeys() map[string]string { return nil }
func (f Forest) Clone() Forest { return f }
func (f Forest) WithForeignKeys(map[string]string) (Forest, bool) {
	return f, false
}

// --- Plot ---

func (p Plot) EntityID() string { return p.ID }
func (p Plot) WithID(id string) Plot { p.ID = id; return p }
func (p Plot) Clone() Plot { return p }

func (p Plot) IndexKeys() map[string]string {
	return map[string]string{IndexByForest: p.ForestID}
}

func (p Plot) ForeignKeys() map[string]string {
	return map[string]string{"forest_id": p.ForestID}
}

func (p Plot) WithForeignKeys(remap map[string]string) (Plot, bool) {
	changed := remapRef(&p.ForestID, remap)
	return p, changed
}

// --- PlotCensus ---

func (c PlotCensus) EntityID() string { return c.ID }
func (c PlotCensus) WithID(id string) PlotCensus { c.ID = id; return c }
func (c PlotCensus) Clone() PlotCensus { return c }

func (c PlotCensus) IndexKeys() map[string]string {
	return map[string]string{IndexByPlot: c.PlotID}
}

func (c PlotCensus) ForeignKeys() map[string]string {
	return map[string]string{"plot_id": c.PlotID}
}

func (c PlotCensus) WithForeignKeys(remap map[string]string) (PlotCensus, bool) {
	changed := remapRef(&c.PlotID, remap)
	return c, changed
}

// --- Tree ---

func (t Tree) EntityID() string { return t.ID }
func (t Tree) WithID(id string) Tree { t.ID = id; return t }
func (t Tree) Clone() Tree { return t }

func (t Tree) IndexKeys() map[string]string {
	return map[string]string{IndexByPlot: t.PlotID, IndexByTag: t.Tag}
}

func (t Tree) ForeignKeys() map[string]string {
	return map[string]string{"plot_id": t.PlotID}
}

func (t Tree) WithForeignKeys(remap map[string]string) (Tree, bool) {
	changed := remapRef(&t.PlotID, remap)
	return t, changed
}

// --- TreeCensus ---

func (c TreeCensus) EntityID() string { return c.ID }
func (c TreeCensus) WithID(id string) TreeCensus { c.ID = id; return c }

func (c TreeCensus) Clone() TreeCensus {
	if c.Height != nil {
		h := *c.Height
		c.Height = &h
	}
	return c
}

func (c TreeCensus) IndexKeys() map[string]string {
	return map[string]string{IndexByTree: c.TreeID, IndexByPlotCensus: c.PlotCensusID}
}

func (c TreeCensus) ForeignKeys() map[string]string {
	return map[string]string{"tree_id": c.TreeID, "plot_census_id": c.PlotCensusID}
}

func (c TreeCensus) WithForeignKeys(remap map[string]string) (TreeCensus, bool) {
	a := remapRef(&c.TreeID, remap)
	b := remapRef(&c.PlotCensusID, remap)
	return c, a || b
}

// --- TreeCensusLabel ---

func (l TreeCensusLabel) EntityID() string { return l.ID }
func (l TreeCensusLabel) WithID(id string) TreeCensusLabel { l.ID = id; return l }
func (l TreeCensusLabel) Clone() TreeCensusLabel { return l }

func (l TreeCensusLabel) IndexKeys() map[string]string {
	return map[string]string{IndexByTreeCensus: l.TreeCensusID}
}

func (l TreeCensusLabel) ForeignKeys() map[string]string {
	return map[string]string{"tree_census_id": l.TreeCensusID}
}

func (l TreeCensusLabel) WithForeignKeys(remap map[string]string) (TreeCensusLabel, bool) {
	changed := remapRef(&l.TreeCensusID, remap)
	return l, changed
}

// --- TreePhoto ---

func (p TreePhoto) EntityID() string { return p.ID }
func (p TreePhoto) WithID(id string) TreePhoto { p.ID = id; return p }

func (p TreePhoto) Clone() TreePhoto {
	if p.CapturedAt != nil {
		at := *p.CapturedAt
		p.CapturedAt = &at
	}
	return p
}

func (p TreePhoto) IndexKeys() map[string]string {
	return map[string]string{IndexByTreeCensus: p.TreeCensusID}
}

func (p TreePhoto) ForeignKeys() map[string]string {
	return map[string]string{"tree_census_id": p.TreeCensusID}
}

func (p TreePhoto) WithForeignKeys(remap map[string]string) (TreePhoto, bool) {
	changed := remapRef(&p.TreeCensusID, remap)
	return p, changed
}
