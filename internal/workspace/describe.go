package workspace

import (
	"strconv"

	csync "github.com/hyperengineering/canopy/internal/sync"
	"github.com/hyperengineering/canopy/internal/types"
)

// Describe locates a record for a person by walking up its parents, e.g.
// "tree 17 in plot 3". It returns "" when the record is no longer held
// locally, as for a failed deletion.
func (w *Workspace) Describe(kind types.Kind, id string) string {
	switch kind {
	case types.KindForest:
		return w.forest(id)
	case types.KindPlot:
		return w.plot(id)
	case types.KindPlotCensus:
		return w.plotCensus(id)
	case types.KindTree:
		return w.tree(id)
	case types.KindTreeCensus:
		return w.treeCensus(id)
	case types.KindTreeCensusLabel:
		l, ok := w.TreeCensusLabels.Get(id)
		if !ok {
			return ""
		}
		return within("label "+l.LabelCode, w.treeCensus(l.TreeCensusID))
	case types.KindTreePhoto:
		p, ok := w.TreePhotos.Get(id)
		if !ok {
			return ""
		}
		name := "photo"
		if p.PhotoType != "" {
			name = p.PhotoType + " photo"
		}
		return within(name, w.treeCensus(p.TreeCensusID))
	}
	return ""
}

// FailureSummary returns the failure surface grouped by kind with every
// item described.
func (w *Workspace) FailureSummary() []csync.FailureGroup {
	return w.orch.Failures().Summary(w.Describe)
}

func (w *Workspace) forest(id string) string {
	f, ok := w.Forests.Get(id)
	if !ok {
		return ""
	}
	if f.Name == "" {
		return "forest " + f.ID
	}
	return "forest " + f.Name
}

func (w *Workspace) plot(id string) string {
	p, ok := w.Plots.Get(id)
	if !ok {
		return ""
	}
	return within("plot "+strconv.Itoa(p.Number), w.forest(p.ForestID))
}

func (w *Workspace) plotCensus(id string) string {
	c, ok := w.PlotCensuses.Get(id)
	if !ok {
		return ""
	}
	name := "census"
	if !c.CreatedAt.IsZero() {
		name += " of " + c.CreatedAt.Format("2006-01-02")
	}
	return within(name, w.plot(c.PlotID))
}

func (w *Workspace) tree(id string) string {
	t, ok := w.Trees.Get(id)
	if !ok {
		return ""
	}
	label := t.Tag
	if label == "" {
		label = strconv.Itoa(t.Number)
	}
	// The forest adds nothing once the plot is known.
	if p, ok := w.Plots.Get(t.PlotID); ok {
		return "tree " + label + " in plot " + strconv.Itoa(p.Number)
	}
	return "tree " + label
}

func (w *Workspace) treeCensus(id string) string {
	c, ok := w.TreeCensuses.Get(id)
	if !ok {
		return ""
	}
	if tree := w.tree(c.TreeID); tree != "" {
		return "measurement of " + tree
	}
	return "measurement"
}

func within(name, parent string) string {
	if parent == "" {
		return name
	}
	return name + " in " + parent
}
