package types

import (
	"fmt"
	"strings"
)

// Kind names one entity type.
type Kind string

const (
	KindForest          Kind = "forest"
	KindPlot            Kind = "plot"
	KindPlotCensus      Kind = "plot_census"
	KindTree            Kind = "tree"
	KindTreeCensus      Kind = "tree_census"
	KindTreeCensusLabel Kind = "tree_census_label"
	KindTreePhoto       Kind = "tree_photo"
)

// KindInfo describes how a kind is addressed and how it relates to its parents.
type KindInfo struct {
	Kind       Kind
	Collection string          // REST collection path segment
	Parents    map[string]Kind // foreign key JSON field -> referenced kind
	Indexes    []string
}

// ChildRef names a kind holding a foreign key into another kind.
type ChildRef struct {
	Kind  Kind
	Field string
}

// registry is kept in dependency order: parents before children.
var registry = []KindInfo{
	{
		Kind:       KindForest,
		Collection: "forests",
	},
	{
		Kind:       KindPlot,
		Collection: "plots",
		Parents:    map[string]Kind{"forest_id": KindForest},
		Indexes:    []string{IndexByForest},
	},
	{
		Kind:       KindPlotCensus,
		Collection: "plot-censuses",
		Parents:    map[string]Kind{"plot_id": KindPlot},
		Indexes:    []string{IndexByPlot},
	},
	{
		Kind:       KindTree,
		Collection: "trees",
		Parents:    map[string]Kind{"plot_id": KindPlot},
		Indexes:    []string{IndexByPlot, IndexByTag},
	},
	{
		Kind:       KindTreeCensus,
		Collection: "tree-censuses",
		Parents:    map[string]Kind{"tree_id": KindTree, "plot_census_id": KindPlotCensus},
		Indexes:    []string{IndexByTree, IndexByPlotCensus},
	},
	{
		Kind:       KindTreeCensusLabel,
		Collection: "tree-census-labels",
		Parents:    map[string]Kind{"tree_census_id": KindTreeCensus},
		Indexes:    []string{IndexByTreeCensus},
	},
	{
		Kind:       KindTreePhoto,
		Collection: "tree-photos",
		Parents:    map[string]Kind{"tree_census_id": KindTreeCensus},
		Indexes:    []string{IndexByTreeCensus},
	},
}

// Kinds returns every kind in dependency order.
func Kinds() []Kind {
	kinds := make([]Kind, len(registry))
	for i, info := range registry {
		kinds[i] = info.Kind
	}
	return kinds
}

// Lookup returns the registry entry for a kind.
func Lookup(k Kind) (KindInfo, bool) {
	for _, info := range registry {
		if info.Kind == k {
			return info, true
		}
	}
	return KindInfo{}, false
}

// KindForCollection resolves a REST collection segment to its kind.
func KindForCollection(collection string) (Kind, bool) {
	for _, info := range registry {
		if info.Collection == collection {
			return info.Kind, true
		}
	}
	return "", false
}

// ParseKind accepts a kind name or a collection segment, case-insensitively.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, ok := Lookup(Kind(s)); ok {
		return Kind(s), nil
	}
	if k, ok := KindForCollection(s); ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", s)
}

// Children returns the kinds that reference k, with the referencing field.
func Children(k Kind) []ChildRef {
	var refs []ChildRef
	for _, info := range registry {
		for field, parent := range info.Parents {
			if parent == k {
				refs = append(refs, ChildRef{Kind: info.Kind, Field: field})
			}
		}
	}
	return refs
}

func (k Kind) String() string {
	return string(k)
}
