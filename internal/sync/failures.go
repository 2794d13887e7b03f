package sync

import (
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/canopy/internal/types"
)

// KindFailures lists the items of one kind that failed their last sync pass.
type KindFailures struct {
	Kind      types.Kind        `json:"kind"`
	Drafts    []string          `json:"failed_drafts"`
	Deletions []string          `json:"failed_deletions"`
	Reasons   map[string]string `json:"reasons,omitempty"`
	At        time.Time         `json:"at"`
}

func (f KindFailures) empty() bool {
	return len(f.Drafts) == 0 && len(f.Deletions) == 0
}

// FailureItem is one line of a failure summary.
type FailureItem struct {
	ID       string `json:"id"`
	Deletion bool   `json:"deletion,omitempty"`
	Reason   string `json:"reason,omitempty"`
	// Context locates the record for a person, e.g. "tree 17 in plot 3".
	Context string `json:"context,omitempty"`
}

// FailureGroup is the summary of one kind.
type FailureGroup struct {
	Kind  types.Kind    `json:"kind"`
	Items []FailureItem `json:"items"`
}

// Describer resolves an id of a kind to a human-readable location.
type Describer func(kind types.Kind, id string) string

// FailureSurface holds the failed draft and deletion ids of the latest pass
// per kind until the user dismisses them. Clearing a kind only dismisses
// the notification; the drafts and deletions stay queued for the next pass.
type FailureSurface struct {
	mu     sync.RWMutex
	byKind map[types.Kind]KindFailures
	now    func() time.Time
}

// NewFailureSurface returns an empty failure surface.
func NewFailureSurface() *FailureSurface {
	return &FailureSurface{
		byKind: make(map[types.Kind]KindFailures),
		now:    time.Now,
	}
}

// Record replaces the failures of kind. Empty lists remove the entry.
func (f *FailureSurface) Record(kind types.Kind, drafts, deletions []string, reasons map[string]string) {
	entry := KindFailures{
		Kind:      kind,
		Drafts:    sortedCopy(drafts),
		Deletions: sortedCopy(deletions),
		At:        f.now().UTC(),
	}
	if len(reasons) > 0 {
		entry.Reasons = make(map[string]string, len(reasons))
		for id, r := range reasons {
			entry.Reasons[id] = r
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.empty() {
		delete(f.byKind, kind)
		return
	}
	f.byKind[kind] = entry
}

// Get returns the failures of kind, if any.
func (f *FailureSurface) Get(kind types.Kind) (KindFailures, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.byKind[kind]
	if !ok {
		return KindFailures{Kind: kind, Drafts: []string{}, Deletions: []string{}}, false
	}
	return entry.copy(), true
}

// Clear dismisses the failures of kind. It reports whether any were held.
func (f *FailureSurface) Clear(kind types.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.byKind[kind]
	delete(f.byKind, kind)
	return ok
}

// Reset drops every failure.
func (f *FailureSurface) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKind = make(map[types.Kind]KindFailures)
}

// Total returns the number of failed items across kinds.
func (f *FailureSurface) Total() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, entry := range f.byKind {
		n += len(entry.Drafts) + len(entry.Deletions)
	}
	return n
}

// Summary groups the failures by kind in dependency order. describe may be
// nil.
func (f *FailureSurface) Summary(describe Describer) []FailureGroup {
	entries := f.Snapshot()
	groups := make([]FailureGroup, 0, len(entries))
	for _, entry := range entries {
		g := FailureGroup{Kind: entry.Kind}
		for _, id := range entry.Drafts {
			g.Items = append(g.Items, item(entry, id, false, describe))
		}
		for _, id := range entry.Deletions {
			g.Items = append(g.Items, item(entry, id, true, describe))
		}
		groups = append(groups, g)
	}
	return groups
}

func item(entry KindFailures, id string, deletion bool, describe Describer) FailureItem {
	it := FailureItem{ID: id, Deletion: deletion, Reason: entry.Reasons[id]}
	if describe != nil {
		it.Context = describe(entry.Kind, id)
	}
	return it
}

// Snapshot returns copies of every entry in dependency order.
func (f *FailureSurface) Snapshot() []KindFailures {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]KindFailures, 0, len(f.byKind))
	for _, kind := range types.Kinds() {
		if entry, ok := f.byKind[kind]; ok {
			out = append(out, entry.copy())
		}
	}
	return out
}

// Restore replaces the held failures with a snapshot.
func (f *FailureSurface) Restore(entries []KindFailures) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKind = make(map[types.Kind]KindFailures, len(entries))
	for _, entry := range entries {
		if entry.empty() {
			continue
		}
		f.byKind[entry.Kind] = entry.copy()
	}
}

func (f KindFailures) copy() KindFailures {
	c := f
	c.Drafts = sortedCopy(f.Drafts)
	c.Deletions = sortedCopy(f.Deletions)
	if f.Reasons != nil {
		c.Reasons = make(map[string]string, len(f.Reasons))
		for id, r := range f.Reasons {
			c.Reasons[id] = r
		}
	}
	return c
}

func sortedCopy(ids []string) []string {
	out := append([]string{}, ids...)
	sort.Strings(out)
	return out
}
