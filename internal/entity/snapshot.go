package entity

import (
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// Snapshot is the persisted form of a store. Sets are sorted id arrays;
// indices are derived from the entities and rebuilt on restore.
type Snapshot[T any] struct {
	Entities       []T               `json:"entities"`
	Drafts         []string          `json:"drafts"`
	LocalDeletions []string          `json:"local_deletions"`
	PendingCreates []string          `json:"pending_creates"`
	Generations    map[string]uint64 `json:"generations,omitempty"`
	Selected       string            `json:"selected,omitempty"`
}

// Snapshot captures the store state.
func (s *Store[T]) Snapshot() Snapshot[T] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.all))
	for id := range s.all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	gens := make(map[string]uint64, len(s.tracker.generations))
	for id, g := range s.tracker.generations {
		gens[id] = g
	}

	return Snapshot[T]{
		Entities:       s.collectLocked(ids),
		Drafts:         s.tracker.Drafts(),
		LocalDeletions: s.tracker.LocalDeletions(),
		PendingCreates: s.tracker.PendingCreates(),
		Generations:    gens,
		Selected:       s.selected,
	}
}

// Restore replaces the store state with a snapshot. Inconsistent entries
// are repaired rather than rejected: a pending local deletion wins over an
// entity with the same id, and drafts without an entity are dropped.
func (s *Store[T]) Restore(snap Snapshot[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	deletions := newIDSet(snap.LocalDeletions...)
	var zero T
	for _, e := range snap.Entities {
		id := e.EntityID()
		if id == "" {
			s.logger.Warn("snapshot entity without id dropped", "action", "restore_repair")
			continue
		}
		if deletions.has(id) {
			s.logger.Warn("snapshot entity pending deletion dropped", "action", "restore_repair", "id", id)
			continue
		}
		e = e.Clone()
		if old, ok := s.all[id]; ok {
			s.all[id] = e
			s.reindexLocked(id, old, true, e)
			continue
		}
		s.all[id] = e
		s.reindexLocked(id, zero, false, e)
	}

	s.tracker.localDeletions = deletions
	for _, id := range snap.Drafts {
		if _, ok := s.all[id]; !ok {
			s.logger.Warn("snapshot draft without entity dropped", "action", "restore_repair", "id", id)
			continue
		}
		s.tracker.MarkDraft(id)
	}
	for _, id := range snap.PendingCreates {
		if s.tracker.IsDraft(id) {
			s.tracker.pendingCreates.add(id)
		}
	}
	for id, g := range snap.Generations {
		if s.tracker.IsDraft(id) {
			s.tracker.generations[id] = g
		}
	}
	if _, ok := s.all[snap.Selected]; ok {
		s.selected = snap.Selected
	}
}

// MarshalSnapshot encodes the store state as JSON.
func (s *Store[T]) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(s.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", s.name, err)
	}
	return data, nil
}

// UnmarshalSnapshot restores the store state from JSON.
func (s *Store[T]) UnmarshalSnapshot(data []byte) error {
	var snap Snapshot[T]
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", s.name, err)
	}
	s.Restore(snap)
	return nil
}
