// Package entity implements the generic local entity store used by every
// census kind: a keyed collection with secondary indices, a draft tracker
// separating unconfirmed local work from server-confirmed records, and the
// upsert-merge algorithm reconciling the two.
//
// All mutations of a Store happen under its lock, so a reader never sees an
// entity written to the collection but missing from an index, or the
// reverse.
package entity

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Record is the capability set an entity type needs to live in a Store.
// Implementations are value types; WithID and WithForeignKeys return
// modified copies.
type Record[T any] interface {
	EntityID() string
	WithID(id string) T
	// IndexKeys maps index name to bucket key. An empty key is not indexed.
	IndexKeys() map[string]string
	// ForeignKeys maps field name to the referenced entity id.
	ForeignKeys() map[string]string
	WithForeignKeys(remap map[string]string) (T, bool)
	Clone() T
}

// maxIDAttempts bounds retries when the id generator returns a taken id.
const maxIDAttempts = 8

type options struct {
	newID  func() string
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*options)

// WithIDGenerator replaces the default v4 UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		o.newID = fn
	}
}

// WithLogger sets the logger used for merge warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Store holds every local instance of one entity kind.
type Store[T Record[T]] struct {
	name    string
	indexes []string
	newID   func() string
	logger  *slog.Logger

	mu       sync.RWMutex
	all      map[string]T
	indices  map[string]map[string]idSet // index name -> bucket key -> ids
	selected string
	tracker  *Tracker
}

// NewStore creates an empty store for one kind with the given index names.
func NewStore[T Record[T]](name string, indexes []string, opts ...Option) *Store[T] {
	o := options{
		newID:  func() string { return uuid.NewString() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store[T]{
		name:    name,
		indexes: append([]string(nil), indexes...),
		newID:   o.newID,
		logger:  o.logger.With("component", "entity", "kind", name),
	}
	s.resetLocked()
	return s
}

func (s *Store[T]) resetLocked() {
	s.all = make(map[string]T)
	s.indices = make(map[string]map[string]idSet, len(s.indexes))
	for _, name := range s.indexes {
		s.indices[name] = make(map[string]idSet)
	}
	s.selected = ""
	s.tracker = NewTracker()
}

// Name returns the kind name of the store.
func (s *Store[T]) Name() string {
	return s.name
}

// Reset empties the store, including all draft tracking state.
func (s *Store[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// Get returns a copy of the entity with the given id.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.all[id]
	if !ok {
		var zero T
		return zero, false
	}
	return e.Clone(), true
}

// All returns copies of every entity, ordered by id.
func (s *Store[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.all))
	for id := range s.all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return s.collectLocked(ids)
}

// Len returns the number of entities held.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all)
}

// IDsBy returns the sorted ids in the bucket key of the named index.
func (s *Store[T]) IDsBy(index, key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.indices[index][key]
	if !ok {
		return []string{}
	}
	return bucket.sorted()
}

// ListBy returns copies of the entities in one index bucket, ordered by id.
func (s *Store[T]) ListBy(index, key string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.indices[index][key]
	if !ok {
		return []T{}
	}
	return s.collectLocked(bucket.sorted())
}

func (s *Store[T]) collectLocked(ids []string) []T {
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.all[id].Clone())
	}
	return out
}

// Selected returns the currently focused id, if any.
func (s *Store[T]) Selected() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected, s.selected != ""
}

// Select focuses an existing entity. It reports false for unknown ids.
func (s *Store[T]) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.all[id]; !ok {
		return false
	}
	s.selected = id
	return true
}

// ClearSelection drops the focused id.
func (s *Store[T]) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = ""
}

// --- Draft tracker access ---

// Drafts returns the sorted ids of unconfirmed local records.
func (s *Store[T]) Drafts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker.Drafts()
}

// LocalDeletions returns the sorted ids deleted locally but not yet on the server.
func (s *Store[T]) LocalDeletions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker.LocalDeletions()
}

func (s *Store[T]) IsDraft(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker.IsDraft(id)
}

func (s *Store[T]) IsLocalDeletion(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker.IsLocalDeletion(id)
}

// IsPendingCreate reports whether id was created locally and never confirmed.
func (s *Store[T]) IsPendingCreate(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracker.IsPendingCreate(id)
}

// MarkDraft flags an existing entity as unconfirmed. Marking an id that is
// not in the store is refused, since drafts must always be present locally.
func (s *Store[T]) MarkDraft(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.all[id]; !ok {
		s.logger.Warn("draft mark of unknown id ignored", "action", "mark_draft_unknown", "id", id)
		return false
	}
	s.tracker.MarkDraft(id)
	s.tracker.touch(id)
	return true
}

func (s *Store[T]) UnmarkDraft(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.UnmarkDraft(id)
	s.tracker.pendingCreates.remove(id)
	delete(s.tracker.generations, id)
}

// MarkLocalDeletion records a pending server deletion. Ids still present
// locally are refused; use LocalDelete to remove and record in one step.
func (s *Store[T]) MarkLocalDeletion(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.all[id]; ok {
		s.logger.Warn("local deletion mark of present id ignored", "action", "mark_deletion_present", "id", id)
		return false
	}
	s.tracker.MarkLocalDeletion(id)
	return true
}

func (s *Store[T]) UnmarkLocalDeletion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.UnmarkLocalDeletion(id)
}

// Counts returns the number of entities, drafts and local deletions.
func (s *Store[T]) Counts() (entities, drafts, deletions int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.all), len(s.tracker.drafts), len(s.tracker.localDeletions)
}

// --- Deletion ---

// Delete removes entities outright, with no server deletion recorded.
// Unknown ids are ignored with a warning. It returns the number removed.
func (s *Store[T]) Delete(ids ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range ids {
		e, ok := s.all[id]
		if !ok {
			s.logger.Warn("delete of unknown id ignored", "action", "delete_unknown", "id", id)
			continue
		}
		s.removeLocked(id, e)
		s.tracker.forget(id)
		removed++
	}
	return removed
}

// LocalDelete removes entities on behalf of the user. A record the server
// has never seen is purged without a trace; any other record is queued as
// a local deletion. It returns the ids queued for the server.
func (s *Store[T]) LocalDelete(ids ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var queued []string
	for _, id := range ids {
		e, ok := s.all[id]
		if !ok {
			if s.tracker.IsLocalDeletion(id) {
				continue
			}
			s.logger.Warn("local delete of unknown id ignored", "action", "local_delete_unknown", "id", id)
			continue
		}

		s.removeLocked(id, e)
		if s.tracker.IsPendingCreate(id) {
			s.tracker.forget(id)
			s.logger.Debug("unsynced draft purged", "action", "draft_purged", "id", id)
			continue
		}
		s.tracker.forget(id)
		s.tracker.MarkLocalDeletion(id)
		queued = append(queued, id)
	}
	return queued
}

// CheckInvariants reports every violation of the draft and index
// consistency rules. An empty result means the store is consistent.
func (s *Store[T]) CheckInvariants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var violations []string
	for _, id := range s.tracker.Drafts() {
		if _, ok := s.all[id]; !ok {
			violations = append(violations, fmt.Sprintf("draft %s missing from store", id))
		}
	}
	for _, id := range s.tracker.LocalDeletions() {
		if _, ok := s.all[id]; ok {
			violations = append(violations, fmt.Sprintf("local deletion %s still in store", id))
		}
	}
	for _, id := range s.tracker.PendingCreates() {
		if !s.tracker.IsDraft(id) {
			violations = append(violations, fmt.Sprintf("pending create %s is not a draft", id))
		}
	}

	for id, e := range s.all {
		keys := e.IndexKeys()
		for _, name := range s.indexes {
			want := keys[name]
			for key, bucket := range s.indices[name] {
				if bucket.has(id) && key != want {
					violations = append(violations, fmt.Sprintf("%s in %s[%q], expected %q", id, name, key, want))
				}
			}
			if want != "" && !s.indices[name][want].has(id) {
				violations = append(violations, fmt.Sprintf("%s missing from %s[%q]", id, name, want))
			}
		}
	}
	for name, buckets := range s.indices {
		for key, bucket := range buckets {
			for id := range bucket {
				if _, ok := s.all[id]; !ok {
					violations = append(violations, fmt.Sprintf("%s[%q] holds unknown id %s", name, key, id))
				}
			}
		}
	}

	sort.Strings(violations)
	return violations
}
