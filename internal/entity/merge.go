package entity

// UpsertOptions selects how a batch is merged.
type UpsertOptions struct {
	// Draft marks every entity of the batch as unconfirmed local work.
	Draft bool
	// SelectFinal focuses the last entity of the batch.
	SelectFinal bool
	// OverwriteNonDrafts treats the batch as the complete server view:
	// every confirmed entity absent from the batch is discarded, while
	// drafts and pending local deletions survive.
	OverwriteNonDrafts bool
}

// Upsert merges a batch into the store and returns the stored copies of
// the entities it applied, with ids assigned where they were missing.
//
// Entities are processed in order, so the last occurrence of an id wins.
// A non-draft entity never overwrites an id that is a draft or a pending
// local deletion: server copies only replace unsynced local work through
// the ConfirmCreate and ConfirmUpdate paths.
func (s *Store[T]) Upsert(batch []T, opts UpsertOptions) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.OverwriteNonDrafts {
		s.retainDraftsLocked()
	}

	applied := make([]T, 0, len(batch))
	var last string
	for _, e := range batch {
		stored, ok := s.putLocked(e, opts.Draft)
		last = stored.EntityID()
		if ok {
			applied = append(applied, stored.Clone())
		}
	}

	if opts.SelectFinal && last != "" {
		if _, ok := s.all[last]; ok {
			s.selected = last
		}
	}
	if _, ok := s.all[s.selected]; !ok {
		s.selected = ""
	}
	return applied
}

// retainDraftsLocked rebuilds the store from the current drafts only. The
// tracker keeps its drafts, pending creates, generations and local
// deletions, so the seeded entities remain drafts.
func (s *Store[T]) retainDraftsLocked() {
	retained := make(map[string]T, len(s.tracker.drafts))
	for id := range s.tracker.drafts {
		if e, ok := s.all[id]; ok {
			retained[id] = e
		}
	}

	dropped := len(s.all) - len(retained)
	s.all = make(map[string]T, len(retained))
	s.indices = make(map[string]map[string]idSet, len(s.indexes))
	for _, name := range s.indexes {
		s.indices[name] = make(map[string]idSet)
	}
	var zero T
	for id, e := range retained {
		s.all[id] = e
		s.reindexLocked(id, zero, false, e)
	}

	for id := range s.tracker.generations {
		if !s.tracker.drafts.has(id) {
			delete(s.tracker.generations, id)
		}
	}
	s.logger.Debug("store rebuilt from drafts",
		"action", "overwrite_non_drafts",
		"retained", len(retained),
		"dropped", dropped,
	)
}

// putLocked writes one entity. It reports false when the entity was not
// applied because it would overwrite unsynced local work.
func (s *Store[T]) putLocked(e T, draft bool) (T, bool) {
	id := e.EntityID()
	if id == "" {
		id = s.freshIDLocked()
		e = e.WithID(id)
	}

	if !draft && (s.tracker.IsDraft(id) || s.tracker.IsLocalDeletion(id)) {
		s.logger.Debug("server copy of unsynced local change skipped",
			"action", "merge_skip_local",
			"id", id,
			"draft", s.tracker.IsDraft(id),
		)
		return e, false
	}

	old, existed := s.all[id]
	e = e.Clone()
	s.all[id] = e
	s.reindexLocked(id, old, existed, e)

	if draft {
		if !existed && !s.tracker.IsLocalDeletion(id) {
			s.tracker.pendingCreates.add(id)
		}
		s.tracker.UnmarkLocalDeletion(id)
		s.tracker.MarkDraft(id)
		s.tracker.touch(id)
	} else {
		s.tracker.pendingCreates.remove(id)
	}
	return e, true
}

func (s *Store[T]) freshIDLocked() string {
	for range maxIDAttempts {
		id := s.newID()
		if id == "" {
			continue
		}
		if _, taken := s.all[id]; taken || s.tracker.IsLocalDeletion(id) {
			continue
		}
		return id
	}
	panic("entity: id generator keeps returning empty or taken ids")
}

// reindexLocked moves id from the buckets derived from old (when it
// existed) to the buckets derived from e. Foreign keys are expected to be
// stable, but an edit or a local-to-server id remap may change one, and the
// index follows it.
func (s *Store[T]) reindexLocked(id string, old T, existed bool, e T) {
	next := e.IndexKeys()
	var prev map[string]string
	if existed {
		prev = old.IndexKeys()
	}
	for _, name := range s.indexes {
		if existed && prev[name] != next[name] {
			s.bucketRemoveLocked(name, prev[name], id)
		}
		s.bucketAddLocked(name, next[name], id)
	}
}

func (s *Store[T]) unindexLocked(id string, e T) {
	keys := e.IndexKeys()
	for _, name := range s.indexes {
		s.bucketRemoveLocked(name, keys[name], id)
	}
}

func (s *Store[T]) bucketAddLocked(index, key, id string) {
	if key == "" {
		return
	}
	bucket, ok := s.indices[index][key]
	if !ok {
		bucket = newIDSet()
		s.indices[index][key] = bucket
	}
	bucket.add(id)
}

func (s *Store[T]) bucketRemoveLocked(index, key, id string) {
	if key == "" {
		return
	}
	bucket, ok := s.indices[index][key]
	if !ok {
		return
	}
	bucket.remove(id)
	if len(bucket) == 0 {
		delete(s.indices[index], key)
	}
}

func (s *Store[T]) insertLocked(id string, e T) {
	old, existed := s.all[id]
	s.all[id] = e
	s.reindexLocked(id, old, existed, e)
}

func (s *Store[T]) removeLocked(id string, e T) {
	delete(s.all, id)
	s.unindexLocked(id, e)
	if s.selected == id {
		s.selected = ""
	}
}
