package entity

import (
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
)

// ErrMissingID is returned when a server payload carries no id.
var ErrMissingID = errors.New("server entity has no id")

// PendingDraft is one draft captured for a sync pass.
type PendingDraft struct {
	ID string
	// Create is true when the server has never seen this entity.
	Create bool
	// Generation is the local write generation at capture time.
	Generation uint64
	// Payload is the JSON body to send, without the id.
	Payload []byte
	// References holds the ids of the entities this draft points at.
	References []string
}

// Pending is the unconfirmed local work of one store at a point in time.
type Pending struct {
	Drafts    []PendingDraft
	Deletions []string
}

// Empty reports whether there is nothing to push.
func (p Pending) Empty() bool {
	return len(p.Drafts) == 0 && len(p.Deletions) == 0
}

// Pending snapshots the drafts and local deletions, ordered by id.
func (s *Store[T]) Pending() (Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p Pending
	for _, id := range s.tracker.Drafts() {
		e := s.all[id]
		body, err := json.Marshal(e.WithID(""))
		if err != nil {
			return Pending{}, fmt.Errorf("encode %s %s: %w", s.name, id, err)
		}
		p.Drafts = append(p.Drafts, PendingDraft{
			ID:         id,
			Create:     s.tracker.IsPendingCreate(id),
			Generation: s.tracker.Generation(id),
			Payload:    body,
			References: references(e),
		})
	}
	p.Deletions = s.tracker.LocalDeletions()
	return p, nil
}

func references[T Record[T]](e T) []string {
	fks := e.ForeignKeys()
	refs := make([]string, 0, len(fks))
	for _, id := range fks {
		if id != "" {
			refs = append(refs, id)
		}
	}
	sort.Strings(refs)
	return refs
}

// ConfirmCreate merges the server response to the create of localID and
// returns the id the entity now lives under. When the draft was edited
// again after the request was captured, the newer local content is kept,
// moved to the server id and left as a draft so the next pass sends it as
// an update. When the draft was deleted locally in the meantime, the new
// server record is queued for deletion.
func (s *Store[T]) ConfirmCreate(localID string, generation uint64, payload []byte) (string, error) {
	server, err := s.decode(payload)
	if err != nil {
		return "", err
	}
	serverID := server.EntityID()
	if serverID == "" {
		return "", fmt.Errorf("confirm create of %s %s: %w", s.name, localID, ErrMissingID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.all[localID]
	if !ok {
		if _, present := s.all[serverID]; !present {
			s.tracker.MarkLocalDeletion(serverID)
		}
		s.logger.Info("created entity was deleted locally during sync",
			"action", "create_orphaned",
			"local_id", localID,
			"id", serverID,
		)
		return serverID, nil
	}

	wasSelected := s.selected == localID
	current := s.tracker.Generation(localID)
	s.removeLocked(localID, cur)
	s.tracker.forget(localID)

	if current != generation {
		kept := cur.WithID(serverID)
		s.insertLocked(serverID, kept)
		s.tracker.MarkDraft(serverID)
		s.tracker.generations[serverID] = current
		s.logger.Info("newer local edit kept over create response",
			"action", "create_stale_response",
			"local_id", localID,
			"id", serverID,
		)
	} else {
		s.insertLocked(serverID, server.Clone())
	}

	if wasSelected {
		s.selected = serverID
	}
	return serverID, nil
}

// ConfirmUpdate merges the server response to an update of id. A response
// captured before a newer local edit is ignored and the draft remains.
func (s *Store[T]) ConfirmUpdate(id string, generation uint64, payload []byte) error {
	server, err := s.decode(payload)
	if err != nil {
		return err
	}
	server = server.WithID(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.all[id]
	if !ok {
		s.logger.Debug("update confirmed for entity no longer present", "action", "update_orphaned", "id", id)
		return nil
	}
	if s.tracker.Generation(id) != generation {
		s.logger.Info("newer local edit kept over update response", "action", "update_stale_response", "id", id)
		return nil
	}

	server = server.Clone()
	s.all[id] = server
	s.reindexLocked(id, cur, true, server)
	s.tracker.forget(id)
	return nil
}

// ConfirmDeletion clears a local deletion the server has applied.
func (s *Store[T]) ConfirmDeletion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.UnmarkLocalDeletion(id)
}

// RemapReferences rewrites foreign keys naming a key of remap to its value,
// moving index entries along. It returns the number of entities changed.
func (s *Store[T]) RemapReferences(remap map[string]string) int {
	if len(remap) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for id, e := range s.all {
		next, ok := e.WithForeignKeys(remap)
		if !ok {
			continue
		}
		s.all[id] = next
		s.reindexLocked(id, e, true, next)
		changed++
	}
	if changed > 0 {
		s.logger.Debug("references remapped", "action", "remap_references", "changed", changed)
	}
	return changed
}

// ApplyServer decodes a server batch and merges it as confirmed data. The
// batch is rejected as a whole if any payload fails to decode.
func (s *Store[T]) ApplyServer(payloads [][]byte, overwrite bool) (int, error) {
	batch := make([]T, 0, len(payloads))
	for _, p := range payloads {
		e, err := s.decode(p)
		if err != nil {
			return 0, err
		}
		if e.EntityID() == "" {
			return 0, fmt.Errorf("apply %s batch: %w", s.name, ErrMissingID)
		}
		batch = append(batch, e)
	}
	applied := s.Upsert(batch, UpsertOptions{OverwriteNonDrafts: overwrite})
	return len(applied), nil
}

// UpsertJSON decodes one entity and stores it as a local draft, focusing it.
func (s *Store[T]) UpsertJSON(payload []byte) (T, error) {
	e, err := s.decode(payload)
	if err != nil {
		return e, err
	}
	stored := s.Upsert([]T{e}, UpsertOptions{Draft: true, SelectFinal: true})
	return stored[0], nil
}

func (s *Store[T]) decode(payload []byte) (T, error) {
	var e T
	if err := json.Unmarshal(payload, &e); err != nil {
		return e, fmt.Errorf("decode %s: %w", s.name, err)
	}
	return e, nil
}
