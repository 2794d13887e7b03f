package entity

// Tracker records which ids of one store are unconfirmed local work.
//
// drafts holds ids present locally whose latest content the server has not
// acknowledged. localDeletions holds ids removed locally whose deletion the
// server has not acknowledged. pendingCreates is the subset of drafts that
// the server has never seen at all, so a local delete of such an id needs
// no server call. generations counts local draft writes per id and lets a
// sync response detect that a newer local edit happened while it was in
// flight.
//
// A Tracker is not safe for concurrent use; Store serializes access.
type Tracker struct {
	drafts         idSet
	localDeletions idSet
	pendingCreates idSet
	generations    map[string]uint64
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		drafts:         newIDSet(),
		localDeletions: newIDSet(),
		pendingCreates: newIDSet(),
		generations:    make(map[string]uint64),
	}
}

func (t *Tracker) MarkDraft(id string) { t.drafts.add(id) }
func (t *Tracker) UnmarkDraft(id string) { t.drafts.remove(id) }
func (t *Tracker) MarkLocalDeletion(id string) { t.localDeletions.add(id) }
func (t *Tracker) UnmarkLocalDeletion(id string) { t.localDeletions.remove(id) }
func (t *Tracker) IsDraft(id string) bool { return t.drafts.has(id) }
func (t *Tracker) IsLocalDeletion(id string) bool { return t.localDeletions.has(id) }
func (t *Tracker) IsPendingCreate(id string) bool { return t.pendingCreates.has(id) }
func (t *Tracker) Generation(id string) uint64 { return t.generations[id] }
func (t *Tracker) Drafts() []string { return t.drafts.sorted() }
func (t *Tracker) LocalDeletions() []string { return t.localDeletions.sorted() }
func (t *Tracker) PendingCreates() []string { return t.pendingCreates.sorted() }

// touch bumps the local write generation of id.
func (t *Tracker) touch(id string) uint64 {
	t.generations[id]++
	return t.generations[id]
}

// forget drops every trace of id except a pending local deletion.
func (t *Tracker) forget(id string) {
	t.drafts.remove(id)
	t.pendingCreates.remove(id)
	delete(t.generations, id)
}
