// Package sync pushes local census drafts and deletions to the backend and
// reconciles the responses into the entity stores, one entity kind at a
// time in dependency order.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/hyperengineering/canopy/internal/entity"
	"github.com/hyperengineering/canopy/internal/types"
)

var (
	// ErrSyncInProgress is returned when a pass is requested for a kind that
	// is already syncing or refreshing.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrUnknownKind is returned for a kind no collection was registered for.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrParentUnsynced marks a draft that references an entity the server
	// has not confirmed yet. It is recorded as a failure, never sent.
	ErrParentUnsynced = errors.New("referenced parent not yet synced")
)

// Sync states of one entity kind.
const (
	StateIdle           = "idle"
	StateSyncing        = "syncing"
	StatePartialFailure = "partial_failure"
)

const (
	eventStart       = "start"
	eventSucceed     = "succeed"
	eventFail        = "fail"
	eventAcknowledge = "acknowledge"
)

// Backend is the remote census API. Bodies are JSON documents.
type Backend interface {
	List(ctx context.Context, kind types.Kind, filter map[string]string) ([][]byte, error)
	Create(ctx context.Context, kind types.Kind, body []byte) ([]byte, error)
	Update(ctx context.Context, kind types.Kind, id string, body []byte) ([]byte, error)
	Delete(ctx context.Context, kind types.Kind, id string) error
}

// Collection is the type-erased view of one entity store the orchestrator
// works with. *entity.Store[T] implements it.
type Collection interface {
	Name() string
	Pending() (entity.Pending, error)
	IsPendingCreate(id string) bool
	ConfirmCreate(localID string, generation uint64, payload []byte) (string, error)
	ConfirmUpdate(id string, generation uint64, payload []byte) error
	ConfirmDeletion(id string)
	RemapReferences(remap map[string]string) int
	ApplyServer(payloads [][]byte, overwrite bool) (int, error)
}

// KindReport describes one sync pass over a single kind.
type KindReport struct {
	Kind            types.Kind        `json:"kind"`
	Skipped         bool              `json:"skipped,omitempty"`
	Created         int               `json:"created"`
	Updated         int               `json:"updated"`
	Deleted         int               `json:"deleted"`
	FailedDrafts    []string          `json:"failed_drafts,omitempty"`
	FailedDeletions []string          `json:"failed_deletions,omitempty"`
	Remapped        map[string]string `json:"remapped,omitempty"`
	Duration        time.Duration     `json:"duration"`
}

// Failed returns the number of items that did not sync.
func (r KindReport) Failed() int {
	return len(r.FailedDrafts) + len(r.FailedDeletions)
}

// Report aggregates the passes of a full sync, in dependency order.
type Report struct {
	Kinds []KindReport `json:"kinds"`
}

// Failed returns the number of items that did not sync across all kinds.
func (r Report) Failed() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Failed()
	}
	return n
}

// Synced returns the number of items confirmed by the server.
func (r Report) Synced() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Created + k.Updated + k.Deleted
	}
	return n
}
