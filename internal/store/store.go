package store

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/canopy/internal/types"
)

// Document is one stored entity as a JSON object.
type Document map[string]any

// Store defines the contract of the census document store behind the
// reference backend.
type Store interface {
	List(ctx context.Context, kind types.Kind, filter map[string]string) ([]json.RawMessage, error)
	Get(ctx context.Context, kind types.Kind, id string) (json.RawMessage, error)
	Create(ctx context.Context, kind types.Kind, doc Document) (json.RawMessage, error)
	Update(ctx context.Context, kind types.Kind, id string, patch Document) (json.RawMessage, error)
	// Delete removes an entity and, recursively, every entity referencing
	// it. It returns the number of entities removed.
	Delete(ctx context.Context, kind types.Kind, id string) (int, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}
