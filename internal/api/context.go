package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/canopy/internal/types"
)

// kindContextKey is the context key for the resolved entity kind.
type kindContextKey struct{}

// ErrNoKindInContext indicates no entity kind was resolved for the request.
var ErrNoKindInContext = errors.New("no entity kind in context")

// WithKind returns a new context with the entity kind attached.
func WithKind(ctx context.Context, kind types.Kind) context.Context {
	return context.WithValue(ctx, kindContextKey{}, kind)
}

// KindFromContext extracts the entity kind from the context.
func KindFromContext(ctx context.Context) (types.Kind, error) {
	kind, ok := ctx.Value(kindContextKey{}).(types.Kind)
	if !ok || kind == "" {
		return "", ErrNoKindInContext
	}
	return kind, nil
}

// MustKindFromContext extracts the kind or panics.
// Use only behind KindMiddleware.
func MustKindFromContext(ctx context.Context) types.Kind {
	kind, err := KindFromContext(ctx)
	if err != nil {
		panic("kind not in context: middleware misconfiguration")
	}
	return kind
}

// KindMiddleware resolves the {collection} URL segment to an entity kind.
// Unknown collections get 404 before any handler runs.
func KindMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		collection := chi.URLParam(r, "collection")
		kind, ok := types.KindForCollection(collection)
		if !ok {
			WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("Unknown collection %q", collection))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithKind(r.Context(), kind)))
	})
}
