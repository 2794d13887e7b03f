package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/hyperengineering/canopy/internal/store"
	"github.com/hyperengineering/canopy/internal/types"
	"github.com/hyperengineering/canopy/internal/validation"
)

// maxBodyBytes bounds entity request bodies.
const maxBodyBytes = 1 << 20

// Handler implements the census API handlers
type Handler struct {
	store   store.Store
	apiKey  string
	version string
}

// NewHandler creates a new Handler over the given document store.
func NewHandler(s store.Store, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		apiKey:  apiKey,
		version: version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// decodeDocument reads a JSON object body. A nil return means a problem
// response has already been written.
func decodeDocument(w http.ResponseWriter, r *http.Request) store.Document {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Unreadable body: %s", err.Error()))
		return nil
	}
	var doc store.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return nil
	}
	if doc == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Body must be a JSON object")
		return nil
	}
	return doc
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.Count(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "action", "health_failed", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		EntityCount: count,
	})
}

// List handles GET /api/v1/{collection}. Query parameters filter on
// top-level fields; the first value of each parameter is used.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	kind := MustKindFromContext(r.Context())

	var filter map[string]string
	if q := r.URL.Query(); len(q) > 0 {
		filter = make(map[string]string, len(q))
		for field := range q {
			filter[field] = q.Get(field)
		}
	}

	items, err := h.store.List(r.Context(), kind, filter)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// Get handles GET /api/v1/{collection}/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	kind := MustKindFromContext(r.Context())
	raw, err := h.store.Get(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

// Create handles POST /api/v1/{collection}. The server assigns the id;
// any id in the body is ignored.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	kind := MustKindFromContext(r.Context())
	doc := decodeDocument(w, r)
	if doc == nil {
		return
	}
	if errs := validation.ValidateDocument(kind, doc, false); len(errs) > 0 {
		WriteProblemWithErrors(w, r, fmt.Sprintf("Invalid %s", kind), errs)
		return
	}

	raw, err := h.store.Create(r.Context(), kind, doc)
	if err != nil {
		slog.Warn("create failed", "component", "api", "action", "create_failed", "kind", kind, "error", err)
		MapStoreError(w, r, err)
		return
	}

	var created struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &created) == nil && created.ID != "" {
		w.Header().Set("Location", r.URL.Path+"/"+created.ID)
	}
	writeJSON(w, http.StatusCreated, raw)
}

// Update handles PATCH /api/v1/{collection}/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	kind := MustKindFromContext(r.Context())
	doc := decodeDocument(w, r)
	if doc == nil {
		return
	}
	if errs := validation.ValidateDocument(kind, doc, true); len(errs) > 0 {
		WriteProblemWithErrors(w, r, fmt.Sprintf("Invalid %s", kind), errs)
		return
	}

	raw, err := h.store.Update(r.Context(), kind, chi.URLParam(r, "id"), doc)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

// Delete handles DELETE /api/v1/{collection}/{id}. Entities referencing
// the deleted one are removed with it.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	kind := MustKindFromContext(r.Context())
	id := chi.URLParam(r, "id")

	removed, err := h.store.Delete(r.Context(), kind, id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Info("entity deleted",
		"component", "api",
		"action", "entity_deleted",
		"kind", kind,
		"id", id,
		"removed", removed,
	)
	w.WriteHeader(http.StatusNoContent)
}
