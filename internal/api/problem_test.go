package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/hyperengineering/canopy/internal/store"
	"github.com/hyperengineering/canopy/internal/validation"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) Problem {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("body is not a problem document: %v (%s)", err, w.Body.String())
	}
	return p
}

func TestWriteProblem(t *testing.T) {
	tests := []struct {
		status   int
		wantType string
		title    string
	}{
		{http.StatusBadRequest, "https://canopy.dev/errors/bad-request", "Bad Request"},
		{http.StatusUnauthorized, "https://canopy.dev/errors/unauthorized", "Unauthorized"},
		{http.StatusNotFound, "https://canopy.dev/errors/not-found", "Not Found"},
		{http.StatusUnprocessableEntity, "https://canopy.dev/errors/validation-error", "Validation Error"},
		{http.StatusTooManyRequests, "https://canopy.dev/errors/rate-limit", "Too Many Requests"},
		{http.StatusServiceUnavailable, "https://canopy.dev/errors/service-unavailable", "Service Unavailable"},
		{http.StatusTeapot, "https://canopy.dev/errors/unknown", "I'm a teapot"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/trees/abc", nil)

			WriteProblem(w, r, tt.status, "details here")

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			p := decodeProblem(t, w)
			if p.Type != tt.wantType || p.Title != tt.title || p.Status != tt.status {
				t.Errorf("problem = %+v", p)
			}
			if p.Detail != "details here" || p.Instance != "/api/v1/trees/abc" {
				t.Errorf("detail/instance = %q / %q", p.Detail, p.Instance)
			}
		})
	}
}

func TestWriteProblemWithErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/trees", nil)

	WriteProblemWithErrors(w, r, "Invalid tree", []validation.ValidationError{
		{Field: "tag", Message: "is required"},
		{Field: "latitude", Message: "must be between -90.0 and 90.0"},
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Type != "https://canopy.dev/errors/validation-error" || len(p.Errors) != 2 || p.Errors[0].Field != "tag" {
		t.Errorf("problem = %+v", p)
	}
}

func TestMapStoreError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		leaks      bool
	}{
		{"not found", fmt.Errorf("tree x: %w", store.ErrNotFound), http.StatusNotFound, true},
		{"unknown kind", store.ErrUnknownKind, http.StatusNotFound, true},
		{"missing parent", fmt.Errorf("%w: plot p1", store.ErrMissingParent), http.StatusUnprocessableEntity, true},
		{"invalid document", store.ErrInvalidDocument, http.StatusUnprocessableEntity, true},
		{"internal", errors.New("disk on fire at /var/lib/canopy"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/api/v1/trees/x", nil)

			MapStoreError(w, r, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			p := decodeProblem(t, w)
			if got := p.Detail == tt.err.Error(); got != tt.leaks {
				t.Errorf("detail = %q; error text exposed = %v, want %v", p.Detail, got, tt.leaks)
			}
		})
	}
}
