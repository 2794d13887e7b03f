package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/canopy/internal/types"
)

func TestKindFromContext(t *testing.T) {
	ctx := WithKind(context.Background(), types.KindTree)
	kind, err := KindFromContext(ctx)
	if err != nil || kind != types.KindTree {
		t.Errorf("KindFromContext() = %q, %v", kind, err)
	}

	if _, err := KindFromContext(context.Background()); !errors.Is(err, ErrNoKindInContext) {
		t.Errorf("empty context error = %v, want ErrNoKindInContext", err)
	}
	if _, err := KindFromContext(WithKind(context.Background(), "")); !errors.Is(err, ErrNoKindInContext) {
		t.Errorf("blank kind error = %v, want ErrNoKindInContext", err)
	}
}

func TestMustKindFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustKindFromContext() should panic without a kind")
		}
	}()
	MustKindFromContext(context.Background())
}

func TestKindMiddleware(t *testing.T) {
	var seen types.Kind
	r := chi.NewRouter()
	r.With(KindMiddleware).Get("/{collection}", func(w http.ResponseWriter, r *http.Request) {
		seen = MustKindFromContext(r.Context())
	})

	tests := []struct {
		path       string
		wantStatus int
		wantKind   types.Kind
	}{
		{"/plot-censuses", http.StatusOK, types.KindPlotCensus},
		{"/tree-census-labels", http.StatusOK, types.KindTreeCensusLabel},
		{"/plot_census", http.StatusNotFound, ""},
		{"/shrubs", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			seen = ""
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if seen != tt.wantKind {
				t.Errorf("kind = %q, want %q", seen, tt.wantKind)
			}
		})
	}
}
