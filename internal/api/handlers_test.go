package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyperengineering/canopy/internal/store"
	"github.com/hyperengineering/canopy/internal/types"
)

// failingStore fails every call; only Count and Close are reachable in tests.
type failingStore struct {
	store.Store
	err error
}

func (f failingStore) Count(context.Context) (int64, error) { return 0, f.err }
func (f failingStore) Close() error                        { return nil }

type testServer struct {
	t      *testing.T
	router http.Handler
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	captureLogs(t)
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &testServer{t: t, router: NewRouter(NewHandler(s, testAPIKey, "test"), cfg)}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// create posts body and returns the server-assigned id.
func (s *testServer) create(collection, body string) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/"+collection, body)
	if w.Code != http.StatusCreated {
		s.t.Fatalf("POST %s = %d: %s", collection, w.Code, w.Body.String())
	}
	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		s.t.Fatal(err)
	}
	return doc["id"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	s.create("forests", `{"name":"Wytham"}`)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil) // no auth
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var h types.HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "healthy" || h.Version != "test" || h.EntityCount != 1 {
		t.Errorf("health = %+v", h)
	}
}

func TestHealth_StoreDown(t *testing.T) {
	captureLogs(t)
	router := NewRouter(NewHandler(failingStore{err: errors.New("closed")}, testAPIKey, "test"), RouterConfig{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestEntityRoutesRequireAuth(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/forests", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestCreate(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	forest := s.create("forests", `{"name":"Wytham"}`)

	tests := []struct {
		name       string
		collection string
		body       string
		wantStatus int
		wantType   string
	}{
		{"valid plot", "plots", `{"id":"local-1","forest_id":"` + forest + `","number":3}`, http.StatusCreated, ""},
		{"missing parent", "plots", `{"forest_id":"nope","number":4}`, http.StatusUnprocessableEntity, "validation-error"},
		{"invalid fields", "plots", `{"forest_id":"` + forest + `","latitude":120}`, http.StatusUnprocessableEntity, "validation-error"},
		{"malformed json", "plots", `{"forest_id":`, http.StatusBadRequest, "bad-request"},
		{"not an object", "plots", `null`, http.StatusBadRequest, "bad-request"},
		{"unknown collection", "shrubs", `{}`, http.StatusNotFound, "not-found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/api/v1/"+tt.collection, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantType != "" {
				if p := decodeProblem(t, w); p.Type != problemBase+tt.wantType {
					t.Errorf("type = %q, want %q", p.Type, problemBase+tt.wantType)
				}
				return
			}
			var doc map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
				t.Fatal(err)
			}
			if doc["id"] == "local-1" || doc["id"] == "" {
				t.Errorf("server should assign its own id, got %v", doc["id"])
			}
			if loc := w.Header().Get("Location"); loc != "/api/v1/plots/"+doc["id"].(string) {
				t.Errorf("Location = %q", loc)
			}
		})
	}
}

func TestCreate_ValidationErrorsListed(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	w := s.do(http.MethodPost, "/api/v1/trees", `{"number":1.5}`)

	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	var fields []string
	for _, e := range p.Errors {
		fields = append(fields, e.Field)
	}
	if got := strings.Join(fields, ","); got != "plot_id,tag,number" {
		t.Errorf("error fields = %q, want plot_id,tag,number", got)
	}
}

func TestGetUpdateList(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	forest := s.create("forests", `{"name":"Wytham"}`)
	plot := s.create("plots", `{"forest_id":"`+forest+`","number":3}`)
	tree := s.create("trees", `{"plot_id":"`+plot+`","tag":"17","number":1}`)
	s.create("trees", `{"plot_id":"`+plot+`","tag":"18","number":2}`)

	w := s.do(http.MethodPatch, "/api/v1/trees/"+tree, `{"species_code":"QURU"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH = %d: %s", w.Code, w.Body.String())
	}

	w = s.do(http.MethodGet, "/api/v1/trees/"+tree, "")
	var got types.Tree
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != tree || got.Tag != "17" || got.SpeciesCode != "QURU" || got.PlotID != plot {
		t.Errorf("GET after PATCH = %+v", got)
	}

	w = s.do(http.MethodGet, "/api/v1/trees?plot_id="+plot+"&number=2", "")
	var list []types.Tree
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Tag != "18" {
		t.Errorf("filtered list = %+v", list)
	}

	w = s.do(http.MethodGet, "/api/v1/tree-photos", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty list body = %q, want []", w.Body.String())
	}

	if w := s.do(http.MethodPatch, "/api/v1/trees/"+tree, `{"tag":""}`); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("PATCH blank tag = %d, want 422", w.Code)
	}
	if w := s.do(http.MethodPatch, "/api/v1/trees/nope", `{"tag":"1"}`); w.Code != http.StatusNotFound {
		t.Errorf("PATCH missing = %d, want 404", w.Code)
	}
	if w := s.do(http.MethodGet, "/api/v1/trees/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET missing = %d, want 404", w.Code)
	}
}

func TestDelete(t *testing.T) {
	s := newTestServer(t, RouterConfig{DeleteBurst: 1, DeleteRefill: time.Hour})
	forest := s.create("forests", `{"name":"Wytham"}`)
	plot := s.create("plots", `{"forest_id":"`+forest+`","number":3}`)
	s.create("trees", `{"plot_id":"`+plot+`","tag":"17"}`)

	if w := s.do(http.MethodDelete, "/api/v1/forests/"+forest, ""); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d: %s", w.Code, w.Body.String())
	}
	if w := s.do(http.MethodGet, "/api/v1/trees", ""); strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("trees should cascade with their forest, got %s", w.Body.String())
	}
	// The single-token bucket is spent.
	if w := s.do(http.MethodDelete, "/api/v1/forests/"+forest, ""); w.Code != http.StatusTooManyRequests {
		t.Errorf("second DELETE = %d, want 429", w.Code)
	}
}

func TestDelete_MissingIs404(t *testing.T) {
	s := newTestServer(t, RouterConfig{})
	if w := s.do(http.MethodDelete, "/api/v1/trees/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("DELETE missing = %d, want 404", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, RouterConfig{Registry: prometheus.NewRegistry()})
	s.create("forests", `{"name":"Wytham"}`)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `canopy_api_requests_total{method="POST"`) || !strings.Contains(body, `status="201"} 1`) {
		t.Errorf("metrics missing the create request:\n%s", body)
	}
}
