package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/store"
)

func TestProviderDiscoverHandler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "gpt-4o-mini", "owned_by": "openai"},
				{"id": "gpt-4o", "owned_by": "openai"},
			},
		})
	}))
	defer upstream.Close()

	s := newTestStore(t)
	defer s.Close()
	if err := s.UpsertProvider(context.Background(), store.ProviderRecord{
		ID: "openai", Type: "openai", Enabled: true, BaseURL: upstream.URL, CredStore: "none",
	}); err != nil {
		t.Fatalf("UpsertProvider: %v", err)
	}

	a := &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw, Store: s}

	r := chi.NewRouter()
	r.Get("/admin/v1/providers/{id}/discover", ProviderDiscoverHandler(d))

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/providers/openai/discover", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		ProviderID string `json:"provider_id"`
		Total      int    `json:"total"`
		Models     []struct {
			ID         string `json:"id"`
			Registered bool   `json:"registered"`
		} `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 2 {
		t.Fatalf("total = %d, want 2", out.Total)
	}
	found := false
	for _, m := range out.Models {
		if m.ID == "gpt-4o-mini" {
			found = true
			if !m.Registered {
				t.Error("gpt-4o-mini should be reported as already registered")
			}
		}
		if m.ID == "gpt-4o" && m.Registered {
			t.Error("gpt-4o should not be reported as registered")
		}
	}
	if !found {
		t.Error("expected gpt-4o-mini in discovered models")
	}
}

func TestProviderDiscoverHandlerUnknownProvider(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	a := &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw, Store: s}

	r := chi.NewRouter()
	r.Get("/admin/v1/providers/{id}/discover", ProviderDiscoverHandler(d))

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/providers/nonexistent/discover", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusNotFound, rec.Body.String())
	}
}

func TestRoutingSimulateHandler(t *testing.T) {
	a := &fakeAdapter{
		id: "openai",
		models: []omentypes.ModelDescriptor{
			testModelDescriptor("openai", "gpt-4o-mini"),
			testModelDescriptor("openai", "gpt-4o"),
		},
	}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw}

	body, _ := json.Marshal(map[string]any{
		"strategy":    "single",
		"token_count": 200,
	})
	req := httptest.NewRequest(http.MethodPost, "/admin/v1/routing-config/simulate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	RoutingSimulateHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Total      int `json:"total"`
		Candidates []struct {
			ProviderID string  `json:"provider_id"`
			ModelID    string  `json:"model_id"`
			Score      float64 `json:"score"`
			Selected   bool    `json:"selected"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Total != 1 {
		t.Fatalf("total = %d, want 1", out.Total)
	}
	if !out.Candidates[0].Selected {
		t.Error("expected first ranked candidate to be marked selected")
	}
}

func TestRoutingSimulateHandlerBadJSON(t *testing.T) {
	a := &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw}

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/routing-config/simulate", bytes.NewReader([]byte("{bad")))
	rec := httptest.NewRecorder()

	RoutingSimulateHandler(d)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
