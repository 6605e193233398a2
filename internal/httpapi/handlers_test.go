package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func TestMountRoutesHealthAndReady(t *testing.T) {
	a := &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}}
	gw := newTestGateway(t, a)

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{Gateway: gw})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/ready status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var readyOut struct {
		Status    string `json:"status"`
		Providers int    `json:"providers"`
		Models    int    `json:"models"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &readyOut); err != nil {
		t.Fatalf("decode /ready: %v", err)
	}
	if readyOut.Providers != 1 || readyOut.Models != 1 {
		t.Fatalf("/ready = %+v, want 1 provider and 1 model", readyOut)
	}
}

func TestMountRoutesReadyWithNoProviders(t *testing.T) {
	gw := newTestGateway(t, nil)
	r := chi.NewRouter()
	MountRoutes(r, Dependencies{Gateway: gw})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestMountRoutesAdminInfoOpenWithoutToken(t *testing.T) {
	a := &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}}
	gw := newTestGateway(t, a)

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{Gateway: gw})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/info", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/admin/v1/info status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestMountRoutesAdminInfoGatedByToken(t *testing.T) {
	a := &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}}
	gw := newTestGateway(t, a)

	holder, err := NewAdminTokenHolder("s3cr3t", ":memory:", slog.Default())
	if err != nil {
		t.Fatalf("NewAdminTokenHolder: %v", err)
	}

	r := chi.NewRouter()
	MountRoutes(r, Dependencies{Gateway: gw, AdminToken: holder})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/info", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/info", nil)
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestAdminTokenRotateHandler(t *testing.T) {
	holder, err := NewAdminTokenHolder("initial-token", ":memory:", slog.Default())
	if err != nil {
		t.Fatalf("NewAdminTokenHolder: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/v1/admin-token/rotate", nil)
	rec := httptest.NewRecorder()

	AdminTokenRotateHandler(holder, slog.Default())(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.OK || out.Token == "" || out.Token == "initial-token" {
		t.Fatalf("rotate response = %+v, expected a fresh non-empty token", out)
	}
	if !holder.ConstantTimeEqual(out.Token) {
		t.Error("holder's current token should match the rotated value")
	}
}
