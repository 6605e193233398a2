package xai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// xai.New is a thin re-export of providers/openai.Adapter under a distinct
// base URL and provider id; these tests only need to confirm that wiring,
// not re-verify the OpenAI wire format itself (see providers/openai).

func TestNewWithEmptyBaseURLKeepsID(t *testing.T) {
	a := New("xai", "test-key", "", nil)
	if a.ID() != "xai" {
		t.Errorf("expected id xai, got %q", a.ID())
	}
}

func TestNewHitsProvidedBaseURL(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %s", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"yo"}}]}`))
	}))
	defer ts.Close()

	a := New("xai", "test-key", ts.URL, nil)
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	result, err := a.Send(context.Background(), "grok-2", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "yo" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("expected OpenAI-shaped path, got %q", gotPath)
	}
}

func TestCapabilities(t *testing.T) {
	a := New("xai", "key", "http://example.invalid", nil)
	caps := a.Capabilities()
	if !caps.Has(omentypes.CapChat) || !caps.Has(omentypes.CapStreaming) {
		t.Errorf("expected chat+streaming capabilities, got %v", caps)
	}
}
