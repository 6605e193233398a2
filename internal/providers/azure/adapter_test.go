package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
)

func TestValidateEndpointRejectsEmpty(t *testing.T) {
	if _, err := ValidateEndpoint(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestValidateEndpointRejectsRelative(t *testing.T) {
	if _, err := ValidateEndpoint("my-resource.openai.azure.com"); err == nil {
		t.Fatal("expected error for non-absolute endpoint")
	}
}

func TestValidateEndpointTrimsTrailingSlash(t *testing.T) {
	got, err := ValidateEndpoint("https://my-resource.openai.azure.com/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://my-resource.openai.azure.com" {
		t.Errorf("expected trailing slash trimmed, got %q", got)
	}
}

func TestNewRejectsInvalidEndpoint(t *testing.T) {
	if _, err := New("azure", "key", "not-a-url", nil, nil); err == nil {
		t.Fatal("expected error constructing adapter with invalid endpoint")
	}
}

func TestSendRoutesByDeployment(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("expected api-key header, got %s", r.Header.Get("api-key"))
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "hello"}}},
		})
	}))
	defer ts.Close()

	a, err := New("azure", "test-key", ts.URL, map[string]string{"gpt-4": "gpt-4-prod"}, nil)
	if err != nil {
		t.Fatalf("unexpected error constructing adapter: %v", err)
	}
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	result, err := a.Send(context.Background(), "gpt-4", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "hello" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if gotPath != "/openai/deployments/gpt-4-prod/chat/completions" {
		t.Errorf("expected deployment-scoped path, got %q", gotPath)
	}
}

func TestSendUnknownModelFailsWithoutRequest(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the server for an unmapped model")
	}))
	defer ts.Close()

	a, err := New("azure", "key", ts.URL, map[string]string{"gpt-4": "gpt-4-prod"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	if _, err := a.Send(context.Background(), "gpt-5-unmapped", req); err == nil {
		t.Fatal("expected error for unmapped deployment")
	}
}

func TestClassifyErrorAuthn(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer ts.Close()

	a, err := New("azure", "bad-key", ts.URL, map[string]string{"gpt-4": "gpt-4-prod"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	_, sendErr := a.Send(context.Background(), "gpt-4", req)
	if sendErr == nil {
		t.Fatal("expected error")
	}
	classified := a.ClassifyError(sendErr)
	if classified.Class != providers.ErrAuthn {
		t.Errorf("expected ErrAuthn, got %v", classified.Class)
	}
}
