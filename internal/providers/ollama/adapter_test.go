package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func TestSendSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("expected /api/chat, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": "hi there"},
			"done":              true,
			"prompt_eval_count": 3,
			"eval_count":        2,
		})
	}))
	defer ts.Close()

	a := New("ollama", ts.URL)
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	result, err := a.Send(context.Background(), "llama3", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "hi there" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.Usage.TotalTokens != 5 {
		t.Errorf("expected total tokens 5, got %d", result.Usage.TotalTokens)
	}
}

func TestRoundRobinAcrossEndpoints(t *testing.T) {
	var hitsA, hitsB int
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":{"content":"a"},"done":true}`))
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"message":{"content":"b"},"done":true}`))
	}))
	defer tsB.Close()

	a := New("ollama", tsA.URL, tsB.URL)
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	for i := 0; i < 4; i++ {
		if _, err := a.Send(context.Background(), "llama3", req); err != nil {
			t.Fatalf("unexpected error on call %d: %v", i, err)
		}
	}
	if hitsA != 2 || hitsB != 2 {
		t.Errorf("expected even round-robin split, got A=%d B=%d", hitsA, hitsB)
	}
}

func TestListModelsDedupesAcrossPool(t *testing.T) {
	tsA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3"},{"name":"mistral"}]}`))
	}))
	defer tsA.Close()
	tsB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3"},{"name":"phi3"}]}`))
	}))
	defer tsB.Close()

	a := New("ollama", tsA.URL, tsB.URL)
	models, err := a.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 3 {
		t.Errorf("expected 3 deduped models, got %d: %+v", len(models), models)
	}
}

func TestHealthProbeFailsWhenEndpointUnreachable(t *testing.T) {
	a := New("ollama", "http://127.0.0.1:0")
	res, err := a.HealthProbe(context.Background())
	if err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
	if res.Healthy {
		t.Error("expected unhealthy result")
	}
}
