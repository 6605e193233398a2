package bedrock

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
)

func TestSendSuccess(t *testing.T) {
	var gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256") {
			t.Errorf("expected SigV4 authorization header, got %s", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"type": "text", "text": "hello from claude"}},
			"usage":   map[string]int{"input_tokens": 4, "output_tokens": 2},
		})
	}))
	defer ts.Close()

	a := New("bedrock", "us-east-1", "AKIATEST", "secret", nil)
	a.baseURL = ts.URL

	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	result, err := a.Send(context.Background(), "anthropic.claude-3-haiku", req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "hello from claude" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.Usage.TotalTokens != 6 {
		t.Errorf("expected total tokens 6, got %d", result.Usage.TotalTokens)
	}
	if gotPath != "/model/anthropic.claude-3-haiku/invoke" {
		t.Errorf("unexpected path %q", gotPath)
	}
}

func TestClassifyErrorAuthn(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"not authorized"}`))
	}))
	defer ts.Close()

	a := New("bedrock", "us-east-1", "AKIATEST", "secret", nil)
	a.baseURL = ts.URL
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	_, err := a.Send(context.Background(), "anthropic.claude-3-haiku", req)
	if err == nil {
		t.Fatal("expected error")
	}
	classified := a.ClassifyError(err)
	if classified.Class != providers.ErrAuthn {
		t.Errorf("expected ErrAuthn, got %v", classified.Class)
	}
}

func TestClassifyErrorContextOverflow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"input is too long: maximum context length exceeded"}`))
	}))
	defer ts.Close()

	a := New("bedrock", "us-east-1", "AKIATEST", "secret", nil)
	a.baseURL = ts.URL
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}}},
	}
	_, err := a.Send(context.Background(), "anthropic.claude-3-haiku", req)
	if err == nil {
		t.Fatal("expected error")
	}
	classified := a.ClassifyError(err)
	if classified.Class != providers.ErrContextOverflow {
		t.Errorf("expected ErrContextOverflow, got %v", classified.Class)
	}
}

func TestHealthProbeTreatsForbiddenAsReachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	a := New("bedrock", "us-east-1", "AKIATEST", "secret", nil)
	a.baseURL = ts.URL
	res, err := a.HealthProbe(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Healthy {
		t.Error("expected 403 to be treated as reachable")
	}
}

func TestBuildInvokeBodyHoistsSystemMessage(t *testing.T) {
	a := New("bedrock", "us-east-1", "AKIATEST", "secret", nil)
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{
			{Role: omentypes.RoleSystem, Content: omentypes.MessageContent{Text: "be terse"}},
			{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}},
		},
	}
	body := a.buildInvokeBody(req)
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("failed to parse invoke body: %v", err)
	}
	if parsed["system"] != "be terse" {
		t.Errorf("expected system field, got %v", parsed["system"])
	}
	msgs, ok := parsed["messages"].([]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected system message excluded, got %v", parsed["messages"])
	}
}
