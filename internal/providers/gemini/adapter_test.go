package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
)

func chatRequest(text string) *omentypes.ChatRequest {
	return &omentypes.ChatRequest{
		Messages: []omentypes.Message{
			{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: text}},
		},
	}
}

func TestSendSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("expected key query param, got %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content":      map[string]any{"parts": []map[string]any{{"text": "hi there"}}},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 3, "candidatesTokenCount": 2, "totalTokenCount": 5},
		})
	}))
	defer ts.Close()

	a := New("gemini", "test-key", ts.URL, nil)
	result, err := a.Send(context.Background(), "gemini-pro", chatRequest("hi"))
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

func TestNewDefaultsBaseURL(t *testing.T) {
	a := New("gemini", "key", "", nil)
	if a.baseURL != defaultBaseURL {
		t.Errorf("expected default base URL, got %q", a.baseURL)
	}
}

func TestSendNoCandidates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer ts.Close()

	a := New("gemini", "key", ts.URL, nil)
	_, err := a.Send(context.Background(), "gemini-pro", chatRequest("hi"))
	if err == nil {
		t.Fatal("expected error for empty candidates")
	}
}

func TestClassifyErrorContextOverflow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"input token count exceeds the maximum"}}`))
	}))
	defer ts.Close()

	a := New("gemini", "key", ts.URL, nil)
	_, err := a.Send(context.Background(), "gemini-pro", chatRequest("hi"))
	if err == nil {
		t.Fatal("expected error")
	}
	classified := a.ClassifyError(err)
	if classified.Class != providers.ErrContextOverflow {
		t.Errorf("expected ErrContextOverflow, got %v", classified.Class)
	}
}

func TestClassifyErrorAuthn(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"message":"permission denied"}}`))
	}))
	defer ts.Close()

	a := New("gemini", "key", ts.URL, nil)
	_, err := a.Send(context.Background(), "gemini-pro", chatRequest("hi"))
	classified := a.ClassifyError(err)
	if classified.Class != providers.ErrAuthn {
		t.Errorf("expected ErrAuthn, got %v", classified.Class)
	}
}

func TestBuildPayloadHoistsSystemInstruction(t *testing.T) {
	a := New("gemini", "key", "http://example.invalid", nil)
	req := &omentypes.ChatRequest{
		Messages: []omentypes.Message{
			{Role: omentypes.RoleSystem, Content: omentypes.MessageContent{Text: "be terse"}},
			{Role: omentypes.RoleUser, Content: omentypes.MessageContent{Text: "hi"}},
		},
	}
	payload := a.buildPayload(req)
	if _, ok := payload["systemInstruction"]; !ok {
		t.Fatal("expected systemInstruction in payload")
	}
	contents, ok := payload["contents"].([]geminiContent)
	if !ok || len(contents) != 1 {
		t.Fatalf("expected system message excluded from contents, got %v", payload["contents"])
	}
}

func TestMapFinishReason(t *testing.T) {
	cases := map[string]omentypes.FinishReason{
		"MAX_TOKENS": omentypes.FinishLength,
		"SAFETY":     omentypes.FinishContentFilter,
		"STOP":       omentypes.FinishStop,
	}
	for vendor, want := range cases {
		if got := mapFinishReason(vendor); got != want {
			t.Errorf("mapFinishReason(%q) = %v, want %v", vendor, got, want)
		}
	}
}
