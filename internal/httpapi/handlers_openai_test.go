package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/omen-gateway/omen/internal/omentypes"
)

func testModelDescriptor(providerID, modelID string) omentypes.ModelDescriptor {
	return omentypes.ModelDescriptor{
		ProviderID:    providerID,
		ModelID:       modelID,
		ContextTokens: 8192,
		CostInPer1K:   0.001,
		CostOutPer1K:  0.002,
		Capabilities:  omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming),
	}
}

func chatRequestBody(model string, stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model": model,
		"messages": []map[string]any{
			{"role": "user", "content": "hello there"},
		},
		"stream": stream,
	})
	return body
}

func TestChatCompletionsHandlerNonStreaming(t *testing.T) {
	a := &fakeAdapter{
		id:      "openai",
		models:  []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")},
		content: "hi back",
		usage:   omentypes.Usage{InputTokens: 5, OutputTokens: 3, TotalTokens: 8},
	}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(chatRequestBody("gpt-4o-mini", false)))
	rec := httptest.NewRecorder()

	ChatCompletionsHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp chatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "hi back" {
		t.Errorf("content = %q, want %q", resp.Choices[0].Message.Content, "hi back")
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("total tokens = %d, want 8", resp.Usage.TotalTokens)
	}
	if resp.OmenProvider != "openai" {
		t.Errorf("omen_provider = %q, want openai", resp.OmenProvider)
	}
}

func TestChatCompletionsHandlerBadJSON(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}})
	d := Dependencies{Gateway: gw}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	ChatCompletionsHandler(d)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestChatCompletionsHandlerMissingModel(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{id: "openai", models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")}})
	d := Dependencies{Gateway: gw}

	body, _ := json.Marshal(map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	ChatCompletionsHandler(d)(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body = %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestChatCompletionsHandlerStreaming(t *testing.T) {
	a := &fakeAdapter{
		id:      "openai",
		models:  []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")},
		content: "streamed chunk",
		usage:   omentypes.Usage{InputTokens: 2, OutputTokens: 2, TotalTokens: 4},
	}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(chatRequestBody("gpt-4o-mini", true)))
	rec := httptest.NewRecorder()

	ChatCompletionsHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	var sawChunk, sawDone bool
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk map[string]any
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("unmarshal chunk %q: %v", payload, err)
		}
		if chunk["object"] == "chat.completion.chunk" {
			sawChunk = true
		}
	}
	if !sawChunk {
		t.Error("expected at least one chat.completion.chunk frame")
	}
	if !sawDone {
		t.Error("expected terminating [DONE] frame")
	}
	if !strings.Contains(rec.Body.String(), "streamed chunk") {
		t.Error("expected streamed content in body")
	}
}

func TestModelsListPublicHandler(t *testing.T) {
	a := &fakeAdapter{
		id:     "openai",
		models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")},
	}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw}

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	ModelsListPublicHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "openai/gpt-4o-mini" {
		t.Fatalf("data = %+v, want single openai/gpt-4o-mini entry", out.Data)
	}
}

func TestProviderScoresHandler(t *testing.T) {
	a := &fakeAdapter{
		id:     "openai",
		models: []omentypes.ModelDescriptor{testModelDescriptor("openai", "gpt-4o-mini")},
	}
	gw := newTestGateway(t, a)
	d := Dependencies{Gateway: gw}

	req := httptest.NewRequest(http.MethodGet, "/omen/providers/scores", nil)
	rec := httptest.NewRecorder()

	ProviderScoresHandler(d)(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
}
