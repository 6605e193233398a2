// Package gemini implements the OMEN provider contract for Google's
// Gemini REST API, whose streaming form is a chunked JSON array
// (`:streamGenerateContent?alt=sse` gives SSE framing around the same
// per-candidate JSON shape the non-streaming endpoint returns) rather
// than OpenAI-style delta chunks.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/transcode"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Adapter talks to the Gemini generateContent / streamGenerateContent API.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	models  []omentypes.ModelDescriptor
	client  *http.Client
}

// New constructs a Gemini adapter.
func New(id, apiKey, baseURL string, models []omentypes.ModelDescriptor) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		models:  models,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming | omentypes.CapTools | omentypes.CapVision)
}

func (a *Adapter) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return a.models, nil
}

func (a *Adapter) HealthProbe(ctx context.Context) (providers.HealthResult, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/v1beta/models?key=%s", a.baseURL, a.apiKey)
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, url, nil, nil)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		var se *providers.StatusError
		if errors.As(err, &se) && se.StatusCode == 401 {
			return providers.HealthResult{Healthy: true, LastLatencyMs: latency, Details: "endpoint reachable"}, nil
		}
		return providers.HealthResult{Healthy: false, LastLatencyMs: latency, Details: err.Error()}, err
	}
	return providers.HealthResult{Healthy: true, LastLatencyMs: latency}, nil
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *geminiInlineData `json:"inline_data,omitempty"`
	FunctionCall     *geminiFuncCall   `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp   `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiFuncResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

func (a *Adapter) buildPayload(req *omentypes.ChatRequest) map[string]any {
	var systemParts []geminiPart
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == omentypes.RoleSystem {
			systemParts = append(systemParts, geminiPart{Text: m.Content.FlattenText()})
			continue
		}
		role := "user"
		if m.Role == omentypes.RoleAssistant {
			role = "model"
		}
		var parts []geminiPart
		if m.Content.IsMultipart() {
			for _, p := range m.Content.Parts {
				if p.Type == "image_url" && p.ImageURL != nil {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{MimeType: "image/unknown", Data: p.ImageURL.URL}})
				} else {
					parts = append(parts, geminiPart{Text: p.Text})
				}
			}
		} else {
			parts = []geminiPart{{Text: m.Content.Text}}
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}

	payload := map[string]any{"contents": contents}
	if len(systemParts) > 0 {
		payload["systemInstruction"] = geminiContent{Parts: systemParts}
	}
	genCfg := map[string]any{}
	if req.Params.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = req.Params.MaxTokens
	}
	if req.Params.Temperature != nil {
		genCfg["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		genCfg["topP"] = *req.Params.TopP
	}
	if len(req.Params.Stop) > 0 {
		genCfg["stopSequences"] = req.Params.Stop
	}
	if len(genCfg) > 0 {
		payload["generationConfig"] = genCfg
	}
	if len(req.Tools) > 0 {
		decls := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, map[string]any{
				"name":        t.Function.Name,
				"description": t.Function.Description,
				"parameters":  t.Function.Parameters,
			})
		}
		payload["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	return payload
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func extractText(c geminiCandidate) (string, []omentypes.ToolCall) {
	var text string
	var calls []omentypes.ToolCall
	for _, p := range c.Content.Parts {
		if p.Text != "" {
			text += p.Text
		}
		if p.FunctionCall != nil {
			tc := omentypes.ToolCall{Type: "function"}
			tc.Function.Name = p.FunctionCall.Name
			tc.Function.Arguments = string(p.FunctionCall.Args)
			calls = append(calls, tc)
		}
	}
	return text, calls
}

func (a *Adapter) Send(ctx context.Context, modelID string, req *omentypes.ChatRequest) (*providers.ChatResult, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, modelID, a.apiKey)
	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, url, a.buildPayload(req), nil)
	if err != nil {
		return nil, err
	}
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini response had no candidates")
	}
	text, calls := extractText(resp.Candidates[0])
	return &providers.ChatResult{
		Content:   text,
		ToolCalls: calls,
		Usage: omentypes.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  resp.UsageMetadata.TotalTokenCount,
		},
		Raw: body,
	}, nil
}

func (a *Adapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", a.baseURL, modelID, a.apiKey)
	rc, err := providers.DoStreamRequest(ctx, a.client, url, a.buildPayload(req), nil)
	if err != nil {
		return nil, err
	}

	out := make(chan omentypes.StreamEvent, 16)
	go func() {
		defer close(out)
		defer rc.Close()

		asm := transcode.NewToolCallAssembler()
		var usage omentypes.Usage
		finish := omentypes.FinishStop
		roleSent := false
		callIdx := 0

		_ = transcode.ScanSSE(rc, func(f transcode.SSEFrame) bool {
			var resp geminiResponse
			if err := json.Unmarshal([]byte(f.Data), &resp); err != nil || len(resp.Candidates) == 0 {
				return true
			}
			usage = omentypes.Usage{
				InputTokens:  resp.UsageMetadata.PromptTokenCount,
				OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
				TotalTokens:  resp.UsageMetadata.TotalTokenCount,
			}
			cand := resp.Candidates[0]
			for _, p := range cand.Content.Parts {
				if p.Text != "" {
					ev := omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: p.Text}
					if !roleSent {
						ev.Role = omentypes.RoleAssistant
						roleSent = true
					}
					select {
					case out <- ev:
					case <-ctx.Done():
						return false
					}
				}
				if p.FunctionCall != nil {
					callIdx++
					id := fmt.Sprintf("call_%d", callIdx)
					ev := asm.Fragment(id, p.FunctionCall.Name, string(p.FunctionCall.Args))
					select {
					case out <- ev:
					case <-ctx.Done():
						return false
					}
				}
			}
			if cand.FinishReason != "" {
				finish = mapFinishReason(cand.FinishReason)
			}
			return true
		})

		select {
		case out <- omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &usage}:
		case <-ctx.Done():
			return
		}
		out <- omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: finish}
	}()
	return out, nil
}

func mapFinishReason(vendor string) omentypes.FinishReason {
	switch vendor {
	case "MAX_TOKENS":
		return omentypes.FinishLength
	case "SAFETY", "RECITATION":
		return omentypes.FinishContentFilter
	default:
		return omentypes.FinishStop
	}
}

func (a *Adapter) ClassifyError(err error) providers.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429:
			return providers.ClassifiedError{Class: providers.ErrTransient, RetryAfter: se.RetryAfterSecs, Cause: err}
		case se.StatusCode == 401 || se.StatusCode == 403:
			return providers.ClassifiedError{Class: providers.ErrAuthn, Cause: err}
		case se.StatusCode >= 500:
			return providers.ClassifiedError{Class: providers.ErrTransient, Cause: err}
		case strings.Contains(se.Body, "exceeds the maximum"):
			return providers.ClassifiedError{Class: providers.ErrContextOverflow, Cause: err}
		case se.StatusCode == 400:
			return providers.ClassifiedError{Class: providers.ErrBadRequest, Cause: err}
		}
	}
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}
