// Package anthropic implements the OMEN provider contract for the
// Anthropic Messages API, whose streaming form is event-typed SSE
// (event: content_block_delta, message_delta, message_stop) rather than
// OpenAI's single-shape chunks. Grounded on omen's
// internal/providers/anthropic adapter (auth headers, health-probe-via-405,
// default max_tokens, error classification thresholds).
package anthropic

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

const anthropicVersion = "2023-06-01"
const defaultMaxTokens = 4096

// Adapter talks to the Anthropic Messages API.
type Adapter struct {
	id      string
	apiKey  string
	baseURL string
	models  []omentypes.ModelDescriptor
	client  *http.Client
}

// New constructs an Anthropic adapter.
func New(id, apiKey, baseURL string, models []omentypes.ModelDescriptor) *Adapter {
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

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// HealthProbe GETs /v1/messages, which Anthropic answers with 405
// (method not allowed) when reachable — there is no dedicated health
// endpoint, so a 405 is treated as "the endpoint exists" per the
// prober's 2xx/401/405-is-healthy convention.
func (a *Adapter) HealthProbe(ctx context.Context) (providers.HealthResult, error) {
	start := time.Now()
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.baseURL+"/v1/messages", nil, a.authHeaders())
	latency := time.Since(start).Milliseconds()
	var se *providers.StatusError
	if errors.As(err, &se) && (se.StatusCode == 405 || se.StatusCode == 401) {
		return providers.HealthResult{Healthy: true, LastLatencyMs: latency, Details: "endpoint reachable"}, nil
	}
	if err != nil {
		return providers.HealthResult{Healthy: false, LastLatencyMs: latency, Details: err.Error()}, err
	}
	return providers.HealthResult{Healthy: true, LastLatencyMs: latency}, nil
}

func (a *Adapter) buildPayload(modelID string, req *omentypes.ChatRequest, stream bool) map[string]any {
	var system string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == omentypes.RoleSystem {
			system += m.Content.FlattenText()
			continue
		}
		entry := map[string]any{"role": string(m.Role)}
		if m.Content.IsMultipart() {
			parts := make([]map[string]any, 0, len(m.Content.Parts))
			for _, p := range m.Content.Parts {
				if p.Type == "image_url" && p.ImageURL != nil {
					parts = append(parts, map[string]any{
						"type":   "image",
						"source": map[string]any{"type": "url", "url": p.ImageURL.URL},
					})
				} else {
					parts = append(parts, map[string]any{"type": "text", "text": p.Text})
				}
			}
			entry["content"] = parts
		} else {
			entry["content"] = m.Content.Text
		}
		messages = append(messages, entry)
	}

	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      modelID,
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		payload["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		payload["tools"] = tools
	}
	if req.Params.Temperature != nil {
		payload["temperature"] = *req.Params.Temperature
	}
	if len(req.Params.Stop) > 0 {
		payload["stop_sequences"] = req.Params.Stop
	}
	return payload
}

func (a *Adapter) Send(ctx context.Context, modelID string, req *omentypes.ChatRequest) (*providers.ChatResult, error) {
	payload := a.buildPayload(modelID, req, false)
	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return nil, err
	}
	var resp struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			ID    string `json:"id"`
			Name  string `json:"name"`
			Input any    `json:"input"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}
	var text string
	var calls []omentypes.ToolCall
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text += c.Text
		case "tool_use":
			args, _ := json.Marshal(c.Input)
			tc := omentypes.ToolCall{ID: c.ID, Type: "function"}
			tc.Function.Name = c.Name
			tc.Function.Arguments = string(args)
			calls = append(calls, tc)
		}
	}
	return &providers.ChatResult{
		Content:   text,
		ToolCalls: calls,
		Usage: omentypes.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Raw: body,
	}, nil
}

func (a *Adapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	payload := a.buildPayload(modelID, req, true)
	rc, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, a.authHeaders())
	if err != nil {
		return nil, err
	}

	out := make(chan omentypes.StreamEvent, 16)
	go func() {
		defer close(out)
		defer rc.Close()

		asm := transcode.NewToolCallAssembler()
		acc := &transcode.UTF8Accumulator{}
		var usage omentypes.Usage
		finish := omentypes.FinishStop
		roleSent := false
		activeToolCallID := map[int]string{}

		emit := func(ev omentypes.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		_ = transcode.ScanSSE(rc, func(f transcode.SSEFrame) bool {
			switch f.Event {
			case "content_block_start":
				var blk struct {
					Index        int `json:"index"`
					ContentBlock struct {
						Type string `json:"type"`
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"content_block"`
				}
				if err := json.Unmarshal([]byte(f.Data), &blk); err == nil && blk.ContentBlock.Type == "tool_use" {
					activeToolCallID[blk.Index] = blk.ContentBlock.ID
					asm.Fragment(blk.ContentBlock.ID, blk.ContentBlock.Name, "")
				}
			case "content_block_delta":
				var delta struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(f.Data), &delta); err != nil {
					return true
				}
				switch delta.Delta.Type {
				case "text_delta":
					text := acc.Feed([]byte(delta.Delta.Text))
					if text != "" {
						ev := omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: text}
						if !roleSent {
							ev.Role = omentypes.RoleAssistant
							roleSent = true
						}
						if !emit(ev) {
							return false
						}
					}
				case "input_json_delta":
					if id, ok := activeToolCallID[delta.Index]; ok {
						if !emit(asm.Fragment(id, "", delta.Delta.PartialJSON)) {
							return false
						}
					}
				}
			case "message_delta":
				var md struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(f.Data), &md); err == nil {
					usage.OutputTokens = md.Usage.OutputTokens
					finish = mapStopReason(md.Delta.StopReason)
				}
			case "message_start":
				var ms struct {
					Message struct {
						Usage struct {
							InputTokens int `json:"input_tokens"`
						} `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(f.Data), &ms); err == nil {
					usage.InputTokens = ms.Message.Usage.InputTokens
				}
			case "message_stop":
				return false
			case "error":
				emit(omentypes.StreamEvent{Kind: omentypes.EventError, ErrMessage: f.Data, ErrKind: "provider_transient", Retriable: true})
				return false
			}
			return true
		})

		if rest := acc.Flush(); rest != "" {
			emit(omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: rest})
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		if !emit(omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &usage}) {
			return
		}
		emit(omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: finish})
	}()
	return out, nil
}

func mapStopReason(vendor string) omentypes.FinishReason {
	switch vendor {
	case "max_tokens":
		return omentypes.FinishLength
	case "tool_use":
		return omentypes.FinishToolCalls
	case "stop_sequence", "end_turn":
		return omentypes.FinishStop
	default:
		return omentypes.FinishStop
	}
}

func (a *Adapter) ClassifyError(err error) providers.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 429 || se.StatusCode == 529:
			return providers.ClassifiedError{Class: providers.ErrTransient, RetryAfter: se.RetryAfterSecs, Cause: err}
		case se.StatusCode == 401:
			return providers.ClassifiedError{Class: providers.ErrAuthn, Cause: err}
		case se.StatusCode >= 500:
			return providers.ClassifiedError{Class: providers.ErrTransient, Cause: err}
		case strings.Contains(se.Body, "prompt is too long") || strings.Contains(se.Body, "prompt_too_long"):
			return providers.ClassifiedError{Class: providers.ErrContextOverflow, Cause: err}
		case se.StatusCode == 400:
			return providers.ClassifiedError{Class: providers.ErrBadRequest, Cause: err}
		}
	}
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}
