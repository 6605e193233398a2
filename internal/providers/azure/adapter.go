// Package azure implements the OMEN provider contract for Azure OpenAI,
// which is OpenAI-shaped on the wire but routes by deployment name
// rather than model name and authenticates via an `api-key` header
// instead of `Authorization: Bearer`. Per spec §4.1's Azure edge case,
// the endpoint must be validated as an absolute URL (scheme + host),
// trimmed of trailing slashes, and refused if empty.
package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/transcode"
)

const apiVersion = "2024-06-01"

// Adapter talks to an Azure OpenAI resource. Each model descriptor's
// ModelID is the Azure deployment name, not a foundation model name —
// Azure OpenAI's catalog is per-deployment, not per-model.
type Adapter struct {
	id          string
	apiKey      string
	endpoint    string
	deployments map[string]string // model alias -> deployment name
	models      []omentypes.ModelDescriptor
	client      *http.Client
}

// ValidateEndpoint checks the Azure endpoint edge case from spec §4.1:
// it must be a non-empty absolute URL (scheme + host), with any
// trailing slash trimmed before returning.
func ValidateEndpoint(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("azure endpoint must not be empty")
	}
	trimmed := strings.TrimRight(raw, "/")
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("azure endpoint %q is not an absolute URL", raw)
	}
	return trimmed, nil
}

// New constructs an Azure OpenAI adapter. deployments maps a model alias
// (as clients request it) to the Azure deployment name that serves it.
func New(id, apiKey, endpoint string, deployments map[string]string, models []omentypes.ModelDescriptor) (*Adapter, error) {
	validated, err := ValidateEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		id:          id,
		apiKey:      apiKey,
		endpoint:    validated,
		deployments: deployments,
		models:      models,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming | omentypes.CapTools | omentypes.CapVision)
}

func (a *Adapter) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return a.models, nil
}

func (a *Adapter) deploymentURL(modelID, op string) (string, error) {
	dep, ok := a.deployments[modelID]
	if !ok {
		return "", fmt.Errorf("no azure deployment configured for model %q", modelID)
	}
	return fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s", a.endpoint, dep, op, apiVersion), nil
}

func (a *Adapter) authHeaders() map[string]string {
	return map[string]string{"api-key": a.apiKey}
}

func (a *Adapter) HealthProbe(ctx context.Context) (providers.HealthResult, error) {
	start := time.Now()
	probeURL := fmt.Sprintf("%s/openai/models?api-version=%s", a.endpoint, apiVersion)
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, probeURL, nil, a.authHeaders())
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

// buildPayload mirrors providers/openai's chat payload shape — Azure
// OpenAI's wire format is the same as OpenAI's, only the transport
// (URL + header) differs.
func (a *Adapter) buildPayload(req *omentypes.ChatRequest, stream bool) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": string(m.Role)}
		if m.Content.IsMultipart() {
			parts := make([]map[string]any, 0, len(m.Content.Parts))
			for _, p := range m.Content.Parts {
				if p.Type == "image_url" && p.ImageURL != nil {
					parts = append(parts, map[string]any{"type": "image_url", "image_url": p.ImageURL})
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
	payload := map[string]any{"messages": messages, "stream": stream}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if req.Params.MaxTokens > 0 {
		payload["max_tokens"] = req.Params.MaxTokens
	}
	if req.Params.Temperature != nil {
		payload["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		payload["top_p"] = *req.Params.TopP
	}
	if len(req.Params.Stop) > 0 {
		payload["stop"] = req.Params.Stop
	}
	return payload
}

func (a *Adapter) Send(ctx context.Context, modelID string, req *omentypes.ChatRequest) (*providers.ChatResult, error) {
	depURL, err := a.deploymentURL(modelID, "chat/completions")
	if err != nil {
		return nil, err
	}
	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, depURL, a.buildPayload(req, false), a.authHeaders())
	if err != nil {
		return nil, err
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content   string                `json:"content"`
				ToolCalls []omentypes.ToolCall `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding azure openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("azure openai response had no choices")
	}
	return &providers.ChatResult{
		Content:   resp.Choices[0].Message.Content,
		ToolCalls: resp.Choices[0].Message.ToolCalls,
		Usage: omentypes.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Raw: body,
	}, nil
}

func (a *Adapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	depURL, err := a.deploymentURL(modelID, "chat/completions")
	if err != nil {
		return nil, err
	}
	rc, err := providers.DoStreamRequest(ctx, a.client, depURL, a.buildPayload(req, true), a.authHeaders())
	if err != nil {
		return nil, err
	}

	out := make(chan omentypes.StreamEvent, 16)
	go func() {
		defer close(out)
		defer rc.Close()

		asm := transcode.NewToolCallAssembler()
		roleSent := false
		var usage omentypes.Usage
		finish := omentypes.FinishStop

		_ = transcode.ScanSSE(rc, func(f transcode.SSEFrame) bool {
			if f.Data == "[DONE]" {
				return false
			}
			var chunk struct {
				Choices []struct {
					Delta struct {
						Role      string `json:"role"`
						Content   string `json:"content"`
						ToolCalls []struct {
							ID       string `json:"id"`
							Function struct {
								Name      string `json:"name"`
								Arguments string `json:"arguments"`
							} `json:"function"`
						} `json:"tool_calls"`
					} `json:"delta"`
					FinishReason *string `json:"finish_reason"`
				} `json:"choices"`
				Usage *struct {
					PromptTokens     int `json:"prompt_tokens"`
					CompletionTokens int `json:"completion_tokens"`
					TotalTokens      int `json:"total_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(f.Data), &chunk); err != nil {
				return true
			}
			if chunk.Usage != nil {
				usage = omentypes.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
					TotalTokens:  chunk.Usage.TotalTokens,
				}
			}
			if len(chunk.Choices) == 0 {
				return true
			}
			ch := chunk.Choices[0]
			for _, tc := range ch.Delta.ToolCalls {
				ev := asm.Fragment(tc.ID, tc.Function.Name, tc.Function.Arguments)
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			if ch.Delta.Content != "" {
				ev := omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: ch.Delta.Content}
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
			if ch.FinishReason != nil {
				finish = mapFinishReason(*ch.FinishReason)
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
	case "length":
		return omentypes.FinishLength
	case "tool_calls", "function_call":
		return omentypes.FinishToolCalls
	case "content_filter":
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
		case strings.Contains(se.Body, "context_length_exceeded"):
			return providers.ClassifiedError{Class: providers.ErrContextOverflow, Cause: err}
		case se.StatusCode == 400:
			return providers.ClassifiedError{Class: providers.ErrBadRequest, Cause: err}
		}
	}
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}
