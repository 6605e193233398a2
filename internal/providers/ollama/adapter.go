// Package ollama implements the OMEN provider contract for local Ollama
// instances. Grounded on the now-retired internal/providers/vllm
// adapter's round-robin multi-endpoint pool (nextEndpoint via
// atomic.Uint64) generalized onto Ollama's native /api/chat JSONL wire
// format instead of vLLM's OpenAI-compatible SSE one, following
// internal/transcode's ScanJSONL helper built for exactly this vendor.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/transcode"
)

// Adapter talks to one or more Ollama instances' native /api/chat and
// /api/tags endpoints. Local deployments commonly run several Ollama
// processes behind a pool for throughput; Send/SendStream round-robin
// across endpoints the same way the teacher's vLLM adapter did.
type Adapter struct {
	id        string
	endpoints []string
	counter   atomic.Uint64
	client    *http.Client
}

// New constructs an Ollama adapter. At least one endpoint is required;
// additional ones widen the round-robin pool.
func New(id string, endpoints ...string) *Adapter {
	return &Adapter{
		id:        id,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming | omentypes.CapTools)
}

func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

func (a *Adapter) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	// /api/tags is queried against every endpoint in the pool and
	// deduped by model name, since a local deployment often runs a
	// different model set per instance (e.g. a small-model box and a
	// large-model box behind the same provider id).
	seen := map[string]bool{}
	var out []omentypes.ModelDescriptor
	for _, ep := range a.endpoints {
		body, err := providers.DoRequest(ctx, a.client, http.MethodGet, ep+"/api/tags", nil, nil)
		if err != nil {
			continue
		}
		var resp struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			continue
		}
		for _, m := range resp.Models {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			out = append(out, omentypes.ModelDescriptor{
				ProviderID:   a.id,
				ModelID:      m.Name,
				Capabilities: a.Capabilities(),
				CostInPer1K:  0,
				CostOutPer1K: 0,
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ollama: no endpoint returned a model list")
	}
	return out, nil
}

func (a *Adapter) HealthProbe(ctx context.Context) (providers.HealthResult, error) {
	start := time.Now()
	_, err := providers.DoRequest(ctx, a.client, http.MethodGet, a.nextEndpoint()+"/api/tags", nil, nil)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return providers.HealthResult{Healthy: false, LastLatencyMs: latency, Details: err.Error()}, err
	}
	return providers.HealthResult{Healthy: true, LastLatencyMs: latency}, nil
}

func (a *Adapter) buildPayload(modelID string, req *omentypes.ChatRequest, stream bool) map[string]any {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]any{"role": string(m.Role), "content": m.Content.FlattenText()}
		messages = append(messages, entry)
	}
	payload := map[string]any{"model": modelID, "messages": messages, "stream": stream}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	opts := map[string]any{}
	if req.Params.Temperature != nil {
		opts["temperature"] = *req.Params.Temperature
	}
	if req.Params.TopP != nil {
		opts["top_p"] = *req.Params.TopP
	}
	if req.Params.MaxTokens > 0 {
		opts["num_predict"] = req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		opts["stop"] = req.Params.Stop
	}
	if len(opts) > 0 {
		payload["options"] = opts
	}
	return payload
}

type ollamaMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	ToolCalls []struct {
		Function struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type ollamaChunk struct {
	Message        ollamaMessage `json:"message"`
	Done           bool          `json:"done"`
	PromptEvalCount int          `json:"prompt_eval_count"`
	EvalCount       int          `json:"eval_count"`
}

func (a *Adapter) Send(ctx context.Context, modelID string, req *omentypes.ChatRequest) (*providers.ChatResult, error) {
	payload := a.buildPayload(modelID, req, false)
	body, err := providers.DoRequest(ctx, a.client, http.MethodPost, a.nextEndpoint()+"/api/chat", payload, nil)
	if err != nil {
		return nil, err
	}
	var chunk ollamaChunk
	if err := json.Unmarshal(body, &chunk); err != nil {
		return nil, fmt.Errorf("decoding ollama response: %w", err)
	}
	toolCalls := make([]omentypes.ToolCall, 0, len(chunk.Message.ToolCalls))
	for i, tc := range chunk.Message.ToolCalls {
		call := omentypes.ToolCall{ID: fmt.Sprintf("call_%d", i), Type: "function"}
		call.Function.Name = tc.Function.Name
		call.Function.Arguments = string(tc.Function.Arguments)
		toolCalls = append(toolCalls, call)
	}
	return &providers.ChatResult{
		Content:   chunk.Message.Content,
		ToolCalls: toolCalls,
		Usage: omentypes.Usage{
			InputTokens:  chunk.PromptEvalCount,
			OutputTokens: chunk.EvalCount,
			TotalTokens:  chunk.PromptEvalCount + chunk.EvalCount,
		},
		Raw: body,
	}, nil
}

func (a *Adapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	payload := a.buildPayload(modelID, req, true)
	rc, err := providers.DoStreamRequest(ctx, a.client, a.nextEndpoint()+"/api/chat", payload, nil)
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

		_ = transcode.ScanJSONL(rc, func(line []byte) bool {
			var chunk ollamaChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				return true
			}
			for i, tc := range chunk.Message.ToolCalls {
				ev := asm.Fragment(fmt.Sprintf("call_%d", i), tc.Function.Name, string(tc.Function.Arguments))
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			if chunk.Message.Content != "" {
				ev := omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: chunk.Message.Content}
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
			if chunk.Done {
				usage = omentypes.Usage{
					InputTokens:  chunk.PromptEvalCount,
					OutputTokens: chunk.EvalCount,
					TotalTokens:  chunk.PromptEvalCount + chunk.EvalCount,
				}
				return false
			}
			return true
		})

		finish := omentypes.FinishStop
		if len(asm.Completed()) > 0 {
			finish = omentypes.FinishToolCalls
		}
		select {
		case out <- omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &usage}:
		case <-ctx.Done():
			return
		}
		out <- omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: finish}
	}()
	return out, nil
}

func (a *Adapter) ClassifyError(err error) providers.ClassifiedError {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == 404:
			return providers.ClassifiedError{Class: providers.ErrBadRequest, Cause: err}
		case se.StatusCode >= 500:
			return providers.ClassifiedError{Class: providers.ErrTransient, Cause: err}
		case strings.Contains(se.Body, "context length"):
			return providers.ClassifiedError{Class: providers.ErrContextOverflow, Cause: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.ClassifiedError{Class: providers.ErrTransient, Cause: err}
	}
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}
