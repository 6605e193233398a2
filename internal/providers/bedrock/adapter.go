// Package bedrock implements the OMEN provider contract for AWS
// Bedrock, signing each call with SigV4 and targeting Bedrock's
// Anthropic-compatible message shape (the most common Bedrock chat
// model family). Real Bedrock streaming uses AWS's binary
// "event-stream" framing; this adapter treats the stream as
// newline-delimited JSON chunks instead and carries no event-stream
// decoder.
package bedrock

import (
	"bytes"
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

// Adapter talks to bedrock-runtime's InvokeModel/InvokeModelWithResponseStream.
type Adapter struct {
	id        string
	region    string
	accessKey string
	secretKey string
	baseURL   string // e.g. https://bedrock-runtime.us-east-1.amazonaws.com
	models    []omentypes.ModelDescriptor
	client    *http.Client
	signer    *signer
}

// New constructs a Bedrock adapter for the given AWS region.
func New(id, region, accessKeyID, secretAccessKey string, models []omentypes.ModelDescriptor) *Adapter {
	return &Adapter{
		id:        id,
		region:    region,
		accessKey: accessKeyID,
		secretKey: secretAccessKey,
		baseURL:   fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com", region),
		models:    models,
		client:    &http.Client{Timeout: 60 * time.Second},
		signer:    newSigner(accessKeyID, secretAccessKey, region),
	}
}

func (a *Adapter) ID() string { return a.id }

func (a *Adapter) Capabilities() omentypes.CapabilitySet {
	return omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming)
}

func (a *Adapter) ListModels(ctx context.Context) ([]omentypes.ModelDescriptor, error) {
	return a.models, nil
}

func (a *Adapter) doSigned(ctx context.Context, method, path string, body []byte) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reqID := providers.GetRequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}
	a.signer.sign(req, body)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("bedrock request failed: %w", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, nil, fmt.Errorf("reading bedrock response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, &providers.StatusError{StatusCode: resp.StatusCode, Body: buf.String()}
	}
	return buf.Bytes(), resp.Header, nil
}

func (a *Adapter) HealthProbe(ctx context.Context) (providers.HealthResult, error) {
	start := time.Now()
	_, _, err := a.doSigned(ctx, http.MethodGet, "/", nil)
	latency := time.Since(start).Milliseconds()
	var se *providers.StatusError
	if errors.As(err, &se) && (se.StatusCode == 403 || se.StatusCode == 404) {
		// A signed-but-wrong-route response still proves the endpoint
		// and credentials are being evaluated by Bedrock.
		return providers.HealthResult{Healthy: true, LastLatencyMs: latency, Details: "endpoint reachable"}, nil
	}
	if err != nil {
		return providers.HealthResult{Healthy: false, LastLatencyMs: latency, Details: err.Error()}, err
	}
	return providers.HealthResult{Healthy: true, LastLatencyMs: latency}, nil
}

func (a *Adapter) buildInvokeBody(req *omentypes.ChatRequest) []byte {
	var system string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == omentypes.RoleSystem {
			system += m.Content.FlattenText()
			continue
		}
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content.FlattenText()})
	}
	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"messages":          messages,
		"max_tokens":        maxTokens,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.Params.Temperature != nil {
		payload["temperature"] = *req.Params.Temperature
	}
	b, _ := json.Marshal(payload)
	return b
}

func (a *Adapter) Send(ctx context.Context, modelID string, req *omentypes.ChatRequest) (*providers.ChatResult, error) {
	path := fmt.Sprintf("/model/%s/invoke", modelID)
	body, _, err := a.doSigned(ctx, http.MethodPost, path, a.buildInvokeBody(req))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding bedrock response: %w", err)
	}
	var text string
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	return &providers.ChatResult{
		Content: text,
		Usage: omentypes.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Raw: body,
	}, nil
}

func (a *Adapter) SendStream(ctx context.Context, modelID string, req *omentypes.ChatRequest) (<-chan omentypes.StreamEvent, error) {
	path := fmt.Sprintf("/model/%s/invoke-with-response-stream", modelID)
	body := a.buildInvokeBody(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.signer.sign(httpReq, body)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock stream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf := new(bytes.Buffer)
		buf.ReadFrom(resp.Body)
		resp.Body.Close()
		return nil, &providers.StatusError{StatusCode: resp.StatusCode, Body: buf.String()}
	}

	out := make(chan omentypes.StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		acc := &transcode.UTF8Accumulator{}
		var usage omentypes.Usage
		finish := omentypes.FinishStop
		roleSent := false

		_ = transcode.ScanJSONL(resp.Body, func(line []byte) bool {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 {
				return true
			}
			var chunk struct {
				Type  string `json:"type"`
				Delta struct {
					Text string `json:"text"`
				} `json:"delta"`
				Usage struct {
					InputTokens  int `json:"input_tokens"`
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal(trimmed, &chunk); err != nil {
				return true
			}
			switch chunk.Type {
			case "content_block_delta":
				if text := acc.Feed([]byte(chunk.Delta.Text)); text != "" {
					ev := omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: text}
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
			case "message_delta":
				usage.OutputTokens = chunk.Usage.OutputTokens
			case "message_stop":
				return false
			}
			return true
		})

		if rest := acc.Flush(); rest != "" {
			select {
			case out <- omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: rest}:
			case <-ctx.Done():
				return
			}
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
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
		case se.StatusCode == 429:
			return providers.ClassifiedError{Class: providers.ErrTransient, Cause: err}
		case se.StatusCode == 403:
			return providers.ClassifiedError{Class: providers.ErrAuthn, Cause: err}
		case se.StatusCode >= 500:
			return providers.ClassifiedError{Class: providers.ErrTransient, Cause: err}
		case strings.Contains(se.Body, "too many tokens") || strings.Contains(se.Body, "maximum context"):
			return providers.ClassifiedError{Class: providers.ErrContextOverflow, Cause: err}
		case se.StatusCode == 400:
			return providers.ClassifiedError{Class: providers.ErrBadRequest, Cause: err}
		}
	}
	return providers.ClassifiedError{Class: providers.ErrProviderFatal, Cause: err}
}
