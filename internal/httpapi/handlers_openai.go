package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/omen-gateway/omen/internal/apikey"
	"github.com/omen-gateway/omen/internal/gateway"
	"github.com/omen-gateway/omen/internal/omenerr"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/principal"
)

// chatMessageWire is the wire shape of one OpenAI chat message. Content can
// be a plain string or a content-part array; both round-trip through
// omentypes.MessageContent's own custom marshalling once re-marshalled.
type chatMessageWire struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []omentypes.ToolCall `json:"tool_calls,omitempty"`
}

// chatCompletionsWire is the flat OpenAI request shape for
// /v1/chat/completions. omentypes.ChatRequest carries
// generation parameters nested under Params, which has no JSON tag, so this
// struct exists to decode the flat wire fields and re-nest them.
type chatCompletionsWire struct {
	Model       string               `json:"model"`
	Messages    []chatMessageWire    `json:"messages"`
	Tools       []omentypes.ToolSchema `json:"tools,omitempty"`
	ToolChoice  json.RawMessage      `json:"tool_choice,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
	Tags        []string             `json:"tags,omitempty"`

	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`

	Hint omentypes.RoutingHint `json:"omen,omitempty"`

	SessionID string `json:"session_id,omitempty"`
}

func (w *chatCompletionsWire) toChatRequest(requestID string) (*omentypes.ChatRequest, error) {
	if w.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(w.Messages) == 0 {
		return nil, fmt.Errorf("messages is required")
	}

	messages := make([]omentypes.Message, 0, len(w.Messages))
	for i, m := range w.Messages {
		var content omentypes.MessageContent
		if len(m.Content) > 0 {
			if err := json.Unmarshal(m.Content, &content); err != nil {
				return nil, fmt.Errorf("messages[%d].content: %w", i, err)
			}
		}
		messages = append(messages, omentypes.Message{
			Role:       omentypes.Role(m.Role),
			Content:    content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}

	return &omentypes.ChatRequest{
		Model:      w.Model,
		Messages:   messages,
		Tools:      w.Tools,
		ToolChoice: w.ToolChoice,
		Stream:     w.Stream,
		Params: omentypes.GenerationParams{
			Temperature:      w.Temperature,
			TopP:             w.TopP,
			MaxTokens:        w.MaxTokens,
			Stop:             w.Stop,
			FrequencyPenalty: w.FrequencyPenalty,
			PresencePenalty:  w.PresencePenalty,
		},
		Hint:      w.Hint,
		Tags:      w.Tags,
		SessionID: w.SessionID,
		RequestID: requestID,
	}, nil
}

// chatCompletionChoice is one entry of an OpenAI chat.completion response.
type chatCompletionChoice struct {
	Index        int             `json:"index"`
	Message      chatMessageOut  `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type chatMessageOut struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []omentypes.ToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	ID      string                  `json:"id"`
	Object  string                  `json:"object"`
	Created int64                   `json:"created"`
	Model   string                  `json:"model"`
	Choices []chatCompletionChoice  `json:"choices"`
	Usage   chatCompletionUsage     `json:"usage"`

	OmenProvider string `json:"omen_provider,omitempty"`
	OmenCached   bool   `json:"omen_cached,omitempty"`
}

func resolvePrincipal(d Dependencies, r *http.Request) omentypes.Principal {
	if rec := apikey.FromContext(r.Context()); rec != nil {
		return principal.FromRecord(rec)
	}
	return principal.AnonymousPrincipal()
}

func writeGatewayError(w http.ResponseWriter, err error) {
	oe, _ := omenerr.AsError(err)
	status := http.StatusInternalServerError
	if oe != nil {
		status = oe.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	if oe != nil && oe.RetryAfterSecs > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", oe.RetryAfterSecs))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(omenerr.ToEnvelope(err))
}

func estimateRequestTokens(req *omentypes.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content.Text)
	}
	return chars / 4
}

// ChatCompletionsHandler implements the OpenAI-compatible
// POST /v1/chat/completions endpoint, translating
// the flat wire request into an omentypes.ChatRequest, driving it through
// the Gateway's candidate selection, admission, cache, and multiplexed
// dispatch pipeline, and rendering the result back in OpenAI's response
// shape (or as an SSE chat.completion.chunk stream).
func ChatCompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = uuid.NewString()
		}

		var wire chatCompletionsWire
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			writeGatewayError(w, omenerr.New(omenerr.BadRequest, "invalid JSON: %v", err))
			return
		}

		req, err := wire.toChatRequest(reqID)
		if err != nil {
			writeGatewayError(w, omenerr.New(omenerr.BadRequest, "%v", err))
			return
		}

		p := resolvePrincipal(d, r)
		estimatedTokens := estimateRequestTokens(req)
		apiKeyID := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		if req.Stream {
			serveChatStream(d, w, r, req, p, reqID, apiKeyID, estimatedTokens, start)
			return
		}

		outcome, err := dispatchChat(d, r, req, p, reqID, apiKeyID, estimatedTokens, start)
		if err != nil {
			writeGatewayError(w, err)
			return
		}

		resp := chatCompletionResponse{
			ID:      "chatcmpl-" + reqID,
			Object:  "chat.completion",
			Created: start.Unix(),
			Model:   outcome.ModelID,
			Choices: []chatCompletionChoice{{
				Index: 0,
				Message: chatMessageOut{
					Role:      "assistant",
					Content:   outcome.Result.Content,
					ToolCalls: outcome.Result.ToolCalls,
				},
				FinishReason: finishReasonFor(outcome.Result.ToolCalls),
			}},
			Usage: chatCompletionUsage{
				PromptTokens:     outcome.Result.Usage.InputTokens,
				CompletionTokens: outcome.Result.Usage.OutputTokens,
				TotalTokens:      outcome.Result.Usage.TotalTokens,
			},
			OmenProvider: outcome.ProviderID,
			OmenCached:   outcome.Cached,
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func finishReasonFor(toolCalls []omentypes.ToolCall) string {
	if len(toolCalls) > 0 {
		return string(omentypes.FinishToolCalls)
	}
	return string(omentypes.FinishStop)
}

func kindOf(err error) omenerr.Kind {
	if oe, ok := omenerr.AsError(err); ok {
		return oe.Kind
	}
	return omenerr.Internal
}

// dispatchChat drives a non-streaming request through the Gateway and
// records observability for both the success and failure paths, so callers
// (chat completions, legacy completions) share one accounting path.
func dispatchChat(d Dependencies, r *http.Request, req *omentypes.ChatRequest, p omentypes.Principal, reqID, apiKeyID string, estimatedTokens int, start time.Time) (*gateway.ChatOutcome, error) {
	outcome, err := d.Gateway.Chat(r.Context(), req, p)
	latencyMs := time.Since(start).Milliseconds()
	if err != nil {
		recordObservability(d, observeParams{
			Ctx:             r.Context(),
			ModelID:         req.Model,
			Mode:            "single",
			LatencyMs:       latencyMs,
			Success:         false,
			ErrorClass:      string(kindOf(err)),
			ErrorMsg:        err.Error(),
			RequestID:       reqID,
			APIKeyID:        apiKeyID,
			EstimatedTokens: estimatedTokens,
			LatencyBudgetMs: req.Hint.MaxLatencyMs,
		})
		return nil, err
	}

	recordObservability(d, observeParams{
		Ctx:             r.Context(),
		ModelID:         outcome.ModelID,
		ProviderID:      outcome.ProviderID,
		Mode:            string(req.Hint.Normalized().Strategy),
		CostUSD:         outcome.Result.Usage.CostUSD,
		LatencyMs:       latencyMs,
		Success:         true,
		RequestID:       reqID,
		APIKeyID:        apiKeyID,
		EstimatedTokens: estimatedTokens,
		LatencyBudgetMs: req.Hint.MaxLatencyMs,
	})
	return outcome, nil
}

// serveChatStream drives req through the Gateway's streaming path and
// relays the resulting omentypes.StreamEvent channel as
// chat.completion.chunk SSE frames, terminated by "data: [DONE]".
func serveChatStream(d Dependencies, w http.ResponseWriter, r *http.Request, req *omentypes.ChatRequest, p omentypes.Principal, reqID, apiKeyID string, estimatedTokens int, start time.Time) {
	ch, err := d.Gateway.ChatStream(r.Context(), req, p)
	if err != nil {
		recordObservability(d, observeParams{
			Ctx:             r.Context(),
			ModelID:         req.Model,
			Mode:            string(req.Hint.Normalized().Strategy),
			LatencyMs:       time.Since(start).Milliseconds(),
			Success:         false,
			ErrorClass:      string(kindOf(err)),
			ErrorMsg:        err.Error(),
			RequestID:       reqID,
			APIKeyID:        apiKeyID,
			EstimatedTokens: estimatedTokens,
		})
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	chunkID := "chatcmpl-" + reqID
	created := start.Unix()
	modelID := req.Model
	providerID := ""
	success := true
	var errClass, errMsg string
	var totalUsage omentypes.Usage

	writeChunk := func(delta map[string]any, finishReason string) {
		chunk := map[string]any{
			"id":      chunkID,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   modelID,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			}},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(bw, "data: %s\n\n", b)
		if flusher != nil {
			bw.Flush()
			flusher.Flush()
		}
	}

	writeChunk(map[string]any{"role": "assistant"}, "")

	for ev := range ch {
		if ev.ProviderID != "" {
			providerID = ev.ProviderID
		}
		if ev.ModelID != "" {
			modelID = ev.ModelID
		}
		switch ev.Kind {
		case omentypes.EventDelta:
			if ev.Text != "" {
				writeChunk(map[string]any{"content": ev.Text}, "")
			}
		case omentypes.EventToolCall:
			if ev.ToolCall != nil {
				writeChunk(map[string]any{"tool_calls": []omentypes.ToolCall{*ev.ToolCall}}, "")
			}
		case omentypes.EventUsageUpdate:
			if ev.Usage != nil {
				totalUsage = totalUsage.Add(*ev.Usage)
			}
		case omentypes.EventUpgrade:
			slog.Info("stream upgraded",
				slog.String("request_id", reqID),
				slog.String("from", ev.UpgradeFromProvider),
				slog.String("to", ev.UpgradeToProvider))
		case omentypes.EventEnd:
			writeChunk(map[string]any{}, string(ev.FinishReason))
		case omentypes.EventError:
			success = false
			errClass = ev.ErrKind
			errMsg = ev.ErrMessage
			writeChunk(map[string]any{}, string(omentypes.FinishError))
		}
	}

	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	if flusher != nil {
		flusher.Flush()
	}

	recordObservability(d, observeParams{
		Ctx:             r.Context(),
		ModelID:         modelID,
		ProviderID:      providerID,
		Mode:            string(req.Hint.Normalized().Strategy),
		CostUSD:         totalUsage.CostUSD,
		LatencyMs:       time.Since(start).Milliseconds(),
		Success:         success,
		ErrorClass:      errClass,
		ErrorMsg:        errMsg,
		RequestID:       reqID,
		APIKeyID:        apiKeyID,
		EstimatedTokens: estimatedTokens,
		LatencyBudgetMs: req.Hint.MaxLatencyMs,
	})
}

// ModelsListPublicHandler implements the OpenAI-compatible GET /v1/models
// endpoint over the Gateway's merged catalog, filtered to models the
// authenticated principal is allowed to see.
func ModelsListPublicHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := resolvePrincipal(d, r)
		type modelObj struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			OwnedBy string `json:"owned_by"`
		}
		var data []modelObj
		for _, m := range d.Gateway.Catalog() {
			if !p.AllowsProvider(m.ProviderID) || !p.AllowsModel(m.ModelID) {
				continue
			}
			data = append(data, modelObj{ID: m.QualifiedID(), Object: "model", OwnedBy: m.ProviderID})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	}
}

// ProviderScoresHandler implements GET /omen/providers/scores.
func ProviderScoresHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scores := d.Gateway.ProviderScores()
		type scoreOut struct {
			ProviderID       string  `json:"provider_id"`
			HealthScore      float64 `json:"health_score"`
			LatencyMs        float64 `json:"latency_ms"`
			CostScore        float64 `json:"cost_score"`
			ReliabilityScore float64 `json:"reliability_score"`
			OverallScore     float64 `json:"overall_score"`
			Recommended      bool    `json:"recommended"`
		}
		out := make([]scoreOut, 0, len(scores))
		for _, s := range scores {
			out = append(out, scoreOut{
				ProviderID:       s.ProviderID,
				HealthScore:      s.HealthScore,
				LatencyMs:        s.LatencyMs,
				CostScore:        s.CostScore,
				ReliabilityScore: s.ReliabilityScore,
				OverallScore:     s.OverallScore,
				Recommended:      s.Recommended,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// completionsWire is the wire shape of the legacy POST /v1/completions
// request. Prompt is either a single string or an array of strings; each
// prompt becomes an independent single-turn chat request, matching the
// original implementation's prompt->message adaptation.
type completionsWire struct {
	Model            string          `json:"model"`
	Prompt           json.RawMessage `json:"prompt"`
	Stream           bool            `json:"stream,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Hint             omentypes.RoutingHint `json:"omen,omitempty"`
}

func (w *completionsWire) prompts() ([]string, error) {
	var single string
	if err := json.Unmarshal(w.Prompt, &single); err == nil {
		return []string{single}, nil
	}
	var multiple []string
	if err := json.Unmarshal(w.Prompt, &multiple); err == nil {
		if len(multiple) == 0 {
			return nil, fmt.Errorf("prompt must not be empty")
		}
		return multiple, nil
	}
	return nil, fmt.Errorf("prompt must be a string or array of strings")
}

func (w *completionsWire) toChatRequest(prompt, requestID string) *omentypes.ChatRequest {
	return &omentypes.ChatRequest{
		Model: w.Model,
		Messages: []omentypes.Message{{
			Role:    omentypes.RoleUser,
			Content: omentypes.MessageContent{Text: prompt},
		}},
		Stream: w.Stream,
		Params: omentypes.GenerationParams{
			Temperature:      w.Temperature,
			TopP:             w.TopP,
			MaxTokens:        w.MaxTokens,
			Stop:             w.Stop,
			FrequencyPenalty: w.FrequencyPenalty,
			PresencePenalty:  w.PresencePenalty,
		},
		Hint:      w.Hint,
		RequestID: requestID,
	}
}

type completionChoice struct {
	Text         string `json:"text"`
	Index        int    `json:"index"`
	FinishReason string `json:"finish_reason"`
}

type completionResponse struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []completionChoice  `json:"choices"`
	Usage   chatCompletionUsage `json:"usage"`
}

// CompletionsHandler implements the legacy OpenAI-compatible
// POST /v1/completions endpoint by adapting each prompt into a single-turn
// chat request and driving it through the same Gateway pipeline
// ChatCompletionsHandler uses, per SPEC_FULL.md's C9 completions endpoint.
func CompletionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := middleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = uuid.NewString()
		}

		var wire completionsWire
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			writeGatewayError(w, omenerr.New(omenerr.BadRequest, "invalid JSON: %v", err))
			return
		}
		if wire.Model == "" {
			writeGatewayError(w, omenerr.New(omenerr.BadRequest, "model is required"))
			return
		}
		prompts, err := wire.prompts()
		if err != nil {
			writeGatewayError(w, omenerr.New(omenerr.BadRequest, "%v", err))
			return
		}

		p := resolvePrincipal(d, r)
		apiKeyID := ""
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		if wire.Stream {
			if len(prompts) != 1 {
				writeGatewayError(w, omenerr.New(omenerr.BadRequest, "streaming completions supports only a single prompt"))
				return
			}
			req := wire.toChatRequest(prompts[0], reqID)
			estimatedTokens := estimateRequestTokens(req)
			serveCompletionStream(d, w, r, req, p, reqID, apiKeyID, estimatedTokens, start)
			return
		}

		resp := completionResponse{
			ID:      "cmpl-" + reqID,
			Object:  "text_completion",
			Created: start.Unix(),
			Model:   wire.Model,
		}
		for i, prompt := range prompts {
			req := wire.toChatRequest(prompt, reqID)
			estimatedTokens := estimateRequestTokens(req)
			outcome, err := dispatchChat(d, r, req, p, reqID, apiKeyID, estimatedTokens, start)
			if err != nil {
				writeGatewayError(w, err)
				return
			}
			resp.Model = outcome.ModelID
			resp.Choices = append(resp.Choices, completionChoice{
				Text:         outcome.Result.Content,
				Index:        i,
				FinishReason: finishReasonFor(outcome.Result.ToolCalls),
			})
			resp.Usage.PromptTokens += outcome.Result.Usage.InputTokens
			resp.Usage.CompletionTokens += outcome.Result.Usage.OutputTokens
			resp.Usage.TotalTokens += outcome.Result.Usage.TotalTokens
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// serveCompletionStream mirrors serveChatStream but renders each delta as a
// legacy text_completion chunk ("text" field instead of "delta.content").
func serveCompletionStream(d Dependencies, w http.ResponseWriter, r *http.Request, req *omentypes.ChatRequest, p omentypes.Principal, reqID, apiKeyID string, estimatedTokens int, start time.Time) {
	ch, err := d.Gateway.ChatStream(r.Context(), req, p)
	if err != nil {
		recordObservability(d, observeParams{
			Ctx:             r.Context(),
			ModelID:         req.Model,
			Mode:            string(req.Hint.Normalized().Strategy),
			LatencyMs:       time.Since(start).Milliseconds(),
			Success:         false,
			ErrorClass:      string(kindOf(err)),
			ErrorMsg:        err.Error(),
			RequestID:       reqID,
			APIKeyID:        apiKeyID,
			EstimatedTokens: estimatedTokens,
		})
		writeGatewayError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	chunkID := "cmpl-" + reqID
	created := start.Unix()
	modelID := req.Model
	providerID := ""
	success := true
	var errClass, errMsg string
	var totalUsage omentypes.Usage

	writeChunk := func(text, finishReason string) {
		chunk := map[string]any{
			"id":      chunkID,
			"object":  "text_completion",
			"created": created,
			"model":   modelID,
			"choices": []map[string]any{{
				"text":          text,
				"index":         0,
				"finish_reason": finishReason,
			}},
		}
		b, _ := json.Marshal(chunk)
		fmt.Fprintf(bw, "data: %s\n\n", b)
		if flusher != nil {
			bw.Flush()
			flusher.Flush()
		}
	}

	for ev := range ch {
		if ev.ProviderID != "" {
			providerID = ev.ProviderID
		}
		if ev.ModelID != "" {
			modelID = ev.ModelID
		}
		switch ev.Kind {
		case omentypes.EventDelta:
			if ev.Text != "" {
				writeChunk(ev.Text, "")
			}
		case omentypes.EventUsageUpdate:
			if ev.Usage != nil {
				totalUsage = totalUsage.Add(*ev.Usage)
			}
		case omentypes.EventEnd:
			writeChunk("", string(ev.FinishReason))
		case omentypes.EventError:
			success = false
			errClass = ev.ErrKind
			errMsg = ev.ErrMessage
			writeChunk("", string(omentypes.FinishError))
		}
	}

	fmt.Fprint(bw, "data: [DONE]\n\n")
	bw.Flush()
	if flusher != nil {
		flusher.Flush()
	}

	recordObservability(d, observeParams{
		Ctx:             r.Context(),
		ModelID:         modelID,
		ProviderID:      providerID,
		Mode:            string(req.Hint.Normalized().Strategy),
		CostUSD:         totalUsage.CostUSD,
		LatencyMs:       time.Since(start).Milliseconds(),
		Success:         success,
		ErrorClass:      errClass,
		ErrorMsg:        errMsg,
		RequestID:       reqID,
		APIKeyID:        apiKeyID,
		EstimatedTokens: estimatedTokens,
		LatencyBudgetMs: req.Hint.MaxLatencyMs,
	})
}
