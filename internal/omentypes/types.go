// Package omentypes holds the wire and domain types shared across every
// OMEN subsystem: requests, messages, stream events, provider/model
// catalog entries, principals, usage counters, and audit records.
package omentypes

import (
	"encoding/json"
	"time"
)

// Capability is a single thing an adapter or model may support.
type Capability int

const (
	CapChat Capability = 1 << iota
	CapStreaming
	CapTools
	CapVision
	CapEmbeddings
)

// CapabilitySet is a bitmask of Capability values.
type CapabilitySet int

// Has reports whether the set includes every capability in want.
func (s CapabilitySet) Has(want Capability) bool {
	return s&CapabilitySet(want) == CapabilitySet(want)
}

// Strategy selects how the multiplexer fans a request out across candidates.
type Strategy string

const (
	StrategySingle        Strategy = "single"
	StrategyRace           Strategy = "race"
	StrategySpeculateK     Strategy = "speculate_k"
	StrategyParallelMerge  Strategy = "parallel_merge"
)

// Stickiness controls whether a session binds to its previous winner.
type Stickiness string

const (
	StickinessNone    Stickiness = "none"
	StickinessTurn    Stickiness = "turn"
	StickinessSession Stickiness = "session"
)

// Intent biases scoring toward providers suited to a class of work.
type Intent string

const (
	IntentCode     Intent = "code"
	IntentTests    Intent = "tests"
	IntentRegex    Intent = "regex"
	IntentReason   Intent = "reason"
	IntentVision   Intent = "vision"
	IntentMath     Intent = "math"
	IntentAgent    Intent = "agent"
	IntentGeneral  Intent = "general"
)

// RoutingHint is the `omen` extension object clients may attach to a
// chat completion request.
type RoutingHint struct {
	Strategy        Strategy           `json:"strategy,omitempty"`
	K               int                `json:"k,omitempty"`
	Intent          Intent             `json:"intent,omitempty"`
	Providers       []string           `json:"providers,omitempty"`
	BudgetUSD       *float64           `json:"budget_usd,omitempty"`
	MaxLatencyMs    int                `json:"max_latency_ms,omitempty"`
	Stickiness      Stickiness         `json:"stickiness,omitempty"`
	PriorityWeights map[string]float64 `json:"priority_weights,omitempty"`
	MinUsefulTokens int                `json:"min_useful_tokens,omitempty"`
}

// normalizedOrDefault fills in the documented defaults for unset fields.
func (h *RoutingHint) normalizedOrDefault() RoutingHint {
	out := *h
	if out.Strategy == "" {
		out.Strategy = StrategySingle
	}
	if out.K < 2 && (out.Strategy == StrategySpeculateK || out.Strategy == StrategyParallelMerge) {
		out.K = 2
	}
	if out.MinUsefulTokens <= 0 {
		out.MinUsefulTokens = 1
	}
	if out.Stickiness == "" {
		out.Stickiness = StickinessNone
	}
	return out
}

// Normalized returns a copy of the hint with documented defaults applied.
func (h RoutingHint) Normalized() RoutingHint { return h.normalizedOrDefault() }

// ContentPart is one element of a multimodal message's content list.
type ContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ImageURLPart `json:"image_url,omitempty"`
}

// ImageURLPart is the payload of a `type: image_url` content part.
type ImageURLPart struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageContent is a tagged variant: either a plain string or an ordered
// list of parts. It accepts both JSON shapes on unmarshal, per spec.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// IsMultipart reports whether the content is the parts-list form.
func (c MessageContent) IsMultipart() bool { return c.Parts != nil }

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	c.Parts = parts
	return nil
}

// HasVision reports whether any content part references an image.
func (c MessageContent) HasVision() bool {
	for _, p := range c.Parts {
		if p.Type == "image_url" && p.ImageURL != nil {
			return true
		}
	}
	return false
}

// FlattenText concatenates every text-bearing part, for adapters that
// cannot accept multimodal content and must downgrade.
func (c MessageContent) FlattenText() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// Role of a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation.
type Message struct {
	Role       Role           `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
}

// ToolSchema describes a function the model may call.
type ToolSchema struct {
	Type     string          `json:"type"`
	Function ToolFunctionDef `json:"function"`
}

// ToolFunctionDef is the `function` member of a ToolSchema.
type ToolFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a model-issued invocation of a tool, complete or in progress.
type ToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// GenerationParams are the sampling/shape knobs common across vendors.
type GenerationParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
}

// IsDeterministic reports whether temperature is explicitly set to 0.
// It does not look at tools; IsCacheEligible adds the no-tools check.
func (g GenerationParams) IsDeterministic() bool {
	return g.Temperature != nil && *g.Temperature == 0
}

// ChatRequest is the OMEN-internal representation of an incoming
// /v1/chat/completions body.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	Params      GenerationParams
	Hint        RoutingHint `json:"omen,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	SessionID   string      `json:"-"`
	RequestID   string      `json:"-"`
}

// IsCacheEligible reports whether this request may consult the
// content-addressed cache per spec §4.7.
func (r *ChatRequest) IsCacheEligible() bool {
	if len(r.Tools) > 0 {
		return false
	}
	return r.Params.IsDeterministic()
}

// RequiredCapabilities derives the capability set a candidate must have
// to serve this request.
func (r *ChatRequest) RequiredCapabilities() CapabilitySet {
	caps := CapabilitySet(CapChat)
	if r.Stream {
		caps |= CapabilitySet(CapStreaming)
	}
	if len(r.Tools) > 0 {
		caps |= CapabilitySet(CapTools)
	}
	for _, m := range r.Messages {
		if m.Content.HasVision() {
			caps |= CapabilitySet(CapVision)
			break
		}
	}
	return caps
}

// StreamEventKind discriminates the StreamEvent union.
type StreamEventKind string

const (
	EventDelta       StreamEventKind = "delta"
	EventToolCall    StreamEventKind = "tool_call"
	EventUsageUpdate StreamEventKind = "usage_update"
	EventEnd         StreamEventKind = "end"
	EventError       StreamEventKind = "error"
	EventUpgrade     StreamEventKind = "upgrade"
)

// FinishReason is the normalized set of terminal reasons.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishError         FinishReason = "error"
	FinishCancelled     FinishReason = "cancelled"
)

// StreamEvent is one unit of the unified streaming protocol that every
// adapter's transcoder emits and the multiplexer/API surface consume.
type StreamEvent struct {
	Kind StreamEventKind

	// Delta fields.
	Role             Role
	Text             string
	ToolCallFragment *ToolCallFragment

	// ToolCall fields (a fully assembled call).
	ToolCall *ToolCall

	// UsageUpdate fields.
	Usage *Usage

	// End fields.
	FinishReason FinishReason

	// Error fields.
	ErrKind    string
	ErrMessage string
	Retriable  bool

	// Upgrade (speculate_k swap) fields.
	UpgradeFromProvider string
	UpgradeToProvider   string

	// ProviderID/ModelID identify the producer; set by the multiplexer
	// on relay so the API surface can report the negotiated model.
	ProviderID string
	ModelID    string
}

// ToolCallFragment is an incremental piece of a tool call's arguments,
// keyed by the call id so consumers can reassemble it.
type ToolCallFragment struct {
	ID        string
	Name      string
	ArgsDelta string
	Index     int
}

// Usage holds token counts and computed cost for one request.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		CostUSD:      u.CostUSD + o.CostUSD,
	}
}

// ModelDescriptor describes one model offered by one provider.
type ModelDescriptor struct {
	ProviderID    string        `json:"provider_id"`
	ModelID       string        `json:"model_id"`
	ContextTokens int           `json:"context_tokens"`
	CostInPer1K   float64       `json:"cost_in_per_1k"`
	CostOutPer1K  float64       `json:"cost_out_per_1k"`
	Capabilities  CapabilitySet `json:"capabilities"`
}

// QualifiedID returns the provider-qualified model identifier used in
// API responses, e.g. "ollama/llama3".
func (m ModelDescriptor) QualifiedID() string { return m.ProviderID + "/" + m.ModelID }

// HealthState is a provider's cached health classification.
type HealthState string

const (
	HealthWarming   HealthState = "warming"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// Principal is the authenticated caller, resolved before the core runs.
type Principal struct {
	ID              string
	KeyFingerprint  string
	AllowedProviders map[string]bool // nil/empty means "all"
	AllowedModels    map[string]bool
	BudgetBucketRef  string
	RateBucketRef    string
}

// AllowsProvider reports whether the principal's scope permits a provider.
func (p Principal) AllowsProvider(id string) bool {
	if len(p.AllowedProviders) == 0 {
		return true
	}
	return p.AllowedProviders[id]
}

// AllowsModel reports whether the principal's scope permits a model id.
func (p Principal) AllowsModel(id string) bool {
	if len(p.AllowedModels) == 0 {
		return true
	}
	return p.AllowedModels[id]
}

// RoutingDecision is the audit record written once per request.
type RoutingDecision struct {
	RequestID      string    `json:"request_id"`
	PrincipalID    string    `json:"principal_id"`
	Intent         Intent    `json:"intent"`
	Strategy       Strategy  `json:"strategy"`
	CandidateSet   []string  `json:"candidate_set"`
	WinnerProvider string    `json:"winner_provider"`
	WinnerModel    string    `json:"winner_model"`
	Losers         []string  `json:"losers"`
	ReasonCode     string    `json:"reason_code"`
	LatencyMs      int64     `json:"latency_ms"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	CreatedAt      time.Time `json:"created_at"`
}

// StickinessRecord binds a session to a previously selected candidate.
type StickinessRecord struct {
	SessionID  string    `json:"session_id"`
	ProviderID string    `json:"provider_id"`
	ModelID    string    `json:"model_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}
