package store

import (
	"context"
	"time"
)

// Store defines the persistence interface for omen.
type Store interface {
	// Models
	ListModels(ctx context.Context) ([]ModelRecord, error)
	GetModel(ctx context.Context, id string) (*ModelRecord, error)
	UpsertModel(ctx context.Context, m ModelRecord) error
	DeleteModel(ctx context.Context, id string) error

	// Providers
	ListProviders(ctx context.Context) ([]ProviderRecord, error)
	UpsertProvider(ctx context.Context, p ProviderRecord) error
	DeleteProvider(ctx context.Context, id string) error

	// Request log (for audit and dashboard)
	LogRequest(ctx context.Context, entry RequestLog) error
	ListRequestLogs(ctx context.Context, limit int, offset int) ([]RequestLog, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) (salt []byte, data map[string]string, err error)

	// Routing config persistence
	SaveRoutingConfig(ctx context.Context, cfg RoutingConfig) error
	LoadRoutingConfig(ctx context.Context) (RoutingConfig, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Reward logging, for the contextual bandit's Beta-parameter refresh.
	LogReward(ctx context.Context, entry RewardEntry) error
	ListRewards(ctx context.Context, limit int, offset int) ([]RewardEntry, error)
	GetRewardSummary(ctx context.Context) ([]RewardSummary, error)

	// API keys
	CreateAPIKey(ctx context.Context, key APIKeyRecord) error
	GetAPIKey(ctx context.Context, id string) (*APIKeyRecord, error)
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]APIKeyRecord, error)
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	UpdateAPIKey(ctx context.Context, key APIKeyRecord) error
	DeleteAPIKey(ctx context.Context, id string) error
	GetMonthlySpend(ctx context.Context, apiKeyID string) (float64, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ModelRecord is the persisted form of a model configuration.
type ModelRecord struct {
	ID               string  `json:"id"`
	ProviderID       string  `json:"provider_id"`
	Weight           int     `json:"weight"`
	MaxContextTokens int     `json:"max_context_tokens"`
	InputPer1K       float64 `json:"input_per_1k"`
	OutputPer1K      float64 `json:"output_per_1k"`
	Enabled          bool    `json:"enabled"`
}

// ProviderRecord is the persisted form of a provider configuration.
type ProviderRecord struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // openai, anthropic, azure, bedrock, gemini, ollama, xai
	Enabled   bool   `json:"enabled"`
	BaseURL   string `json:"base_url"`
	CredStore string `json:"cred_store"` // env, vault, none
}

// RoutingConfig holds persisted routing policy defaults.
type RoutingConfig struct {
	DefaultMode         string  `json:"default_mode"`
	DefaultMaxBudgetUSD float64 `json:"default_max_budget_usd"`
	DefaultMaxLatencyMs int     `json:"default_max_latency_ms"`
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`              // e.g. "model.upsert", "provider.delete", "vault.unlock"
	Resource  string    `json:"resource"`             // e.g. "gpt-4", "openai"
	Detail    string    `json:"detail,omitempty"`     // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

// RequestLog captures a single routed request for audit/dashboard.
type RequestLog struct {
	ID               int64     `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	ModelID          string    `json:"model_id"`
	ProviderID       string    `json:"provider_id"`
	Mode             string    `json:"mode"`
	EstimatedCostUSD float64   `json:"estimated_cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	StatusCode       int       `json:"status_code"`
	ErrorClass       string    `json:"error_class,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	APIKeyID         string    `json:"api_key_id,omitempty"`
}

// RewardEntry is the persisted form of a router.RewardLog, used to refresh
// the Thompson sampler's Beta-distribution parameters on a cadence.
type RewardEntry struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id"`
	ModelID         string    `json:"model_id"`
	ProviderID      string    `json:"provider_id"`
	Mode            string    `json:"mode"`
	EstimatedTokens int       `json:"estimated_tokens"`
	TokenBucket     string    `json:"token_bucket"`
	LatencyBudgetMs int       `json:"latency_budget_ms"`
	LatencyMs       float64   `json:"latency_ms"`
	CostUSD         float64   `json:"cost_usd"`
	Success         bool      `json:"success"`
	ErrorClass      string    `json:"error_class,omitempty"`
	Reward          float64   `json:"reward"`
}

// RewardSummary aggregates reward history per (model, token_bucket) arm,
// the shape router.FetchRewardSummaryFunc needs to reseed the sampler.
type RewardSummary struct {
	ModelID     string  `json:"model_id"`
	TokenBucket string  `json:"token_bucket"`
	Count       int     `json:"count"`
	Successes   int     `json:"successes"`
	SumReward   float64 `json:"sum_reward"`
}

// APIKeyRecord is the persisted form of an issued API key. The plaintext
// key is never stored; KeyHash is a bcrypt hash and KeyPrefix is a short,
// non-secret prefix used for display and cache-bucketing.
type APIKeyRecord struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"-"`
	KeyPrefix        string     `json:"key_prefix"`
	Name             string     `json:"name"`
	Scopes           string     `json:"scopes"`
	CreatedAt        time.Time  `json:"created_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RotationDays     int        `json:"rotation_days"`
	Enabled          bool       `json:"enabled"`
	MonthlyBudgetUSD float64    `json:"monthly_budget_usd,omitempty"`
}
