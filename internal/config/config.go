// Package config loads OMEN's single configuration document from either
// of its two equivalent surfaces: environment variables (fixed OMEN_
// prefix) and a structured YAML file. This generalizes omen's
// internal/app.LoadConfig env-var style (getEnv/getEnvInt/...) to also
// accept a file, and generalizes the legacy top-level config/config.go's
// JSON-file-config idea onto YAML, per spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderConfig configures one adapter instance.
type ProviderConfig struct {
	Type          string            `yaml:"type"`
	Enabled       bool              `yaml:"enabled"`
	APIKey        string            `yaml:"api_key"`
	BaseURL       string            `yaml:"base_url"`
	Endpoints     []string          `yaml:"endpoints"`
	Models        []ModelOverride   `yaml:"models"`
	PrefersReason bool              `yaml:"prefers_reasoning"`
	Extra         map[string]string `yaml:"extra"`
}

// ModelOverride lets the operator declare or override a model's catalog
// entry (context length, per-token cost) without waiting on the
// provider's own list_models response.
type ModelOverride struct {
	ID            string  `yaml:"id"`
	ContextTokens int     `yaml:"context_tokens"`
	CostInPer1K   float64 `yaml:"cost_in_per_1k"`
	CostOutPer1K  float64 `yaml:"cost_out_per_1k"`
}

// RoutingConfig is the `[routing]` configuration block.
type RoutingConfig struct {
	PreferLocalFor       []string           `yaml:"prefer_local_for"`
	BudgetMonthlyUSD     float64            `yaml:"budget_monthly_usd"`
	DefaultStrategy      string             `yaml:"default_strategy"`
	DefaultMaxLatencyMs  int                `yaml:"default_max_latency_ms"`
	DefaultWeights       map[string]float64 `yaml:"default_weights"`
}

// CacheConfig is the `[cache]` configuration block.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

// Config is OMEN's fully resolved configuration document.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`

	CounterStoreURL string `yaml:"counter_store_url"`
	AuditStoreURL   string `yaml:"audit_store_url"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig             `yaml:"routing"`
	Cache     CacheConfig               `yaml:"cache"`

	AdminToken     string   `yaml:"admin_token"`
	CORSOrigins    []string `yaml:"cors_origins"`
	RateLimitRPS   int      `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`

	ProviderTimeoutSecs int `yaml:"provider_timeout_secs"`

	OtelEnabled     bool   `yaml:"otel_enabled"`
	OtelEndpoint    string `yaml:"otel_endpoint"`
	OtelServiceName string `yaml:"otel_service_name"`

	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`
}

// Load resolves configuration from an optional YAML file plus OMEN_*
// environment variables. Environment variables win when both set the
// same field, so an operator can override a checked-in file at deploy
// time without forking it.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	resolveSecretIndirections(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ListenAddr:          ":8080",
		LogLevel:            "info",
		CounterStoreURL:     "memory://",
		AuditStoreURL:       "file:/data/omen.sqlite",
		RateLimitRPS:          60,
		RateLimitBurst:        120,
		ProviderTimeoutSecs:   30,
		OtelServiceName:       "omen",
		IdempotencyTTLSeconds: 600,
		Routing: RoutingConfig{
			DefaultStrategy:     "single",
			DefaultMaxLatencyMs: 20000,
			DefaultWeights: map[string]float64{
				"health": 0.40, "latency": 0.30, "cost": 0.20, "reliability": 0.10,
			},
		},
		Cache: CacheConfig{Enabled: true, TTLSeconds: 600},
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.ListenAddr = getEnv("OMEN_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("OMEN_LOG_LEVEL", cfg.LogLevel)
	cfg.CounterStoreURL = getEnv("OMEN_COUNTER_STORE_URL", cfg.CounterStoreURL)
	cfg.AuditStoreURL = getEnv("OMEN_AUDIT_STORE_URL", cfg.AuditStoreURL)
	cfg.AdminToken = getEnv("OMEN_ADMIN_TOKEN", cfg.AdminToken)
	cfg.CORSOrigins = getEnvStringSlice("OMEN_CORS_ORIGINS", cfg.CORSOrigins)
	cfg.RateLimitRPS = getEnvInt("OMEN_RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvInt("OMEN_RATE_LIMIT_BURST", cfg.RateLimitBurst)
	cfg.ProviderTimeoutSecs = getEnvInt("OMEN_PROVIDER_TIMEOUT_SECS", cfg.ProviderTimeoutSecs)
	cfg.OtelEnabled = getEnvBool("OMEN_OTEL_ENABLED", cfg.OtelEnabled)
	cfg.OtelEndpoint = getEnv("OMEN_OTEL_ENDPOINT", cfg.OtelEndpoint)
	cfg.OtelServiceName = getEnv("OMEN_OTEL_SERVICE_NAME", cfg.OtelServiceName)
	cfg.IdempotencyTTLSeconds = getEnvInt("OMEN_IDEMPOTENCY_TTL_SECONDS", cfg.IdempotencyTTLSeconds)
	cfg.Routing.BudgetMonthlyUSD = getEnvFloat("OMEN_ROUTING_BUDGET_MONTHLY_USD", cfg.Routing.BudgetMonthlyUSD)
	cfg.Routing.DefaultStrategy = getEnv("OMEN_ROUTING_DEFAULT_STRATEGY", cfg.Routing.DefaultStrategy)
	cfg.Routing.DefaultMaxLatencyMs = getEnvInt("OMEN_ROUTING_DEFAULT_MAX_LATENCY_MS", cfg.Routing.DefaultMaxLatencyMs)
	cfg.Cache.Enabled = getEnvBool("OMEN_CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.TTLSeconds = getEnvInt("OMEN_CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)

	// Per-provider API keys are the common override: OMEN_PROVIDER_<ID>_API_KEY
	// lets an operator inject secrets without touching the checked-in file.
	for id, pc := range cfg.Providers {
		envKey := "OMEN_PROVIDER_" + strings.ToUpper(id) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			pc.APIKey = v
			cfg.Providers[id] = pc
		}
	}
}

// resolveSecretIndirections replaces any `env:VAR_NAME` value in a
// provider's APIKey field with the named environment variable's value.
func resolveSecretIndirections(cfg *Config) {
	for id, pc := range cfg.Providers {
		if strings.HasPrefix(pc.APIKey, "env:") {
			pc.APIKey = os.Getenv(strings.TrimPrefix(pc.APIKey, "env:"))
			cfg.Providers[id] = pc
		}
	}
}

// Validate checks config values for obviously invalid settings, in the
// same spirit as omen's app.Config.Validate.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("rate_limit_rps must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate_limit_burst must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("provider_timeout_secs must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.Routing.BudgetMonthlyUSD < 0 {
		return fmt.Errorf("routing.budget_monthly_usd must be >= 0, got %f", c.Routing.BudgetMonthlyUSD)
	}
	if c.Routing.DefaultMaxLatencyMs <= 0 {
		return fmt.Errorf("routing.default_max_latency_ms must be > 0, got %d", c.Routing.DefaultMaxLatencyMs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
