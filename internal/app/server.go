package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/omen-gateway/omen/internal/apikey"
	"github.com/omen-gateway/omen/internal/cache"
	"github.com/omen-gateway/omen/internal/config"
	"github.com/omen-gateway/omen/internal/events"
	"github.com/omen-gateway/omen/internal/gateway"
	"github.com/omen-gateway/omen/internal/health"
	"github.com/omen-gateway/omen/internal/httpapi"
	"github.com/omen-gateway/omen/internal/idempotency"
	"github.com/omen-gateway/omen/internal/logging"
	"github.com/omen-gateway/omen/internal/metrics"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/providers/anthropic"
	"github.com/omen-gateway/omen/internal/providers/azure"
	"github.com/omen-gateway/omen/internal/providers/bedrock"
	"github.com/omen-gateway/omen/internal/providers/gemini"
	"github.com/omen-gateway/omen/internal/providers/ollama"
	"github.com/omen-gateway/omen/internal/providers/openai"
	"github.com/omen-gateway/omen/internal/providers/xai"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/router"
	"github.com/omen-gateway/omen/internal/session"
	"github.com/omen-gateway/omen/internal/store"
	"github.com/omen-gateway/omen/internal/tracing"
	"github.com/omen-gateway/omen/internal/usage"
	"github.com/omen-gateway/omen/internal/vault"
)

// Server bundles the chi router with every component that owns a
// background goroutine or persistent handle, so Close can shut them down
// in the right order.
type Server struct {
	cfg config.Config

	r *chi.Mux

	vault        *vault.Vault
	registry     *registry.Registry
	gw           *gateway.Gateway
	store        store.Store
	logger       *slog.Logger
	traceShutdown func(context.Context) error
}

// NewServer builds the full dependency graph — registry, router,
// admission, cache, sessions, bandit, gateway — and mounts the HTTP API
// over it. cfg is the fully resolved configuration document (see
// internal/config.Load).
func NewServer(cfg config.Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOriginsOrDefault(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	v, err := vault.New(true)
	if err != nil {
		return nil, fmt.Errorf("initializing vault: %w", err)
	}

	db, err := store.NewSQLite(cfg.AuditStoreURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	logger.Info("store initialized", slog.String("dsn", cfg.AuditStoreURL))

	bus := events.NewBus()
	ht := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	reg := registry.New(registry.DefaultConfig(), ht, bus)

	providerTimeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	registerConfiguredProviders(context.Background(), reg, cfg.Providers, v, logger)

	sessions := session.New(30 * time.Minute)
	bandit := router.NewThompsonSampler()
	rt := router.New(routerConfigFrom(cfg.Routing), reg, sessions, bandit)

	counters := counterStoreFrom(cfg.CounterStoreURL, logger)
	limits := limitsFrom(cfg)
	adm := usage.NewAdmission(counters, func(omentypes.Principal) usage.Limits { return limits })

	var c *cache.Cache
	if cfg.Cache.Enabled {
		c = cache.New(time.Duration(cfg.Cache.TTLSeconds)*time.Second, 10000)
	}

	gw := gateway.New(reg, rt, adm, c, sessions, bandit, cfg.Cache.Enabled)

	m := metrics.New()
	keyMgr := apikey.NewManager(db)

	tokenHolder, err := httpapi.NewAdminTokenHolder(cfg.AdminToken, cfg.AuditStoreURL, logger)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing admin token: %w", err)
	}
	if _, err := tokenHolder.ProvisionHostAPIKey(context.Background(), keyMgr, logger); err != nil {
		logger.Warn("provisioning host api key", slog.String("error", err.Error()))
	}

	s := &Server{
		cfg:           cfg,
		r:             r,
		vault:         v,
		registry:      reg,
		gw:            gw,
		store:         db,
		logger:        logger,
		traceShutdown: traceShutdown,
	}

	idemTTL := time.Duration(cfg.IdempotencyTTLSeconds) * time.Second
	if idemTTL <= 0 {
		idemTTL = 10 * time.Minute
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Gateway:         gw,
		Vault:           v,
		Metrics:         m,
		Store:           db,
		Health:          ht,
		EventBus:        bus,
		APIKeyMgr:       keyMgr,
		ProviderTimeout: providerTimeout,
		AdminToken:      tokenHolder,
		Idempotency:     idempotency.New(idemTTL, 10000),
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload re-reads provider and model configuration from the store and
// re-registers every adapter, picking up admin-console edits made since
// startup without a restart. Wired to SIGHUP by cmd/omen.
func (s *Server) Reload(ctx context.Context) error {
	recs, err := s.store.ListProviders(ctx)
	if err != nil {
		return fmt.Errorf("reload: list providers: %w", err)
	}
	for _, p := range recs {
		if p.BaseURL == "" || !p.Enabled {
			continue
		}
		var apiKey string
		if p.CredStore == "vault" && !s.vault.IsLocked() {
			apiKey, _ = s.vault.Get("provider:" + p.ID + ":api_key")
		}
		models, err := s.store.ListModels(ctx)
		if err != nil {
			s.logger.Warn("reload: list models", slog.String("error", err.Error()))
			continue
		}
		descriptors := make([]omentypes.ModelDescriptor, 0, len(models))
		for _, mrec := range models {
			if mrec.ProviderID != p.ID || !mrec.Enabled {
				continue
			}
			descriptors = append(descriptors, omentypes.ModelDescriptor{
				ProviderID:    mrec.ProviderID,
				ModelID:       mrec.ID,
				ContextTokens: mrec.MaxContextTokens,
				CostInPer1K:   mrec.InputPer1K,
				CostOutPer1K:  mrec.OutputPer1K,
				Capabilities:  omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming),
			})
		}
		adapter := buildAdapter(p.ID, p.Type, apiKey, p.BaseURL, nil, descriptors)
		if adapter != nil {
			s.gw.RegisterAdapter(ctx, adapter)
		}
	}
	s.logger.Info("configuration reloaded", slog.Int("providers", len(recs)))
	return nil
}

func (s *Server) Close() error {
	if s.traceShutdown != nil {
		_ = s.traceShutdown(context.Background())
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func corsOriginsOrDefault(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func routerConfigFrom(rc config.RoutingConfig) router.Config {
	weights := router.Weights{Health: 0.4, Latency: 0.3, Cost: 0.2, Reliability: 0.1}
	if rc.DefaultWeights != nil {
		if v, ok := rc.DefaultWeights["health"]; ok {
			weights.Health = v
		}
		if v, ok := rc.DefaultWeights["latency"]; ok {
			weights.Latency = v
		}
		if v, ok := rc.DefaultWeights["cost"]; ok {
			weights.Cost = v
		}
		if v, ok := rc.DefaultWeights["reliability"]; ok {
			weights.Reliability = v
		}
	}
	return router.Config{
		Weights:          weights,
		StickySessionTTL: 10 * time.Minute,
		StickyTurnTTL:    2 * time.Minute,
		DefaultMaxTokens: 1024,
	}
}

func limitsFrom(cfg config.Config) usage.Limits {
	l := usage.DefaultLimits()
	l.RequestsPerSecond = float64(cfg.RateLimitRPS)
	l.RequestsPerHour = float64(cfg.RateLimitRPS) * 3600
	if cfg.Routing.BudgetMonthlyUSD > 0 {
		l.MonthlyBudgetUSD = cfg.Routing.BudgetMonthlyUSD
	}
	return l
}

func counterStoreFrom(url string, logger *slog.Logger) usage.CounterStore {
	if strings.HasPrefix(url, "redis://") {
		opt, err := goredis.ParseURL(url)
		if err == nil {
			logger.Info("usage counters backed by redis")
			return usage.NewRedisCounterStore(goredis.NewClient(opt), "omen:usage")
		}
		logger.Warn("failed to parse redis counter store url, falling back to memory", slog.String("error", err.Error()))
	}
	return usage.NewMemCounterStore()
}

// registerConfiguredProviders builds one adapter per enabled entry in
// cfg.Providers and registers it with the registry.
func registerConfiguredProviders(ctx context.Context, reg *registry.Registry, provs map[string]config.ProviderConfig, v *vault.Vault, logger *slog.Logger) {
	for id, pc := range provs {
		if !pc.Enabled {
			continue
		}
		apiKey := pc.APIKey
		if apiKey != "" && !v.IsLocked() {
			_ = v.Set("provider:"+id+":api_key", apiKey)
		}
		descriptors := make([]omentypes.ModelDescriptor, 0, len(pc.Models))
		for _, mo := range pc.Models {
			descriptors = append(descriptors, omentypes.ModelDescriptor{
				ProviderID:    id,
				ModelID:       mo.ID,
				ContextTokens: mo.ContextTokens,
				CostInPer1K:   mo.CostInPer1K,
				CostOutPer1K:  mo.CostOutPer1K,
				Capabilities:  omentypes.CapabilitySet(omentypes.CapChat | omentypes.CapStreaming),
			})
		}
		adapter := buildAdapter(id, pc.Type, apiKey, pc.BaseURL, pc.Endpoints, descriptors)
		if adapter == nil {
			continue
		}
		reg.Register(ctx, adapter)
		logger.Info("registered provider", slog.String("provider", id), slog.String("type", pc.Type))
	}
}

// buildAdapter constructs the real vendor adapter for providerType.
// Bedrock expects apiKey as "accessKeyID:secretAccessKey" with baseURL
// holding the AWS region; azure expects baseURL to be the resource
// endpoint and maps each model id to an identically named deployment,
// since config.ModelOverride doesn't carry a separate deployment name.
// endpoints is only consulted for ollama's multi-endpoint pool; every
// other provider type ignores it and uses baseURL alone. The persisted
// store.ProviderRecord schema has no endpoints column, so adapters
// rebuilt from Reload always run ollama as a single-endpoint pool —
// multi-endpoint ollama pools are a config-file-only feature until the
// store schema grows an endpoints column.
func buildAdapter(id, providerType, apiKey, baseURL string, endpoints []string, models []omentypes.ModelDescriptor) providers.Adapter {
	switch providerType {
	case "anthropic":
		return anthropic.New(id, apiKey, baseURL, models)
	case "azure":
		deployments := make(map[string]string, len(models))
		for _, m := range models {
			deployments[m.ModelID] = m.ModelID
		}
		a, err := azure.New(id, apiKey, baseURL, deployments, models)
		if err != nil {
			slog.Warn("azure adapter registration failed", slog.String("provider", id), slog.String("error", err.Error()))
			return nil
		}
		return a
	case "bedrock":
		accessKeyID, secretAccessKey, _ := strings.Cut(apiKey, ":")
		return bedrock.New(id, baseURL, accessKeyID, secretAccessKey, models)
	case "gemini":
		return gemini.New(id, apiKey, baseURL, models)
	case "ollama":
		if len(endpoints) > 0 {
			return ollama.New(id, endpoints...)
		}
		return ollama.New(id, baseURL)
	case "xai":
		return xai.New(id, apiKey, baseURL, models)
	case "openai", "":
		return openai.New(id, apiKey, baseURL, models)
	default:
		slog.Warn("unknown provider type, treating as openai-compatible", slog.String("provider", id), slog.String("type", providerType))
		return openai.New(id, apiKey, baseURL, models)
	}
}
