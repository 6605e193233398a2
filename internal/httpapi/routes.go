package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omen-gateway/omen/internal/apikey"
	"github.com/omen-gateway/omen/internal/events"
	"github.com/omen-gateway/omen/internal/gateway"
	"github.com/omen-gateway/omen/internal/health"
	"github.com/omen-gateway/omen/internal/idempotency"
	"github.com/omen-gateway/omen/internal/metrics"
	"github.com/omen-gateway/omen/internal/stats"
	"github.com/omen-gateway/omen/internal/store"
	"github.com/omen-gateway/omen/internal/tsdb"
	"github.com/omen-gateway/omen/internal/vault"
)

// Dependencies bundles every subsystem the HTTP layer needs. Fields other
// than Gateway are nil-safe: handlers skip the corresponding sink or admin
// surface when its dependency is absent, so a minimal deployment (no
// vault, no store, no metrics) still serves chat traffic.
type Dependencies struct {
	Gateway *gateway.Gateway
	Vault   *vault.Vault
	Metrics *metrics.Registry
	Store   store.Store
	Health  *health.Tracker
	EventBus *events.Bus
	Stats    *stats.Collector
	TSDB     *tsdb.Store

	// APIKeyMgr, when set, causes /v1 routes to require a valid API key.
	APIKeyMgr *apikey.Manager

	// ProviderTimeout bounds outbound calls this layer proxies directly
	// (embeddings, provider discovery) rather than dispatching through
	// the Gateway, which carries its own per-adapter timeouts.
	ProviderTimeout time.Duration

	// AdminToken, when set, gates the /admin/v1 surface behind a bearer
	// token instead of leaving it open to whatever sits in front of the
	// gateway.
	AdminToken *AdminTokenHolder

	// Idempotency, when set, deduplicates calls to any /v1 route carrying
	// the same Idempotency-Key header, replaying the cached response
	// instead of dispatching twice.
	Idempotency *idempotency.Cache
}

// healthProviderEntry is one provider's entry in GET /health's providers
// array, per spec §6.
type healthProviderEntry struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Healthy       bool    `json:"healthy"`
	ModelsCount   int     `json:"models_count"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// HealthHandler implements GET /health: an aggregate healthy/degraded/
// unhealthy verdict plus a per-provider breakdown, driven off the
// registry's health tracker so a probe failure is observable here within
// two probe intervals, per spec §8.
func HealthHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		modelsByProvider := make(map[string]int)
		for _, m := range d.Gateway.Catalog() {
			modelsByProvider[m.ProviderID]++
		}

		tracker := d.Gateway.Registry.Health()
		ids := d.Gateway.ProviderIDs()
		providers := make([]healthProviderEntry, 0, len(ids))
		healthyCount := 0
		for _, id := range ids {
			stats := tracker.GetStats(id)
			healthy := stats.State == health.StateHealthy
			if healthy {
				healthyCount++
			}
			providers = append(providers, healthProviderEntry{
				ID:            id,
				Name:          id,
				Healthy:       healthy,
				ModelsCount:   modelsByProvider[id],
				LastLatencyMs: stats.LastLatencyMs,
			})
		}

		status := "unhealthy"
		switch {
		case len(ids) > 0 && healthyCount == len(ids):
			status = "healthy"
		case healthyCount > 0:
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"providers": providers,
		})
	}
}

// MountRoutes wires the public OpenAI-compatible surface, the operator
// surfaces (providers, models, routing, vault, api keys), and the raw
// observability endpoints (tsdb, events, metrics) onto r.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/health", HealthHandler(d))

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		providerCount := len(d.Gateway.ProviderIDs())
		modelCount := len(d.Gateway.Catalog())
		if providerCount == 0 || modelCount == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":    "not ready",
				"providers": providerCount,
				"models":    modelCount,
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "ready",
			"providers": providerCount,
			"models":    modelCount,
		})
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"providers": d.Gateway.ProviderIDs(),
			"models":    len(d.Gateway.Catalog()),
			"vault_locked": d.Vault != nil && d.Vault.IsLocked(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr))
		}
		if d.Idempotency != nil {
			r.Use(idempotency.Middleware(d.Idempotency))
		}
		r.Post("/chat/completions", ChatCompletionsHandler(d))
		r.Post("/completions", CompletionsHandler(d))
		r.Get("/models", ModelsListPublicHandler(d))
		r.Post("/embeddings", EmbeddingsHandler(d))
	})

	r.Route("/omen", func(r chi.Router) {
		if d.APIKeyMgr != nil {
			r.Use(apikey.AuthMiddleware(d.APIKeyMgr))
		}
		r.Get("/providers/scores", ProviderScoresHandler(d))
		r.Get("/providers/{id}/health", func(w http.ResponseWriter, req *http.Request) {
			if d.Health == nil {
				jsonError(w, "no health tracker configured", http.StatusServiceUnavailable)
				return
			}
			id := chi.URLParam(req, "id")
			for _, s := range d.Health.AllStats() {
				if s.ProviderID == id {
					_ = json.NewEncoder(w).Encode(s)
					return
				}
			}
			jsonError(w, "provider not found", http.StatusNotFound)
		})
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(d.AdminToken))

		r.Get("/info", AdminInfoHandler(d))
		if d.AdminToken != nil {
			r.Post("/admin-token/rotate", AdminTokenRotateHandler(d.AdminToken, slog.Default()))
		}

		// API key management endpoints.
		r.Post("/apikeys", APIKeysCreateHandler(d))
		r.Get("/apikeys", APIKeysListHandler(d))
		r.Post("/apikeys/{id}/rotate", APIKeysRotateHandler(d))
		r.Patch("/apikeys/{id}", APIKeysPatchHandler(d))
		r.Delete("/apikeys/{id}", APIKeysDeleteHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Post("/vault/rotate", VaultRotateHandler(d))

		r.Post("/providers", ProvidersUpsertHandler(d))
		r.Get("/providers", ProvidersListHandler(d))
		r.Patch("/providers/{id}", ProvidersPatchHandler(d))
		r.Delete("/providers/{id}", ProvidersDeleteHandler(d))
		r.Get("/providers/{id}/discover", ProviderDiscoverHandler(d))

		r.Post("/models", ModelsUpsertHandler(d))
		r.Get("/models", ModelsListHandler(d))
		r.Patch("/models/*", ModelsPatchHandler(d))
		r.Delete("/models/*", ModelsDeleteHandler(d))

		r.Get("/routing-config", RoutingConfigGetHandler(d))
		r.Put("/routing-config", RoutingConfigSetHandler(d))
		r.Post("/routing-config/simulate", RoutingSimulateHandler(d))

		r.Get("/health", HealthStatsHandler(d))
		r.Get("/stats", StatsHandler(d))
		r.Get("/logs", RequestLogsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		r.Get("/rewards", RewardsHandler(d))
		r.Get("/engine/models", EngineModelsHandler(d))

		r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
		r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
		r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		r.Put("/tsdb/retention", TSDBRetentionHandler(d.TSDB))

		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
