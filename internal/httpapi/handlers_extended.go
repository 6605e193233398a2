package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/principal"
)

// ProviderDiscoverHandler probes a registered provider's /v1/models endpoint
// and returns the list of available models. Works with any OpenAI-compatible
// API (OpenAI, Anthropic via proxy, vLLM, NVIDIA NIM, Ollama, etc.).
func ProviderDiscoverHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID := chi.URLParam(r, "id")
		if providerID == "" {
			jsonError(w, "provider id required", http.StatusBadRequest)
			return
		}

		// Look up provider base URL from the store.
		if d.Store == nil {
			jsonError(w, "no store configured", http.StatusInternalServerError)
			return
		}
		providers, err := d.Store.ListProviders(r.Context())
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		var baseURL string
		for _, p := range providers {
			if p.ID == providerID {
				baseURL = p.BaseURL
				break
			}
		}
		if baseURL == "" {
			jsonError(w, "provider not found or has no base URL", http.StatusNotFound)
			return
		}

		// Probe the provider's /v1/models endpoint.
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		modelsURL := baseURL + "/v1/models"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL, nil)
		if err != nil {
			jsonError(w, "failed to build request: "+err.Error(), http.StatusInternalServerError)
			return
		}

		// Try to get the API key from the vault for authenticated requests.
		if d.Vault != nil && !d.Vault.IsLocked() {
			if key, err := d.Vault.Get("provider:" + providerID + ":api_key"); err == nil && key != "" {
				req.Header.Set("Authorization", "Bearer "+key)
			}
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			jsonError(w, "failed to reach provider: "+err.Error(), http.StatusBadGateway)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			jsonError(w, "failed to read response: "+err.Error(), http.StatusBadGateway)
			return
		}

		if resp.StatusCode != http.StatusOK {
			jsonError(w, "provider returned "+resp.Status, resp.StatusCode)
			return
		}

		// Parse the OpenAI-format model list response.
		type modelEntry struct {
			ID      string `json:"id"`
			Object  string `json:"object,omitempty"`
			OwnedBy string `json:"owned_by,omitempty"`
			Created int64  `json:"created,omitempty"`
		}
		type modelsResponse struct {
			Data   []modelEntry `json:"data"`
			Object string       `json:"object,omitempty"`
		}

		var parsed modelsResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			// Some providers return a plain array instead of {data: [...]}.
			var arr []modelEntry
			if err2 := json.Unmarshal(body, &arr); err2 != nil {
				jsonError(w, "failed to parse models response", http.StatusBadGateway)
				return
			}
			parsed.Data = arr
		}

		// Return the discovered models along with which are already registered.
		registered := make(map[string]bool)
		for _, m := range d.Gateway.Catalog() {
			if m.ProviderID == providerID {
				registered[m.ModelID] = true
			}
		}

		type discoveredModel struct {
			ID         string `json:"id"`
			OwnedBy    string `json:"owned_by,omitempty"`
			Registered bool   `json:"registered"`
		}

		result := make([]discoveredModel, 0, len(parsed.Data))
		for _, m := range parsed.Data {
			result = append(result, discoveredModel{
				ID:         m.ID,
				OwnedBy:    m.OwnedBy,
				Registered: registered[m.ID],
			})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"provider_id": providerID,
			"models":      result,
			"total":       len(result),
		})
	}
}

// RoutingSimulateHandler runs the candidate-selection pipeline against a
// synthetic request without dispatching to any provider, for the "what-if"
// simulator in the admin UI: given a routing hint and a rough token count,
// it returns the ranked candidate list Router.Select would hand the
// multiplexer. If selection fails, the selection error's message is
// returned as an error body with status 200.
func RoutingSimulateHandler(d Dependencies) http.HandlerFunc {
	type simulateRequest struct {
		Strategy     string  `json:"strategy"`
		MaxBudgetUSD float64 `json:"max_budget_usd"`
		MaxLatencyMs int     `json:"max_latency_ms"`
		TokenCount   int     `json:"token_count"`
		ModelHint    string  `json:"model_hint,omitempty"`
		Intent       string  `json:"intent,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req simulateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.TokenCount <= 0 {
			req.TokenCount = 500
		}

		var budget *float64
		if req.MaxBudgetUSD > 0 {
			budget = &req.MaxBudgetUSD
		}
		synthetic := &omentypes.ChatRequest{
			Model: req.ModelHint,
			Messages: []omentypes.Message{{
				Role:    omentypes.RoleUser,
				Content: omentypes.MessageContent{Text: strings.Repeat("x ", req.TokenCount*4)},
			}},
			Hint: omentypes.RoutingHint{
				Strategy:     omentypes.Strategy(req.Strategy),
				Intent:       omentypes.Intent(req.Intent),
				BudgetUSD:    budget,
				MaxLatencyMs: req.MaxLatencyMs,
			},
		}

		candidates, err := d.Gateway.Router.Select(r.Context(), synthetic, principal.AnonymousPrincipal())
		if err != nil {
			jsonError(w, err.Error(), http.StatusOK)
			return
		}

		type rankedCandidate struct {
			ProviderID string  `json:"provider_id"`
			ModelID    string  `json:"model_id"`
			Score      float64 `json:"score"`
			Selected   bool    `json:"selected"`
		}
		ranked := make([]rankedCandidate, 0, len(candidates))
		for i, c := range candidates {
			ranked = append(ranked, rankedCandidate{ProviderID: c.ProviderID, ModelID: c.ModelID, Score: c.Score, Selected: i == 0})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": ranked,
			"total":      len(ranked),
		})
	}
}
