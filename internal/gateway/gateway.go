// Package gateway wires the router, registry, multiplexer, cache, and
// usage admission layers into the single orchestration surface the HTTP
// API drives. Grounded on omen's router.Engine (the teacher's
// registry+scoring+dispatch entry point), generalized from its
// weight-based single-shot dispatch into a candidate-list pipeline that
// hands off to internal/multiplex for the four fan-out strategies spec
// §4.4 requires, and onto omentypes.ChatRequest/StreamEvent instead of
// the teacher's ad hoc request/response shapes.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/omen-gateway/omen/internal/cache"
	"github.com/omen-gateway/omen/internal/multiplex"
	"github.com/omen-gateway/omen/internal/omenerr"
	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/router"
	"github.com/omen-gateway/omen/internal/session"
	"github.com/omen-gateway/omen/internal/usage"
)

// Gateway is the runtime object every HTTP handler routes a chat request
// through: candidate selection, admission, caching, and multiplexed
// dispatch to provider adapters.
type Gateway struct {
	Registry *registry.Registry
	Router   *router.Router
	Usage    *usage.Admission
	Cache    *cache.Cache
	Sessions *session.Store
	Bandit   *router.ThompsonSampler

	CacheEnabled bool
}

// New constructs a Gateway over already-built components. cache and
// bandit may be nil to disable the response cache and the contextual
// bandit nudge, respectively.
func New(reg *registry.Registry, rt *router.Router, adm *usage.Admission, c *cache.Cache, sessions *session.Store, bandit *router.ThompsonSampler, cacheEnabled bool) *Gateway {
	return &Gateway{
		Registry:     reg,
		Router:       rt,
		Usage:        adm,
		Cache:        c,
		Sessions:     sessions,
		Bandit:       bandit,
		CacheEnabled: cacheEnabled && c != nil,
	}
}

// RegisterAdapter adds a provider adapter to the registry and pulls its
// initial catalog.
func (g *Gateway) RegisterAdapter(ctx context.Context, a providers.Adapter) {
	g.Registry.Register(ctx, a)
}

// Catalog returns the merged model catalog across every registered
// provider.
func (g *Gateway) Catalog() []omentypes.ModelDescriptor {
	return g.Registry.Catalog()
}

// ProviderIDs returns every registered provider id.
func (g *Gateway) ProviderIDs() []string {
	return g.Registry.ProviderIDs()
}

// ProviderScores returns the current per-provider scoring breakdown, for
// GET /omen/providers/scores.
func (g *Gateway) ProviderScores() []router.ProviderScore {
	return g.Router.ProviderScores()
}

// ChatOutcome is the result of a completed (possibly cache-served)
// non-streaming chat call.
type ChatOutcome struct {
	ProviderID string
	ModelID    string
	Result     *providers.ChatResult
	Cached     bool
}

// buildCandidates resolves each router.Candidate's adapter and pairs it
// into a multiplex.Candidate, skipping (and reporting) any candidate
// whose adapter has since been unregistered.
func (g *Gateway) buildCandidates(candidates []router.Candidate) ([]multiplex.Candidate, error) {
	out := make([]multiplex.Candidate, 0, len(candidates))
	for _, c := range candidates {
		a, ok := g.Registry.Adapter(c.ProviderID)
		if !ok {
			continue
		}
		out = append(out, multiplex.Candidate{Candidate: c, Adapter: a})
	}
	if len(out) == 0 {
		return nil, &multiplex.NoCandidatesError{}
	}
	return out, nil
}

func (g *Gateway) admit(ctx context.Context, req *omentypes.ChatRequest, principal omentypes.Principal, candidates []router.Candidate) error {
	if err := g.Usage.CheckBudget(ctx, principal); err != nil {
		return omenerr.Wrap(omenerr.BudgetExceeded, err, "budget exceeded")
	}
	providerIDs := make([]string, len(candidates))
	for i, c := range candidates {
		providerIDs[i] = c.ProviderID
	}
	if err := g.Usage.CheckRate(principal, providerIDs); err != nil {
		return omenerr.Wrap(omenerr.RateLimited, err, "rate limit exceeded")
	}
	return nil
}

// selectCandidates runs the router pipeline and translates
// NoEligibleProviderError into the gateway's normalized error kind.
func (g *Gateway) selectCandidates(ctx context.Context, req *omentypes.ChatRequest, principal omentypes.Principal) ([]router.Candidate, error) {
	candidates, err := g.Router.Select(ctx, req, principal)
	if err != nil {
		var budgetErr *router.BudgetExceededError
		if ok := asBudgetExceeded(err, &budgetErr); ok {
			reasons := make([]string, 0, len(budgetErr.Eliminated))
			for _, c := range budgetErr.Eliminated {
				reasons = append(reasons, fmt.Sprintf("%s/%s: %s", c.ProviderID, c.ModelID, c.Reason))
			}
			return nil, &omenerr.Error{Kind: omenerr.BudgetExceeded, Message: "request budget exceeded before any provider call", Reasons: reasons}
		}
		var noElig *router.NoEligibleProviderError
		if ok := asNoEligible(err, &noElig); ok {
			reasons := make([]string, 0, len(noElig.Eliminated))
			for _, c := range noElig.Eliminated {
				reasons = append(reasons, fmt.Sprintf("%s/%s: %s", c.ProviderID, c.ModelID, c.Reason))
			}
			return nil, &omenerr.Error{Kind: omenerr.NoEligibleProvider, Message: "no eligible provider for request", Reasons: reasons}
		}
		return nil, omenerr.Wrap(omenerr.Internal, err, "candidate selection failed")
	}
	return candidates, nil
}

func asNoEligible(err error, target **router.NoEligibleProviderError) bool {
	if e, ok := err.(*router.NoEligibleProviderError); ok {
		*target = e
		return true
	}
	return false
}

func asBudgetExceeded(err error, target **router.BudgetExceededError) bool {
	if e, ok := err.(*router.BudgetExceededError); ok {
		*target = e
		return true
	}
	return false
}

// Chat performs one non-streaming chat completion: candidate selection,
// admission, an optional cache lookup against the top candidate, dispatch
// via the multiplexer's parallel_merge-or-single semantics, and outcome
// accounting (health, stickiness, spend).
func (g *Gateway) Chat(ctx context.Context, req *omentypes.ChatRequest, principal omentypes.Principal) (*ChatOutcome, error) {
	candidates, err := g.selectCandidates(ctx, req, principal)
	if err != nil {
		return nil, err
	}
	if err := g.admit(ctx, req, principal, candidates); err != nil {
		return nil, err
	}

	if g.CacheEnabled && req.IsCacheEligible() {
		top := candidates[0]
		fp := cache.Fingerprint(top.ProviderID, top.ModelID, req)
		if entry, ok := g.Cache.Get(fp); ok {
			cached := entry.Result
			cached.Usage.CostUSD = 0
			return &ChatOutcome{ProviderID: entry.ProviderID, ModelID: entry.ModelID, Result: &cached, Cached: true}, nil
		}
	}

	mcands, err := g.buildCandidates(candidates)
	if err != nil {
		return nil, omenerr.Wrap(omenerr.ProviderUnavailable, err, "no candidate adapters available")
	}

	hint := req.Hint.Normalized()
	opts := multiplex.Options{Hint: hint, Principal: principal, Budget: g.Usage}
	start := time.Now()
	result, providerID, modelID, err := multiplex.RunNonStream(ctx, req, mcands, opts)
	if err != nil {
		return nil, classifyDispatchError(err)
	}
	latencyMs := float64(time.Since(start).Milliseconds())

	g.Registry.RecordOutcome(providerID, latencyMs, nil)
	g.Router.RecordStickiness(req, providerID, modelID)
	if rErr := g.Usage.RecordUsage(ctx, principal.ID, result.Usage); rErr != nil {
		return nil, omenerr.Wrap(omenerr.Internal, rErr, "recording usage")
	}
	if g.CacheEnabled && req.IsCacheEligible() {
		fp := cache.Fingerprint(providerID, modelID, req)
		g.Cache.Set(fp, providerID, modelID, *result)
	}
	return &ChatOutcome{ProviderID: providerID, ModelID: modelID, Result: result}, nil
}

// ChatStream performs a streaming chat completion, returning the unified
// event channel the multiplexer produces. Outcome accounting (health,
// stickiness, spend) happens per-candidate as multiplex reports each
// invocation's Outcome.
func (g *Gateway) ChatStream(ctx context.Context, req *omentypes.ChatRequest, principal omentypes.Principal) (<-chan omentypes.StreamEvent, error) {
	candidates, err := g.selectCandidates(ctx, req, principal)
	if err != nil {
		return nil, err
	}
	if err := g.admit(ctx, req, principal, candidates); err != nil {
		return nil, err
	}
	mcands, err := g.buildCandidates(candidates)
	if err != nil {
		return nil, omenerr.Wrap(omenerr.ProviderUnavailable, err, "no candidate adapters available")
	}

	hint := req.Hint.Normalized()
	opts := multiplex.Options{
		Hint:      hint,
		Principal: principal,
		Budget:    g.Usage,
		OnOutcome: func(o multiplex.Outcome) {
			g.Registry.RecordOutcome(o.ProviderID, float64(o.LatencyMs), o.Err)
			if o.Err == nil {
				_ = g.Usage.RecordUsage(ctx, principal.ID, o.Usage)
			}
			if o.Relayed && o.Err == nil {
				g.Router.RecordStickiness(req, o.ProviderID, o.ModelID)
			}
		},
	}
	ch, err := multiplex.Run(ctx, req, mcands, opts)
	if err != nil {
		return nil, classifyDispatchError(err)
	}
	return ch, nil
}

func classifyDispatchError(err error) error {
	if _, ok := err.(*multiplex.NoCandidatesError); ok {
		return omenerr.New(omenerr.NoEligibleProvider, "no candidates available for dispatch")
	}
	if se, ok := err.(*providers.StatusError); ok {
		return omenerr.Wrap(omenerr.ProviderTransient, se, "provider request failed")
	}
	return omenerr.Wrap(omenerr.ProviderUnavailable, err, "dispatch failed")
}
