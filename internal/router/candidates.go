package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/registry"
	"github.com/omen-gateway/omen/internal/session"
)

// Candidate is one eligible (provider, model) pair with its computed
// score, or — if eliminated during the pipeline — the reason it was
// dropped, surfaced in NoEligibleProvider errors per spec §4.3.
type Candidate struct {
	ProviderID string
	ModelID    string
	Descriptor omentypes.ModelDescriptor
	Score      float64
	Eliminated bool
	Reason     string
}

// NoEligibleProviderError is returned when step 7 of the pipeline
// leaves no candidates, carrying every elimination reason seen along
// the way for observability.
type NoEligibleProviderError struct {
	Eliminated []Candidate
}

func (e *NoEligibleProviderError) Error() string {
	return "no eligible provider"
}

// BudgetExceededError is returned instead of NoEligibleProviderError when
// step 4's budget cap is the sole reason nothing survives selection —
// every candidate that passed capability/availability filtering was
// eliminated for exceeding the request's budget_usd hint. Spec §8
// requires this distinguished from the generic no_eligible_provider
// case so a zero (or too-small) budget fails fast with budget_exceeded
// before any provider call.
type BudgetExceededError struct {
	Eliminated []Candidate
}

func (e *BudgetExceededError) Error() string {
	return "request budget exceeded by every eligible candidate"
}

// Config bundles the scoring and bias parameters a Router uses.
type Config struct {
	Weights           Weights
	IntentBias        IntentBias
	StickySessionTTL  time.Duration
	StickyTurnTTL     time.Duration
	MaxCostPer1KSeen  float64 // cost normalization ceiling; 0 means the highest blended cost in the current catalog
	DefaultMaxTokens  int     // used to estimate output tokens for budget checks when unset
}

// DefaultConfig returns spec-default scoring weights and a 10-minute
// session stickiness TTL.
func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		IntentBias:       DefaultIntentBias(),
		StickySessionTTL: 10 * time.Minute,
		StickyTurnTTL:    2 * time.Minute,
		DefaultMaxTokens: 512,
	}
}

// Router runs the candidate-selection pipeline against a provider
// registry and session stickiness store.
type Router struct {
	cfg      Config
	reg      *registry.Registry
	sessions *session.Store
	bandit   *ThompsonSampler
}

// New constructs a Router. sessions may be nil to disable stickiness
// (every request behaves as Stickiness: none). bandit may be nil to
// skip the Thompson-sampling reliability nudge.
func New(cfg Config, reg *registry.Registry, sessions *session.Store, bandit *ThompsonSampler) *Router {
	return &Router{cfg: cfg, reg: reg, sessions: sessions, bandit: bandit}
}

// Select runs the 7-step candidate-selection pipeline from spec §4.3
// and returns an ordered candidate list: length 1 for strategy single,
// >= hint.K otherwise. An empty, non-error result never happens —
// NoEligibleProviderError is returned instead.
func (r *Router) Select(ctx context.Context, req *omentypes.ChatRequest, principal omentypes.Principal) ([]Candidate, error) {
	hint := req.Hint.Normalized()
	eliminated := make([]Candidate, 0)

	// Step 1: allowlist from the routing hint.
	catalog := r.reg.Catalog()
	pool := make([]omentypes.ModelDescriptor, 0, len(catalog))
	for _, m := range catalog {
		if len(hint.Providers) > 0 && !contains(hint.Providers, m.ProviderID) {
			eliminated = append(eliminated, Candidate{ProviderID: m.ProviderID, ModelID: m.ModelID, Descriptor: m, Eliminated: true, Reason: "not in hint allowlist"})
			continue
		}
		pool = append(pool, m)
	}

	// Step 2: principal scope.
	scoped := pool[:0:0]
	for _, m := range pool {
		if !principal.AllowsProvider(m.ProviderID) || !principal.AllowsModel(m.ModelID) {
			eliminated = append(eliminated, Candidate{ProviderID: m.ProviderID, ModelID: m.ModelID, Descriptor: m, Eliminated: true, Reason: "outside principal scope"})
			continue
		}
		scoped = append(scoped, m)
	}

	// Step 3: capability filter.
	required := req.RequiredCapabilities()
	capable := scoped[:0:0]
	for _, m := range scoped {
		if !m.Capabilities.Has(omentypes.Capability(required)) {
			eliminated = append(eliminated, Candidate{ProviderID: m.ProviderID, ModelID: m.ModelID, Descriptor: m, Eliminated: true, Reason: "missing required capability"})
			continue
		}
		if !r.reg.Available(m.ProviderID) {
			eliminated = append(eliminated, Candidate{ProviderID: m.ProviderID, ModelID: m.ModelID, Descriptor: m, Eliminated: true, Reason: "provider unavailable"})
			continue
		}
		capable = append(capable, m)
	}

	// Step 4: budget rejection against the hint's per-request cap.
	affordable := capable[:0:0]
	budgetEliminated := make([]Candidate, 0)
	for _, m := range capable {
		estCost := EstimateCost(req, m, r.cfg.DefaultMaxTokens)
		if hint.BudgetUSD != nil && estCost > *hint.BudgetUSD {
			c := Candidate{ProviderID: m.ProviderID, ModelID: m.ModelID, Descriptor: m, Eliminated: true, Reason: "exceeds request budget"}
			eliminated = append(eliminated, c)
			budgetEliminated = append(budgetEliminated, c)
			continue
		}
		affordable = append(affordable, m)
	}

	// The budget cap ate every candidate that otherwise would have
	// survived: surface budget_exceeded rather than the generic
	// no_eligible_provider, per spec §8's boundary behavior.
	if len(affordable) == 0 && len(capable) > 0 {
		return nil, &BudgetExceededError{Eliminated: budgetEliminated}
	}

	// Step 5: model resolution. "auto" or empty means score everything
	// remaining; a qualified "provider/model" or bare model id narrows
	// the pool first, with ties (the same bare model id offered by
	// several providers) broken by scoring just like "auto".
	resolved := resolveModel(affordable, req.Model)
	if len(resolved) == 0 && len(affordable) > 0 {
		for _, m := range affordable {
			eliminated = append(eliminated, Candidate{ProviderID: m.ProviderID, ModelID: m.ModelID, Descriptor: m, Eliminated: true, Reason: "does not match requested model"})
		}
		return nil, &NoEligibleProviderError{Eliminated: eliminated}
	}

	if len(resolved) == 0 {
		return nil, &NoEligibleProviderError{Eliminated: eliminated}
	}

	// Score and sort.
	scored := make([]Candidate, 0, len(resolved))
	for _, m := range resolved {
		scored = append(scored, Candidate{
			ProviderID: m.ProviderID,
			ModelID:    m.ModelID,
			Descriptor: m,
			Score:      r.score(m, hint),
		})
	}
	if r.bandit != nil {
		r.applyBanditNudge(scored, req)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	// Step 6: stickiness (session or turn), skipped when the caller
	// explicitly asked for race — racing needs fresh candidates every
	// time to be meaningful.
	if r.sessions != nil && req.SessionID != "" && hint.Stickiness != omentypes.StickinessNone && hint.Strategy != omentypes.StrategyRace {
		if rec, ok := r.sessions.Get(req.SessionID); ok {
			for i, c := range scored {
				if c.ProviderID == rec.ProviderID && c.ModelID == rec.ModelID {
					scored[0], scored[i] = scored[i], scored[0]
					break
				}
			}
		}
	}

	// Step 7: final ordered list, length 1 for single, >= k otherwise.
	want := 1
	if hint.Strategy != omentypes.StrategySingle {
		want = hint.K
	}
	if want > len(scored) {
		want = len(scored)
	}
	return scored[:want], nil
}

// RecordStickiness binds the session to the winning candidate after a
// request completes, per the chosen stickiness scope.
func (r *Router) RecordStickiness(req *omentypes.ChatRequest, providerID, modelID string) {
	if r.sessions == nil || req.SessionID == "" {
		return
	}
	hint := req.Hint.Normalized()
	switch hint.Stickiness {
	case omentypes.StickinessSession:
		r.sessions.Set(req.SessionID, providerID, modelID, r.cfg.StickySessionTTL)
	case omentypes.StickinessTurn:
		r.sessions.Set(req.SessionID, providerID, modelID, r.cfg.StickyTurnTTL)
	}
}

func (r *Router) score(m omentypes.ModelDescriptor, hint omentypes.RoutingHint) float64 {
	w := r.cfg.Weights
	healthScore := r.healthScore(m.ProviderID)
	latencyScore := r.latencyScore(m.ProviderID)
	costScore := r.costScore(m)
	reliabilityScore := r.reliabilityScore(m.ProviderID)

	score := w.Health*healthScore + w.Latency*latencyScore + w.Cost*costScore + w.Reliability*reliabilityScore

	bias := r.cfg.IntentBias
	if isCodeIntent(hint.Intent) && bias.LocalProviders[m.ProviderID] && r.reg.HealthState(m.ProviderID) == omentypes.HealthHealthy {
		score += bias.LocalBonus
	}
	if isReasonIntent(hint.Intent) && bias.ReasoningProviders[m.ProviderID] {
		score += bias.ReasoningBonus
	}
	if mult, ok := hint.PriorityWeights[m.ProviderID]; ok {
		score *= mult
	}
	return score
}

// applyBanditNudge folds the Thompson sampler's learned per-(model,
// token-bucket) reliability into the weighted score as a small
// rank-based adjustment: the arm the sampler currently favors most
// gets the largest nudge. This keeps the bandit as a secondary,
// slowly-learned signal layered on top of the primary weighted
// formula rather than replacing it.
func (r *Router) applyBanditNudge(scored []Candidate, req *omentypes.ChatRequest) {
	if len(scored) == 0 {
		return
	}
	bucket := TokenBucketLabel(estimateTokens(req))
	ids := make([]string, len(scored))
	for i, c := range scored {
		ids[i] = c.ModelID
	}
	ranked := r.bandit.Sample(ids, bucket)
	rank := make(map[string]int, len(ranked))
	for i, id := range ranked {
		if _, ok := rank[id]; !ok {
			rank[id] = i
		}
	}
	const maxNudge = 5.0
	for i := range scored {
		pos := rank[scored[i].ModelID]
		nudge := maxNudge * (1 - float64(pos)/float64(len(ranked)))
		scored[i].Score += nudge
	}
}

func estimateTokens(req *omentypes.ChatRequest) int {
	var chars int
	for _, m := range req.Messages {
		chars += len(m.Content.FlattenText())
	}
	return chars / 4
}

func (r *Router) healthScore(providerID string) float64 {
	switch r.reg.HealthState(providerID) {
	case omentypes.HealthHealthy:
		return 100
	case omentypes.HealthWarming:
		return 50
	default:
		return 0
	}
}

func (r *Router) latencyScore(providerID string) float64 {
	ewma := r.reg.Health().GetAvgLatencyMs(providerID)
	return 100 * (1 - clamp01(ewma/2000))
}

func (r *Router) costScore(m omentypes.ModelDescriptor) float64 {
	blended := (m.CostInPer1K + m.CostOutPer1K) / 2
	if blended <= 0 {
		return 100
	}
	maxSeen := r.cfg.MaxCostPer1KSeen
	if maxSeen <= 0 {
		for _, c := range r.reg.Catalog() {
			if b := (c.CostInPer1K + c.CostOutPer1K) / 2; b > maxSeen {
				maxSeen = b
			}
		}
	}
	if maxSeen <= 0 {
		maxSeen = blended
	}
	return 100 * (1 - clamp01(blended/maxSeen))
}

func (r *Router) reliabilityScore(providerID string) float64 {
	stats := r.reg.Health().GetStats(providerID)
	successes := stats.TotalRequests - stats.TotalErrors
	return 100 * (float64(successes) / float64(successes+stats.TotalErrors+1))
}

// ProviderScore is one provider's scoring breakdown, for the admin/API
// surface's GET /omen/providers/scores endpoint (spec §6).
type ProviderScore struct {
	ProviderID       string
	HealthScore      float64
	LatencyMs        float64
	CostScore        float64
	ReliabilityScore float64
	OverallScore     float64
	Recommended      bool
}

// ProviderScores computes the current scoring breakdown for every
// registered provider, independent of any single request — cost is
// blended across that provider's cheapest catalog entry since there is
// no per-request token estimate to weigh it against. The highest-scoring
// available provider is marked Recommended.
func (r *Router) ProviderScores() []ProviderScore {
	w := r.cfg.Weights
	ids := r.reg.ProviderIDs()
	out := make([]ProviderScore, 0, len(ids))
	bestIdx, bestScore := -1, -1.0
	for i, id := range ids {
		health := r.healthScore(id)
		latency := r.latencyScore(id)
		cost := r.bestCostScore(id)
		reliability := r.reliabilityScore(id)
		overall := w.Health*health + w.Latency*latency + w.Cost*cost + w.Reliability*reliability
		out = append(out, ProviderScore{
			ProviderID:       id,
			HealthScore:      health,
			LatencyMs:        r.reg.Health().GetAvgLatencyMs(id),
			CostScore:        cost,
			ReliabilityScore: reliability,
			OverallScore:     overall,
		})
		if r.reg.Available(id) && overall > bestScore {
			bestScore = overall
			bestIdx = i
		}
	}
	if bestIdx >= 0 {
		out[bestIdx].Recommended = true
	}
	return out
}

// bestCostScore returns the cost score of the cheapest model a provider
// offers, so a provider isn't penalized in the score list for also
// offering an expensive model.
func (r *Router) bestCostScore(providerID string) float64 {
	best := -1.0
	for _, m := range r.reg.ModelsFor(providerID) {
		s := r.costScore(m)
		if s > best {
			best = s
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// EstimateCost projects a request's cost against one model descriptor,
// using a coarse chars/4 token estimate for input and the request's
// max_tokens (or defaultMaxTokens) for output.
func EstimateCost(req *omentypes.ChatRequest, m omentypes.ModelDescriptor, defaultMaxTokens int) float64 {
	var chars int
	for _, msg := range req.Messages {
		chars += len(msg.Content.FlattenText())
	}
	inputTokens := chars / 4
	outputTokens := req.Params.MaxTokens
	if outputTokens <= 0 {
		outputTokens = defaultMaxTokens
	}
	return float64(inputTokens)/1000*m.CostInPer1K + float64(outputTokens)/1000*m.CostOutPer1K
}

// resolveModel narrows the pool by the client's requested model string,
// per spec §4.3 step 5: "auto"/empty scores everything; "provider/model"
// narrows to one provider; a bare model id narrows to every provider
// offering it (an alias tie broken by scoring).
func resolveModel(pool []omentypes.ModelDescriptor, requested string) []omentypes.ModelDescriptor {
	if requested == "" || requested == "auto" {
		return pool
	}
	if providerID, modelID, ok := strings.Cut(requested, "/"); ok {
		out := pool[:0:0]
		for _, m := range pool {
			if m.ProviderID == providerID && m.ModelID == modelID {
				out = append(out, m)
			}
		}
		return out
	}
	out := pool[:0:0]
	for _, m := range pool {
		if m.ModelID == requested {
			out = append(out, m)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
