// Package router implements candidate selection and scoring: the
// 7-step pipeline and weighted multi-objective formula from spec §4.3.
// Grounded on internal/router/engine.go's eligibleModels/scoreModels
// (multi-objective weighted scoring, mode profiles), regeared onto the
// four normalized sub-scores spec §4.3 specifies instead of the
// teacher's five mode-weight profiles. The teacher's Orchestrate/
// adversarial/vote/refine multi-phase dispatch is dropped: the
// multiplexer's speculate_k/parallel_merge strategies generalize
// "send to several and pick" into the request-level vocabulary
// instead of a router-internal one.
package router

import "github.com/omen-gateway/omen/internal/omentypes"

// Weights are the four scoring dimensions' coefficients, spec §4.3
// defaults: health 0.40, latency 0.30, cost 0.20, reliability 0.10.
type Weights struct {
	Health      float64
	Latency     float64
	Cost        float64
	Reliability float64
}

// DefaultWeights returns the spec-mandated defaults.
func DefaultWeights() Weights {
	return Weights{Health: 0.40, Latency: 0.30, Cost: 0.20, Reliability: 0.10}
}

// IntentBias configures the score bonuses spec §4.3 assigns for
// intent/provider affinity: code/tests/regex favor local providers,
// reason/math favors cloud providers tagged "prefers reasoning".
type IntentBias struct {
	LocalProviders       map[string]bool
	ReasoningProviders    map[string]bool
	LocalBonus            float64
	ReasoningBonus        float64
}

// DefaultIntentBias has no providers tagged; callers populate
// LocalProviders/ReasoningProviders from their provider config.
func DefaultIntentBias() IntentBias {
	return IntentBias{
		LocalProviders:     map[string]bool{},
		ReasoningProviders: map[string]bool{},
		LocalBonus:         15,
		ReasoningBonus:     10,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func isCodeIntent(i omentypes.Intent) bool {
	return i == omentypes.IntentCode || i == omentypes.IntentTests || i == omentypes.IntentRegex
}

func isReasonIntent(i omentypes.Intent) bool {
	return i == omentypes.IntentReason || i == omentypes.IntentMath
}
