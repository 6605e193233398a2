// Package multiplex implements the stream fan-out strategies from spec
// §4.4: single, race, speculate_k, and parallel_merge. The teacher has
// no direct equivalent; this is grounded on internal/router/engine.go's
// vote() idiom — concurrent Sender.Send calls fanned into a buffered
// channel, tracked by a sync.WaitGroup, torn down via context
// cancellation — generalized from "one non-streaming call per
// candidate, pick a winner" to streaming, with the invariants spec
// §4.4/§5 requires: every provider invocation gets its own
// context.CancelFunc (cancellation is structural, not cooperative); no
// two providers' deltas interleave on the relayed channel; the client
// never sees a Delta before a winner is chosen; losers' partial usage
// is still accounted, just not surfaced; UsageUpdate always precedes
// End; a wall-clock deadline from admission degrades to single and logs
// strategy_degraded instead of silently ignoring it.
package multiplex

import (
	"context"
	"math/rand"
	"time"

	"github.com/omen-gateway/omen/internal/omentypes"
	"github.com/omen-gateway/omen/internal/providers"
	"github.com/omen-gateway/omen/internal/router"
)

// Candidate pairs a selected model with the adapter that serves it.
type Candidate struct {
	router.Candidate
	Adapter providers.Adapter
}

// Outcome is emitted once per candidate invocation when it finishes
// (successfully or not), for accounting and health/breaker feedback —
// including for candidates whose stream was never relayed to the client
// (losers).
type Outcome struct {
	ProviderID string
	ModelID    string
	Usage      omentypes.Usage
	LatencyMs  int64
	Err        error
	Relayed    bool // true if this candidate's stream reached the client
}

// BudgetChecker lets the multiplexer ask, mid-stream, whether continuing
// to accrue cost on the winning candidate would exceed the principal's
// budget. Implemented by internal/usage.Admission.
type BudgetChecker interface {
	ProjectedBudgetExceeded(ctx context.Context, principal omentypes.Principal, projectedCostUSD float64) (bool, error)
}

// Options configures one Run call.
type Options struct {
	Hint          omentypes.RoutingHint
	Principal     omentypes.Principal
	Budget        BudgetChecker
	AllowPromote  bool // not read by Run: race mode never promotes a loser after the winner fails, whatever this is set to
	OnOutcome     func(Outcome)
	OnDegraded    func(reason string)
	Merge         MergePolicy // parallel_merge's winner-selection policy; defaults to LongestCoherentMerge
}

// Run fans a request out across candidates per the strategy in
// opts.Hint.Strategy and returns the relayed event stream. The returned
// channel is closed when the relay ends (including on error); events on
// it always carry ProviderID/ModelID of the candidate that produced
// them.
func Run(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, opts Options) (<-chan omentypes.StreamEvent, error) {
	if len(candidates) == 0 {
		return nil, &NoCandidatesError{}
	}

	deadline := time.Duration(opts.Hint.MaxLatencyMs) * time.Millisecond
	strategy := opts.Hint.Strategy
	if strategy == "" {
		strategy = omentypes.StrategySingle
	}

	// Deadline enforcement: if the hint's latency budget is tighter than
	// what a multi-candidate strategy needs room to work with, degrade
	// to single rather than silently racing past the budget. A generous
	// floor (2s) is treated as "room enough"; anything tighter and
	// non-single strategies degrade.
	if strategy != omentypes.StrategySingle && deadline > 0 && deadline < 2*time.Second {
		if opts.OnDegraded != nil {
			opts.OnDegraded("strategy_degraded")
		}
		strategy = omentypes.StrategySingle
	}

	switch strategy {
	case omentypes.StrategyRace:
		return runRace(ctx, req, candidates, opts)
	case omentypes.StrategySpeculateK:
		return runSpeculateK(ctx, req, candidates, opts)
	case omentypes.StrategyParallelMerge:
		if req.Stream {
			// parallel_merge is non-streaming only; degrade to single
			// for a streaming caller rather than reject the request.
			if opts.OnDegraded != nil {
				opts.OnDegraded("strategy_degraded")
			}
			return runSingle(ctx, req, candidates[:1], opts)
		}
		return runParallelMerge(ctx, req, candidates, opts)
	default:
		return runSingle(ctx, req, candidates[:1], opts)
	}
}

// NoCandidatesError signals Run was called with an empty candidate list.
type NoCandidatesError struct{}

func (e *NoCandidatesError) Error() string { return "multiplex: no candidates" }

func withDeadline(ctx context.Context, hint omentypes.RoutingHint) (context.Context, context.CancelFunc) {
	if hint.MaxLatencyMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(hint.MaxLatencyMs)*time.Millisecond)
}

// invoke starts one candidate's stream under its own cancelable
// context and relays events into out, tracking usage for the Outcome
// callback. It never closes out; the caller owns that.
func invoke(ctx context.Context, req *omentypes.ChatRequest, c Candidate, relay bool, out chan<- omentypes.StreamEvent, opts Options) Outcome {
	start := time.Now()
	stream, err := c.Adapter.SendStream(ctx, c.ModelID, req)
	if err != nil {
		o := Outcome{ProviderID: c.ProviderID, ModelID: c.ModelID, Err: err, LatencyMs: time.Since(start).Milliseconds()}
		if opts.OnOutcome != nil {
			opts.OnOutcome(o)
		}
		return o
	}
	var usage omentypes.Usage
	for ev := range stream {
		ev.ProviderID = c.ProviderID
		ev.ModelID = c.ModelID
		if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
			usage = *ev.Usage
		}
		if relay {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
	}
	o := Outcome{ProviderID: c.ProviderID, ModelID: c.ModelID, Usage: usage, LatencyMs: time.Since(start).Milliseconds(), Relayed: relay}
	if opts.OnOutcome != nil {
		opts.OnOutcome(o)
	}
	return o
}

// runSingle is the base case: one candidate, direct relay, deadline
// applied, mid-stream budget enforcement applied against the winner
// (the only candidate).
func runSingle(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, opts Options) (<-chan omentypes.StreamEvent, error) {
	out := make(chan omentypes.StreamEvent, 16)
	dctx, cancel := withDeadline(ctx, opts.Hint)
	go func() {
		defer close(out)
		defer cancel()
		enforceBudgetMidStream(dctx, cancel, req, candidates[0], out, opts)
	}()
	return out, nil
}

// enforceBudgetMidStream wraps invoke for a single relayed candidate,
// watching each UsageUpdate for a projected-budget breach and
// cancelling the stream (emitting a BudgetExceeded error event at the
// next delta boundary) if one occurs.
func enforceBudgetMidStream(ctx context.Context, cancel context.CancelFunc, req *omentypes.ChatRequest, c Candidate, out chan<- omentypes.StreamEvent, opts Options) {
	start := time.Now()
	stream, err := c.Adapter.SendStream(ctx, c.ModelID, req)
	if err != nil {
		out <- omentypes.StreamEvent{Kind: omentypes.EventError, ErrKind: "provider_unavailable", ErrMessage: err.Error(), ProviderID: c.ProviderID, ModelID: c.ModelID}
		if opts.OnOutcome != nil {
			opts.OnOutcome(Outcome{ProviderID: c.ProviderID, ModelID: c.ModelID, Err: err, LatencyMs: time.Since(start).Milliseconds()})
		}
		return
	}
	var usage omentypes.Usage
	for ev := range stream {
		ev.ProviderID = c.ProviderID
		ev.ModelID = c.ModelID
		if ev.Kind == omentypes.EventUsageUpdate && ev.Usage != nil {
			usage = *ev.Usage
			if opts.Budget != nil {
				exceeded, berr := opts.Budget.ProjectedBudgetExceeded(ctx, opts.Principal, usage.CostUSD)
				if berr == nil && exceeded {
					out <- ev
					out <- omentypes.StreamEvent{Kind: omentypes.EventError, ErrKind: "budget_exceeded", ErrMessage: "projected cost exceeds principal budget", ProviderID: c.ProviderID, ModelID: c.ModelID}
					cancel()
					if opts.OnOutcome != nil {
						opts.OnOutcome(Outcome{ProviderID: c.ProviderID, ModelID: c.ModelID, Usage: usage, LatencyMs: time.Since(start).Milliseconds(), Relayed: true})
					}
					return
				}
			}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
	if opts.OnOutcome != nil {
		opts.OnOutcome(Outcome{ProviderID: c.ProviderID, ModelID: c.ModelID, Usage: usage, LatencyMs: time.Since(start).Milliseconds(), Relayed: true})
	}
}

// runRace starts every candidate concurrently, each buffering its own
// events privately until one produces a useful token (MinUsefulTokens
// worth of Delta text, or a ToolCall), at which point it is declared
// winner: its buffered events flush to out in order, then its stream
// relays live. Every other candidate is cancelled immediately. Losers'
// usage is still reported via OnOutcome for accounting, never relayed.
func runRace(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, opts Options) (<-chan omentypes.StreamEvent, error) {
	out := make(chan omentypes.StreamEvent, 16)
	dctx, cancel := withDeadline(ctx, opts.Hint)

	type lane struct {
		cand   Candidate
		cancel context.CancelFunc
		events chan omentypes.StreamEvent
	}
	lanes := make([]*lane, len(candidates))
	for i, c := range candidates {
		lctx, lcancel := context.WithCancel(dctx)
		l := &lane{cand: c, cancel: lcancel, events: make(chan omentypes.StreamEvent, 32)}
		lanes[i] = l
		go func(l *lane, lctx context.Context) {
			invoke(lctx, req, l.cand, true, l.events, opts)
			close(l.events)
		}(l, lctx)
	}

	go func() {
		defer close(out)
		defer cancel()
		defer func() {
			for _, l := range lanes {
				l.cancel()
			}
		}()

		winner := -1
		buffers := make([][]omentypes.StreamEvent, len(lanes))
		usefulTokens := make([]int, len(lanes))
		minUseful := opts.Hint.MinUsefulTokens
		if minUseful <= 0 {
			minUseful = 1
		}

		done := make([]bool, len(lanes))
		remaining := len(lanes)
		for remaining > 0 && winner < 0 {
			for i, l := range lanes {
				if done[i] {
					continue
				}
				select {
				case ev, ok := <-l.events:
					if !ok {
						done[i] = true
						remaining--
						continue
					}
					buffers[i] = append(buffers[i], ev)
					if ev.Kind == omentypes.EventDelta && len(ev.Text) > 0 {
						usefulTokens[i]++
					}
					if ev.Kind == omentypes.EventToolCall || usefulTokens[i] >= minUseful {
						winner = i
					}
				case <-dctx.Done():
					return
				default:
				}
			}
			if winner < 0 && remaining > 0 {
				time.Sleep(2 * time.Millisecond)
			}
		}
		if winner < 0 {
			// Every lane ended without a useful token; relay whichever
			// buffered the most, so the caller still gets a response.
			winner = bestEffortLane(buffers)
			if winner < 0 {
				return
			}
		}

		for i, l := range lanes {
			if i != winner {
				l.cancel()
			}
		}

		for _, ev := range buffers[winner] {
			select {
			case out <- ev:
			case <-dctx.Done():
				return
			}
		}
		for ev := range lanes[winner].events {
			select {
			case out <- ev:
			case <-dctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func bestEffortLane(buffers [][]omentypes.StreamEvent) int {
	best, bestLen := -1, -1
	for i, b := range buffers {
		if len(b) > bestLen {
			best, bestLen = i, len(b)
		}
	}
	return best
}

// runSpeculateK starts the first candidate immediately and staggers the
// rest with a 120-250ms jitter, per spec §4.4. Whichever lane first
// proves useful wins, exactly as in race; if a later-started lane wins
// over the leader, an Upgrade event is relayed first so the client can
// observe the swap.
func runSpeculateK(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, opts Options) (<-chan omentypes.StreamEvent, error) {
	out := make(chan omentypes.StreamEvent, 16)
	dctx, cancel := withDeadline(ctx, opts.Hint)

	type lane struct {
		cand    Candidate
		cancel  context.CancelFunc
		events  chan omentypes.StreamEvent
		started chan struct{}
	}
	lanes := make([]*lane, len(candidates))
	for i, c := range candidates {
		lctx, lcancel := context.WithCancel(dctx)
		l := &lane{cand: c, cancel: lcancel, events: make(chan omentypes.StreamEvent, 32), started: make(chan struct{})}
		lanes[i] = l
		delay := time.Duration(0)
		if i > 0 {
			delay = time.Duration(120+rand.Intn(130)) * time.Millisecond
		}
		go func(l *lane, lctx context.Context, delay time.Duration) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-lctx.Done():
					close(l.events)
					return
				}
			}
			close(l.started)
			invoke(lctx, req, l.cand, true, l.events, opts)
			close(l.events)
		}(l, lctx, delay)
	}

	go func() {
		defer close(out)
		defer cancel()
		defer func() {
			for _, l := range lanes {
				l.cancel()
			}
		}()

		leader := 0
		winner := -1
		buffers := make([][]omentypes.StreamEvent, len(lanes))
		usefulTokens := make([]int, len(lanes))
		minUseful := opts.Hint.MinUsefulTokens
		if minUseful <= 0 {
			minUseful = 1
		}
		done := make([]bool, len(lanes))
		remaining := len(lanes)
		for remaining > 0 && winner < 0 {
			for i, l := range lanes {
				if done[i] {
					continue
				}
				select {
				case ev, ok := <-l.events:
					if !ok {
						done[i] = true
						remaining--
						continue
					}
					buffers[i] = append(buffers[i], ev)
					if ev.Kind == omentypes.EventDelta && len(ev.Text) > 0 {
						usefulTokens[i]++
					}
					if ev.Kind == omentypes.EventToolCall || usefulTokens[i] >= minUseful {
						winner = i
					}
				case <-dctx.Done():
					return
				default:
				}
			}
			if winner < 0 && remaining > 0 {
				time.Sleep(2 * time.Millisecond)
			}
		}
		if winner < 0 {
			winner = bestEffortLane(buffers)
			if winner < 0 {
				return
			}
		}

		for i, l := range lanes {
			if i != winner {
				l.cancel()
			}
		}

		if winner != leader {
			select {
			case out <- omentypes.StreamEvent{
				Kind:                 omentypes.EventUpgrade,
				UpgradeFromProvider:  lanes[leader].cand.ProviderID,
				UpgradeToProvider:    lanes[winner].cand.ProviderID,
			}:
			case <-dctx.Done():
				return
			}
		}

		for _, ev := range buffers[winner] {
			select {
			case out <- ev:
			case <-dctx.Done():
				return
			}
		}
		for ev := range lanes[winner].events {
			select {
			case out <- ev:
			case <-dctx.Done():
				return
			}
		}
	}()

	return out, nil
}

type nonStreamResult struct {
	idx    int
	result *providers.ChatResult
	err    error
}

// MergePolicy picks the winning result among parallel_merge's completed
// candidates. results[i] is nil for any candidate that errored. The
// default, LongestCoherentMerge, is spec §4.4's merge policy; a caller
// may substitute another policy via Options.Merge.
type MergePolicy func(results []*providers.ChatResult) int

// LongestCoherentMerge implements spec §4.4's default parallel_merge
// policy: the response with the most content wins, on the theory that a
// longer completion is less likely to have been cut short by a
// provider-side truncation or an early stop. Ties fall back to
// candidate (score) order, since results is already sorted that way.
func LongestCoherentMerge(results []*providers.ChatResult) int {
	winner := -1
	longest := -1
	for i, r := range results {
		if r == nil {
			continue
		}
		n := len([]rune(r.Content))
		if n > longest {
			longest = n
			winner = i
		}
	}
	return winner
}

// RunNonStream executes parallel_merge's non-streaming run-to-completion
// path directly, for callers (the httpapi non-streaming handler) that
// want the ChatResult rather than a StreamEvent channel. Every
// candidate runs to completion regardless of which one wins — spec
// §4.4 treats parallel_merge's redundant cost as the point, not a
// defect — and the winner is chosen by opts.Merge (LongestCoherentMerge
// if unset), with every other candidate's usage still reported as an
// unrelayed Outcome.
func RunNonStream(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, opts Options) (*providers.ChatResult, string, string, error) {
	resultsCh := make(chan nonStreamResult, len(candidates))
	dctx, cancel := withDeadline(ctx, opts.Hint)
	defer cancel()

	for i, c := range candidates {
		i, c := i, c
		go func() {
			r, err := c.Adapter.Send(dctx, c.ModelID, req)
			resultsCh <- nonStreamResult{idx: i, result: r, err: err}
		}()
	}

	results := make([]nonStreamResult, len(candidates))
	for range candidates {
		r := <-resultsCh
		results[r.idx] = r
	}

	merge := opts.Merge
	if merge == nil {
		merge = LongestCoherentMerge
	}
	candidateResults := make([]*providers.ChatResult, len(results))
	for i, r := range results {
		if r.err == nil {
			candidateResults[i] = r.result
		}
	}
	winner := merge(candidateResults)

	for i, r := range results {
		o := Outcome{ProviderID: candidates[i].ProviderID, ModelID: candidates[i].ModelID, Err: r.err, Relayed: i == winner}
		if r.result != nil {
			o.Usage = r.result.Usage
		}
		if opts.OnOutcome != nil {
			opts.OnOutcome(o)
		}
	}

	if winner < 0 {
		return nil, "", "", results[0].err
	}
	return results[winner].result, candidates[winner].ProviderID, candidates[winner].ModelID, nil
}

// runParallelMerge adapts RunNonStream's run-to-completion result onto
// the channel-based Run interface, for callers that always go through
// Run regardless of strategy. Callers who already know they're
// non-streaming should call RunNonStream directly and skip the
// synthesized events.
func runParallelMerge(ctx context.Context, req *omentypes.ChatRequest, candidates []Candidate, opts Options) (<-chan omentypes.StreamEvent, error) {
	out := make(chan omentypes.StreamEvent, 4)
	go func() {
		defer close(out)
		result, providerID, modelID, err := RunNonStream(ctx, req, candidates, opts)
		if err != nil {
			out <- omentypes.StreamEvent{Kind: omentypes.EventError, ErrKind: "provider_unavailable", ErrMessage: err.Error()}
			return
		}
		out <- omentypes.StreamEvent{Kind: omentypes.EventDelta, Text: result.Content, ProviderID: providerID, ModelID: modelID}
		usage := result.Usage
		out <- omentypes.StreamEvent{Kind: omentypes.EventUsageUpdate, Usage: &usage, ProviderID: providerID, ModelID: modelID}
		out <- omentypes.StreamEvent{Kind: omentypes.EventEnd, FinishReason: omentypes.FinishStop, ProviderID: providerID, ModelID: modelID}
	}()
	return out, nil
}
