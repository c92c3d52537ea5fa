package quantum

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/arbiterlabs/arbiter/internal/agent"
	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/encoder"
	"github.com/arbiterlabs/arbiter/internal/refine"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

// capabilityScore estimates how well a provider fits a task of the given
// complexity: quality matters more as complexity rises, raw success rate
// more for simple work.
func capabilityScore(p registry.ProviderSnapshot, complexity float64) float64 {
	base := (1-complexity)*p.Perf.SuccessRate + complexity*p.Perf.AvgQuality
	return clamp01(0.8*base + 0.2*p.Perf.Reputation)
}

// candidates filters the snapshot against the request's hard constraints.
func candidates(req *api.RouteRequest, snap registry.Snapshot) []registry.ProviderSnapshot {
	out := make([]registry.ProviderSnapshot, 0, len(snap.Providers))
	for _, p := range snap.Available() {
		if req.Constraints.RequirePremium && !p.Premium {
			continue
		}
		out = append(out, p)
	}
	return out
}

func newDecision(p registry.ProviderSnapshot, model, persona string, state encoder.State, confidence float64, reasoning string) *api.RoutingDecision {
	return &api.RoutingDecision{
		Provider:        p.Name,
		Model:           model,
		Persona:         persona,
		ComplexityScore: state.Complexity,
		ContextScore:    clamp01(p.Perf.AvgQuality),
		CapabilityScore: capabilityScore(p, state.Complexity),
		Confidence:      clamp01(confidence),
		Reasoning:       reasoning,
		Metadata:        map[string]interface{}{},
		DecidedAt:       time.Now(),
	}
}

// primaryModel picks a provider's default model: the first listed.
func primaryModel(p registry.ProviderSnapshot) string {
	return p.Models[0]
}

// CostEfficient routes to the cheapest capable provider; a deterministic
// heuristic with no learning.
type CostEfficient struct{}

func (CostEfficient) Name() string { return "cost_efficient" }

func (CostEfficient) Evaluate(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cands := candidates(req, snap)
	if len(cands) == 0 {
		return nil, fmt.Errorf("cost_efficient: no available providers")
	}

	best := cands[0]
	bestScore := costScore(best)
	for _, p := range cands[1:] {
		if s := costScore(p); s > bestScore {
			best, bestScore = p, s
		}
	}

	conf := 0.4 + 0.4*best.Perf.SuccessRate
	return newDecision(best, primaryModel(best), req.Persona, state, conf,
		fmt.Sprintf("cheapest capable provider (%.2f USD/Mtok, success %.2f)", best.CostPerMTok, best.Perf.SuccessRate)), nil
}

// costScore trades price against a floor of reliability: a cheap provider
// that always fails is not cheap.
func costScore(p registry.ProviderSnapshot) float64 {
	price := 1 - clamp01(p.CostPerMTok/100.0)
	return 0.7*price + 0.3*p.Perf.SuccessRate
}

// PerformanceFocused routes to the provider with the best composite of
// success rate, latency and quality.
type PerformanceFocused struct {
	// TargetLatencyMs normalizes latency; zero means 2000.
	TargetLatencyMs float64
}

func (PerformanceFocused) Name() string { return "performance_focused" }

func (s PerformanceFocused) Evaluate(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cands := candidates(req, snap)
	if len(cands) == 0 {
		return nil, fmt.Errorf("performance_focused: no available providers")
	}

	target := s.TargetLatencyMs
	if target <= 0 {
		target = 2000
	}

	score := func(p registry.ProviderSnapshot) float64 {
		speed := 1 - clamp01(p.Perf.AvgLatencyMs/target)
		return 0.5*p.Perf.SuccessRate + 0.3*speed + 0.2*p.Perf.AvgQuality
	}

	best := cands[0]
	bestScore := score(best)
	for _, p := range cands[1:] {
		if v := score(p); v > bestScore {
			best, bestScore = p, v
		}
	}

	conf := 0.5 + 0.4*best.Perf.SuccessRate
	return newDecision(best, primaryModel(best), req.Persona, state, conf,
		fmt.Sprintf("best composite performance (success %.2f, latency %.0fms)", best.Perf.SuccessRate, best.Perf.AvgLatencyMs)), nil
}

// Policy is the DQN-backed strategy: epsilon-greedy action selection over
// the learned Q-values, masked to valid actions.
type Policy struct {
	Agent *agent.Agent
}

func (Policy) Name() string { return "policy" }

func (s Policy) Evaluate(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	space := s.Agent.ActionSpace()
	mask := space.ValidMask(snap, req.PreferredProviders)
	idx, qValue, explored := s.Agent.SelectAction(state.Vector, mask)
	if idx < 0 {
		return nil, fmt.Errorf("policy: no valid actions")
	}

	action, err := space.At(idx)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Lookup(action.Provider)
	if !ok {
		return nil, fmt.Errorf("policy: provider %s vanished from snapshot", action.Provider)
	}

	stats := s.Agent.Stats()
	conf := policyConfidence(qValue, stats.Phase, explored)

	reasoning := fmt.Sprintf("learned policy (%s phase, q=%.3f)", stats.Phase, qValue)
	if explored {
		reasoning = fmt.Sprintf("exploratory pick (epsilon %.2f)", stats.Epsilon)
	}

	d := newDecision(p, action.Model, req.Persona, state, conf, reasoning)
	d.Metadata["action_index"] = idx
	d.Metadata["explored"] = explored
	return d, nil
}

// policyConfidence maps a raw Q-value to [0, 1], discounted while the agent
// is still exploring.
func policyConfidence(q float64, phase agent.Phase, explored bool) float64 {
	conf := sigmoidScale(q)
	switch phase {
	case agent.PhaseExploration:
		conf *= 0.6
	case agent.PhaseLearning:
		conf *= 0.8
	}
	if explored {
		conf *= 0.7
	}
	return conf
}

func sigmoidScale(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// Refined runs the policy's Q-values through the refinement module for a
// second opinion with adaptive computation: obvious picks halt in a step or
// two, contested ones refine longer.
type Refined struct {
	Agent   *agent.Agent
	Refiner *refine.Module
}

func (Refined) Name() string { return "refined" }

func (s Refined) Evaluate(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	space := s.Agent.ActionSpace()
	mask := space.ValidMask(snap, req.PreferredProviders)
	q := s.Agent.QValues(state.Vector)

	// Seed the answer embedding with the valid Q-values as provider logits.
	answer := make([]float64, len(q))
	anyValid := false
	for i := range q {
		if i < len(mask) && mask[i] {
			answer[i] = q[i]
			anyValid = true
		}
	}
	if !anyValid {
		return nil, fmt.Errorf("refined: no valid actions")
	}

	res := s.Refiner.Refine(state.Vector, answer, nil)

	// The refined answer re-ranks valid actions.
	best := -1
	for i := range res.Answer {
		if i >= len(mask) || !mask[i] {
			continue
		}
		if best < 0 || res.Answer[i] > res.Answer[best] {
			best = i
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("refined: refinement produced no valid ranking")
	}

	action, err := space.At(best)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Lookup(action.Provider)
	if !ok {
		return nil, fmt.Errorf("refined: provider %s vanished from snapshot", action.Provider)
	}

	reasoning := fmt.Sprintf("refined ranking over %d steps", len(res.Steps))
	if res.Halted {
		reasoning = fmt.Sprintf("refined ranking halted early after %d steps", len(res.Steps))
	}

	d := newDecision(p, action.Model, req.Persona, state, res.Confidence, reasoning)
	d.Metadata["action_index"] = best
	d.Metadata["refinement_steps"] = len(res.Steps)
	d.Metadata["refinement_halted"] = res.Halted
	// The step trace feeds halting-head feedback once the outcome arrives;
	// the router strips it before the decision is cached or serialized.
	d.Metadata["refinement_trace"] = res.Steps
	return d, nil
}
