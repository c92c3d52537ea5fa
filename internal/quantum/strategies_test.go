package quantum

import (
	"context"
	"testing"

	"github.com/arbiterlabs/arbiter/internal/agent"
	"github.com/arbiterlabs/arbiter/internal/encoder"
	"github.com/arbiterlabs/arbiter/internal/refine"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

func strategyRegistry() *registry.Registry {
	r := registry.New()
	r.Upsert(registry.Provider{Name: "cheap", Models: []string{"c1"}, CostPerMTok: 1, Available: true})
	r.Upsert(registry.Provider{Name: "fast", Models: []string{"f1"}, CostPerMTok: 30, Premium: true, Available: true})

	for i := 0; i < 20; i++ {
		r.RecordOutcome("cheap", true, 2500, 0.6)
		r.RecordOutcome("fast", true, 300, 0.9)
	}
	return r
}

func TestCostEfficientPicksCheapest(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	d, err := CostEfficient{}.Evaluate(context.Background(), execRequest(), encoder.State{}, snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Provider != "cheap" {
		t.Errorf("Expected cheap, got %s", d.Provider)
	}
	if d.Confidence <= 0 || d.Confidence > 1 {
		t.Errorf("Confidence out of range: %f", d.Confidence)
	}
}

func TestPerformanceFocusedPicksFastest(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	d, err := PerformanceFocused{}.Evaluate(context.Background(), execRequest(), encoder.State{}, snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Provider != "fast" {
		t.Errorf("Expected fast, got %s", d.Provider)
	}
}

func TestPremiumConstraintFilters(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	req := execRequest()
	req.Constraints.RequirePremium = true

	d, err := CostEfficient{}.Evaluate(context.Background(), req, encoder.State{}, snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Provider != "fast" {
		t.Errorf("Premium constraint should exclude non-premium providers, got %s", d.Provider)
	}
}

func TestHeuristicsNoCandidates(t *testing.T) {
	r := registry.New()
	r.Upsert(registry.Provider{Name: "down", Models: []string{"m"}, Available: false})
	snap := r.Snapshot()

	if _, err := (CostEfficient{}).Evaluate(context.Background(), execRequest(), encoder.State{}, snap); err == nil {
		t.Error("Expected an error with no available providers")
	}
	if _, err := (PerformanceFocused{}).Evaluate(context.Background(), execRequest(), encoder.State{}, snap); err == nil {
		t.Error("Expected an error with no available providers")
	}
}

func strategyAgent(t *testing.T, snap registry.Snapshot, epsilon float64) *agent.Agent {
	t.Helper()
	providers := make([]registry.Provider, 0, len(snap.Providers))
	for _, p := range snap.Providers {
		providers = append(providers, p.Provider)
	}
	cfg := agent.DefaultConfig()
	cfg.EpsilonStart = epsilon
	a, err := agent.New(encoder.StateDim, agent.BuildActionSpace(providers), cfg)
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}
	return a
}

func testState() encoder.State {
	v := make([]float64, encoder.StateDim)
	for i := range v {
		v[i] = 0.5
	}
	return encoder.State{Vector: v, Complexity: 0.4}
}

func TestPolicyStrategy(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	a := strategyAgent(t, snap, 0)

	d, err := Policy{Agent: a}.Evaluate(context.Background(), execRequest(), testState(), snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if _, ok := a.ActionSpace().Index(d.Provider, d.Model); !ok {
		t.Errorf("Policy picked %s/%s outside the action space", d.Provider, d.Model)
	}
	if _, ok := d.Metadata["action_index"]; !ok {
		t.Error("Expected action_index metadata")
	}
	if d.Metadata["explored"] != false {
		t.Error("Greedy pick should not be marked explored")
	}
}

func TestPolicyRespectsPreferredProviders(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	a := strategyAgent(t, snap, 1.0) // pure exploration stresses the mask

	req := execRequest()
	req.PreferredProviders = []string{"cheap"}

	for i := 0; i < 30; i++ {
		d, err := Policy{Agent: a}.Evaluate(context.Background(), req, testState(), snap)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if d.Provider != "cheap" {
			t.Fatalf("Preferred-provider mask violated: got %s", d.Provider)
		}
	}
}

func TestRefinedStrategy(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	a := strategyAgent(t, snap, 0)

	rcfg := refine.DefaultConfig()
	rcfg.AnswerDim = a.ActionSpace().Size()
	m := refine.New(rcfg)

	d, err := Refined{Agent: a, Refiner: m}.Evaluate(context.Background(), execRequest(), testState(), snap)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if _, ok := a.ActionSpace().Index(d.Provider, d.Model); !ok {
		t.Errorf("Refined picked %s/%s outside the action space", d.Provider, d.Model)
	}
	steps, ok := d.Metadata["refinement_steps"].(int)
	if !ok || steps < 1 {
		t.Errorf("Expected at least one refinement step, got %v", d.Metadata["refinement_steps"])
	}
	if _, ok := d.Metadata["refinement_trace"].([]refine.Step); !ok {
		t.Error("Expected the step trace in metadata for feedback attribution")
	}
}

func TestAgentStrategiesCancelledContext(t *testing.T) {
	snap := strategyRegistry().Snapshot()
	a := strategyAgent(t, snap, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := (Policy{Agent: a}).Evaluate(ctx, execRequest(), testState(), snap); err == nil {
		t.Error("Policy should honor context cancellation")
	}
}
