package quantum

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/encoder"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

// stubStrategy is a scripted strategy for executor tests.
type stubStrategy struct {
	name     string
	decision *api.RoutingDecision
	err      error
	delay    time.Duration
}

func (s stubStrategy) Name() string { return s.name }

func (s stubStrategy) Evaluate(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	// Clone so shared fixtures survive metadata mutation in collapse.
	return s.decision.Clone(), nil
}

func decisionFor(provider, model string, confidence float64) *api.RoutingDecision {
	return &api.RoutingDecision{
		Provider:        provider,
		Model:           model,
		CapabilityScore: confidence,
		Confidence:      confidence,
		Metadata:        map[string]interface{}{},
		DecidedAt:       time.Now(),
	}
}

func execRequest() *api.RouteRequest {
	return &api.RouteRequest{RequestID: "req-1", TaskType: api.TaskCodeGeneration, Prompt: "p"}
}

func executorSnapshot() registry.Snapshot {
	r := registry.New()
	r.Upsert(registry.Provider{Name: "alpha", Models: []string{"a1"}, Available: true})
	r.Upsert(registry.Provider{Name: "beta", Models: []string{"b1"}, Available: true})
	return r.Snapshot()
}

func TestExecuteOneFailsOneSucceeds(t *testing.T) {
	exec := NewExecutor(DefaultConfig(), []Strategy{
		stubStrategy{name: "broken", err: fmt.Errorf("backend down")},
		stubStrategy{name: "working", decision: decisionFor("alpha", "a1", 0.9)},
	})

	res, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Decision.Provider != "alpha" {
		t.Errorf("Expected alpha, got %s", res.Decision.Provider)
	}
	if res.Decision.Metadata["winning_strategy"] != "working" {
		t.Errorf("Expected winning_strategy=working, got %v", res.Decision.Metadata["winning_strategy"])
	}
	if res.Decision.Metadata["strategies_succeeded"] != 1 {
		t.Errorf("Expected 1 succeeded, got %v", res.Decision.Metadata["strategies_succeeded"])
	}
	if res.Decision.Metadata["strategies_total"] != 2 {
		t.Errorf("Expected 2 total, got %v", res.Decision.Metadata["strategies_total"])
	}
	if len(res.Alternatives) != 1 || res.Alternatives[0].Strategy != "broken" {
		t.Errorf("Expected the failed outcome among alternatives, got %+v", res.Alternatives)
	}
}

func TestExecuteAllFail(t *testing.T) {
	exec := NewExecutor(DefaultConfig(), []Strategy{
		stubStrategy{name: "a", err: fmt.Errorf("boom")},
		stubStrategy{name: "b", err: fmt.Errorf("also boom")},
	})

	if _, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot()); !errors.Is(err, ErrCollapseFailed) {
		t.Errorf("Expected ErrCollapseFailed, got %v", err)
	}
}

func TestExecuteNoStrategies(t *testing.T) {
	exec := NewExecutor(DefaultConfig(), nil)
	if _, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot()); !errors.Is(err, ErrCollapseFailed) {
		t.Errorf("Expected ErrCollapseFailed, got %v", err)
	}
}

func TestExecuteTimeoutProceedsWithCompleted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	exec := NewExecutor(cfg, []Strategy{
		stubStrategy{name: "fast", decision: decisionFor("alpha", "a1", 0.7)},
		stubStrategy{name: "slow", decision: decisionFor("beta", "b1", 0.99), delay: 2 * time.Second},
	})

	start := time.Now()
	res, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Decision.Provider != "alpha" {
		t.Errorf("Expected the fast strategy's decision, got %s", res.Decision.Provider)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Execute should return near the timeout, took %v", elapsed)
	}
}

func TestExecuteBestScoreWins(t *testing.T) {
	exec := NewExecutor(DefaultConfig(), []Strategy{
		stubStrategy{name: "weak", decision: decisionFor("alpha", "a1", 0.3)},
		stubStrategy{name: "strong", decision: decisionFor("beta", "b1", 0.9)},
	})

	res, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Decision.Provider != "beta" {
		t.Errorf("Best-score collapse should pick beta, got %s", res.Decision.Provider)
	}
	if res.Score <= 0 {
		t.Errorf("Winner score should be positive, got %f", res.Score)
	}
}

func TestExecuteMajorityCollapse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collapse = CollapseMajority
	exec := NewExecutor(cfg, []Strategy{
		stubStrategy{name: "s1", decision: decisionFor("alpha", "a1", 0.4)},
		stubStrategy{name: "s2", decision: decisionFor("alpha", "a1", 0.5)},
		stubStrategy{name: "s3", decision: decisionFor("beta", "b1", 0.99)},
	})

	res, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Decision.Provider != "alpha" {
		t.Errorf("Majority collapse should pick alpha (2 votes), got %s", res.Decision.Provider)
	}
	if res.Decision.Metadata["collapse_policy"] != string(CollapseMajority) {
		t.Errorf("Expected collapse_policy metadata, got %v", res.Decision.Metadata["collapse_policy"])
	}
}

func TestExecuteBlendCollapse(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Collapse = CollapseBlend
	exec := NewExecutor(cfg, []Strategy{
		stubStrategy{name: "s1", decision: decisionFor("alpha", "a1", 0.6)},
		stubStrategy{name: "s2", decision: decisionFor("alpha", "a1", 0.8)},
		stubStrategy{name: "s3", decision: decisionFor("beta", "b1", 0.7)},
	})

	res, err := exec.Execute(context.Background(), execRequest(), encoder.State{}, executorSnapshot())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	// Two agreeing alpha results carry more score mass than one beta.
	if res.Decision.Provider != "alpha" {
		t.Errorf("Blend collapse should pick alpha, got %s", res.Decision.Provider)
	}
	if res.Decision.Confidence <= 0 || res.Decision.Confidence > 1 {
		t.Errorf("Blended confidence out of range: %f", res.Decision.Confidence)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := NewExecutor(DefaultConfig(), []Strategy{
		stubStrategy{name: "slow", decision: decisionFor("alpha", "a1", 0.9), delay: time.Second},
	})

	if _, err := exec.Execute(ctx, execRequest(), encoder.State{}, executorSnapshot()); !errors.Is(err, ErrCollapseFailed) {
		t.Errorf("Cancelled context with no completed strategies should collapse-fail, got %v", err)
	}
}
