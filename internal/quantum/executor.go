package quantum

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/encoder"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

// ErrCollapseFailed is returned when no strategy produced a usable decision
// within the timeout budget. Individual strategy failures never surface;
// only the total loss does.
var ErrCollapseFailed = errors.New("quantum: all strategies failed to produce a decision")

// Strategy is one independent routing approach evaluated in parallel with
// the others. Evaluate must honor ctx cancellation and release resources
// promptly; a strategy that ignores deadline only delays itself, not the
// collapse.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error)
}

// CollapsePolicy selects how N parallel results reduce to one decision.
type CollapsePolicy string

const (
	// CollapseBestScore picks the single highest-scoring result (default).
	CollapseBestScore CollapsePolicy = "best_score"
	// CollapseMajority picks the provider/model agreed on by the most
	// strategies, breaking ties by score.
	CollapseMajority CollapsePolicy = "majority"
	// CollapseBlend picks the provider/model with the highest total score
	// mass and blends the agreeing results' confidences.
	CollapseBlend CollapsePolicy = "blend"
)

// Config tunes the executor.
type Config struct {
	// Timeout is the shared budget for the whole strategy batch.
	Timeout time.Duration

	Collapse CollapsePolicy

	// Scoring weights for successful results.
	ConfidenceWeight float64
	CapabilityWeight float64
	HistoryWeight    float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          2 * time.Second,
		Collapse:         CollapseBestScore,
		ConfidenceWeight: 0.4,
		CapabilityWeight: 0.3,
		HistoryWeight:    0.3,
	}
}

// Outcome is one strategy's result inside a collapse.
type Outcome struct {
	Strategy string               `json:"strategy"`
	Decision *api.RoutingDecision `json:"decision,omitempty"`
	Score    float64              `json:"score"`
	Err      string               `json:"error,omitempty"`
	Elapsed  time.Duration        `json:"elapsed"`
}

// Collapsed is the reduction of all strategy outcomes to one decision. It is
// transient: nothing outlives the request except metrics and the metadata
// snapshot carried on the decision.
type Collapsed struct {
	Decision      *api.RoutingDecision
	Score         float64
	ExecutionTime time.Duration
	Alternatives  []Outcome
}

// Executor fans a request out to every registered strategy concurrently and
// collapses whatever finishes inside the budget.
type Executor struct {
	cfg        Config
	strategies []Strategy
}

// NewExecutor creates an executor over a fixed strategy set.
func NewExecutor(cfg Config, strategies []Strategy) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Executor{cfg: cfg, strategies: strategies}
}

// Execute runs all strategies with the shared timeout and collapses. The
// timeout cancels still-running strategies; whatever completed in time joins
// the collapse. Returns ErrCollapseFailed only when nothing succeeded.
func (e *Executor) Execute(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*Collapsed, error) {
	if len(e.strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies configured", ErrCollapseFailed)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	results := make(chan Outcome, len(e.strategies))
	var wg sync.WaitGroup
	for _, s := range e.strategies {
		wg.Add(1)
		go func(s Strategy) {
			defer wg.Done()
			began := time.Now()
			d, err := s.Evaluate(ctx, req, state, snap)
			out := Outcome{Strategy: s.Name(), Elapsed: time.Since(began)}
			if err != nil {
				out.Err = err.Error()
			} else {
				out.Decision = d
				out.Score = e.score(d, snap)
			}
			results <- out
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var outcomes []Outcome
	collect := true
	for collect {
		select {
		case out := <-results:
			outcomes = append(outcomes, out)
			if len(outcomes) == len(e.strategies) {
				collect = false
			}
		case <-done:
			// Drain anything racing the close.
			for {
				select {
				case out := <-results:
					outcomes = append(outcomes, out)
				default:
					collect = false
				}
				if !collect {
					break
				}
			}
		case <-ctx.Done():
			// Budget exhausted: proceed with what completed.
			collect = false
		}
	}

	collapsed, err := e.collapse(outcomes)
	if err != nil {
		return nil, err
	}
	collapsed.ExecutionTime = time.Since(start)
	return collapsed, nil
}

// score applies the default weighted scoring: decision confidence,
// capability match, and the chosen provider's historical performance.
func (e *Executor) score(d *api.RoutingDecision, snap registry.Snapshot) float64 {
	history := 0.5
	if p, ok := snap.Lookup(d.Provider); ok {
		history = 0.5*p.Perf.SuccessRate + 0.3*p.Perf.AvgQuality + 0.2*p.Perf.Reputation
	}
	return e.cfg.ConfidenceWeight*d.Confidence +
		e.cfg.CapabilityWeight*d.CapabilityScore +
		e.cfg.HistoryWeight*history
}

func (e *Executor) collapse(outcomes []Outcome) (*Collapsed, error) {
	var ok []Outcome
	for _, o := range outcomes {
		if o.Decision != nil {
			ok = append(ok, o)
		}
	}
	if len(ok) == 0 {
		return nil, ErrCollapseFailed
	}

	var winner Outcome
	switch e.cfg.Collapse {
	case CollapseMajority:
		winner = collapseMajority(ok)
	case CollapseBlend:
		winner = collapseBlend(ok)
	default:
		winner = collapseBest(ok)
	}

	// The chosen decision carries the discarded alternatives for analysis.
	decision := winner.Decision.Clone()
	alts := make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Strategy == winner.Strategy {
			continue
		}
		alts = append(alts, o)
	}
	decision.Metadata["winning_strategy"] = winner.Strategy
	decision.Metadata["collapse_policy"] = string(e.cfg.Collapse)
	decision.Metadata["strategies_succeeded"] = len(ok)
	decision.Metadata["strategies_total"] = len(outcomes)

	return &Collapsed{
		Decision:     decision,
		Score:        winner.Score,
		Alternatives: alts,
	}, nil
}

func collapseBest(ok []Outcome) Outcome {
	best := ok[0]
	for _, o := range ok[1:] {
		if o.Score > best.Score {
			best = o
		}
	}
	return best
}

func collapseMajority(ok []Outcome) Outcome {
	votes := make(map[string]int)
	for _, o := range ok {
		votes[voteKey(o.Decision)]++
	}

	best := ok[0]
	bestVotes := votes[voteKey(best.Decision)]
	for _, o := range ok[1:] {
		v := votes[voteKey(o.Decision)]
		if v > bestVotes || (v == bestVotes && o.Score > best.Score) {
			best = o
			bestVotes = v
		}
	}
	return best
}

func collapseBlend(ok []Outcome) Outcome {
	mass := make(map[string]float64)
	conf := make(map[string]float64)
	for _, o := range ok {
		k := voteKey(o.Decision)
		mass[k] += o.Score
		conf[k] += o.Score * o.Decision.Confidence
	}

	bestKey := voteKey(ok[0].Decision)
	for k, m := range mass {
		if m > mass[bestKey] {
			bestKey = k
		}
	}

	var best Outcome
	found := false
	for _, o := range ok {
		if voteKey(o.Decision) != bestKey {
			continue
		}
		if !found || o.Score > best.Score {
			best = o
			found = true
		}
	}

	// Blended confidence for the winning pair, score-weighted.
	if mass[bestKey] > 0 {
		blended := best.Decision.Clone()
		blended.Confidence = clamp01(conf[bestKey] / mass[bestKey])
		best.Decision = blended
	}
	return best
}

func voteKey(d *api.RoutingDecision) string {
	return d.Provider + "/" + d.Model
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
