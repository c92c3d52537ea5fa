package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiterlabs/arbiter/internal/agent"
	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/cache"
	"github.com/arbiterlabs/arbiter/internal/encoder"
	"github.com/arbiterlabs/arbiter/internal/metrics"
	"github.com/arbiterlabs/arbiter/internal/quantum"
	"github.com/arbiterlabs/arbiter/internal/refine"
	"github.com/arbiterlabs/arbiter/internal/registry"
	"github.com/arbiterlabs/arbiter/internal/replay"
)

// ErrFallbackExhausted is the single hard error a caller can see: even the
// deterministic fallback could not produce a decision because no provider
// with at least one model is configured.
var ErrFallbackExhausted = errors.New("router: no routable providers configured")

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	CacheSize      int
	CacheTTL       time.Duration
	PendingTTL     time.Duration // how long a decision waits for its outcome
	TrainInterval  time.Duration
	BatchSize      int
	BufferCapacity int
	Seed           int64

	Encoder encoder.Config
	Agent   agent.Config
	Refine  refine.Config
	Quantum quantum.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize:      4096,
		CacheTTL:       5 * time.Minute,
		PendingTTL:     10 * time.Minute,
		TrainInterval:  5 * time.Second,
		BatchSize:      32,
		BufferCapacity: 10000,
		Seed:           1,
		Encoder:        encoder.DefaultConfig(),
		Agent:          agent.DefaultConfig(),
		Refine:         refine.DefaultConfig(),
		Quantum:        quantum.DefaultConfig(),
	}
}

// Engine owns the whole routing pipeline: encode, cache lookup, parallel
// strategy execution, collapse, fallback, and the asynchronous learning
// loop. One Engine is constructed at process start and shared by all
// request handlers; there are no package-level singletons.
type Engine struct {
	cfg     Config
	enc     *encoder.Encoder
	reg     *registry.Registry
	agent   *agent.Agent // nil when no actions are configured
	refiner *refine.Module
	exec    *quantum.Executor
	cache   *cache.DecisionCache[*api.RoutingDecision]
	store   cache.Store // optional shared store; nil means in-process only
	buffer  *replay.Buffer
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[string]*pendingDecision

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// pendingDecision holds what reward attribution needs once the execution
// outcome arrives, possibly after the response was already returned.
type pendingDecision struct {
	state     encoder.State
	actionIdx int
	decision  *api.RoutingDecision
	steps     []refine.Step
	createdAt time.Time
}

// New constructs an engine over a registry. The action space is frozen from
// the registry's configured providers at this point; availability changes
// flow through the valid mask, but adding providers requires a new engine
// (and invalidates saved checkpoints).
func New(cfg Config, reg *registry.Registry, store cache.Store, m *metrics.Metrics) (*Engine, error) {
	cfg = mergeDefaults(cfg)

	snap := reg.Snapshot()
	space := agent.BuildActionSpace(providersOf(snap))

	var policy *agent.Agent
	var refiner *refine.Module
	var strategies []quantum.Strategy

	strategies = append(strategies,
		quantum.CostEfficient{},
		quantum.PerformanceFocused{TargetLatencyMs: cfg.Encoder.TargetLatencyMs},
	)

	if space.Size() > 0 {
		var err error
		policy, err = agent.New(encoder.StateDim, space, cfg.Agent)
		if err != nil {
			return nil, fmt.Errorf("router: build agent: %w", err)
		}

		// The refiner re-ranks the action space, so its answer embedding
		// is one logit per action.
		rcfg := cfg.Refine
		rcfg.AnswerDim = space.Size()
		refiner = refine.New(rcfg)

		strategies = append(strategies,
			quantum.Policy{Agent: policy},
			quantum.Refined{Agent: policy, Refiner: refiner},
		)
	}

	dc, err := cache.NewDecisionCache[*api.RoutingDecision](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("router: build cache: %w", err)
	}

	return &Engine{
		cfg:     cfg,
		enc:     encoder.New(cfg.Encoder),
		reg:     reg,
		agent:   policy,
		refiner: refiner,
		exec:    quantum.NewExecutor(cfg.Quantum, strategies),
		cache:   dc,
		store:   store,
		buffer:  replay.New(cfg.BufferCapacity, cfg.Seed),
		metrics: m,
		tracer:  otel.Tracer("arbiter/router"),
		pending: make(map[string]*pendingDecision),
		stopCh:  make(chan struct{}),
	}, nil
}

// Route produces a routing decision for a request. Callers always receive a
// decision (possibly a degraded fallback with metadata.fallback_used=true);
// the only error is ErrFallbackExhausted when nothing is configured, plus
// validation errors for malformed requests.
func (e *Engine) Route(ctx context.Context, req *api.RouteRequest) (*api.RoutingDecision, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now()
	}

	start := time.Now()
	e.metrics.RoutesTotal.Inc()

	ctx, span := e.tracer.Start(ctx, "engine.route", trace.WithAttributes(
		attribute.String("task_type", string(req.TaskType)),
	))
	defer span.End()
	defer func() {
		e.metrics.RouteLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	snap := e.reg.Snapshot()
	state := e.enc.Encode(req, snap)
	fingerprint := api.Fingerprint(req)

	if !req.ForceRefresh {
		if d, ok := e.lookupCache(ctx, fingerprint); ok {
			e.metrics.CacheHits.Inc()
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return d, nil
		}
	}

	decision, err := e.decide(ctx, req, state, snap)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("provider", decision.Provider),
		attribute.String("model", decision.Model),
	)

	steps := popRefinementTrace(decision)
	e.storeDecision(fingerprint, decision)
	e.trackPending(req.RequestID, state, decision, steps)

	e.metrics.DecisionsByProvider.WithLabelValues(decision.Provider).Inc()
	if s, ok := decision.Metadata["winning_strategy"].(string); ok {
		e.metrics.DecisionsByStrategy.WithLabelValues(s).Inc()
	}

	return decision, nil
}

// decide runs the strategy batch and applies the fallback ladder.
func (e *Engine) decide(ctx context.Context, req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	collapsed, err := e.exec.Execute(ctx, req, state, snap)
	if err == nil {
		d := collapsed.Decision
		d.Metadata["fallback_used"] = false
		d.Metadata["alternatives"] = summarizeAlternatives(collapsed.Alternatives)
		e.metrics.QuantumLatency.Observe(float64(collapsed.ExecutionTime.Milliseconds()))
		if n, ok := d.Metadata["refinement_steps"].(int); ok {
			e.metrics.RefinementSteps.Observe(float64(n))
		}
		return d, nil
	}

	// Collapse failure (timeout or every strategy failing) never reaches the
	// caller: the deterministic heuristic takes over.
	e.metrics.CollapseFailures.Inc()
	log.Printf("router: strategy collapse failed, using fallback: %v", err)

	d, ferr := e.fallback(req, state, snap)
	if ferr != nil {
		return nil, ferr
	}
	e.metrics.FallbacksUsed.Inc()
	return d, nil
}

// fallback is the deterministic heuristic router: no learning, no
// parallelism, no refinement. It prefers available providers by composite
// historical performance, and when everything is marked unavailable it still
// routes to the best configured provider rather than failing. It only
// errors when not a single provider with a model exists.
func (e *Engine) fallback(req *api.RouteRequest, state encoder.State, snap registry.Snapshot) (*api.RoutingDecision, error) {
	pool := snap.Available()
	degraded := false
	if len(pool) == 0 {
		degraded = true
		for _, p := range snap.Providers {
			if len(p.Models) > 0 {
				pool = append(pool, p)
			}
		}
	}
	if len(pool) == 0 {
		return nil, ErrFallbackExhausted
	}

	score := func(p registry.ProviderSnapshot) float64 {
		return 0.5*p.Perf.SuccessRate + 0.3*p.Perf.AvgQuality + 0.2*p.Perf.Reputation
	}
	sort.Slice(pool, func(i, j int) bool {
		si, sj := score(pool[i]), score(pool[j])
		if si != sj {
			return si > sj
		}
		return pool[i].Name < pool[j].Name
	})
	best := pool[0]

	confidence := 0.3 + 0.2*best.Perf.SuccessRate
	if degraded {
		confidence = 0.2
	}

	d := &api.RoutingDecision{
		Provider:        best.Name,
		Model:           best.Models[0],
		Persona:         req.Persona,
		ComplexityScore: state.Complexity,
		ContextScore:    best.Perf.AvgQuality,
		CapabilityScore: score(best),
		Confidence:      confidence,
		Reasoning:       "deterministic fallback: best historical performer",
		Metadata: map[string]interface{}{
			"fallback_used":     true,
			"fallback_degraded": degraded,
		},
		DecidedAt: time.Now(),
	}
	return d, nil
}

// lookupCache checks the in-process cache, then the shared store. Store
// errors are logged and treated as misses.
func (e *Engine) lookupCache(ctx context.Context, fingerprint string) (*api.RoutingDecision, bool) {
	if d, ok := e.cache.Get(fingerprint); ok {
		out := d.Clone()
		out.Metadata["cache_hit"] = true
		return out, true
	}

	if e.store == nil {
		return nil, false
	}
	d, err := e.store.Get(ctx, fingerprint)
	if err != nil {
		log.Printf("router: decision store get failed (treating as miss): %v", err)
		return nil, false
	}
	if d == nil {
		return nil, false
	}

	e.cache.Set(fingerprint, d.Clone())
	out := d.Clone()
	out.Metadata["cache_hit"] = true
	return out, true
}

// storeDecision writes to the in-process cache synchronously and to the
// shared store off the request path.
func (e *Engine) storeDecision(fingerprint string, d *api.RoutingDecision) {
	e.cache.Set(fingerprint, d.Clone())

	if e.store == nil {
		return
	}
	stored := d.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.store.Set(ctx, fingerprint, stored, e.cfg.CacheTTL); err != nil {
			log.Printf("router: decision store set failed: %v", err)
		}
	}()
}

// trackPending records what reward attribution will need when the outcome
// for this request id arrives.
func (e *Engine) trackPending(requestID string, state encoder.State, d *api.RoutingDecision, steps []refine.Step) {
	actionIdx := -1
	if e.agent != nil {
		if i, ok := e.agent.ActionSpace().Index(d.Provider, d.Model); ok {
			actionIdx = i
		}
	}

	e.mu.Lock()
	e.pending[requestID] = &pendingDecision{
		state:     state,
		actionIdx: actionIdx,
		decision:  d,
		steps:     steps,
		createdAt: time.Now(),
	}
	e.mu.Unlock()
}

// IngestOutcome attributes an observed execution result to its pending
// decision: updates the provider's rolling stats, computes the shaped
// reward, records an experience for the trainer and feeds the refinement
// module's halting head. Outcomes for unknown or expired request ids are
// dropped silently.
func (e *Engine) IngestOutcome(ctx context.Context, report *api.OutcomeReport) error {
	if report.RequestID == "" {
		return fmt.Errorf("router: outcome report missing request_id")
	}

	e.mu.Lock()
	pd, ok := e.pending[report.RequestID]
	if ok {
		delete(e.pending, report.RequestID)
	}
	e.mu.Unlock()

	if !ok {
		e.metrics.OutcomesDropped.Inc()
		return nil
	}

	e.reg.RecordOutcome(pd.decision.Provider, report.Success, report.LatencyMs, report.Quality)

	if e.agent == nil {
		e.metrics.OutcomesIngested.Inc()
		return nil
	}

	reward := e.agent.ComputeReward(report.Success, pd.decision.Confidence,
		pd.decision.CapabilityScore, report.LatencyMs, report.Quality)
	e.agent.RecordReward(reward)

	if pd.actionIdx >= 0 {
		// Routing is a one-step episode: the transition terminates at the
		// outcome, so the TD target is the reward itself.
		e.buffer.Add(replay.Experience{
			State:     pd.state.Vector,
			Action:    pd.actionIdx,
			Reward:    reward,
			NextState: pd.state.Vector,
			Done:      true,
		})
	}

	if e.refiner != nil && len(pd.steps) > 0 {
		// Map reward [-1,1] to [0,1] against the decision's confidence as
		// the target the halting head is judged on.
		e.refiner.LearnFromFeedback(pd.steps, (reward+1)/2, pd.decision.Confidence)
	}

	e.metrics.OutcomesIngested.Inc()
	e.metrics.BufferSize.Set(float64(e.buffer.Size()))
	stats := e.agent.Stats()
	e.metrics.AgentEpsilon.Set(stats.Epsilon)
	e.metrics.MeanReward.Set(stats.MeanReward)
	return nil
}

// Start launches the background trainer and the maintenance sweeper. Both
// stop when ctx is cancelled or Close is called; neither ever blocks the
// request path.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.trainLoop(ctx)
	go e.sweepLoop(ctx)
}

func (e *Engine) trainLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.cfg.TrainInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.TrainOnce()
		}
	}
}

// TrainOnce runs one training cycle: sample a batch, update the policy.
// Empty or undersized buffers skip the cycle, never error.
func (e *Engine) TrainOnce() {
	if e.agent == nil {
		return
	}

	k := e.cfg.BatchSize
	if size := e.buffer.Size(); size < k {
		k = size
	}
	batch, err := e.buffer.Sample(k)
	if err != nil {
		// BufferEmpty / InvalidBatch both mean "not enough data yet".
		e.metrics.TrainSkips.Inc()
		return
	}

	if _, err := e.agent.Train(batch); err != nil {
		log.Printf("router: training step failed: %v", err)
		return
	}
	e.metrics.TrainSteps.Inc()
	stats := e.agent.Stats()
	e.metrics.AgentEpsilon.Set(stats.Epsilon)
	e.metrics.MeanReward.Set(stats.MeanReward)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.cache.CleanupExpired()
			e.sweepPending()
		}
	}
}

// sweepPending drops pending decisions whose outcome never arrived.
func (e *Engine) sweepPending() {
	deadline := time.Now().Add(-e.cfg.PendingTTL)

	e.mu.Lock()
	for id, pd := range e.pending {
		if pd.createdAt.Before(deadline) {
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()
}

// Agent exposes the policy agent (nil when no actions are configured); used
// by checkpoint save/restore and the admin CLI.
func (e *Engine) Agent() *agent.Agent { return e.agent }

// CacheStats returns in-process cache counters.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// InvalidateCache removes one fingerprint from the in-process cache.
func (e *Engine) InvalidateCache(fingerprint string) { e.cache.Invalidate(fingerprint) }

// FlushCache drops every cached decision.
func (e *Engine) FlushCache() { e.cache.Purge() }

// BufferSize reports replay buffer occupancy.
func (e *Engine) BufferSize() int { return e.buffer.Size() }

// Close stops background loops and releases the shared store.
func (e *Engine) Close() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// summarizeAlternatives compacts the losing strategy outcomes into plain
// metadata: the full decisions carry internal state that should not outlive
// the request.
func summarizeAlternatives(alts []quantum.Outcome) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(alts))
	for _, a := range alts {
		s := map[string]interface{}{
			"strategy":   a.Strategy,
			"elapsed_ms": a.Elapsed.Milliseconds(),
		}
		if a.Decision != nil {
			s["provider"] = a.Decision.Provider
			s["model"] = a.Decision.Model
			s["score"] = a.Score
		}
		if a.Err != "" {
			s["error"] = a.Err
		}
		out = append(out, s)
	}
	return out
}

// popRefinementTrace removes the refinement step trace from decision
// metadata so it never leaks into caches or serialized responses.
func popRefinementTrace(d *api.RoutingDecision) []refine.Step {
	raw, ok := d.Metadata["refinement_trace"]
	if !ok {
		return nil
	}
	delete(d.Metadata, "refinement_trace")
	steps, _ := raw.([]refine.Step)
	return steps
}

func providersOf(snap registry.Snapshot) []registry.Provider {
	out := make([]registry.Provider, 0, len(snap.Providers))
	for _, p := range snap.Providers {
		out = append(out, p.Provider)
	}
	return out
}

// mergeDefaults fills zero fields, including fully zero nested configs, so a
// partially populated Config still yields a working engine.
func mergeDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = def.PendingTTL
	}
	if cfg.TrainInterval <= 0 {
		cfg.TrainInterval = def.TrainInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = def.BufferCapacity
	}
	if cfg.Encoder == (encoder.Config{}) {
		cfg.Encoder = def.Encoder
	}
	if cfg.Agent == (agent.Config{}) {
		cfg.Agent = def.Agent
	}
	if cfg.Refine == (refine.Config{}) {
		cfg.Refine = def.Refine
	}
	if cfg.Quantum == (quantum.Config{}) {
		cfg.Quantum = def.Quantum
	}
	return cfg
}
