package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/cache"
	"github.com/arbiterlabs/arbiter/internal/metrics"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

func newTestEngine(t *testing.T, reg *registry.Registry, store cache.Store) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Quantum.Timeout = time.Second

	e, err := New(cfg, reg, store, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func twoProviderRegistry() *registry.Registry {
	reg := registry.New()
	reg.Upsert(registry.Provider{Name: "reliable", Models: []string{"r-large"}, CostPerMTok: 10, Available: true})
	reg.Upsert(registry.Provider{Name: "flaky", Models: []string{"f-large"}, CostPerMTok: 10, Available: true})

	// Seed history: reliable succeeds fast with high quality, flaky is a
	// coin flip and slow.
	for i := 0; i < 30; i++ {
		reg.RecordOutcome("reliable", true, 400, 0.9)
		reg.RecordOutcome("flaky", i%2 == 0, 1800, 0.5)
	}
	return reg
}

func routeRequest(id string) *api.RouteRequest {
	return &api.RouteRequest{
		RequestID: id,
		TaskType:  api.TaskCodeGeneration,
		Prompt:    "implement a streaming parser for the event log format",
	}
}

func TestRoutePrefersStrongProvider(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)

	d, err := e.Route(context.Background(), routeRequest("req-1"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if d.Provider != "reliable" {
		t.Errorf("Expected the historically strong provider, got %s (reasoning: %s)",
			d.Provider, d.Reasoning)
	}
	if d.Confidence <= 0.6 {
		t.Errorf("Expected confidence above 0.6 for a clear winner, got %.3f", d.Confidence)
	}
	if d.Metadata["fallback_used"] != false {
		t.Errorf("Expected fallback_used=false, got %v", d.Metadata["fallback_used"])
	}
	if _, ok := d.Metadata["winning_strategy"]; !ok {
		t.Error("Expected winning_strategy metadata")
	}
	if _, ok := d.Metadata["refinement_trace"]; ok {
		t.Error("Refinement trace must not leak into returned metadata")
	}
}

func TestRouteCacheIdempotent(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)
	ctx := context.Background()

	first, err := e.Route(ctx, routeRequest("req-1"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	// Same workload, different request id: served from cache.
	second, err := e.Route(ctx, routeRequest("req-2"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	if second.Metadata["cache_hit"] != true {
		t.Error("Expected cache_hit=true on the second identical request")
	}
	if second.Provider != first.Provider || second.Model != first.Model {
		t.Errorf("Cached decision differs: %s/%s vs %s/%s",
			second.Provider, second.Model, first.Provider, first.Model)
	}

	stats := e.CacheStats()
	if stats.Hits != 1 {
		t.Errorf("Expected 1 cache hit, got %d", stats.Hits)
	}
}

func TestRouteForceRefreshBypassesCache(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)
	ctx := context.Background()

	if _, err := e.Route(ctx, routeRequest("req-1")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	req := routeRequest("req-2")
	req.ForceRefresh = true
	d, err := e.Route(ctx, req)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if _, ok := d.Metadata["cache_hit"]; ok {
		t.Error("ForceRefresh must bypass the cache")
	}
}

func TestRouteSharedStoreFallthrough(t *testing.T) {
	store := cache.NewMemoryStore()
	reg := twoProviderRegistry()

	// First engine populates the shared store.
	first := newTestEngine(t, reg, store)
	ctx := context.Background()
	d, err := first.Route(ctx, routeRequest("req-1"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	// The store write is asynchronous.
	deadline := time.Now().Add(time.Second)
	for {
		got, _ := store.Get(ctx, api.Fingerprint(routeRequest("x")))
		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Decision never reached the shared store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A second engine with a cold in-process cache hits the shared store.
	second := newTestEngine(t, reg, store)
	d2, err := second.Route(ctx, routeRequest("req-9"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if d2.Metadata["cache_hit"] != true {
		t.Error("Expected a shared-store hit on a cold engine")
	}
	if d2.Provider != d.Provider {
		t.Errorf("Shared-store decision differs: %s vs %s", d2.Provider, d.Provider)
	}
}

func TestRouteAllUnavailableFallsBack(t *testing.T) {
	reg := twoProviderRegistry()
	reg.SetAvailable("reliable", false)
	reg.SetAvailable("flaky", false)

	e := newTestEngine(t, reg, nil)
	d, err := e.Route(context.Background(), routeRequest("req-1"))
	if err != nil {
		t.Fatalf("Route should degrade, not fail: %v", err)
	}

	if d.Metadata["fallback_used"] != true {
		t.Errorf("Expected fallback_used=true, got %v", d.Metadata["fallback_used"])
	}
	if d.Metadata["fallback_degraded"] != true {
		t.Error("Expected fallback_degraded=true with every provider down")
	}
	if d.Provider != "reliable" {
		t.Errorf("Degraded fallback should still pick the best performer, got %s", d.Provider)
	}
}

func TestRouteEmptyRegistryExhausted(t *testing.T) {
	e := newTestEngine(t, registry.New(), nil)

	if _, err := e.Route(context.Background(), routeRequest("req-1")); !errors.Is(err, ErrFallbackExhausted) {
		t.Errorf("Expected ErrFallbackExhausted, got %v", err)
	}
}

func TestRouteValidation(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)

	req := routeRequest("req-1")
	req.Prompt = ""
	if _, err := e.Route(context.Background(), req); err == nil {
		t.Error("Expected a validation error for a missing prompt")
	}
}

func TestNewPartialConfigDefaults(t *testing.T) {
	// Setting one field must not strip the defaults from the rest, in
	// particular the nested agent config: an outcome ingested against a
	// zero-window agent used to panic in RecordReward.
	cfg := Config{CacheSize: 8}
	e, err := New(cfg, twoProviderRegistry(), nil, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if e.cfg.CacheSize != 8 {
		t.Errorf("Explicit CacheSize overridden: got %d", e.cfg.CacheSize)
	}
	if e.cfg.BatchSize != DefaultConfig().BatchSize {
		t.Errorf("Expected default BatchSize %d, got %d", DefaultConfig().BatchSize, e.cfg.BatchSize)
	}
	if e.cfg.Quantum.Timeout != DefaultConfig().Quantum.Timeout {
		t.Errorf("Expected default quantum timeout, got %v", e.cfg.Quantum.Timeout)
	}

	ctx := context.Background()
	if _, err := e.Route(ctx, routeRequest("req-1")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if err := e.IngestOutcome(ctx, &api.OutcomeReport{
		RequestID: "req-1",
		Success:   true,
		LatencyMs: 500,
		Quality:   0.7,
	}); err != nil {
		t.Fatalf("IngestOutcome failed: %v", err)
	}
}

func TestIngestOutcomeFeedsLearning(t *testing.T) {
	reg := twoProviderRegistry()
	e := newTestEngine(t, reg, nil)
	ctx := context.Background()

	d, err := e.Route(ctx, routeRequest("req-1"))
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	before, _ := reg.Snapshot().Lookup(d.Provider)
	if err := e.IngestOutcome(ctx, &api.OutcomeReport{
		RequestID: "req-1",
		Success:   true,
		LatencyMs: 600,
		Quality:   0.8,
	}); err != nil {
		t.Fatalf("IngestOutcome failed: %v", err)
	}

	after, _ := reg.Snapshot().Lookup(d.Provider)
	if after.Perf.Interactions != before.Perf.Interactions+1 {
		t.Error("Outcome should reach the provider registry")
	}
	if e.BufferSize() != 1 {
		t.Errorf("Expected 1 experience buffered, got %d", e.BufferSize())
	}

	// One buffered transition is enough for a (small-batch) training cycle.
	stepsBefore := e.Agent().Stats().TrainSteps
	e.TrainOnce()
	if e.Agent().Stats().TrainSteps != stepsBefore+1 {
		t.Error("TrainOnce should run a training step once data exists")
	}
}

func TestIngestOutcomeUnknownRequestDropped(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)

	if err := e.IngestOutcome(context.Background(), &api.OutcomeReport{
		RequestID: "never-routed",
		Success:   true,
	}); err != nil {
		t.Errorf("Unknown outcomes are dropped, not errors: %v", err)
	}
	if e.BufferSize() != 0 {
		t.Error("Dropped outcome must not buffer an experience")
	}

	if err := e.IngestOutcome(context.Background(), &api.OutcomeReport{}); err == nil {
		t.Error("Missing request_id should error")
	}
}

func TestIngestOutcomeOncePerRequest(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)
	ctx := context.Background()

	if _, err := e.Route(ctx, routeRequest("req-1")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	report := &api.OutcomeReport{RequestID: "req-1", Success: true, LatencyMs: 500, Quality: 0.9}
	if err := e.IngestOutcome(ctx, report); err != nil {
		t.Fatalf("IngestOutcome failed: %v", err)
	}
	if err := e.IngestOutcome(ctx, report); err != nil {
		t.Fatalf("Duplicate IngestOutcome failed: %v", err)
	}

	if e.BufferSize() != 1 {
		t.Errorf("Duplicate outcome must not double-buffer, got %d experiences", e.BufferSize())
	}
}

func TestTrainOnceEmptyBufferSkips(t *testing.T) {
	e := newTestEngine(t, twoProviderRegistry(), nil)

	stepsBefore := e.Agent().Stats().TrainSteps
	e.TrainOnce()
	if e.Agent().Stats().TrainSteps != stepsBefore {
		t.Error("TrainOnce with an empty buffer should skip, not train")
	}
}

func TestStartAndClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrainInterval = 10 * time.Millisecond

	e, err := New(cfg, twoProviderRegistry(), nil, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)

	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop background loops")
	}
}

func TestSweepPendingExpires(t *testing.T) {
	reg := twoProviderRegistry()
	cfg := DefaultConfig()
	cfg.PendingTTL = 10 * time.Millisecond
	e, err := New(cfg, reg, nil, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	if _, err := e.Route(context.Background(), routeRequest("req-1")); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	e.sweepPending()

	// The outcome arrives after its pending entry expired: dropped.
	if err := e.IngestOutcome(context.Background(), &api.OutcomeReport{
		RequestID: "req-1", Success: true,
	}); err != nil {
		t.Fatalf("IngestOutcome failed: %v", err)
	}
	if e.BufferSize() != 0 {
		t.Error("Expired pending decision should drop its outcome")
	}
}

func TestFallbackDeterministic(t *testing.T) {
	reg := twoProviderRegistry()
	e := newTestEngine(t, reg, nil)
	snap := reg.Snapshot()
	req := routeRequest("req-1")
	state := e.enc.Encode(req, snap)

	a, err := e.fallback(req, state, snap)
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	b, err := e.fallback(req, state, snap)
	if err != nil {
		t.Fatalf("fallback failed: %v", err)
	}
	if a.Provider != b.Provider || a.Model != b.Model {
		t.Errorf("Fallback must be deterministic: %s/%s vs %s/%s",
			a.Provider, a.Model, b.Provider, b.Model)
	}
}
