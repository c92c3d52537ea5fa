package cache

import (
	"context"
	"testing"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
)

func TestCacheSetGet(t *testing.T) {
	c, err := NewDecisionCache[string](10, 0)
	if err != nil {
		t.Fatalf("NewDecisionCache failed: %v", err)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Expected miss on empty cache")
	}

	c.Set("fp1", "decision-1")
	v, ok := c.Get("fp1")
	if !ok || v != "decision-1" {
		t.Errorf("Expected decision-1, got %q (ok=%t)", v, ok)
	}

	// Last writer wins.
	c.Set("fp1", "decision-2")
	if v, _ := c.Get("fp1"); v != "decision-2" {
		t.Errorf("Expected decision-2 after overwrite, got %q", v)
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	c, err := NewDecisionCache[string](10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewDecisionCache failed: %v", err)
	}

	c.Set("fp", "v")
	if _, ok := c.Get("fp"); !ok {
		t.Fatal("Fresh entry should hit")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("fp"); ok {
		t.Error("Expired entry should miss")
	}

	// CleanupExpired drops the stale entry from storage.
	c.Set("other", "v")
	time.Sleep(30 * time.Millisecond)
	if removed := c.CleanupExpired(); removed != 2 {
		t.Errorf("Expected 2 entries cleaned, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after cleanup, got %d entries", c.Len())
	}
}

func TestCacheEviction(t *testing.T) {
	c, err := NewDecisionCache[int](2, 0)
	if err != nil {
		t.Fatalf("NewDecisionCache failed: %v", err)
	}

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a", the least recently used

	if _, ok := c.Get("a"); ok {
		t.Error("Oldest entry should have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("Newest entry should be present")
	}
	if c.Stats().Evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", c.Stats().Evicted)
	}
}

func TestCacheInvalidateAndPurge(t *testing.T) {
	c, _ := NewDecisionCache[int](10, 0)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Invalidated entry should miss")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after purge, got %d", c.Len())
	}
}

func TestCacheStats(t *testing.T) {
	c, _ := NewDecisionCache[int](10, 0)
	c.Set("a", 1)

	c.Get("a")       // hit
	c.Get("a")       // hit
	c.Get("missing") // miss

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Expected 2 hits / 1 miss, got %d / %d", stats.Hits, stats.Misses)
	}
	if stats.HitRate < 0.66 || stats.HitRate > 0.67 {
		t.Errorf("Expected hit rate ~0.667, got %.3f", stats.HitRate)
	}
	if stats.Size != 1 {
		t.Errorf("Expected size 1, got %d", stats.Size)
	}
}

func TestMemoryStoreClones(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &api.RoutingDecision{
		Provider: "openai",
		Model:    "gpt-4o",
		Metadata: map[string]interface{}{"k": "v"},
	}
	if err := s.Set(ctx, "fp", d, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Mutating the original after Set must not affect the stored copy.
	d.Metadata["k"] = "mutated"

	got, err := s.Get(ctx, "fp")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected stored decision")
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("Store should hold a clone, got metadata %v", got.Metadata["k"])
	}

	// Mutating a returned copy must not affect later reads.
	got.Metadata["k"] = "changed"
	again, _ := s.Get(ctx, "fp")
	if again.Metadata["k"] != "v" {
		t.Errorf("Get should return a clone, got metadata %v", again.Metadata["k"])
	}
}

func TestMemoryStoreMiss(t *testing.T) {
	s := NewMemoryStore()
	got, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Miss should not error: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil on miss, got %+v", got)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
