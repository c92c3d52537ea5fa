package cache

import (
	"context"
	"sync"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
)

// Store is an optional shared decision store behind the in-process cache,
// letting replicas of the engine reuse each other's decisions. Any backend
// error is treated by callers as a cache miss, logged and never fatal.
type Store interface {
	// Get retrieves a decision by fingerprint. Returns nil, nil on miss.
	Get(ctx context.Context, fingerprint string) (*api.RoutingDecision, error)

	// Set stores a decision with TTL. Last writer wins.
	Set(ctx context.Context, fingerprint string, d *api.RoutingDecision, ttl time.Duration) error

	// Close releases resources.
	Close() error
}

// MemoryStore is the in-memory Store used for single-replica deployments
// and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]memoryEntry
}

type memoryEntry struct {
	decision  *api.RoutingDecision
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{store: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, fingerprint string) (*api.RoutingDecision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[fingerprint]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return e.decision.Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, fingerprint string, d *api.RoutingDecision, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.store[fingerprint] = memoryEntry{
		decision:  d.Clone(),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
