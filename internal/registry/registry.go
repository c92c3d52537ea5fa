package registry

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks known providers, their supported models and a rolling
// performance view fed by observed outcomes. It is the only source the
// encoder and agent read provider data from; it never makes network calls.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerState
}

type providerState struct {
	info  Provider
	perf  Performance
	stats rollingStats
}

// Provider describes a configured backend provider.
type Provider struct {
	Name   string   `json:"name"`
	Models []string `json:"models"`

	// CostPerMTok is a rough relative price signal in USD per million tokens.
	CostPerMTok float64 `json:"cost_per_mtok"`

	Premium   bool `json:"premium"`
	Available bool `json:"available"`
}

// Performance is a rolling performance snapshot for one provider. All rates
// are exponential moving averages; Interactions is a lifetime count.
type Performance struct {
	SuccessRate  float64   `json:"success_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	AvgQuality   float64   `json:"avg_quality"`
	Reputation   float64   `json:"reputation"`
	Interactions int64     `json:"interactions"`
	LastOutcome  time.Time `json:"last_outcome"`
}

type rollingStats struct {
	emaAlpha float64
}

// ProviderSnapshot is one provider's state frozen at snapshot time.
type ProviderSnapshot struct {
	Provider
	Perf Performance
}

// Snapshot is an immutable, deterministically ordered view of the registry,
// taken once per request. Order is by provider name so state encoding and
// the action space stay stable across calls.
type Snapshot struct {
	Providers []ProviderSnapshot
	TakenAt   time.Time
}

const defaultEMAAlpha = 0.2

// New creates an empty registry.
func New() *Registry {
	return &Registry{providers: make(map[string]*providerState)}
}

// Upsert registers a provider or replaces its static configuration. Rolling
// performance is preserved across upserts.
func (r *Registry) Upsert(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.providers[p.Name]; ok {
		st.info = p
		return
	}
	r.providers[p.Name] = &providerState{
		info: p,
		perf: Performance{
			// Unknown providers start neutral rather than at zero so the
			// policy has no artificial reason to avoid them.
			SuccessRate: 0.5,
			AvgQuality:  0.5,
			Reputation:  0.5,
		},
		stats: rollingStats{emaAlpha: defaultEMAAlpha},
	}
}

// SetAvailable flips a provider's availability bit. Unknown names are ignored.
func (r *Registry) SetAvailable(name string, available bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.providers[name]; ok {
		st.info.Available = available
	}
}

// RecordOutcome folds an observed execution result into the provider's
// rolling performance. Quality < 0 means the signal was not observed.
func (r *Registry) RecordOutcome(name string, success bool, latencyMs, quality float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.providers[name]
	if !ok {
		return
	}

	alpha := st.stats.emaAlpha
	s := 0.0
	if success {
		s = 1.0
	}
	st.perf.SuccessRate = alpha*s + (1-alpha)*st.perf.SuccessRate
	if st.perf.Interactions == 0 {
		st.perf.AvgLatencyMs = latencyMs
	} else {
		st.perf.AvgLatencyMs = alpha*latencyMs + (1-alpha)*st.perf.AvgLatencyMs
	}
	if quality >= 0 {
		st.perf.AvgQuality = alpha*quality + (1-alpha)*st.perf.AvgQuality
	}

	// Reputation moves slower than the per-call EMAs: it is the long-term
	// memory the success rate decays back toward.
	repAlpha := alpha / 4
	st.perf.Reputation = repAlpha*s + (1-repAlpha)*st.perf.Reputation

	st.perf.Interactions++
	st.perf.LastOutcome = time.Now()
}

// Snapshot returns a consistent ordered copy of all provider state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Providers: make([]ProviderSnapshot, 0, len(r.providers)),
		TakenAt:   time.Now(),
	}
	for _, st := range r.providers {
		ps := ProviderSnapshot{Provider: st.info, Perf: st.perf}
		ps.Models = append([]string(nil), st.info.Models...)
		snap.Providers = append(snap.Providers, ps)
	}
	sort.Slice(snap.Providers, func(i, j int) bool {
		return snap.Providers[i].Name < snap.Providers[j].Name
	})
	return snap
}

// Available returns the subset of the snapshot that is currently routable.
func (s Snapshot) Available() []ProviderSnapshot {
	out := make([]ProviderSnapshot, 0, len(s.Providers))
	for _, p := range s.Providers {
		if p.Available && len(p.Models) > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Lookup finds a provider in the snapshot by name.
func (s Snapshot) Lookup(name string) (ProviderSnapshot, bool) {
	for _, p := range s.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderSnapshot{}, false
}
