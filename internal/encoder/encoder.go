package encoder

import (
	"math"
	"strings"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

// State vector layout. StateDim is the contract between the encoder, the
// policy network and every persisted checkpoint: changing any sub-block
// width invalidates previously trained weights, so widths are fixed here
// and checkpoints record the dim they were trained against.
const (
	taskFeatureDim = 4  // complexity, prompt length, file count, keyword score
	taskOneHotDim  = 12 // 10 known task types + 2 reserved slots
	TaskBlockDim   = taskFeatureDim + taskOneHotDim

	ContextBlockDim = 16 // domain one-hot

	// MaxProviders bounds the per-provider block. Deployments with fewer
	// providers leave trailing slots zeroed; deployments with more ignore
	// the overflow (and should raise MaxProviders in a new policy version).
	MaxProviders     = 8
	PerProviderDim   = 7 // availability + success, latency, quality, reputation, interactions, cost
	ProviderBlockDim = MaxProviders * PerProviderDim

	strategySlots      = 4 // policy, refined, cost_efficient, performance_focused
	PreferenceBlockDim = MaxProviders + strategySlots + 3

	ConstraintBlockDim = 5
	TemporalBlockDim   = 4

	StateDim = TaskBlockDim + ContextBlockDim + ProviderBlockDim +
		PreferenceBlockDim + ConstraintBlockDim + TemporalBlockDim
)

// StrategySlots fixes the encoding order of strategy preference weights.
var StrategySlots = []string{"policy", "refined", "cost_efficient", "performance_focused"}

// domainSlots fixes the one-hot position of known domains. Unknown domains
// encode to an all-zero context block, which is the neutral default.
var domainSlots = []string{
	"web", "backend", "frontend", "data", "ml", "devops", "security",
	"mobile", "database", "infra", "api", "cli", "embedded", "docs",
	"research", "general",
}

// complexityKeywords raise the task complexity estimate when present in the
// prompt. Matching is case-insensitive substring.
var complexityKeywords = []string{
	"architecture", "refactor", "distributed", "concurren", "optimize",
	"algorithm", "migrate", "security", "performance", "scale",
}

// State is the fixed-size numeric encoding of one request plus system
// context. It is a value object: components copy it freely and never share
// the backing slice for mutation.
type State struct {
	Vector []float64

	// Convenience scalars carried alongside the vector for decision
	// metadata; both are also present inside the vector.
	Complexity float64
	TaskType   api.TaskType
}

// Config controls optional encoder behavior.
type Config struct {
	// IncludeTemporal adds cyclic hour-of-day / day-of-week features. When
	// false the temporal block is zeroed; the dimension never changes.
	IncludeTemporal bool

	// TargetLatencyMs normalizes provider latency features. Zero means the
	// default of 2000ms.
	TargetLatencyMs float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		IncludeTemporal: true,
		TargetLatencyMs: 2000,
	}
}

// Encoder turns requests into fixed-size state vectors. It is stateless and
// safe for concurrent use.
type Encoder struct {
	cfg Config
}

// New creates an encoder.
func New(cfg Config) *Encoder {
	if cfg.TargetLatencyMs <= 0 {
		cfg.TargetLatencyMs = 2000
	}
	return &Encoder{cfg: cfg}
}

// Encode builds the state vector for a request against a registry snapshot.
// It is total: missing or malformed optional fields degrade to neutral
// defaults (0.5 for unknown rates, 0 for unknown counts) and every output
// value is finite and bounded.
func (e *Encoder) Encode(req *api.RouteRequest, snap registry.Snapshot) State {
	v := make([]float64, 0, StateDim)

	complexity := e.Complexity(req)
	v = append(v, e.taskBlock(req, complexity)...)
	v = append(v, e.contextBlock(req)...)
	v = append(v, e.providerBlock(snap)...)
	v = append(v, e.preferenceBlock(req, snap)...)
	v = append(v, e.constraintBlock(req)...)
	v = append(v, e.temporalBlock(req)...)

	// Guard the invariant: vector is exactly StateDim with finite values.
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}

	return State{Vector: v, Complexity: complexity, TaskType: req.TaskType}
}

// Complexity estimates task complexity in [0, 1] from prompt length buckets,
// complexity keywords and file count. Deterministic for identical input.
func (e *Encoder) Complexity(req *api.RouteRequest) float64 {
	score := promptLengthBucket(len(req.Prompt))

	lower := strings.ToLower(req.Prompt)
	hits := 0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	score += 0.08 * float64(hits)

	if req.FileCount > 0 {
		score += clamp(float64(req.FileCount)/20.0, 0, 0.2)
	}

	return clamp(score, 0, 1)
}

func promptLengthBucket(n int) float64 {
	switch {
	case n < 100:
		return 0.1
	case n < 500:
		return 0.25
	case n < 2000:
		return 0.4
	case n < 8000:
		return 0.55
	default:
		return 0.7
	}
}

func (e *Encoder) taskBlock(req *api.RouteRequest, complexity float64) []float64 {
	b := make([]float64, TaskBlockDim)
	b[0] = complexity
	b[1] = clamp(float64(len(req.Prompt))/10000.0, 0, 1)
	b[2] = clamp(float64(req.FileCount)/50.0, 0, 1)

	lower := strings.ToLower(req.Prompt)
	hits := 0.0
	for _, kw := range complexityKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	b[3] = clamp(hits/float64(len(complexityKeywords)), 0, 1)

	for i, tt := range api.TaskTypes {
		if i >= taskOneHotDim {
			break
		}
		if req.TaskType == tt {
			b[taskFeatureDim+i] = 1
		}
	}
	return b
}

func (e *Encoder) contextBlock(req *api.RouteRequest) []float64 {
	b := make([]float64, ContextBlockDim)
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	for i, d := range domainSlots {
		if domain == d {
			b[i] = 1
			break
		}
	}
	return b
}

func (e *Encoder) providerBlock(snap registry.Snapshot) []float64 {
	b := make([]float64, ProviderBlockDim)
	for i, p := range snap.Providers {
		if i >= MaxProviders {
			break
		}
		off := i * PerProviderDim
		if p.Available {
			b[off] = 1
			b[off+1] = clamp(p.Perf.SuccessRate, 0, 1)
			b[off+2] = 1 - clamp(p.Perf.AvgLatencyMs/e.cfg.TargetLatencyMs, 0, 1)
			b[off+3] = clamp(p.Perf.AvgQuality, 0, 1)
			b[off+4] = clamp(p.Perf.Reputation, 0, 1)
			b[off+5] = clamp(math.Log1p(float64(p.Perf.Interactions))/10.0, 0, 1)
			b[off+6] = 1 - clamp(p.CostPerMTok/100.0, 0, 1)
		} else {
			// Unavailable providers keep a zero availability bit and
			// neutral performance so the policy learns "unknown", not "bad".
			b[off] = 0
			for j := 1; j < PerProviderDim; j++ {
				b[off+j] = 0.5
			}
		}
	}
	return b
}

func (e *Encoder) preferenceBlock(req *api.RouteRequest, snap registry.Snapshot) []float64 {
	b := make([]float64, PreferenceBlockDim)

	for i, p := range snap.Providers {
		if i >= MaxProviders {
			break
		}
		w, ok := req.Preferences.ProviderWeights[p.Name]
		if !ok {
			w = 0.5
		}
		b[i] = clamp(w, 0, 1)
	}

	// Strategy weights normalize to sum to 1; absent input means uniform.
	weights := make([]float64, strategySlots)
	total := 0.0
	for i, name := range StrategySlots {
		w := req.Preferences.StrategyWeights[name]
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	for i := range weights {
		if total > 0 {
			b[MaxProviders+i] = weights[i] / total
		} else {
			b[MaxProviders+i] = 1.0 / float64(strategySlots)
		}
	}

	b[MaxProviders+strategySlots] = clampDefault(req.Preferences.QualityVsSpeed, 0.5)
	b[MaxProviders+strategySlots+1] = clampDefault(req.Preferences.CostSensitivity, 0.5)
	b[MaxProviders+strategySlots+2] = clampDefault(req.Preferences.RiskTolerance, 0.5)
	return b
}

func (e *Encoder) constraintBlock(req *api.RouteRequest) []float64 {
	b := make([]float64, ConstraintBlockDim)
	c := req.Constraints

	// Zero limits mean "unconstrained" and encode to 1 (the loosest bound).
	if c.MaxCostUSD > 0 {
		b[0] = clamp(c.MaxCostUSD/10.0, 0, 1)
	} else {
		b[0] = 1
	}
	if c.MaxLatencyMs > 0 {
		b[1] = clamp(c.MaxLatencyMs/10000.0, 0, 1)
	} else {
		b[1] = 1
	}
	b[2] = clamp(c.QualityThreshold, 0, 1)
	if c.RequirePremium {
		b[3] = 1
	}
	if c.AllowExperimental {
		b[4] = 1
	}
	return b
}

func (e *Encoder) temporalBlock(req *api.RouteRequest) []float64 {
	b := make([]float64, TemporalBlockDim)
	if !e.cfg.IncludeTemporal || req.ReceivedAt.IsZero() {
		return b
	}

	t := req.ReceivedAt.UTC()
	hour := float64(t.Hour()) + float64(t.Minute())/60.0
	dow := float64(t.Weekday())

	b[0] = math.Sin(2 * math.Pi * hour / 24)
	b[1] = math.Cos(2 * math.Pi * hour / 24)
	b[2] = math.Sin(2 * math.Pi * dow / 7)
	b[3] = math.Cos(2 * math.Pi * dow / 7)
	return b
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// clampDefault clamps to [0, 1] but maps an unset zero value to a neutral
// default instead.
func clampDefault(x, def float64) float64 {
	if x == 0 {
		return def
	}
	return clamp(x, 0, 1)
}

func init() {
	// The layout arithmetic above must land exactly on the documented dim.
	if StateDim != 112 {
		panic("encoder: state dimension drifted from 112")
	}
}
