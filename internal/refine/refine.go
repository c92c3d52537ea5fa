package refine

import (
	"math"
	"math/rand"
	"sync"
)

// Module iteratively refines a latent state / answer embedding pair through
// bounded inner and outer cycles with a learned halting head. Cheap requests
// halt after one or two inner steps; hard ones burn the full budget. Absent
// intervening feedback, Refine is deterministic: all randomness lives in
// weight initialization at construction.
type Module struct {
	mu  sync.RWMutex
	cfg Config

	// One refinement layer over [context, latent] -> latent delta.
	refineW [][]float64
	refineB []float64

	// Halting head: sigmoid(linear(latent)).
	haltW []float64
	haltB float64

	// Answer layer over [answer, latent] -> answer delta (outer cycle only).
	answerW [][]float64
	answerB []float64
}

// Config bounds the refinement loop. Defaults are documented working points.
type Config struct {
	LatentDim int
	AnswerDim int

	OuterCycles int // K
	InnerCycles int // H per outer cycle

	// HaltThreshold stops refinement immediately once the halting
	// probability exceeds it.
	HaltThreshold float64

	// Clip bounds every latent/answer component after a residual update.
	Clip float64

	// LearningRate scales feedback nudges to the halting head.
	LearningRate float64

	Seed int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LatentDim:     32,
		AnswerDim:     16,
		OuterCycles:   3,
		InnerCycles:   6,
		HaltThreshold: 0.85,
		Clip:          10,
		LearningRate:  0.01,
		Seed:          1,
	}
}

// CycleType tags a refinement step as inner or outer.
type CycleType string

const (
	CycleInner CycleType = "inner"
	CycleOuter CycleType = "outer"
)

// Step is one recorded refinement step. Snapshots are copies; the sequence
// is decision provenance and the feedback packet, never mutated afterward.
type Step struct {
	Index      int       `json:"index"`
	Cycle      CycleType `json:"cycle"`
	Latent     []float64 `json:"latent"`
	Answer     []float64 `json:"answer"`
	HaltProb   float64   `json:"halt_prob"`
	Confidence float64   `json:"confidence"`
}

// Result is the outcome of one Refine call.
type Result struct {
	Latent     []float64
	Answer     []float64
	Steps      []Step
	Halted     bool
	Confidence float64
}

// New creates a module with seeded weight initialization.
func New(cfg Config) *Module {
	rng := rand.New(rand.NewSource(cfg.Seed))

	m := &Module{
		cfg:     cfg,
		refineW: randMatrix(rng, cfg.LatentDim, 2*cfg.LatentDim),
		refineB: make([]float64, cfg.LatentDim),
		haltW:   randVector(rng, cfg.LatentDim),
		haltB:   -1.0, // bias toward not halting until the state settles
		answerW: randMatrix(rng, cfg.AnswerDim, cfg.AnswerDim+cfg.LatentDim),
		answerB: make([]float64, cfg.AnswerDim),
	}
	return m
}

// Refine runs up to OuterCycles x InnerCycles refinement steps. The initial
// answer may be nil (initialized to zeros); context vectors may be empty, in
// which case attention falls back to the latent state itself. Halting inside
// an inner cycle stops everything immediately, skipping remaining inner and
// outer cycles.
func (m *Module) Refine(latent, answer []float64, contextVecs [][]float64) Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	z := fit(latent, m.cfg.LatentDim)
	ans := fit(answer, m.cfg.AnswerDim)

	res := Result{}
	stepIdx := 0

	for outer := 0; outer < m.cfg.OuterCycles; outer++ {
		for inner := 0; inner < m.cfg.InnerCycles; inner++ {
			ctx := m.attend(z, contextVecs)

			// Residual refinement with clipping to bound growth.
			input := append(append([]float64(nil), ctx...), z...)
			dz := affine(m.refineW, m.refineB, input)
			for i := range z {
				z[i] = clip(z[i]+gelu(dz[i]), m.cfg.Clip)
			}

			halt := sigmoid(dot(m.haltW, z) + m.haltB)
			conf := m.confidence(z, ans)

			res.Steps = append(res.Steps, Step{
				Index:      stepIdx,
				Cycle:      CycleInner,
				Latent:     append([]float64(nil), z...),
				Answer:     append([]float64(nil), ans...),
				HaltProb:   halt,
				Confidence: conf,
			})
			stepIdx++

			if halt > m.cfg.HaltThreshold {
				res.Latent = z
				res.Answer = ans
				res.Halted = true
				res.Confidence = conf
				return res
			}
		}

		// Outer cycle: refine the answer embedding against the settled latent.
		input := append(append([]float64(nil), ans...), z...)
		da := affine(m.answerW, m.answerB, input)
		for i := range ans {
			ans[i] = clip(ans[i]+gelu(da[i]), m.cfg.Clip)
		}

		conf := m.confidence(z, ans)
		res.Steps = append(res.Steps, Step{
			Index:      stepIdx,
			Cycle:      CycleOuter,
			Latent:     append([]float64(nil), z...),
			Answer:     append([]float64(nil), ans...),
			HaltProb:   0,
			Confidence: conf,
		})
		stepIdx++
		res.Confidence = conf
	}

	res.Latent = z
	res.Answer = ans
	return res
}

// attend computes dot-product attention of the latent state over the context
// vectors, softmax-normalized. With no context it returns the latent itself
// (self-attention fallback); malformed context vectors are fitted to the
// latent dimension.
func (m *Module) attend(z []float64, contextVecs [][]float64) []float64 {
	if len(contextVecs) == 0 {
		return append([]float64(nil), z...)
	}

	scores := make([]float64, len(contextVecs))
	maxScore := math.Inf(-1)
	fitted := make([][]float64, len(contextVecs))
	for i, cv := range contextVecs {
		fitted[i] = fit(cv, m.cfg.LatentDim)
		scores[i] = dot(z, fitted[i]) / math.Sqrt(float64(m.cfg.LatentDim))
		if scores[i] > maxScore {
			maxScore = scores[i]
		}
	}

	total := 0.0
	for i := range scores {
		scores[i] = math.Exp(scores[i] - maxScore)
		total += scores[i]
	}

	out := make([]float64, m.cfg.LatentDim)
	for i, cv := range fitted {
		w := scores[i] / total
		for j := range out {
			out[j] += w * cv[j]
		}
	}
	return out
}

// confidence blends state coherence (inverse of component spread) with the
// answer embedding's magnitude, in [0, 1].
func (m *Module) confidence(z, ans []float64) float64 {
	coherence := 1.0 / (1.0 + stddev(z))
	mag := norm(ans)
	answerSignal := mag / (1.0 + mag)
	return clip01(0.7*coherence + 0.3*answerSignal)
}
