package agent

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"github.com/arbiterlabs/arbiter/internal/replay"
)

// Phase tracks training maturity, advanced by rolling mean reward. It gates
// nothing by itself; it is operational signal exposed through Stats and used
// by callers to decide how much to trust the policy.
type Phase string

const (
	PhaseExploration  Phase = "exploration"
	PhaseLearning     Phase = "learning"
	PhaseOptimization Phase = "optimization"
)

// ErrEmptyActionSpace is returned when an agent is constructed with nothing
// to choose from.
var ErrEmptyActionSpace = errors.New("agent: empty action space")

// Config holds DQN hyperparameters. All values are tunable; the defaults are
// documented working points, not requirements.
type Config struct {
	Gamma        float64 // discount factor
	EpsilonStart float64
	EpsilonFloor float64
	EpsilonDecay float64 // geometric, applied per training step
	LearningRate float64
	HiddenDim    int

	// TargetSyncEvery is the training-step period for copying policy
	// weights into the target network. The lag is load-bearing: without it
	// TD targets chase their own updates and training oscillates.
	TargetSyncEvery int

	// Phase promotion: mean reward over the last PhaseWindow recorded
	// rewards must reach the threshold.
	PhaseWindow           int
	LearningThreshold     float64
	OptimizationThreshold float64

	Seed int64

	Reward RewardConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Gamma:                 0.95,
		EpsilonStart:          1.0,
		EpsilonFloor:          0.05,
		EpsilonDecay:          0.995,
		LearningRate:          0.001,
		HiddenDim:             64,
		TargetSyncEvery:       100,
		PhaseWindow:           10,
		LearningThreshold:     0.3,
		OptimizationThreshold: 0.6,
		Seed:                  1,
		Reward:                DefaultRewardConfig(),
	}
}

// Agent is the DQN routing policy: a policy network for action selection and
// a lagging target network for TD targets.
//
// Concurrency: many request goroutines call SelectAction / QValues
// concurrently under the read lock; the single background trainer is the
// only writer. A reader therefore always sees a consistent weight snapshot.
type Agent struct {
	mu sync.RWMutex

	cfg     Config
	space   *ActionSpace
	policy  *Network
	target  *Network
	epsilon float64

	// rng has its own lock: SelectAction runs under the read lock, so two
	// request goroutines may reach the rng concurrently.
	rngMu sync.Mutex
	rng   *rand.Rand

	trainSteps    int64
	phase         Phase
	recentRewards []float64 // ring, PhaseWindow wide
	rewardPos     int
	rewardCount   int
}

// Stats is a point-in-time view of agent training state.
type Stats struct {
	Phase      Phase   `json:"phase"`
	Epsilon    float64 `json:"epsilon"`
	TrainSteps int64   `json:"train_steps"`
	MeanReward float64 `json:"mean_reward"`
	NumActions int     `json:"num_actions"`
}

// New creates an agent over a fixed action space. Structurally degenerate
// zero fields (PhaseWindow, HiddenDim, decay and learning rates) are replaced
// with defaults; epsilon start and floor are taken as given since zero is a
// valid greedy setting.
func New(stateDim int, space *ActionSpace, cfg Config) (*Agent, error) {
	if space == nil || space.Size() == 0 {
		return nil, ErrEmptyActionSpace
	}

	def := DefaultConfig()
	if cfg.PhaseWindow <= 0 {
		cfg.PhaseWindow = def.PhaseWindow
	}
	if cfg.HiddenDim <= 0 {
		cfg.HiddenDim = def.HiddenDim
	}
	if cfg.Gamma <= 0 {
		cfg.Gamma = def.Gamma
	}
	if cfg.EpsilonDecay <= 0 {
		cfg.EpsilonDecay = def.EpsilonDecay
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = def.LearningRate
	}
	if cfg.TargetSyncEvery <= 0 {
		cfg.TargetSyncEvery = def.TargetSyncEvery
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	policy := NewNetwork(stateDim, cfg.HiddenDim, space.Size(), rng)
	return &Agent{
		cfg:           cfg,
		space:         space,
		policy:        policy,
		target:        policy.Clone(),
		epsilon:       cfg.EpsilonStart,
		rng:           rng,
		phase:         PhaseExploration,
		recentRewards: make([]float64, cfg.PhaseWindow),
	}, nil
}

// ActionSpace exposes the agent's action space.
func (a *Agent) ActionSpace() *ActionSpace { return a.space }

// SelectAction picks an action index epsilon-greedily, restricted to valid
// actions. Returns the index, the greedy Q-value estimate for it, and
// whether the pick was exploratory. Returns -1 when no action is valid.
func (a *Agent) SelectAction(state []float64, valid []bool) (int, float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	validIdx := make([]int, 0, len(valid))
	for i, ok := range valid {
		if ok {
			validIdx = append(validIdx, i)
		}
	}
	if len(validIdx) == 0 {
		return -1, 0, false
	}

	q := a.policy.Forward(state)

	a.rngMu.Lock()
	explore := a.rng.Float64() < a.epsilon
	pick := -1
	if explore {
		pick = validIdx[a.rng.Intn(len(validIdx))]
	}
	a.rngMu.Unlock()
	if explore {
		return pick, q[pick], true
	}

	best := validIdx[0]
	for _, i := range validIdx[1:] {
		if q[i] > q[best] {
			best = i
		}
	}
	return best, q[best], false
}

// QValues returns a copy of the policy network's outputs for a state.
func (a *Agent) QValues(state []float64) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.policy.Forward(state)
}

// Train runs one TD update over a sampled batch and returns the mean
// absolute TD error. Every TargetSyncEvery steps the target network is
// refreshed, and epsilon decays geometrically toward its floor.
func (a *Agent) Train(batch []replay.Experience) (float64, error) {
	if len(batch) == 0 {
		return 0, errors.New("agent: empty training batch")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	totalErr := 0.0
	for _, exp := range batch {
		target := exp.Reward
		if !exp.Done {
			nextQ := a.target.Forward(exp.NextState)
			target += a.cfg.Gamma * maxOf(nextQ)
		}
		tdErr := a.policy.UpdateAction(exp.State, exp.Action, target, a.cfg.LearningRate)
		totalErr += math.Abs(tdErr)
	}

	a.trainSteps++
	if a.cfg.TargetSyncEvery > 0 && a.trainSteps%int64(a.cfg.TargetSyncEvery) == 0 {
		a.target.CopyFrom(a.policy)
	}

	a.epsilon *= a.cfg.EpsilonDecay
	if a.epsilon < a.cfg.EpsilonFloor {
		a.epsilon = a.cfg.EpsilonFloor
	}

	return totalErr / float64(len(batch)), nil
}

// RecordReward feeds the rolling reward window and advances the training
// phase when the window mean crosses the configured thresholds. Phases only
// move forward.
func (a *Agent) RecordReward(r float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.recentRewards[a.rewardPos] = r
	a.rewardPos = (a.rewardPos + 1) % len(a.recentRewards)
	if a.rewardCount < len(a.recentRewards) {
		a.rewardCount++
	}
	if a.rewardCount < len(a.recentRewards) {
		return
	}

	mean := a.meanRewardLocked()
	switch a.phase {
	case PhaseExploration:
		if mean >= a.cfg.LearningThreshold {
			a.phase = PhaseLearning
		}
	case PhaseLearning:
		if mean >= a.cfg.OptimizationThreshold {
			a.phase = PhaseOptimization
		}
	}
}

// ComputeReward applies the configured reward shaping.
func (a *Agent) ComputeReward(success bool, confidence, capability, latencyMs, quality float64) float64 {
	return a.cfg.Reward.Compute(success, confidence, capability, latencyMs, quality)
}

// Stats returns a snapshot of training state.
func (a *Agent) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Stats{
		Phase:      a.phase,
		Epsilon:    a.epsilon,
		TrainSteps: a.trainSteps,
		MeanReward: a.meanRewardLocked(),
		NumActions: a.space.Size(),
	}
}

func (a *Agent) meanRewardLocked() float64 {
	if a.rewardCount == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < a.rewardCount; i++ {
		sum += a.recentRewards[i]
	}
	return sum / float64(a.rewardCount)
}

func maxOf(xs []float64) float64 {
	best := math.Inf(-1)
	for _, x := range xs {
		if x > best {
			best = x
		}
	}
	return best
}
