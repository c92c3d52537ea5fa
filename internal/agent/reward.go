package agent

// RewardConfig shapes routing outcome rewards. The blend must keep execution
// success dominant; the remaining signals break ties between providers that
// both work. Weights are configurable, the defaults below are the documented
// reference formula.
type RewardConfig struct {
	SuccessWeight    float64 `json:"success_weight"`
	FailurePenalty   float64 `json:"failure_penalty"` // applied as-is (negative)
	ConfidenceWeight float64 `json:"confidence_weight"`
	LatencyWeight    float64 `json:"latency_weight"`
	QualityWeight    float64 `json:"quality_weight"`
	TargetLatencyMs  float64 `json:"target_latency_ms"`
}

// DefaultRewardConfig returns the reference reward formula.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		SuccessWeight:    0.5,
		FailurePenalty:   -0.5,
		ConfidenceWeight: 0.2,
		LatencyWeight:    0.2,
		QualityWeight:    0.1,
		TargetLatencyMs:  2000,
	}
}

// Compute blends execution success, confidence/capability alignment, latency
// against the target, and quality (when observed, quality < 0 means absent)
// into a reward, roughly in [-1, 1].
func (c RewardConfig) Compute(success bool, confidence, capability, latencyMs, quality float64) float64 {
	reward := 0.0

	if success {
		reward += c.SuccessWeight
	} else {
		reward += c.FailurePenalty
	}

	// Alignment: high confidence on a success is good, high confidence on a
	// failure is worse than low confidence on one.
	alignment := confidence * capability
	if success {
		reward += c.ConfidenceWeight * alignment
	} else {
		reward -= c.ConfidenceWeight * confidence
	}

	if c.TargetLatencyMs > 0 && latencyMs > 0 {
		// 1 at instant, 0 at target, negative beyond; floored at -1.
		ratio := 1 - latencyMs/c.TargetLatencyMs
		if ratio < -1 {
			ratio = -1
		}
		reward += c.LatencyWeight * ratio
	}

	if quality >= 0 {
		reward += c.QualityWeight * quality
	}

	if reward > 1 {
		reward = 1
	}
	if reward < -1 {
		reward = -1
	}
	return reward
}
