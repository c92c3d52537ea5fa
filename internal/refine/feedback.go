package refine

// LearnFromFeedback nudges the halting head using the recorded steps of one
// refinement trajectory and the observed vs. target outcome. Early halts
// that preceded good outcomes push the head toward halting sooner on similar
// states; early halts before poor outcomes push it the other way. This is
// lightweight online credit assignment, not backpropagation through the
// trajectory.
func (m *Module) LearnFromFeedback(steps []Step, actual, target float64) {
	if len(steps) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	budget := m.cfg.OuterCycles*m.cfg.InnerCycles + m.cfg.OuterCycles
	earliness := 1.0 - float64(len(steps))/float64(budget)
	if earliness < 0 {
		earliness = 0
	}

	// Positive when the outcome beat the target; scaled by how early we
	// stopped so full-budget runs produce no halting signal.
	signal := (actual - target) * earliness
	if signal == 0 {
		return
	}

	last := steps[len(steps)-1]
	lr := m.cfg.LearningRate
	for j := range m.haltW {
		if j < len(last.Latent) {
			m.haltW[j] += lr * signal * last.Latent[j]
		}
	}
	m.haltB += lr * signal
}
