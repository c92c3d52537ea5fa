package agent

import "testing"

func TestRewardSuccessDominant(t *testing.T) {
	cfg := DefaultRewardConfig()

	// Worst possible success vs best possible failure: success must win.
	worstSuccess := cfg.Compute(true, 0, 0, 4000, 0)
	bestFailure := cfg.Compute(false, 0, 1, 1, 1)

	if worstSuccess <= bestFailure {
		t.Errorf("Success (%.3f) must outscore failure (%.3f)", worstSuccess, bestFailure)
	}
}

func TestRewardBounds(t *testing.T) {
	cfg := DefaultRewardConfig()

	cases := []struct {
		success                                  bool
		confidence, capability, latency, quality float64
	}{
		{true, 1, 1, 1, 1},
		{false, 1, 1, 100000, 0},
		{true, 0, 0, 0, -1},
		{false, 0, 0, 0, -1},
	}
	for i, c := range cases {
		r := cfg.Compute(c.success, c.confidence, c.capability, c.latency, c.quality)
		if r < -1 || r > 1 {
			t.Errorf("Case %d: reward %.3f outside [-1, 1]", i, r)
		}
	}
}

func TestRewardLatencyPenalty(t *testing.T) {
	cfg := DefaultRewardConfig()

	fast := cfg.Compute(true, 0.8, 0.8, 200, -1)
	slow := cfg.Compute(true, 0.8, 0.8, 3800, -1)
	if fast <= slow {
		t.Errorf("Fast response (%.3f) should outscore slow (%.3f)", fast, slow)
	}

	// Latency ratio floors at -1: extreme latency is no worse than 2x target.
	slower := cfg.Compute(true, 0.8, 0.8, 500000, -1)
	atFloor := cfg.Compute(true, 0.8, 0.8, 4000, -1)
	if slower != atFloor {
		t.Errorf("Latency penalty should floor: %.3f vs %.3f", slower, atFloor)
	}
}

func TestRewardConfidenceAlignment(t *testing.T) {
	cfg := DefaultRewardConfig()

	// On success, confident capable picks score higher.
	confident := cfg.Compute(true, 0.9, 0.9, 1000, -1)
	hesitant := cfg.Compute(true, 0.1, 0.9, 1000, -1)
	if confident <= hesitant {
		t.Errorf("Confident success (%.3f) should outscore hesitant (%.3f)", confident, hesitant)
	}

	// On failure, confidence is penalized.
	confidentFail := cfg.Compute(false, 0.9, 0.9, 1000, -1)
	hesitantFail := cfg.Compute(false, 0.1, 0.9, 1000, -1)
	if confidentFail >= hesitantFail {
		t.Errorf("Confident failure (%.3f) should score below hesitant failure (%.3f)",
			confidentFail, hesitantFail)
	}
}

func TestRewardQualityOptional(t *testing.T) {
	cfg := DefaultRewardConfig()

	withQuality := cfg.Compute(true, 0.5, 0.5, 1000, 0.9)
	without := cfg.Compute(true, 0.5, 0.5, 1000, -1)
	if withQuality <= without {
		t.Errorf("Observed quality 0.9 should add reward: %.3f vs %.3f", withQuality, without)
	}

	zeroQuality := cfg.Compute(true, 0.5, 0.5, 1000, 0)
	if zeroQuality != without {
		t.Errorf("Quality 0 adds nothing but is still observed: %.3f vs %.3f", zeroQuality, without)
	}
}
