package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/arbiterlabs/arbiter/internal/api"
)

// Checkpoint is the serialized form of a trained agent. The digest covers
// the weights so a corrupted or hand-edited file is rejected on load, and
// the recorded dimensions make stale checkpoints (different state layout or
// action space) an explicit error instead of silent garbage.
type Checkpoint struct {
	FormatVersion int                 `json:"format_version"`
	StateDim      int                 `json:"state_dim"`
	Actions       []api.RoutingAction `json:"actions"`
	Epsilon       float64             `json:"epsilon"`
	TrainSteps    int64               `json:"train_steps"`
	Phase         Phase               `json:"phase"`
	Policy        *Network            `json:"policy"`
	Target        *Network            `json:"target"`
	Digest        string              `json:"digest"`
}

const checkpointFormatVersion = 1

// Save writes the agent's full state to path. The file round-trips exactly:
// a loaded agent produces the identical action distribution for any state.
func (a *Agent) Save(path string) error {
	a.mu.RLock()
	cp := Checkpoint{
		FormatVersion: checkpointFormatVersion,
		StateDim:      a.policy.InputDim,
		Actions:       append([]api.RoutingAction(nil), a.space.Actions...),
		Epsilon:       a.epsilon,
		TrainSteps:    a.trainSteps,
		Phase:         a.phase,
		Policy:        a.policy.Clone(),
		Target:        a.target.Clone(),
	}
	a.mu.RUnlock()

	digest, err := weightsDigest(cp.Policy, cp.Target)
	if err != nil {
		return err
	}
	cp.Digest = digest

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("agent: marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("agent: write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCheckpoint reads and validates a checkpoint file.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent: read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("agent: parse checkpoint: %w", err)
	}
	if cp.FormatVersion != checkpointFormatVersion {
		return nil, fmt.Errorf("agent: unsupported checkpoint format %d", cp.FormatVersion)
	}
	if cp.Policy == nil || cp.Target == nil {
		return nil, fmt.Errorf("agent: checkpoint missing networks")
	}

	digest, err := weightsDigest(cp.Policy, cp.Target)
	if err != nil {
		return nil, err
	}
	if digest != cp.Digest {
		return nil, fmt.Errorf("agent: checkpoint digest mismatch")
	}
	return &cp, nil
}

// Restore replaces the agent's state with a checkpoint's. The checkpoint
// must match the agent's state dimension and action space exactly.
func (a *Agent) Restore(cp *Checkpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cp.StateDim != a.policy.InputDim {
		return fmt.Errorf("agent: checkpoint state dim %d, want %d", cp.StateDim, a.policy.InputDim)
	}
	if len(cp.Actions) != a.space.Size() {
		return fmt.Errorf("agent: checkpoint has %d actions, want %d", len(cp.Actions), a.space.Size())
	}
	for i, act := range cp.Actions {
		if a.space.Actions[i].Provider != act.Provider || a.space.Actions[i].Model != act.Model {
			return fmt.Errorf("agent: checkpoint action %d is %s/%s, want %s/%s",
				i, act.Provider, act.Model, a.space.Actions[i].Provider, a.space.Actions[i].Model)
		}
	}

	a.policy = cp.Policy.Clone()
	a.target = cp.Target.Clone()
	a.epsilon = cp.Epsilon
	a.trainSteps = cp.TrainSteps
	if cp.Phase != "" {
		a.phase = cp.Phase
	}
	return nil
}

func weightsDigest(nets ...*Network) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, n := range nets {
		if err := enc.Encode(n); err != nil {
			return "", fmt.Errorf("agent: digest weights: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
