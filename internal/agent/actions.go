package agent

import (
	"fmt"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/registry"
)

// ActionSpace enumerates every (provider, model) pair the policy can choose.
// It is fixed at construction: the network's output dimension equals
// len(Actions), so adding providers to a running deployment requires a new
// policy version. Availability changes are handled through the valid mask
// instead.
type ActionSpace struct {
	Actions []api.RoutingAction
	index   map[string]int
}

// BuildActionSpace flattens configured providers x models into an ordered
// action list. Input order must be deterministic (registry snapshots sort by
// provider name).
func BuildActionSpace(providers []registry.Provider) *ActionSpace {
	as := &ActionSpace{index: make(map[string]int)}
	for _, p := range providers {
		for _, m := range p.Models {
			key := actionKey(p.Name, m)
			if _, dup := as.index[key]; dup {
				continue
			}
			as.index[key] = len(as.Actions)
			as.Actions = append(as.Actions, api.RoutingAction{Provider: p.Name, Model: m})
		}
	}
	return as
}

// Size returns the number of actions.
func (as *ActionSpace) Size() int { return len(as.Actions) }

// At returns the action at index i.
func (as *ActionSpace) At(i int) (api.RoutingAction, error) {
	if i < 0 || i >= len(as.Actions) {
		return api.RoutingAction{}, fmt.Errorf("agent: action index %d out of range [0,%d)", i, len(as.Actions))
	}
	return as.Actions[i], nil
}

// Index returns the action index for a provider/model pair.
func (as *ActionSpace) Index(provider, model string) (int, bool) {
	i, ok := as.index[actionKey(provider, model)]
	return i, ok
}

// ValidMask marks actions whose provider is currently available and still
// supports the model. A request's preferred-provider list further restricts
// the mask when it names at least one valid action; otherwise it is ignored
// rather than leaving the mask empty.
func (as *ActionSpace) ValidMask(snap registry.Snapshot, preferred []string) []bool {
	mask := make([]bool, len(as.Actions))
	for i, a := range as.Actions {
		p, ok := snap.Lookup(a.Provider)
		if !ok || !p.Available {
			continue
		}
		for _, m := range p.Models {
			if m == a.Model {
				mask[i] = true
				break
			}
		}
	}

	if len(preferred) == 0 {
		return mask
	}

	prefSet := make(map[string]bool, len(preferred))
	for _, p := range preferred {
		prefSet[p] = true
	}
	restricted := make([]bool, len(mask))
	any := false
	for i, ok := range mask {
		if ok && prefSet[as.Actions[i].Provider] {
			restricted[i] = true
			any = true
		}
	}
	if !any {
		return mask
	}
	return restricted
}

func actionKey(provider, model string) string {
	return provider + "/" + model
}
