package agent

import (
	"math"
	"math/rand"
)

// Network is a small fully connected net (one ReLU hidden layer) with a
// hand-rolled forward pass and per-action gradient update. It sits behind
// the Agent so the surrounding routing logic never touches weights directly;
// swapping in a real linear-algebra backend only has to reproduce Forward,
// UpdateAction and CopyFrom.
//
// Field names are exported for JSON checkpointing; everything else treats a
// Network as opaque.
type Network struct {
	InputDim  int `json:"input_dim"`
	HiddenDim int `json:"hidden_dim"`
	OutputDim int `json:"output_dim"`

	W1 [][]float64 `json:"w1"` // hidden x input
	B1 []float64   `json:"b1"`
	W2 [][]float64 `json:"w2"` // output x hidden
	B2 []float64   `json:"b2"`
}

// NewNetwork creates a network with scaled uniform initialization.
func NewNetwork(inputDim, hiddenDim, outputDim int, rng *rand.Rand) *Network {
	n := &Network{
		InputDim:  inputDim,
		HiddenDim: hiddenDim,
		OutputDim: outputDim,
		W1:        make([][]float64, hiddenDim),
		B1:        make([]float64, hiddenDim),
		W2:        make([][]float64, outputDim),
		B2:        make([]float64, outputDim),
	}

	// Xavier-style scaling keeps initial Q-values small and comparable.
	s1 := math.Sqrt(6.0 / float64(inputDim+hiddenDim))
	for i := range n.W1 {
		n.W1[i] = make([]float64, inputDim)
		for j := range n.W1[i] {
			n.W1[i][j] = (2*rng.Float64() - 1) * s1
		}
	}
	s2 := math.Sqrt(6.0 / float64(hiddenDim+outputDim))
	for i := range n.W2 {
		n.W2[i] = make([]float64, hiddenDim)
		for j := range n.W2[i] {
			n.W2[i][j] = (2*rng.Float64() - 1) * s2
		}
	}
	return n
}

// Forward computes Q-values for a state.
func (n *Network) Forward(x []float64) []float64 {
	q, _ := n.forward(x)
	return q
}

func (n *Network) forward(x []float64) (q, hidden []float64) {
	hidden = make([]float64, n.HiddenDim)
	for i := 0; i < n.HiddenDim; i++ {
		sum := n.B1[i]
		row := n.W1[i]
		for j := 0; j < n.InputDim && j < len(x); j++ {
			sum += row[j] * x[j]
		}
		if sum > 0 { // ReLU
			hidden[i] = sum
		}
	}

	q = make([]float64, n.OutputDim)
	for i := 0; i < n.OutputDim; i++ {
		sum := n.B2[i]
		row := n.W2[i]
		for j := 0; j < n.HiddenDim; j++ {
			sum += row[j] * hidden[j]
		}
		q[i] = sum
	}
	return q, hidden
}

// UpdateAction applies one SGD step pushing Q(x, action) toward target under
// squared error. Returns the TD error before the update. Gradients only flow
// through the chosen action's output row, which is the standard DQN update.
func (n *Network) UpdateAction(x []float64, action int, target, lr float64) float64 {
	if action < 0 || action >= n.OutputDim {
		return 0
	}

	q, hidden := n.forward(x)
	tdErr := q[action] - target

	// Clip the error so one bad outcome cannot blow up the weights.
	grad := tdErr
	if grad > 1 {
		grad = 1
	} else if grad < -1 {
		grad = -1
	}

	// Output layer: dL/dW2[action][j] = grad * hidden[j]
	outRow := n.W2[action]
	for j := 0; j < n.HiddenDim; j++ {
		if hidden[j] > 0 {
			// Hidden layer, fused: dL/dh[j] = grad * W2[action][j],
			// through ReLU (active units only).
			dh := grad * outRow[j]
			w1Row := n.W1[j]
			for k := 0; k < n.InputDim && k < len(x); k++ {
				w1Row[k] -= lr * dh * x[k]
			}
			n.B1[j] -= lr * dh
		}
		outRow[j] -= lr * grad * hidden[j]
	}
	n.B2[action] -= lr * grad

	return tdErr
}

// CopyFrom overwrites this network's weights with src's. Dimensions must
// match; used for the periodic policy -> target sync.
func (n *Network) CopyFrom(src *Network) {
	for i := range n.W1 {
		copy(n.W1[i], src.W1[i])
	}
	copy(n.B1, src.B1)
	for i := range n.W2 {
		copy(n.W2[i], src.W2[i])
	}
	copy(n.B2, src.B2)
}

// Clone returns an independent deep copy.
func (n *Network) Clone() *Network {
	cp := &Network{
		InputDim:  n.InputDim,
		HiddenDim: n.HiddenDim,
		OutputDim: n.OutputDim,
		W1:        make([][]float64, len(n.W1)),
		B1:        append([]float64(nil), n.B1...),
		W2:        make([][]float64, len(n.W2)),
		B2:        append([]float64(nil), n.B2...),
	}
	for i := range n.W1 {
		cp.W1[i] = append([]float64(nil), n.W1[i]...)
	}
	for i := range n.W2 {
		cp.W2[i] = append([]float64(nil), n.W2[i]...)
	}
	return cp
}
