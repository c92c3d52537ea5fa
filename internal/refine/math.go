package refine

import (
	"math"
	"math/rand"
)

func randMatrix(rng *rand.Rand, rows, cols int) [][]float64 {
	scale := math.Sqrt(2.0 / float64(cols))
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = (2*rng.Float64() - 1) * scale
		}
	}
	return m
}

func randVector(rng *rand.Rand, n int) []float64 {
	scale := math.Sqrt(2.0 / float64(n))
	v := make([]float64, n)
	for i := range v {
		v[i] = (2*rng.Float64() - 1) * scale
	}
	return v
}

func affine(w [][]float64, b, x []float64) []float64 {
	out := make([]float64, len(w))
	for i, row := range w {
		sum := b[i]
		for j := 0; j < len(row) && j < len(x); j++ {
			sum += row[j] * x[j]
		}
		out[i] = sum
	}
	return out
}

// gelu is the tanh approximation of the Gaussian error linear unit.
func gelu(x float64) float64 {
	return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := 0; i < len(a) && i < len(b); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(x []float64) float64 {
	sum := 0.0
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func stddev(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range x {
		mean += v
	}
	mean /= float64(len(x))

	varSum := 0.0
	for _, v := range x {
		d := v - mean
		varSum += d * d
	}
	return math.Sqrt(varSum / float64(len(x)))
}

func clip(x, bound float64) float64 {
	if x > bound {
		return bound
	}
	if x < -bound {
		return -bound
	}
	return x
}

func clip01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// fit copies v into a vector of exactly dim components, truncating or
// zero-padding as needed. Nil input yields the zero vector.
func fit(v []float64, dim int) []float64 {
	out := make([]float64, dim)
	copy(out, v)
	return out
}
