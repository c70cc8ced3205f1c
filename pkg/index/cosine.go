package index

import (
	"gonum.org/v1/gonum/floats"
)

// Cosine returns the cosine similarity of a and b. Zero vectors and
// length mismatches score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	x, y := widen(a), widen(b)

	na, nb := floats.Norm(x, 2), floats.Norm(y, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(x, y) / (na * nb)
}

func widen(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
