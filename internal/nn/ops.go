package nn

import (
	"math"
	"math/rand/v2"
)

// normEpsilon is the smallest norm L2Normalize divides by.
const normEpsilon = 1e-12

// L2Normalize returns x/‖x‖ and ‖x‖. A vector shorter than normEpsilon has
// no direction; it maps to the uniform unit vector 1/√d in every component
// so that the output always has norm 1.
func L2Normalize(x []float64) ([]float64, float64) {
	norm := Norm(x)
	out := make([]float64, len(x))
	if norm < normEpsilon {
		v := 1 / math.Sqrt(float64(len(x)))
		for i := range out {
			out[i] = v
		}
		return out, norm
	}
	for i, v := range x {
		out[i] = v / norm
	}
	return out, norm
}

// L2NormalizeBackward maps dL/dy to dL/dx for y = x/‖x‖:
// dx = (dy - y(y·dy)) / ‖x‖. For a degenerate input the tangent projection
// is passed through unscaled.
func L2NormalizeBackward(y []float64, norm float64, grad []float64) []float64 {
	if norm < normEpsilon {
		norm = 1
	}
	dot := Dot(y, grad)
	out := make([]float64, len(y))
	for i := range y {
		out[i] = (grad[i] - y[i]*dot) / norm
	}
	return out
}

// DropoutMask draws an inverted-dropout mask: kept units are scaled by
// 1/(1-rate) so evaluation needs no rescaling.
func DropoutMask(n int, rate float64, rng *rand.Rand) []float64 {
	mask := make([]float64, n)
	keep := 1 - rate
	for i := range mask {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
	}
	return mask
}

func Dot(a, b []float64) float64 {
	sum := 0.0
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

func Norm(x []float64) float64 {
	return math.Sqrt(Dot(x, x))
}

// EuclideanDistance is ‖a-b‖₂.
func EuclideanDistance(a, b []float64) float64 {
	sum := 0.0
	for i, v := range a {
		d := v - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
