package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Softmax writes the softmax of x into dst, which may be x itself.
func Softmax(dst, x []float64) {
	if len(x) == 0 {
		return
	}
	lse := floats.LogSumExp(x)
	for ii, v := range x {
		dst[ii] = math.Exp(v - lse)
	}
}

// Argmax returns the index of the largest value of x, the first one on ties.
func Argmax(x []float64) int {
	return floats.MaxIdx(x)
}

// SoftmaxCrossEntropy returns -log(softmax(logits)[target]).
//
// If grad is not nil, it is set to scale times the gradient of the loss with respect to logits.
func SoftmaxCrossEntropy(logits []float64, target int, scale float64, grad []float64) float64 {
	lse := floats.LogSumExp(logits)
	if grad != nil {
		for k, v := range logits {
			grad[k] = scale * math.Exp(v-lse)
		}
		grad[target] -= scale
	}
	return lse - logits[target]
}
