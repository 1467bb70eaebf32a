package nn

import (
	"math"
)

// Adam optimizer, with optional clipping of the global gradient norm.
type Adam struct {
	LearningRate, Beta1, Beta2, Epsilon float64

	// ClipNorm, if > 0, rescales gradients whose global L2 norm exceeds it.
	ClipNorm float64

	step    int
	moments map[*Param]*adamMoments
}

type adamMoments struct {
	m, v []float64
}

// NewAdam creates an Adam optimizer with the usual defaults (β1=0.9, β2=0.999, ε=1e-8).
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		moments:      make(map[*Param]*adamMoments),
	}
}

// Steps returns the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.step
}

// GradNorm returns the global L2 norm of the accumulated gradients.
func GradNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.GradData() {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// Step updates params in place with their accumulated gradients, and then zeroes the gradients.
//
// p -= lr * mhat / (sqrt(vhat)+eps) with bias correction.
func (a *Adam) Step(params []*Param) {
	a.step++
	gradScale := 1.0
	if a.ClipNorm > 0 {
		if norm := GradNorm(params); norm > a.ClipNorm {
			gradScale = a.ClipNorm / norm
		}
	}
	c1 := 1.0 / (1.0 - math.Pow(a.Beta1, float64(a.step)))
	c2 := 1.0 / (1.0 - math.Pow(a.Beta2, float64(a.step)))
	for _, p := range params {
		moments, found := a.moments[p]
		if !found {
			moments = &adamMoments{m: make([]float64, p.Size()), v: make([]float64, p.Size())}
			a.moments[p] = moments
		}
		values, grads := p.Data(), p.GradData()
		for ii, g := range grads {
			g *= gradScale
			m := a.Beta1*moments.m[ii] + (1-a.Beta1)*g
			v := a.Beta2*moments.v[ii] + (1-a.Beta2)*g*g
			moments.m[ii], moments.v[ii] = m, v
			values[ii] -= a.LearningRate * (m * c1) / (math.Sqrt(v*c2) + a.Epsilon)
		}
		p.ZeroGrad()
	}
}
