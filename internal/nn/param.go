// Package nn holds the numeric building blocks of the sequence model: trainable parameters,
// embeddings, linear layers, LSTM cells, additive attention, softmax cross-entropy and the Adam
// optimizer.
//
// Vectors are plain []float64 and weights are gonum *mat.Dense. Each layer has a forward function
// returning whatever the backward pass needs, and a backward function that accumulates gradients
// into the layer's parameters and returns (or accumulates) gradients with respect to its inputs.
package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// Param is a trainable weight matrix together with its gradient accumulator.
// Bias vectors are stored as (n x 1) matrices.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParam creates a zero initialized parameter of shape (rows x cols).
func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Dims returns the shape of the parameter.
func (p *Param) Dims() (rows, cols int) {
	return p.Value.Dims()
}

// Size returns the number of scalars in the parameter.
func (p *Param) Size() int {
	r, c := p.Value.Dims()
	return r * c
}

// Data returns the values in row-major order, sharing the underlying storage.
func (p *Param) Data() []float64 {
	return p.Value.RawMatrix().Data
}

// GradData returns the gradients in row-major order, sharing the underlying storage.
func (p *Param) GradData() []float64 {
	return p.Grad.RawMatrix().Data
}

// ZeroGrad resets the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// InitUniform sets values uniformly at random in [-scale, scale].
func (p *Param) InitUniform(rng *rand.Rand, scale float64) {
	data := p.Data()
	for ii := range data {
		data[ii] = (2*rng.Float64() - 1) * scale
	}
}

// InitNormal sets values from a normal distribution with the given standard deviation.
func (p *Param) InitNormal(rng *rand.Rand, stddev float64) {
	data := p.Data()
	for ii := range data {
		data[ii] = rng.NormFloat64() * stddev
	}
}

// CountParams returns the total number of scalars in params.
func CountParams(params []*Param) int {
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	return total
}

// ZeroGrads resets the gradients of all params.
func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func vector(x []float64) blas64.Vector {
	return blas64.Vector{N: len(x), Inc: 1, Data: x}
}

// MulVecAdd computes y += w·x.
func MulVecAdd(y []float64, w *mat.Dense, x []float64) {
	blas64.Gemv(blas.NoTrans, 1, w.RawMatrix(), vector(x), 1, vector(y))
}

// MulTVecAdd computes y += wᵀ·x.
func MulTVecAdd(y []float64, w *mat.Dense, x []float64) {
	blas64.Gemv(blas.Trans, 1, w.RawMatrix(), vector(x), 1, vector(y))
}

// OuterAdd computes g += x·yᵀ.
func OuterAdd(g *mat.Dense, x, y []float64) {
	blas64.Ger(1, vector(x), vector(y), g.RawMatrix())
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
