package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Embedding maps token ids to dense vectors.
type Embedding struct {
	Weights        *Param
	VocabSize, Dim int
}

// NewEmbedding creates an embedding table of shape (vocabSize x dim), initialized from N(0, 1).
func NewEmbedding(name string, vocabSize, dim int, rng *rand.Rand) *Embedding {
	e := &Embedding{
		Weights:   NewParam(name+".weight", vocabSize, dim),
		VocabSize: vocabSize,
		Dim:       dim,
	}
	e.Weights.InitNormal(rng, 1)
	return e
}

// Lookup returns a copy of the embedding of id.
func (e *Embedding) Lookup(id int) []float64 {
	out := make([]float64, e.Dim)
	copy(out, e.Weights.Value.RawRowView(id))
	return out
}

// Backward accumulates the gradient of the embedding of id.
func (e *Embedding) Backward(id int, grad []float64) {
	floats.Add(e.Weights.Grad.RawRowView(id), grad)
}

// Params returns the trainable parameters.
func (e *Embedding) Params() []*Param {
	return []*Param{e.Weights}
}

// Linear is a fully connected layer y = W·x + b.
type Linear struct {
	W, B    *Param
	In, Out int
}

// NewLinear creates a linear layer with weights and bias uniform in ±1/sqrt(in).
func NewLinear(name string, in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		W:   NewParam(name+".weight", out, in),
		B:   NewParam(name+".bias", out, 1),
		In:  in,
		Out: out,
	}
	scale := 1 / math.Sqrt(float64(in))
	l.W.InitUniform(rng, scale)
	l.B.InitUniform(rng, scale)
	return l
}

// Forward returns W·x + b.
func (l *Linear) Forward(x []float64) []float64 {
	y := make([]float64, l.Out)
	copy(y, l.B.Data())
	MulVecAdd(y, l.W.Value, x)
	return y
}

// Backward accumulates the gradients of W and b given the input x and the output gradient dy.
// If dx is not nil, the input gradient Wᵀ·dy is added to it.
func (l *Linear) Backward(x, dy, dx []float64) {
	OuterAdd(l.W.Grad, dy, x)
	floats.Add(l.B.GradData(), dy)
	if dx != nil {
		MulTVecAdd(dx, l.W.Value, dy)
	}
}

// Params returns the trainable parameters.
func (l *Linear) Params() []*Param {
	return []*Param{l.W, l.B}
}
