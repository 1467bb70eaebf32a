package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Attention is additive (Bahdanau style) attention:
//
//	score_j = vᵀ·tanh(Wq·query + Wk·value_j + b)
//	weights = softmax(score)
//	context = Σ_j weights_j·value_j
type Attention struct {
	Query, Key, Bias, Score *Param
	QueryDim, ValueDim, Dim int
}

// AttentionValues are the values attended over, with their key projections Wk·value_j + b computed once.
type AttentionValues struct {
	Values    [][]float64
	projected [][]float64
}

// AttentionStep holds the values of one Forward call needed by Backward.
type AttentionStep struct {
	query   []float64
	hidden  [][]float64 // tanh(Wq·query + Wk·value_j + b), per value.
	Weights []float64
}

// NewAttention creates an additive attention layer with projections of size dim.
func NewAttention(name string, queryDim, valueDim, dim int, rng *rand.Rand) *Attention {
	a := &Attention{
		Query:    NewParam(name+".query", dim, queryDim),
		Key:      NewParam(name+".key", dim, valueDim),
		Bias:     NewParam(name+".bias", dim, 1),
		Score:    NewParam(name+".score", dim, 1),
		QueryDim: queryDim,
		ValueDim: valueDim,
		Dim:      dim,
	}
	a.Query.InitUniform(rng, 1/math.Sqrt(float64(queryDim)))
	a.Key.InitUniform(rng, 1/math.Sqrt(float64(valueDim)))
	a.Score.InitUniform(rng, 1/math.Sqrt(float64(dim)))
	return a
}

// Prepare projects the values into keys. The returned AttentionValues can be reused for any number
// of Forward calls.
func (a *Attention) Prepare(values [][]float64) *AttentionValues {
	av := &AttentionValues{Values: values, projected: make([][]float64, len(values))}
	for j, value := range values {
		key := make([]float64, a.Dim)
		copy(key, a.Bias.Data())
		MulVecAdd(key, a.Key.Value, value)
		av.projected[j] = key
	}
	return av
}

// Forward returns the context vector for query.
func (a *Attention) Forward(query []float64, av *AttentionValues) ([]float64, *AttentionStep) {
	q := make([]float64, a.Dim)
	MulVecAdd(q, a.Query.Value, query)
	v := a.Score.Data()

	step := &AttentionStep{
		query:   query,
		hidden:  make([][]float64, len(av.Values)),
		Weights: make([]float64, len(av.Values)),
	}
	for j, key := range av.projected {
		u := make([]float64, a.Dim)
		for k := range u {
			u[k] = math.Tanh(q[k] + key[k])
		}
		step.hidden[j] = u
		step.Weights[j] = floats.Dot(v, u)
	}
	Softmax(step.Weights, step.Weights)

	context := make([]float64, a.ValueDim)
	for j, value := range av.Values {
		floats.AddScaled(context, step.Weights[j], value)
	}
	return context, step
}

// Backward accumulates the gradients of Query and Score given the context gradient dContext,
// adds the query gradient to dQuery, the direct value gradients to dValues and the gradients of the
// key projections to dKeys. Call BackwardKeys once after all steps to propagate dKeys.
func (a *Attention) Backward(step *AttentionStep, av *AttentionValues, dContext, dQuery []float64, dValues, dKeys [][]float64) {
	n := len(av.Values)
	dWeights := make([]float64, n)
	for j, value := range av.Values {
		dWeights[j] = floats.Dot(dContext, value)
		floats.AddScaled(dValues[j], step.Weights[j], dContext)
	}
	mean := floats.Dot(step.Weights, dWeights)

	v := a.Score.Data()
	dv := a.Score.GradData()
	dq := make([]float64, a.Dim)
	dPre := make([]float64, a.Dim)
	for j := 0; j < n; j++ {
		dScore := step.Weights[j] * (dWeights[j] - mean)
		if dScore == 0 {
			continue
		}
		u := step.hidden[j]
		floats.AddScaled(dv, dScore, u)
		for k := range dPre {
			dPre[k] = dScore * v[k] * (1 - u[k]*u[k])
		}
		floats.Add(dq, dPre)
		floats.Add(dKeys[j], dPre)
	}
	OuterAdd(a.Query.Grad, dq, step.query)
	MulTVecAdd(dQuery, a.Query.Value, dq)
}

// BackwardKeys accumulates the gradients of Key and Bias from the key projection gradients
// gathered by Backward, and adds the resulting value gradients to dValues.
func (a *Attention) BackwardKeys(av *AttentionValues, dKeys, dValues [][]float64) {
	db := a.Bias.GradData()
	for j, value := range av.Values {
		OuterAdd(a.Key.Grad, dKeys[j], value)
		floats.Add(db, dKeys[j])
		MulTVecAdd(dValues[j], a.Key.Value, dKeys[j])
	}
}

// Params returns the trainable parameters.
func (a *Attention) Params() []*Param {
	return []*Param{a.Query, a.Key, a.Bias, a.Score}
}
