package seq2seq

import (
	"github.com/gomlx/formula-solver/internal/nn"
	"gonum.org/v1/gonum/floats"
)

// encoding holds the encoder outputs for one sequence and what the backward pass needs.
type encoding struct {
	ids       []int
	embedded  [][]float64
	fwdSteps  []*nn.LSTMStep
	bwdSteps  []*nn.LSTMStep
	concat    [][]float64 // [forward hidden; backward hidden] per position.
	outputs   [][]float64 // Projected to HiddenDim, per position.
	attention *nn.AttentionValues
}

// encode runs the encoder over ids, one context vector per position.
func (m *Model) encode(ids []int) *encoding {
	L, H := len(ids), m.config.HiddenDim
	enc := &encoding{
		ids:      ids,
		embedded: make([][]float64, L),
		fwdSteps: make([]*nn.LSTMStep, L),
		bwdSteps: make([]*nn.LSTMStep, L),
		concat:   make([][]float64, L),
		outputs:  make([][]float64, L),
	}
	for j, id := range ids {
		enc.embedded[j] = m.encEmbedding.Lookup(id)
		enc.concat[j] = make([]float64, 2*H)
	}

	state := m.encForward.ZeroState()
	for j := 0; j < L; j++ {
		state, enc.fwdSteps[j] = m.encForward.Step(enc.embedded[j], state)
		copy(enc.concat[j][:H], state.H)
	}
	state = m.encBackward.ZeroState()
	for j := L - 1; j >= 0; j-- {
		state, enc.bwdSteps[j] = m.encBackward.Step(enc.embedded[j], state)
		copy(enc.concat[j][H:], state.H)
	}
	for j := range ids {
		enc.outputs[j] = m.encProjection.Forward(enc.concat[j])
	}
	enc.attention = m.attention.Prepare(enc.outputs)
	return enc
}

// encodeBackward accumulates the encoder gradients given the gradients of the encoder outputs.
func (m *Model) encodeBackward(enc *encoding, dOutputs [][]float64) {
	L, H := len(enc.ids), m.config.HiddenDim
	dConcat := make([][]float64, L)
	for j := range enc.ids {
		dConcat[j] = make([]float64, 2*H)
		m.encProjection.Backward(enc.concat[j], dOutputs[j], dConcat[j])
	}

	// The forward direction ran from 0 to L-1, so its gradients flow back from L-1 to 0.
	var dhNext, dcNext []float64
	for j := L - 1; j >= 0; j-- {
		dh := dConcat[j][:H]
		if dhNext != nil {
			floats.Add(dh, dhNext)
		}
		var dx []float64
		dx, dhNext, dcNext = m.encForward.StepBackward(enc.fwdSteps[j], dh, dcNext)
		m.encEmbedding.Backward(enc.ids[j], dx)
	}

	dhNext, dcNext = nil, nil
	for j := 0; j < L; j++ {
		dh := dConcat[j][H:]
		if dhNext != nil {
			floats.Add(dh, dhNext)
		}
		var dx []float64
		dx, dhNext, dcNext = m.encBackward.StepBackward(enc.bwdSteps[j], dh, dcNext)
		m.encEmbedding.Backward(enc.ids[j], dx)
	}
}
