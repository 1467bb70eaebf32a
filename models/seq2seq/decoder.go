package seq2seq

import (
	"github.com/gomlx/formula-solver/internal/nn"
)

// decoderStep holds one decoder step's values needed by the backward pass.
type decoderStep struct {
	token     int
	attention *nn.AttentionStep
	lstm      *nn.LSTMStep
	hidden    []float64
}

// decode runs one decoder step: embed token, attend over the encoder outputs, advance the LSTM from
// state and project to vocabulary logits.
func (m *Model) decode(token int, state nn.LSTMState, enc *encoding) (logits []float64, next nn.LSTMState, step *decoderStep) {
	D := m.config.EmbeddingDim
	embedded := m.decEmbedding.Lookup(token)
	context, attnStep := m.attention.Forward(embedded, enc.attention)

	input := make([]float64, D+m.config.HiddenDim)
	copy(input, embedded)
	copy(input[D:], context)
	next, lstmStep := m.decLSTM.Step(input, state)
	logits = m.decOutput.Forward(next.H)
	step = &decoderStep{token: token, attention: attnStep, lstm: lstmStep, hidden: next.H}
	return
}

// decodeBackward accumulates the decoder gradients, given the gradients of each step's logits, and
// then the encoder's.
func (m *Model) decodeBackward(enc *encoding, steps []*decoderStep, dLogits [][]float64) {
	D, H := m.config.EmbeddingDim, m.config.HiddenDim
	L := len(enc.ids)
	dValues := make([][]float64, L)
	dKeys := make([][]float64, L)
	for j := 0; j < L; j++ {
		dValues[j] = make([]float64, H)
		dKeys[j] = make([]float64, m.attention.Dim)
	}

	var dhNext, dcNext []float64
	for t := len(steps) - 1; t >= 0; t-- {
		step := steps[t]
		dh := make([]float64, H)
		if dhNext != nil {
			copy(dh, dhNext)
		}
		if dLogits[t] != nil {
			m.decOutput.Backward(step.hidden, dLogits[t], dh)
		}
		var dInput []float64
		dInput, dhNext, dcNext = m.decLSTM.StepBackward(step.lstm, dh, dcNext)
		dEmbedded := dInput[:D]
		m.attention.Backward(step.attention, enc.attention, dInput[D:], dEmbedded, dValues, dKeys)
		m.decEmbedding.Backward(step.token, dEmbedded)
	}
	m.attention.BackwardKeys(enc.attention, dKeys, dValues)
	m.encodeBackward(enc, dValues)
}
