package seq2seq

import (
	"github.com/gomlx/formula-solver/batching"
	"github.com/gomlx/formula-solver/internal/nn"
	"github.com/pkg/errors"
)

// countTargets returns the number of non-pad targets of the batch: row[1:] for each row.
func countTargets(batch *batching.Batch) int {
	total := 0
	for row := 0; row < batch.Rows; row++ {
		example := batch.Example(row)
		if len(example) < 2 {
			continue
		}
		for _, id := range example[1:] {
			if id != PadID {
				total++
			}
		}
	}
	return total
}

// forwardRow runs the teacher forced forward pass of one example: the encoder and the decoder both
// read example[:n-1] and the targets are example[1:].
//
// If scale is non-zero, the gradients of the logits (times scale) are returned in dLogits.
func (m *Model) forwardRow(example []int, scale float64, fn func(t int, logits []float64, target int)) (
	enc *encoding, steps []*decoderStep, dLogits [][]float64, loss float64) {
	n := len(example)
	input, targets := example[:n-1], example[1:]
	enc = m.encode(input)
	steps = make([]*decoderStep, len(input))
	if scale != 0 {
		dLogits = make([][]float64, len(input))
	}
	state := m.decLSTM.ZeroState()
	for t, token := range input {
		var logits []float64
		logits, state, steps[t] = m.decode(token, state, enc)
		target := targets[t]
		if target == PadID {
			continue
		}
		if fn != nil {
			fn(t, logits, target)
		}
		var grad []float64
		if scale != 0 {
			grad = make([]float64, len(logits))
			dLogits[t] = grad
		}
		loss += nn.SoftmaxCrossEntropy(logits, target, scale, grad)
	}
	return
}

// TrainBatch runs the teacher forced forward and backward passes over every row of the batch and
// accumulates the gradients of the mean cross-entropy into the parameters' gradients. Pad targets
// are ignored.
//
// It returns the mean loss and the number of targets it was averaged over. Applying the gradients is
// left to the optimizer (see nn.Adam). The model must be in training mode.
func (m *Model) TrainBatch(batch *batching.Batch) (loss float64, tokens int, err error) {
	if !m.training {
		return 0, 0, errors.New("TrainBatch called on a model in evaluation mode")
	}
	if err = m.checkIDs(batch.IDs); err != nil {
		return 0, 0, err
	}
	tokens = countTargets(batch)
	if tokens == 0 {
		return 0, 0, errors.Errorf("batch of %d rows has no targets", batch.Rows)
	}
	scale := 1.0 / float64(tokens)
	for row := 0; row < batch.Rows; row++ {
		example := batch.Example(row)
		if len(example) < 2 {
			continue
		}
		enc, steps, dLogits, rowLoss := m.forwardRow(example, scale, nil)
		m.decodeBackward(enc, steps, dLogits)
		loss += rowLoss
	}
	return loss / float64(tokens), tokens, nil
}

// EvaluateBatch runs the teacher forced forward pass only, and returns the number of non-pad targets
// for which the arg-max prediction is correct, and the number of non-pad targets.
func (m *Model) EvaluateBatch(batch *batching.Batch) (correct, total int, err error) {
	if err = m.checkIDs(batch.IDs); err != nil {
		return 0, 0, err
	}
	for row := 0; row < batch.Rows; row++ {
		example := batch.Example(row)
		if len(example) < 2 {
			continue
		}
		m.forwardRow(example, 0, func(_ int, logits []float64, target int) {
			total++
			if nn.Argmax(logits) == target {
				correct++
			}
		})
	}
	return correct, total, nil
}

// Loss returns the mean cross-entropy of the batch without touching the gradients.
func (m *Model) Loss(batch *batching.Batch) (float64, error) {
	if err := m.checkIDs(batch.IDs); err != nil {
		return 0, err
	}
	tokens := countTargets(batch)
	if tokens == 0 {
		return 0, errors.Errorf("batch of %d rows has no targets", batch.Rows)
	}
	var loss float64
	for row := 0; row < batch.Rows; row++ {
		example := batch.Example(row)
		if len(example) < 2 {
			continue
		}
		_, _, _, rowLoss := m.forwardRow(example, 0, nil)
		loss += rowLoss
	}
	return loss / float64(tokens), nil
}
