package seq2seq

import (
	"github.com/gomlx/formula-solver/internal/nn"
	"github.com/pkg/errors"
)

// Generate encodes ids and decodes greedily: starting from StartID, each step feeds back the arg-max
// token. It stops after producing EndID (which is included in the result) or after maxLength tokens.
// If maxLength <= 0, DefaultMaxLength is used.
//
// It returns an error if ids is empty or has ids outside the vocabulary.
func (m *Model) Generate(ids []int, maxLength int) ([]int, error) {
	if len(ids) == 0 {
		return nil, errors.New("cannot generate from an empty input")
	}
	if err := m.checkIDs(ids); err != nil {
		return nil, err
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	enc := m.encode(ids)
	state := m.decLSTM.ZeroState()
	token := StartID
	output := make([]int, 0, maxLength)
	for len(output) < maxLength {
		var logits []float64
		logits, state, _ = m.decode(token, state, enc)
		token = nn.Argmax(logits)
		output = append(output, token)
		if token == EndID {
			break
		}
	}
	return output, nil
}
