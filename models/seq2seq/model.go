// Package seq2seq implements the encoder-decoder with attention that maps a tokenized task to a
// tokenized solution.
//
// The encoder embeds the input ids, runs a bidirectional LSTM over them and projects each position
// back to HiddenDim. The decoder embeds the previous output token, attends over all encoder
// positions (additive attention), feeds [embedding; context] to an LSTM and projects its output to
// vocabulary logits.
//
// Training uses teacher forcing (see Model.TrainBatch); inference uses greedy decoding (see
// Model.Generate). The model is not safe for concurrent use: callers must serialize training and
// inference on the same instance.
package seq2seq

import (
	"math/rand"

	"github.com/gomlx/formula-solver/batching"
	"github.com/gomlx/formula-solver/internal/nn"
	"github.com/pkg/errors"
)

// Special ids the model relies on. They match the reserved ids of the formula tokenizer.
const (
	PadID   = batching.PadID
	StartID = 1
	EndID   = 2
)

// DefaultMaxLength is the default maximum number of tokens produced by Generate.
const DefaultMaxLength = 100

// Config holds the dimensions that define the model's architecture. A checkpoint can only be used
// with a vocabulary of the same VocabSize.
type Config struct {
	VocabSize    int
	EmbeddingDim int
	HiddenDim    int
}

// Validate returns an error if any dimension is not positive.
func (c Config) Validate() error {
	if c.VocabSize <= EndID {
		return errors.Errorf("vocabulary size must be larger than %d, got %d", EndID, c.VocabSize)
	}
	if c.EmbeddingDim <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("embedding and hidden dimensions must be positive, got %d and %d",
			c.EmbeddingDim, c.HiddenDim)
	}
	return nil
}

// Metadata stored with the model in checkpoints.
type Metadata struct {
	// RunID identifies the training run that produced the weights.
	RunID string

	// Epoch is the number of completed training epochs.
	Epoch int

	// TokenizerClass is the name under which the tokenizer used for training is registered in package tokenizers.
	TokenizerClass string
}

// Model is the encoder-decoder. Create it with New or Load.
type Model struct {
	config   Config
	Metadata Metadata

	encEmbedding  *nn.Embedding
	encForward    *nn.LSTM
	encBackward   *nn.LSTM
	encProjection *nn.Linear

	decEmbedding *nn.Embedding
	attention    *nn.Attention
	decLSTM      *nn.LSTM
	decOutput    *nn.Linear

	params   []*nn.Param
	training bool
}

// New creates a model with randomly initialized weights. If rng is nil a fixed seed is used.
// The model starts in training mode.
func New(config Config, rng *rand.Rand) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model configuration")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	V, D, H := config.VocabSize, config.EmbeddingDim, config.HiddenDim
	m := &Model{
		config:        config,
		encEmbedding:  nn.NewEmbedding("encoder.embedding", V, D, rng),
		encForward:    nn.NewLSTM("encoder.lstm_forward", D, H, rng),
		encBackward:   nn.NewLSTM("encoder.lstm_backward", D, H, rng),
		encProjection: nn.NewLinear("encoder.fc", 2*H, H, rng),
		decEmbedding:  nn.NewEmbedding("decoder.embedding", V, D, rng),
		attention:     nn.NewAttention("decoder.attention", D, H, H, rng),
		decLSTM:       nn.NewLSTM("decoder.lstm", D+H, H, rng),
		decOutput:     nn.NewLinear("decoder.fc", H, V, rng),
		training:      true,
	}
	m.params = append(m.params, m.encEmbedding.Params()...)
	m.params = append(m.params, m.encForward.Params()...)
	m.params = append(m.params, m.encBackward.Params()...)
	m.params = append(m.params, m.encProjection.Params()...)
	m.params = append(m.params, m.decEmbedding.Params()...)
	m.params = append(m.params, m.attention.Params()...)
	m.params = append(m.params, m.decLSTM.Params()...)
	m.params = append(m.params, m.decOutput.Params()...)
	return m, nil
}

// Config returns the architecture of the model.
func (m *Model) Config() Config {
	return m.config
}

// Params returns the trainable parameters, in a fixed order.
func (m *Model) Params() []*nn.Param {
	return m.params
}

// NumParams returns the number of trainable scalars.
func (m *Model) NumParams() int {
	return nn.CountParams(m.params)
}

// SetTraining switches between training (true) and evaluation (false) mode.
// Only TrainBatch requires training mode; it is a cooperative convention, not a lock.
func (m *Model) SetTraining(training bool) {
	m.training = training
}

// Training returns whether the model is in training mode.
func (m *Model) Training() bool {
	return m.training
}

// checkIDs returns an error if any id is outside the vocabulary.
func (m *Model) checkIDs(ids []int) error {
	for _, id := range ids {
		if id < 0 || id >= m.config.VocabSize {
			return errors.Errorf("token id %d out of range for vocabulary size %d", id, m.config.VocabSize)
		}
	}
	return nil
}
