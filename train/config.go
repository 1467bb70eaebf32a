package train

import (
	"bytes"
	"io"
	"os"

	"github.com/gomlx/formula-solver/models/seq2seq"
	"github.com/gomlx/formula-solver/tokenizers/formula"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the settings of a training run, usually read from a YAML file.
type Config struct {
	// Corpus is the training text file, one task per line.
	Corpus string `yaml:"corpus"`

	// Output is the final checkpoint path. Intermediate checkpoints are saved next to it, see
	// EpochCheckpointPath.
	Output string `yaml:"output"`

	// Vocab is the vocabulary file. If empty, Output + ".vocab" is used.
	Vocab string `yaml:"vocab"`

	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	EmbeddingDim int     `yaml:"embedding_dim"`
	HiddenDim    int     `yaml:"hidden_dim"`
	LearningRate float64 `yaml:"learning_rate"`

	// GradClip is the maximum global gradient norm, 0 disables clipping.
	GradClip float64 `yaml:"grad_clip"`

	MaxVocabSize int `yaml:"max_vocab_size"`

	// MaxLength is the maximum number of tokens generated when testing examples.
	MaxLength int `yaml:"max_length"`

	// CheckpointEvery saves an intermediate checkpoint every so many epochs, 0 disables them.
	CheckpointEvery int `yaml:"checkpoint_every"`

	ValidationFraction float64 `yaml:"validation_fraction"`
	Seed               int64   `yaml:"seed"`
}

// DefaultConfig returns the default training configuration. Corpus and Output have no default.
func DefaultConfig() *Config {
	return &Config{
		Epochs:             50,
		BatchSize:          32,
		EmbeddingDim:       256,
		HiddenDim:          512,
		LearningRate:       0.001,
		GradClip:           5,
		MaxVocabSize:       formula.DefaultMaxVocabSize,
		MaxLength:          seq2seq.DefaultMaxLength,
		CheckpointEvery:    DefaultCheckpointEvery,
		ValidationFraction: DefaultValidationFraction,
		Seed:               DefaultSeed,
	}
}

// ParseConfigFile reads a YAML configuration file. Fields not in the file keep their DefaultConfig values.
func ParseConfigFile(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read training configuration %q", filePath)
	}
	config, err := ParseConfigContent(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "training configuration %q", filePath)
	}
	return config, nil
}

// ParseConfigContent parses a YAML configuration. Unknown fields are an error.
func ParseConfigContent(contents []byte) (*Config, error) {
	config := DefaultConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "failed to parse training configuration")
	}
	return config, nil
}

// VocabPath returns Vocab, or Output + ".vocab" if it is not set.
func (c *Config) VocabPath() string {
	if c.Vocab != "" {
		return c.Vocab
	}
	return c.Output + ".vocab"
}

// ModelConfig returns the model architecture for a vocabulary of the given size.
func (c *Config) ModelConfig(vocabSize int) seq2seq.Config {
	return seq2seq.Config{VocabSize: vocabSize, EmbeddingDim: c.EmbeddingDim, HiddenDim: c.HiddenDim}
}

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return errors.Errorf("batch_size must be positive, got %d", c.BatchSize)
	case c.EmbeddingDim <= 0 || c.HiddenDim <= 0:
		return errors.Errorf("embedding_dim and hidden_dim must be positive, got %d and %d", c.EmbeddingDim, c.HiddenDim)
	case c.LearningRate <= 0:
		return errors.Errorf("learning_rate must be positive, got %g", c.LearningRate)
	case c.GradClip < 0:
		return errors.Errorf("grad_clip can't be negative, got %g", c.GradClip)
	case c.MaxVocabSize <= 0:
		return errors.Errorf("max_vocab_size must be positive, got %d", c.MaxVocabSize)
	case c.CheckpointEvery < 0:
		return errors.Errorf("checkpoint_every can't be negative, got %d", c.CheckpointEvery)
	case c.ValidationFraction < 0 || c.ValidationFraction >= 1:
		return errors.Errorf("validation_fraction must be in [0, 1), got %g", c.ValidationFraction)
	}
	return nil
}
