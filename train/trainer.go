// Package train fits a seq2seq.Model to a corpus of tasks with teacher forcing.
//
// A Trainer tokenizes the corpus, splits it into training and validation examples, and runs epochs
// of length-bucketed batches, each followed by an Adam update. After each epoch it measures the
// token-level accuracy on the validation examples and, periodically, saves a checkpoint.
package train

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/formula-solver/batching"
	"github.com/gomlx/formula-solver/inference"
	"github.com/gomlx/formula-solver/internal/nn"
	"github.com/gomlx/formula-solver/models/seq2seq"
	"github.com/gomlx/formula-solver/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrEmptyValidationSet is returned by Validate when there is nothing to measure accuracy on.
var ErrEmptyValidationSet = errors.New("empty validation set")

const (
	DefaultCheckpointEvery    = 5
	DefaultValidationFraction = 0.2
	DefaultSeed               = 42

	// MinExampleLength is the minimum number of tokens (exclusive) of a corpus line to be used as an example.
	MinExampleLength = 3

	maxLineSize = 16 * 1024 * 1024
)

// EpochReport summarizes one training epoch.
type EpochReport struct {
	Epoch, Epochs int

	// Loss is the mean of the batch losses.
	Loss float64

	// Accuracy on the validation examples, or NaN if there are none.
	Accuracy float64

	Batches  int
	Duration time.Duration
}

// String implements fmt.Stringer.
func (r EpochReport) String() string {
	accuracy := "n/a"
	if !math.IsNaN(r.Accuracy) {
		accuracy = fmt.Sprintf("%.2f%%", 100*r.Accuracy)
	}
	return fmt.Sprintf("epoch %d/%d: loss=%.4f, validation accuracy=%s (%d batches in %s)",
		r.Epoch, r.Epochs, r.Loss, accuracy, r.Batches, r.Duration.Round(time.Millisecond))
}

// Trainer trains a model. Create it with New, configure it with the With* methods, load examples with
// PrepareData and run Train.
type Trainer struct {
	model     *seq2seq.Model
	tokenizer api.Tokenizer
	optimizer *nn.Adam

	rng                *rand.Rand
	checkpointEvery    int
	validationFraction float64
	maxLength          int
	epochCallback      func(EpochReport)

	train, validation [][]int
}

// New creates a Trainer for model, using tokenizer to encode the corpus.
func New(model *seq2seq.Model, tokenizer api.Tokenizer) *Trainer {
	config := DefaultConfig()
	optimizer := nn.NewAdam(config.LearningRate)
	optimizer.ClipNorm = config.GradClip
	return &Trainer{
		model:              model,
		tokenizer:          tokenizer,
		optimizer:          optimizer,
		rng:                rand.New(rand.NewSource(DefaultSeed)),
		checkpointEvery:    DefaultCheckpointEvery,
		validationFraction: DefaultValidationFraction,
		maxLength:          seq2seq.DefaultMaxLength,
	}
}

// NewFromConfig creates a Trainer configured from config.
func NewFromConfig(model *seq2seq.Model, tokenizer api.Tokenizer, config *Config) *Trainer {
	return New(model, tokenizer).
		WithLearningRate(config.LearningRate).
		WithGradClip(config.GradClip).
		WithSeed(config.Seed).
		WithCheckpointEvery(config.CheckpointEvery).
		WithValidationFraction(config.ValidationFraction).
		WithMaxLength(config.MaxLength)
}

// WithLearningRate sets Adam's learning rate.
func (t *Trainer) WithLearningRate(learningRate float64) *Trainer {
	t.optimizer.LearningRate = learningRate
	return t
}

// WithGradClip sets the maximum global gradient norm, 0 disables clipping.
func (t *Trainer) WithGradClip(maxNorm float64) *Trainer {
	t.optimizer.ClipNorm = maxNorm
	return t
}

// WithSeed resets the random number generator used to shuffle examples and batches.
func (t *Trainer) WithSeed(seed int64) *Trainer {
	t.rng = rand.New(rand.NewSource(seed))
	return t
}

// WithCheckpointEvery sets how often (in epochs) intermediate checkpoints are saved. 0 disables them.
func (t *Trainer) WithCheckpointEvery(epochs int) *Trainer {
	t.checkpointEvery = epochs
	return t
}

// WithValidationFraction sets the fraction of examples held out for validation by PrepareData.
func (t *Trainer) WithValidationFraction(fraction float64) *Trainer {
	t.validationFraction = fraction
	return t
}

// WithMaxLength sets the maximum number of tokens generated by TestExample.
func (t *Trainer) WithMaxLength(maxLength int) *Trainer {
	t.maxLength = maxLength
	return t
}

// WithEpochCallback sets a function called with the report of each epoch.
func (t *Trainer) WithEpochCallback(fn func(EpochReport)) *Trainer {
	t.epochCallback = fn
	return t
}

// NumExamples returns the number of training and validation examples.
func (t *Trainer) NumExamples() (train, validation int) {
	return len(t.train), len(t.validation)
}

// PrepareData reads the corpus in corpusPath, see PrepareDataFrom.
//
// It returns an error wrapping api.ErrCorpusUnavailable if the corpus can't be read.
func (t *Trainer) PrepareData(corpusPath string) error {
	f, err := os.Open(corpusPath)
	if err != nil {
		return errors.WithMessagef(api.ErrCorpusUnavailable, "failed to open corpus %q: %v", corpusPath, err)
	}
	defer func() { _ = f.Close() }()
	if err = t.PrepareDataFrom(f); err != nil {
		return errors.WithMessagef(err, "corpus %q", corpusPath)
	}
	return nil
}

// PrepareDataFrom reads one task per line. Lines of more than MinExampleLength tokens become examples,
// wrapped with the beginning and end of sentence tokens. Examples are shuffled and split into
// training and validation sets, replacing any previous ones.
func (t *Trainer) PrepareDataFrom(r io.Reader) error {
	var examples [][]int
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	numLines := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		numLines++
		ids := t.tokenizer.Encode(line)
		if len(ids) <= MinExampleLength {
			continue
		}
		example, err := api.WrapSpecialTokens(t.tokenizer, ids)
		if err != nil {
			return err
		}
		examples = append(examples, example)
	}
	if err := scanner.Err(); err != nil {
		return errors.WithMessagef(api.ErrCorpusUnavailable, "failed reading corpus: %v", err)
	}

	t.rng.Shuffle(len(examples), func(i, j int) {
		examples[i], examples[j] = examples[j], examples[i]
	})
	// The training share is rounded down, so any corpus of 2+ examples gets a validation example.
	split := int(float64(len(examples)) * (1 - t.validationFraction))
	t.train, t.validation = examples[:split], examples[split:]
	klog.Infof("prepared %s training and %s validation examples from %s lines",
		humanize.Comma(int64(len(t.train))), humanize.Comma(int64(len(t.validation))), humanize.Comma(int64(numLines)))
	return nil
}

// EpochCheckpointPath returns the path of the intermediate checkpoint of the given epoch:
// "<base>_epoch<N><ext>" for checkpointPath "<base><ext>".
func EpochCheckpointPath(checkpointPath string, epoch int) string {
	ext := filepath.Ext(checkpointPath)
	return fmt.Sprintf("%s_epoch%d%s", strings.TrimSuffix(checkpointPath, ext), epoch, ext)
}

// Train runs epochs over the training examples in batches of batchSize.
//
// Each epoch rebuilds and reshuffles the batches, applies one Adam update per batch and validates.
// If checkpointPath is not empty, intermediate checkpoints are saved every WithCheckpointEvery epochs
// (see EpochCheckpointPath) and the final model is saved to checkpointPath.
//
// An empty validation set doesn't stop training: the accuracy is reported as NaN.
func (t *Trainer) Train(epochs, batchSize int, checkpointPath string) error {
	if len(t.train) == 0 {
		return errors.New("no training examples, PrepareData must be called with a non-empty corpus first")
	}
	if epochs <= 0 {
		return errors.Errorf("number of epochs must be positive, got %d", epochs)
	}
	if batchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	params := t.model.Params()
	nn.ZeroGrads(params)
	startEpoch := t.model.Metadata.Epoch
	klog.Infof("training %s parameters on %s examples for %d epochs",
		humanize.Comma(int64(t.model.NumParams())), humanize.Comma(int64(len(t.train))), epochs)
	for epoch := 1; epoch <= epochs; epoch++ {
		start := time.Now()
		t.model.SetTraining(true)
		batches, err := batching.Build(t.train, batchSize, t.rng)
		if err != nil {
			return err
		}
		var totalLoss float64
		for _, batch := range batches {
			loss, _, err := t.model.TrainBatch(batch)
			if err != nil {
				return errors.WithMessagef(err, "epoch %d", epoch)
			}
			t.optimizer.Step(params)
			totalLoss += loss
		}

		accuracy, err := t.Validate(batchSize)
		if err != nil {
			if !errors.Is(err, ErrEmptyValidationSet) {
				return errors.WithMessagef(err, "epoch %d", epoch)
			}
			accuracy = math.NaN()
		}
		t.model.Metadata.Epoch = startEpoch + epoch
		report := EpochReport{
			Epoch:    epoch,
			Epochs:   epochs,
			Loss:     totalLoss / float64(len(batches)),
			Accuracy: accuracy,
			Batches:  len(batches),
			Duration: time.Since(start),
		}
		klog.Info(report)
		if t.epochCallback != nil {
			t.epochCallback(report)
		}

		if checkpointPath != "" && t.checkpointEvery > 0 && epoch%t.checkpointEvery == 0 {
			epochPath := EpochCheckpointPath(checkpointPath, epoch)
			if err = t.model.Save(epochPath); err != nil {
				return err
			}
			klog.Infof("model saved to %q", epochPath)
		}
	}

	if checkpointPath != "" {
		if err := t.model.Save(checkpointPath); err != nil {
			return err
		}
		klog.Infof("final model saved to %q", checkpointPath)
	}
	return nil
}

// Validate returns the token-level accuracy of the model's teacher forced predictions over the
// non-pad targets of all validation examples. The model is evaluated in evaluation mode, and its
// previous mode is restored afterwards.
//
// It returns ErrEmptyValidationSet if there is nothing to measure.
func (t *Trainer) Validate(batchSize int) (float64, error) {
	if len(t.validation) == 0 {
		return 0, ErrEmptyValidationSet
	}
	wasTraining := t.model.Training()
	t.model.SetTraining(false)
	defer t.model.SetTraining(wasTraining)

	batches, err := batching.Build(t.validation, batchSize, nil)
	if err != nil {
		return 0, err
	}
	var correct, total int
	for _, batch := range batches {
		batchCorrect, batchTotal, err := t.model.EvaluateBatch(batch)
		if err != nil {
			return 0, err
		}
		correct += batchCorrect
		total += batchTotal
	}
	if total == 0 {
		return 0, errors.WithMessagef(ErrEmptyValidationSet, "%d validation examples have no targets", len(t.validation))
	}
	return float64(correct) / float64(total), nil
}

// TestExample returns the model's solution for task, with the same contract as inference.Service.Solve.
func (t *Trainer) TestExample(task string) string {
	wasTraining := t.model.Training()
	t.model.SetTraining(false)
	defer t.model.SetTraining(wasTraining)
	solution, err := inference.Solve(t.model, t.tokenizer, task, t.maxLength)
	if err != nil {
		return inference.ErrorPrefix + err.Error()
	}
	return solution
}
