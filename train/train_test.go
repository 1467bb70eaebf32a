package train

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/formula-solver/models/seq2seq"
	"github.com/gomlx/formula-solver/tokenizers/api"
	"github.com/gomlx/formula-solver/tokenizers/formula"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCorpus(n int) string {
	var lines []string
	for ii := range n {
		lines = append(lines, fmt.Sprintf("what is %d + %d ? $x = %d$", ii%5, ii%3, ii%5+ii%3))
	}
	// Too short or empty lines are dropped.
	lines = append(lines, "", "a b c", "   ")
	return strings.Join(lines, "\n")
}

func newTestTrainer(t *testing.T, corpus string) (*Trainer, *formula.Tokenizer) {
	t.Helper()
	tok := formula.New()
	require.NoError(t, tok.BuildVocabularyFrom(strings.NewReader(corpus), 1000))
	model, err := seq2seq.New(seq2seq.Config{VocabSize: tok.VocabSize(), EmbeddingDim: 6, HiddenDim: 8}, nil)
	require.NoError(t, err)
	return New(model, tok).WithLearningRate(0.02).WithMaxLength(10), tok
}

func TestPrepareData(t *testing.T) {
	trainer, _ := newTestTrainer(t, testCorpus(10))
	require.NoError(t, trainer.PrepareDataFrom(strings.NewReader(testCorpus(10))))
	numTrain, numValidation := trainer.NumExamples()
	assert.Equal(t, 8, numTrain)
	assert.Equal(t, 2, numValidation)
	for _, example := range append(trainer.train, trainer.validation...) {
		assert.Equal(t, formula.SOSID, example[0])
		assert.Equal(t, formula.EOSID, example[len(example)-1])
		assert.Greater(t, len(example), MinExampleLength+2)
	}

	trainer.WithValidationFraction(0)
	require.NoError(t, trainer.PrepareDataFrom(strings.NewReader(testCorpus(10))))
	numTrain, numValidation = trainer.NumExamples()
	assert.Equal(t, 10, numTrain)
	assert.Equal(t, 0, numValidation)
	_, err := trainer.Validate(4)
	assert.True(t, errors.Is(err, ErrEmptyValidationSet))

	err = trainer.PrepareData(filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrCorpusUnavailable))
}

func TestPrepareDataSplit(t *testing.T) {
	testCases := []struct {
		numExamples, numTrain, numValidation int
	}{
		{1, 0, 1},
		{4, 3, 1},
		{9, 7, 2},
		{10, 8, 2},
		{12, 9, 3},
	}
	for _, tc := range testCases {
		corpus := testCorpus(tc.numExamples)
		trainer, _ := newTestTrainer(t, corpus)
		require.NoError(t, trainer.PrepareDataFrom(strings.NewReader(corpus)))
		numTrain, numValidation := trainer.NumExamples()
		assert.Equal(t, tc.numTrain, numTrain, "training examples out of %d", tc.numExamples)
		assert.Equal(t, tc.numValidation, numValidation, "validation examples out of %d", tc.numExamples)
	}
}

func TestPrepareDataDeterministic(t *testing.T) {
	first, _ := newTestTrainer(t, testCorpus(20))
	second, _ := newTestTrainer(t, testCorpus(20))
	require.NoError(t, first.WithSeed(7).PrepareDataFrom(strings.NewReader(testCorpus(20))))
	require.NoError(t, second.WithSeed(7).PrepareDataFrom(strings.NewReader(testCorpus(20))))
	assert.Equal(t, first.train, second.train)
	assert.Equal(t, first.validation, second.validation)
}

func TestEpochCheckpointPath(t *testing.T) {
	assert.Equal(t, "model_epoch5.ckpt", EpochCheckpointPath("model.ckpt", 5))
	assert.Equal(t, filepath.Join("out", "model_epoch10"), EpochCheckpointPath(filepath.Join("out", "model"), 10))
}

func TestTrain(t *testing.T) {
	corpus := testCorpus(12)
	trainer, _ := newTestTrainer(t, corpus)
	require.NoError(t, trainer.PrepareDataFrom(strings.NewReader(corpus)))
	var reports []EpochReport
	trainer.WithCheckpointEvery(2).WithEpochCallback(func(report EpochReport) {
		reports = append(reports, report)
	})

	checkpointPath := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, trainer.Train(5, 4, checkpointPath))
	require.Len(t, reports, 5)
	for ii, report := range reports {
		assert.Equal(t, ii+1, report.Epoch)
		assert.Equal(t, 5, report.Epochs)
		assert.Greater(t, report.Batches, 0)
		assert.False(t, math.IsNaN(report.Loss))
		assert.True(t, report.Accuracy >= 0 && report.Accuracy <= 1, "accuracy %g", report.Accuracy)
	}
	assert.Less(t, reports[4].Loss, reports[0].Loss)

	for _, epoch := range []int{2, 4} {
		_, err := os.Stat(EpochCheckpointPath(checkpointPath, epoch))
		assert.NoError(t, err, "epoch %d checkpoint", epoch)
	}
	_, err := os.Stat(EpochCheckpointPath(checkpointPath, 5))
	assert.True(t, os.IsNotExist(err))

	loaded, err := seq2seq.Load(checkpointPath, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.Metadata.Epoch)
	assert.True(t, trainer.model.Training())

	solution := trainer.TestExample("what is 1 + 2 ?")
	assert.False(t, strings.HasPrefix(solution, "Error"), solution)
}

func TestTrainWithoutValidation(t *testing.T) {
	corpus := testCorpus(6)
	trainer, _ := newTestTrainer(t, corpus)
	require.NoError(t, trainer.WithValidationFraction(0).PrepareDataFrom(strings.NewReader(corpus)))
	var reports []EpochReport
	trainer.WithEpochCallback(func(report EpochReport) { reports = append(reports, report) })
	require.NoError(t, trainer.Train(2, 8, ""))
	require.Len(t, reports, 2)
	assert.True(t, math.IsNaN(reports[1].Accuracy))
	assert.Contains(t, reports[1].String(), "n/a")
}

func TestTrainErrors(t *testing.T) {
	trainer, _ := newTestTrainer(t, testCorpus(4))
	assert.Error(t, trainer.Train(1, 4, ""), "no examples prepared")

	require.NoError(t, trainer.PrepareDataFrom(strings.NewReader(testCorpus(4))))
	assert.Error(t, trainer.Train(0, 4, ""))
	assert.Error(t, trainer.Train(1, 0, ""))
}

func TestConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())
	assert.Equal(t, 50, config.Epochs)
	assert.Equal(t, 32, config.BatchSize)
	assert.Equal(t, 256, config.EmbeddingDim)
	assert.Equal(t, 512, config.HiddenDim)
	assert.Equal(t, 0.001, config.LearningRate)

	config, err := ParseConfigContent([]byte("corpus: tasks.txt\noutput: out/model.ckpt\nepochs: 3\nhidden_dim: 16\n"))
	require.NoError(t, err)
	assert.Equal(t, "tasks.txt", config.Corpus)
	assert.Equal(t, 3, config.Epochs)
	assert.Equal(t, 16, config.HiddenDim)
	assert.Equal(t, 32, config.BatchSize, "defaults are kept")
	assert.Equal(t, "out/model.ckpt.vocab", config.VocabPath())
	config.Vocab = "v.vocab"
	assert.Equal(t, "v.vocab", config.VocabPath())
	assert.Equal(t, seq2seq.Config{VocabSize: 100, EmbeddingDim: 256, HiddenDim: 16}, config.ModelConfig(100))

	config, err = ParseConfigContent(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), config)

	_, err = ParseConfigContent([]byte("epochz: 3\n"))
	assert.Error(t, err)

	configPath := filepath.Join(t.TempDir(), "train.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("batch_size: 8\nseed: 3\n"), 0644))
	config, err = ParseConfigFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, 8, config.BatchSize)
	assert.Equal(t, int64(3), config.Seed)
	_, err = ParseConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	for _, mutate := range []func(c *Config){
		func(c *Config) { c.Epochs = 0 },
		func(c *Config) { c.BatchSize = -1 },
		func(c *Config) { c.HiddenDim = 0 },
		func(c *Config) { c.LearningRate = 0 },
		func(c *Config) { c.GradClip = -1 },
		func(c *Config) { c.MaxVocabSize = 0 },
		func(c *Config) { c.CheckpointEvery = -1 },
		func(c *Config) { c.ValidationFraction = 1 },
	} {
		c := DefaultConfig()
		mutate(c)
		assert.Error(t, c.Validate())
	}
}
