package inference

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/formula-solver/models/seq2seq"
	"github.com/gomlx/formula-solver/tokenizers/api"
	"github.com/gomlx/formula-solver/tokenizers/formula"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCorpus = "2 + 2 = 4\nsolve $x^2 = 4$ for x\nfind the area of a square with side $a$"

// artifacts writes a vocabulary built from testCorpus and a model sized for vocabSize (or for the
// vocabulary, if vocabSize is 0).
func artifacts(t *testing.T, vocabSize int) (vocabPath, modelPath string, tok *formula.Tokenizer) {
	t.Helper()
	dir := t.TempDir()
	tok = formula.New()
	require.NoError(t, tok.BuildVocabularyFrom(strings.NewReader(testCorpus), formula.DefaultMaxVocabSize))
	vocabPath = filepath.Join(dir, "model.vocab")
	require.NoError(t, tok.SaveVocabulary(vocabPath))

	if vocabSize == 0 {
		vocabSize = tok.VocabSize()
	}
	model, err := seq2seq.New(seq2seq.Config{VocabSize: vocabSize, EmbeddingDim: 4, HiddenDim: 5}, nil)
	require.NoError(t, err)
	model.Metadata.TokenizerClass = formula.ClassName
	modelPath = filepath.Join(dir, "model.ckpt")
	require.NoError(t, model.Save(modelPath))
	return
}

func TestSolveNotLoaded(t *testing.T) {
	vocabPath, _, _ := artifacts(t, 0)
	s := New()
	assert.Equal(t, NotLoadedMessage, s.Solve("2 + 2"))
	require.NoError(t, s.LoadVocabulary(vocabPath))
	assert.Equal(t, NotLoadedMessage, s.Solve("2 + 2"))
	model, vocab := s.Loaded()
	assert.False(t, model)
	assert.True(t, vocab)
}

func TestSolve(t *testing.T) {
	vocabPath, modelPath, tok := artifacts(t, 0)
	for _, modelFirst := range []bool{false, true} {
		s := New().WithMaxLength(12)
		if modelFirst {
			require.NoError(t, s.LoadModel(modelPath))
			require.NoError(t, s.LoadVocabulary(vocabPath))
		} else {
			require.NoError(t, s.LoadVocabulary(vocabPath))
			require.NoError(t, s.LoadModel(modelPath))
		}
		model, vocab := s.Loaded()
		require.True(t, model && vocab)

		solution := s.Solve("2 + 2 =")
		assert.False(t, strings.HasPrefix(solution, "Error"), solution)
		assert.Equal(t, solution, s.Solve("2 + 2 ="), "decoding must be deterministic")

		loaded, err := seq2seq.Load(modelPath, nil)
		require.NoError(t, err)
		expected, err := Solve(loaded, tok, "2 + 2 =", 12)
		require.NoError(t, err)
		assert.Equal(t, expected, solution)
	}
}

func TestSolveConcurrent(t *testing.T) {
	vocabPath, modelPath, _ := artifacts(t, 0)
	s := New().WithCacheSize(2)
	require.NoError(t, s.LoadVocabulary(vocabPath))
	require.NoError(t, s.LoadModel(modelPath))

	tasks := []string{"2 + 2", "solve $x^2 = 4$", "find the area", "unknown words here"}
	expected := make([]string, len(tasks))
	for ii, task := range tasks {
		expected[ii] = s.Solve(task)
	}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ii, task := range tasks {
				assert.Equal(t, expected[ii], s.Solve(task))
			}
		}()
	}
	wg.Wait()
}

func TestVocabularySizeMismatch(t *testing.T) {
	vocabPath, modelPath, _ := artifacts(t, 500)

	s := New()
	require.NoError(t, s.LoadVocabulary(vocabPath))
	err := s.LoadModel(modelPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, seq2seq.ErrModelLoad))
	model, _ := s.Loaded()
	assert.False(t, model)
	assert.Equal(t, NotLoadedMessage, s.Solve("2 + 2"))

	s = New()
	require.NoError(t, s.LoadModel(modelPath))
	err = s.LoadVocabulary(vocabPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrVocabularyUnavailable))
}

func TestLoadErrors(t *testing.T) {
	s := New()
	err := s.LoadVocabulary(filepath.Join(t.TempDir(), "missing.vocab"))
	assert.True(t, errors.Is(err, api.ErrVocabularyUnavailable))
	err = s.LoadModel(filepath.Join(t.TempDir(), "missing.ckpt"))
	assert.True(t, errors.Is(err, seq2seq.ErrModelLoad))

	vocabPath, _, _ := artifacts(t, 0)
	err = New().WithTokenizerClass("NoSuchTokenizer").LoadVocabulary(vocabPath)
	assert.True(t, errors.Is(err, api.ErrVocabularyUnavailable))
}

func TestSolveGenerationError(t *testing.T) {
	_, _, tok := artifacts(t, 0)
	small, err := seq2seq.New(seq2seq.Config{VocabSize: 5, EmbeddingDim: 2, HiddenDim: 2}, nil)
	require.NoError(t, err)

	// The tokenizer produces ids the model doesn't know.
	_, err = Solve(small, tok, "find the area of a square", 10)
	require.Error(t, err)

	s := New()
	s.model, s.tokenizer = small, tok
	assert.True(t, strings.HasPrefix(s.Solve("find the area of a square"), ErrorPrefix))
}
