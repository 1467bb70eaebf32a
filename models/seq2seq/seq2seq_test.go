package seq2seq

import (
	"encoding/gob"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/formula-solver/batching"
	"github.com/gomlx/formula-solver/internal/nn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tinyConfig = Config{VocabSize: 9, EmbeddingDim: 3, HiddenDim: 4}

func newTiny(t *testing.T, seed int64) *Model {
	t.Helper()
	m, err := New(tinyConfig, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return m
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, tinyConfig.Validate())
	for _, cfg := range []Config{
		{VocabSize: 2, EmbeddingDim: 3, HiddenDim: 4},
		{VocabSize: 10, EmbeddingDim: 0, HiddenDim: 4},
		{VocabSize: 10, EmbeddingDim: 3, HiddenDim: -1},
	} {
		assert.Error(t, cfg.Validate(), "%+v", cfg)
		_, err := New(cfg, nil)
		assert.Error(t, err)
	}

	m := newTiny(t, 1)
	V, D, H := 9, 3, 4
	expected := 2*V*D + // embeddings
		2*(4*H*D+4*H*H+4*H) + // encoder LSTMs
		2*H*H + H + // encoder projection
		D*H + H*H + H + H + // attention
		4*H*(D+H) + 4*H*H + 4*H + // decoder LSTM
		H*V + V // output projection
	assert.Equal(t, expected, m.NumParams())
	assert.True(t, m.Training())
}

// TestGradients compares the gradients accumulated by TrainBatch with finite differences of Loss.
func TestGradients(t *testing.T) {
	m := newTiny(t, 7)
	batch := batching.NewBatch([][]int{{1, 5, 6, 7, 2}, {1, 8, 2}})
	nn.ZeroGrads(m.Params())
	_, tokens, err := m.TrainBatch(batch)
	require.NoError(t, err)
	require.Equal(t, 6, tokens)

	const eps, tol = 1e-5, 1e-5
	rng := rand.New(rand.NewSource(3))
	for _, p := range m.Params() {
		data, grad := p.Data(), p.GradData()
		for range 3 {
			ii := rng.Intn(len(data))
			original := data[ii]
			data[ii] = original + eps
			plus, err := m.Loss(batch)
			require.NoError(t, err)
			data[ii] = original - eps
			minus, err := m.Loss(batch)
			require.NoError(t, err)
			data[ii] = original
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, grad[ii], tol, "parameter %s[%d]", p.Name, ii)
		}
	}
}

func TestTrainingMemorizes(t *testing.T) {
	m := newTiny(t, 11)
	batch := batching.NewBatch([][]int{{1, 4, 5, 6, 2}, {1, 7, 8, 2}})
	initial, err := m.Loss(batch)
	require.NoError(t, err)

	optimizer := nn.NewAdam(0.05)
	var loss float64
	for range 300 {
		loss, _, err = m.TrainBatch(batch)
		require.NoError(t, err)
		optimizer.Step(m.Params())
	}
	assert.Less(t, loss, initial/4)
	correct, total, err := m.EvaluateBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Equal(t, total, correct)
}

func TestTrainBatchErrors(t *testing.T) {
	m := newTiny(t, 1)
	_, _, err := m.TrainBatch(batching.NewBatch([][]int{{1, 100, 2}}))
	assert.Error(t, err)
	_, _, err = m.TrainBatch(batching.NewBatch([][]int{{1}}))
	assert.Error(t, err)

	m.SetTraining(false)
	_, _, err = m.TrainBatch(batching.NewBatch([][]int{{1, 4, 2}}))
	assert.Error(t, err)

	// Evaluation doesn't require training mode, and rows without targets count for nothing.
	correct, total, err := m.EvaluateBatch(batching.NewBatch([][]int{{1}, {1, 4, 2}}))
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.LessOrEqual(t, correct, total)
}

func TestPadTargetsIgnored(t *testing.T) {
	m := newTiny(t, 5)
	padded := batching.NewBatch([][]int{{1, 4, 2}, {1, 5, 6, 7, 2}})
	padded.Lengths[0] = 5 // Exposes two pad cells as targets of the first row.
	_, total, err := m.EvaluateBatch(padded)
	require.NoError(t, err)
	assert.Equal(t, 2+4, total)
	assert.Equal(t, 6, countTargets(padded))
	loss, err := m.Loss(padded)
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss))
}

func TestGenerate(t *testing.T) {
	m := newTiny(t, 2)
	m.SetTraining(false)
	input := []int{1, 4, 5, 2}
	for _, maxLength := range []int{1, 5, 20} {
		output, err := m.Generate(input, maxLength)
		require.NoError(t, err)
		require.NotEmpty(t, output)
		assert.LessOrEqual(t, len(output), maxLength)
		for ii, id := range output {
			assert.True(t, id >= 0 && id < tinyConfig.VocabSize)
			if id == EndID {
				assert.Equal(t, len(output)-1, ii, "EndID must be the last token")
			}
		}
		if len(output) < maxLength {
			assert.Equal(t, EndID, output[len(output)-1], "output shorter than %d must end with EndID", maxLength)
		}
	}

	output, err := m.Generate(input, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(output), DefaultMaxLength)
	if len(output) < DefaultMaxLength {
		assert.Equal(t, EndID, output[len(output)-1])
	}

	// Greedy decoding is deterministic.
	again, err := m.Generate(input, 0)
	require.NoError(t, err)
	assert.Equal(t, output, again)

	_, err = m.Generate(nil, 10)
	assert.Error(t, err)
	_, err = m.Generate([]int{1, 42, 2}, 10)
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	m := newTiny(t, 4)
	m.Metadata.Epoch = 3
	m.Metadata.TokenizerClass = "FormulaTokenizer"
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, m.Save(path))
	require.NotEmpty(t, m.Metadata.RunID)

	loaded, err := Load(path, &tinyConfig)
	require.NoError(t, err)
	assert.Equal(t, tinyConfig, loaded.Config())
	assert.Equal(t, m.Metadata, loaded.Metadata)
	assert.False(t, loaded.Training())
	for ii, p := range m.Params() {
		assert.Equal(t, p.Name, loaded.Params()[ii].Name)
		assert.Equal(t, p.Data(), loaded.Params()[ii].Data())
	}

	input := []int{1, 6, 7, 8, 2}
	want, err := m.Generate(input, 10)
	require.NoError(t, err)
	got, err := loaded.Generate(input, 10)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Without an expected configuration, any valid checkpoint loads.
	_, err = Load(path, nil)
	require.NoError(t, err)
}

func TestLoadConfigMismatch(t *testing.T) {
	m, err := New(Config{VocabSize: 500, EmbeddingDim: 2, HiddenDim: 2}, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model.ckpt")
	require.NoError(t, m.Save(path))

	_, err = Load(path, &Config{VocabSize: 600, EmbeddingDim: 2, HiddenDim: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))
	assert.Contains(t, err.Error(), "600")
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.ckpt"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))

	garbage := filepath.Join(dir, "garbage.ckpt")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a checkpoint"), 0644))
	_, err = Load(garbage, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))

	m := newTiny(t, 1)
	path := filepath.Join(dir, "model.ckpt")
	require.NoError(t, m.Save(path))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.ckpt")
	require.NoError(t, os.WriteFile(truncated, contents[:len(contents)/2], 0644))
	_, err = Load(truncated, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelLoad))
}

func TestParamShapes(t *testing.T) {
	m := newTiny(t, 1)
	shapes := paramShapes(tinyConfig)
	require.Len(t, shapes, len(m.Params()))
	for ii, p := range m.Params() {
		rows, cols := p.Dims()
		assert.Equal(t, paramShape{p.Name, rows, cols}, shapes[ii])
	}
}

func writeCheckpoint(t *testing.T, ckpt *checkpoint) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crafted.ckpt")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(f).Encode(ckpt))
	require.NoError(t, f.Close())
	return path
}

func TestLoadOversizedConfig(t *testing.T) {
	m := newTiny(t, 1)
	var blobs []paramBlob
	for _, p := range m.Params() {
		rows, cols := p.Dims()
		blobs = append(blobs, paramBlob{Name: p.Name, Rows: rows, Cols: cols, Data: p.Data()})
	}
	testCases := []struct {
		name   string
		config Config
		params []paramBlob
	}{
		{"huge dimensions without parameters", Config{VocabSize: 1 << 40, EmbeddingDim: 1 << 20, HiddenDim: 8}, nil},
		{"huge dimensions with small parameters", Config{VocabSize: 1 << 40, EmbeddingDim: 1 << 20, HiddenDim: 8}, blobs},
		{"shape larger than data", tinyConfig, []paramBlob{{Name: "encoder.embedding.weight", Rows: 1 << 40, Cols: 1 << 40, Data: []float64{1}}}},
		{"negative shape", tinyConfig, []paramBlob{{Name: "encoder.embedding.weight", Rows: -1, Cols: -1, Data: []float64{1}}}},
		{"invalid dimensions", Config{VocabSize: 9, EmbeddingDim: 0, HiddenDim: 4}, blobs},
	}
	for _, tc := range testCases {
		path := writeCheckpoint(t, &checkpoint{
			Magic: checkpointMagic, Version: checkpointVersion, Config: tc.config, Params: tc.params,
		})
		var err error
		require.NotPanics(t, func() { _, err = Load(path, nil) }, tc.name)
		require.Error(t, err, tc.name)
		assert.True(t, errors.Is(err, ErrModelLoad), tc.name)
	}

	// The same parameters with the right configuration load fine.
	path := writeCheckpoint(t, &checkpoint{
		Magic: checkpointMagic, Version: checkpointVersion, Config: tinyConfig, Params: blobs,
	})
	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, m.Params()[0].Data(), loaded.Params()[0].Data())
}
