package batching

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeExample(length, tag int) []int {
	example := make([]int, length)
	for ii := range example {
		example[ii] = 4 + (tag*31+ii)%50
	}
	return example
}

func multiset(examples [][]int) []string {
	keys := make([]string, len(examples))
	for ii, example := range examples {
		keys[ii] = fmt.Sprint(example)
	}
	sort.Strings(keys)
	return keys
}

func TestBucket(t *testing.T) {
	testCases := []struct{ length, bucket int }{
		{0, 0}, {1, 0}, {10, 0}, {11, 1}, {20, 1}, {21, 2}, {25, 2},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.bucket, Bucket(tc.length), "Bucket(%d)", tc.length)
	}
}

func TestBuildScenario(t *testing.T) {
	examples := [][]int{makeExample(5, 0), makeExample(6, 1), makeExample(25, 2)}
	batches, err := Build(examples, 2, nil)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	short, long := batches[0], batches[1]
	assert.Equal(t, 2, short.Rows)
	assert.Equal(t, 6, short.Cols)
	assert.Equal(t, examples[0], short.Example(0))
	assert.Equal(t, examples[1], short.Example(1))
	// Row 0 is right-padded.
	assert.Equal(t, append(append([]int{}, examples[0]...), PadID), short.Row(0))

	assert.Equal(t, 1, long.Rows)
	assert.Equal(t, 25, long.Cols)
	assert.Equal(t, examples[2], long.Example(0))
}

func TestBuildChunks(t *testing.T) {
	var examples [][]int
	for ii := 0; ii < 7; ii++ {
		examples = append(examples, makeExample(3+ii%4, ii))
	}
	batches, err := Build(examples, 3, nil)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{3, 3, 1}, []int{batches[0].Rows, batches[1].Rows, batches[2].Rows})
	for _, b := range batches {
		assert.Len(t, b.IDs, b.Rows*b.Cols)
	}
}

func TestBuildPreservesExamples(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		numExamples := rng.Intn(60)
		examples := make([][]int, numExamples)
		for ii := range examples {
			examples[ii] = makeExample(rng.Intn(45), trial*100+ii)
		}
		batchSize := 1 + rng.Intn(8)
		batches, err := Build(examples, batchSize, rand.New(rand.NewSource(int64(trial))))
		require.NoError(t, err)

		var rebuilt [][]int
		for _, b := range batches {
			require.Greater(t, b.Rows, 0)
			require.LessOrEqual(t, b.Rows, batchSize)
			bucket := Bucket(b.Lengths[0])
			for row := 0; row < b.Rows; row++ {
				assert.Equal(t, bucket, Bucket(b.Lengths[row]), "examples of one batch share a bucket")
				for col := b.Lengths[row]; col < b.Cols; col++ {
					assert.Equal(t, PadID, b.At(row, col))
				}
				rebuilt = append(rebuilt, append([]int{}, b.Example(row)...))
			}
		}
		assert.Equal(t, multiset(examples), multiset(rebuilt))
	}
}

func TestBuildDeterministicShuffle(t *testing.T) {
	var examples [][]int
	for ii := 0; ii < 40; ii++ {
		examples = append(examples, makeExample(1+ii, ii))
	}
	first, err := Build(examples, 2, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	second, err := Build(examples, 2, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	unshuffled, err := Build(examples, 2, nil)
	require.NoError(t, err)
	assert.Len(t, first, len(unshuffled))
}

func TestBuildErrors(t *testing.T) {
	_, err := Build([][]int{{1, 2}}, 0, nil)
	assert.Error(t, err)

	batches, err := Build(nil, 4, nil)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestNewBatch(t *testing.T) {
	b := NewBatch([][]int{{1, 5, 6, 2}, {1, 7, 2}})
	assert.Equal(t, 2, b.Rows)
	assert.Equal(t, 4, b.Cols)
	assert.Equal(t, []int{1, 5, 6, 2, 1, 7, 2, 0}, b.IDs)
	assert.Equal(t, 7, b.NonPad())
	assert.Equal(t, 7, b.At(1, 1))
}
