// Package batching groups tokenized examples of similar length into padded rectangular batches.
package batching

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
)

// PadID fills the cells of a Batch past the end of each example. Freshly allocated batches are all PadID.
const PadID = 0

// BucketWidth is the width of the length ranges used to group examples.
const BucketWidth = 10

// Batch is a (Rows x Cols) matrix of token ids in row-major order, right-padded with PadID.
//
// Row i holds one example in its first Lengths[i] cells.
type Batch struct {
	Rows, Cols int
	IDs        []int
	Lengths    []int
}

// NewBatch creates a batch holding the given examples, padded to the longest one.
func NewBatch(examples [][]int) *Batch {
	cols := 0
	for _, example := range examples {
		if len(example) > cols {
			cols = len(example)
		}
	}
	b := &Batch{
		Rows:    len(examples),
		Cols:    cols,
		IDs:     make([]int, len(examples)*cols),
		Lengths: make([]int, len(examples)),
	}
	for row, example := range examples {
		copy(b.IDs[row*cols:], example)
		b.Lengths[row] = len(example)
	}
	return b
}

// At returns the id at the given row and column.
func (b *Batch) At(row, col int) int {
	return b.IDs[row*b.Cols+col]
}

// Row returns the full padded row, sharing the batch storage.
func (b *Batch) Row(row int) []int {
	return b.IDs[row*b.Cols : (row+1)*b.Cols]
}

// Example returns the non-pad prefix of row, sharing the batch storage.
func (b *Batch) Example(row int) []int {
	return b.IDs[row*b.Cols : row*b.Cols+b.Lengths[row]]
}

// NonPad returns the number of non-pad cells.
func (b *Batch) NonPad() int {
	total := 0
	for _, length := range b.Lengths {
		total += length
	}
	return total
}

// Bucket returns the length bucket of an example of the given length: (length-1)/BucketWidth.
// Empty examples go to bucket 0.
func Bucket(length int) int {
	if length <= 0 {
		return 0
	}
	return (length - 1) / BucketWidth
}

// Build groups examples into length buckets, slices each bucket (in input order) into chunks of at
// most batchSize examples, and pads each chunk into a Batch.
//
// Buckets are visited from the shortest to the longest. If rng is not nil, the resulting list of
// batches is shuffled (the examples inside each batch are not).
//
// Every example ends up in exactly one batch, and no batch is empty.
func Build(examples [][]int, batchSize int, rng *rand.Rand) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	buckets := make(map[int][][]int)
	for _, example := range examples {
		bucket := Bucket(len(example))
		buckets[bucket] = append(buckets[bucket], example)
	}
	keys := make([]int, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Ints(keys)

	var batches []*Batch
	for _, key := range keys {
		group := buckets[key]
		for start := 0; start < len(group); start += batchSize {
			end := min(start+batchSize, len(group))
			batches = append(batches, NewBatch(group[start:end]))
		}
	}
	if rng != nil {
		rng.Shuffle(len(batches), func(i, j int) {
			batches[i], batches[j] = batches[j], batches[i]
		})
	}
	return batches, nil
}
