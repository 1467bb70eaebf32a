// Package api defines the Tokenizer API.
// It's just a hack to break the cyclic dependency, and allow the users to import `tokenizers` and get the
// default implementations.
//
// It also holds the error kinds shared by tokenizers and the training pipeline.
package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tokenizer interface allows one convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)

	// VocabSize is the number of distinct ids a model must be able to produce for this tokenizer.
	VocabSize() int
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	TokBeginningOfSentence: "beginning_of_sentence",
	TokEndOfSentence:       "end_of_sentence",
	TokUnknown:             "unknown",
	TokPad:                 "pad",
	TokMask:                "mask",
	TokClassification:      "classification",
	TokSpecialTokensCount:  "special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return fmt.Sprintf("SpecialToken(%d)", int(t))
	}
	return specialTokenNames[t]
}

var (
	// ErrCorpusUnavailable is returned when a training corpus can't be opened or read.
	ErrCorpusUnavailable = errors.New("corpus unavailable")

	// ErrVocabularyUnavailable is returned when a persisted vocabulary can't be opened or read.
	ErrVocabularyUnavailable = errors.New("vocabulary unavailable")
)

// WrapSpecialTokens returns ids prefixed with the tokenizer's TokBeginningOfSentence id and suffixed
// with its TokEndOfSentence id.
func WrapSpecialTokens(tokenizer Tokenizer, ids []int) ([]int, error) {
	begin, err := tokenizer.SpecialTokenID(TokBeginningOfSentence)
	if err != nil {
		return nil, err
	}
	end, err := tokenizer.SpecialTokenID(TokEndOfSentence)
	if err != nil {
		return nil, err
	}
	wrapped := make([]int, 0, len(ids)+2)
	wrapped = append(wrapped, begin)
	wrapped = append(wrapped, ids...)
	return append(wrapped, end), nil
}

// EncodeWithSpecialTokens encodes text and wraps it with WrapSpecialTokens.
func EncodeWithSpecialTokens(tokenizer Tokenizer, text string) ([]int, error) {
	return WrapSpecialTokens(tokenizer, tokenizer.Encode(text))
}
