package api

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer maps each word to its length, for testing.
type wordTokenizer struct {
	noSpecials bool
}

func (w wordTokenizer) Encode(text string) []int {
	var ids []int
	for _, word := range strings.Fields(text) {
		ids = append(ids, len(word)+10)
	}
	return ids
}

func (w wordTokenizer) Decode(ids []int) string { return "" }

func (w wordTokenizer) SpecialTokenID(token SpecialToken) (int, error) {
	if w.noSpecials {
		return 0, errors.Errorf("no special token %s", token)
	}
	return int(token), nil
}

func (w wordTokenizer) VocabSize() int { return 100 }

func TestEncodeWithSpecialTokens(t *testing.T) {
	ids, err := EncodeWithSpecialTokens(wordTokenizer{}, "ab cde")
	require.NoError(t, err)
	assert.Equal(t, []int{int(TokBeginningOfSentence), 12, 13, int(TokEndOfSentence)}, ids)

	ids, err = WrapSpecialTokens(wordTokenizer{}, nil)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = EncodeWithSpecialTokens(wordTokenizer{noSpecials: true}, "x")
	assert.Error(t, err)
}

func TestSpecialTokenString(t *testing.T) {
	assert.Equal(t, "pad", TokPad.String())
	assert.Equal(t, "end_of_sentence", TokEndOfSentence.String())
	assert.Equal(t, "SpecialToken(99)", SpecialToken(99).String())
}
