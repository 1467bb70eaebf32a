// Package formula implements a tokenizers.Tokenizer for math task texts with embedded formulas.
//
// Plain text is split on whitespace. Formulas delimited by `$…$`, `\[…\]` or
// `\begin{equation}…\end{equation}` are folded into a single token `<formula>BODY</formula>`,
// with whitespace inside BODY replaced by underscores. Decode reverses the folding, rendering
// formulas as `$BODY$`.
package formula

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/gomlx/formula-solver/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Formula markers wrapping a folded formula token.
const (
	FormulaOpen  = "<formula>"
	FormulaClose = "</formula>"
)

// ClassName under which the tokenizer is registered in package tokenizers.
const ClassName = "FormulaTokenizer"

// formulaRegexp matches inline math, bracketed display math and equation environments.
// The first non-empty group holds the formula body.
var formulaRegexp = regexp.MustCompile(`\$(.*?)\$|\\\[(.*?)\\\]|\\begin\{equation\}(.*?)\\end\{equation\}`)

// Tokenizer converts text to ids and back using a Vocabulary.
type Tokenizer struct {
	vocab *Vocabulary
}

// Compile time assert that formula.Tokenizer implements api.Tokenizer interface.
var _ api.Tokenizer = &Tokenizer{}

// New creates a Tokenizer with an empty vocabulary (only the reserved tokens).
// Use BuildVocabulary to populate it.
func New() *Tokenizer {
	return &Tokenizer{vocab: NewVocabulary()}
}

// NewWithVocabulary creates a Tokenizer using the given vocabulary.
func NewWithVocabulary(vocab *Vocabulary) *Tokenizer {
	return &Tokenizer{vocab: vocab}
}

// Load creates a Tokenizer from a vocabulary file saved with SaveVocabulary.
//
// It returns an error wrapping api.ErrVocabularyUnavailable if the file can't be read.
func Load(vocabPath string) (*Tokenizer, error) {
	vocab, err := LoadVocabulary(vocabPath)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{vocab: vocab}, nil
}

// Vocabulary used by the tokenizer.
func (t *Tokenizer) Vocabulary() *Vocabulary {
	return t.vocab
}

// VocabSize implements api.Tokenizer.
func (t *Tokenizer) VocabSize() int {
	return t.vocab.VocabSize()
}

// FoldFormula returns the atomic token for a formula body.
func FoldFormula(body string) string {
	folded := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, body)
	return FormulaOpen + folded + FormulaClose
}

// UnfoldFormula returns the formula body of a folded token, with underscores rendered as spaces.
// It returns false if token is not a folded formula.
func UnfoldFormula(token string) (string, bool) {
	if len(token) < len(FormulaOpen)+len(FormulaClose) ||
		!strings.HasPrefix(token, FormulaOpen) || !strings.HasSuffix(token, FormulaClose) {
		return "", false
	}
	body := token[len(FormulaOpen) : len(token)-len(FormulaClose)]
	return strings.ReplaceAll(body, "_", " "), true
}

// Split returns the token strings of text: whitespace separated words, with each formula span
// folded into one token.
func (t *Tokenizer) Split(text string) []string {
	return splitText(text)
}

func splitText(text string) []string {
	var tokens []string
	pos := 0
	for _, match := range formulaRegexp.FindAllStringSubmatchIndex(text, -1) {
		tokens = append(tokens, strings.Fields(text[pos:match[0]])...)
		var body string
		for group := 1; group < len(match)/2; group++ {
			if match[2*group] >= 0 {
				body = text[match[2*group]:match[2*group+1]]
				break
			}
		}
		tokens = append(tokens, FoldFormula(body))
		pos = match[1]
	}
	return append(tokens, strings.Fields(text[pos:])...)
}

// Encode returns the text encoded into a sequence of ids. Unknown tokens map to UnkID.
// It implements api.Tokenizer.
func (t *Tokenizer) Encode(text string) []int {
	tokens := splitText(text)
	ids := make([]int, len(tokens))
	for ii, token := range tokens {
		id, found := t.vocab.ID(token)
		if !found {
			id = UnkID
		}
		ids[ii] = id
	}
	return ids
}

// Decode returns the text from a sequence of ids. It stops at the first EOSID and skips SOSID and PadID.
//
// Each word is emitted with a leading space, so the original spacing around punctuation is not
// preserved. Formulas are rendered as `$body$` with underscores turned back into spaces.
// It implements api.Tokenizer.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	inFormula := false
	for _, id := range ids {
		if id == EOSID {
			break
		}
		if id == SOSID || id == PadID {
			continue
		}
		token, found := t.vocab.Token(id)
		if !found {
			token = UnkToken
		}
		switch {
		case token == FormulaOpen:
			inFormula = true
			sb.WriteString(" $")
		case token == FormulaClose:
			inFormula = false
			sb.WriteString("$ ")
		default:
			if body, ok := UnfoldFormula(token); ok {
				sb.WriteString(" $")
				sb.WriteString(body)
				sb.WriteString("$")
			} else if inFormula {
				sb.WriteString(strings.ReplaceAll(token, "_", " "))
			} else {
				sb.WriteString(" ")
				sb.WriteString(token)
			}
		}
	}
	return sb.String()
}

// SpecialTokenID returns the token for the given symbol, or an error if not known.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return UnkID, nil
	case api.TokPad:
		return PadID, nil
	case api.TokBeginningOfSentence:
		return SOSID, nil
	case api.TokEndOfSentence:
		return EOSID, nil
	}
	return 0, errors.Errorf("unknown special token: %s (%d)", token, token)
}

// BuildVocabulary reads the corpus in corpusPath, one example per line, and adds its most frequent
// tokens to the vocabulary: at most maxSize new tokens, ranked by descending frequency with ties
// broken by first-seen order. Ids are assigned from FirstFreeID onwards.
//
// It returns an error wrapping api.ErrCorpusUnavailable if the corpus can't be read.
func (t *Tokenizer) BuildVocabulary(corpusPath string, maxSize int) error {
	f, err := os.Open(corpusPath)
	if err != nil {
		return errors.WithMessagef(api.ErrCorpusUnavailable, "failed to open corpus %q: %v", corpusPath, err)
	}
	defer func() { _ = f.Close() }()
	if err = t.BuildVocabularyFrom(f, maxSize); err != nil {
		return errors.WithMessagef(err, "corpus %q", corpusPath)
	}
	return nil
}

// BuildVocabularyFrom is like BuildVocabulary, but reads the corpus from r.
func (t *Tokenizer) BuildVocabularyFrom(r io.Reader, maxSize int) error {
	counter := newFrequencyCounter()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	numLines := 0
	for scanner.Scan() {
		counter.add(splitText(scanner.Text()))
		numLines++
	}
	if err := scanner.Err(); err != nil {
		return errors.WithMessagef(api.ErrCorpusUnavailable, "failed reading corpus: %v", err)
	}
	added := t.vocab.addRanked(counter.ranked(), maxSize)
	klog.V(1).Infof("vocabulary built from %d lines: %d distinct tokens seen, %d added, %d total",
		numLines, len(counter.counts), added, t.vocab.Len())
	return nil
}

// SaveVocabulary writes the vocabulary to vocabPath, one "<token> <id>" pair per line.
func (t *Tokenizer) SaveVocabulary(vocabPath string) error {
	if err := t.vocab.Save(vocabPath); err != nil {
		return errors.WithMessagef(err, "failed to save vocabulary")
	}
	return nil
}
