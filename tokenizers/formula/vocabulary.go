package formula

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gomlx/formula-solver/internal/files"
	"github.com/gomlx/formula-solver/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Reserved ids, present in every Vocabulary.
const (
	PadID = 0
	SOSID = 1
	EOSID = 2
	UnkID = 3

	// FirstFreeID is the first id assigned to corpus tokens.
	FirstFreeID = 4
)

// Reserved token strings.
const (
	PadToken = "<pad>"
	SOSToken = "<sos>"
	EOSToken = "<eos>"
	UnkToken = "<unk>"
)

var reservedTokens = [FirstFreeID]string{PadID: PadToken, SOSID: SOSToken, EOSID: EOSToken, UnkID: UnkToken}

// DefaultMaxVocabSize is the default number of corpus tokens added by BuildVocabulary.
const DefaultMaxVocabSize = 50000

// maxLineSize is the longest corpus or vocabulary line accepted.
const maxLineSize = 16 * 1024 * 1024

// Vocabulary maps token strings to ids and back.
//
// Ids are unique but not necessarily contiguous (a loaded vocabulary may have gaps). The reserved
// tokens always exist with their fixed ids.
type Vocabulary struct {
	tokenToID map[string]int
	idToToken map[int]string
	maxID     int
}

// NewVocabulary returns a vocabulary holding only the reserved tokens.
func NewVocabulary() *Vocabulary {
	v := &Vocabulary{
		tokenToID: make(map[string]int),
		idToToken: make(map[int]string),
	}
	for id, token := range reservedTokens {
		v.tokenToID[token] = id
		v.idToToken[id] = token
	}
	v.maxID = FirstFreeID - 1
	return v
}

// ID returns the id of token, if it is in the vocabulary.
func (v *Vocabulary) ID(token string) (int, bool) {
	id, found := v.tokenToID[token]
	return id, found
}

// Token returns the token for id, if it is in the vocabulary.
func (v *Vocabulary) Token(id int) (string, bool) {
	token, found := v.idToToken[id]
	return token, found
}

// Len returns the number of tokens in the vocabulary, including the reserved ones.
func (v *Vocabulary) Len() int {
	return len(v.tokenToID)
}

// VocabSize returns the highest id + 1: the number of output classes a model trained against this
// vocabulary must have. It equals Len for built vocabularies, whose ids are contiguous.
func (v *Vocabulary) VocabSize() int {
	return v.maxID + 1
}

// set maps token <-> id, removing any previous mapping of either, so the two maps stay inverse of each other.
func (v *Vocabulary) set(token string, id int) {
	if oldID, found := v.tokenToID[token]; found {
		delete(v.idToToken, oldID)
	}
	if oldToken, found := v.idToToken[id]; found {
		delete(v.tokenToID, oldToken)
	}
	v.tokenToID[token] = id
	v.idToToken[id] = token
	if id > v.maxID {
		v.maxID = id
	}
}

// isReservedConflict returns whether mapping token to id would move or replace a reserved token.
func isReservedConflict(token string, id int) bool {
	if id < FirstFreeID {
		return reservedTokens[id] != token
	}
	for _, reserved := range reservedTokens {
		if reserved == token {
			return true
		}
	}
	return false
}

// tokenCount is used while ranking corpus tokens by frequency.
type tokenCount struct {
	token     string
	count     int
	firstSeen int
}

// frequencyCounter counts tokens, remembering the order in which they were first seen.
type frequencyCounter struct {
	counts map[string]*tokenCount
}

func newFrequencyCounter() *frequencyCounter {
	return &frequencyCounter{counts: make(map[string]*tokenCount)}
}

func (c *frequencyCounter) add(tokens []string) {
	for _, token := range tokens {
		tc, found := c.counts[token]
		if !found {
			tc = &tokenCount{token: token, firstSeen: len(c.counts)}
			c.counts[token] = tc
		}
		tc.count++
	}
}

// ranked returns tokens sorted by descending count, ties broken by first-seen order.
func (c *frequencyCounter) ranked() []*tokenCount {
	ranked := make([]*tokenCount, 0, len(c.counts))
	for _, tc := range c.counts {
		ranked = append(ranked, tc)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].firstSeen < ranked[j].firstSeen
	})
	return ranked
}

// addRanked inserts up to maxSize new tokens in ranked order. Tokens already in the vocabulary are
// skipped and don't count towards maxSize. It returns the number of tokens added.
func (v *Vocabulary) addRanked(ranked []*tokenCount, maxSize int) int {
	nextID := v.maxID + 1
	if nextID < FirstFreeID {
		nextID = FirstFreeID
	}
	added := 0
	for _, tc := range ranked {
		if added >= maxSize {
			break
		}
		if _, found := v.tokenToID[tc.token]; found {
			continue
		}
		v.set(tc.token, nextID)
		nextID++
		added++
	}
	return added
}

// WriteTo writes the vocabulary as one "<token> <id>" line per entry, sorted by id.
// It implements io.WriterTo.
func (v *Vocabulary) WriteTo(w io.Writer) (int64, error) {
	ids := make([]int, 0, len(v.idToToken))
	for id := range v.idToToken {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	var total int64
	for _, id := range ids {
		n, err := fmt.Fprintf(w, "%s %d\n", v.idToToken[id], id)
		total += int64(n)
		if err != nil {
			return total, errors.Wrap(err, "failed writing vocabulary")
		}
	}
	return total, nil
}

// Save writes the vocabulary to filePath, see WriteTo for the format.
func (v *Vocabulary) Save(filePath string) error {
	return files.WriteFileAtomic(filePath, func(w io.Writer) error {
		_, err := v.WriteTo(w)
		return err
	})
}

// ReadVocabulary parses a vocabulary written by Vocabulary.WriteTo.
//
// Parsing is tolerant: lines that are not exactly a token followed by a non-negative integer id,
// or that would move a reserved token, are skipped. It returns the number of skipped lines.
func ReadVocabulary(r io.Reader) (*Vocabulary, int, error) {
	v := NewVocabulary()
	skipped := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			skipped++
			continue
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil || id < 0 || isReservedConflict(fields[0], id) {
			skipped++
			continue
		}
		v.set(fields[0], id)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, errors.WithMessagef(api.ErrVocabularyUnavailable, "failed reading vocabulary: %v", err)
	}
	return v, skipped, nil
}

// LoadVocabulary reads a vocabulary from filePath.
//
// It returns an error wrapping api.ErrVocabularyUnavailable if the file can't be opened or read.
func LoadVocabulary(filePath string) (*Vocabulary, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.WithMessagef(api.ErrVocabularyUnavailable, "failed to open vocabulary %q: %v", filePath, err)
	}
	defer func() { _ = f.Close() }()
	v, skipped, err := ReadVocabulary(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "vocabulary file %q", filePath)
	}
	if skipped > 0 {
		klog.Warningf("vocabulary %q: skipped %d malformed lines", filePath, skipped)
	}
	return v, nil
}
