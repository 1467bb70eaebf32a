// Package tokenizers creates tokenizers by class name, from a local vocabulary file or from a
// HuggingFace Hub repository.
//
// Tokenizer implementations register a constructor with RegisterTokenizerClass. The formula
// tokenizer (see package formula) is always registered.
package tokenizers

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/gomlx/formula-solver/hub"
	"github.com/gomlx/formula-solver/tokenizers/api"
	"github.com/gomlx/formula-solver/tokenizers/formula"
	"github.com/pkg/errors"
)

// Tokenizer interface allows one convert text to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer = api.Tokenizer

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken = api.SpecialToken

const (
	TokBeginningOfSentence = api.TokBeginningOfSentence
	TokEndOfSentence       = api.TokEndOfSentence
	TokUnknown             = api.TokUnknown
	TokPad                 = api.TokPad
	TokMask                = api.TokMask
	TokClassification      = api.TokClassification
	TokSpecialTokensCount  = api.TokSpecialTokensCount
)

// DefaultClass is the tokenizer class used when none is specified.
const DefaultClass = formula.ClassName

// TokenizerConstructor creates a tokenizer from a vocabulary file.
type TokenizerConstructor func(vocabPath string) (api.Tokenizer, error)

var (
	muRegistry        sync.Mutex
	registerOfClasses = make(map[string]TokenizerConstructor)
)

// RegisterTokenizerClass used by Tokenizer implementations.
func RegisterTokenizerClass(name string, constructor TokenizerConstructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registerOfClasses[name] = constructor
}

// Classes returns the registered tokenizer class names, sorted.
func Classes() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registerOfClasses))
	for name := range registerOfClasses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a tokenizer of the given class from the vocabulary in vocabPath.
// An empty className means DefaultClass.
func New(className, vocabPath string) (Tokenizer, error) {
	if className == "" {
		className = DefaultClass
	}
	muRegistry.Lock()
	constructor, found := registerOfClasses[className]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("unknown tokenizer class %q, registered classes are %q", className, Classes())
	}
	return constructor(vocabPath)
}

// ConfigFileName is the file in a HuggingFace repository describing its tokenizer.
const ConfigFileName = "tokenizer_config.json"

// Config holds the fields of "tokenizer_config.json" used to instantiate a tokenizer.
type Config struct {
	TokenizerClass string `json:"tokenizer_class"`
	VocabFile      string `json:"vocab_file"`

	// ConfigFile is the path to the file the configuration was read from.
	ConfigFile string `json:"-"`
}

// ParseConfigFile reads a "tokenizer_config.json" file.
func ParseConfigFile(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer configuration %q", filePath)
	}
	config, err := ParseConfigContent(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "tokenizer configuration %q", filePath)
	}
	config.ConfigFile = filePath
	return config, nil
}

// ParseConfigContent parses the contents of a "tokenizer_config.json" file.
// Missing fields take the defaults: DefaultClass and "model.vocab".
func ParseConfigContent(contents []byte) (*Config, error) {
	config := &Config{}
	if err := json.Unmarshal(contents, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer configuration")
	}
	if config.TokenizerClass == "" {
		config.TokenizerClass = DefaultClass
	}
	if config.VocabFile == "" {
		config.VocabFile = "model.vocab"
	}
	return config, nil
}

// FromRepo creates a tokenizer from a HuggingFace repository (see hub.New).
//
// It downloads "tokenizer_config.json" to learn the tokenizer class and vocabulary file name, and then
// downloads the vocabulary file.
func FromRepo(repo *hub.Repo) (Tokenizer, error) {
	localConfigFile, err := repo.DownloadFile(ConfigFileName)
	if err != nil {
		return nil, errors.WithMessagef(api.ErrVocabularyUnavailable, "repository %q: %v", repo, err)
	}
	config, err := ParseConfigFile(localConfigFile)
	if err != nil {
		return nil, err
	}
	vocabPath, err := repo.DownloadFile(config.VocabFile)
	if err != nil {
		return nil, errors.WithMessagef(api.ErrVocabularyUnavailable, "repository %q: %v", repo, err)
	}
	return New(config.TokenizerClass, vocabPath)
}

func init() {
	// The formula tokenizer is always included.
	RegisterTokenizerClass(formula.ClassName, func(vocabPath string) (api.Tokenizer, error) {
		return formula.Load(vocabPath)
	})
}
