// Package inference serves solutions from a trained model: Service owns a tokenizer and a model,
// loaded from files, and turns task texts into solution texts.
package inference

import (
	"sync"

	"github.com/gomlx/formula-solver/models/seq2seq"
	"github.com/gomlx/formula-solver/tokenizers"
	"github.com/gomlx/formula-solver/tokenizers/api"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Messages returned by Service.Solve instead of a solution.
const (
	NotLoadedMessage = "Error: model or vocabulary not loaded"
	ErrorPrefix      = "Error while solving task: "
)

// DefaultCacheSize is the number of solutions cached by a new Service.
const DefaultCacheSize = 1024

// Solve encodes task wrapped with the beginning and end of sentence tokens, generates greedily
// with model, at most maxLength tokens, and decodes the result.
//
// Panics during generation are returned as errors.
func Solve(model *seq2seq.Model, tokenizer api.Tokenizer, task string, maxLength int) (solution string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic during generation: %v", r)
		}
	}()
	ids, err := api.EncodeWithSpecialTokens(tokenizer, task)
	if err != nil {
		return "", err
	}
	output, err := model.Generate(ids, maxLength)
	if err != nil {
		return "", err
	}
	return tokenizer.Decode(output), nil
}

// Service solves tasks with a model and a tokenizer loaded from files. Create it with New.
//
// It is safe for concurrent use: calls to Solve are serialized.
type Service struct {
	mu             sync.Mutex
	tokenizer      api.Tokenizer
	tokenizerClass string
	model          *seq2seq.Model
	maxLength      int
	cache          *lru.Cache
}

// New creates a Service with nothing loaded. See LoadVocabulary and LoadModel.
func New() *Service {
	s := &Service{maxLength: seq2seq.DefaultMaxLength}
	return s.WithCacheSize(DefaultCacheSize)
}

// WithMaxLength sets the maximum number of tokens generated per solution.
// Values <= 0 mean seq2seq.DefaultMaxLength.
func (s *Service) WithMaxLength(maxLength int) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxLength <= 0 {
		maxLength = seq2seq.DefaultMaxLength
	}
	s.maxLength = maxLength
	s.purgeCache()
	return s
}

// WithCacheSize sets the number of solutions kept in an LRU cache. A size <= 0 disables caching.
func (s *Service) WithCacheSize(size int) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	if size > 0 {
		cache, err := lru.New(size)
		if err != nil {
			klog.Warningf("inference: failed to create cache of size %d, caching disabled: %v", size, err)
		} else {
			s.cache = cache
		}
	}
	return s
}

// WithTokenizerClass sets the tokenizer class (see package tokenizers) used by LoadVocabulary.
// By default, it uses the class recorded in the model, if one is loaded, or tokenizers.DefaultClass.
func (s *Service) WithTokenizerClass(className string) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenizerClass = className
	return s
}

func (s *Service) purgeCache() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// LoadVocabulary loads the tokenizer vocabulary from vocabPath. If a model is already loaded, its
// vocabulary size must match.
//
// Errors wrap api.ErrVocabularyUnavailable. On error, the previously loaded vocabulary (if any) is kept.
func (s *Service) LoadVocabulary(vocabPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	className := s.tokenizerClass
	if className == "" && s.model != nil {
		className = s.model.Metadata.TokenizerClass
	}
	tokenizer, err := tokenizers.New(className, vocabPath)
	if err != nil {
		if errors.Is(err, api.ErrVocabularyUnavailable) {
			return err
		}
		return errors.WithMessagef(api.ErrVocabularyUnavailable, "%q: %v", vocabPath, err)
	}
	if s.model != nil && s.model.Config().VocabSize != tokenizer.VocabSize() {
		return errors.WithMessagef(api.ErrVocabularyUnavailable, "vocabulary %q has size %d, but the loaded model expects %d",
			vocabPath, tokenizer.VocabSize(), s.model.Config().VocabSize)
	}
	s.tokenizer = tokenizer
	s.purgeCache()
	klog.V(1).Infof("inference: loaded vocabulary %q (size %d)", vocabPath, tokenizer.VocabSize())
	return nil
}

// LoadModel loads the model checkpoint from modelPath. If a vocabulary is already loaded, the
// model's vocabulary size must match it.
//
// Errors wrap seq2seq.ErrModelLoad. On error, the previously loaded model (if any) is kept.
func (s *Service) LoadModel(modelPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	model, err := seq2seq.Load(modelPath, nil)
	if err != nil {
		return err
	}
	if s.tokenizer != nil && model.Config().VocabSize != s.tokenizer.VocabSize() {
		return errors.WithMessagef(seq2seq.ErrModelLoad, "model %q has vocabulary size %d, but the loaded vocabulary has size %d",
			modelPath, model.Config().VocabSize, s.tokenizer.VocabSize())
	}
	model.SetTraining(false)
	s.model = model
	s.purgeCache()
	klog.V(1).Infof("inference: loaded model %q (%+v)", modelPath, model.Config())
	return nil
}

// Loaded returns whether a model and a vocabulary are loaded.
func (s *Service) Loaded() (model, vocabulary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model != nil, s.tokenizer != nil
}

// Solve returns the solution generated for task.
//
// If the model or the vocabulary are not loaded it returns NotLoadedMessage, and if generation fails
// it returns ErrorPrefix followed by the error. It never panics.
func (s *Service) Solve(task string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil || s.tokenizer == nil {
		return NotLoadedMessage
	}
	if s.cache != nil {
		if cached, found := s.cache.Get(task); found {
			return cached.(string)
		}
	}
	solution, err := Solve(s.model, s.tokenizer, task, s.maxLength)
	if err != nil {
		klog.Warningf("inference: failed to solve %q: %+v", task, err)
		return ErrorPrefix + err.Error()
	}
	if s.cache != nil {
		s.cache.Add(task, solution)
	}
	return solution
}
