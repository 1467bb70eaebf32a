package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/formula-solver/hub"
	"github.com/gomlx/formula-solver/inference"
	"github.com/gomlx/formula-solver/models/seq2seq"
	"github.com/gomlx/formula-solver/tokenizers/formula"
	"github.com/gomlx/formula-solver/train"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// hubFlags selects an optional HuggingFace Hub repository to download input files from.
type hubFlags struct {
	repoID, repoType, revision string
	repo                       *hub.Repo
}

func (h *hubFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&h.repoID, "hf-repo", "", "HuggingFace Hub repository (owner/name) to download input files from.")
	fs.StringVar(&h.repoType, "hf-type", "models", `Type of the HuggingFace Hub repository: "models", "datasets" or "spaces".`)
	fs.StringVar(&h.revision, "hf-revision", "main", "Revision (branch, tag or commit hash) of the HuggingFace Hub repository.")
}

// resolve returns the local path of fileName: itself if no repository was given, or its downloaded copy.
func (h *hubFlags) resolve(fileName string) (string, error) {
	if h.repoID == "" || fileName == "" {
		return fileName, nil
	}
	if h.repo == nil {
		repoType, err := hub.ParseRepoType(h.repoType)
		if err != nil {
			return "", err
		}
		h.repo = hub.New(h.repoID).WithType(repoType).WithRevision(h.revision).WithProgressBar(true)
	}
	return h.repo.DownloadFile(fileName)
}

func runVocab(args []string, _ io.Reader, stdout io.Writer) error {
	fs := newFlagSet("vocab")
	input := fs.String("input", "", "Corpus file, one task per line.")
	vocabPath := fs.String("vocab", "", "Vocabulary file to write.")
	maxVocab := fs.Int("max-vocab", formula.DefaultMaxVocabSize, "Maximum number of corpus tokens in the vocabulary.")
	var hubOpts hubFlags
	hubOpts.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" || *vocabPath == "" {
		return errors.New("vocab requires --input and --vocab")
	}
	corpusPath, err := hubOpts.resolve(*input)
	if err != nil {
		return err
	}
	tok := formula.New()
	if err = tok.BuildVocabulary(corpusPath, *maxVocab); err != nil {
		return err
	}
	if err = tok.SaveVocabulary(*vocabPath); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(stdout, "Vocabulary with %s tokens saved to %q\n", humanize.Comma(int64(tok.Vocabulary().Len())), *vocabPath)
	return nil
}

// trainConfig parses the train flags: values given explicitly on the command line override those of --config.
func trainConfig(args []string) (config *train.Config, sample string, hubOpts *hubFlags, err error) {
	fs := newFlagSet("train")
	defaults := train.DefaultConfig()
	flagValues := *defaults
	configPath := fs.String("config", "", "YAML training configuration file. Flags set explicitly take precedence.")
	fs.StringVar(&flagValues.Corpus, "input", "", "Corpus file, one task per line.")
	fs.StringVar(&flagValues.Output, "output", "", "Final model checkpoint file.")
	fs.StringVar(&flagValues.Vocab, "vocab", "", "Vocabulary file to write (default: <output>.vocab).")
	fs.IntVar(&flagValues.Epochs, "epochs", defaults.Epochs, "Number of training epochs.")
	fs.IntVar(&flagValues.BatchSize, "batch-size", defaults.BatchSize, "Number of examples per batch.")
	fs.IntVar(&flagValues.EmbeddingDim, "emb-dim", defaults.EmbeddingDim, "Token embedding dimension.")
	fs.IntVar(&flagValues.HiddenDim, "hidden-dim", defaults.HiddenDim, "LSTM hidden dimension.")
	fs.Float64Var(&flagValues.LearningRate, "learning-rate", defaults.LearningRate, "Adam learning rate.")
	fs.IntVar(&flagValues.MaxVocabSize, "max-vocab", defaults.MaxVocabSize, "Maximum number of corpus tokens in the vocabulary.")
	fs.Int64Var(&flagValues.Seed, "seed", defaults.Seed, "Random seed for initialization and shuffling.")
	fs.StringVar(&sample, "sample", "", "If set, print the model's solution to this task after training.")
	hubOpts = &hubFlags{}
	hubOpts.register(fs)
	if err = fs.Parse(args); err != nil {
		return
	}

	config = defaults
	if *configPath != "" {
		if config, err = train.ParseConfigFile(*configPath); err != nil {
			return
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			config.Corpus = flagValues.Corpus
		case "output":
			config.Output = flagValues.Output
		case "vocab":
			config.Vocab = flagValues.Vocab
		case "epochs":
			config.Epochs = flagValues.Epochs
		case "batch-size":
			config.BatchSize = flagValues.BatchSize
		case "emb-dim":
			config.EmbeddingDim = flagValues.EmbeddingDim
		case "hidden-dim":
			config.HiddenDim = flagValues.HiddenDim
		case "learning-rate":
			config.LearningRate = flagValues.LearningRate
		case "max-vocab":
			config.MaxVocabSize = flagValues.MaxVocabSize
		case "seed":
			config.Seed = flagValues.Seed
		}
	})
	if config.Corpus == "" || config.Output == "" {
		err = errors.New("train requires --input and --output (or corpus and output in --config)")
		return
	}
	err = config.Validate()
	return
}

func runTrain(args []string, _ io.Reader, stdout io.Writer) error {
	config, sample, hubOpts, err := trainConfig(args)
	if err != nil {
		return err
	}
	corpusPath, err := hubOpts.resolve(config.Corpus)
	if err != nil {
		return err
	}

	tok := formula.New()
	if err = tok.BuildVocabulary(corpusPath, config.MaxVocabSize); err != nil {
		return err
	}
	if err = tok.SaveVocabulary(config.VocabPath()); err != nil {
		return err
	}
	klog.Infof("vocabulary with %s tokens saved to %q", humanize.Comma(int64(tok.Vocabulary().Len())), config.VocabPath())

	model, err := seq2seq.New(config.ModelConfig(tok.VocabSize()), rand.New(rand.NewSource(config.Seed)))
	if err != nil {
		return err
	}
	model.Metadata.TokenizerClass = formula.ClassName

	bar := progressbar.NewOptions(config.Epochs,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
	)
	trainer := train.NewFromConfig(model, tok, config).WithEpochCallback(func(report train.EpochReport) {
		bar.Describe(report.String())
		_ = bar.Add(1)
	})
	if err = trainer.PrepareData(corpusPath); err != nil {
		return err
	}
	if err = trainer.Train(config.Epochs, config.BatchSize, config.Output); err != nil {
		return err
	}
	_ = bar.Finish()
	_, _ = fmt.Fprintf(stdout, "\nModel with %s parameters saved to %q\n", humanize.Comma(int64(model.NumParams())), config.Output)
	if sample != "" {
		_, _ = fmt.Fprintf(stdout, "%s =>%s\n", sample, trainer.TestExample(sample))
	}
	return nil
}

func runSolve(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("solve")
	modelPath := fs.String("model", "", "Model checkpoint file.")
	vocabPath := fs.String("vocab", "", "Vocabulary file (default: <model>.vocab).")
	maxLength := fs.Int("max-length", seq2seq.DefaultMaxLength, "Maximum number of tokens per solution.")
	var hubOpts hubFlags
	hubOpts.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *modelPath == "" {
		return errors.New("solve requires --model")
	}
	if *vocabPath == "" {
		*vocabPath = *modelPath + ".vocab"
	}
	localModel, err := hubOpts.resolve(*modelPath)
	if err != nil {
		return err
	}
	localVocab, err := hubOpts.resolve(*vocabPath)
	if err != nil {
		return err
	}

	service := inference.New().WithMaxLength(*maxLength)
	if err = service.LoadModel(localModel); err != nil {
		return err
	}
	if err = service.LoadVocabulary(localVocab); err != nil {
		return err
	}
	solve := func(task string) error {
		_, err := fmt.Fprintln(stdout, service.Solve(task))
		return errors.Wrap(err, "failed writing solution")
	}
	if fs.NArg() > 0 {
		for _, task := range fs.Args() {
			if err = solve(task); err != nil {
				return err
			}
		}
		return nil
	}
	return readLines(stdin, solve)
}
