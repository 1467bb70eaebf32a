// formula_solver builds vocabularies, trains models and solves math word problems.
//
// Usage:
//
//	formula_solver vocab --input corpus.txt --vocab model.vocab
//	formula_solver train --input corpus.txt --output model.ckpt [--config train.yaml] [--epochs 50] ...
//	formula_solver solve --model model.ckpt --vocab model.ckpt.vocab [TASK...]
//
// With --hf-repo, file names given to --input, --model and --vocab are downloaded from that
// HuggingFace Hub repository.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type command struct {
	name, usage string
	run         func(args []string, stdin io.Reader, stdout io.Writer) error
}

var commands = []command{
	{"vocab", "build a vocabulary from a corpus", runVocab},
	{"train", "train a model on a corpus", runTrain},
	{"solve", "solve tasks given as arguments, or one per line from stdin", runSolve},
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintf(w, "Usage: %s <command> [flags]\n\nCommands:\n", os.Args[0])
	for _, cmd := range commands {
		_, _ = fmt.Fprintf(w, "  %-8s %s\n", cmd.name, cmd.usage)
	}
	_, _ = fmt.Fprintf(w, "\nRun \"%s <command> --help\" for the flags of each command.\n", os.Args[0])
}

// run executes the command named by args[0].
func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		usage(stdout)
		return errors.New("missing command")
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(args[1:], stdin, stdout)
		}
	}
	usage(stdout)
	return errors.Errorf("unknown command %q", args[0])
}

// newFlagSet creates the flag set of a command, including klog's flags.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	klog.InitFlags(fs)
	return fs
}

// readLines calls fn for each non-empty line of r.
func readLines(r io.Reader, fn func(line string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return errors.Wrap(scanner.Err(), "failed reading input")
}

func main() {
	defer klog.Flush()
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
