// Package solver only holds the version of the set of tools that turn math word problems into solutions.
//
// The main sub-packages are:
//
//   - tokenizers: formula-aware tokenizer and vocabulary handling.
//   - batching: length-bucketed padded batches for training.
//   - models/seq2seq: the attention-based encoder-decoder.
//   - train: training, validation and checkpointing.
//   - inference: the Solve entry point used by GUI and CLI front-ends.
//   - hub: to download corpora, vocabularies and checkpoints from HuggingFace Hub.
package solver

// Version of the library.
// Manually kept in sync with project releases.
var Version = "v0.0.0-dev"
