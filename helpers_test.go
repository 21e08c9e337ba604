package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// tinyConfig shrinks the model so gorgonia graphs build and run quickly.
func tinyConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.CorpusPath = filepath.Join(dir, "corpus.txt")
	cfg.VocabPath = filepath.Join(dir, "vocab.json")
	cfg.CheckpointPath = filepath.Join(dir, "Checkpoints", "model.gob")
	cfg.Window = 5
	cfg.Embed = 8
	cfg.Heads = 2
	cfg.Layers = 1
	cfg.LearningRate = 1e-2
	cfg.WeightDecay = 0
	cfg.StepCheckpointLoss = 0
	cfg.MaxEpochs = 1
	cfg.LogEvery = 1
	cfg.ProgressEvery = 1
	return cfg
}

// writeCorpus stores text as the corpus and its vocabulary next to it.
func writeCorpus(t *testing.T, cfg Config, text string) *Vocab {
	t.Helper()
	require.NoError(t, os.WriteFile(cfg.CorpusPath, []byte(text), 0644))
	vocab := BuildVocab([]byte(text))
	require.NoError(t, SaveVocab(cfg.VocabPath, vocab))
	return vocab
}
