package main

import (
	"errors"
	"fmt"
)

// Config holds every path and hyperparameter used by the vocab, train and
// verify commands. The binary always runs with DefaultConfig; tests swap in
// temporary paths and tiny dimensions.
type Config struct {
	CorpusPath     string
	VocabPath      string
	CheckpointPath string

	Window int // context width in bytes
	Embed  int
	Heads  int
	Layers int

	LearningRate float64
	WeightDecay  float64

	// EpochLossThreshold stops training once a full sliding pass averages
	// below it.
	EpochLossThreshold float64
	// StepCheckpointLoss saves an extra checkpoint whenever a single step
	// drops below it. Training continues. Zero disables it.
	StepCheckpointLoss float64
	// MaxEpochs bounds the number of sliding passes. Zero means unbounded.
	MaxEpochs int

	LogEvery      int
	ProgressEvery int
}

func DefaultConfig() Config {
	return Config{
		CorpusPath:     "Pure_Logic/image_logic_01.txt",
		VocabPath:      "Onyx_Vocab.json",
		CheckpointPath: "Checkpoints/onyx_model.gob",

		Window: 256,
		Embed:  384,
		Heads:  6,
		Layers: 6,

		LearningRate: 1e-7,
		WeightDecay:  0.01,

		EpochLossThreshold: 1e-7,
		StepCheckpointLoss: 1e-8,
		MaxEpochs:          0,

		LogEvery:      500,
		ProgressEvery: 1000,
	}
}

// HeadDim is the width of a single attention head.
func (c Config) HeadDim() int {
	return c.Embed / c.Heads
}

func (c Config) Validate() error {
	switch {
	case c.CorpusPath == "" || c.VocabPath == "" || c.CheckpointPath == "":
		return errors.New("config: corpus, vocab and checkpoint paths are required")
	case c.Window <= 0:
		return fmt.Errorf("config: window must be positive, got %d", c.Window)
	case c.Embed <= 0 || c.Heads <= 0 || c.Layers <= 0:
		return fmt.Errorf("config: embed, heads and layers must be positive, got %d/%d/%d", c.Embed, c.Heads, c.Layers)
	case c.Embed%c.Heads != 0:
		return fmt.Errorf("config: embed %d is not divisible by heads %d", c.Embed, c.Heads)
	case c.LearningRate <= 0:
		return fmt.Errorf("config: learning rate must be positive, got %g", c.LearningRate)
	case c.WeightDecay < 0 || c.EpochLossThreshold < 0 || c.StepCheckpointLoss < 0 || c.MaxEpochs < 0:
		return errors.New("config: thresholds, weight decay and max epochs must not be negative")
	case c.LogEvery <= 0 || c.ProgressEvery <= 0:
		return errors.New("config: log intervals must be positive")
	}
	return nil
}
