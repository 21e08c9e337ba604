package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 256, cfg.Window)
	assert.Equal(t, 64, cfg.HeadDim())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no corpus path", func(c *Config) { c.CorpusPath = "" }},
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"zero layers", func(c *Config) { c.Layers = 0 }},
		{"heads do not divide embed", func(c *Config) { c.Heads = 5 }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"negative max epochs", func(c *Config) { c.MaxEpochs = -1 }},
		{"negative step threshold", func(c *Config) { c.StepCheckpointLoss = -1 }},
		{"zero log interval", func(c *Config) { c.LogEvery = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
