package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrManifestMismatch = errors.New("checkpoint manifest does not match config")

// Manifest is the YAML sidecar written next to every checkpoint.
type Manifest struct {
	Window    int `yaml:"window"`
	Embed     int `yaml:"embed"`
	Heads     int `yaml:"heads"`
	Layers    int `yaml:"layers"`
	VocabSize int `yaml:"vocab_size"`

	CorpusPath   string    `yaml:"corpus_path"`
	CorpusSHA256 string    `yaml:"corpus_sha256"`
	Epoch        int       `yaml:"epoch"`
	Loss         float64   `yaml:"loss"`
	Trigger      string    `yaml:"trigger"`
	SavedAt      time.Time `yaml:"saved_at"`

	History []EpochMetrics `yaml:"history,omitempty"`
}

// EpochMetrics summarises one completed sliding pass of this run.
type EpochMetrics struct {
	Epoch   int     `yaml:"epoch"`
	AvgLoss float64 `yaml:"avg_loss"`
	MinLoss float64 `yaml:"min_loss"`
	MaxLoss float64 `yaml:"max_loss"`
	Seconds float64 `yaml:"seconds"`
}

// ManifestPath maps Checkpoints/onyx_model.gob to Checkpoints/onyx_model.yaml.
func ManifestPath(checkpointPath string) string {
	return strings.TrimSuffix(checkpointPath, filepath.Ext(checkpointPath)) + ".yaml"
}

func NewManifest(cfg Config, vocab int, corpusSum string) Manifest {
	return Manifest{
		Window:       cfg.Window,
		Embed:        cfg.Embed,
		Heads:        cfg.Heads,
		Layers:       cfg.Layers,
		VocabSize:    vocab,
		CorpusPath:   cfg.CorpusPath,
		CorpusSHA256: corpusSum,
	}
}

// Matches reports an ErrManifestMismatch naming the first differing field.
func (m Manifest) Matches(cfg Config, vocab int) error {
	check := []struct {
		field     string
		got, want int
	}{
		{"window", m.Window, cfg.Window},
		{"embed", m.Embed, cfg.Embed},
		{"heads", m.Heads, cfg.Heads},
		{"layers", m.Layers, cfg.Layers},
		{"vocab_size", m.VocabSize, vocab},
	}
	for _, c := range check {
		if c.got != c.want {
			return fmt.Errorf("%w: %s is %d, config has %d", ErrManifestMismatch, c.field, c.got, c.want)
		}
	}
	return nil
}

func SaveManifest(path string, m Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest returns ok=false when no manifest exists.
func LoadManifest(path string) (m Manifest, ok bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, true, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
