package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestPath(t *testing.T) {
	assert.Equal(t, "Checkpoints/onyx_model.yaml", ManifestPath("Checkpoints/onyx_model.gob"))
	assert.Equal(t, "model.yaml", ManifestPath("model"))
}

func TestManifestSaveLoad(t *testing.T) {
	cfg := tinyConfig(t)
	path := filepath.Join(t.TempDir(), "m.yaml")

	m := NewManifest(cfg, 9, sha256Hex([]byte("onyx")))
	m.Epoch = 3
	m.Loss = 0.125
	m.Trigger = "epoch"
	m.SavedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, SaveManifest(path, m))

	got, ok, err := LoadManifest(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, m.SavedAt.Equal(got.SavedAt))
	got.SavedAt = m.SavedAt
	assert.Equal(t, m, got)
	assert.NoError(t, got.Matches(cfg, 9))
}

func TestLoadManifestMissing(t *testing.T) {
	_, ok, err := LoadManifest(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManifestMatches(t *testing.T) {
	cfg := tinyConfig(t)
	m := NewManifest(cfg, 9, "")

	assert.ErrorIs(t, m.Matches(cfg, 10), ErrManifestMismatch)

	other := cfg
	other.Heads = 4
	err := m.Matches(other, 9)
	assert.ErrorIs(t, err, ErrManifestMismatch)
	assert.Contains(t, err.Error(), "heads")
}
