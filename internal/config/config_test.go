package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestMergeYAMLFileOnlyOverridesSetFields(t *testing.T) {
	cfg := Defaults()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding_model: custom-model\n"), 0o644))

	require.NoError(t, mergeYAMLFile(cfg, path))

	assert.Equal(t, "custom-model", cfg.EmbeddingModel)
	assert.Equal(t, Defaults().ChunkSizeTokens, cfg.ChunkSizeTokens)
	assert.Equal(t, Defaults().SearchDefaults, cfg.SearchDefaults)
}

func TestMergeYAMLFileNestedField(t *testing.T) {
	cfg := Defaults()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_defaults:\n  top_k: 25\n"), 0o644))

	require.NoError(t, mergeYAMLFile(cfg, path))

	assert.Equal(t, 25, cfg.SearchDefaults.TopK)
	assert.Equal(t, Defaults().SearchDefaults.RRFK, cfg.SearchDefaults.RRFK)
}

func TestMergeNewDefaultsFillsZeroFieldsOnly(t *testing.T) {
	cfg := &Config{EmbeddingModel: "custom-model"}
	MergeNewDefaults(cfg, Defaults())

	assert.Equal(t, "custom-model", cfg.EmbeddingModel)
	assert.Equal(t, Defaults().ChunkSizeTokens, cfg.ChunkSizeTokens)
	assert.Equal(t, Defaults().GroupName, cfg.GroupName)
}

func TestValidateRejectsUnbalancedWeights(t *testing.T) {
	cfg := Defaults()
	cfg.SearchDefaults.VectorWeight = 0.9
	cfg.SearchDefaults.FTSWeight = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresUserAPIKey(t *testing.T) {
	cfg := Defaults()
	cfg.Users = map[string]UserConfig{"alice": {}}
	assert.Error(t, cfg.Validate())
}
