package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePrompts(t *testing.T, dir string) {
	t.Helper()
	for name, content := range map[string]string{
		ExtractionPromptFile:    "extract for {product_category}",
		ConsolidationPromptFile: "merge {taxonomy_a} {taxonomy_b}",
		RefinementPromptFile:    "refine",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)

	prompts, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Equal(t, "extract for {product_category}", prompts.Extraction)
	assert.Equal(t, "merge {taxonomy_a} {taxonomy_b}", prompts.Consolidation)
	assert.Equal(t, "refine", prompts.Refinement)
}

func TestLoadPromptsMissingFileFailsFast(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, ConsolidationPromptFile)))

	_, err := LoadPrompts(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ConsolidationPromptFile)
}

func TestLoadPromptsEmptyFileFailsFast(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, RefinementPromptFile), []byte("  \n"), 0o644))

	_, err := LoadPrompts(dir)
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.Processing.ProductsPerTaxonomyPrompt)
	assert.Equal(t, 20, cfg.Processing.TaxonomiesPerConsolidation)
	assert.Equal(t, 40, cfg.Processing.ProductsPerRefinement)
	assert.Equal(t, 500, cfg.Processing.MaxLLMCallsPerExecute)
	assert.Equal(t, 2, cfg.Processing.MaxAttemptsPerCall)
	assert.Equal(t, 42, cfg.Processing.BatchSeed)
	assert.Equal(t, "local", cfg.Storage.Backend)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)

	t.Setenv("PRODUCTS_PER_TAXONOMY_PROMPT", "10")
	t.Setenv("MAX_LLM_CALLS_PER_EXECUTE", "25")
	t.Setenv("LLM_MODEL", "custom-model")
	t.Setenv("LLM_TEMPERATURE", "0.7")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Processing.ProductsPerTaxonomyPrompt)
	assert.Equal(t, 25, cfg.Processing.MaxLLMCallsPerExecute)
	assert.Equal(t, "custom-model", cfg.LLM.Model)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 0.0001)
}

func TestLoadRejectsBadStorageBackend(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)
	t.Setenv("STORAGE_BACKEND", "ftp")

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadS3RequiresBucket(t *testing.T) {
	dir := t.TempDir()
	writePrompts(t, dir)
	t.Setenv("STORAGE_BACKEND", "s3")
	t.Setenv("STORAGE_S3_BUCKET", "")

	_, err := Load(dir)
	assert.Error(t, err)
}
