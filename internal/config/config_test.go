package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "bolt://localhost:7687", cfg.Graph.URI)
	assert.Equal(t, 5, cfg.Pipeline.MaxQueryRetries)
	assert.Equal(t, 3, cfg.Pipeline.MaxSufficiencyRounds)
	assert.Equal(t, 0.65, cfg.Pipeline.DecisionThreshold)
	assert.Equal(t, 4000, cfg.HMDB.DailyLimit)
	assert.Equal(t, time.Second, cfg.HMDB.BackoffBase)
	assert.Equal(t, "llama3.1", cfg.LLM.DefaultModel)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "service.yaml")
	content := []byte(`
server:
  addr: ":9090"
llm:
  default_model: qwen2.5
  models:
    entities: qwen2.5-coder
pipeline:
  max_query_retries: 7
hmdb:
  daily_limit: 100
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "qwen2.5", cfg.LLM.DefaultModel)
	assert.Equal(t, "qwen2.5-coder", cfg.LLM.Models["entities"])
	assert.Equal(t, 7, cfg.Pipeline.MaxQueryRetries)
	assert.Equal(t, 100, cfg.HMDB.DailyLimit)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Pipeline.MaxSufficiencyRounds)
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("NEO4J_PASSWORD", "s3cret")
	t.Setenv("HMDB_API_KEY", "key123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Graph.Password)
	assert.Equal(t, "key123", cfg.HMDB.APIKey)
}
