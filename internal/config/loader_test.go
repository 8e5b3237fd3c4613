package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"LLM_PROVIDER", "VECTOR_BACKEND", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.LLMClient.Provider)
	assert.Equal(t, VectorBackendMemory, cfg.Vector.Backend)
	assert.Equal(t, 1000, cfg.Cache.MaxEntries)
	assert.Equal(t, 0.2, cfg.Bandit.ExplorationBonus)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("VECTOR_BACKEND", "qdrant")
	t.Setenv("VECTOR_DIMENSIONS", "768")
	t.Setenv("CACHE_MAX_ENTRIES", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLMClient.Provider)
	assert.Equal(t, VectorBackendQdrant, cfg.Vector.Backend)
	assert.Equal(t, 768, cfg.Vector.Dimensions)
	assert.Equal(t, 250, cfg.Cache.MaxEntries)
}
