package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("AI_PROVIDER", "")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DATABASE_URL", "postgres://localhost/her")

	cfg := FromEnv()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "openai", cfg.AIProvider)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, 10, cfg.MaxContextMessages)
	assert.Equal(t, 30*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 10*time.Second, cfg.ToolTimeout)
	assert.Equal(t, 0.5, cfg.TypingDelayMin)
	assert.Equal(t, 2.0, cfg.TypingDelayMax)
	assert.Equal(t, 20, cfg.ShortTermMemoryLimit)
	assert.Equal(t, 0.7, cfg.LongTermMemoryThreshold)
	assert.Equal(t, time.Hour, cfg.MemoryConsolidationInterval)
	assert.Equal(t, "flat", cfg.RAGBackend)
	assert.Equal(t, "昆山", cfg.DefaultCity)
	assert.Equal(t, 8, cfg.MorningGreetingHour)
	assert.Equal(t, 22, cfg.NightGreetingHour)
	assert.Equal(t, 30*time.Minute, cfg.IdleThreshold)
	assert.True(t, cfg.ContentFilterEnabled)
	assert.False(t, cfg.PersistPersonalityAdaptation)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("AI_PROVIDER", "Zhipu")
	t.Setenv("ZHIPU_API_KEY", "zp-key")
	t.Setenv("RESPONSE_TIMEOUT", "45")
	t.Setenv("IDLE_THRESHOLD", "1h30m")
	t.Setenv("CONTENT_FILTER_ENABLED", "false")
	t.Setenv("MAX_CONTEXT_MESSAGES", "not-a-number")
	t.Setenv("LLM_MODEL", "glm-4-plus")

	cfg := FromEnv()
	assert.Equal(t, "zhipu", cfg.AIProvider)
	assert.Equal(t, "zp-key", cfg.APIKey)
	assert.Equal(t, 45*time.Second, cfg.ResponseTimeout)
	assert.Equal(t, 90*time.Minute, cfg.IdleThreshold)
	assert.False(t, cfg.ContentFilterEnabled)
	assert.Equal(t, 10, cfg.MaxContextMessages)
	assert.Equal(t, "glm-4-plus", cfg.ExtractionModel)
}

func TestValidate(t *testing.T) {
	base := Config{
		AIProvider:         "openai",
		APIKey:             "sk",
		DatabaseURL:        "postgres://localhost/her",
		TypingDelayMin:     0.5,
		TypingDelayMax:     2,
		EmbeddingDimension: 768,
		RAGBackend:         "flat",
		Timezone:           "Asia/Shanghai",
		NightGreetingHour:  22,
	}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"missing database": func(c *Config) { c.DatabaseURL = "" },
		"missing key":      func(c *Config) { c.APIKey = "" },
		"unknown provider": func(c *Config) { c.AIProvider = "acme" },
		"typing delay":     func(c *Config) { c.TypingDelayMin = 3 },
		"backend":          func(c *Config) { c.RAGBackend = "faiss" },
		"hour":             func(c *Config) { c.NightGreetingHour = 24 },
		"timezone":         func(c *Config) { c.Timezone = "Mars/Olympus" },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
