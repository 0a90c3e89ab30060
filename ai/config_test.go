package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "http://localhost:11434/v1", cfg.EmbeddingHost)
	assert.Equal(t, "http://localhost:11434/v1", cfg.ChatHost)
	assert.Equal(t, "bge-m3", cfg.EmbeddingModel)
	assert.Equal(t, "qwen2.5:7b", cfg.ChatModel)
	assert.Equal(t, "none", cfg.APIKey)
	assert.InDelta(t, 0.3, cfg.Temperature, 1e-9)
}

func TestNewConfig(t *testing.T) {
	t.Run("with no options", func(t *testing.T) {
		cfg := NewConfig()
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("with custom host", func(t *testing.T) {
		cfg := NewConfig(WithHost("http://custom:8080/v1"))

		assert.Equal(t, "http://custom:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "http://custom:8080/v1", cfg.ChatHost)
	})

	t.Run("with separate hosts", func(t *testing.T) {
		cfg := NewConfig(
			WithEmbeddingHost("http://embed:8080/v1"),
			WithChatHost("http://chat:9090/v1"),
		)

		assert.Equal(t, "http://embed:8080/v1", cfg.EmbeddingHost)
		assert.Equal(t, "http://chat:9090/v1", cfg.ChatHost)
	})

	t.Run("with custom models and key", func(t *testing.T) {
		cfg := NewConfig(
			WithEmbeddingModel("text-embedding-3-small"),
			WithChatModel("gpt-4o-mini"),
			WithAPIKey("sk-test"),
			WithTemperature(0.7),
		)

		assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
		assert.Equal(t, "gpt-4o-mini", cfg.ChatModel)
		assert.Equal(t, "sk-test", cfg.APIKey)
		assert.InDelta(t, 0.7, cfg.Temperature, 1e-9)
	})
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name string
		host string
		want string
	}{
		{"adds v1", "http://localhost:11434", "http://localhost:11434/v1"},
		{"trims slash", "http://localhost:11434/", "http://localhost:11434/v1"},
		{"keeps v1", "http://localhost:11434/v1", "http://localhost:11434/v1"},
		{"empty stays empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{EmbeddingHost: tt.host, ChatHost: tt.host}
			cfg.Normalize()
			assert.Equal(t, tt.want, cfg.EmbeddingHost)
			assert.Equal(t, tt.want, cfg.ChatHost)
			assert.Equal(t, "none", cfg.APIKey)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid default", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"missing embedding host", func(c *Config) { c.EmbeddingHost = "" }, "EmbeddingHost is required"},
		{"missing chat host", func(c *Config) { c.ChatHost = "" }, "ChatHost is required"},
		{"missing embedding model", func(c *Config) { c.EmbeddingModel = "" }, "EmbeddingModel is required"},
		{"missing chat model", func(c *Config) { c.ChatModel = "" }, "ChatModel is required"},
		{"temperature out of range", func(c *Config) { c.Temperature = 3 }, "Temperature must be between 0 and 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestApplyOptions(t *testing.T) {
	o := ApplyOptions()
	assert.Nil(t, o.Temperature)
	assert.False(t, o.JSONMode)

	o = ApplyOptions(WithCallTemperature(0.1), WithJSONMode(), WithMaxTokens(64))
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, 0.1, *o.Temperature, 1e-9)
	assert.True(t, o.JSONMode)
	assert.Equal(t, 64, o.MaxTokens)
}
