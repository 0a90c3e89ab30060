// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads the immutable runtime configuration of medrag.
//
// Configuration is read once from an optional TOML file, overlaid with
// MEDRAG_* environment variables and validated. The resulting Config is a
// plain value: callers receive copies and there are no setters.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/poiesic/medrag/ai"
)

// DefaultBingEndpoint is the Bing Web Search v7 endpoint.
const DefaultBingEndpoint = "https://api.bing.microsoft.com/v7.0/search"

// Duration is a time.Duration that reads TOML strings such as "30s".
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type AIConfig struct {
	EmbeddingHost      string  `toml:"embedding_host"`
	EmbeddingModel     string  `toml:"embedding_model"`
	ChatHost           string  `toml:"chat_host"`
	ChatModel          string  `toml:"chat_model"`
	APIKey             string  `toml:"api_key"`
	Temperature        float64 `toml:"temperature"`
	RewriteTemperature float64 `toml:"rewrite_temperature"`
}

type StorageConfig struct {
	Path     string `toml:"path"`
	InMemory bool   `toml:"in_memory"`
}

type IngestionConfig struct {
	MaxChunkChars int      `toml:"max_chunk_chars"`
	ChunkSize     int      `toml:"chunk_size"`
	ChunkOverlap  int      `toml:"chunk_overlap"`
	BatchSize     int      `toml:"batch_size"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	RetryDelay    Duration `toml:"retry_delay"`
}

type RetrievalConfig struct {
	TopK           int      `toml:"top_k"`
	MinVectorScore float64  `toml:"min_vector_score"`
	MaxRetries     int      `toml:"max_retries"`
	RetryDelay     Duration `toml:"retry_delay"`
}

type FusionConfig struct {
	VectorWeight  float64 `toml:"vector_weight"`
	LexicalWeight float64 `toml:"lexical_weight"`
	FinalK        int     `toml:"final_k"`
}

type FallbackConfig struct {
	Enabled       bool     `toml:"enabled"`
	Threshold     float64  `toml:"threshold"`
	Timeout       Duration `toml:"timeout"`
	Endpoint      string   `toml:"endpoint"`
	APIKey        string   `toml:"api_key"`
	Count         int      `toml:"count"`
	Market        string   `toml:"market"`
	QuerySuffix   string   `toml:"query_suffix"`
	Weight        float64  `toml:"weight"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

type CacheConfig struct {
	Enabled     bool     `toml:"enabled"`
	TTL         Duration `toml:"ttl"`
	LockTimeout Duration `toml:"lock_timeout"`
}

type GenerationConfig struct {
	PromptBudget   int      `toml:"prompt_budget"`
	MaxRetries     int      `toml:"max_retries"`
	RetryDelay     Duration `toml:"retry_delay"`
	MaxSuggestions int      `toml:"max_suggestions"`
}

type OptimizerConfig struct {
	EnableRewrite   bool `toml:"enable_rewrite"`
	EnableNormalize bool `toml:"enable_normalize"`
	HistoryTurns    int  `toml:"history_turns"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	Mode string `toml:"mode"`
}

// Config is the complete runtime configuration.
type Config struct {
	AI         AIConfig         `toml:"ai"`
	Storage    StorageConfig    `toml:"storage"`
	Ingestion  IngestionConfig  `toml:"ingestion"`
	Retrieval  RetrievalConfig  `toml:"retrieval"`
	Fusion     FusionConfig     `toml:"fusion"`
	Fallback   FallbackConfig   `toml:"fallback"`
	Cache      CacheConfig      `toml:"cache"`
	Generation GenerationConfig `toml:"generation"`
	Optimizer  OptimizerConfig  `toml:"optimizer"`
	Server     ServerConfig     `toml:"server"`
}

// Default returns the built-in configuration.
func Default() Config {
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	return Config{
		AI: AIConfig{
			EmbeddingHost:      "http://localhost:11434/v1",
			EmbeddingModel:     "bge-m3",
			ChatHost:           "http://localhost:11434/v1",
			ChatModel:          "qwen2.5:7b",
			APIKey:             "none",
			Temperature:        0.3,
			RewriteTemperature: 0.1,
		},
		Storage: StorageConfig{
			Path: "./data/medrag",
		},
		Ingestion: IngestionConfig{
			MaxChunkChars: 6000,
			ChunkSize:     500,
			ChunkOverlap:  50,
			BatchSize:     32,
			PoolSize:      poolSize,
			MaxRetries:    3,
			RetryDelay:    Duration(time.Second),
		},
		Retrieval: RetrievalConfig{
			TopK:           10,
			MinVectorScore: 0.1,
			MaxRetries:     3,
			RetryDelay:     Duration(200 * time.Millisecond),
		},
		Fusion: FusionConfig{
			VectorWeight:  0.6,
			LexicalWeight: 0.4,
			FinalK:        3,
		},
		Fallback: FallbackConfig{
			Enabled:       true,
			Threshold:     0.3,
			Timeout:       Duration(10 * time.Second),
			Endpoint:      DefaultBingEndpoint,
			Count:         3,
			Market:        "zh-CN",
			QuerySuffix:   " 医疗健康",
			Weight:        0.1,
			RatePerSecond: 2,
			Burst:         2,
		},
		Cache: CacheConfig{
			Enabled:     true,
			TTL:         Duration(time.Hour),
			LockTimeout: Duration(30 * time.Second),
		},
		Generation: GenerationConfig{
			PromptBudget:   6000,
			MaxRetries:     3,
			RetryDelay:     Duration(500 * time.Millisecond),
			MaxSuggestions: 5,
		},
		Optimizer: OptimizerConfig{
			EnableRewrite:   true,
			EnableNormalize: true,
			HistoryTurns:    6,
		},
		Server: ServerConfig{
			Addr: ":8080",
			Mode: "release",
		},
	}
}

// Load reads the TOML file at path on top of Default, applies the
// environment overlay and validates the result. An empty path skips the
// file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML data on top of Default without touching the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment variables read by Load.
const (
	EnvEmbeddingHost = "MEDRAG_EMBEDDING_HOST"
	EnvChatHost      = "MEDRAG_CHAT_HOST"
	EnvAPIKey        = "MEDRAG_API_KEY"
	EnvBingAPIKey    = "MEDRAG_BING_API_KEY"
	EnvStoragePath   = "MEDRAG_STORAGE_PATH"
	EnvServerAddr    = "MEDRAG_SERVER_ADDR"
)

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overlay := []struct {
		key string
		dst *string
	}{
		{EnvEmbeddingHost, &c.AI.EmbeddingHost},
		{EnvChatHost, &c.AI.ChatHost},
		{EnvAPIKey, &c.AI.APIKey},
		{EnvBingAPIKey, &c.Fallback.APIKey},
		{EnvStoragePath, &c.Storage.Path},
		{EnvServerAddr, &c.Server.Addr},
	}
	for _, o := range overlay {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// Validate checks every section and joins all problems into one error.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if err := c.ProviderConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	check(c.Storage.InMemory || c.Storage.Path != "", "storage.path is required unless storage.in_memory is set")

	check(c.Ingestion.MaxChunkChars > 0, "ingestion.max_chunk_chars must be positive")
	check(c.Ingestion.ChunkSize > 0, "ingestion.chunk_size must be positive")
	check(c.Ingestion.ChunkOverlap >= 0 && c.Ingestion.ChunkOverlap < c.Ingestion.ChunkSize,
		"ingestion.chunk_overlap must be in [0, chunk_size)")
	check(c.Ingestion.BatchSize > 0, "ingestion.batch_size must be positive")
	check(c.Ingestion.PoolSize > 0, "ingestion.pool_size must be positive")
	check(c.Ingestion.MaxRetries > 0, "ingestion.max_retries must be positive")

	check(c.Retrieval.TopK > 0, "retrieval.top_k must be positive")
	check(c.Retrieval.MinVectorScore >= 0 && c.Retrieval.MinVectorScore <= 1, "retrieval.min_vector_score must be in [0, 1]")
	check(c.Retrieval.MaxRetries > 0, "retrieval.max_retries must be positive")

	check(c.Fusion.VectorWeight >= 0 && c.Fusion.LexicalWeight >= 0, "fusion weights must not be negative")
	check(c.Fusion.VectorWeight+c.Fusion.LexicalWeight > 0, "fusion weights must not both be zero")
	check(c.Fusion.FinalK > 0 && c.Fusion.FinalK <= c.Retrieval.TopK, "fusion.final_k must be in [1, retrieval.top_k]")

	check(c.Fallback.Threshold >= 0 && c.Fallback.Threshold <= 1, "fallback.threshold must be in [0, 1]")
	check(c.Fallback.Timeout > 0, "fallback.timeout must be positive")
	check(c.Fallback.Count > 0, "fallback.count must be positive")
	check(c.Fallback.Weight >= 0 && c.Fallback.Weight <= 1, "fallback.weight must be in [0, 1]")
	check(c.Fallback.RatePerSecond > 0 && c.Fallback.Burst > 0, "fallback rate limit must be positive")

	check(c.Cache.TTL > 0, "cache.ttl must be positive")
	check(c.Cache.LockTimeout > 0, "cache.lock_timeout must be positive")

	check(c.Generation.PromptBudget > 0, "generation.prompt_budget must be positive")
	check(c.Generation.MaxRetries > 0, "generation.max_retries must be positive")
	check(c.Generation.MaxSuggestions >= 0, "generation.max_suggestions must not be negative")

	check(c.Optimizer.HistoryTurns >= 0, "optimizer.history_turns must not be negative")

	check(c.Server.Addr != "", "server.addr is required")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ProviderConfig converts the ai section into an ai.Config.
func (c Config) ProviderConfig() *ai.Config {
	cfg := ai.NewConfig(
		ai.WithEmbeddingHost(c.AI.EmbeddingHost),
		ai.WithChatHost(c.AI.ChatHost),
		ai.WithEmbeddingModel(c.AI.EmbeddingModel),
		ai.WithChatModel(c.AI.ChatModel),
		ai.WithAPIKey(c.AI.APIKey),
		ai.WithTemperature(c.AI.Temperature),
	)
	cfg.Normalize()
	return cfg
}
