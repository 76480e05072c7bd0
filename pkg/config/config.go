// Package config loads engine configuration from the environment and
// prompt templates from the configuration directory.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the umbrella configuration object returned by Load and passed
// through the wiring in main.
type Config struct {
	LLM        LLMConfig
	RateLimit  RateLimitConfig
	Processing ProcessingConfig
	Storage    StorageConfig
	Prompts    *Prompts
}

// LLMConfig is the provider snapshot recorded on every run.
type LLMConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
	APIKey      string
	BaseURL     string
}

// RateLimitConfig bounds the process-wide LLM gateway.
type RateLimitConfig struct {
	MaxRequestsPerMinute     int
	MaxInputTokensPerMinute  int
	MaxOutputTokensPerMinute int
	MaxConcurrentRequests    int
	ModelMaxTokens           int
}

// ProcessingConfig holds per-stage batch sizes and call budgets.
type ProcessingConfig struct {
	ProductsPerTaxonomyPrompt  int
	TaxonomiesPerConsolidation int
	ProductsPerRefinement      int
	MaxLLMCallsPerExecute      int
	MaxAttemptsPerCall         int
	BatchSeed                  int
}

// StorageConfig selects and parameterises the blob-store backend.
type StorageConfig struct {
	// Backend is "local" or "s3".
	Backend string
	// Root is the local filesystem root (Backend=local).
	Root string
	// S3 settings (Backend=s3).
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// Load reads all configuration from the environment and loads prompt
// templates from configDir. Missing prompt files fail fast.
func Load(configDir string) (*Config, error) {
	prompts, err := LoadPrompts(configDir)
	if err != nil {
		return nil, err
	}

	temperature, err := envFloat("LLM_TEMPERATURE", 0.2)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LLM: LLMConfig{
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			Temperature: temperature,
			MaxTokens:   envInt("LLM_MAX_TOKENS", 4096),
			APIKey:      os.Getenv("LLM_API_KEY"),
			BaseURL:     os.Getenv("LLM_BASE_URL"),
		},
		RateLimit: RateLimitConfig{
			MaxRequestsPerMinute:     envInt("MAX_REQUESTS_PER_MINUTE", 3000),
			MaxInputTokensPerMinute:  envInt("MAX_INPUT_TOKENS_PER_MINUTE", 120000),
			MaxOutputTokensPerMinute: envInt("MAX_OUTPUT_TOKENS_PER_MINUTE", 120000),
			MaxConcurrentRequests:    envInt("MAX_CONCURRENT_REQUESTS", 100),
			ModelMaxTokens:           envInt("LLM_MAX_TOKENS", 4096),
		},
		Processing: ProcessingConfig{
			ProductsPerTaxonomyPrompt:  envInt("PRODUCTS_PER_TAXONOMY_PROMPT", 40),
			TaxonomiesPerConsolidation: envInt("TAXONOMIES_PER_CONSOLIDATION", 20),
			ProductsPerRefinement:      envInt("PRODUCTS_PER_REFINEMENT", 40),
			MaxLLMCallsPerExecute:      envInt("MAX_LLM_CALLS_PER_EXECUTE", 500),
			MaxAttemptsPerCall:         envInt("MAX_ATTEMPTS_PER_CALL", 2),
			BatchSeed:                  envInt("BATCH_SEED", 42),
		},
		Storage: StorageConfig{
			Backend:        getEnv("STORAGE_BACKEND", "local"),
			Root:           getEnv("STORAGE_ROOT", "./llm_logs"),
			S3Bucket:       os.Getenv("STORAGE_S3_BUCKET"),
			S3Region:       getEnv("STORAGE_S3_REGION", "us-east-1"),
			S3Endpoint:     os.Getenv("STORAGE_S3_ENDPOINT"),
			S3Prefix:       os.Getenv("STORAGE_S3_PREFIX"),
			S3AccessKey:    os.Getenv("STORAGE_S3_ACCESS_KEY"),
			S3SecretKey:    os.Getenv("STORAGE_S3_SECRET_KEY"),
			S3UsePathStyle: getEnv("STORAGE_S3_PATH_STYLE", "false") == "true",
		},
		Prompts: prompts,
	}

	if cfg.Storage.Backend != "local" && cfg.Storage.Backend != "s3" {
		return nil, fmt.Errorf("invalid STORAGE_BACKEND %q: must be local or s3", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.S3Bucket == "" {
		return nil, fmt.Errorf("STORAGE_S3_BUCKET is required when STORAGE_BACKEND=s3")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func envFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return f, nil
}
