package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
// Supports environment variables with sensible defaults.
//
// Environment Variables:
// LLM Configuration:
// - LLM_API_KEY: API key for the LLM provider (required)
// - LLM_API_URL: API endpoint URL (default: https://openrouter.ai/api/v1)
// - LLM_MODEL: Model name to use (default: openai/gpt-3.5-turbo)
// - LLM_MAX_TOKENS: Maximum tokens for responses (default: 8000)
// - LLM_TEMPERATURE: Temperature for responses (default: 0.7)
// - LLM_TIMEOUT: Request timeout in seconds (default: 120)
// - LLM_SITE_URL: Site URL for HTTP referer header (optional)
// - LLM_APP_NAME: Application name for X-Title header (optional)
//
// Dispatch Configuration:
// - WORKER_COUNT: concurrent provider calls per job (default: 4)
// - MAX_ATTEMPTS: provider calls per segment before it fails (default: 3)
// - BACKOFF_BASE_MS: first retry delay in milliseconds (default: 500)
// - BACKOFF_CAP_MS: maximum retry delay in milliseconds (default: 30000)
// - CLAIM_BATCH: segments claimed per store round trip, capped at WORKER_COUNT (default: WORKER_COUNT)
//
// Service Configuration:
// - DATA_DIR: directory holding the sqlite database (default: ./data)
// - HTTP_ADDR: HTTP API listen address (default: :8080)
// - STALE_AFTER_MIN: minutes before an idle inflight segment is re-pended (default: 10)
// - MAINTENANCE_CRON: stale sweep schedule (default: */5 * * * *)
// - MAX_SECTION_LEN: maximum translatable section length in bytes (default: 5000)

type Config struct {
	LLM      LLMConfig      `json:"llm"`
	Dispatch DispatchConfig `json:"dispatch"`
	Service  ServiceConfig  `json:"service"`
}

// LLMConfig holds the configuration for the LLM client.
// Supports any OpenAI-compatible provider.
type LLMConfig struct {
	APIKey      string  `json:"api_key"`
	APIURL      string  `json:"api_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
	SiteURL     string  `json:"site_url"`
	AppName     string  `json:"app_name"`
}

// DispatchConfig bounds per-job concurrency and retries.
type DispatchConfig struct {
	WorkerCount   int `json:"worker_count"`
	MaxAttempts   int `json:"max_attempts"`
	BackoffBaseMS int `json:"backoff_base_ms"`
	BackoffCapMS  int `json:"backoff_cap_ms"`
	ClaimBatch    int `json:"claim_batch"`
}

func (c DispatchConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c DispatchConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapMS) * time.Millisecond
}

// ServiceConfig holds daemon-level settings.
type ServiceConfig struct {
	DataDir         string `json:"data_dir"`
	HTTPAddr        string `json:"http_addr"`
	StaleAfterMin   int    `json:"stale_after_min"`
	MaintenanceCron string `json:"maintenance_cron"`
	MaxSectionLen   int    `json:"max_section_len"`
}

func (c ServiceConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMin) * time.Minute
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		LLM: LLMConfig{
			APIKey:      getEnvString("LLM_API_KEY", ""),
			APIURL:      getEnvString("LLM_API_URL", "https://openrouter.ai/api/v1"),
			Model:       getEnvString("LLM_MODEL", "openai/gpt-3.5-turbo"),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 8000),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.7),
			Timeout:     getEnvInt("LLM_TIMEOUT", 120),
			SiteURL:     getEnvString("LLM_SITE_URL", ""),
			AppName:     getEnvString("LLM_APP_NAME", ""),
		},
		Dispatch: DispatchConfig{
			WorkerCount:   getEnvInt("WORKER_COUNT", 4),
			MaxAttempts:   getEnvInt("MAX_ATTEMPTS", 3),
			BackoffBaseMS: getEnvInt("BACKOFF_BASE_MS", 500),
			BackoffCapMS:  getEnvInt("BACKOFF_CAP_MS", 30000),
			ClaimBatch:    getEnvInt("CLAIM_BATCH", 0),
		},
		Service: ServiceConfig{
			DataDir:         getEnvString("DATA_DIR", "./data"),
			HTTPAddr:        getEnvString("HTTP_ADDR", ":8080"),
			StaleAfterMin:   getEnvInt("STALE_AFTER_MIN", 10),
			MaintenanceCron: getEnvString("MAINTENANCE_CRON", "*/5 * * * *"),
			MaxSectionLen:   getEnvInt("MAX_SECTION_LEN", 5000),
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.Dispatch.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float value from environment variables with default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
