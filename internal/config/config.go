// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config reads the proxy's runtime configuration: env-first, with
// a YAML model catalog for the per-model settings that don't fit a flat
// variable. The catalog is the only source of models, so it is required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Dialect identifies a request/response JSON family for a model.
type Dialect string

const (
	DialectOpenAI    Dialect = "openai"
	DialectAnthropic Dialect = "anthropic"
	DialectGemini    Dialect = "gemini"
)

// ModelConfig is the immutable, startup-loaded description of one routable model.
type ModelConfig struct {
	Name               string  `yaml:"name"`
	Dialect            Dialect `yaml:"dialect"`
	DeploymentID       string  `yaml:"deployment_id"`
	SupportsStreaming  bool    `yaml:"supports_streaming"`
	SupportsVision     bool    `yaml:"supports_vision"`
	DefaultMaxTokens   int     `yaml:"default_max_tokens"`
	DirectAPIKeyEnvVar string  `yaml:"direct_api_key_env_var"`
}

// catalogFile is the shape of the YAML model catalog.
type catalogFile struct {
	Models []ModelConfig `yaml:"models"`
}

// Config is the fully-resolved, process-lifetime configuration.
type Config struct {
	// Upstream credential broker settings.
	AuthURL      string
	ClientID     string
	ClientSecret string
	// BaseURL is the upstream base URL shared by the catalog and inference endpoints.
	BaseURL string

	Models []ModelConfig

	MaxMessagesPerRequest int
	MaxContentLength      int
	MaxRequestSize        int64

	RateLimitMaxRetries      int
	RateLimitBaseDelay       time.Duration
	RateLimitMaxDelay        time.Duration
	RateLimitExponentialBase float64
	RateLimitJitterFactor    float64

	DeploymentCacheTTL time.Duration
	CredentialSkew     time.Duration

	StreamingDebug bool

	IPRateLimitRPS   float64
	IPRateLimitBurst int

	ListenAddr      string
	LocalAPIKeyFile string
}

// Load reads the configuration from the environment and the YAML model
// catalog whose path is given by AICORE_MODELS_FILE. It fails when the
// catalog yields no models.
func Load() (*Config, error) {
	cfg := &Config{
		AuthURL:      os.Getenv("AICORE_AUTH_URL"),
		ClientID:     os.Getenv("AICORE_CLIENT_ID"),
		ClientSecret: os.Getenv("AICORE_CLIENT_SECRET"),
		BaseURL:      os.Getenv("AICORE_BASE_URL"),

		MaxMessagesPerRequest: envInt("MAX_MESSAGES_PER_REQUEST", 100),
		MaxContentLength:      envInt("MAX_CONTENT_LENGTH", 100_000),
		MaxRequestSize:        envInt64("MAX_REQUEST_SIZE", 10<<20),

		RateLimitMaxRetries:      envInt("RATE_LIMIT_MAX_RETRIES", 3),
		RateLimitBaseDelay:       time.Duration(envInt("RATE_LIMIT_BASE_DELAY_MS", 500)) * time.Millisecond,
		RateLimitMaxDelay:        time.Duration(envInt("RATE_LIMIT_MAX_DELAY_MS", 30_000)) * time.Millisecond,
		RateLimitExponentialBase: envFloat("RATE_LIMIT_EXPONENTIAL_BASE", 2.0),
		RateLimitJitterFactor:    envFloat("RATE_LIMIT_JITTER_FACTOR", 0.2),

		DeploymentCacheTTL: time.Duration(envInt("DEPLOYMENT_CACHE_TTL_SECONDS", 300)) * time.Second,
		CredentialSkew:     time.Duration(envInt("CREDENTIAL_SKEW_SECONDS", 60)) * time.Second,

		StreamingDebug: os.Getenv("STREAMING_DEBUG") != "",

		IPRateLimitRPS:   envFloat("IP_RATE_LIMIT_RPS", 5),
		IPRateLimitBurst: envInt("IP_RATE_LIMIT_BURST", 20),

		ListenAddr:      envString("LISTEN_ADDR", ":8080"),
		LocalAPIKeyFile: envString("LOCAL_API_KEY_FILE", ".aicore-proxy-key"),
	}

	if path := os.Getenv("AICORE_MODELS_FILE"); path != "" {
		models, err := loadCatalogFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Models = models
	}

	// The credential broker needs a skew buffer of at least 60s.
	if cfg.CredentialSkew < 60*time.Second {
		cfg.CredentialSkew = 60 * time.Second
	}

	if cfg.AuthURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("config: AICORE_AUTH_URL, AICORE_CLIENT_ID and AICORE_CLIENT_SECRET are required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config: AICORE_BASE_URL is required")
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("config: no models configured; set AICORE_MODELS_FILE to a catalog yaml")
	}

	return cfg, nil
}

func loadCatalogFile(path string) ([]ModelConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading model catalog %s: %w", path, err)
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("config: parsing model catalog %s: %w", path, err)
	}
	for i := range parsed.Models {
		if parsed.Models[i].Dialect == "" {
			parsed.Models[i].Dialect = DialectOpenAI
		}
	}
	return parsed.Models, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}
