// Package config loads OpenAct's configuration from environment variables:
// flat os.Getenv + strconv, explicit defaults, no reflection-based binding.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Credential  CredentialConfig
	Retry       RetryConfig
	ClientPool  ClientPoolConfig
	OAuth2      OAuth2Config
	Cleanup     CleanupConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration for cmd/openact-api.
type ServerConfig struct {
	Address string
	Env     string
}

// DatabaseConfig holds the SQLite persistence configuration.
type DatabaseConfig struct {
	// URL is the SQLite data source, e.g. "file:openact.db?_busy_timeout=5000".
	URL string
}

// CredentialConfig holds Crypto Vault configuration.
type CredentialConfig struct {
	// MasterKey is the 64-hex-char (32-byte) master key. Required.
	MasterKey string
	UseKMS    bool
	KMSKeyID  string
	KMSRegion string
}

// RetryConfig holds the process-wide default retry policy, overridable per
// Connection and per Task.
type RetryConfig struct {
	MaxRetries        int
	BaseDelayMS       int
	MaxDelayMS        int
	BackoffMultiplier float64
	RespectRetryAfter bool
}

// ClientPoolConfig holds the HTTP client pool's capacity.
type ClientPoolConfig struct {
	Capacity int
}

// OAuth2Config holds OAuth2 runtime defaults.
type OAuth2Config struct {
	CheckpointTTLSeconds int
	TokenSkewSeconds     int
}

// CleanupConfig holds the checkpoint/revocation sweeper configuration.
type CleanupConfig struct {
	Schedule       string // cron expression, e.g. "@every 5m"
	CleanupRevoked bool
}

// ObservabilityConfig holds logging/metrics configuration.
type ObservabilityConfig struct {
	LogLevel string
	LogJSON  bool

	MetricsEnabled bool
	MetricsAddr    string
}

// Load reads configuration from environment variables, applying defaults
// for everything but the master key and database URL.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("OPENACT_HTTP_ADDR", ":8080"),
			Env:     getEnv("OPENACT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL: getEnv("OPENACT_DB_URL", ""),
		},
		Credential: CredentialConfig{
			MasterKey: getEnv("OPENACT_MASTER_KEY", ""),
			UseKMS:    getEnvAsBool("OPENACT_USE_KMS", false),
			KMSKeyID:  getEnv("OPENACT_KMS_KEY_ID", ""),
			KMSRegion: getEnvWithFallback("OPENACT_KMS_REGION", "AWS_REGION", "us-east-1"),
		},
		Retry: RetryConfig{
			MaxRetries:        getEnvAsInt("OPENACT_RETRY_MAX_RETRIES", 0),
			BaseDelayMS:       getEnvAsInt("OPENACT_RETRY_BASE_DELAY_MS", 500),
			MaxDelayMS:        getEnvAsInt("OPENACT_RETRY_MAX_DELAY_MS", 10_000),
			BackoffMultiplier: getEnvAsFloat("OPENACT_RETRY_BACKOFF_MULTIPLIER", 2.0),
			RespectRetryAfter: getEnvAsBool("OPENACT_RETRY_RESPECT_RETRY_AFTER", true),
		},
		ClientPool: ClientPoolConfig{
			Capacity: getEnvAsInt("OPENACT_CLIENT_POOL_CAPACITY", 64),
		},
		OAuth2: OAuth2Config{
			CheckpointTTLSeconds: getEnvAsInt("OPENACT_CHECKPOINT_TTL_SECONDS", 900),
			TokenSkewSeconds:     getEnvAsInt("OPENACT_TOKEN_SKEW_SECONDS", 60),
		},
		Cleanup: CleanupConfig{
			Schedule:       getEnv("OPENACT_CLEANUP_SCHEDULE", "@every 5m"),
			CleanupRevoked: getEnvAsBool("OPENACT_CLEANUP_REVOKED", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("OPENACT_LOG_LEVEL", "info"),
			LogJSON:        getEnvAsBool("OPENACT_LOG_JSON", true),
			MetricsEnabled: getEnvAsBool("OPENACT_METRICS_ENABLED", true),
			MetricsAddr:    getEnv("OPENACT_METRICS_ADDR", ":9090"),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvWithFallback gets an environment variable with a fallback to another
// env var, used for OPENACT_KMS_REGION falling back to the ambient AWS_REGION.
func getEnvWithFallback(key, fallbackKey, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := os.Getenv(fallbackKey); value != "" {
		return value
	}
	return defaultValue
}

// Redacted returns a log-safe summary of the config: secret fields are
// reduced to a present flag and length.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"server_address":  c.Server.Address,
		"env":             c.Server.Env,
		"db_url_present":  c.Database.URL != "",
		"master_key_set":  c.Credential.MasterKey != "",
		"master_key_len":  len(c.Credential.MasterKey),
		"use_kms":         c.Credential.UseKMS,
		"client_pool_cap": c.ClientPool.Capacity,
		"log_level":       strings.ToLower(c.Observability.LogLevel),
	}
}
