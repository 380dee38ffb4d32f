package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// ValidateForProduction validates that configuration is suitable for
// production use: a real master key (or KMS), a configured database, and
// the environment flag itself.
func ValidateForProduction(cfg *Config) error {
	var errs []string

	if cfg.Server.Env != "production" {
		errs = append(errs, fmt.Sprintf("OPENACT_ENV must be 'production' in production deployment, got: %s", cfg.Server.Env))
	}

	if err := validateCredential(cfg); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.Database.URL == "" {
		errs = append(errs, "OPENACT_DB_URL must be configured")
	}

	logProductionWarnings(cfg)

	if len(errs) > 0 {
		return fmt.Errorf("production configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	slog.Info("production configuration validated successfully")
	return nil
}

func validateCredential(cfg *Config) error {
	if cfg.Credential.UseKMS {
		if cfg.Credential.KMSKeyID == "" {
			return fmt.Errorf("KMS is enabled but OPENACT_KMS_KEY_ID is not configured")
		}
		return nil
	}

	if cfg.Credential.MasterKey == "" {
		return fmt.Errorf("OPENACT_MASTER_KEY must be configured when KMS is not used")
	}

	raw, err := hex.DecodeString(cfg.Credential.MasterKey)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("OPENACT_MASTER_KEY must be exactly 64 hex characters (32 bytes), got %d chars", len(cfg.Credential.MasterKey))
	}

	if isAllSameByte(raw) {
		return fmt.Errorf("OPENACT_MASTER_KEY is degenerate (all-zero or all-same byte) - must use a strong random key")
	}

	return nil
}

func isAllSameByte(b []byte) bool {
	if len(b) == 0 {
		return true
	}
	for _, v := range b {
		if v != b[0] {
			return false
		}
	}
	return true
}

func logProductionWarnings(cfg *Config) {
	if !cfg.Observability.MetricsEnabled {
		slog.Warn("metrics collection is disabled - consider enabling for production monitoring")
	}
	if cfg.Retry.MaxRetries == 0 {
		slog.Warn("default retry policy has max_retries=0 - individual Connections/Tasks may still opt in")
	}
	if cfg.Cleanup.Schedule == "" {
		slog.Warn("cleanup schedule is empty - expired run_checkpoints will accumulate")
	}
}
