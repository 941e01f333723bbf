// Package config loads the pipeline configuration from the
// environment, with an optional HashiCorp Vault KV v2 source for
// secrets (database DSN, broker credentials).
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the full configuration surface of the pipeline binaries.
type Config struct {
	RelayURL        string
	DatabaseURL     string
	PoolSize        int
	PLCDirectoryURL string

	BackfillDays       int
	BackfillBatchSize  int
	BackfillBatchDelay int // milliseconds
	MaxMemoryMB        int

	MaxConcurrentUserCreations int
	MaxRetryAttempts           int
	CursorSaveIntervalSec      int

	NATSURL string

	VaultAddr       string
	VaultToken      string
	VaultSecretPath string

	OTLPEndpoint string
	LogLevel     string
}

// Load reads configuration from the environment, resolves secrets from
// Vault when configured, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		RelayURL:        getEnv("RELAY_URL", "wss://bsky.network"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		PLCDirectoryURL: getEnv("PLC_DIRECTORY_URL", "https://plc.directory"),
		NATSURL:         getEnv("NATS_URL", "nats://localhost:4222"),
		VaultAddr:       os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultSecretPath: os.Getenv("VAULT_SECRET_PATH"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.PoolSize, err = getEnvInt("DB_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.BackfillDays, err = getEnvInt("BACKFILL_DAYS", 0); err != nil {
		return nil, err
	}
	if cfg.BackfillBatchSize, err = getEnvInt("BACKFILL_BATCH_SIZE", 5); err != nil {
		return nil, err
	}
	if cfg.BackfillBatchDelay, err = getEnvInt("BACKFILL_BATCH_DELAY_MS", 2000); err != nil {
		return nil, err
	}
	if cfg.MaxMemoryMB, err = getEnvInt("MAX_MEMORY_MB", 512); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentUserCreations, err = getEnvInt("MAX_CONCURRENT_USER_CREATIONS", 10); err != nil {
		return nil, err
	}
	if cfg.MaxRetryAttempts, err = getEnvInt("MAX_RETRY_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.CursorSaveIntervalSec, err = getEnvInt("CURSOR_SAVE_INTERVAL_SEC", 5); err != nil {
		return nil, err
	}

	if cfg.VaultAddr != "" {
		if err := cfg.loadSecrets(); err != nil {
			return nil, err
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required (env or vault)")
	}
	if cfg.PoolSize < 1 {
		return nil, fmt.Errorf("DB_POOL_SIZE must be positive, got %d", cfg.PoolSize)
	}
	if cfg.BackfillDays < -1 {
		return nil, fmt.Errorf("BACKFILL_DAYS must be -1, 0, or positive, got %d", cfg.BackfillDays)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}
