package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Load reads a YAML configuration file on top of Default and then applies
// TINYCOMPACT_* environment overrides. A missing file is not an error.
func Load(log *zap.Logger, path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			log.Info("config file not found, using defaults", zap.String("path", path))
		case err != nil:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(log, &cfg)
	return cfg, nil
}

// applyEnv overrides settings from the environment.
func applyEnv(log *zap.Logger, cfg *Config) {
	cfg.Server.Port = getEnvString("TINYCOMPACT_PORT", cfg.Server.Port)
	cfg.Log.Level = getEnvString("TINYCOMPACT_LOG_LEVEL", cfg.Log.Level)

	cfg.Store.Backend = getEnvString("TINYCOMPACT_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Endpoint = getEnvString("TINYCOMPACT_STORE_ENDPOINT", cfg.Store.Endpoint)
	cfg.Store.Region = getEnvString("TINYCOMPACT_STORE_REGION", cfg.Store.Region)
	cfg.Store.Root = getEnvString("TINYCOMPACT_STORE_ROOT", cfg.Store.Root)
	cfg.Store.AccessKey = getEnvString("AWS_ACCESS_KEY_ID", cfg.Store.AccessKey)
	cfg.Store.SecretKey = getEnvString("AWS_SECRET_ACCESS_KEY", cfg.Store.SecretKey)
	cfg.Store.AccessKey = getEnvString("TINYCOMPACT_STORE_ACCESS_KEY", cfg.Store.AccessKey)
	cfg.Store.SecretKey = getEnvString("TINYCOMPACT_STORE_SECRET_KEY", cfg.Store.SecretKey)

	cfg.Ledger.Backend = getEnvString("TINYCOMPACT_LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.Path = getEnvString("TINYCOMPACT_LEDGER_PATH", cfg.Ledger.Path)
	cfg.Ledger.MaxMemoryMB = getEnvInt64(log, "TINYCOMPACT_MAX_MEMORY_MB", cfg.Ledger.MaxMemoryMB)

	cfg.Compaction.Mode = getEnvString("TINYCOMPACT_MODE", cfg.Compaction.Mode)
	cfg.Compaction.MaxConcurrency = int(getEnvInt64(log, "TINYCOMPACT_MAX_CONCURRENCY", int64(cfg.Compaction.MaxConcurrency)))
	cfg.Compaction.ScratchDir = getEnvString("TINYCOMPACT_SCRATCH_DIR", cfg.Compaction.ScratchDir)
	cfg.Compaction.ScratchCeilingMB = getEnvInt64(log, "TINYCOMPACT_SCRATCH_CEILING_MB", cfg.Compaction.ScratchCeilingMB)
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(log *zap.Logger, key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Warn("invalid integer in environment, using default",
			zap.String("key", key), zap.String("value", val), zap.Int64("default", defaultValue))
	}
	return defaultValue
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
