// Package config loads the anchoring node's process-level configuration
// (listen addresses, data directory, logging) from the environment, and
// the replicated/local anchoring configuration from YAML (see
// anchoring_config.go).
package config

import (
	"os"
	"strconv"
)

// Config holds process-level configuration for the anchoring node binary.
// It is read once at startup from the environment and is not part of the
// replicated state machine.
type Config struct {
	// DataDir is read from ANCHORING_DATA_DIR. cmd/anchoringd does not
	// consult it; the schema store is opened under the -home directory.
	DataDir string

	// ConfigPath is read from ANCHORING_CONFIG. cmd/anchoringd takes the
	// YAML AnchoringConfig + AnchoringNodeConfig path from its -config
	// flag and does not consult this field.
	ConfigPath string

	MetricsAddr string
	LogLevel    string

	// DatabaseURL, if set, enables the optional Postgres audit trail
	// (pkg/audit). Empty disables it; the node still functions without it.
	DatabaseURL      string
	DatabaseMaxConns int
	DatabaseMinConns int
}

// Load reads process configuration from the environment, applying the
// same defaults an operator would expect from a systemd unit or a
// docker-compose file.
func Load() *Config {
	return &Config{
		DataDir:          getEnv("ANCHORING_DATA_DIR", "./data"),
		ConfigPath:       getEnv("ANCHORING_CONFIG", "./anchoring.yaml"),
		MetricsAddr:      getEnv("ANCHORING_METRICS_ADDR", ":9090"),
		LogLevel:         getEnv("ANCHORING_LOG_LEVEL", "info"),
		DatabaseURL:      getEnv("ANCHORING_DATABASE_URL", ""),
		DatabaseMaxConns: getEnvInt("ANCHORING_DATABASE_MAX_CONNS", 10),
		DatabaseMinConns: getEnvInt("ANCHORING_DATABASE_MIN_CONNS", 1),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
