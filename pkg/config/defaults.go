package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/client/supervisor"
	"github.com/driftsync/driftsync/internal/server/store"
	"github.com/driftsync/driftsync/pkg/chunk"
	"github.com/driftsync/driftsync/pkg/wire"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyDatabaseDefaults(&cfg.Database)
	applyMetricsDefaults(&cfg.Metrics)
	cfg.API.ApplyDefaults()
	applyAuthDefaults(cfg)
	applyClientDefaults(&cfg.Client)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyDatabaseDefaults sets server store defaults.
func applyDatabaseDefaults(cfg *store.Config) {
	if cfg.Driver == "" {
		cfg.Driver = store.DriverSQLite
	}
	if cfg.DSN == "" && cfg.Driver == store.DriverSQLite {
		cfg.DSN = filepath.Join(getDataDir(), "server.db")
	}
}

// applyMetricsDefaults sets Prometheus metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyAuthDefaults(cfg *Config) {
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "driftsync"
	}
	if cfg.Auth.TokenDuration == 0 {
		cfg.Auth.TokenDuration = 30 * 24 * time.Hour
	}
}

// applyClientDefaults sets replica agent defaults. The sync timers
// mirror the server side so an unconfigured pair agrees on deadlines.
func applyClientDefaults(cfg *ClientConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = getDataDir()
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = supervisor.DefaultReconnectInterval
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = wire.DefaultHeartbeatInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = chunk.DefaultSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxApplyRetries == 0 {
		cfg.MaxApplyRetries = 3
	}
}

// GetDefaultConfig returns a configuration populated entirely from defaults.
func GetDefaultConfig() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}
