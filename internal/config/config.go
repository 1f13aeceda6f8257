// Package config handles peermail configuration loading and validation.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure for peermail.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Network settings for the messaging client.
	Network NetworkConfig `yaml:"network" mapstructure:"network"`

	// Bridge settings for email-style recipient addressing.
	Bridge BridgeConfig `yaml:"bridge" mapstructure:"bridge"`

	// Sync settings for the reconciliation store.
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Readiness settings for the startup sequencer.
	Readiness ReadinessConfig `yaml:"readiness" mapstructure:"readiness"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`
}

// NetworkConfig contains settings for the local network client.
type NetworkConfig struct {
	// DBPath is the SQLite database file path used by the local client.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`

	// InboxID is the local account's inbox identifier.
	InboxID string `yaml:"inbox_id" mapstructure:"inbox_id"`

	// Address is the local account's chain address.
	Address string `yaml:"address" mapstructure:"address"`
}

// BridgeConfig contains email-bridge addressing settings.
type BridgeConfig struct {
	// Domain is the reserved bridge suffix for email-style recipients.
	Domain string `yaml:"domain" mapstructure:"domain"`
}

// SyncConfig contains reconciliation store tuning.
type SyncConfig struct {
	// BulkLoadParallelism bounds concurrent per-conversation prefetches.
	BulkLoadParallelism int `yaml:"bulk_load_parallelism" mapstructure:"bulk_load_parallelism"`

	// NegativeCacheTTL is how long a failed identity lookup is remembered.
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl" mapstructure:"negative_cache_ttl"`

	// SubscribeBuffer is the channel buffer size for live streams.
	SubscribeBuffer int `yaml:"subscribe_buffer" mapstructure:"subscribe_buffer"`
}

// ReadinessConfig contains startup sequencer tuning.
type ReadinessConfig struct {
	// StallThreshold is how long a phase may run before it is flagged slow.
	StallThreshold time.Duration `yaml:"stall_threshold" mapstructure:"stall_threshold"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Network: NetworkConfig{
			DBPath: "peermail.db",
		},
		Bridge: BridgeConfig{
			Domain: "xmtp.mx",
		},
		Sync: SyncConfig{
			BulkLoadParallelism: 8,
			NegativeCacheTTL:    30 * time.Second,
			SubscribeBuffer:     256,
		},
		Readiness: ReadinessConfig{
			StallThreshold: 10 * time.Second,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}
	if c.Bridge.Domain == "" {
		return fmt.Errorf("bridge domain is required")
	}
	if c.Sync.BulkLoadParallelism <= 0 {
		return fmt.Errorf("bulk load parallelism must be positive")
	}
	if c.Sync.SubscribeBuffer <= 0 {
		return fmt.Errorf("subscribe buffer must be positive")
	}
	if c.Sync.NegativeCacheTTL < 0 {
		return fmt.Errorf("negative cache TTL must not be negative")
	}
	if c.Readiness.StallThreshold <= 0 {
		return fmt.Errorf("stall threshold must be positive")
	}
	return nil
}
