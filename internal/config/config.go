// Package config implements TOML configuration loading, defaults, and
// platform-specific path resolution for sessionvault.
package config

import "time"

// Config is the top-level configuration structure.
type Config struct {
	Remote   RemoteConfig   `toml:"remote"`
	Sync     SyncConfig     `toml:"sync"`
	Queue    QueueConfig    `toml:"queue"`
	Recovery RecoveryConfig `toml:"recovery"`
	Logging  LoggingConfig  `toml:"logging"`
}

// RemoteConfig points at the file-blob provider.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	TombstoneRetentionDays int `toml:"tombstone_retention_days"`
}

// QueueConfig tunes retry pacing for the durable operation queue.
type QueueConfig struct {
	BackoffBaseSeconds int     `toml:"backoff_base_seconds"`
	BackoffMaxSeconds  int     `toml:"backoff_max_seconds"`
	BackoffFactor      float64 `toml:"backoff_factor"`
	JitterFraction     float64 `toml:"jitter_fraction"`
	MaxRetries         int     `toml:"max_retries"`
}

// RecoveryConfig tunes the snapshot service and its triggers.
type RecoveryConfig struct {
	DebounceSeconds   int    `toml:"debounce_seconds"`
	MaxLocalSnaps     int    `toml:"max_local_snapshots"`
	MaxChunks         int    `toml:"max_chunks"`
	QuotaBytesPerItem int    `toml:"quota_bytes_per_item"`
	StateFile         string `toml:"state_file"`   // extension's exported state
	CommandFile       string `toml:"command_file"` // restore commands for the extension
	FeedAddr          string `toml:"feed_addr"`    // websocket event feed listen address
}

// LoggingConfig is the [logging] section. Load validates Level; the CLI
// logger does not read either field.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// DefaultConfig returns the built-in defaults applied before any file
// is read.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			TombstoneRetentionDays: 30,
		},
		Queue: QueueConfig{
			BackoffBaseSeconds: 30,
			BackoffMaxSeconds:  3600,
			BackoffFactor:      2.0,
			JitterFraction:     0.25,
			MaxRetries:         10,
		},
		Recovery: RecoveryConfig{
			DebounceSeconds:   3,
			MaxLocalSnaps:     5,
			MaxChunks:         100,
			QuotaBytesPerItem: 8192,
			FeedAddr:          "127.0.0.1:48632",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Timeout returns the remote request timeout as a duration.
func (c *RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Debounce returns the snapshot debounce window as a duration.
func (c *RecoveryConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// TombstoneRetention returns the retention window as a duration.
func (c *SyncConfig) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneRetentionDays) * 24 * time.Hour
}
