package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sessionvault/sessionvault/internal/store"
)

// Load reads and parses a TOML config file over the defaults. A missing
// file is not an error; the defaults apply unchanged. Unknown keys are
// fatal so typos never silently disable a setting.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no config file, using defaults", "path", path)
		return cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("config file parsed", "path", path)

	return cfg, nil
}

// validate rejects values the engine cannot work with.
func validate(cfg *Config) error {
	if cfg.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be >= 1, got %d", cfg.Queue.MaxRetries)
	}

	if cfg.Queue.BackoffFactor < 1 {
		return fmt.Errorf("queue.backoff_factor must be >= 1, got %g", cfg.Queue.BackoffFactor)
	}

	if cfg.Recovery.MaxChunks < 1 {
		return fmt.Errorf("recovery.max_chunks must be >= 1, got %d", cfg.Recovery.MaxChunks)
	}

	if cfg.Recovery.QuotaBytesPerItem < 512 {
		return fmt.Errorf("recovery.quota_bytes_per_item must be >= 512, got %d", cfg.Recovery.QuotaBytesPerItem)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}

	return nil
}

// BackoffPolicy converts the queue section into the store's policy type.
func (c *QueueConfig) BackoffPolicy() store.BackoffPolicy {
	return store.BackoffPolicy{
		Base:       time.Duration(c.BackoffBaseSeconds) * time.Second,
		Factor:     c.BackoffFactor,
		Max:        time.Duration(c.BackoffMaxSeconds) * time.Second,
		Jitter:     c.JitterFraction,
		MaxRetries: c.MaxRetries,
	}
}
