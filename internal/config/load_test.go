package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"), slog.Default())
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.Sync.TombstoneRetentionDays)
	assert.Equal(t, 10, cfg.Queue.MaxRetries)
	assert.Equal(t, 8192, cfg.Recovery.QuotaBytesPerItem)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[remote]
base_url = "https://blobs.example.com/v1"
timeout_seconds = 60

[queue]
max_retries = 5
backoff_base_seconds = 10

[recovery]
debounce_seconds = 7
state_file = "/tmp/state.json"

[logging]
level = "debug"
`)

	cfg, err := Load(path, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, "https://blobs.example.com/v1", cfg.Remote.BaseURL)
	assert.Equal(t, 60*time.Second, cfg.Remote.Timeout())
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Queue.BackoffPolicy().Base)
	assert.Equal(t, 7*time.Second, cfg.Recovery.Debounce())
	assert.Equal(t, "/tmp/state.json", cfg.Recovery.StateFile)

	// Untouched sections keep defaults.
	assert.Equal(t, 30, cfg.Sync.TombstoneRetentionDays)
	assert.Equal(t, 2.0, cfg.Queue.BackoffFactor)
}

func TestLoad_UnknownKeyFails(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
[sync]
tombstone_retention_dayz = 10
`)

	_, err := Load(path, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_ValidationFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
	}{
		{"zero retries", "[queue]\nmax_retries = 0\n"},
		{"tiny quota", "[recovery]\nquota_bytes_per_item = 10\n"},
		{"bad level", "[logging]\nlevel = \"verbose\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tc.content), slog.Default())
			assert.Error(t, err)
		})
	}
}

func TestResolvePaths(t *testing.T) {
	t.Parallel()

	paths := ResolvePaths("/data/sessionvault")

	assert.Equal(t, "/data/sessionvault/state.db", paths.StateDB)
	assert.Equal(t, "/data/sessionvault/keydata.json", paths.KeyData)
	assert.Equal(t, "/data/sessionvault/credentials.json", paths.Credentials)
	assert.Equal(t, "/data/sessionvault/recovery.db", paths.RecoveryKV)
	assert.Equal(t, "/data/sessionvault/device-id", paths.DeviceID)
}
