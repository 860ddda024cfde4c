package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "sessionvault"

// ConfigFileName is the TOML file looked up in the config directory.
const ConfigFileName = "config.toml"

// DefaultConfigDir returns the platform-specific directory for config
// files. On Linux, respects XDG_CONFIG_HOME (defaults to
// ~/.config/sessionvault). On macOS, uses ~/Library/Application Support
// per Apple guidelines.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDir(home, "XDG_CONFIG_HOME", ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data: the state database, key files, the recovery KV, and the device id.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDir(home, "XDG_DATA_HOME", filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDir resolves an XDG base directory with its fallback.
func linuxDir(home, envVar, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// Paths bundles the resolved state-file locations under a data dir.
type Paths struct {
	DataDir     string
	StateDB     string
	RecoveryKV  string
	KeyData     string
	Credentials string
	DeviceID    string
}

// ResolvePaths lays the state files out under dataDir.
func ResolvePaths(dataDir string) Paths {
	return Paths{
		DataDir:     dataDir,
		StateDB:     filepath.Join(dataDir, "state.db"),
		RecoveryKV:  filepath.Join(dataDir, "recovery.db"),
		KeyData:     filepath.Join(dataDir, "keydata.json"),
		Credentials: filepath.Join(dataDir, "credentials.json"),
		DeviceID:    filepath.Join(dataDir, "device-id"),
	}
}
