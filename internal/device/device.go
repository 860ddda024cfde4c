// Package device manages the opaque per-installation identifier written
// into every manifest upload. Diagnostic only; nothing keys off it.
package device

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// File permissions match the other state files: owner-only.
const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// LoadOrCreate returns the device id stored at path, generating and
// persisting a fresh UUID on first run.
func LoadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("device: reading %s: %w", path, err)
	}

	id := uuid.New().String()

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, dirPerms); mkErr != nil {
		return "", fmt.Errorf("device: creating directory %s: %w", dir, mkErr)
	}

	// Atomic write: temp file in the same directory, then rename.
	tmp, err := os.CreateTemp(dir, ".device-*.tmp")
	if err != nil {
		return "", fmt.Errorf("device: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, filePerms); err != nil {
		tmp.Close()
		return "", fmt.Errorf("device: setting permissions: %w", err)
	}

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return "", fmt.Errorf("device: writing id: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("device: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("device: renaming: %w", err)
	}

	success = true

	return id, nil
}
