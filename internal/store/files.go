package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
)

// File permissions for key material and credentials: owner-only.
const (
	filePerms = 0o600
	dirPerms  = 0o700
)

// SaveKeyData writes the key-derivation record atomically with 0600
// permissions. KeyData never contains the recovery key.
func SaveKeyData(path string, kd *cryptobox.KeyData) error {
	return writeJSONFile(path, kd)
}

// LoadKeyData reads a saved key-derivation record. Returns (nil, nil)
// when the file does not exist.
func LoadKeyData(path string) (*cryptobox.KeyData, error) {
	var kd cryptobox.KeyData

	ok, err := readJSONFile(path, &kd)
	if err != nil || !ok {
		return nil, err
	}

	return &kd, nil
}

// SaveCredentials writes the encrypted token payload atomically. Only
// ciphertext ever reaches disk.
func SaveCredentials(path string, payload *cryptobox.EncryptedPayload) error {
	return writeJSONFile(path, payload)
}

// LoadCredentials reads the encrypted token payload. Returns (nil, nil)
// when the file does not exist.
func LoadCredentials(path string) (*cryptobox.EncryptedPayload, error) {
	var payload cryptobox.EncryptedPayload

	ok, err := readJSONFile(path, &payload)
	if err != nil || !ok {
		return nil, err
	}

	return &payload, nil
}

// RemoveFile deletes a state file, tolerating absence.
func RemoveFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: removing %s: %w", path, err)
	}

	return nil
}

// readJSONFile loads path into out. The bool reports existence.
func readJSONFile(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store: reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("store: decoding %s: %w", path, err)
	}

	return true, nil
}

// writeJSONFile writes v to path atomically (write-to-temp + rename)
// with 0600 permissions. Same-directory temp guarantees same filesystem
// for rename(2).
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, dirPerms); mkErr != nil {
		return fmt.Errorf("store: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
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
		return fmt.Errorf("store: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: writing %s: %w", path, err)
	}

	// Flush to stable storage before rename so a power loss between
	// close and rename cannot leave a partial file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: syncing %s: %w", path, err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: renaming %s: %w", path, err)
	}

	success = true

	return nil
}
