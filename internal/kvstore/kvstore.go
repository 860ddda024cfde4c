// Package kvstore provides the bounded key-value storage the recovery
// path writes to. It models a browser sync-storage area: every item is a
// JSON value, and the encoded size of key plus value must fit within a
// per-item byte quota. A bbolt-backed implementation persists to disk; an
// in-memory implementation backs tests.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// ErrItemTooLarge is returned by Set when utf8(key) + utf8(json(value))
// exceeds the store's per-item quota.
var ErrItemTooLarge = errors.New("kvstore: item exceeds per-item quota")

// DefaultQuotaBytesPerItem mirrors the browser sync-storage per-item
// limit (chrome.storage.sync QUOTA_BYTES_PER_ITEM).
const DefaultQuotaBytesPerItem = 8192

// Store is a small JSON key-value store with an advertised per-item
// quota. A quota of 0 means unbounded.
type Store interface {
	// Set stores value (JSON-encoded) under key. Returns ErrItemTooLarge
	// when the encoded item exceeds the quota.
	Set(ctx context.Context, key string, value any) error

	// Get loads the value stored under key into out. The bool reports
	// whether the key existed; a missing key is not an error.
	Get(ctx context.Context, key string, out any) (bool, error)

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Keys returns all keys with the given prefix, in lexicographic order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// QuotaBytesPerItem advertises the per-item byte ceiling, or 0 when
	// the store is unbounded.
	QuotaBytesPerItem() int
}

// json is the shared fast codec. ConfigCompatibleWithStandardLibrary
// keeps the on-wire bytes identical to encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// encodeItem JSON-encodes a value and enforces the quota against
// utf8(key) + utf8(json(value)).
func encodeItem(key string, value any, quota int) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("kvstore: encoding value for %q: %w", key, err)
	}

	if quota > 0 && len(key)+len(data) > quota {
		return nil, fmt.Errorf("%w: key %q, %d bytes > %d", ErrItemTooLarge, key, len(key)+len(data), quota)
	}

	return data, nil
}
