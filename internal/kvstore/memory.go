package kvstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store for tests. Safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	items map[string][]byte
	quota int

	// SetErr, when non-nil, is returned by every Set. Tests use it to
	// simulate storage failures.
	SetErr error
}

// NewMemory creates an in-memory store with the given per-item quota
// (0 for unbounded).
func NewMemory(quota int) *Memory {
	return &Memory{items: make(map[string][]byte), quota: quota}
}

func (m *Memory) QuotaBytesPerItem() int {
	return m.quota
}

func (m *Memory) Set(_ context.Context, key string, value any) error {
	if m.SetErr != nil {
		return m.SetErr
	}

	data, err := encodeItem(key, value, m.quota)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = data

	return nil
}

func (m *Memory) Get(_ context.Context, key string, out any) (bool, error) {
	m.mu.Lock()
	data, ok := m.items[key]
	m.mu.Unlock()

	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("kvstore: decoding %q: %w", key, err)
	}

	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.items, key)
	}

	return nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string

	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// Len returns the number of stored items. Test helper.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

// RawSize returns the encoded byte size of the item at key plus the key
// itself, or -1 when absent. Test helper for quota assertions.
func (m *Memory) RawSize(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.items[key]
	if !ok {
		return -1
	}

	return len(key) + len(data)
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)
