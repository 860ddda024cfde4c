package remote

import (
	"context"
	"sync"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
)

// Memory is an in-memory Store for engine tests. Optional per-operation
// hooks let tests inject failures; a nil hook means success.
type Memory struct {
	mu sync.Mutex

	manifest *Manifest
	keyData  *cryptobox.KeyData
	sessions map[string]*cryptobox.EncryptedPayload
	modified map[string]int64

	// Failure hooks. Each receives the session id (where applicable) and
	// returns a non-nil error to fail the call.
	OnUploadManifest  func() error
	OnUploadSession   func(sessionID string) error
	OnDownloadSession func(sessionID string) error
	OnDeleteSession   func(sessionID string) error

	nowFunc func() int64
}

// NewMemory creates an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*cryptobox.EncryptedPayload),
		modified: make(map[string]int64),
	}
}

func (m *Memory) now() int64 {
	if m.nowFunc != nil {
		return m.nowFunc()
	}

	return 0
}

func (m *Memory) UploadManifest(_ context.Context, _ string, manifest *Manifest) error {
	if m.OnUploadManifest != nil {
		if err := m.OnUploadManifest(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *manifest
	clone.Sessions = append([]SessionMeta(nil), manifest.Sessions...)
	clone.Tombstones = append([]Tombstone(nil), manifest.Tombstones...)
	m.manifest = &clone

	return nil
}

func (m *Memory) DownloadManifest(_ context.Context, _ string) (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.manifest == nil {
		return nil, nil
	}

	clone := *m.manifest
	clone.Sessions = append([]SessionMeta(nil), m.manifest.Sessions...)
	clone.Tombstones = append([]Tombstone(nil), m.manifest.Tombstones...)

	return &clone, nil
}

func (m *Memory) UploadKeyData(_ context.Context, _ string, kd *cryptobox.KeyData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *kd
	m.keyData = &clone

	return nil
}

func (m *Memory) DownloadKeyData(_ context.Context, _ string) (*cryptobox.KeyData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keyData == nil {
		return nil, nil
	}

	clone := *m.keyData

	return &clone, nil
}

func (m *Memory) UploadSession(_ context.Context, _, sessionID string, payload *cryptobox.EncryptedPayload) error {
	if m.OnUploadSession != nil {
		if err := m.OnUploadSession(sessionID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *payload
	m.sessions[sessionID] = &clone
	m.modified[sessionID] = m.now()

	return nil
}

func (m *Memory) DownloadSession(_ context.Context, _, sessionID string) (*cryptobox.EncryptedPayload, error) {
	if m.OnDownloadSession != nil {
		if err := m.OnDownloadSession(sessionID); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}

	clone := *p

	return &clone, nil
}

func (m *Memory) DeleteSession(_ context.Context, _, sessionID string) error {
	if m.OnDeleteSession != nil {
		if err := m.OnDeleteSession(sessionID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	delete(m.modified, sessionID)

	return nil
}

func (m *Memory) ListSessionFiles(_ context.Context, _ string) ([]FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make([]FileInfo, 0, len(m.sessions))

	for id, p := range m.sessions {
		files = append(files, FileInfo{
			Name:         SessionFileName(id),
			Size:         int64(len(p.Ciphertext)),
			ModifiedTime: m.modified[id],
		})
	}

	return files, nil
}

func (m *Memory) GetStorageInfo(ctx context.Context, token string) (*StorageInfo, error) {
	files, err := m.ListSessionFiles(ctx, token)
	if err != nil {
		return nil, err
	}

	info := &StorageInfo{SessionCount: len(files)}

	for _, f := range files {
		info.TotalSize += f.Size
	}

	return info, nil
}

func (m *Memory) ClearAllData(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.manifest = nil
	m.keyData = nil
	m.sessions = make(map[string]*cryptobox.EncryptedPayload)
	m.modified = make(map[string]int64)

	return nil
}

// StoredManifest returns the stored manifest without copying. Test helper.
func (m *Memory) StoredManifest() *Manifest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.manifest
}

// SessionCount returns the number of stored session blobs. Test helper.
func (m *Memory) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// HasSession reports whether a blob exists for the id. Test helper.
func (m *Memory) HasSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.sessions[id]

	return ok
}

// Compile-time interface check.
var _ Store = (*Memory)(nil)
