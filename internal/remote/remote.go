package remote

import (
	"context"
	"sort"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
)

// Remote namespace. The store contract is defined against these names.
const (
	ManifestName   = "manifest.json"
	KeyDataName    = "keydata.json"
	SessionPrefix  = "sessions/"
	SessionSuffix  = ".enc"
	ManifestSchema = 1
)

// SessionMeta is a manifest entry describing one synced session. The
// checksum is a short plaintext fingerprint used only to detect "nothing
// changed"; it is not a security mechanism.
type SessionMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UpdatedAt int64  `json:"updatedAt"`
	TabCount  int    `json:"tabCount"`
	Checksum  string `json:"checksum"`
}

// Tombstone records a deleted session so the deletion propagates to
// other devices instead of the session resurrecting.
type Tombstone struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt"`
}

// Manifest is the remote index of all synced sessions plus tombstones.
// A session id appears at most once: either in Sessions or in
// Tombstones, never both.
type Manifest struct {
	Version    int           `json:"version"`
	LastSync   int64         `json:"lastSync"`
	DeviceID   string        `json:"deviceId"`
	Sessions   []SessionMeta `json:"sessions"`
	Tombstones []Tombstone   `json:"tombstones"`
}

// NewManifest returns an empty manifest for a device.
func NewManifest(deviceID string) *Manifest {
	return &Manifest{
		Version:    ManifestSchema,
		DeviceID:   deviceID,
		Sessions:   []SessionMeta{},
		Tombstones: []Tombstone{},
	}
}

// FindSession returns the meta entry for id, or nil.
func (m *Manifest) FindSession(id string) *SessionMeta {
	for i := range m.Sessions {
		if m.Sessions[i].ID == id {
			return &m.Sessions[i]
		}
	}

	return nil
}

// UpsertSession replaces the entry with meta.ID or appends it, and strips
// any tombstone for the same id, keeping the at-most-once invariant.
func (m *Manifest) UpsertSession(meta SessionMeta) {
	m.RemoveTombstone(meta.ID)

	for i := range m.Sessions {
		if m.Sessions[i].ID == meta.ID {
			m.Sessions[i] = meta
			return
		}
	}

	m.Sessions = append(m.Sessions, meta)
}

// RemoveSession deletes the meta entry for id, if present.
func (m *Manifest) RemoveSession(id string) {
	for i := range m.Sessions {
		if m.Sessions[i].ID == id {
			m.Sessions = append(m.Sessions[:i], m.Sessions[i+1:]...)
			return
		}
	}
}

// AddTombstone records a deletion, removing any meta entry for the same
// id and deduplicating by id (the newer deletion time wins).
func (m *Manifest) AddTombstone(id string, deletedAt int64) {
	m.RemoveSession(id)

	for i := range m.Tombstones {
		if m.Tombstones[i].ID == id {
			if deletedAt > m.Tombstones[i].DeletedAt {
				m.Tombstones[i].DeletedAt = deletedAt
			}

			return
		}
	}

	m.Tombstones = append(m.Tombstones, Tombstone{ID: id, DeletedAt: deletedAt})
}

// RemoveTombstone deletes the tombstone for id, if present.
func (m *Manifest) RemoveTombstone(id string) {
	for i := range m.Tombstones {
		if m.Tombstones[i].ID == id {
			m.Tombstones = append(m.Tombstones[:i], m.Tombstones[i+1:]...)
			return
		}
	}
}

// FindTombstone returns the tombstone for id, or nil.
func (m *Manifest) FindTombstone(id string) *Tombstone {
	for i := range m.Tombstones {
		if m.Tombstones[i].ID == id {
			return &m.Tombstones[i]
		}
	}

	return nil
}

// PruneTombstones drops tombstones with DeletedAt before cutoff and
// returns how many were removed.
func (m *Manifest) PruneTombstones(cutoff int64) int {
	kept := m.Tombstones[:0]

	for _, t := range m.Tombstones {
		if t.DeletedAt >= cutoff {
			kept = append(kept, t)
		}
	}

	pruned := len(m.Tombstones) - len(kept)
	m.Tombstones = kept

	return pruned
}

// SessionIDs returns the sorted ids of all meta entries.
func (m *Manifest) SessionIDs() []string {
	ids := make([]string, 0, len(m.Sessions))

	for i := range m.Sessions {
		ids = append(ids, m.Sessions[i].ID)
	}

	sort.Strings(ids)

	return ids
}

// FileInfo describes one stored session blob.
type FileInfo struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modifiedTime"`
}

// StorageInfo summarizes remote usage.
type StorageInfo struct {
	SessionCount int   `json:"sessionCount"`
	TotalSize    int64 `json:"totalSize"`
}

// Store is the opaque blob-store contract the sync engine depends on.
// Download operations return (nil, nil) when the item does not exist.
// DeleteSession is idempotent: deleting an absent session succeeds.
// Implementations may retry transient failures internally a bounded
// number of times; persistent failures bubble up classified via the
// package sentinels.
type Store interface {
	UploadManifest(ctx context.Context, accessToken string, m *Manifest) error
	DownloadManifest(ctx context.Context, accessToken string) (*Manifest, error)

	UploadKeyData(ctx context.Context, accessToken string, kd *cryptobox.KeyData) error
	DownloadKeyData(ctx context.Context, accessToken string) (*cryptobox.KeyData, error)

	UploadSession(ctx context.Context, accessToken, sessionID string, payload *cryptobox.EncryptedPayload) error
	DownloadSession(ctx context.Context, accessToken, sessionID string) (*cryptobox.EncryptedPayload, error)
	DeleteSession(ctx context.Context, accessToken, sessionID string) error

	ListSessionFiles(ctx context.Context, accessToken string) ([]FileInfo, error)
	GetStorageInfo(ctx context.Context, accessToken string) (*StorageInfo, error)
	ClearAllData(ctx context.Context, accessToken string) error
}

// SessionFileName builds the blob name for a session id.
func SessionFileName(sessionID string) string {
	return SessionPrefix + sessionID + SessionSuffix
}
