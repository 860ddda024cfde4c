// Package cloudsync implements the end-to-end encrypted sync engine: it
// reconciles the local session library against the remote blob store,
// owns the ephemeral unlocked key, and drives the durable operation
// queue. All plaintext stays on this device; only AEAD payloads and the
// manifest index ever reach the remote.
package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sessionvault/sessionvault/internal/cryptobox"
	"github.com/sessionvault/sessionvault/internal/remote"
	"github.com/sessionvault/sessionvault/internal/session"
	"github.com/sessionvault/sessionvault/internal/store"
)

// State is the engine's visible lifecycle state.
type State string

// Engine states. Syncing is a transient guard inside Unlocked, surfaced
// via the sync-state record rather than here.
const (
	StateUnconfigured State = "unconfigured"
	StateLocked       State = "locked"
	StateUnlocked     State = "unlocked"
)

// Engine-level sentinel errors.
var (
	ErrNotConfigured = errors.New("cloudsync: encryption not configured")
	ErrLocked        = errors.New("cloudsync: engine is locked")
	ErrAuthFailed    = errors.New("cloudsync: token refresh failed")
	ErrBadPassword   = errors.New("cloudsync: password verification failed")
)

// defaultTombstoneRetention is how long deletions are remembered before
// the manifest forgets them.
const defaultTombstoneRetention = 30 * 24 * time.Hour

// StateStore is the subset of the local state layer the engine depends
// on. Satisfied by *store.Store; tests may substitute it wholesale, but
// injecting an in-memory SQLite store is just as cheap.
type StateStore interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	PutSession(ctx context.Context, sess *session.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*session.Session, error)

	Enqueue(ctx context.Context, kind, sessionID string) error
	GetNext(ctx context.Context) (*store.QueueItem, error)
	MarkComplete(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errMsg string) error
	ReviveDeadLetters(ctx context.Context) (int, error)
	PendingCount(ctx context.Context) (int, error)

	MarkSynced(ctx context.Context, id string) error
	UnmarkSynced(ctx context.Context, id string) error
	SyncedIDs(ctx context.Context) ([]string, error)

	GetSyncState(ctx context.Context) (*store.SyncState, error)
	SetSyncing(ctx context.Context, syncing bool, currentOp string) error
	SetCurrentOperation(ctx context.Context, op string) error
	SetLastSync(ctx context.Context, at int64) error
	SetLastError(ctx context.Context, errMsg string) error
	SetPendingCount(ctx context.Context, n int) error
	PurgeQueue(ctx context.Context) error
}

// TokenProvider refreshes OAuth tokens. Defined at the consumer per
// "accept interfaces, return structs"; satisfied by oauth2Refresher.
type TokenProvider interface {
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)
}

// EngineConfig holds the options for NewEngine. A struct because eight
// fields is too many for positional parameters.
type EngineConfig struct {
	Store           StateStore
	Remote          remote.Store
	Tokens          TokenProvider // nil disables refresh (tests)
	KeyDataPath     string        // key-derivation record file
	CredentialsPath string        // encrypted token file
	DeviceID        string
	// TombstoneRetention defaults to 30 days when zero.
	TombstoneRetention time.Duration
	Logger             *slog.Logger
}

// Engine orchestrates encrypted cloud sync for one device. One instance
// per process; the unlocked key lives here and nowhere else.
type Engine struct {
	local    StateStore
	remote   remote.Store
	tokens   TokenProvider
	keyPath  string
	credPath string
	deviceID string
	retain   time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	key     *cryptobox.Key // nil while locked
	token   *oauth2.Token  // decrypted credentials, nil while locked
	syncing bool

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewEngine creates an Engine. The engine starts Locked (or
// Unconfigured, when no key data has been set up yet).
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retain := cfg.TombstoneRetention
	if retain == 0 {
		retain = defaultTombstoneRetention
	}

	return &Engine{
		local:    cfg.Store,
		remote:   cfg.Remote,
		tokens:   cfg.Tokens,
		keyPath:  cfg.KeyDataPath,
		credPath: cfg.CredentialsPath,
		deviceID: cfg.DeviceID,
		retain:   retain,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// State reports the engine's lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	unlocked := e.key != nil
	e.mu.Unlock()

	if unlocked {
		return StateUnlocked
	}

	kd, err := store.LoadKeyData(e.keyPath)
	if err != nil || kd == nil {
		return StateUnconfigured
	}

	return StateLocked
}

// Setup configures encryption for a new vault: fresh salt and key from
// the password, credentials encrypted under the new key, key data
// persisted locally and uploaded to the remote so other devices can
// derive the same key. The recovery key is returned exactly once and is
// never stored anywhere.
func (e *Engine) Setup(ctx context.Context, password string, rawTokens *oauth2.Token) (string, error) {
	kd, recoveryKey, key, err := cryptobox.SetupEncryption(password)
	if err != nil {
		return "", fmt.Errorf("cloudsync: setting up encryption: %w", err)
	}

	if err := store.SaveKeyData(e.keyPath, kd); err != nil {
		key.Close()
		return "", err
	}

	creds, err := cryptobox.EncryptObject(rawTokens, key)
	if err != nil {
		key.Close()
		return "", fmt.Errorf("cloudsync: encrypting credentials: %w", err)
	}

	if err := store.SaveCredentials(e.credPath, creds); err != nil {
		key.Close()
		return "", err
	}

	// Best-effort remote publication of the key-derivation record. A
	// failure here is not fatal; the next sync retries it.
	if err := e.remote.UploadKeyData(ctx, rawTokens.AccessToken, kd); err != nil {
		e.logger.Warn("uploading key data failed, will retry on next sync",
			slog.String("error", err.Error()))
	}

	e.mu.Lock()
	e.key = key
	e.token = rawTokens
	e.mu.Unlock()

	e.logger.Info("encryption configured", slog.String("device_id", e.deviceID))

	return recoveryKey, nil
}

// Join adopts an existing vault on a new device: it downloads the key
// data with the freshly obtained tokens, verifies the password against
// it, persists it locally, and encrypts the tokens under the derived key.
func (e *Engine) Join(ctx context.Context, password string, rawTokens *oauth2.Token) error {
	kd, err := e.remote.DownloadKeyData(ctx, rawTokens.AccessToken)
	if err != nil {
		return fmt.Errorf("cloudsync: downloading key data: %w", err)
	}

	if kd == nil {
		return ErrNotConfigured
	}

	if !cryptobox.VerifyPassword(password, kd) {
		return ErrBadPassword
	}

	key, err := cryptobox.DeriveKey(password, kd.Salt)
	if err != nil {
		return fmt.Errorf("cloudsync: deriving key: %w", err)
	}

	if err := store.SaveKeyData(e.keyPath, kd); err != nil {
		key.Close()
		return err
	}

	creds, err := cryptobox.EncryptObject(rawTokens, key)
	if err != nil {
		key.Close()
		return fmt.Errorf("cloudsync: encrypting credentials: %w", err)
	}

	if err := store.SaveCredentials(e.credPath, creds); err != nil {
		key.Close()
		return err
	}

	e.mu.Lock()
	e.key = key
	e.token = rawTokens
	e.mu.Unlock()

	return nil
}

// Unlock derives a candidate key from the password and proves it
// correct: by decrypting the stored credentials when they exist, or by
// the deterministic verification hash otherwise. A legacy random-IV
// verification hash is silently upgraded on success.
func (e *Engine) Unlock(password string) bool {
	kd, err := store.LoadKeyData(e.keyPath)
	if err != nil || kd == nil {
		return false
	}

	key, err := cryptobox.DeriveKey(password, kd.Salt)
	if err != nil {
		return false
	}

	var token *oauth2.Token

	creds, err := store.LoadCredentials(e.credPath)
	if err == nil && creds != nil {
		// Credential decryption doubles as password proof.
		var tok oauth2.Token
		if decErr := cryptobox.DecryptObject(creds, key, &tok); decErr != nil {
			key.Close()
			return false
		}

		token = &tok
	} else {
		hash, hashErr := cryptobox.VerificationHash(key, kd.Salt)
		if hashErr != nil || hash != kd.VerificationHash {
			key.Close()
			return false
		}
	}

	// Migrate a legacy (random-IV) verification hash to the
	// deterministic scheme. Best-effort: a write failure leaves the old
	// hash in place for the next unlock.
	if hash, hashErr := cryptobox.VerificationHash(key, kd.Salt); hashErr == nil && hash != kd.VerificationHash {
		kd.VerificationHash = hash
		if saveErr := store.SaveKeyData(e.keyPath, kd); saveErr != nil {
			e.logger.Warn("verification hash migration failed",
				slog.String("error", saveErr.Error()))
		} else {
			e.logger.Info("verification hash migrated to deterministic scheme")
		}
	}

	e.mu.Lock()
	if e.key != nil {
		e.key.Close()
	}

	e.key = key
	e.token = token
	e.mu.Unlock()

	return true
}

// Lock drops the in-memory key and decrypted credentials. Queued work
// survives and runs after the next unlock.
func (e *Engine) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.key != nil {
		e.key.Close()
		e.key = nil
	}

	e.token = nil
}

// Clear tears the configuration down to Unconfigured: the key data and
// credential files are removed and the queue is purged. Remote data is
// left untouched; use the remote store's ClearAllData for that.
func (e *Engine) Clear(ctx context.Context) error {
	e.Lock()

	if err := store.RemoveFile(e.keyPath); err != nil {
		return err
	}

	if err := store.RemoveFile(e.credPath); err != nil {
		return err
	}

	if err := e.local.PurgeQueue(ctx); err != nil {
		return err
	}

	if err := e.local.SetPendingCount(ctx, 0); err != nil {
		return err
	}

	e.logger.Info("sync configuration cleared")

	return nil
}

// unlockedKey returns the key while holding no lock afterwards. The
// second value reports whether the engine is unlocked.
func (e *Engine) unlockedKey() (*cryptobox.Key, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.key, e.key != nil
}

// accessToken refreshes (when a provider is configured) and returns the
// bearer token for remote calls. Refreshed tokens are re-encrypted and
// persisted so the rotation survives restarts.
func (e *Engine) accessToken(ctx context.Context) (string, error) {
	e.mu.Lock()
	key, tok := e.key, e.token
	e.mu.Unlock()

	if key == nil {
		return "", ErrLocked
	}

	if tok == nil {
		return "", fmt.Errorf("%w: no stored credentials", ErrAuthFailed)
	}

	if e.tokens == nil {
		return tok.AccessToken, nil
	}

	fresh, err := e.tokens.Refresh(ctx, tok)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	if fresh.AccessToken != tok.AccessToken || fresh.RefreshToken != tok.RefreshToken {
		creds, encErr := cryptobox.EncryptObject(fresh, key)
		if encErr == nil {
			if saveErr := store.SaveCredentials(e.credPath, creds); saveErr != nil {
				e.logger.Warn("persisting refreshed credentials failed",
					slog.String("error", saveErr.Error()))
			}
		}

		e.mu.Lock()
		e.token = fresh
		e.mu.Unlock()
	}

	return fresh.AccessToken, nil
}

// oauth2Refresher is the default TokenProvider: it round-trips the token
// through the oauth2 config's TokenSource, which refreshes only when the
// access token has expired.
type oauth2Refresher struct {
	cfg *oauth2.Config
}

// NewOAuth2Refresher adapts an oauth2.Config to the TokenProvider
// contract.
func NewOAuth2Refresher(cfg *oauth2.Config) TokenProvider {
	return &oauth2Refresher{cfg: cfg}
}

func (r *oauth2Refresher) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	fresh, err := r.cfg.TokenSource(ctx, tok).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return fresh, nil
}

// sessionEnvelope is the plaintext structure encrypted into each remote
// session blob.
type sessionEnvelope struct {
	Session   *session.Session `json:"session"`
	DeviceID  string           `json:"deviceId"`
	Timestamp int64            `json:"timestamp"`
}

// sessionChecksum fingerprints a session's contents for manifest
// bookkeeping.
func sessionChecksum(sess *session.Session) string {
	data, err := json.Marshal(sess)
	if err != nil {
		return ""
	}

	return cryptobox.ComputeChecksum(string(data))
}
