// Package cryptobox supplies every cryptographic operation the sync core
// needs: password-derived AES-256-GCM keys, versioned payload envelopes,
// recovery keys, and the deterministic verification hash used for offline
// password checks. No raw key material leaves this package.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Sentinel errors. Use errors.Is to classify.
var (
	ErrUnsupportedVersion = errors.New("cryptobox: unsupported payload version")
	ErrDecryptFailed      = errors.New("cryptobox: decrypt failed")
	ErrInvalidInput       = errors.New("cryptobox: invalid input")
)

// Design constants. Changing any of these breaks compatibility with
// previously written payloads.
const (
	PayloadVersion = 1

	saltBytes        = 32
	ivBytes          = 12
	keyBytes         = 32
	recoveryKeyBytes = 32
	kdfIterations    = 100_000

	checksumHexLen     = 16
	verificationHexLen = 32

	recoveryGroupLen = 4
)

// verificationPlaintext is the fixed input of the verification hash. The
// hash must stay a pure function of {key, salt}, so this never varies.
const verificationPlaintext = "sessionvault-verification"

// verificationIVContext is appended to the salt when deriving the
// deterministic verification IV.
const verificationIVContext = "verification"

// EncryptedPayload is the wire form of a ciphertext. Version is a
// forward-compatibility point: versions other than PayloadVersion
// fail-closed on decrypt.
type EncryptedPayload struct {
	Version    int    `json:"v"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ct"`
}

// KeyData is the persisted key-derivation record. It never contains the
// recovery key.
type KeyData struct {
	Salt             string `json:"salt"`
	VerificationHash string `json:"verificationHash"`
}

// Key holds derived symmetric key material. It is held in memory only
// while the engine is unlocked; Close zeroizes it.
type Key struct {
	raw []byte
}

// Close zeroizes the key material. The key is unusable afterwards.
func (k *Key) Close() {
	for i := range k.raw {
		k.raw[i] = 0
	}

	k.raw = nil
}

// valid reports whether the key still holds material.
func (k *Key) valid() bool {
	return k != nil && len(k.raw) == keyBytes
}

// GenerateSalt returns a fresh base64 salt (32 random bytes).
func GenerateSalt() (string, error) {
	return randomBase64(saltBytes, "salt")
}

// GenerateIV returns a fresh base64 IV (12 random bytes).
func GenerateIV() (string, error) {
	return randomBase64(ivBytes, "iv")
}

// randomBase64 draws n bytes from crypto/rand and base64-encodes them.
func randomBase64(n int, what string) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cryptobox: generating %s: %w", what, err)
	}

	return base64.StdEncoding.EncodeToString(buf), nil
}

// GenerateRecoveryKey returns a fresh recovery key: base64 of 32 random
// bytes, dash-grouped in blocks of four characters for display. The dash
// grouping is presentation only; parsing strips it before derivation.
func GenerateRecoveryKey() (string, error) {
	buf := make([]byte, recoveryKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("cryptobox: generating recovery key: %w", err)
	}

	raw := base64.RawStdEncoding.EncodeToString(buf)

	var b strings.Builder

	for i, r := range raw {
		if i > 0 && i%recoveryGroupLen == 0 {
			b.WriteByte('-')
		}

		b.WriteRune(r)
	}

	return b.String(), nil
}

// DeriveKey derives an encryption key from a password and a base64 salt
// using PBKDF2-SHA256 with 100,000 iterations. Pure function of its inputs.
func DeriveKey(password, salt string) (*Key, error) {
	saltRaw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding salt: %v", ErrInvalidInput, err)
	}

	return &Key{raw: pbkdf2.Key([]byte(password), saltRaw, kdfIterations, keyBytes, sha256.New)}, nil
}

// DeriveKeyFromRecovery derives an encryption key from a formatted
// recovery key. All non-alphanumeric characters are stripped first, so
// the display grouping never affects the derived key.
func DeriveKeyFromRecovery(recoveryKey, salt string) (*Key, error) {
	return DeriveKey(stripNonAlphanumeric(recoveryKey), salt)
}

// stripNonAlphanumeric removes everything outside [A-Za-z0-9].
func stripNonAlphanumeric(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}

	return b.String()
}

// newGCM builds the AEAD for a key.
func newGCM(key *Key) (cipher.AEAD, error) {
	if !key.valid() {
		return nil, fmt.Errorf("%w: key is closed or malformed", ErrInvalidInput)
	}

	block, err := aes.NewCipher(key.raw)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: creating GCM: %w", err)
	}

	return gcm, nil
}

// Encrypt seals a plaintext string under the key with a fresh random IV.
// The returned ciphertext includes the 128-bit auth tag.
func Encrypt(plaintext string, key *Key) (*EncryptedPayload, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivBytes)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("cryptobox: generating iv: %w", err)
	}

	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return &EncryptedPayload{
		Version:    PayloadVersion,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Decrypt opens a payload. Payloads with an unexpected version fail with
// ErrUnsupportedVersion; tampered or wrong-key payloads fail with
// ErrDecryptFailed.
func Decrypt(payload *EncryptedPayload, key *Key) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("%w: nil payload", ErrInvalidInput)
	}

	if payload.Version != PayloadVersion {
		return "", fmt.Errorf("%w: v=%d", ErrUnsupportedVersion, payload.Version)
	}

	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return "", fmt.Errorf("%w: decoding iv: %v", ErrInvalidInput, err)
	}

	if len(iv) != ivBytes {
		return "", fmt.Errorf("%w: iv is %d bytes, want %d", ErrInvalidInput, len(iv), ivBytes)
	}

	ct, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding ciphertext: %v", ErrInvalidInput, err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}

	return string(plaintext), nil
}

// EncryptObject JSON-serializes v and encrypts the result.
func EncryptObject(v any, key *Key) (*EncryptedPayload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: encoding object: %w", err)
	}

	return Encrypt(string(data), key)
}

// DecryptObject decrypts a payload and JSON-deserializes it into out.
func DecryptObject(payload *EncryptedPayload, key *Key, out any) error {
	plaintext, err := Decrypt(payload, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(plaintext), out); err != nil {
		return fmt.Errorf("%w: decoding decrypted object: %v", ErrInvalidInput, err)
	}

	return nil
}

// VerificationHash computes the deterministic password-verification value
// for a key and salt: the fixed plaintext is sealed under a deterministic
// IV (first 12 bytes of SHA-256(salt ∥ "verification")) and the ciphertext
// is hashed. Determinism is load-bearing: it lets unlock confirm an
// unchanged password without holding any decryptable token.
func VerificationHash(key *Key, salt string) (string, error) {
	saltRaw, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("%w: decoding salt: %v", ErrInvalidInput, err)
	}

	ivSum := sha256.Sum256(append(saltRaw, []byte(verificationIVContext)...))
	iv := ivSum[:ivBytes]

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	ct := gcm.Seal(nil, iv, []byte(verificationPlaintext), nil)
	sum := sha256.Sum256(ct)

	return hex.EncodeToString(sum[:])[:verificationHexLen], nil
}

// VerifyPassword checks a password against stored KeyData. Fail-safe:
// any internal error yields false.
func VerifyPassword(password string, kd *KeyData) bool {
	if kd == nil {
		return false
	}

	key, err := DeriveKey(password, kd.Salt)
	if err != nil {
		return false
	}
	defer key.Close()

	hash, err := VerificationHash(key, kd.Salt)
	if err != nil {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(hash), []byte(kd.VerificationHash)) == 1
}

// ComputeChecksum returns a short non-cryptographic content fingerprint
// (first 16 hex characters of SHA-256). Used only for manifest
// bookkeeping, never as a security mechanism.
func ComputeChecksum(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))

	return hex.EncodeToString(sum[:])[:checksumHexLen]
}

// ReEncrypt atomically decrypts a payload with oldKey and re-encrypts it
// with newKey. Errors propagate; no partial state is produced.
func ReEncrypt(payload *EncryptedPayload, oldKey, newKey *Key) (*EncryptedPayload, error) {
	plaintext, err := Decrypt(payload, oldKey)
	if err != nil {
		return nil, err
	}

	return Encrypt(plaintext, newKey)
}

// SetupEncryption generates fresh key material for a new password: salt,
// derived key, verification hash, and a recovery key. The recovery key is
// returned to the caller exactly once and never persisted here.
func SetupEncryption(password string) (*KeyData, string, *Key, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, "", nil, err
	}

	key, err := DeriveKey(password, salt)
	if err != nil {
		return nil, "", nil, err
	}

	hash, err := VerificationHash(key, salt)
	if err != nil {
		key.Close()
		return nil, "", nil, err
	}

	recoveryKey, err := GenerateRecoveryKey()
	if err != nil {
		key.Close()
		return nil, "", nil, err
	}

	return &KeyData{Salt: salt, VerificationHash: hash}, recoveryKey, key, nil
}
