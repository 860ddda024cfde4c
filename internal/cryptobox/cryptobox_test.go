package cryptobox

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

// testKey derives a key from a fixed password and fresh salt.
func testKey(t *testing.T) (*Key, string) {
	t.Helper()

	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}

	key, err := DeriveKey("Password1", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	t.Cleanup(key.Close)

	return key, salt
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)

	cases := []string{
		"",
		"hello",
		"multi\nline\nwith unicode: päivää 日本語",
		strings.Repeat("x", 100_000),
	}

	for _, plaintext := range cases {
		payload, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes): %v", len(plaintext), err)
		}

		if payload.Version != PayloadVersion {
			t.Errorf("payload version = %d, want %d", payload.Version, PayloadVersion)
		}

		got, err := Decrypt(payload, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}

		if got != plaintext {
			t.Errorf("round trip mismatch for %d-byte plaintext", len(plaintext))
		}
	}
}

func TestEncrypt_IVUniqueness(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)
	seen := make(map[string]bool)

	iv, err := GenerateIV()
	if err != nil {
		t.Fatalf("GenerateIV: %v", err)
	}

	if raw, decErr := base64.StdEncoding.DecodeString(iv); decErr != nil || len(raw) != 12 {
		t.Errorf("GenerateIV = %q (%v)", iv, decErr)
	}

	for i := 0; i < 256; i++ {
		payload, err := Encrypt("same plaintext", key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}

		if seen[payload.IV] {
			t.Fatalf("duplicate IV after %d encryptions: %s", i, payload.IV)
		}

		seen[payload.IV] = true
	}
}

func TestDecrypt_TamperRejection(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)

	payload, err := Encrypt("secret session data", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flipByte := func(b64 string) string {
		raw, decErr := base64.StdEncoding.DecodeString(b64)
		if decErr != nil {
			t.Fatalf("decoding test payload: %v", decErr)
		}

		raw[0] ^= 0x01

		return base64.StdEncoding.EncodeToString(raw)
	}

	tampered := *payload
	tampered.Ciphertext = flipByte(payload.Ciphertext)

	if _, err := Decrypt(&tampered, key); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("tampered ciphertext: err = %v, want ErrDecryptFailed", err)
	}

	tampered = *payload
	tampered.IV = flipByte(payload.IV)

	if _, err := Decrypt(&tampered, key); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("tampered IV: err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	t.Parallel()

	key, salt := testKey(t)

	payload, err := Encrypt("plaintext", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	other, err := DeriveKey("Password2", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer other.Close()

	if _, err := Decrypt(payload, other); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("wrong key: err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecrypt_VersionGating(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)

	payload, err := Encrypt("plaintext", key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for _, v := range []int{0, 2, -1, 99} {
		bad := *payload
		bad.Version = v

		if _, err := Decrypt(&bad, key); !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("v=%d: err = %v, want ErrUnsupportedVersion", v, err)
		}
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	t.Parallel()

	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}

	k1, err := DeriveKey("Password1", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer k1.Close()

	k2, err := DeriveKey("Password1", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer k2.Close()

	h1, err := VerificationHash(k1, salt)
	if err != nil {
		t.Fatalf("VerificationHash: %v", err)
	}

	h2, err := VerificationHash(k2, salt)
	if err != nil {
		t.Fatalf("VerificationHash: %v", err)
	}

	if h1 != h2 {
		t.Errorf("verification hashes differ: %s vs %s", h1, h2)
	}

	if len(h1) != verificationHexLen {
		t.Errorf("hash length = %d, want %d", len(h1), verificationHexLen)
	}
}

func TestDeriveKeyFromRecovery_Equivalence(t *testing.T) {
	t.Parallel()

	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}

	recoveryKey, err := GenerateRecoveryKey()
	if err != nil {
		t.Fatalf("GenerateRecoveryKey: %v", err)
	}

	if len(recoveryKey) < 40 {
		t.Errorf("recovery key too short: %d chars", len(recoveryKey))
	}

	if !strings.Contains(recoveryKey, "-") {
		t.Errorf("recovery key not dash-grouped: %q", recoveryKey)
	}

	fromRecovery, err := DeriveKeyFromRecovery(recoveryKey, salt)
	if err != nil {
		t.Fatalf("DeriveKeyFromRecovery: %v", err)
	}
	defer fromRecovery.Close()

	stripped := stripNonAlphanumeric(recoveryKey)

	direct, err := DeriveKey(stripped, salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer direct.Close()

	// The keys are equivalent if a payload sealed under one opens under
	// the other.
	payload, err := Encrypt("escape hatch", fromRecovery)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(payload, direct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if got != "escape hatch" {
		t.Errorf("round trip mismatch: %q", got)
	}
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	kd, recoveryKey, key, err := SetupEncryption("Password1")
	if err != nil {
		t.Fatalf("SetupEncryption: %v", err)
	}
	defer key.Close()

	if recoveryKey == "" {
		t.Fatal("SetupEncryption returned empty recovery key")
	}

	if !VerifyPassword("Password1", kd) {
		t.Error("correct password rejected")
	}

	if VerifyPassword("Password2", kd) {
		t.Error("wrong password accepted")
	}

	// Malformed KeyData must fail safe, not panic.
	if VerifyPassword("Password1", &KeyData{Salt: "not base64!!"}) {
		t.Error("malformed salt accepted")
	}

	if VerifyPassword("Password1", nil) {
		t.Error("nil KeyData accepted")
	}
}

func TestEncryptObject_RoundTrip(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)

	type envelope struct {
		Name  string   `json:"name"`
		Count int      `json:"count"`
		Tags  []string `json:"tags"`
	}

	in := envelope{Name: "work", Count: 42, Tags: []string{"a", "b"}}

	payload, err := EncryptObject(in, key)
	if err != nil {
		t.Fatalf("EncryptObject: %v", err)
	}

	var out envelope
	if err := DecryptObject(payload, key, &out); err != nil {
		t.Fatalf("DecryptObject: %v", err)
	}

	if out.Name != in.Name || out.Count != in.Count || len(out.Tags) != 2 {
		t.Errorf("object round trip mismatch: %+v", out)
	}
}

func TestReEncrypt(t *testing.T) {
	t.Parallel()

	oldKey, salt := testKey(t)

	newKey, err := DeriveKey("NewPassword9", salt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	defer newKey.Close()

	payload, err := Encrypt("carried over", oldKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	reEncrypted, err := ReEncrypt(payload, oldKey, newKey)
	if err != nil {
		t.Fatalf("ReEncrypt: %v", err)
	}

	got, err := Decrypt(reEncrypted, newKey)
	if err != nil {
		t.Fatalf("Decrypt with new key: %v", err)
	}

	if got != "carried over" {
		t.Errorf("re-encrypted plaintext = %q", got)
	}

	// Old key must no longer open the new payload.
	if _, err := Decrypt(reEncrypted, oldKey); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("old key still opens re-encrypted payload: %v", err)
	}
}

func TestComputeChecksum(t *testing.T) {
	t.Parallel()

	c1 := ComputeChecksum("payload one")
	c2 := ComputeChecksum("payload one")
	c3 := ComputeChecksum("payload two")

	if c1 != c2 {
		t.Errorf("checksum not deterministic: %s vs %s", c1, c2)
	}

	if c1 == c3 {
		t.Errorf("distinct payloads share checksum %s", c1)
	}

	if len(c1) != checksumHexLen {
		t.Errorf("checksum length = %d, want %d", len(c1), checksumHexLen)
	}
}

func TestKey_CloseZeroizes(t *testing.T) {
	t.Parallel()

	key, _ := testKey(t)
	key.Close()

	if _, err := Encrypt("anything", key); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("closed key usable: %v", err)
	}
}
