package security

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey()
	plaintext := "refresh-token-abc123"

	enc, err := EncryptSecret(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == plaintext {
		t.Error("ciphertext equals plaintext")
	}

	dec, err := DecryptSecret(enc, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != plaintext {
		t.Errorf("expected %q, got %q", plaintext, dec)
	}
}

func TestEncrypt_NondeterministicNonce(t *testing.T) {
	key := testKey()

	a, _ := EncryptSecret("same-input", key)
	b, _ := EncryptSecret("same-input", key)

	if a == b {
		t.Error("expected distinct ciphertexts for the same plaintext")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	enc, err := EncryptSecret("token", testKey())
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	wrongKey := bytes.Repeat([]byte{0x13}, 32)
	if _, err := DecryptSecret(enc, wrongKey); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	key := testKey()
	enc, err := EncryptSecret("token", key)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := DecryptSecret(tampered, key); err == nil {
		t.Error("expected tampered ciphertext to fail authentication")
	}
}

func TestEncrypt_RejectsBadKeyLength(t *testing.T) {
	if _, err := EncryptSecret("token", []byte("short")); err == nil {
		t.Error("expected short key to be rejected")
	}
}
