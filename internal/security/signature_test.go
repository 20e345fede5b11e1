package security

import (
	"strings"
	"testing"
)

func TestVerifySignature_Valid(t *testing.T) {
	secret := "s3cr3t"
	msgID := "e76c6bd4-55c9-4987-8304-da1588d8988b"
	timestamp := "2026-01-15T12:00:00.123Z"
	body := []byte(`{"subscription":{"id":"abc"},"event":{"user_id":"1234"}}`)

	header := ComputeSignature(secret, msgID, timestamp, body)

	if !strings.HasPrefix(header, "sha256=") {
		t.Fatalf("expected sha256= prefix, got %s", header)
	}
	if !VerifySignature(secret, msgID, timestamp, body, header) {
		t.Error("expected valid signature to verify")
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	secret := "s3cr3t"
	msgID := "msg-1"
	timestamp := "2026-01-15T12:00:00Z"
	body := []byte(`{"event":{"bits":100}}`)

	header := ComputeSignature(secret, msgID, timestamp, body)

	tampered := []byte(`{"event":{"bits":999}}`)
	if VerifySignature(secret, msgID, timestamp, tampered, header) {
		t.Error("expected tampered body to fail verification")
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	msgID := "msg-1"
	timestamp := "2026-01-15T12:00:00Z"
	body := []byte(`{}`)

	header := ComputeSignature("secret-a", msgID, timestamp, body)

	if VerifySignature("secret-b", msgID, timestamp, body, header) {
		t.Error("expected wrong secret to fail verification")
	}
}

func TestVerifySignature_MalformedHeader(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"no prefix", "deadbeef"},
		{"wrong algo", "sha1=deadbeef"},
		{"truncated", "sha256=dead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if VerifySignature("secret", "id", "ts", []byte("body"), tt.header) {
				t.Errorf("expected header %q to fail verification", tt.header)
			}
		})
	}
}

func TestGenerateSecret_UniqueAndLongEnough(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := GenerateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if a == b {
		t.Error("expected two generated secrets to differ")
	}
	// 32 random bytes hex-encoded
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
