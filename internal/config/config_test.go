package config

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"activity-relay/internal/relayerr"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "postgres://localhost/relay")
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "csecret")
	t.Setenv("OAUTH_REDIRECT_URI", "http://localhost:8080/auth/callback")
	t.Setenv("WEBHOOK_PUBLIC_URL", "https://relay.example/webhook")
	t.Setenv("REPUTATION_API_URL", "http://reputation:9000")
	t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.EventWorkerCount != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.EventWorkerCount)
	}
	if cfg.WebhookTolerance != 10*time.Minute {
		t.Errorf("expected 10m tolerance, got %v", cfg.WebhookTolerance)
	}
	if len(cfg.EncryptionKey) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(cfg.EncryptionKey))
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "http://localhost:3000" {
		t.Errorf("unexpected CORS default: %v", cfg.CORSOrigins)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DB_DSN", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing DB_DSN")
	}

	var ce *relayerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
	if !strings.Contains(err.Error(), "DB_DSN") {
		t.Errorf("expected error to name the variable, got %q", err.Error())
	}
}

func TestLoad_EncryptionKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("ENCRYPTION_KEY", tt.key)

			if _, err := Load(); err == nil {
				t.Error("expected encryption key rejection")
			}
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("EVENT_WORKER_COUNT", "16")
	t.Setenv("WEBHOOK_TOLERANCE", "5m")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.EventWorkerCount != 16 {
		t.Errorf("expected 16 workers, got %d", cfg.EventWorkerCount)
	}
	if cfg.WebhookTolerance != 5*time.Minute {
		t.Errorf("expected 5m tolerance, got %v", cfg.WebhookTolerance)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected CORS origins: %v", cfg.CORSOrigins)
	}
}
