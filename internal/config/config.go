package config

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"
	"time"

	"activity-relay/internal/relayerr"
)

type Config struct {
	DBDSN    string
	RedisDSN string
	HTTPAddr string
	LogLevel string

	// provider app credentials; never log these
	TwitchClientID     string
	TwitchClientSecret string
	OAuthRedirectURI   string
	WebhookPublicURL   string

	EncryptionKeyRaw string
	EncryptionKey    []byte // decoded, 32 bytes

	AdminSecretKey string
	CORSOrigins    []string

	ReputationAPIURL string
	ContextAPIURL    string
	GatewayAPIURL    string

	EventWorkerCount int

	RefreshLookahead    time.Duration
	RefreshSweepEvery   time.Duration
	MaxRefreshFailures  int
	WebhookTolerance    time.Duration
	ForwardMaxAttempts  int
	ForwardSweepEvery   time.Duration
	ReconcileSweepEvery time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		DBDSN:    os.Getenv("DB_DSN"),
		RedisDSN: getenvDefault("REDIS_DSN", "redis://localhost:6379/0"),
		HTTPAddr: getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel: getenvDefault("LOG_LEVEL", "info"),

		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		OAuthRedirectURI:   os.Getenv("OAUTH_REDIRECT_URI"),
		WebhookPublicURL:   os.Getenv("WEBHOOK_PUBLIC_URL"),

		AdminSecretKey: getenvDefault("ADMIN_SECRET_KEY", ""),

		ReputationAPIURL: os.Getenv("REPUTATION_API_URL"),
		ContextAPIURL:    getenvDefault("CONTEXT_API_URL", ""),
		GatewayAPIURL:    getenvDefault("GATEWAY_API_URL", ""),

		EventWorkerCount: getenvInt("EVENT_WORKER_COUNT", 8),

		RefreshLookahead:    getenvDuration("REFRESH_LOOKAHEAD", 10*time.Minute),
		RefreshSweepEvery:   getenvDuration("REFRESH_SWEEP_EVERY", time.Minute),
		MaxRefreshFailures:  getenvInt("MAX_REFRESH_FAILURES", 5),
		WebhookTolerance:    getenvDuration("WEBHOOK_TOLERANCE", 10*time.Minute),
		ForwardMaxAttempts:  getenvInt("FORWARD_MAX_ATTEMPTS", 5),
		ForwardSweepEvery:   getenvDuration("FORWARD_SWEEP_EVERY", 2*time.Minute),
		ReconcileSweepEvery: getenvDuration("RECONCILE_SWEEP_EVERY", 15*time.Minute),
	}

	required := []struct{ key, val string }{
		{"DB_DSN", cfg.DBDSN},
		{"TWITCH_CLIENT_ID", cfg.TwitchClientID},
		{"TWITCH_CLIENT_SECRET", cfg.TwitchClientSecret},
		{"OAUTH_REDIRECT_URI", cfg.OAuthRedirectURI},
		{"WEBHOOK_PUBLIC_URL", cfg.WebhookPublicURL},
		{"REPUTATION_API_URL", cfg.ReputationAPIURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			return Config{}, relayerr.NewConfigError(r.key, "missing required value")
		}
	}

	// decode encryption key (base64, must be 32 bytes)
	cfg.EncryptionKeyRaw = os.Getenv("ENCRYPTION_KEY")
	if cfg.EncryptionKeyRaw == "" {
		return Config{}, relayerr.NewConfigError("ENCRYPTION_KEY", "missing required value")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKeyRaw)
	if err != nil {
		return Config{}, relayerr.NewConfigError("ENCRYPTION_KEY", "must be valid base64")
	}
	if len(key) != 32 {
		return Config{}, relayerr.NewConfigError("ENCRYPTION_KEY", "must be 32 bytes (256 bits)")
	}
	cfg.EncryptionKey = key

	// parse CORS origins
	corsOrigins := getenvDefault("CORS_ORIGINS", "")
	if corsOrigins != "" {
		cfg.CORSOrigins = strings.Split(corsOrigins, ",")
		for i := range cfg.CORSOrigins {
			cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
		}
	} else {
		cfg.CORSOrigins = []string{"http://localhost:3000"} // default
	}

	return cfg, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
