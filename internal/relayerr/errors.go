package relayerr

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the pipeline. Handlers map these to HTTP codes,
// background jobs use them to decide between retry and giving up.
var (
	// ErrSignatureInvalid: inbound webhook failed HMAC verification.
	ErrSignatureInvalid = errors.New("signature_invalid")

	// ErrStaleRequest: inbound webhook timestamp outside the replay tolerance.
	ErrStaleRequest = errors.New("stale_request")

	// ErrInvalidState: OAuth callback carried an unknown, reused or expired state token.
	ErrInvalidState = errors.New("invalid_state")

	// ErrExchange: the provider rejected the authorization-code exchange.
	ErrExchange = errors.New("exchange_failed")

	// ErrReauthRequired: the refresh token is dead; automatic refresh is
	// suspended until a human re-authorizes the account.
	ErrReauthRequired = errors.New("reauth_required")

	ErrNotFound = errors.New("not_found")
)

// ConfigError is fatal at startup. It is never returned from request paths.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
	}
	return "config: " + e.Msg
}

func NewConfigError(key, msg string) error {
	return &ConfigError{Key: key, Msg: msg}
}

// Code returns the machine-readable error kind for API responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrStaleRequest):
		return "stale_request"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrExchange):
		return "exchange_failed"
	case errors.Is(err, ErrReauthRequired):
		return "reauth_required"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
