package models

import (
	"encoding/json"
	"time"
)

type ChannelStatus string

const (
	ChannelPending  ChannelStatus = "pending"
	ChannelActive   ChannelStatus = "active"
	ChannelDisabled ChannelStatus = "disabled"
)

type SubscriptionStatus string

const (
	SubscriptionPending SubscriptionStatus = "pending"
	SubscriptionActive  SubscriptionStatus = "active"
	SubscriptionRevoked SubscriptionStatus = "revoked"
)

// Credential holds one account's OAuth token pair. At most one live row per
// account. The refresh token is AES-GCM encrypted at rest; the decrypted
// value only ever lives in memory.
type Credential struct {
	AccountID       string    `json:"account_id"`
	AccessToken     string    `json:"-"`
	RefreshToken    string    `json:"-"`
	Scopes          []string  `json:"scopes"`
	ExpiresAt       time.Time `json:"expires_at"`
	CreatedAt       time.Time `json:"created_at"`
	ReauthRequired  bool      `json:"reauth_required"`
	RefreshFailures int       `json:"refresh_failures"`
}

type MonitoredChannel struct {
	ChannelID string        `json:"channel_id"`
	AccountID string        `json:"account_id"`
	Status    ChannelStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Subscription is one provider EventSub registration. The per-subscription
// signing secret is stored encrypted; SecretRef is the opaque handle exposed
// over the API.
type Subscription struct {
	ID        string             `json:"subscription_id"`
	ChannelID string             `json:"channel_id"`
	EventType string             `json:"event_type"`
	Status    SubscriptionStatus `json:"status"`
	SecretRef string             `json:"secret_ref"`
	CreatedAt time.Time          `json:"created_at"`
}

// InboundEvent is the append-only ingress log. Only the processed flag is
// ever mutated after insert.
type InboundEvent struct {
	EventID    string          `json:"event_id"`
	ChannelID  string          `json:"channel_id"`
	EventType  string          `json:"event_type"`
	RawPayload json.RawMessage `json:"raw_payload"`
	ReceivedAt time.Time       `json:"received_at"`
	Processed  bool            `json:"processed"`
}

// Activity is the normalized, point-valued record derived 1:1 from an
// InboundEvent. Immutable once created except the forwarded flag.
type Activity struct {
	ID            string    `json:"activity_id"`
	SourceEventID string    `json:"source_event_id"`
	ChannelID     string    `json:"channel_id"`
	UserRef       string    `json:"user_ref"`
	EventType     string    `json:"event_type"`
	Points        int64     `json:"points"`
	DerivedAt     time.Time `json:"derived_at"`
	Forwarded     bool      `json:"forwarded"`
	ForwardError  *string   `json:"forward_error,omitempty"`
}
