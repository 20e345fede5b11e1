package models

import "encoding/json"

// Supported EventSub subscription types and their versions.
var SupportedEventTypes = map[string]string{
	"channel.follow":            "2",
	"channel.subscribe":         "1",
	"channel.cheer":             "1",
	"channel.raid":              "1",
	"channel.subscription.gift": "1",
	"channel.ban":               "1",
}

// EventSubCondition é a condição enviada ao criar uma subscription.
type EventSubCondition struct {
	BroadcasterUserID   string `json:"broadcaster_user_id,omitempty"`
	ToBroadcasterUserID string `json:"to_broadcaster_user_id,omitempty"`
	ModeratorUserID     string `json:"moderator_user_id,omitempty"`
}

type EventSubTransport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// EventSubSubscription mirrors the provider's subscription resource.
type EventSubSubscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition EventSubCondition `json:"condition"`
	Transport EventSubTransport `json:"transport"`
	CreatedAt string            `json:"created_at"`
}

// NotificationEnvelope is the body of every EventSub webhook delivery.
// For the verification handshake only Challenge and Subscription are set.
type NotificationEnvelope struct {
	Challenge    string               `json:"challenge,omitempty"`
	Subscription EventSubSubscription `json:"subscription"`
	Event        json.RawMessage      `json:"event,omitempty"`
}

// EventFields covers the payload fields the translator cares about across
// all supported event types. Uncommon fields stay in the raw payload.
type EventFields struct {
	UserID                string `json:"user_id"`
	UserLogin             string `json:"user_login"`
	UserName              string `json:"user_name"`
	BroadcasterUserID     string `json:"broadcaster_user_id"`
	ToBroadcasterUserID   string `json:"to_broadcaster_user_id"`
	FromBroadcasterUserID string `json:"from_broadcaster_user_id"`
	Bits                  int64  `json:"bits"`
	Total                 int64  `json:"total"`
	Viewers               int64  `json:"viewers"`
	Tier                  string `json:"tier"`
	IsGift                bool   `json:"is_gift"`
}
