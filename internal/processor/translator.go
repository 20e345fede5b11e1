package processor

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"activity-relay/internal/models"
)

// Point values per supported event type. Cheers are worth their bit count
// and are handled separately.
var pointTable = map[string]int64{
	"channel.follow":            10,
	"channel.subscribe":         50,
	"channel.raid":              30,
	"channel.subscription.gift": 60,
	"channel.ban":               -10,
}

// Translate deterministically maps a raw inbound event to an Activity.
// Unknown event types become zero-point activities instead of being
// dropped, keeping the audit trail complete. The returned platform user id
// still needs resolving to an internal identity.
func Translate(ev models.InboundEvent) (models.Activity, string) {
	var fields models.EventFields
	// a malformed payload translates like an unknown type: zero points,
	// recorded anyway
	_ = json.Unmarshal(ev.RawPayload, &fields)

	points := int64(0)
	switch ev.EventType {
	case "channel.cheer":
		points = fields.Bits
	default:
		points = pointTable[ev.EventType]
	}

	platformUserID := fields.UserID
	if ev.EventType == "channel.raid" {
		platformUserID = fields.FromBroadcasterUserID
	}
	if platformUserID == "" {
		platformUserID = "unknown"
	}

	return models.Activity{
		ID:            uuid.NewString(),
		SourceEventID: ev.EventID,
		ChannelID:     ev.ChannelID,
		UserRef:       "twitch:" + platformUserID,
		EventType:     ev.EventType,
		Points:        points,
		DerivedAt:     time.Now(),
	}, platformUserID
}
