package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"activity-relay/internal/models"
	"activity-relay/internal/relayerr"
	"activity-relay/internal/security"
)

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"

	messageTypeNotification = "notification"
	messageTypeVerification = "webhook_callback_verification"
	messageTypeRevocation   = "revocation"

	maxWebhookBody = 1 << 20
)

// handleWebhook is the provider's synchronous critical path: verify,
// persist, acknowledge. Translation and forwarding happen off this path so
// the ack always beats the provider's delivery timeout.
func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_body", "message": "could not read request body"}})
		return
	}

	msgID := c.GetHeader(headerMessageID)
	msgTimestamp := c.GetHeader(headerMessageTimestamp)
	msgSignature := c.GetHeader(headerMessageSignature)
	msgType := c.GetHeader(headerMessageType)

	if msgID == "" || msgTimestamp == "" || msgSignature == "" {
		s.rejectSignature(c, "missing verification headers")
		return
	}

	var env models.NotificationEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Subscription.ID == "" {
		s.rejectSignature(c, "malformed envelope")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	// the per-subscription secret is the only trust anchor here; an unknown
	// subscription id cannot be verified and is rejected outright
	secret, err := s.channels.GetSubscriptionSecret(ctx, env.Subscription.ID)
	if err != nil {
		s.rejectSignature(c, "unknown subscription "+env.Subscription.ID)
		return
	}

	if !security.VerifySignature(secret, msgID, msgTimestamp, body, msgSignature) {
		s.rejectSignature(c, "hmac mismatch")
		return
	}

	switch msgType {
	case messageTypeVerification:
		// subscription-confirmation handshake: echo the challenge raw,
		// never through the event pipeline
		if err := s.channels.SetSubscriptionStatus(ctx, env.Subscription.ID, models.SubscriptionActive); err != nil {
			s.log.Warn("challenge_status_update_failed", "subscription_id", env.Subscription.ID, "error", err)
		}
		s.log.Info("challenge_answered", "subscription_id", env.Subscription.ID, "type", env.Subscription.Type)
		c.String(http.StatusOK, env.Challenge)
		return

	case messageTypeRevocation:
		if err := s.channels.SetSubscriptionStatus(ctx, env.Subscription.ID, models.SubscriptionRevoked); err != nil {
			s.log.Warn("revocation_status_update_failed", "subscription_id", env.Subscription.ID, "error", err)
		}
		s.log.Warn("subscription_revoked_by_provider", "subscription_id", env.Subscription.ID, "status", env.Subscription.Status)
		c.JSON(http.StatusOK, gin.H{"status": "revoked"})
		return

	case messageTypeNotification, "":
		// fall through
	default:
		s.log.Warn("unknown_message_type", "type", msgType)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	// replay mitigation: stale deliveries are rejected before any row exists
	sentAt, err := time.Parse(time.RFC3339Nano, msgTimestamp)
	if err != nil || time.Since(sentAt) > s.cfg.WebhookTolerance {
		s.log.Warn("webhook_stale_rejected", "event_id", msgID, "timestamp", msgTimestamp, "client_ip", c.ClientIP())
		s.respondError(c, http.StatusForbidden, relayerr.ErrStaleRequest, "message timestamp outside tolerance")
		return
	}

	channelID := env.Subscription.Condition.BroadcasterUserID
	if channelID == "" {
		channelID = env.Subscription.Condition.ToBroadcasterUserID
	}

	// redis fast path: already-inserted ids skip the database round trip;
	// the insert's ON CONFLICT stays authoritative for races
	seenKey := "event:seen:" + msgID
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, seenKey); err == nil && cached != "" {
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
	}

	ev := models.InboundEvent{
		EventID:    msgID,
		ChannelID:  channelID,
		EventType:  env.Subscription.Type,
		RawPayload: env.Event,
		ReceivedAt: time.Now(),
	}

	// persist before acknowledging: once the provider gets a 2xx the event
	// must survive a crash
	inserted, err := s.events.InsertDedup(ctx, ev)
	if err != nil {
		s.log.Error("event_persist_failed", "event_id", msgID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "persist_failed", "message": "event not recorded"}})
		return
	}

	if s.redis != nil {
		_ = s.redis.Set(ctx, seenKey, "1", 10*time.Minute)
	}

	if !inserted {
		// at-least-once delivery from the provider becomes at-most-once
		// processing: duplicates are acknowledged and dropped
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	if s.dispatch != nil {
		s.dispatch.Dispatch(ev)
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (s *Server) rejectSignature(c *gin.Context, reason string) {
	// security-relevant: these rejections are logged with the source
	s.log.Warn("webhook_signature_rejected", "reason", reason, "client_ip", c.ClientIP())
	s.respondError(c, http.StatusForbidden, relayerr.ErrSignatureInvalid, "signature verification failed")
}
