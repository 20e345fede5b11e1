package twitch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"activity-relay/internal/models"
	"activity-relay/internal/security"
)

// channelStore is the slice of the store the subscription manager needs.
type channelStore interface {
	RegisterChannel(ctx context.Context, channelID, accountID string) (models.MonitoredChannel, error)
	GetChannel(ctx context.Context, channelID string) (models.MonitoredChannel, error)
	SetChannelStatus(ctx context.Context, channelID string, status models.ChannelStatus) error
	UpsertSubscription(ctx context.Context, sub models.Subscription, secret string) error
	GetSubscription(ctx context.Context, subscriptionID string) (models.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	ListSubscriptions(ctx context.Context, channelID string) ([]models.Subscription, error)
	ActiveEventTypes(ctx context.Context, channelID string) (map[string]bool, error)
	MarkRevokedExcept(ctx context.Context, channelID string, keep []string) (int64, error)
	ListChannels(ctx context.Context) ([]models.MonitoredChannel, error)
}

// helixAPI is the provider surface used here; *Client implements it.
type helixAPI interface {
	CreateSubscription(ctx context.Context, eventType, version string, condition models.EventSubCondition, callback, secret string) (models.EventSubSubscription, error)
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	ListSubscriptions(ctx context.Context, broadcasterID string) ([]models.EventSubSubscription, error)
}

// SubscriptionManager keeps local subscription state in step with the
// provider's EventSub registrations.
type SubscriptionManager struct {
	log      *slog.Logger
	channels channelStore
	helix    helixAPI
	callback string
}

func NewSubscriptionManager(log *slog.Logger, channels channelStore, helix helixAPI, callbackURL string) *SubscriptionManager {
	return &SubscriptionManager{
		log:      log,
		channels: channels,
		helix:    helix,
		callback: callbackURL,
	}
}

func (sm *SubscriptionManager) RegisterChannel(ctx context.Context, channelID, accountID string) (models.MonitoredChannel, error) {
	ch, err := sm.channels.RegisterChannel(ctx, channelID, accountID)
	if err != nil {
		return models.MonitoredChannel{}, err
	}
	sm.log.Info("channel_registered", "channel_id", ch.ChannelID, "account_id", ch.AccountID, "status", ch.Status)
	return ch, nil
}

// SetupResult reports per-event-type outcomes so the caller can retry just
// the failures. Already-created subscriptions are never rolled back.
type SetupResult struct {
	Created []models.Subscription `json:"created"`
	Failed  map[string]string     `json:"failed,omitempty"`
}

// SetupSubscriptions creates a provider subscription for every supported
// event type the channel doesn't already have live, each with a freshly
// generated signing secret.
func (sm *SubscriptionManager) SetupSubscriptions(ctx context.Context, channelID string) (SetupResult, error) {
	if _, err := sm.channels.GetChannel(ctx, channelID); err != nil {
		return SetupResult{}, err
	}

	live, err := sm.channels.ActiveEventTypes(ctx, channelID)
	if err != nil {
		return SetupResult{}, err
	}

	result := SetupResult{
		Created: make([]models.Subscription, 0),
		Failed:  make(map[string]string),
	}

	for eventType, version := range models.SupportedEventTypes {
		if live[eventType] {
			continue
		}

		secret, err := security.GenerateSecret()
		if err != nil {
			result.Failed[eventType] = err.Error()
			continue
		}

		providerSub, err := sm.helix.CreateSubscription(ctx, eventType, version, conditionFor(eventType, channelID), sm.callback, secret)
		if err != nil {
			sm.log.Warn("subscription_create_failed", "channel_id", channelID, "event_type", eventType, "error", err)
			result.Failed[eventType] = err.Error()
			continue
		}

		sub := models.Subscription{
			ID:        providerSub.ID,
			ChannelID: channelID,
			EventType: eventType,
			Status:    models.SubscriptionPending,
			SecretRef: uuid.NewString(),
		}
		if err := sm.channels.UpsertSubscription(ctx, sub, secret); err != nil {
			// the provider side exists but we lost the secret; drop it so a
			// retry recreates the pair consistently
			sm.log.Error("subscription_persist_failed", "subscription_id", providerSub.ID, "error", err)
			_ = sm.helix.DeleteSubscription(ctx, providerSub.ID)
			result.Failed[eventType] = err.Error()
			continue
		}

		sm.log.Info("subscription_created", "channel_id", channelID, "event_type", eventType, "subscription_id", providerSub.ID)
		result.Created = append(result.Created, sub)
	}

	if len(result.Failed) == 0 {
		if err := sm.channels.SetChannelStatus(ctx, channelID, models.ChannelActive); err != nil {
			sm.log.Warn("channel_status_update_failed", "channel_id", channelID, "error", err)
		}
	}

	return result, nil
}

// DeleteSubscription removes the registration on both sides. The provider
// reporting "already gone" is fine; local absence is a NotFound.
func (sm *SubscriptionManager) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := sm.channels.GetSubscription(ctx, subscriptionID); err != nil {
		return err
	}

	if err := sm.helix.DeleteSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("provider delete: %w", err)
	}

	if err := sm.channels.DeleteSubscription(ctx, subscriptionID); err != nil {
		return err
	}

	sm.log.Info("subscription_deleted", "subscription_id", subscriptionID)
	return nil
}

// TeardownChannel retires every registration for the channel on both sides
// and disables it. Used when the owning account revokes its credential:
// provider-side subscriptions are created with the app token, so they
// survive a user-token revoke and would keep delivering events whose
// signatures we could no longer verify once the local secrets are gone.
func (sm *SubscriptionManager) TeardownChannel(ctx context.Context, channelID string) error {
	subs, err := sm.channels.ListSubscriptions(ctx, channelID)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if err := sm.helix.DeleteSubscription(ctx, sub.ID); err != nil {
			return fmt.Errorf("provider delete %s: %w", sub.ID, err)
		}
		if err := sm.channels.DeleteSubscription(ctx, sub.ID); err != nil {
			return err
		}
	}

	if err := sm.channels.SetChannelStatus(ctx, channelID, models.ChannelDisabled); err != nil {
		return err
	}

	sm.log.Info("channel_torn_down", "channel_id", channelID, "subscriptions", len(subs))
	return nil
}

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	ProviderCount int   `json:"provider_count"`
	Revoked       int64 `json:"revoked"`
	Unknown       int   `json:"unknown"`
}

// Reconcile makes the provider's subscription list authoritative: local
// subscriptions the provider no longer knows (silently expired, revoked)
// are marked revoked. Provider subscriptions we have no secret for are
// reported; they cannot verify deliveries and need a fresh setup.
func (sm *SubscriptionManager) Reconcile(ctx context.Context, channelID string) (ReconcileResult, error) {
	if _, err := sm.channels.GetChannel(ctx, channelID); err != nil {
		return ReconcileResult{}, err
	}

	providerSubs, err := sm.helix.ListSubscriptions(ctx, channelID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("provider list: %w", err)
	}

	result := ReconcileResult{ProviderCount: len(providerSubs)}

	keep := make([]string, 0, len(providerSubs))
	for _, ps := range providerSubs {
		local, err := sm.channels.GetSubscription(ctx, ps.ID)
		if err != nil {
			result.Unknown++
			sm.log.Warn("reconcile_unknown_subscription", "channel_id", channelID, "subscription_id", ps.ID, "type", ps.Type)
			continue
		}

		keep = append(keep, ps.ID)

		status := models.SubscriptionActive
		if ps.Status != "enabled" && ps.Status != "webhook_callback_verification_pending" {
			status = models.SubscriptionRevoked
		}
		if local.Status != status {
			if err := sm.channels.SetSubscriptionStatus(ctx, ps.ID, status); err != nil {
				sm.log.Warn("reconcile_status_update_failed", "subscription_id", ps.ID, "error", err)
			}
		}
	}

	revoked, err := sm.channels.MarkRevokedExcept(ctx, channelID, keep)
	if err != nil {
		return result, err
	}
	result.Revoked = revoked

	sm.log.Info("reconcile_completed",
		"channel_id", channelID,
		"provider_count", result.ProviderCount,
		"revoked", result.Revoked,
		"unknown", result.Unknown,
	)
	return result, nil
}

// StartReconcileSweep reconciles every non-disabled channel on a fixed
// interval until stop closes.
func (sm *SubscriptionManager) StartReconcileSweep(every time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sm.ReconcileAll(context.Background())
			case <-stop:
				return
			}
		}
	}()
}

func (sm *SubscriptionManager) ReconcileAll(ctx context.Context) {
	chans, err := sm.channels.ListChannels(ctx)
	if err != nil {
		sm.log.Warn("reconcile_sweep_list_failed", "error", err)
		return
	}

	for _, ch := range chans {
		if ch.Status == models.ChannelDisabled {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := sm.Reconcile(opCtx, ch.ChannelID); err != nil {
			sm.log.Warn("reconcile_sweep_channel_failed", "channel_id", ch.ChannelID, "error", err)
		}
		cancel()
	}
}

// conditionFor builds the per-type condition document. Raids point at the
// receiving broadcaster; follows (v2) additionally need a moderator.
func conditionFor(eventType, channelID string) models.EventSubCondition {
	switch eventType {
	case "channel.raid":
		return models.EventSubCondition{ToBroadcasterUserID: channelID}
	case "channel.follow":
		return models.EventSubCondition{BroadcasterUserID: channelID, ModeratorUserID: channelID}
	default:
		return models.EventSubCondition{BroadcasterUserID: channelID}
	}
}
