package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"activity-relay/internal/db"
	"activity-relay/internal/models"
	"activity-relay/internal/relayerr"
	"activity-relay/internal/security"
)

// ChannelStore owns monitored channels and their EventSub subscriptions.
// Per-subscription signing secrets are encrypted at rest.
type ChannelStore struct {
	db  *db.DB
	key []byte
}

// RegisterChannel is idempotent: re-registering an existing channel returns
// the stored record unchanged.
func (s *ChannelStore) RegisterChannel(ctx context.Context, channelID, accountID string) (models.MonitoredChannel, error) {
	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO channels (channel_id, account_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id) DO NOTHING`,
		channelID, accountID, string(models.ChannelPending),
	)
	if err != nil {
		return models.MonitoredChannel{}, err
	}
	return s.GetChannel(ctx, channelID)
}

func (s *ChannelStore) GetChannel(ctx context.Context, channelID string) (models.MonitoredChannel, error) {
	var ch models.MonitoredChannel
	err := s.db.Pool.QueryRow(ctx,
		`SELECT channel_id, account_id, status, created_at FROM channels WHERE channel_id = $1`,
		channelID,
	).Scan(&ch.ChannelID, &ch.AccountID, &ch.Status, &ch.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MonitoredChannel{}, fmt.Errorf("channel %s: %w", channelID, relayerr.ErrNotFound)
	}
	return ch, err
}

func (s *ChannelStore) SetChannelStatus(ctx context.Context, channelID string, status models.ChannelStatus) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE channels SET status = $1 WHERE channel_id = $2`,
		string(status), channelID,
	)
	return err
}

func (s *ChannelStore) ListChannels(ctx context.Context) ([]models.MonitoredChannel, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT channel_id, account_id, status, created_at FROM channels ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chans := make([]models.MonitoredChannel, 0)
	for rows.Next() {
		var ch models.MonitoredChannel
		if err := rows.Scan(&ch.ChannelID, &ch.AccountID, &ch.Status, &ch.CreatedAt); err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	return chans, rows.Err()
}

func (s *ChannelStore) ListChannelsByAccount(ctx context.Context, accountID string) ([]models.MonitoredChannel, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT channel_id, account_id, status, created_at FROM channels WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chans := make([]models.MonitoredChannel, 0)
	for rows.Next() {
		var ch models.MonitoredChannel
		if err := rows.Scan(&ch.ChannelID, &ch.AccountID, &ch.Status, &ch.CreatedAt); err != nil {
			return nil, err
		}
		chans = append(chans, ch)
	}
	return chans, rows.Err()
}

// UpsertSubscription stores a provider-assigned subscription with its
// plaintext secret, which is encrypted here and never stored raw.
func (s *ChannelStore) UpsertSubscription(ctx context.Context, sub models.Subscription, secret string) error {
	secretEnc, err := security.EncryptSecret(secret, s.key)
	if err != nil {
		return fmt.Errorf("encrypt subscription secret: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO subscriptions (id, channel_id, event_type, status, secret_ref, secret_encrypted)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status`,
		sub.ID, sub.ChannelID, sub.EventType, string(sub.Status), sub.SecretRef, secretEnc,
	)
	return err
}

func (s *ChannelStore) GetSubscription(ctx context.Context, subscriptionID string) (models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, channel_id, event_type, status, secret_ref, created_at
		 FROM subscriptions WHERE id = $1`,
		subscriptionID,
	).Scan(&sub.ID, &sub.ChannelID, &sub.EventType, &sub.Status, &sub.SecretRef, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", subscriptionID, relayerr.ErrNotFound)
	}
	return sub, err
}

// GetSubscriptionSecret returns the decrypted signing secret for webhook
// verification. Unknown subscription ids fail with ErrNotFound so the
// receiver rejects the delivery.
func (s *ChannelStore) GetSubscriptionSecret(ctx context.Context, subscriptionID string) (string, error) {
	var secretEnc string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT secret_encrypted FROM subscriptions WHERE id = $1`,
		subscriptionID,
	).Scan(&secretEnc)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("subscription %s: %w", subscriptionID, relayerr.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return security.DecryptSecret(secretEnc, s.key)
}

func (s *ChannelStore) SetSubscriptionStatus(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE subscriptions SET status = $1 WHERE id = $2`,
		string(status), subscriptionID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", subscriptionID, relayerr.ErrNotFound)
	}
	return nil
}

func (s *ChannelStore) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, subscriptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s: %w", subscriptionID, relayerr.ErrNotFound)
	}
	return nil
}

func (s *ChannelStore) ListSubscriptions(ctx context.Context, channelID string) ([]models.Subscription, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, channel_id, event_type, status, secret_ref, created_at
		 FROM subscriptions
		 WHERE channel_id = $1
		 ORDER BY created_at ASC`,
		channelID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]models.Subscription, 0)
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.ID, &sub.ChannelID, &sub.EventType, &sub.Status, &sub.SecretRef, &sub.CreatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ActiveEventTypes lists event types with a live (pending or active)
// subscription for the channel, so setup can create only the missing ones.
func (s *ChannelStore) ActiveEventTypes(ctx context.Context, channelID string) (map[string]bool, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT event_type FROM subscriptions
		 WHERE channel_id = $1 AND status <> $2`,
		channelID, string(models.SubscriptionRevoked),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	types := make(map[string]bool)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types[t] = true
	}
	return types, rows.Err()
}

// MarkRevokedExcept marks every non-revoked subscription of the channel as
// revoked unless its id is in keep. Used by reconciliation when the
// provider's list is authoritative.
func (s *ChannelStore) MarkRevokedExcept(ctx context.Context, channelID string, keep []string) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1
		 WHERE channel_id = $2 AND status <> $1 AND NOT (id = ANY($3))`,
		string(models.SubscriptionRevoked), channelID, keep,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
