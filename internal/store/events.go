package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"activity-relay/internal/db"
	"activity-relay/internal/models"
	"activity-relay/internal/relayerr"
)

// EventStore owns the append-only inbound event log. Rows are never mutated
// after insert except the processed flag.
type EventStore struct {
	db *db.DB
}

// InsertDedup persists the event unless its provider-assigned id was already
// seen. The ON CONFLICT clause makes the check-and-insert atomic: two
// concurrent deliveries of the same event cannot both observe "not seen".
func (s *EventStore) InsertDedup(ctx context.Context, ev models.InboundEvent) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO inbound_events (event_id, channel_id, event_type, raw_payload, received_at, processed)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.ChannelID, ev.EventType, ev.RawPayload, ev.ReceivedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *EventStore) Get(ctx context.Context, eventID string) (models.InboundEvent, error) {
	var ev models.InboundEvent
	err := s.db.Pool.QueryRow(ctx,
		`SELECT event_id, channel_id, event_type, raw_payload, received_at, processed
		 FROM inbound_events WHERE event_id = $1`,
		eventID,
	).Scan(&ev.EventID, &ev.ChannelID, &ev.EventType, &ev.RawPayload, &ev.ReceivedAt, &ev.Processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InboundEvent{}, fmt.Errorf("event %s: %w", eventID, relayerr.ErrNotFound)
	}
	return ev, err
}

// ListUnprocessed returns events awaiting translation in receipt order.
// The recovery sweep uses this after a crash between persist and translate.
func (s *EventStore) ListUnprocessed(ctx context.Context, limit int) ([]models.InboundEvent, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT event_id, channel_id, event_type, raw_payload, received_at, processed
		 FROM inbound_events
		 WHERE processed = FALSE
		 ORDER BY received_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *EventStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE inbound_events SET processed = TRUE WHERE event_id = $1`,
		eventID,
	)
	return err
}

// List serves GET /events; channelID empty means all channels.
func (s *EventStore) List(ctx context.Context, channelID string, limit int) ([]models.InboundEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT event_id, channel_id, event_type, raw_payload, received_at, processed
		 FROM inbound_events
		 WHERE ($1 = '' OR channel_id = $1)
		 ORDER BY received_at DESC
		 LIMIT $2`,
		channelID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]models.InboundEvent, error) {
	events := make([]models.InboundEvent, 0)
	for rows.Next() {
		var ev models.InboundEvent
		if err := rows.Scan(&ev.EventID, &ev.ChannelID, &ev.EventType, &ev.RawPayload, &ev.ReceivedAt, &ev.Processed); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
