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

// ActivityStore owns derived activities. One row per source event; the
// unique constraint on source_event_id makes translation idempotent.
type ActivityStore struct {
	db *db.DB
}

// Insert creates the activity unless one already exists for the same source
// event. Returns false when reprocessing hit an already-translated event.
func (s *ActivityStore) Insert(ctx context.Context, act models.Activity) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO activities (id, source_event_id, channel_id, user_ref, event_type, points, derived_at, forwarded, forward_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL)
		 ON CONFLICT (source_event_id) DO NOTHING`,
		act.ID, act.SourceEventID, act.ChannelID, act.UserRef, act.EventType, act.Points, act.DerivedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *ActivityStore) Get(ctx context.Context, activityID string) (models.Activity, error) {
	var act models.Activity
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, source_event_id, channel_id, user_ref, event_type, points, derived_at, forwarded, forward_error
		 FROM activities WHERE id = $1`,
		activityID,
	).Scan(&act.ID, &act.SourceEventID, &act.ChannelID, &act.UserRef, &act.EventType, &act.Points, &act.DerivedAt, &act.Forwarded, &act.ForwardError)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Activity{}, fmt.Errorf("activity %s: %w", activityID, relayerr.ErrNotFound)
	}
	return act, err
}

func (s *ActivityStore) GetBySourceEvent(ctx context.Context, eventID string) (models.Activity, error) {
	var act models.Activity
	err := s.db.Pool.QueryRow(ctx,
		`SELECT id, source_event_id, channel_id, user_ref, event_type, points, derived_at, forwarded, forward_error
		 FROM activities WHERE source_event_id = $1`,
		eventID,
	).Scan(&act.ID, &act.SourceEventID, &act.ChannelID, &act.UserRef, &act.EventType, &act.Points, &act.DerivedAt, &act.Forwarded, &act.ForwardError)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Activity{}, fmt.Errorf("activity for event %s: %w", eventID, relayerr.ErrNotFound)
	}
	return act, err
}

// MarkForwarded flips the forwarded flag. A non-nil annotation records a
// permanent downstream rejection so the retry sweep leaves the row alone.
func (s *ActivityStore) MarkForwarded(ctx context.Context, activityID string, annotation *string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE activities SET forwarded = TRUE, forward_error = $1 WHERE id = $2`,
		annotation, activityID,
	)
	return err
}

// ListUnforwarded feeds the forwarding-retry sweep, oldest first.
func (s *ActivityStore) ListUnforwarded(ctx context.Context, limit int) ([]models.Activity, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, source_event_id, channel_id, user_ref, event_type, points, derived_at, forwarded, forward_error
		 FROM activities
		 WHERE forwarded = FALSE
		 ORDER BY derived_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

// List serves GET /activities with optional channel and forwarded filters.
func (s *ActivityStore) List(ctx context.Context, channelID string, forwarded *bool, limit int) ([]models.Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, source_event_id, channel_id, user_ref, event_type, points, derived_at, forwarded, forward_error
		 FROM activities
		 WHERE ($1 = '' OR channel_id = $1)
		   AND ($2::boolean IS NULL OR forwarded = $2)
		 ORDER BY derived_at DESC
		 LIMIT $3`,
		channelID, forwarded, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func scanActivities(rows pgx.Rows) ([]models.Activity, error) {
	acts := make([]models.Activity, 0)
	for rows.Next() {
		var act models.Activity
		if err := rows.Scan(&act.ID, &act.SourceEventID, &act.ChannelID, &act.UserRef, &act.EventType, &act.Points, &act.DerivedAt, &act.Forwarded, &act.ForwardError); err != nil {
			return nil, err
		}
		acts = append(acts, act)
	}
	return acts, rows.Err()
}
