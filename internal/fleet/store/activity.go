package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fleetbridge/fleetbridge/internal/fleet/model"
)

// RecordActivity increments the owner's histogram bucket for the given local
// hour, creating the pattern row on first activity.
func (s *Store) RecordActivity(ctx context.Context, userID uuid.UUID, hour int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour %d out of range", hour)
	}
	// hourly is int[24]; array indexes are 1-based in Postgres.
	_, err := s.db.Exec(ctx, `
		INSERT INTO activity_patterns (user_id, hourly, schedule_mode, timezone, updated_at)
		VALUES ($1, array_fill(0, ARRAY[24]), 'AUTO_DETECT', 'UTC', $2)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure activity pattern: %w", err)
	}
	_, err = s.db.Exec(ctx, fmt.Sprintf(`
		UPDATE activity_patterns
		SET hourly[%d] = hourly[%d] + 1, updated_at = $2
		WHERE user_id = $1`, hour+1, hour+1),
		userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// GetActivityPattern loads an owner's activity pattern. ErrNotFound means no
// activity has been observed yet.
func (s *Store) GetActivityPattern(ctx context.Context, userID uuid.UUID) (*model.ActivityPattern, error) {
	var p model.ActivityPattern
	var hourly []int
	err := s.db.QueryRow(ctx, `
		SELECT user_id, hourly, quiet_start, quiet_end, schedule_mode, timezone, updated_at
		FROM activity_patterns WHERE user_id = $1`,
		userID).Scan(&p.UserID, &hourly, &p.QuietStart, &p.QuietEnd, &p.Mode, &p.Timezone, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	for i := 0; i < len(hourly) && i < 24; i++ {
		p.Hourly[i] = hourly[i]
	}
	return &p, nil
}

// SetQuietWindow persists a detected quiet-hour window.
func (s *Store) SetQuietWindow(ctx context.Context, userID uuid.UUID, start, end *int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE activity_patterns SET quiet_start = $2, quiet_end = $3, updated_at = $4
		WHERE user_id = $1`,
		userID, start, end, time.Now().UTC())
	return err
}

// SetScheduleMode updates an owner's schedule mode and timezone.
func (s *Store) SetScheduleMode(ctx context.Context, userID uuid.UUID, mode model.ScheduleMode, timezone string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO activity_patterns (user_id, hourly, schedule_mode, timezone, updated_at)
		VALUES ($1, array_fill(0, ARRAY[24]), $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET schedule_mode = $2, timezone = $3, updated_at = $4`,
		userID, mode, timezone, time.Now().UTC())
	return err
}
