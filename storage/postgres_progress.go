package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PostgreSQL NOTIFY channels. Listeners treat notifications as wakeup hints;
// polling remains the source of truth.
const (
	ChannelJobQueued = "finsight_job_queued"
	ChannelProgress  = "finsight_progress"
)

// AppendProgressEvent appends an event to the per-session progress log.
func (s *PostgresStore) AppendProgressEvent(ctx context.Context, ev *ProgressEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if ev.Type == "" {
		ev.Type = EventGeneric
	}
	if ev.Level == "" {
		ev.Level = LevelInfo
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	detailsJSON, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal details: %w", err)
	}

	query := `
		INSERT INTO finsight_progress_events
			(id, session_id, type, level, message, details, processed, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
	`

	_, err = s.getQuerier(ctx).Exec(ctx, query,
		ev.ID, ev.SessionID, ev.Type, ev.Level, ev.Message, detailsJSON, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append progress event: %w", err)
	}

	_, _ = s.getQuerier(ctx).Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelProgress, ev.SessionID)

	return nil
}

// PollUnprocessedEvents returns events with processed=false in timestamp order.
func (s *PostgresStore) PollUnprocessedEvents(ctx context.Context, limit int) ([]*ProgressEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, type, level, message, details, processed, timestamp
		FROM finsight_progress_events
		WHERE processed = FALSE
		ORDER BY timestamp ASC, id ASC
		LIMIT $1
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to poll events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MarkEventProcessed advances the fan-out cursor past an event.
func (s *PostgresStore) MarkEventProcessed(ctx context.Context, id string) error {
	_, err := s.getQuerier(ctx).Exec(ctx,
		`UPDATE finsight_progress_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// ListSessionEvents returns a session's events in append order.
func (s *PostgresStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*ProgressEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, session_id, type, level, message, details, processed, timestamp
		FROM finsight_progress_events
		WHERE session_id = $1
		ORDER BY timestamp ASC, id ASC
		LIMIT $2
	`

	rows, err := s.getQuerier(ctx).Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*ProgressEvent, error) {
	var events []*ProgressEvent

	for rows.Next() {
		var ev ProgressEvent
		var detailsJSON []byte

		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &ev.Level,
			&ev.Message, &detailsJSON, &ev.Processed, &ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal details: %w", err)
			}
		}

		events = append(events, &ev)
	}

	return events, rows.Err()
}

// CacheGet returns the entry for key, or nil on a miss or past expiry.
func (s *PostgresStore) CacheGet(ctx context.Context, key string) (*CacheEntry, error) {
	query := `
		SELECT key, result, analysis_id, expires_at, created_at
		FROM finsight_cache
		WHERE key = $1 AND expires_at > NOW()
	`

	var entry CacheEntry
	var resultJSON []byte

	err := s.getQuerier(ctx).QueryRow(ctx, query, key).Scan(
		&entry.Key, &resultJSON, &entry.AnalysisID, &entry.ExpiresAt, &entry.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	if err := json.Unmarshal(resultJSON, &entry.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	return &entry, nil
}

// CachePut upserts an entry under its content-addressed key.
func (s *PostgresStore) CachePut(ctx context.Context, entry *CacheEntry) error {
	if entry.Key == "" {
		return fmt.Errorf("cache key is required")
	}

	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		INSERT INTO finsight_cache (key, result, analysis_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE SET
			result = EXCLUDED.result,
			analysis_id = EXCLUDED.analysis_id,
			expires_at = EXCLUDED.expires_at
	`

	_, err = s.getQuerier(ctx).Exec(ctx, query,
		entry.Key, resultJSON, entry.AnalysisID, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// CacheInvalidateByAnalysis removes all entries referencing an analysis.
func (s *PostgresStore) CacheInvalidateByAnalysis(ctx context.Context, analysisID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM finsight_cache WHERE analysis_id = $1`, analysisID)
	if err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

// PurgeExpiredCache removes entries past their expiry.
func (s *PostgresStore) PurgeExpiredCache(ctx context.Context) (int64, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM finsight_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneProcessedEvents deletes processed events older than the cutoff.
func (s *PostgresStore) PruneProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM finsight_progress_events
		 WHERE processed = TRUE AND timestamp < NOW() - $1 * INTERVAL '1 second'`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}
