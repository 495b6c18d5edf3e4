package storage

import (
	"context"
	"fmt"
)

// Schema is the DDL for all finsight tables. Statements are idempotent so
// Migrate can run on every startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS finsight_users (
		id           TEXT PRIMARY KEY,
		identity     TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		preferences  JSONB NOT NULL DEFAULT '{}',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS finsight_sessions (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_sessions_user
		ON finsight_sessions (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS finsight_messages (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		role              TEXT NOT NULL,
		content           TEXT NOT NULL DEFAULT '',
		analysis_id       TEXT,
		analysis_snapshot JSONB,
		generated_script  TEXT,
		tools_invoked     JSONB,
		status            TEXT NOT NULL DEFAULT 'pending',
		query_type        TEXT NOT NULL DEFAULT '',
		original_question TEXT NOT NULL DEFAULT '',
		expanded_text     TEXT NOT NULL DEFAULT '',
		metadata          JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_messages_session
		ON finsight_messages (session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS finsight_analyses (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		description       TEXT NOT NULL DEFAULT '',
		category          TEXT NOT NULL DEFAULT '',
		parameters        JSONB NOT NULL DEFAULT '{}',
		generated_script  TEXT NOT NULL DEFAULT '',
		mcp_calls         JSONB,
		data_sources      JSONB,
		result            JSONB,
		status            TEXT NOT NULL DEFAULT 'pending',
		error             TEXT NOT NULL DEFAULT '',
		execution_time_ms BIGINT NOT NULL DEFAULT 0,
		is_template       BOOLEAN NOT NULL DEFAULT FALSE,
		similar_queries   JSONB,
		reuse_count       INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_analyses_user
		ON finsight_analyses (user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS finsight_jobs (
		id              TEXT PRIMARY KEY,
		queue           TEXT NOT NULL,
		session_id      TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'queued',
		priority        INTEGER NOT NULL DEFAULT 2,
		payload         JSONB NOT NULL DEFAULT '{}',
		attempts        INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL DEFAULT 1,
		timeout_seconds INTEGER NOT NULL DEFAULT 0,
		visible_after   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		claimed_by      TEXT,
		last_error      TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finalized_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_jobs_claim
		ON finsight_jobs (queue, status, visible_after, priority)`,

	`CREATE TABLE IF NOT EXISTS finsight_progress_events (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT 'generic',
		level      TEXT NOT NULL DEFAULT 'info',
		message    TEXT NOT NULL DEFAULT '',
		details    JSONB,
		processed  BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_events_cursor
		ON finsight_progress_events (processed, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_events_session
		ON finsight_progress_events (session_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS finsight_cache (
		key         TEXT PRIMARY KEY,
		result      JSONB NOT NULL DEFAULT '{}',
		analysis_id TEXT,
		expires_at  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_finsight_cache_analysis
		ON finsight_cache (analysis_id)`,

	`CREATE TABLE IF NOT EXISTS finsight_instances (
		id             TEXT PRIMARY KEY,
		hostname       TEXT NOT NULL DEFAULT '',
		pid            INTEGER NOT NULL DEFAULT 0,
		version        TEXT NOT NULL DEFAULT '',
		metadata       JSONB,
		started_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS finsight_leader (
		name        TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
