package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `
	id, queue, session_id, status, priority, payload, attempts, max_attempts,
	timeout_seconds, visible_after, claimed_by, last_error, created_at,
	updated_at, finalized_at`

// EnqueueJob inserts a job with status queued, attempts 0 and an immediately
// visible deadline. Idempotency is the caller's responsibility.
func (s *PostgresStore) EnqueueJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	if job.Priority == 0 {
		job.Priority = 2
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 1
	}
	job.Status = JobQueued

	query := `
		INSERT INTO finsight_jobs
			(id, queue, session_id, status, priority, payload, attempts,
			 max_attempts, timeout_seconds, visible_after, created_at, updated_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, 0, $6, $7, NOW(), NOW(), NOW())
	`

	_, err := s.getQuerier(ctx).Exec(ctx, query,
		job.ID, string(job.Queue), job.SessionID, job.Priority, job.Payload,
		job.MaxAttempts, job.TimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	// Wake any listening worker; delivery is best-effort, polling is the fallback.
	_, _ = s.getQuerier(ctx).Exec(ctx,
		`SELECT pg_notify($1, $2)`, ChannelJobQueued, string(job.Queue))

	return nil
}

// GetJob retrieves a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	rows, err := s.getQuerier(ctx).Query(ctx,
		`SELECT `+jobColumns+` FROM finsight_jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	return jobs[0], nil
}

// ClaimNext atomically claims the next eligible job on a queue. Eligible
// means status queued, or status running with an expired visibility deadline
// (a dead claim being reclaimed). Lower priority number wins; within a band
// the oldest visible_after goes first. The inner SELECT ... FOR UPDATE SKIP
// LOCKED guarantees two workers never claim the same row.
func (s *PostgresStore) ClaimNext(ctx context.Context, queue Queue, workerID string, visibility time.Duration) (*Job, error) {
	query := `
		UPDATE finsight_jobs SET
			status = 'running',
			claimed_by = $2,
			visible_after = NOW() + $3 * INTERVAL '1 second',
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM finsight_jobs
			WHERE queue = $1
			  AND status IN ('queued', 'running')
			  AND visible_after <= NOW()
			ORDER BY priority ASC, visible_after ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	rows, err := s.getQuerier(ctx).Query(ctx, query, string(queue), workerID, visibility.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil // empty queue
	}
	return jobs[0], nil
}

// HeartbeatJob extends the visibility deadline of a held claim. A no-op when
// the claim has moved to another worker or the job is no longer running.
func (s *PostgresStore) HeartbeatJob(ctx context.Context, jobID, workerID string, visibility time.Duration) error {
	query := `
		UPDATE finsight_jobs SET
			visible_after = NOW() + $3 * INTERVAL '1 second',
			updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
	`

	_, err := s.getQuerier(ctx).Exec(ctx, query, jobID, workerID, visibility.Seconds())
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return nil
}

// CompleteJob finalizes a job with a terminal status.
func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, status JobStatus, fields map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal status: %s", status)
	}

	var lastError *string
	if fields != nil {
		if v, ok := fields["error"].(string); ok && v != "" {
			lastError = &v
		}
	}

	query := `
		UPDATE finsight_jobs SET
			status = $2,
			last_error = COALESCE($3, last_error),
			finalized_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.getQuerier(ctx).Exec(ctx, query, jobID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// FailJobWithRetry requeues a job after delay while attempts remain,
// recording the error; once the budget is spent it finalizes as failed.
func (s *PostgresStore) FailJobWithRetry(ctx context.Context, jobID string, lastError string, delay time.Duration, maxAttempts int) error {
	query := `
		UPDATE finsight_jobs SET
			status = CASE WHEN attempts < $3 THEN 'queued' ELSE 'failed' END,
			claimed_by = CASE WHEN attempts < $3 THEN NULL ELSE claimed_by END,
			visible_after = CASE WHEN attempts < $3 THEN NOW() + $4 * INTERVAL '1 second' ELSE visible_after END,
			finalized_at = CASE WHEN attempts < $3 THEN NULL ELSE NOW() END,
			last_error = $2,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := s.getQuerier(ctx).Exec(ctx, query, jobID, lastError, maxAttempts, delay.Seconds())
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

// RequeueJob resets a terminal job to queued. Admin use only.
func (s *PostgresStore) RequeueJob(ctx context.Context, jobID string) error {
	query := `
		UPDATE finsight_jobs SET
			status = 'queued',
			claimed_by = NULL,
			visible_after = NOW(),
			finalized_at = NULL,
			attempts = 0,
			updated_at = NOW()
		WHERE id = $1 AND status IN ('succeeded', 'failed', 'timeout')
	`

	tag, err := s.getQuerier(ctx).Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found or not terminal: %s", jobID)
	}
	return nil
}

// FailPoisonJobs finalizes running jobs whose lease expired after the
// attempt budget was spent. Safety net behind ClaimNext's reclaim path.
func (s *PostgresStore) FailPoisonJobs(ctx context.Context, queue Queue) (int64, error) {
	query := `
		UPDATE finsight_jobs SET
			status = 'failed',
			last_error = COALESCE(last_error, 'exceeded max attempts'),
			finalized_at = NOW(),
			updated_at = NOW()
		WHERE queue = $1 AND status = 'running'
		  AND visible_after < NOW() AND attempts >= max_attempts
	`

	tag, err := s.getQuerier(ctx).Exec(ctx, query, string(queue))
	if err != nil {
		return 0, fmt.Errorf("failed to fail poison jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJobs(rows pgx.Rows) ([]*Job, error) {
	var jobs []*Job

	for rows.Next() {
		var job Job
		var queue, status string

		err := rows.Scan(
			&job.ID, &queue, &job.SessionID, &status, &job.Priority,
			&job.Payload, &job.Attempts, &job.MaxAttempts, &job.TimeoutSeconds,
			&job.VisibleAfter, &job.ClaimedBy, &job.LastError,
			&job.CreatedAt, &job.UpdatedAt, &job.FinalizedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.Queue = Queue(queue)
		job.Status = JobStatus(status)
		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}
