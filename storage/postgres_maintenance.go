package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RegisterInstance registers (or re-registers) a worker process.
func (s *PostgresStore) RegisterInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}

	metadataJSON, err := json.Marshal(inst.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO finsight_instances (id, hostname, pid, version, metadata, started_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			pid = EXCLUDED.pid,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			last_heartbeat = NOW()
	`

	_, err = s.getQuerier(ctx).Exec(ctx, query,
		inst.ID, inst.Hostname, inst.PID, inst.Version, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}
	return nil
}

// HeartbeatInstance refreshes an instance's liveness timestamp.
func (s *PostgresStore) HeartbeatInstance(ctx context.Context, instanceID string) error {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`UPDATE finsight_instances SET last_heartbeat = NOW() WHERE id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	return nil
}

// DeregisterInstance removes an instance registration.
func (s *PostgresStore) DeregisterInstance(ctx context.Context, instanceID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM finsight_instances WHERE id = $1`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	return nil
}

// DeleteStaleInstances removes instances whose heartbeat lapsed.
func (s *PostgresStore) DeleteStaleInstances(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM finsight_instances
		 WHERE last_heartbeat < NOW() - $1 * INTERVAL '1 second'`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale instances: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AcquireLeadership takes or renews the named lease for instanceID. A lease
// is taken when free or expired, and renewed when already held by the same
// instance. Returns whether instanceID holds the lease afterwards.
func (s *PostgresStore) AcquireLeadership(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO finsight_leader (name, instance_id, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		ON CONFLICT (name) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			expires_at = EXCLUDED.expires_at
		WHERE finsight_leader.instance_id = EXCLUDED.instance_id
		   OR finsight_leader.expires_at < NOW()
		RETURNING instance_id
	`

	var holder string
	err := s.getQuerier(ctx).QueryRow(ctx, query, name, instanceID, ttl.Seconds()).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row returned means another live instance holds the lease.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to acquire leadership: %w", err)
	}
	return holder == instanceID, nil
}

// ReleaseLeadership drops the lease if held by instanceID.
func (s *PostgresStore) ReleaseLeadership(ctx context.Context, name, instanceID string) error {
	_, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM finsight_leader WHERE name = $1 AND instance_id = $2`,
		name, instanceID)
	if err != nil {
		return fmt.Errorf("failed to release leadership: %w", err)
	}
	return nil
}
