// Package postgres is the shared-database domain.Store, used when
// several dispatch nodes point at one PostgreSQL instance. The schema
// and the version-guarded subtask write mirror the sqlite store; the
// conditional UPDATE is what keeps concurrent nodes from double
// assigning a subtask.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn, verifies connectivity, and applies
// the idempotent schema.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			requester_id TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL,
			completed_at BIGINT,
			failed_at    BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_requester ON tasks(requester_id)`,
		`CREATE TABLE IF NOT EXISTS subtasks (
			id                        TEXT PRIMARY KEY,
			task_id                   TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			payload                   TEXT NOT NULL DEFAULT '',
			partition_index           INTEGER NOT NULL DEFAULT 0,
			partition_count           INTEGER NOT NULL DEFAULT 1,
			status                    TEXT NOT NULL,
			progress                  INTEGER NOT NULL DEFAULT 0,
			assigned_provider_id      TEXT,
			assigned_device_id        TEXT,
			assigned_at               BIGINT,
			started_at                BIGINT,
			last_heartbeat_at         BIGINT,
			next_heartbeat_due_at     BIGINT,
			last_command_at           BIGINT,
			failure_reason            TEXT,
			failed_at                 BIGINT,
			failure_count             INTEGER NOT NULL DEFAULT 0,
			requires_reassignment     BOOLEAN NOT NULL DEFAULT FALSE,
			reassignment_requested_at BIGINT,
			result_payload            TEXT,
			failure_payload           TEXT,
			completed_at              BIGINT,
			execution_ms              BIGINT,
			cost_credits              BIGINT,
			version                   BIGINT NOT NULL DEFAULT 1,
			created_at                BIGINT NOT NULL,
			updated_at                BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_device ON subtasks(assigned_device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_subtasks_heartbeat ON subtasks(status, next_heartbeat_due_at)`,
		`CREATE TABLE IF NOT EXISTS devices (
			id                   TEXT PRIMARY KEY,
			provider_id          TEXT NOT NULL,
			name                 TEXT NOT NULL DEFAULT '',
			connected            BOOLEAN NOT NULL DEFAULT FALSE,
			last_connected_at    BIGINT,
			last_disconnected_at BIGINT,
			last_seen_at         BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_provider ON devices(provider_id)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

const taskCols = `id, requester_id, payload, status, created_at, updated_at, completed_at, failed_at`

func (s *Store) CreateTaskWithSubtasks(ctx context.Context, task *domain.Task, subs []*domain.Subtask) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = tx.Exec(ctx,
		`INSERT INTO tasks (id, requester_id, payload, status, created_at, updated_at, completed_at, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		task.ID, task.RequesterID, task.Payload, string(task.Status),
		task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
		unixPtr(task.CompletedAt), unixPtr(task.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	for _, sub := range subs {
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = now
		}
		sub.UpdatedAt = now
		if sub.Version == 0 {
			sub.Version = 1
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO subtasks (id, task_id, payload, partition_index, partition_count, status, progress,
				failure_count, requires_reassignment, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			sub.ID, sub.TaskID, sub.Payload, sub.PartitionIndex, sub.PartitionCount,
			string(sub.Status), sub.Progress, sub.FailureCount, sub.RequiresReassignment,
			sub.Version, sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert subtask %s: %w", sub.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) TaskByID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

func (s *Store) ListTasksByRequester(ctx context.Context, requesterID string) ([]*domain.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE requester_id = $1 ORDER BY created_at DESC, id`,
		requesterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2, completed_at = $3, failed_at = $4 WHERE id = $5`,
		string(task.Status), task.UpdatedAt.Unix(),
		unixPtr(task.CompletedAt), unixPtr(task.FailedAt), task.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// ─── Subtasks ───────────────────────────────────────────────────────────────

const subtaskCols = `id, task_id, payload, partition_index, partition_count, status, progress,
	assigned_provider_id, assigned_device_id, assigned_at, started_at,
	last_heartbeat_at, next_heartbeat_due_at, last_command_at,
	failure_reason, failed_at, failure_count, requires_reassignment, reassignment_requested_at,
	result_payload, failure_payload, completed_at, execution_ms, cost_credits,
	version, created_at, updated_at`

func (s *Store) SubtaskByID(ctx context.Context, id string) (*domain.Subtask, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+subtaskCols+` FROM subtasks WHERE id = $1`, id)
	return scanSubtask(row)
}

func (s *Store) SubtasksByTask(ctx context.Context, taskID string) ([]*domain.Subtask, error) {
	return s.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks WHERE task_id = $1 ORDER BY created_at, id`,
		taskID,
	)
}

func (s *Store) SubtasksByStatus(ctx context.Context, status domain.SubtaskStatus, limit int) ([]*domain.Subtask, error) {
	if limit > 0 {
		return s.querySubtasks(ctx,
			`SELECT `+subtaskCols+` FROM subtasks WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
			string(status), limit,
		)
	}
	return s.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks WHERE status = $1 ORDER BY created_at, id`,
		string(status),
	)
}

func (s *Store) SubtasksAssignedToDevice(ctx context.Context, deviceID string) ([]*domain.Subtask, error) {
	return s.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks
		 WHERE assigned_device_id = $1 AND status IN ($2, $3)
		 ORDER BY created_at, id`,
		deviceID, string(domain.SubtaskAssigned), string(domain.SubtaskExecuting),
	)
}

func (s *Store) SubtasksOverdue(ctx context.Context, cutoff time.Time) ([]*domain.Subtask, error) {
	return s.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks
		 WHERE status IN ($1, $2) AND next_heartbeat_due_at IS NOT NULL AND next_heartbeat_due_at <= $3
		 ORDER BY created_at, id`,
		string(domain.SubtaskAssigned), string(domain.SubtaskExecuting), cutoff.Unix(),
	)
}

func (s *Store) UpdateSubtask(ctx context.Context, sub *domain.Subtask) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE subtasks SET
			status = $1, progress = $2,
			assigned_provider_id = $3, assigned_device_id = $4, assigned_at = $5, started_at = $6,
			last_heartbeat_at = $7, next_heartbeat_due_at = $8, last_command_at = $9,
			failure_reason = $10, failed_at = $11, failure_count = $12,
			requires_reassignment = $13, reassignment_requested_at = $14,
			result_payload = $15, failure_payload = $16, completed_at = $17,
			execution_ms = $18, cost_credits = $19,
			version = version + 1, updated_at = $20
		 WHERE id = $21 AND version = $22`,
		string(sub.Status), sub.Progress,
		strPtr(sub.AssignedProviderID), strPtr(sub.AssignedDeviceID),
		unixPtr(sub.AssignedAt), unixPtr(sub.StartedAt),
		unixPtr(sub.LastHeartbeatAt), unixPtr(sub.NextHeartbeatDueAt), unixPtr(sub.LastCommandAt),
		strPtr(sub.FailureReason), unixPtr(sub.FailedAt), sub.FailureCount,
		sub.RequiresReassignment, unixPtr(sub.ReassignmentRequestedAt),
		strPtr(sub.ResultPayload), strPtr(sub.FailurePayload), unixPtr(sub.CompletedAt),
		sub.ExecutionMs, sub.CostCredits,
		now.Unix(),
		sub.ID, sub.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var v int64
		err := s.pool.QueryRow(ctx, `SELECT version FROM subtasks WHERE id = $1`, sub.ID).Scan(&v)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSubtaskNotFound
		}
		if err != nil {
			return err
		}
		return domain.ErrVersionConflict
	}
	sub.Version++
	sub.UpdatedAt = now
	return nil
}

func (s *Store) querySubtasks(ctx context.Context, query string, args ...any) ([]*domain.Subtask, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subtask
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ─── Devices ────────────────────────────────────────────────────────────────

const deviceCols = `id, provider_id, name, connected, last_connected_at, last_disconnected_at, last_seen_at`

func (s *Store) UpsertDevice(ctx context.Context, dev *domain.Device) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO devices (id, provider_id, name, connected, last_connected_at, last_disconnected_at, last_seen_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT(id) DO UPDATE SET
			provider_id=excluded.provider_id,
			name=CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			connected=excluded.connected,
			last_connected_at=COALESCE(excluded.last_connected_at, devices.last_connected_at),
			last_disconnected_at=COALESCE(excluded.last_disconnected_at, devices.last_disconnected_at),
			last_seen_at=COALESCE(excluded.last_seen_at, devices.last_seen_at)`,
		dev.ID, dev.ProviderID, dev.Name, dev.Connected,
		unixPtr(dev.LastConnectedAt), unixPtr(dev.LastDisconnectedAt), unixPtr(dev.LastSeenAt),
	)
	return err
}

func (s *Store) DeviceByID(ctx context.Context, id string) (*domain.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceCols+` FROM devices WHERE id = $1`, id)
	return scanDevice(row)
}

func (s *Store) SetDeviceConnectivity(ctx context.Context, deviceID string, connected bool) error {
	now := time.Now().Unix()
	var q string
	if connected {
		q = `UPDATE devices SET connected = TRUE, last_connected_at = $1, last_seen_at = $1 WHERE id = $2`
	} else {
		q = `UPDATE devices SET connected = FALSE, last_disconnected_at = $1, last_seen_at = $1 WHERE id = $2`
	}
	tag, err := s.pool.Exec(ctx, q, now, deviceID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devs []*domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	return devs, rows.Err()
}

// ─── Scanning ───────────────────────────────────────────────────────────────

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(r scanner) (*domain.Task, error) {
	var t domain.Task
	var createdAt, updatedAt int64
	var completedAt, failedAt *int64

	err := r.Scan(&t.ID, &t.RequesterID, &t.Payload, &t.Status,
		&createdAt, &updatedAt, &completedAt, &failedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	t.CompletedAt = timeFromPtr(completedAt)
	t.FailedAt = timeFromPtr(failedAt)
	return &t, nil
}

func scanSubtask(r scanner) (*domain.Subtask, error) {
	var sub domain.Subtask
	var provID, devID, failureReason, resultPayload, failurePayload *string
	var assignedAt, startedAt, lastHB, nextHB, lastCmd *int64
	var failedAt, reassignAt, completedAt, execMs, cost *int64
	var createdAt, updatedAt int64

	err := r.Scan(&sub.ID, &sub.TaskID, &sub.Payload, &sub.PartitionIndex, &sub.PartitionCount,
		&sub.Status, &sub.Progress,
		&provID, &devID, &assignedAt, &startedAt,
		&lastHB, &nextHB, &lastCmd,
		&failureReason, &failedAt, &sub.FailureCount, &sub.RequiresReassignment, &reassignAt,
		&resultPayload, &failurePayload, &completedAt, &execMs, &cost,
		&sub.Version, &createdAt, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubtaskNotFound
	}
	if err != nil {
		return nil, err
	}

	sub.AssignedProviderID = strFromPtr(provID)
	sub.AssignedDeviceID = strFromPtr(devID)
	sub.AssignedAt = timeFromPtr(assignedAt)
	sub.StartedAt = timeFromPtr(startedAt)
	sub.LastHeartbeatAt = timeFromPtr(lastHB)
	sub.NextHeartbeatDueAt = timeFromPtr(nextHB)
	sub.LastCommandAt = timeFromPtr(lastCmd)
	sub.FailureReason = strFromPtr(failureReason)
	sub.FailedAt = timeFromPtr(failedAt)
	sub.ReassignmentRequestedAt = timeFromPtr(reassignAt)
	sub.ResultPayload = strFromPtr(resultPayload)
	sub.FailurePayload = strFromPtr(failurePayload)
	sub.CompletedAt = timeFromPtr(completedAt)
	if execMs != nil {
		sub.ExecutionMs = *execMs
	}
	if cost != nil {
		sub.CostCredits = *cost
	}
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanDevice(r scanner) (*domain.Device, error) {
	var dev domain.Device
	var connectedAt, disconnectedAt, seenAt *int64

	err := r.Scan(&dev.ID, &dev.ProviderID, &dev.Name, &dev.Connected,
		&connectedAt, &disconnectedAt, &seenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	dev.LastConnectedAt = timeFromPtr(connectedAt)
	dev.LastDisconnectedAt = timeFromPtr(disconnectedAt)
	dev.LastSeenAt = timeFromPtr(seenAt)
	return &dev, nil
}

func unixPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	u := t.Unix()
	return &u
}

func timeFromPtr(p *int64) time.Time {
	if p == nil {
		return time.Time{}
	}
	return time.Unix(*p, 0).UTC()
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strFromPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
