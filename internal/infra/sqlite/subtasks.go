package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// ─── Subtask Repository ─────────────────────────────────────────────────────

const subtaskCols = `id, task_id, payload, partition_index, partition_count, status, progress,
	assigned_provider_id, assigned_device_id, assigned_at, started_at,
	last_heartbeat_at, next_heartbeat_due_at, last_command_at,
	failure_reason, failed_at, failure_count, requires_reassignment, reassignment_requested_at,
	result_payload, failure_payload, completed_at, execution_ms, cost_credits,
	version, created_at, updated_at`

// SubtaskByID retrieves a subtask.
func (d *DB) SubtaskByID(ctx context.Context, id string) (*domain.Subtask, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+subtaskCols+` FROM subtasks WHERE id = ?`, id)
	return scanSubtask(row)
}

// SubtasksByTask returns every partition of a task, oldest first.
func (d *DB) SubtasksByTask(ctx context.Context, taskID string) ([]*domain.Subtask, error) {
	return d.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks WHERE task_id = ? ORDER BY created_at, id`,
		taskID,
	)
}

// SubtasksByStatus returns up to limit subtasks in the given status,
// oldest first. limit <= 0 means no limit.
func (d *DB) SubtasksByStatus(ctx context.Context, status domain.SubtaskStatus, limit int) ([]*domain.Subtask, error) {
	q := `SELECT ` + subtaskCols + ` FROM subtasks WHERE status = ? ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.querySubtasks(ctx, q, args...)
}

// SubtasksAssignedToDevice returns the active subtasks a device owns.
func (d *DB) SubtasksAssignedToDevice(ctx context.Context, deviceID string) ([]*domain.Subtask, error) {
	return d.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks
		 WHERE assigned_device_id = ? AND status IN (?, ?)
		 ORDER BY created_at, id`,
		deviceID, string(domain.SubtaskAssigned), string(domain.SubtaskExecuting),
	)
}

// SubtasksOverdue returns assigned or executing subtasks whose
// heartbeat deadline passed before the cutoff. Assigned rows are
// included so a claim that never gets acknowledged still expires.
func (d *DB) SubtasksOverdue(ctx context.Context, cutoff time.Time) ([]*domain.Subtask, error) {
	return d.querySubtasks(ctx,
		`SELECT `+subtaskCols+` FROM subtasks
		 WHERE status IN (?, ?) AND next_heartbeat_due_at IS NOT NULL AND next_heartbeat_due_at <= ?
		 ORDER BY created_at, id`,
		string(domain.SubtaskAssigned), string(domain.SubtaskExecuting), cutoff.Unix(),
	)
}

// UpdateSubtask rewrites a subtask row guarded by its version token.
// The UPDATE matches on (id, version); zero rows affected with an
// existing row means another writer won and the caller gets
// ErrVersionConflict. On success both the stored and in-memory
// versions advance by one.
func (d *DB) UpdateSubtask(ctx context.Context, sub *domain.Subtask) error {
	now := time.Now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE subtasks SET
			status = ?, progress = ?,
			assigned_provider_id = ?, assigned_device_id = ?, assigned_at = ?, started_at = ?,
			last_heartbeat_at = ?, next_heartbeat_due_at = ?, last_command_at = ?,
			failure_reason = ?, failed_at = ?, failure_count = ?,
			requires_reassignment = ?, reassignment_requested_at = ?,
			result_payload = ?, failure_payload = ?, completed_at = ?,
			execution_ms = ?, cost_credits = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(sub.Status), sub.Progress,
		nullableString(sub.AssignedProviderID), nullableString(sub.AssignedDeviceID),
		nullableUnix(sub.AssignedAt), nullableUnix(sub.StartedAt),
		nullableUnix(sub.LastHeartbeatAt), nullableUnix(sub.NextHeartbeatDueAt), nullableUnix(sub.LastCommandAt),
		nullableString(sub.FailureReason), nullableUnix(sub.FailedAt), sub.FailureCount,
		sub.RequiresReassignment, nullableUnix(sub.ReassignmentRequestedAt),
		nullableString(sub.ResultPayload), nullableString(sub.FailurePayload), nullableUnix(sub.CompletedAt),
		sub.ExecutionMs, sub.CostCredits,
		now.Unix(),
		sub.ID, sub.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		var v int64
		err := d.db.QueryRowContext(ctx, `SELECT version FROM subtasks WHERE id = ?`, sub.ID).Scan(&v)
		if err == sql.ErrNoRows {
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

func (d *DB) querySubtasks(ctx context.Context, query string, args ...any) ([]*domain.Subtask, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func scanSubtask(s scanner) (*domain.Subtask, error) {
	var sub domain.Subtask
	var provID, devID, failureReason, resultPayload, failurePayload sql.NullString
	var assignedAt, startedAt, lastHB, nextHB, lastCmd sql.NullInt64
	var failedAt, reassignAt, completedAt, execMs, cost sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&sub.ID, &sub.TaskID, &sub.Payload, &sub.PartitionIndex, &sub.PartitionCount,
		&sub.Status, &sub.Progress,
		&provID, &devID, &assignedAt, &startedAt,
		&lastHB, &nextHB, &lastCmd,
		&failureReason, &failedAt, &sub.FailureCount, &sub.RequiresReassignment, &reassignAt,
		&resultPayload, &failurePayload, &completedAt, &execMs, &cost,
		&sub.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSubtaskNotFound
	}
	if err != nil {
		return nil, err
	}

	sub.AssignedProviderID = provID.String
	sub.AssignedDeviceID = devID.String
	sub.AssignedAt = unixOrZero(assignedAt)
	sub.StartedAt = unixOrZero(startedAt)
	sub.LastHeartbeatAt = unixOrZero(lastHB)
	sub.NextHeartbeatDueAt = unixOrZero(nextHB)
	sub.LastCommandAt = unixOrZero(lastCmd)
	sub.FailureReason = failureReason.String
	sub.FailedAt = unixOrZero(failedAt)
	sub.ReassignmentRequestedAt = unixOrZero(reassignAt)
	sub.ResultPayload = resultPayload.String
	sub.FailurePayload = failurePayload.String
	sub.CompletedAt = unixOrZero(completedAt)
	sub.ExecutionMs = execMs.Int64
	sub.CostCredits = cost.Int64
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}
