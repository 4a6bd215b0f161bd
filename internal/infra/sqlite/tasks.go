package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskCols = `id, requester_id, payload, status, created_at, updated_at, completed_at, failed_at`

// CreateTaskWithSubtasks inserts a task and its partitions atomically.
func (d *DB) CreateTaskWithSubtasks(ctx context.Context, task *domain.Task, subs []*domain.Subtask) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, requester_id, payload, status, created_at, updated_at, completed_at, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RequesterID, task.Payload, string(task.Status),
		task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
		nullableUnix(task.CompletedAt), nullableUnix(task.FailedAt),
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
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subtasks (id, task_id, payload, partition_index, partition_count, status, progress,
				failure_count, requires_reassignment, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sub.ID, sub.TaskID, sub.Payload, sub.PartitionIndex, sub.PartitionCount,
			string(sub.Status), sub.Progress, sub.FailureCount, sub.RequiresReassignment,
			sub.Version, sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert subtask %s: %w", sub.ID, err)
		}
	}

	return tx.Commit()
}

// TaskByID retrieves a task.
func (d *DB) TaskByID(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasksByRequester returns a requester's tasks, newest first.
func (d *DB) ListTasksByRequester(ctx context.Context, requesterID string) ([]*domain.Task, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE requester_id = ? ORDER BY created_at DESC, id`,
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

// UpdateTaskStatus writes the rolled-up status and terminal timestamps.
func (d *DB) UpdateTaskStatus(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := d.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ?, failed_at = ? WHERE id = ?`,
		string(task.Status), task.UpdatedAt.Unix(),
		nullableUnix(task.CompletedAt), nullableUnix(task.FailedAt), task.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var createdAt, updatedAt int64
	var completedAt, failedAt sql.NullInt64

	err := s.Scan(&t.ID, &t.RequesterID, &t.Payload, &t.Status,
		&createdAt, &updatedAt, &completedAt, &failedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}

	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	t.CompletedAt = unixOrZero(completedAt)
	t.FailedAt = unixOrZero(failedAt)
	return &t, nil
}
