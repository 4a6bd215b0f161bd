package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Store abstracts task, subtask, and device persistence. Backed by
// sqlite on a single node, postgres when several nodes share state, or
// memory in tests.
type Store interface {
	// CreateTaskWithSubtasks persists a task and its partitions in one
	// atomic step. Either all rows land or none do.
	CreateTaskWithSubtasks(ctx context.Context, task *Task, subs []*Subtask) error

	TaskByID(ctx context.Context, id string) (*Task, error)
	ListTasksByRequester(ctx context.Context, requesterID string) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, task *Task) error

	SubtaskByID(ctx context.Context, id string) (*Subtask, error)
	SubtasksByTask(ctx context.Context, taskID string) ([]*Subtask, error)

	// SubtasksByStatus returns up to limit subtasks in the given status,
	// oldest first. limit <= 0 means no limit.
	SubtasksByStatus(ctx context.Context, status SubtaskStatus, limit int) ([]*Subtask, error)

	// SubtasksAssignedToDevice returns the active subtasks a device owns.
	SubtasksAssignedToDevice(ctx context.Context, deviceID string) ([]*Subtask, error)

	// SubtasksOverdue returns assigned or executing subtasks whose
	// heartbeat deadline passed before the cutoff.
	SubtasksOverdue(ctx context.Context, cutoff time.Time) ([]*Subtask, error)

	// UpdateSubtask commits sub only if the stored row still carries
	// sub.Version. On success the stored version and sub.Version are
	// incremented; otherwise ErrVersionConflict and nothing changes.
	UpdateSubtask(ctx context.Context, sub *Subtask) error

	UpsertDevice(ctx context.Context, dev *Device) error
	DeviceByID(ctx context.Context, id string) (*Device, error)
	SetDeviceConnectivity(ctx context.Context, deviceID string, connected bool) error
	ListDevices(ctx context.Context) ([]*Device, error)

	Close() error
}

// EventSink receives lifecycle notifications. The notify hub implements
// it for connected channels; the redis relay implements it for peers.
type EventSink interface {
	Publish(evt Event)
}
