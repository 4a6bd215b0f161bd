package domain

import "time"

// TaskStatus tracks the aggregate state of a task's subtasks.
type TaskStatus string

const (
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Task is a requester-submitted inference job, split into one or more
// subtasks at submission time. Its status is derived from the subtasks:
// it completes when the last subtask completes and fails as soon as any
// subtask fails terminally.
type Task struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	Payload     string     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
	FailedAt    time.Time  `json:"failed_at,omitzero"`
}

// IsTerminal returns true once the task outcome is settled.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// RollUp derives the task status implied by its subtasks. Failure wins
// over everything, completion requires every subtask to be completed,
// and anything else leaves the task in progress.
func RollUp(subs []*Subtask) TaskStatus {
	if len(subs) == 0 {
		return TaskCompleted
	}
	done := 0
	for _, s := range subs {
		switch s.Status {
		case SubtaskFailed:
			return TaskFailed
		case SubtaskCompleted:
			done++
		}
	}
	if done == len(subs) {
		return TaskCompleted
	}
	return TaskInProgress
}
