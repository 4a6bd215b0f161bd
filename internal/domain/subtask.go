// Package domain holds the core types of the InfiniteGPU dispatch node.
// A Subtask is the smallest independently assignable unit of inference
// work: created → dispatched to a connected provider device → accepted →
// executing → completed, or failed and requeued for another device.
package domain

import "time"

// SubtaskStatus tracks the subtask lifecycle.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "PENDING"
	SubtaskAssigned  SubtaskStatus = "ASSIGNED"
	SubtaskExecuting SubtaskStatus = "EXECUTING"
	SubtaskCompleted SubtaskStatus = "COMPLETED"
	SubtaskFailed    SubtaskStatus = "FAILED"
)

// DefaultMaxAttempts is how many assignments a subtask gets before a
// failure becomes terminal. The third failed attempt fails the subtask
// and its parent task.
const DefaultMaxAttempts = 3

// Subtask is one unit of assignable inference work.
//
// The assignment fields (provider, device, timestamps) are set if and
// only if the status is ASSIGNED or EXECUTING; requeueing clears them.
// Version is the optimistic concurrency token: every committed write
// increments it, and a write carrying a stale Version is rejected by
// the store.
type Subtask struct {
	ID     string        `json:"id"`
	TaskID string        `json:"task_id"`
	Status SubtaskStatus `json:"status"`

	// Opaque inference payload (model reference, input tensors, ...).
	Payload string `json:"payload,omitempty"`

	// Optional partition coordinates carried for the requester's benefit.
	// The dispatcher treats every subtask as a flat, independent unit.
	PartitionIndex int `json:"partition_index,omitempty"`
	PartitionCount int `json:"partition_count,omitempty"`

	AssignedProviderID string    `json:"assigned_provider_id,omitempty"`
	AssignedDeviceID   string    `json:"assigned_device_id,omitempty"`
	AssignedAt         time.Time `json:"assigned_at,omitzero"`
	StartedAt          time.Time `json:"started_at,omitzero"`

	// Liveness: providers report progress periodically; a subtask whose
	// NextHeartbeatDueAt passes without a report is treated as failed.
	LastHeartbeatAt    time.Time `json:"last_heartbeat_at,omitzero"`
	NextHeartbeatDueAt time.Time `json:"next_heartbeat_due_at,omitzero"`
	LastCommandAt      time.Time `json:"last_command_at,omitzero"`

	Progress int `json:"progress"`

	FailureReason           string    `json:"failure_reason,omitempty"`
	FailedAt                time.Time `json:"failed_at,omitzero"`
	FailureCount            int       `json:"failure_count"`
	RequiresReassignment    bool      `json:"requires_reassignment"`
	ReassignmentRequestedAt time.Time `json:"reassignment_requested_at,omitzero"`

	ResultPayload  string `json:"result_payload,omitempty"`
	FailurePayload string `json:"failure_payload,omitempty"`

	CompletedAt time.Time `json:"completed_at,omitzero"`
	ExecutionMs int64     `json:"execution_ms,omitempty"`
	CostCredits int64     `json:"cost_credits,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal returns true once the subtask can never run again.
func (s *Subtask) IsTerminal() bool {
	return s.Status == SubtaskCompleted || s.Status == SubtaskFailed
}

// IsActive returns true while the subtask is owned by a device.
func (s *Subtask) IsActive() bool {
	return s.Status == SubtaskAssigned || s.Status == SubtaskExecuting
}

// AssignedTo reports whether the given provider currently owns the subtask.
func (s *Subtask) AssignedTo(providerID string) bool {
	return s.IsActive() && s.AssignedProviderID == providerID
}

// Duration returns wall-clock execution time (zero until completed).
func (s *Subtask) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.CompletedAt.IsZero() {
		return 0
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// costRatePerSecond prices one second of provider compute, in credits.
const costRatePerSecond = 1

// ExecutionCost converts an execution duration into billable credits.
// Every started second counts, with a minimum of one credit.
func ExecutionCost(d time.Duration) int64 {
	if d <= 0 {
		return costRatePerSecond
	}
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs * costRatePerSecond
}
