package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Store and API
// layers wrap these; callers test with errors.Is.

var (
	// Lookup errors
	ErrTaskNotFound    = errors.New("task not found")
	ErrSubtaskNotFound = errors.New("subtask not found")
	ErrDeviceNotFound  = errors.New("device not found")

	// Lifecycle errors
	ErrSubtaskUnavailable = errors.New("subtask is not available for this transition")
	ErrNotAssigned        = errors.New("subtask is not assigned to this provider")
	ErrAlreadyTerminal    = errors.New("subtask already reached a terminal state")

	// ErrVersionConflict means the write carried a stale concurrency
	// token: another writer committed first. Safe to re-read and retry.
	ErrVersionConflict = errors.New("subtask version conflict")

	// Dispatch errors
	ErrNoCandidates    = errors.New("no connected devices eligible for dispatch")
	ErrNothingToAssign = errors.New("no pending subtasks to assign")

	// Presence errors
	ErrNotConnected      = errors.New("device has no active connection")
	ErrConnectionReplaced = errors.New("connection superseded by a newer one for this device")

	// Input errors
	ErrInvalidPartition = errors.New("partition count must be at least 1")
	ErrEmptyRequester   = errors.New("requester id must not be empty")
	ErrInvalidProgress  = errors.New("progress must be between 0 and 100")

	// Store errors
	ErrStoreClosed = errors.New("store is closed")
)
