// Package lifecycle is the single authoritative surface for subtask
// state transitions. Every mutation is a conditional write guarded by
// the subtask's version token: concurrent callers racing for the same
// subtask get exactly one winner and the losers observe "unavailable."
// There is no lock anywhere in this path.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/infra/metrics"
	"github.com/scalerize/infinitegpu/internal/infra/tracing"
)

// Failure reasons stamped by the engine itself rather than reported by
// a provider.
const (
	ReasonDeviceDisconnected = "device disconnected"
	ReasonHeartbeatExpired   = "heartbeat expired"
)

// writeAttempts bounds the re-read/retry loop around a conditional
// write. A transition that keeps losing the token race this many times
// is being actively contended and reports unavailable instead.
const writeAttempts = 3

// Config tunes the lifecycle engine.
type Config struct {
	// MaxAttempts is the reassignment threshold: a subtask whose
	// accumulated failure count reaches it fails terminally instead of
	// returning to the pool.
	MaxAttempts int

	// ClaimScanLimit caps how many pending subtasks one TryClaim
	// scans before giving up.
	ClaimScanLimit int

	// HeartbeatInterval is how often an executing provider is expected
	// to report progress.
	HeartbeatInterval time.Duration

	// HeartbeatGrace is the slack added on top of the interval before
	// a silent subtask counts as overdue. It is also the window a
	// freshly assigned provider has to acknowledge the start.
	HeartbeatGrace time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       domain.DefaultMaxAttempts,
		ClaimScanLimit:    16,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    60 * time.Second,
	}
}

// Service drives subtasks through their state machine against a
// durable store and publishes domain events as transitions commit.
type Service struct {
	store  domain.Store
	events domain.EventSink
	cfg    Config
	now    func() time.Time
}

// NewService creates a lifecycle service. events may be nil when no
// fan-out is wanted (tests, offline tools).
func NewService(store domain.Store, events domain.EventSink, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ClaimScanLimit <= 0 {
		cfg.ClaimScanLimit = def.ClaimScanLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatGrace <= 0 {
		cfg.HeartbeatGrace = def.HeartbeatGrace
	}
	return &Service{store: store, events: events, cfg: cfg, now: time.Now}
}

// FailOutcome reports what happened to one subtask during a bulk
// failure sweep.
type FailOutcome struct {
	Subtask          *domain.Subtask `json:"subtask"`
	WasReassigned    bool            `json:"was_reassigned"`
	ParentTaskFailed bool            `json:"parent_task_failed"`
}

// ─── Submission ─────────────────────────────────────────────────────────────

// Submit creates a task and its pending subtasks in one transaction.
// Each partition becomes an independently dispatchable subtask.
func (s *Service) Submit(ctx context.Context, requesterID, payload string, partitionCount int) (*domain.Task, []*domain.Subtask, error) {
	if requesterID == "" {
		return nil, nil, domain.ErrEmptyRequester
	}
	if partitionCount < 1 {
		return nil, nil, domain.ErrInvalidPartition
	}
	ctx, span := tracing.StartSpan(ctx, "lifecycle.submit",
		attribute.Int("task.partitions", partitionCount))
	defer span.End()

	now := s.now()
	task := &domain.Task{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Payload:     payload,
		Status:      domain.TaskInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	subs := make([]*domain.Subtask, 0, partitionCount)
	for i := 0; i < partitionCount; i++ {
		subs = append(subs, &domain.Subtask{
			ID:             uuid.NewString(),
			TaskID:         task.ID,
			Status:         domain.SubtaskPending,
			Payload:        payload,
			PartitionIndex: i,
			PartitionCount: partitionCount,
		})
	}
	if err := s.store.CreateTaskWithSubtasks(ctx, task, subs); err != nil {
		return nil, nil, fmt.Errorf("create task: %w", err)
	}

	log.Printf("[lifecycle] task %s submitted by %s (%d subtasks)", task.ID, requesterID, partitionCount)
	s.publish(domain.EventPoolChanged, nil, domain.TopicAllProviders)
	return task, subs, nil
}

// ─── Claiming ───────────────────────────────────────────────────────────────

// TryClaim assigns the oldest claimable pending subtask to the given
// provider device. It returns (nil, nil) when there is nothing to
// claim; losing every token race inside the scan window counts as
// nothing to claim.
func (s *Service) TryClaim(ctx context.Context, providerID, deviceID string) (*domain.Subtask, error) {
	pending, err := s.store.SubtasksByStatus(ctx, domain.SubtaskPending, s.cfg.ClaimScanLimit)
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	for _, sub := range pending {
		s.markAssigned(sub, providerID, deviceID)
		err := s.store.UpdateSubtask(ctx, sub)
		switch {
		case err == nil:
			s.claimed(sub)
			return sub, nil
		case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrSubtaskNotFound):
			// Someone else got there first; next candidate.
			metrics.ClaimConflicts.Inc()
		default:
			return nil, fmt.Errorf("claim %s: %w", sub.ID, err)
		}
	}
	return nil, nil
}

// Accept claims one specific pending subtask for the given provider
// device. Unlike TryClaim it is an error when the subtask cannot be
// claimed: not found, already taken, or terminal.
func (s *Service) Accept(ctx context.Context, subtaskID, providerID, deviceID string) (*domain.Subtask, error) {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		sub, err := s.store.SubtaskByID(ctx, subtaskID)
		if err != nil {
			return nil, err
		}
		if sub.Status != domain.SubtaskPending {
			return nil, domain.ErrSubtaskUnavailable
		}
		s.markAssigned(sub, providerID, deviceID)
		err = s.store.UpdateSubtask(ctx, sub)
		if err == nil {
			s.claimed(sub)
			return sub, nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			metrics.ClaimConflicts.Inc()
			continue
		}
		return nil, fmt.Errorf("accept %s: %w", subtaskID, err)
	}
	return nil, domain.ErrSubtaskUnavailable
}

// markAssigned rewrites a pending subtask into the assigned state.
// Prior failure detail is cleared but the failure count survives, so
// the reassignment threshold keeps counting across owners.
func (s *Service) markAssigned(sub *domain.Subtask, providerID, deviceID string) {
	now := s.now()
	sub.Status = domain.SubtaskAssigned
	sub.AssignedProviderID = providerID
	sub.AssignedDeviceID = deviceID
	sub.AssignedAt = now
	sub.LastCommandAt = now
	sub.NextHeartbeatDueAt = now.Add(s.cfg.HeartbeatGrace)
	sub.FailureReason = ""
	sub.FailedAt = time.Time{}
	sub.FailurePayload = ""
	sub.RequiresReassignment = false
	sub.ReassignmentRequestedAt = time.Time{}
}

func (s *Service) claimed(sub *domain.Subtask) {
	metrics.SubtasksAssigned.Inc()
	log.Printf("[lifecycle] subtask %s assigned to device %s (provider %s)",
		sub.ID, sub.AssignedDeviceID, sub.AssignedProviderID)
	snap := *sub
	s.publish(domain.EventSubtaskAccepted, snap, domain.TopicTask(sub.TaskID))
	s.publish(domain.EventExecutionRequested, snap, domain.TopicProvider(sub.AssignedProviderID))
	s.publish(domain.EventPoolChanged, nil, domain.TopicAllProviders)
}

// ─── Execution ──────────────────────────────────────────────────────────────

// AcknowledgeExecutionStart moves an assigned subtask to executing.
// Only the assigned provider may acknowledge; a repeated acknowledgment
// from that provider is a no-op returning current state.
func (s *Service) AcknowledgeExecutionStart(ctx context.Context, subtaskID, providerID string) (*domain.Subtask, error) {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		sub, err := s.store.SubtaskByID(ctx, subtaskID)
		if err != nil {
			return nil, err
		}
		if sub.IsTerminal() {
			return nil, domain.ErrAlreadyTerminal
		}
		if !sub.AssignedTo(providerID) {
			return nil, domain.ErrNotAssigned
		}
		if sub.Status == domain.SubtaskExecuting {
			return sub, nil
		}

		now := s.now()
		sub.Status = domain.SubtaskExecuting
		sub.StartedAt = now
		sub.LastHeartbeatAt = now
		sub.NextHeartbeatDueAt = now.Add(s.cfg.HeartbeatInterval + s.cfg.HeartbeatGrace)
		err = s.store.UpdateSubtask(ctx, sub)
		if err == nil {
			metrics.SubtasksExecuting.Inc()
			s.publish(domain.EventExecutionAcknowledged, *sub, s.ownerTopics(sub)...)
			return sub, nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return nil, fmt.Errorf("acknowledge %s: %w", subtaskID, err)
	}
	return nil, domain.ErrSubtaskUnavailable
}

// ReportProgress records a progress percentage and refreshes the
// heartbeat deadline. Accepted while the subtask is assigned or
// executing and the caller is its provider.
func (s *Service) ReportProgress(ctx context.Context, subtaskID, providerID string, percent int) (*domain.Subtask, error) {
	if percent < 0 || percent > 100 {
		return nil, domain.ErrInvalidProgress
	}
	for attempt := 0; attempt < writeAttempts; attempt++ {
		sub, err := s.store.SubtaskByID(ctx, subtaskID)
		if err != nil {
			return nil, err
		}
		if sub.IsTerminal() {
			return nil, domain.ErrAlreadyTerminal
		}
		if !sub.AssignedTo(providerID) {
			return nil, domain.ErrNotAssigned
		}

		now := s.now()
		sub.Progress = percent
		sub.LastHeartbeatAt = now
		sub.NextHeartbeatDueAt = now.Add(s.cfg.HeartbeatInterval + s.cfg.HeartbeatGrace)
		err = s.store.UpdateSubtask(ctx, sub)
		if err == nil {
			s.publish(domain.EventSubtaskProgress, *sub, s.ownerTopics(sub)...)
			return sub, nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return nil, fmt.Errorf("progress %s: %w", subtaskID, err)
	}
	return nil, domain.ErrSubtaskUnavailable
}

// Complete finishes an executing subtask, stores its result and stamps
// duration and cost. The second return reports whether this completion
// finished the whole parent task.
func (s *Service) Complete(ctx context.Context, subtaskID, providerID, resultPayload string) (*domain.Subtask, bool, error) {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		sub, err := s.store.SubtaskByID(ctx, subtaskID)
		if err != nil {
			return nil, false, err
		}
		if sub.IsTerminal() {
			return nil, false, domain.ErrAlreadyTerminal
		}
		if !sub.AssignedTo(providerID) {
			return nil, false, domain.ErrNotAssigned
		}
		if sub.Status != domain.SubtaskExecuting {
			return nil, false, domain.ErrSubtaskUnavailable
		}

		now := s.now()
		var elapsed time.Duration
		if !sub.StartedAt.IsZero() {
			elapsed = now.Sub(sub.StartedAt)
		}
		sub.Status = domain.SubtaskCompleted
		sub.ResultPayload = resultPayload
		sub.CompletedAt = now
		sub.ExecutionMs = elapsed.Milliseconds()
		sub.CostCredits = domain.ExecutionCost(elapsed)
		sub.Progress = 100
		sub.AssignedProviderID = ""
		sub.AssignedDeviceID = ""
		sub.LastHeartbeatAt = time.Time{}
		sub.NextHeartbeatDueAt = time.Time{}
		sub.RequiresReassignment = false
		err = s.store.UpdateSubtask(ctx, sub)
		if err == nil {
			metrics.SubtasksCompleted.Inc()
			metrics.SubtasksExecuting.Dec()
			metrics.ExecutionDuration.Observe(elapsed.Seconds())
			metrics.CostCreditsTotal.Add(float64(sub.CostCredits))
			log.Printf("[lifecycle] subtask %s completed in %dms (%d credits)", sub.ID, sub.ExecutionMs, sub.CostCredits)

			s.publish(domain.EventSubtaskCompleted, *sub, s.ownerTopics(sub)...)
			parentDone := s.rollUp(ctx, sub.TaskID)
			return sub, parentDone, nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return nil, false, fmt.Errorf("complete %s: %w", subtaskID, err)
	}
	return nil, false, domain.ErrSubtaskUnavailable
}

// ─── Failure ────────────────────────────────────────────────────────────────

// Fail records a failure for an assigned or executing subtask. Below
// the reassignment threshold it returns to the pool with assignment
// cleared (wasReassigned); at the threshold it fails terminally and
// takes the parent task down with it (parentTaskFailed).
func (s *Service) Fail(ctx context.Context, subtaskID, providerID, reason, failurePayload string) (*domain.Subtask, bool, bool, error) {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		sub, err := s.store.SubtaskByID(ctx, subtaskID)
		if err != nil {
			return nil, false, false, err
		}
		if sub.IsTerminal() {
			return nil, false, false, domain.ErrAlreadyTerminal
		}
		if !sub.AssignedTo(providerID) {
			return nil, false, false, domain.ErrNotAssigned
		}

		now := s.now()
		wasExecuting := sub.Status == domain.SubtaskExecuting
		sub.FailureCount++
		sub.FailureReason = reason
		sub.FailurePayload = failurePayload
		sub.FailedAt = now

		requeued := sub.FailureCount < s.cfg.MaxAttempts
		if requeued {
			sub.Status = domain.SubtaskPending
			sub.AssignedProviderID = ""
			sub.AssignedDeviceID = ""
			sub.AssignedAt = time.Time{}
			sub.StartedAt = time.Time{}
			sub.LastHeartbeatAt = time.Time{}
			sub.NextHeartbeatDueAt = time.Time{}
			sub.Progress = 0
			sub.RequiresReassignment = true
			sub.ReassignmentRequestedAt = now
		} else {
			sub.Status = domain.SubtaskFailed
			sub.AssignedProviderID = ""
			sub.AssignedDeviceID = ""
			sub.LastHeartbeatAt = time.Time{}
			sub.NextHeartbeatDueAt = time.Time{}
			sub.RequiresReassignment = false
		}

		err = s.store.UpdateSubtask(ctx, sub)
		if err == nil {
			if wasExecuting {
				metrics.SubtasksExecuting.Dec()
			}
			s.publish(domain.EventSubtaskFailed, *sub, s.ownerTopics(sub)...)

			if requeued {
				metrics.SubtasksFailed.WithLabelValues("requeued").Inc()
				log.Printf("[lifecycle] subtask %s failed (%s), requeued (attempt %d of %d)",
					sub.ID, reason, sub.FailureCount, s.cfg.MaxAttempts)
				s.publish(domain.EventPoolChanged, nil, domain.TopicAllProviders)
				return sub, true, false, nil
			}

			metrics.SubtasksFailed.WithLabelValues("terminal").Inc()
			log.Printf("[lifecycle] subtask %s failed terminally after %d attempts: %s",
				sub.ID, sub.FailureCount, reason)
			parentFailed := s.failParent(ctx, sub.TaskID)
			return sub, false, parentFailed, nil
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return nil, false, false, fmt.Errorf("fail %s: %w", subtaskID, err)
	}
	return nil, false, false, domain.ErrSubtaskUnavailable
}

// FailAllForDevice fails every subtask currently assigned to or
// executing on a device, with reason "device disconnected." Subtasks
// that moved under a racing writer are skipped, not errors.
func (s *Service) FailAllForDevice(ctx context.Context, deviceID, providerID string) ([]FailOutcome, error) {
	subs, err := s.store.SubtasksAssignedToDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list device subtasks: %w", err)
	}
	outcomes := make([]FailOutcome, 0, len(subs))
	for _, sub := range subs {
		failed, requeued, parentFailed, err := s.Fail(ctx, sub.ID, providerID, ReasonDeviceDisconnected, "")
		if err != nil {
			if errors.Is(err, domain.ErrSubtaskNotFound) ||
				errors.Is(err, domain.ErrAlreadyTerminal) ||
				errors.Is(err, domain.ErrNotAssigned) ||
				errors.Is(err, domain.ErrSubtaskUnavailable) {
				continue
			}
			return outcomes, err
		}
		outcomes = append(outcomes, FailOutcome{Subtask: failed, WasReassigned: requeued, ParentTaskFailed: parentFailed})
	}
	if len(outcomes) > 0 {
		log.Printf("[lifecycle] device %s disconnect failed %d subtasks", deviceID, len(outcomes))
	}
	return outcomes, nil
}

// ExpireOverdue fails every assigned or executing subtask whose
// heartbeat deadline has passed, as if its provider had reported the
// failure. Watchdog entry point.
func (s *Service) ExpireOverdue(ctx context.Context) ([]FailOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "lifecycle.expire_overdue")
	defer span.End()

	overdue, err := s.store.SubtasksOverdue(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("scan overdue: %w", err)
	}
	span.SetAttributes(attribute.Int("lifecycle.overdue", len(overdue)))
	outcomes := make([]FailOutcome, 0, len(overdue))
	for _, sub := range overdue {
		failed, requeued, parentFailed, err := s.Fail(ctx, sub.ID, sub.AssignedProviderID, ReasonHeartbeatExpired, "")
		if err != nil {
			if errors.Is(err, domain.ErrSubtaskNotFound) ||
				errors.Is(err, domain.ErrAlreadyTerminal) ||
				errors.Is(err, domain.ErrNotAssigned) ||
				errors.Is(err, domain.ErrSubtaskUnavailable) {
				continue
			}
			return outcomes, err
		}
		metrics.HeartbeatExpirations.Inc()
		log.Printf("[lifecycle] subtask %s heartbeat expired on device %s", failed.ID, sub.AssignedDeviceID)
		outcomes = append(outcomes, FailOutcome{Subtask: failed, WasReassigned: requeued, ParentTaskFailed: parentFailed})
	}
	return outcomes, nil
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// Task returns a task with its subtasks.
func (s *Service) Task(ctx context.Context, taskID string) (*domain.Task, []*domain.Subtask, error) {
	task, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	subs, err := s.store.SubtasksByTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	return task, subs, nil
}

// TasksByRequester returns a requester's tasks, newest first.
func (s *Service) TasksByRequester(ctx context.Context, requesterID string) ([]*domain.Task, error) {
	return s.store.ListTasksByRequester(ctx, requesterID)
}

// Subtask returns one subtask.
func (s *Service) Subtask(ctx context.Context, subtaskID string) (*domain.Subtask, error) {
	return s.store.SubtaskByID(ctx, subtaskID)
}

// PendingCount reports how many subtasks are waiting for a device.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	subs, err := s.store.SubtasksByStatus(ctx, domain.SubtaskPending, 0)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// ─── Roll-up ────────────────────────────────────────────────────────────────

// rollUp recomputes the parent task's status after a completion and
// reports whether it just finished.
func (s *Service) rollUp(ctx context.Context, taskID string) bool {
	task, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		log.Printf("[lifecycle] roll-up read task %s: %v", taskID, err)
		return false
	}
	if task.IsTerminal() {
		return false
	}
	subs, err := s.store.SubtasksByTask(ctx, taskID)
	if err != nil {
		log.Printf("[lifecycle] roll-up read subtasks of %s: %v", taskID, err)
		return false
	}
	if domain.RollUp(subs) != domain.TaskCompleted {
		s.publish(domain.EventTaskUpdated, *task, domain.TopicUser(task.RequesterID))
		return false
	}

	now := s.now()
	task.Status = domain.TaskCompleted
	task.CompletedAt = now
	task.UpdatedAt = now
	if err := s.store.UpdateTaskStatus(ctx, task); err != nil {
		log.Printf("[lifecycle] roll-up write task %s: %v", taskID, err)
		return false
	}
	metrics.TaskRollups.WithLabelValues("completed").Inc()
	log.Printf("[lifecycle] task %s completed", taskID)
	s.publish(domain.EventTaskCompleted, *task, domain.TopicUser(task.RequesterID), domain.TopicTask(task.ID))
	return true
}

// failParent marks the parent task failed after a terminal subtask
// failure. Idempotent: an already-terminal task is left alone.
func (s *Service) failParent(ctx context.Context, taskID string) bool {
	task, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		log.Printf("[lifecycle] fail-parent read task %s: %v", taskID, err)
		return false
	}
	if task.IsTerminal() {
		return false
	}
	now := s.now()
	task.Status = domain.TaskFailed
	task.FailedAt = now
	task.UpdatedAt = now
	if err := s.store.UpdateTaskStatus(ctx, task); err != nil {
		log.Printf("[lifecycle] fail-parent write task %s: %v", taskID, err)
		return false
	}
	metrics.TaskRollups.WithLabelValues("failed").Inc()
	log.Printf("[lifecycle] task %s failed", taskID)
	s.publish(domain.EventTaskFailed, *task, domain.TopicUser(task.RequesterID), domain.TopicTask(task.ID))
	return true
}

// ─── Events ─────────────────────────────────────────────────────────────────

func (s *Service) ownerTopics(sub *domain.Subtask) []string {
	return []string{domain.TopicTask(sub.TaskID)}
}

// publish fans one event out to each topic. Delivery is best-effort
// and must never influence the state transition that triggered it.
func (s *Service) publish(t domain.EventType, payload any, topics ...string) {
	if s.events == nil {
		return
	}
	now := s.now()
	for _, topic := range topics {
		s.events.Publish(domain.Event{Type: t, Topic: topic, At: now, Payload: payload})
	}
}
