// Package memstore is the in-memory domain.Store, used by tests and by
// nodes run with --storage memory. Rows are deep-copied on the way in
// and out, and subtask writes enforce the same version check the SQL
// stores do, so code exercised against it behaves identically on disk.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// Store keeps all rows behind one mutex. Fine for tests and single
// process demos; real deployments use the sqlite or postgres store.
type Store struct {
	mu       sync.Mutex
	closed   bool
	tasks    map[string]*domain.Task
	subtasks map[string]*domain.Subtask
	devices  map[string]*domain.Device
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:    make(map[string]*domain.Task),
		subtasks: make(map[string]*domain.Subtask),
		devices:  make(map[string]*domain.Device),
	}
}

func copyTask(t *domain.Task) *domain.Task {
	cp := *t
	return &cp
}

func copySubtask(s *domain.Subtask) *domain.Subtask {
	cp := *s
	return &cp
}

func copyDevice(d *domain.Device) *domain.Device {
	cp := *d
	return &cp
}

// ─── Tasks ──────────────────────────────────────────────────────────────────

func (m *Store) CreateTaskWithSubtasks(_ context.Context, task *domain.Task, subs []*domain.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrStoreClosed
	}
	now := time.Now().UTC()
	t := copyTask(task)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.tasks[t.ID] = t
	for _, sub := range subs {
		s := copySubtask(sub)
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
		if s.Version == 0 {
			s.Version = 1
		}
		m.subtasks[s.ID] = s
	}
	return nil
}

func (m *Store) TaskByID(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (m *Store) ListTasksByRequester(_ context.Context, requesterID string) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Task, 0, 8)
	for _, t := range m.tasks {
		if t.RequesterID == requesterID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Store) UpdateTaskStatus(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[task.ID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	cur.Status = task.Status
	cur.CompletedAt = task.CompletedAt
	cur.FailedAt = task.FailedAt
	cur.UpdatedAt = time.Now().UTC()
	task.UpdatedAt = cur.UpdatedAt
	return nil
}

// ─── Subtasks ───────────────────────────────────────────────────────────────

func (m *Store) SubtaskByID(_ context.Context, id string) (*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subtasks[id]
	if !ok {
		return nil, domain.ErrSubtaskNotFound
	}
	return copySubtask(s), nil
}

func (m *Store) SubtasksByTask(_ context.Context, taskID string) ([]*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Subtask, 0, 8)
	for _, s := range m.subtasks {
		if s.TaskID == taskID {
			out = append(out, copySubtask(s))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Store) SubtasksByStatus(_ context.Context, status domain.SubtaskStatus, limit int) ([]*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Subtask, 0, 8)
	for _, s := range m.subtasks {
		if s.Status == status {
			out = append(out, copySubtask(s))
		}
	}
	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Store) SubtasksAssignedToDevice(_ context.Context, deviceID string) ([]*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Subtask, 0, 4)
	for _, s := range m.subtasks {
		if s.AssignedDeviceID == deviceID && s.IsActive() {
			out = append(out, copySubtask(s))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Store) SubtasksOverdue(_ context.Context, cutoff time.Time) ([]*domain.Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Subtask, 0, 4)
	for _, s := range m.subtasks {
		if s.Status != domain.SubtaskAssigned && s.Status != domain.SubtaskExecuting {
			continue
		}
		if s.NextHeartbeatDueAt.IsZero() || s.NextHeartbeatDueAt.After(cutoff) {
			continue
		}
		out = append(out, copySubtask(s))
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Store) UpdateSubtask(_ context.Context, sub *domain.Subtask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrStoreClosed
	}
	cur, ok := m.subtasks[sub.ID]
	if !ok {
		return domain.ErrSubtaskNotFound
	}
	if cur.Version != sub.Version {
		return domain.ErrVersionConflict
	}
	sub.Version++
	sub.UpdatedAt = time.Now().UTC()
	m.subtasks[sub.ID] = copySubtask(sub)
	return nil
}

// ─── Devices ────────────────────────────────────────────────────────────────

func (m *Store) UpsertDevice(_ context.Context, dev *domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.ID] = copyDevice(dev)
	return nil
}

func (m *Store) DeviceByID(_ context.Context, id string) (*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, domain.ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

func (m *Store) SetDeviceConnectivity(_ context.Context, deviceID string, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return domain.ErrDeviceNotFound
	}
	now := time.Now().UTC()
	d.Connected = connected
	d.LastSeenAt = now
	if connected {
		d.LastConnectedAt = now
	} else {
		d.LastDisconnectedAt = now
	}
	return nil
}

func (m *Store) ListDevices(_ context.Context) ([]*domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, copyDevice(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortOldestFirst(subs []*domain.Subtask) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
