package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/scalerize/infinitegpu/internal/domain"
)

func newSeededStore(t *testing.T) (*Store, *domain.Task, []*domain.Subtask) {
	t.Helper()
	m := New()
	task := &domain.Task{ID: uuid.NewString(), RequesterID: "req-1", Status: domain.TaskInProgress}
	subs := []*domain.Subtask{
		{ID: uuid.NewString(), TaskID: task.ID, Status: domain.SubtaskPending, PartitionIndex: 0, PartitionCount: 2},
		{ID: uuid.NewString(), TaskID: task.ID, Status: domain.SubtaskPending, PartitionIndex: 1, PartitionCount: 2},
	}
	if err := m.CreateTaskWithSubtasks(context.Background(), task, subs); err != nil {
		t.Fatalf("CreateTaskWithSubtasks: %v", err)
	}
	return m, task, subs
}

func TestCreateAndFetch(t *testing.T) {
	m, task, subs := newSeededStore(t)
	ctx := context.Background()

	got, err := m.TaskByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.RequesterID != "req-1" {
		t.Errorf("RequesterID = %q", got.RequesterID)
	}

	list, err := m.SubtasksByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("SubtasksByTask: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d subtasks, want 2", len(list))
	}
	for _, s := range list {
		if s.Version != 1 {
			t.Errorf("subtask %s version = %d, want 1", s.ID, s.Version)
		}
	}

	if _, err := m.SubtaskByID(ctx, subs[0].ID); err != nil {
		t.Errorf("SubtaskByID: %v", err)
	}
	if _, err := m.TaskByID(ctx, "missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("TaskByID(missing) err = %v", err)
	}
}

func TestUpdateSubtaskVersionCheck(t *testing.T) {
	m, _, subs := newSeededStore(t)
	ctx := context.Background()

	a, _ := m.SubtaskByID(ctx, subs[0].ID)
	b, _ := m.SubtaskByID(ctx, subs[0].ID)

	a.Status = domain.SubtaskAssigned
	if err := m.UpdateSubtask(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Errorf("winner's version = %d, want 2", a.Version)
	}

	b.Status = domain.SubtaskAssigned
	if err := m.UpdateSubtask(ctx, b); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}

	// the losing write must not have changed the row
	cur, _ := m.SubtaskByID(ctx, subs[0].ID)
	if cur.Version != 2 {
		t.Errorf("stored version = %d, want 2", cur.Version)
	}
}

func TestSubtasksOverdue(t *testing.T) {
	m, _, subs := newSeededStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s, _ := m.SubtaskByID(ctx, subs[0].ID)
	s.Status = domain.SubtaskExecuting
	s.NextHeartbeatDueAt = now.Add(-time.Minute)
	if err := m.UpdateSubtask(ctx, s); err != nil {
		t.Fatalf("UpdateSubtask: %v", err)
	}

	s2, _ := m.SubtaskByID(ctx, subs[1].ID)
	s2.Status = domain.SubtaskExecuting
	s2.NextHeartbeatDueAt = now.Add(time.Hour)
	if err := m.UpdateSubtask(ctx, s2); err != nil {
		t.Fatalf("UpdateSubtask: %v", err)
	}

	overdue, err := m.SubtasksOverdue(ctx, now)
	if err != nil {
		t.Fatalf("SubtasksOverdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != subs[0].ID {
		t.Fatalf("overdue = %v, want exactly the expired subtask", overdue)
	}
}

func TestDeviceConnectivity(t *testing.T) {
	m := New()
	ctx := context.Background()

	dev := &domain.Device{ID: "dev-1", ProviderID: "prov-1", Name: "box"}
	if err := m.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("UpsertDevice: %v", err)
	}
	if err := m.SetDeviceConnectivity(ctx, "dev-1", true); err != nil {
		t.Fatalf("SetDeviceConnectivity: %v", err)
	}

	got, err := m.DeviceByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("DeviceByID: %v", err)
	}
	if !got.Connected || got.LastConnectedAt.IsZero() {
		t.Errorf("device not marked connected: %+v", got)
	}

	if err := m.SetDeviceConnectivity(ctx, "dev-1", false); err != nil {
		t.Fatalf("SetDeviceConnectivity(false): %v", err)
	}
	got, _ = m.DeviceByID(ctx, "dev-1")
	if got.Connected || got.LastDisconnectedAt.IsZero() {
		t.Errorf("device not marked disconnected: %+v", got)
	}

	if err := m.SetDeviceConnectivity(ctx, "ghost", true); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("SetDeviceConnectivity(ghost) err = %v", err)
	}
}

func TestSubtasksByStatusLimitAndOrder(t *testing.T) {
	m := New()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	task := &domain.Task{ID: "t1", RequesterID: "r", Status: domain.TaskInProgress}
	subs := []*domain.Subtask{
		{ID: "s-c", TaskID: "t1", Status: domain.SubtaskPending, CreatedAt: base.Add(2 * time.Second)},
		{ID: "s-a", TaskID: "t1", Status: domain.SubtaskPending, CreatedAt: base},
		{ID: "s-b", TaskID: "t1", Status: domain.SubtaskPending, CreatedAt: base.Add(time.Second)},
	}
	if err := m.CreateTaskWithSubtasks(ctx, task, subs); err != nil {
		t.Fatalf("CreateTaskWithSubtasks: %v", err)
	}

	got, err := m.SubtasksByStatus(ctx, domain.SubtaskPending, 2)
	if err != nil {
		t.Fatalf("SubtasksByStatus: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("limit ignored: got %d rows", len(got))
	}
	if got[0].ID != "s-a" || got[1].ID != "s-b" {
		t.Errorf("order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}
}
