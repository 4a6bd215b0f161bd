package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedTask(t *testing.T, db *DB, taskID string, subIDs ...string) {
	t.Helper()
	task := &domain.Task{ID: taskID, RequesterID: "req-1", Payload: `{"model":"llama3"}`, Status: domain.TaskInProgress}
	subs := make([]*domain.Subtask, len(subIDs))
	for i, id := range subIDs {
		subs[i] = &domain.Subtask{
			ID: id, TaskID: taskID, Status: domain.SubtaskPending,
			PartitionIndex: i, PartitionCount: len(subIDs),
		}
	}
	if err := db.CreateTaskWithSubtasks(context.Background(), task, subs); err != nil {
		t.Fatalf("CreateTaskWithSubtasks() error: %v", err)
	}
}

// ─── Database Lifecycle ─────────────────────────────────────────────────────

func TestOpen_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	// Check file exists
	if _, err := os.Stat(filepath.Join(dir, "state.db")); os.IsNotExist(err) {
		t.Error("state.db should exist")
	}
}

func TestOpen_Ping(t *testing.T) {
	db := newTestDB(t)
	if err := db.Ping(); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	seedTask(t, db, "task-1", "sub-1")
	db.Close()

	// Migrations are idempotent and data survives a restart.
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer db2.Close()

	got, err := db2.TaskByID(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("TaskByID() after reopen: %v", err)
	}
	if got.RequesterID != "req-1" {
		t.Errorf("RequesterID = %q, want req-1", got.RequesterID)
	}
}

// ─── Task CRUD ──────────────────────────────────────────────────────────────

func TestCreateTaskWithSubtasks(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "sub-a", "sub-b", "sub-c")
	ctx := context.Background()

	task, err := db.TaskByID(ctx, "task-1")
	if err != nil {
		t.Fatalf("TaskByID() error: %v", err)
	}
	if task.Status != domain.TaskInProgress {
		t.Errorf("Status = %v, want IN_PROGRESS", task.Status)
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Error("timestamps should be stamped on insert")
	}

	subs, err := db.SubtasksByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("SubtasksByTask() error: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("len(subs) = %d, want 3", len(subs))
	}
	for _, s := range subs {
		if s.Version != 1 {
			t.Errorf("subtask %s version = %d, want 1", s.ID, s.Version)
		}
		if s.Status != domain.SubtaskPending {
			t.Errorf("subtask %s status = %v, want PENDING", s.ID, s.Status)
		}
	}
}

func TestTaskByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.TaskByID(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("TaskByID(ghost) = %v, want ErrTaskNotFound", err)
	}
}

func TestListTasksByRequester(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "s1")
	seedTask(t, db, "task-2", "s2")

	tasks, err := db.ListTasksByRequester(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("ListTasksByRequester() error: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("len(tasks) = %d, want 2", len(tasks))
	}

	tasks, err = db.ListTasksByRequester(context.Background(), "req-other")
	if err != nil {
		t.Fatalf("ListTasksByRequester() error: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("len(tasks) = %d for stranger, want 0", len(tasks))
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "s1")
	ctx := context.Background()

	task, _ := db.TaskByID(ctx, "task-1")
	task.Status = domain.TaskCompleted
	task.CompletedAt = time.Now().UTC()
	if err := db.UpdateTaskStatus(ctx, task); err != nil {
		t.Fatalf("UpdateTaskStatus() error: %v", err)
	}

	got, _ := db.TaskByID(ctx, "task-1")
	if got.Status != domain.TaskCompleted {
		t.Errorf("Status = %v, want COMPLETED", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set")
	}

	ghost := &domain.Task{ID: "ghost", Status: domain.TaskFailed}
	if err := db.UpdateTaskStatus(ctx, ghost); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("UpdateTaskStatus(ghost) = %v, want ErrTaskNotFound", err)
	}
}

// ─── Subtask Conditional Writes ─────────────────────────────────────────────

func TestUpdateSubtask_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "sub-1")
	ctx := context.Background()

	sub, err := db.SubtaskByID(ctx, "sub-1")
	if err != nil {
		t.Fatalf("SubtaskByID() error: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	sub.Status = domain.SubtaskAssigned
	sub.AssignedProviderID = "prov-1"
	sub.AssignedDeviceID = "dev-1"
	sub.AssignedAt = now
	sub.NextHeartbeatDueAt = now.Add(90 * time.Second)
	if err := db.UpdateSubtask(ctx, sub); err != nil {
		t.Fatalf("UpdateSubtask() error: %v", err)
	}
	if sub.Version != 2 {
		t.Errorf("in-memory version = %d, want 2", sub.Version)
	}

	got, err := db.SubtaskByID(ctx, "sub-1")
	if err != nil {
		t.Fatalf("SubtaskByID() error: %v", err)
	}
	if got.Status != domain.SubtaskAssigned || got.AssignedProviderID != "prov-1" || got.AssignedDeviceID != "dev-1" {
		t.Errorf("assignment fields not persisted: %+v", got)
	}
	if !got.AssignedAt.Equal(now) {
		t.Errorf("AssignedAt = %v, want %v", got.AssignedAt, now)
	}
	if !got.NextHeartbeatDueAt.Equal(now.Add(90 * time.Second)) {
		t.Errorf("NextHeartbeatDueAt = %v", got.NextHeartbeatDueAt)
	}
	if got.Version != 2 {
		t.Errorf("stored version = %d, want 2", got.Version)
	}
}

func TestUpdateSubtask_VersionConflict(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "sub-1")
	ctx := context.Background()

	a, _ := db.SubtaskByID(ctx, "sub-1")
	b, _ := db.SubtaskByID(ctx, "sub-1")

	a.Status = domain.SubtaskAssigned
	a.AssignedProviderID = "prov-a"
	a.AssignedDeviceID = "dev-a"
	if err := db.UpdateSubtask(ctx, a); err != nil {
		t.Fatalf("winner's update error: %v", err)
	}

	b.Status = domain.SubtaskAssigned
	b.AssignedProviderID = "prov-b"
	b.AssignedDeviceID = "dev-b"
	err := db.UpdateSubtask(ctx, b)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("loser's update = %v, want ErrVersionConflict", err)
	}

	// the losing write left the row untouched
	got, _ := db.SubtaskByID(ctx, "sub-1")
	if got.AssignedDeviceID != "dev-a" {
		t.Errorf("AssignedDeviceID = %q, want dev-a", got.AssignedDeviceID)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestUpdateSubtask_NotFound(t *testing.T) {
	db := newTestDB(t)

	ghost := &domain.Subtask{ID: "ghost", Version: 1, Status: domain.SubtaskPending}
	err := db.UpdateSubtask(context.Background(), ghost)
	if !errors.Is(err, domain.ErrSubtaskNotFound) {
		t.Errorf("UpdateSubtask(ghost) = %v, want ErrSubtaskNotFound", err)
	}
}

func TestUpdateSubtask_ClearsAssignment(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "sub-1")
	ctx := context.Background()

	sub, _ := db.SubtaskByID(ctx, "sub-1")
	sub.Status = domain.SubtaskAssigned
	sub.AssignedProviderID = "prov-1"
	sub.AssignedDeviceID = "dev-1"
	sub.AssignedAt = time.Now().UTC()
	if err := db.UpdateSubtask(ctx, sub); err != nil {
		t.Fatalf("assign update: %v", err)
	}

	// requeue: back to PENDING with assignment fields cleared
	sub.Status = domain.SubtaskPending
	sub.AssignedProviderID = ""
	sub.AssignedDeviceID = ""
	sub.AssignedAt = time.Time{}
	sub.RequiresReassignment = true
	sub.ReassignmentRequestedAt = time.Now().UTC()
	if err := db.UpdateSubtask(ctx, sub); err != nil {
		t.Fatalf("requeue update: %v", err)
	}

	got, _ := db.SubtaskByID(ctx, "sub-1")
	if got.AssignedProviderID != "" || got.AssignedDeviceID != "" || !got.AssignedAt.IsZero() {
		t.Errorf("assignment fields should be cleared: %+v", got)
	}
	if !got.RequiresReassignment {
		t.Error("RequiresReassignment should persist")
	}
}

// ─── Subtask Queries ────────────────────────────────────────────────────────

func TestSubtasksByStatus_OrderAndLimit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	task := &domain.Task{ID: "task-1", RequesterID: "req-1", Status: domain.TaskInProgress}
	subs := []*domain.Subtask{
		{ID: "sub-new", TaskID: "task-1", Status: domain.SubtaskPending, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "sub-old", TaskID: "task-1", Status: domain.SubtaskPending, CreatedAt: base},
		{ID: "sub-mid", TaskID: "task-1", Status: domain.SubtaskPending, CreatedAt: base.Add(time.Minute)},
	}
	if err := db.CreateTaskWithSubtasks(ctx, task, subs); err != nil {
		t.Fatalf("CreateTaskWithSubtasks() error: %v", err)
	}

	got, err := db.SubtasksByStatus(ctx, domain.SubtaskPending, 2)
	if err != nil {
		t.Fatalf("SubtasksByStatus() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "sub-old" || got[1].ID != "sub-mid" {
		t.Errorf("order = [%s %s], want oldest first", got[0].ID, got[1].ID)
	}
}

func TestSubtasksAssignedToDevice(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "sub-1", "sub-2", "sub-3")
	ctx := context.Background()

	assign := func(id string, dev string, status domain.SubtaskStatus) {
		s, _ := db.SubtaskByID(ctx, id)
		s.Status = status
		s.AssignedProviderID = "prov-1"
		s.AssignedDeviceID = dev
		if err := db.UpdateSubtask(ctx, s); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
	}
	assign("sub-1", "dev-1", domain.SubtaskAssigned)
	assign("sub-2", "dev-1", domain.SubtaskExecuting)
	assign("sub-3", "dev-2", domain.SubtaskAssigned)

	got, err := db.SubtasksAssignedToDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("SubtasksAssignedToDevice() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	for _, s := range got {
		if s.AssignedDeviceID != "dev-1" {
			t.Errorf("subtask %s belongs to %s", s.ID, s.AssignedDeviceID)
		}
	}
}

func TestSubtasksOverdue(t *testing.T) {
	db := newTestDB(t)
	seedTask(t, db, "task-1", "sub-late", "sub-fine", "sub-idle")
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	mark := func(id string, status domain.SubtaskStatus, due time.Time) {
		s, _ := db.SubtaskByID(ctx, id)
		s.Status = status
		s.NextHeartbeatDueAt = due
		if err := db.UpdateSubtask(ctx, s); err != nil {
			t.Fatalf("mark %s: %v", id, err)
		}
	}
	mark("sub-late", domain.SubtaskExecuting, now.Add(-time.Minute))
	mark("sub-fine", domain.SubtaskExecuting, now.Add(time.Hour))
	// a claim nobody acknowledged counts as overdue too
	mark("sub-idle", domain.SubtaskAssigned, now.Add(-time.Second))

	got, err := db.SubtasksOverdue(ctx, now)
	if err != nil {
		t.Fatalf("SubtasksOverdue() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("overdue = %+v, want sub-late and sub-idle", got)
	}
	for _, s := range got {
		if s.ID != "sub-late" && s.ID != "sub-idle" {
			t.Errorf("unexpected overdue subtask %s", s.ID)
		}
	}
}

// ─── Device CRUD ────────────────────────────────────────────────────────────

func TestUpsertDevice_InsertAndUpdate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	dev := &domain.Device{ID: "dev-1", ProviderID: "prov-1", Name: "workstation"}
	if err := db.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("UpsertDevice() error: %v", err)
	}

	// second upsert without a name keeps the stored one
	again := &domain.Device{ID: "dev-1", ProviderID: "prov-1", Connected: true, LastConnectedAt: time.Now().UTC()}
	if err := db.UpsertDevice(ctx, again); err != nil {
		t.Fatalf("second UpsertDevice() error: %v", err)
	}

	got, err := db.DeviceByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("DeviceByID() error: %v", err)
	}
	if got.Name != "workstation" {
		t.Errorf("Name = %q, want workstation", got.Name)
	}
	if !got.Connected {
		t.Error("Connected should be true")
	}
}

func TestDeviceByID_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.DeviceByID(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("DeviceByID(ghost) = %v, want ErrDeviceNotFound", err)
	}
}

func TestSetDeviceConnectivity(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := db.UpsertDevice(ctx, &domain.Device{ID: "dev-1", ProviderID: "prov-1"}); err != nil {
		t.Fatalf("UpsertDevice() error: %v", err)
	}

	if err := db.SetDeviceConnectivity(ctx, "dev-1", true); err != nil {
		t.Fatalf("SetDeviceConnectivity(true) error: %v", err)
	}
	got, _ := db.DeviceByID(ctx, "dev-1")
	if !got.Connected || got.LastConnectedAt.IsZero() {
		t.Errorf("device should be connected: %+v", got)
	}

	if err := db.SetDeviceConnectivity(ctx, "dev-1", false); err != nil {
		t.Fatalf("SetDeviceConnectivity(false) error: %v", err)
	}
	got, _ = db.DeviceByID(ctx, "dev-1")
	if got.Connected || got.LastDisconnectedAt.IsZero() {
		t.Errorf("device should be disconnected: %+v", got)
	}

	if err := db.SetDeviceConnectivity(ctx, "ghost", true); !errors.Is(err, domain.ErrDeviceNotFound) {
		t.Errorf("SetDeviceConnectivity(ghost) = %v, want ErrDeviceNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"dev-b", "dev-a", "dev-c"} {
		if err := db.UpsertDevice(ctx, &domain.Device{ID: id, ProviderID: "prov-1"}); err != nil {
			t.Fatalf("UpsertDevice(%s) error: %v", id, err)
		}
	}

	devs, err := db.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error: %v", err)
	}
	if len(devs) != 3 {
		t.Fatalf("len(devs) = %d, want 3", len(devs))
	}
	if devs[0].ID != "dev-a" {
		t.Errorf("devices not ordered by id: first = %s", devs[0].ID)
	}
}
