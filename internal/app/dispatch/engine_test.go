package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/scalerize/infinitegpu/internal/app/lifecycle"
	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/infra/memstore"
	"github.com/scalerize/infinitegpu/internal/infra/presence"
)

func newHarness(t *testing.T) (*Engine, *presence.Registry, *lifecycle.Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	t.Cleanup(func() { store.Close() })
	reg := presence.NewRegistry()
	svc := lifecycle.NewService(store, nil, lifecycle.DefaultConfig())
	return NewEngine(reg, svc), reg, svc, store
}

func connectDevice(t *testing.T, reg *presence.Registry, deviceID, providerID string, memGB int64) {
	t.Helper()
	reg.RegisterConnection("conn-"+deviceID, providerID, deviceID, "", time.Now())
	if memGB > 0 {
		err := reg.RecordCapabilities(deviceID, domain.CapabilitySnapshot{
			MemoryBytes: memGB << 30,
			ReportedAt:  time.Now(),
		})
		if err != nil {
			t.Fatalf("RecordCapabilities(%s): %v", deviceID, err)
		}
	}
}

func submitOne(t *testing.T, svc *lifecycle.Service) *domain.Subtask {
	t.Helper()
	_, subs, err := svc.Submit(context.Background(), "user-1", "payload", 1)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return subs[0]
}

func TestDispatchNext_PrefersHighestCapacity(t *testing.T) {
	engine, reg, svc, _ := newHarness(t)
	connectDevice(t, reg, "dev-small", "prov-1", 8)
	connectDevice(t, reg, "dev-big", "prov-2", 16)
	submitOne(t, svc)

	sub, err := engine.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if sub == nil {
		t.Fatal("DispatchNext assigned nothing")
	}
	if sub.AssignedDeviceID != "dev-big" {
		t.Errorf("assigned to %s, want dev-big (16 GB over 8 GB)", sub.AssignedDeviceID)
	}
}

func TestDispatchNext_DeterministicAcrossRegistrationOrder(t *testing.T) {
	for _, order := range [][2]string{{"dev-a", "dev-b"}, {"dev-b", "dev-a"}} {
		engine, reg, svc, _ := newHarness(t)
		for _, dev := range order {
			mem := int64(8)
			if dev == "dev-a" {
				mem = 32
			}
			connectDevice(t, reg, dev, "prov-"+dev, mem)
		}
		submitOne(t, svc)

		sub, err := engine.DispatchNext(context.Background())
		if err != nil || sub == nil {
			t.Fatalf("order %v: DispatchNext = %v, %v", order, sub, err)
		}
		if sub.AssignedDeviceID != "dev-a" {
			t.Errorf("order %v: assigned to %s, want dev-a", order, sub.AssignedDeviceID)
		}
	}
}

func TestDispatchNext_UnknownCapacitySortsLast(t *testing.T) {
	engine, reg, svc, _ := newHarness(t)
	connectDevice(t, reg, "dev-silent", "prov-1", 0) // never announced
	connectDevice(t, reg, "dev-modest", "prov-2", 1)
	submitOne(t, svc)

	sub, err := engine.DispatchNext(context.Background())
	if err != nil || sub == nil {
		t.Fatalf("DispatchNext = %v, %v", sub, err)
	}
	if sub.AssignedDeviceID != "dev-modest" {
		t.Errorf("assigned to %s, want dev-modest (any known capacity beats unknown)", sub.AssignedDeviceID)
	}

	// The silent device is still eligible once it is the only one left.
	submitOne(t, svc)
	sub, err = engine.DispatchNext(context.Background())
	if err != nil || sub == nil {
		t.Fatalf("second DispatchNext = %v, %v", sub, err)
	}
	if sub.AssignedDeviceID != "dev-silent" && sub.AssignedDeviceID != "dev-modest" {
		t.Errorf("assigned to %s, want a connected device", sub.AssignedDeviceID)
	}
}

func TestDispatchNext_NoDevices(t *testing.T) {
	engine, _, svc, _ := newHarness(t)
	submitOne(t, svc)

	sub, err := engine.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if sub != nil {
		t.Errorf("assigned %s with no device connected", sub.ID)
	}
}

func TestDispatchNext_NoWork(t *testing.T) {
	engine, reg, _, _ := newHarness(t)
	connectDevice(t, reg, "dev-1", "prov-1", 8)

	sub, err := engine.DispatchNext(context.Background())
	if err != nil {
		t.Fatalf("DispatchNext: %v", err)
	}
	if sub != nil {
		t.Errorf("assigned %s with no pending work", sub.ID)
	}
}

func TestDispatchNext_OneAssignmentPerInvocation(t *testing.T) {
	engine, reg, svc, store := newHarness(t)
	connectDevice(t, reg, "dev-1", "prov-1", 16)
	connectDevice(t, reg, "dev-2", "prov-2", 8)
	if _, _, err := svc.Submit(context.Background(), "user-1", "p", 3); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if sub, err := engine.DispatchNext(context.Background()); err != nil || sub == nil {
		t.Fatalf("DispatchNext = %v, %v", sub, err)
	}

	assigned, err := store.SubtasksByStatus(context.Background(), domain.SubtaskAssigned, 0)
	if err != nil {
		t.Fatalf("SubtasksByStatus: %v", err)
	}
	if len(assigned) != 1 {
		t.Errorf("assigned %d subtasks in one invocation, want 1", len(assigned))
	}
}
