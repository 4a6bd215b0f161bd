package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scalerize/infinitegpu/internal/app/lifecycle"
	"github.com/scalerize/infinitegpu/internal/domain"
)

// oneShotExpirer reports a single requeued subtask on its first sweep
// and nothing afterwards.
type oneShotExpirer struct {
	fired  atomic.Bool
	sweeps atomic.Int32
}

func (f *oneShotExpirer) ExpireOverdue(context.Context) ([]lifecycle.FailOutcome, error) {
	f.sweeps.Add(1)
	if f.fired.Swap(true) {
		return nil, nil
	}
	return []lifecycle.FailOutcome{
		{Subtask: &domain.Subtask{ID: "sub-1", Status: domain.SubtaskPending}, WasReassigned: true},
		{Subtask: &domain.Subtask{ID: "sub-2", Status: domain.SubtaskFailed}, WasReassigned: false},
	}, nil
}

type countingKicker struct {
	calls atomic.Int32
}

func (k *countingKicker) DispatchNext(context.Context) (*domain.Subtask, error) {
	k.calls.Add(1)
	return nil, nil
}

func TestWatchdog_RedispatchesRequeuedWork(t *testing.T) {
	expirer := &oneShotExpirer{}
	kicker := &countingKicker{}
	w := NewWatchdog(expirer, kicker, 10*time.Millisecond)
	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for kicker.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never redispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Only the requeued outcome triggers a dispatch, the terminal one
	// does not.
	if got := kicker.calls.Load(); got != 1 {
		t.Errorf("dispatch calls = %d, want 1", got)
	}
	if expirer.sweeps.Load() < 1 {
		t.Errorf("sweeps = %d, want >= 1", expirer.sweeps.Load())
	}
}

func TestWatchdog_StopHaltsSweeps(t *testing.T) {
	expirer := &oneShotExpirer{}
	kicker := &countingKicker{}
	w := NewWatchdog(expirer, kicker, 5*time.Millisecond)
	w.Start()

	deadline := time.Now().Add(2 * time.Second)
	for expirer.sweeps.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never swept")
		}
		time.Sleep(time.Millisecond)
	}
	w.Stop()

	settled := expirer.sweeps.Load()
	time.Sleep(30 * time.Millisecond)
	if got := expirer.sweeps.Load(); got != settled {
		t.Errorf("sweeps continued after Stop: %d -> %d", settled, got)
	}
}
