package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatheredNames(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	return names
}

func TestDispatchMetrics_Registered(t *testing.T) {
	// promauto registers with the default registry automatically.
	// Just verify we can observe without panicking.
	DispatchAttempts.WithLabelValues("assigned").Inc()
	DispatchLatency.Observe(0.002)
	ClaimConflicts.Inc()

	names := gatheredNames(t)
	expected := []string{
		"infinitegpu_dispatch_attempts_total",
		"infinitegpu_dispatch_latency_seconds",
		"infinitegpu_claim_conflicts_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestLifecycleMetrics_Registered(t *testing.T) {
	SubtasksAssigned.Inc()
	SubtasksCompleted.Inc()
	SubtasksFailed.WithLabelValues("requeued").Inc()
	SubtasksExecuting.Set(2)
	HeartbeatExpirations.Inc()
	ExecutionDuration.Observe(12.5)
	CostCreditsTotal.Add(13)
	TaskRollups.WithLabelValues("completed").Inc()

	names := gatheredNames(t)
	expected := []string{
		"infinitegpu_subtasks_assigned_total",
		"infinitegpu_subtasks_completed_total",
		"infinitegpu_subtasks_failed_total",
		"infinitegpu_subtasks_executing",
		"infinitegpu_heartbeat_expirations_total",
		"infinitegpu_execution_duration_seconds",
		"infinitegpu_cost_credits_total",
		"infinitegpu_task_rollups_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}

func TestPresenceAndEventMetrics_Registered(t *testing.T) {
	DevicesConnected.Set(4)
	DeviceConnections.WithLabelValues("new").Inc()
	DeviceConnections.WithLabelValues("replaced").Inc()
	DeviceDisconnections.Inc()
	EventsPublished.WithLabelValues("subtask.completed").Inc()

	names := gatheredNames(t)
	expected := []string{
		"infinitegpu_devices_connected",
		"infinitegpu_device_connections_total",
		"infinitegpu_device_disconnections_total",
		"infinitegpu_events_published_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not found", name)
		}
	}
}
