// Package metrics provides Prometheus metrics for the dispatch node —
// counters, gauges, histograms for dispatch, subtask lifecycle,
// presence, and event fanout.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Dispatch ───────────────────────────────────────────────────────────────

// DispatchAttempts tracks dispatch invocations by outcome.
var DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "dispatch_attempts_total",
	Help:      "Dispatch invocations by outcome (assigned, no_candidates, nothing_pending, conflict).",
}, []string{"outcome"})

// DispatchLatency tracks how long one dispatch invocation takes.
var DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "infinitegpu",
	Name:      "dispatch_latency_seconds",
	Help:      "Duration of a single dispatch invocation.",
	Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
})

// ClaimConflicts tracks optimistic-concurrency losses during claims.
var ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "claim_conflicts_total",
	Help:      "Claim attempts lost to a concurrent writer.",
})

// ─── Subtask Lifecycle ──────────────────────────────────────────────────────

// SubtasksAssigned tracks successful assignments.
var SubtasksAssigned = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "subtasks_assigned_total",
	Help:      "Total subtask assignments committed.",
})

// SubtasksCompleted tracks completed subtasks.
var SubtasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "subtasks_completed_total",
	Help:      "Total subtasks completed.",
})

// SubtasksFailed tracks failures by disposition.
var SubtasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "subtasks_failed_total",
	Help:      "Total subtask failures by disposition (requeued, terminal).",
}, []string{"disposition"})

// SubtasksExecuting tracks subtasks currently executing on devices.
var SubtasksExecuting = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "infinitegpu",
	Name:      "subtasks_executing",
	Help:      "Number of subtasks currently executing.",
})

// HeartbeatExpirations tracks watchdog-detected stalls.
var HeartbeatExpirations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "heartbeat_expirations_total",
	Help:      "Executing subtasks failed for missing their heartbeat deadline.",
})

// ExecutionDuration tracks completed execution wall time.
var ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "infinitegpu",
	Name:      "execution_duration_seconds",
	Help:      "Wall-clock execution time of completed subtasks.",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
})

// CostCreditsTotal tracks credits accrued for completed executions.
var CostCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "cost_credits_total",
	Help:      "Total credits billed for completed subtasks.",
})

// TaskRollups tracks parent task settlements by outcome.
var TaskRollups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "task_rollups_total",
	Help:      "Parent tasks settled by outcome (completed, failed).",
}, []string{"outcome"})

// ─── Presence ───────────────────────────────────────────────────────────────

// DevicesConnected tracks the live device pool size.
var DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "infinitegpu",
	Name:      "devices_connected",
	Help:      "Number of provider devices holding a live channel.",
})

// DeviceConnections tracks channel opens by kind.
var DeviceConnections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "device_connections_total",
	Help:      "Device channel opens by kind (new, replaced).",
}, []string{"kind"})

// DeviceDisconnections tracks channel teardowns.
var DeviceDisconnections = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "device_disconnections_total",
	Help:      "Device channels torn down.",
})

// ─── Events ─────────────────────────────────────────────────────────────────

// EventsPublished tracks events emitted by type.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "infinitegpu",
	Name:      "events_published_total",
	Help:      "Events published to the fanout hub by type.",
}, []string{"type"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckUp reports each periodic health check as 1 (passing) or 0.
var HealthCheckUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "infinitegpu",
	Name:      "health_check_up",
	Help:      "Whether the named health check last passed (1) or failed (0).",
}, []string{"check"})
