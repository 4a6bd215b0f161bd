package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Executor turns one subtask payload into a result payload. progress
// reports completion percent as the work advances.
type Executor interface {
	Execute(ctx context.Context, payload string, progress func(percent int)) (string, error)
}

// SimConfig tunes the simulated executor.
type SimConfig struct {
	// Steps is how many progress increments one execution takes.
	// Zero means 10.
	Steps int
	// StepDelay is the pause per step. Zero means 200ms.
	StepDelay time.Duration
}

// SimExecutor pretends to run inference: it sleeps through its steps,
// reports progress, and echoes the payload back. It exists so a pool
// of agents can exercise a node without any model runtime.
type SimExecutor struct {
	cfg SimConfig
}

// NewSimExecutor creates the simulator.
func NewSimExecutor(cfg SimConfig) *SimExecutor {
	if cfg.Steps <= 0 {
		cfg.Steps = 10
	}
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 200 * time.Millisecond
	}
	return &SimExecutor{cfg: cfg}
}

// Execute sleeps through the configured steps. Cancellation aborts
// between steps.
func (e *SimExecutor) Execute(ctx context.Context, payload string, progress func(percent int)) (string, error) {
	for i := 1; i <= e.cfg.Steps; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.StepDelay):
		}
		if progress != nil {
			progress(i * 100 / e.cfg.Steps)
		}
	}

	result, err := json.Marshal(map[string]any{
		"simulated": true,
		"echo":      payload,
		"steps":     e.cfg.Steps,
	})
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(result), nil
}
