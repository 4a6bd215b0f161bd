// Package health runs periodic self-checks over the node's moving
// parts: the durable store, the presence registry and the event hub.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/infra/metrics"
	"github.com/scalerize/infinitegpu/internal/infra/presence"
	"github.com/scalerize/infinitegpu/internal/notify"
)

const (
	sweepInterval = 60 * time.Second
	probeTimeout  = 5 * time.Second
)

// Check is one named probe. Probes must be safe to call repeatedly.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Status is the outcome of one probe from the most recent sweep.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker sweeps all checks on an interval and keeps the last results.
type Checker struct {
	checks   []Check
	interval time.Duration

	mu       sync.RWMutex
	statuses []Status

	// touched only by the sweeping goroutine
	lastDropped int64
}

// NewChecker builds the standard node checks: store reachability, the
// presence registry's device/connection invariant, event-hub drops since
// the previous sweep, and data-dir accessibility.
func NewChecker(store domain.Store, reg *presence.Registry, hub *notify.Hub, dataDir string) *Checker {
	c := &Checker{interval: sweepInterval}
	c.checks = []Check{
		{
			Name: "store",
			Probe: func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, probeTimeout)
				defer cancel()
				_, err := store.SubtasksByStatus(ctx, domain.SubtaskPending, 1)
				return err
			},
		},
		{
			Name: "presence",
			Probe: func(ctx context.Context) error {
				devs, conns := reg.ConnectedDeviceCount(), reg.ConnectionCount()
				if devs > conns {
					return fmt.Errorf("registry lists %d devices over %d connections", devs, conns)
				}
				return nil
			},
		},
		{
			Name: "events",
			Probe: func(ctx context.Context) error {
				dropped := hub.Stats().Dropped
				delta := dropped - c.lastDropped
				c.lastDropped = dropped
				if delta > 0 {
					return fmt.Errorf("hub dropped %d events since last sweep", delta)
				}
				return nil
			},
		},
		{
			Name: "data_dir",
			Probe: func(ctx context.Context) error {
				return checkDataDir(dataDir)
			},
		},
	}
	return c
}

// Run sweeps once immediately, then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) sweep(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		statuses[i] = c.runCheck(ctx, check)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) runCheck(ctx context.Context, check Check) Status {
	started := time.Now()
	err := check.Probe(ctx)

	s := Status{
		Name:      check.Name,
		Healthy:   err == nil,
		LatencyMS: time.Since(started).Milliseconds(),
		CheckedAt: started,
	}
	up := 1.0
	if err != nil {
		s.Error = err.Error()
		up = 0
	}
	metrics.HealthCheckUp.WithLabelValues(check.Name).Set(up)
	return s
}

// Statuses returns a copy of the latest sweep's results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Status, len(c.statuses))
	copy(out, c.statuses)
	return out
}

// IsHealthy reports whether every check passed on the last sweep.
// Vacuously true before the first sweep completes.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // created lazily on first write
		}
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}
