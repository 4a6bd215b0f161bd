// Package dispatch matches pending subtasks to connected provider
// devices. The engine offers at most one subtask to at most one device
// per invocation; callers re-invoke it after every event that creates
// new work or new capacity, so repeated invocation must stay cheap and
// idempotent.
package dispatch

import (
	"context"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/infra/metrics"
	"github.com/scalerize/infinitegpu/internal/infra/presence"
	"github.com/scalerize/infinitegpu/internal/infra/tracing"
)

// Pool is the engine's view of the presence registry.
type Pool interface {
	ConnectedDevices() []presence.Presence
}

// Claimer assigns the next pending subtask to a device.
type Claimer interface {
	TryClaim(ctx context.Context, providerID, deviceID string) (*domain.Subtask, error)
}

// Engine selects the best available device for the next pending
// subtask. Selection is a heuristic: devices with more self-reported
// memory are tried first, devices that never announced capabilities
// sort last but stay eligible.
type Engine struct {
	pool    Pool
	claimer Claimer
}

// NewEngine creates a dispatch engine over a device pool and a claimer.
func NewEngine(pool Pool, claimer Claimer) *Engine {
	return &Engine{pool: pool, claimer: claimer}
}

// DispatchNext offers the next pending subtask to the highest-capacity
// connected device that can take it. Returns (nil, nil) when there is
// no device or no claimable work.
func (e *Engine) DispatchNext(ctx context.Context) (*domain.Subtask, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.next")
	defer span.End()
	start := time.Now()
	defer func() { metrics.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	candidates := e.pool.ConnectedDevices()
	span.SetAttributes(attribute.Int("dispatch.candidates", len(candidates)))
	if len(candidates) == 0 {
		metrics.DispatchAttempts.WithLabelValues("no_devices").Inc()
		return nil, nil
	}
	rankCandidates(candidates)

	for _, d := range candidates {
		sub, err := e.claimer.TryClaim(ctx, d.ProviderID, d.DeviceID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			metrics.DispatchAttempts.WithLabelValues("assigned").Inc()
			span.SetAttributes(
				attribute.String("dispatch.subtask_id", sub.ID),
				attribute.String("dispatch.device_id", d.DeviceID),
			)
			log.Printf("[dispatch] subtask %s -> device %s (%.1f GB reported)",
				sub.ID, d.DeviceID, float64(d.Capabilities.MemoryBytes)/(1<<30))
			return sub, nil
		}
		// No claimable work for this device (empty pool or lost every
		// race in the scan window); the next candidate may still win.
	}
	metrics.DispatchAttempts.WithLabelValues("no_work").Inc()
	return nil, nil
}

// rankCandidates orders devices by descending reported memory. Unknown
// capacity counts as zero. Ties break on device id so the order is
// stable regardless of registry iteration order.
func rankCandidates(devs []presence.Presence) {
	sort.Slice(devs, func(i, j int) bool {
		mi, mj := devs[i].Capabilities.MemoryBytes, devs[j].Capabilities.MemoryBytes
		if mi != mj {
			return mi > mj
		}
		return devs[i].DeviceID < devs[j].DeviceID
	})
}
