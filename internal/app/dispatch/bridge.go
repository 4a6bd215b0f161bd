package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/scalerize/infinitegpu/internal/app/lifecycle"
	"github.com/scalerize/infinitegpu/internal/domain"
	"github.com/scalerize/infinitegpu/internal/infra/metrics"
	"github.com/scalerize/infinitegpu/internal/infra/presence"
)

// Bridge translates transport-level connection events into presence
// and lifecycle consequences: registration on open, capability records
// on announce, and the requeue-plus-redispatch sweep when a device's
// last connection closes.
type Bridge struct {
	registry *presence.Registry
	life     *lifecycle.Service
	engine   *Engine
	store    domain.Store
}

// NewBridge wires connection handling to the registry, the lifecycle
// service and the dispatch engine.
func NewBridge(registry *presence.Registry, life *lifecycle.Service, engine *Engine, store domain.Store) *Bridge {
	return &Bridge{registry: registry, life: life, engine: engine, store: store}
}

// HandleOpen registers a new live connection. When a device id is
// supplied and this is the device's first connection, the device row
// is persisted as connected and a dispatch attempt runs: new capacity
// may unblock pending work.
func (b *Bridge) HandleOpen(ctx context.Context, connectionID, providerID, deviceID, deviceName string) error {
	now := time.Now()
	cameOnline := b.registry.RegisterConnection(connectionID, providerID, deviceID, deviceName, now)
	if deviceID == "" {
		return nil
	}

	if cameOnline {
		metrics.DeviceConnections.WithLabelValues("new").Inc()
		metrics.DevicesConnected.Inc()
		dev := &domain.Device{
			ID:              deviceID,
			ProviderID:      providerID,
			Name:            deviceName,
			Connected:       true,
			LastConnectedAt: now,
			LastSeenAt:      now,
		}
		if err := b.store.UpsertDevice(ctx, dev); err != nil {
			log.Printf("[dispatch] persist device %s: %v", deviceID, err)
		}
		log.Printf("[dispatch] device %s online (provider %s)", deviceID, providerID)
		if _, err := b.engine.DispatchNext(ctx); err != nil {
			log.Printf("[dispatch] dispatch after connect: %v", err)
		}
	} else {
		metrics.DeviceConnections.WithLabelValues("additional").Inc()
	}
	return nil
}

// HandleAnnounce records a device's self-reported capabilities and
// runs one dispatch attempt: better-known capacity may change device
// ranking, and an announcing provider is asking for work.
func (b *Bridge) HandleAnnounce(ctx context.Context, deviceID string, caps domain.CapabilitySnapshot) error {
	if caps.ReportedAt.IsZero() {
		caps.ReportedAt = time.Now()
	}
	if err := b.registry.RecordCapabilities(deviceID, caps); err != nil {
		return err
	}
	log.Printf("[dispatch] device %s announced %.1f GB, %d GPU(s)",
		deviceID, float64(caps.MemoryBytes)/(1<<30), caps.GPUCount)
	if _, err := b.engine.DispatchNext(ctx); err != nil {
		log.Printf("[dispatch] dispatch after announce: %v", err)
	}
	return nil
}

// HandleClose unregisters a connection. If it was the device's last
// one, every subtask the device held is failed with reason "device
// disconnected" and one dispatch attempt runs per requeued subtask, so
// surviving devices pick the work straight back up.
func (b *Bridge) HandleClose(ctx context.Context, connectionID string) {
	providerID, deviceID, stillConnected := b.registry.UnregisterConnection(connectionID)
	if deviceID == "" {
		return
	}
	if stillConnected {
		return
	}

	metrics.DeviceDisconnections.Inc()
	metrics.DevicesConnected.Dec()
	if err := b.store.SetDeviceConnectivity(ctx, deviceID, false); err != nil {
		log.Printf("[dispatch] mark device %s offline: %v", deviceID, err)
	}
	log.Printf("[dispatch] device %s offline, sweeping its assignments", deviceID)

	outcomes, err := b.life.FailAllForDevice(ctx, deviceID, providerID)
	if err != nil {
		log.Printf("[dispatch] fail subtasks of device %s: %v", deviceID, err)
		return
	}
	for _, o := range outcomes {
		if !o.WasReassigned {
			continue
		}
		if _, err := b.engine.DispatchNext(ctx); err != nil {
			log.Printf("[dispatch] redispatch after disconnect: %v", err)
		}
	}
}

// Touch refreshes a device's liveness on any inbound request.
func (b *Bridge) Touch(deviceID string) {
	b.registry.Touch(deviceID, time.Now())
}
