// Package presence tracks which provider devices currently hold live
// channels to this node. The registry is the dispatcher's source of
// truth: a device is eligible for work exactly while at least one of
// its connections is here. A provider may hold several connections per
// device (tabs, worker processes); the device counts as connected until
// the last one goes.
//
// Locking is per device entry. The shared maps are sync.Maps and each
// entry carries its own mutex, so a burst of reconnects on one device
// never blocks reads or writes for the rest of the pool.
package presence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// Presence is a point-in-time copy of one device's registry state.
type Presence struct {
	DeviceID     string                    `json:"device_id"`
	ProviderID   string                    `json:"provider_id"`
	Name         string                    `json:"name,omitempty"`
	Connections  int                       `json:"connections"`
	Capabilities domain.CapabilitySnapshot `json:"capabilities"`
	ConnectedAt  time.Time                 `json:"connected_at"`
	LastSeenAt   time.Time                 `json:"last_seen_at"`
}

// entry is the live record for one device. dead is set under mu when
// the last connection has gone and the entry was unlinked from the map;
// a holder that observes it must re-fetch instead of mutating a record
// nobody can see anymore.
type entry struct {
	mu   sync.Mutex
	dead bool

	deviceID    string
	providerID  string
	name        string
	conns       map[string]struct{}
	caps        domain.CapabilitySnapshot
	connectedAt time.Time
	lastSeenAt  time.Time
}

func (e *entry) snapshot() Presence {
	return Presence{
		DeviceID:     e.deviceID,
		ProviderID:   e.providerID,
		Name:         e.name,
		Connections:  len(e.conns),
		Capabilities: e.caps,
		ConnectedAt:  e.connectedAt,
		LastSeenAt:   e.lastSeenAt,
	}
}

// binding records which provider and device a connection id belongs to.
// Connections without a device id (plain account channels) still get a
// binding so fan-out and teardown can find their owner.
type binding struct {
	providerID string
	deviceID   string
}

// Registry maps live connections to provider devices.
type Registry struct {
	devices sync.Map // device id -> *entry
	conns   sync.Map // connection id -> binding

	connCount   atomic.Int64
	deviceCount atomic.Int64
	registers   atomic.Int64
	unregisters atomic.Int64
	staleDrops  atomic.Int64
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterConnection records a live connection for a provider and,
// when deviceID is non-empty, binds it to that device. Registering the
// same connection id twice is idempotent. It reports whether the
// device went from unreachable to reachable.
func (r *Registry) RegisterConnection(connectionID, providerID, deviceID, name string, now time.Time) (deviceCameOnline bool) {
	if _, loaded := r.conns.LoadOrStore(connectionID, binding{providerID: providerID, deviceID: deviceID}); loaded {
		return false
	}
	r.connCount.Add(1)
	r.registers.Add(1)

	if deviceID == "" {
		return false
	}

	for {
		fresh := &entry{
			deviceID:    deviceID,
			providerID:  providerID,
			name:        name,
			conns:       map[string]struct{}{connectionID: {}},
			connectedAt: now,
			lastSeenAt:  now,
		}
		v, loaded := r.devices.LoadOrStore(deviceID, fresh)
		e := v.(*entry)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if !loaded {
			r.deviceCount.Add(1)
			e.mu.Unlock()
			return true
		}
		e.providerID = providerID
		if name != "" {
			e.name = name
		}
		e.conns[connectionID] = struct{}{}
		e.lastSeenAt = now
		e.mu.Unlock()
		return false
	}
}

// UnregisterConnection removes a connection. It returns the binding the
// connection held and whether its device still has other live
// connections. Unregistering an unknown or already-removed id is a
// no-op. When the last connection of a device goes, the capability
// snapshot goes with it.
func (r *Registry) UnregisterConnection(connectionID string) (providerID, deviceID string, deviceStillConnected bool) {
	v, ok := r.conns.LoadAndDelete(connectionID)
	if !ok {
		r.staleDrops.Add(1)
		return "", "", false
	}
	b := v.(binding)
	r.connCount.Add(-1)
	r.unregisters.Add(1)

	if b.deviceID == "" {
		return b.providerID, "", false
	}

	ev, ok := r.devices.Load(b.deviceID)
	if !ok {
		return b.providerID, b.deviceID, false
	}
	e := ev.(*entry)
	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return b.providerID, b.deviceID, false
	}
	delete(e.conns, connectionID)
	if len(e.conns) > 0 {
		e.mu.Unlock()
		return b.providerID, b.deviceID, true
	}
	e.dead = true
	e.mu.Unlock()

	r.devices.Delete(b.deviceID)
	r.deviceCount.Add(-1)
	return b.providerID, b.deviceID, false
}

// RecordCapabilities stores a device's hardware self-report for its
// current connection session. The device must be connected.
func (r *Registry) RecordCapabilities(deviceID string, caps domain.CapabilitySnapshot) error {
	for {
		v, ok := r.devices.Load(deviceID)
		if !ok {
			return domain.ErrNotConnected
		}
		e := v.(*entry)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.caps = caps
		if !caps.ReportedAt.IsZero() {
			e.lastSeenAt = caps.ReportedAt
		}
		e.mu.Unlock()
		return nil
	}
}

// Touch refreshes a device's last-seen time, typically on any inbound
// request from its provider.
func (r *Registry) Touch(deviceID string, now time.Time) {
	v, ok := r.devices.Load(deviceID)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	if !e.dead {
		e.lastSeenAt = now
	}
	e.mu.Unlock()
}

// Get returns a copy of one device's presence.
func (r *Registry) Get(deviceID string) (Presence, bool) {
	v, ok := r.devices.Load(deviceID)
	if !ok {
		return Presence{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return Presence{}, false
	}
	return e.snapshot(), true
}

// Connected reports whether the device holds at least one live channel.
func (r *Registry) Connected(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// Capabilities returns the device's current hardware self-report. The
// second result is false when the device is offline; snapshots do not
// outlive the connection session that reported them.
func (r *Registry) Capabilities(deviceID string) (domain.CapabilitySnapshot, bool) {
	p, ok := r.Get(deviceID)
	if !ok {
		return domain.CapabilitySnapshot{}, false
	}
	return p.Capabilities, true
}

// ConnectedDevices returns copies of every live device entry, in no
// particular order. Callers that need a ranking sort the copies.
func (r *Registry) ConnectedDevices() []Presence {
	out := make([]Presence, 0, r.deviceCount.Load())
	r.devices.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.dead {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// ConnectionCount returns the number of live connections, device-bound
// or not.
func (r *Registry) ConnectionCount() int {
	return int(r.connCount.Load())
}

// ProviderConnectionCount returns how many live connections a provider
// holds across all of its devices and plain account channels.
func (r *Registry) ProviderConnectionCount(providerID string) int {
	n := 0
	r.conns.Range(func(_, v any) bool {
		if v.(binding).providerID == providerID {
			n++
		}
		return true
	})
	return n
}

// ConnectedDeviceCount returns the number of devices with at least one
// live connection.
func (r *Registry) ConnectedDeviceCount() int {
	return int(r.deviceCount.Load())
}

// Stats summarizes registry churn since process start.
type Stats struct {
	Connections      int   `json:"connections"`
	ConnectedDevices int   `json:"connected_devices"`
	Registers        int64 `json:"registers_total"`
	Unregisters      int64 `json:"unregisters_total"`
	StaleDrops       int64 `json:"stale_drops_total"`
}

// Stats returns churn counters for status endpoints.
func (r *Registry) Stats() Stats {
	return Stats{
		Connections:      r.ConnectionCount(),
		ConnectedDevices: r.ConnectedDeviceCount(),
		Registers:        r.registers.Load(),
		Unregisters:      r.unregisters.Load(),
		StaleDrops:       r.staleDrops.Load(),
	}
}
