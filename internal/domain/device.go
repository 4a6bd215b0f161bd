package domain

import "time"

// Device is a provider machine that connects to the node to receive
// work. A provider account may run several devices; each holds its own
// channel and its own presence record.
type Device struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	Name       string `json:"name,omitempty"`

	Connected          bool      `json:"connected"`
	LastConnectedAt    time.Time `json:"last_connected_at,omitzero"`
	LastDisconnectedAt time.Time `json:"last_disconnected_at,omitzero"`
	LastSeenAt         time.Time `json:"last_seen_at,omitzero"`
}

// CapabilitySnapshot is the hardware self-report a device announces
// after connecting. Dispatch ranks candidates by MemoryBytes; a device
// that never announced ranks last, not never.
type CapabilitySnapshot struct {
	MemoryBytes int64     `json:"memory_bytes"`
	GPUCount    int       `json:"gpu_count"`
	GPUName     string    `json:"gpu_name,omitempty"`
	ReportedAt  time.Time `json:"reported_at,omitzero"`
}
