package agent

import (
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// Probe reads the machine's shareable capacity. Every reader returns a
// zero value when its source is unavailable; an all-zero snapshot still
// announces fine, the device just ranks last.
func Probe() domain.CapabilitySnapshot {
	count, name := gpuProbe()
	return domain.CapabilitySnapshot{
		MemoryBytes: totalMemoryBytes(),
		GPUCount:    count,
		GPUName:     name,
		ReportedAt:  time.Now(),
	}
}
