package agent

import (
	"fmt"
	"time"
)

// activeWindow is how recently the owner must have touched the machine
// for it to count as in use.
const activeWindow = 3 * time.Minute

// lowBatteryPct is the battery floor below which an unplugged machine
// stops claiming.
const lowBatteryPct = 20

// Guard decides whether the machine can take work right now. The agent
// must never degrade its owner's experience: an active user or a
// draining battery pauses claims, a headless machine never does.
type Guard struct {
	onlyWhenIdle bool
}

// NewGuard creates a claim guard.
func NewGuard(onlyWhenIdle bool) *Guard {
	return &Guard{onlyWhenIdle: onlyWhenIdle}
}

// Allow reports whether a claim may run now, with the blocking reason
// when it may not.
func (g *Guard) Allow() (bool, string) {
	if low, pct := batteryLow(); low {
		return false, fmt.Sprintf("battery at %d%%, not charging", pct)
	}
	if g.onlyWhenIdle && hasDisplay() && idleDuration() < activeWindow {
		return false, "user active"
	}
	return true, ""
}
