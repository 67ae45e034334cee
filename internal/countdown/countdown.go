// Package countdown derives remaining time and urgency flags for a listing
// deadline from the synchronized clock.
package countdown

import (
	"fmt"
	"time"
)

// Threshold boundaries for urgency flags.
const (
	LastMinute     = time.Minute
	LastTenSeconds = 10 * time.Second
)

// Status is the countdown state of a deadline at one instant.
type Status struct {
	Remaining      time.Duration // Never negative
	Expired        bool          // Remaining == 0
	LastMinute     bool          // 0 < Remaining <= 60s
	LastTenSeconds bool          // 0 < Remaining <= 10s
}

// Evaluate computes the countdown for endTime at syncedNow. Both must be in
// the server's clock domain.
func Evaluate(endTime, syncedNow time.Time) Status {
	remaining := endTime.Sub(syncedNow)
	if remaining < 0 {
		remaining = 0
	}

	return Status{
		Remaining:      remaining,
		Expired:        remaining <= 0,
		LastMinute:     remaining > 0 && remaining <= LastMinute,
		LastTenSeconds: remaining > 0 && remaining <= LastTenSeconds,
	}
}

// Format renders the remaining time as minutes:seconds, seconds zero-padded.
// Sub-second remainders are truncated.
func (s Status) Format() string {
	total := int64(s.Remaining / time.Second)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// Urgency returns a short label for the most severe active flag.
func (s Status) Urgency() string {
	switch {
	case s.Expired:
		return "ended"
	case s.LastTenSeconds:
		return "critical"
	case s.LastMinute:
		return "warning"
	}
	return ""
}
