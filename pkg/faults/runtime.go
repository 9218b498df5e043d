// runtime.go captures process state at the time of a fatal fault.

package faults

import (
	"runtime"
	"time"
)

// CaptureRuntimeState captures runtime metrics at the current moment.
// The startTime parameter is used to calculate process uptime.
func CaptureRuntimeState(startTime time.Time) RuntimeState {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptimeMs := time.Since(startTime).Milliseconds()
	if uptimeMs < 0 {
		uptimeMs = 0 // Clamp to 0 if start time is in the future
	}

	return RuntimeState{
		MemoryBytes:    int64(memStats.Alloc),
		GoroutineCount: runtime.NumGoroutine(),
		UptimeMs:       uptimeMs,
	}
}
