//go:build !linux

package mcp

import "errors"

// clockTicksPerSecond matches the Linux USER_HZ constant; unused on
// platforms without /proc but keeps the monitor arithmetic portable.
const clockTicksPerSecond = 100

type procStats struct {
	rssBytes uint64
	fdCount  int
	cpuTicks uint64
}

// errProcStatsUnavailable marks platforms without /proc. Resource limits
// are not enforced there; only hung detection runs.
var errProcStatsUnavailable = errors.New("process stats unavailable on this platform")

func readProcStats(pid int) (procStats, error) {
	return procStats{}, errProcStatsUnavailable
}
