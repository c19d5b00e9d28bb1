//go:build linux

package mcp

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// clockTicksPerSecond is the kernel USER_HZ tick rate used by
// /proc/<pid>/stat CPU counters. Fixed at 100 on Linux.
const clockTicksPerSecond = 100

// procStats is one resource sample of a child process.
type procStats struct {
	rssBytes uint64
	fdCount  int
	// cpuTicks is cumulative utime+stime in clock ticks; CPU percent is
	// derived from the delta between samples.
	cpuTicks uint64
}

// readProcStats samples RSS, open fd count, and cumulative CPU ticks for
// pid from /proc.
func readProcStats(pid int) (procStats, error) {
	var st procStats

	statm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return st, err
	}
	fields := strings.Fields(string(statm))
	if len(fields) < 2 {
		return st, fmt.Errorf("unexpected statm format for pid %d", pid)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return st, fmt.Errorf("parse rss pages: %w", err)
	}
	st.rssBytes = pages * uint64(unix.Getpagesize())

	fds, err := os.ReadDir(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return st, err
	}
	st.fdCount = len(fds)

	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return st, err
	}
	// comm may contain spaces and parentheses; the numeric fields start
	// after the last closing paren. utime and stime are stat fields 14
	// and 15, which land at offsets 11 and 12 of the remainder.
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 {
		return st, fmt.Errorf("unexpected stat format for pid %d", pid)
	}
	rest := strings.Fields(string(stat[i+1:]))
	if len(rest) < 13 {
		return st, fmt.Errorf("unexpected stat format for pid %d", pid)
	}
	utime, err := strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return st, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return st, fmt.Errorf("parse stime: %w", err)
	}
	st.cpuTicks = utime + stime

	return st, nil
}
