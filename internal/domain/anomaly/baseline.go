package anomaly

import (
	"sort"
	"time"

	"github.com/sark-labs/sark/internal/domain/resource"
)

// Baseline construction defaults.
const (
	// DefaultLookbackDays is the history window for baseline construction.
	DefaultLookbackDays = 30
	// DefaultTopCapabilities caps the common-capability set.
	DefaultTopCapabilities = 10
	// shareThreshold is the minimum share of events an hour or weekday
	// needs to count as typical.
	shareThreshold = 0.10
)

// BuildBaseline derives a baseline from a principal's events. Events
// outside the caller's lookback window should already be filtered out;
// lookbackDays only feeds the per-day average. An empty history yields a
// minimal baseline.
func BuildBaseline(principalID string, events []Event, lookbackDays int, now time.Time) *Baseline {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}

	b := &Baseline{
		PrincipalID:  principalID,
		LookbackDays: lookbackDays,
		EventCount:   len(events),
		ComputedAt:   now,
	}
	if len(events) == 0 {
		return b
	}
	b.MaxSensitivity = resource.SensitivityNone

	total := float64(len(events))

	capCounts := make(map[string]int)
	dayCounts := make(map[string]int)
	hourCounts := make(map[int]int)
	weekdayCounts := make(map[time.Weekday]int)
	sensCounts := make(map[string]int)
	locations := make(map[string]bool)

	sizedEvents := 0
	sizeSum := 0
	for _, e := range events {
		capCounts[e.CapabilityID]++
		dayCounts[e.Timestamp.Format("2006-01-02")]++
		hourCounts[e.Timestamp.Hour()]++
		weekdayCounts[e.Timestamp.Weekday()]++

		if e.Sensitivity.IsValid() {
			sensCounts[string(e.Sensitivity)]++
			if e.Sensitivity.Rank() > b.MaxSensitivity.Rank() {
				b.MaxSensitivity = e.Sensitivity
			}
		}
		if e.ResultSize > 0 {
			sizedEvents++
			sizeSum += e.ResultSize
			if e.ResultSize > b.MaxRecordsPerQuery {
				b.MaxRecordsPerQuery = e.ResultSize
			}
		}
		if e.Location != "" {
			locations[e.Location] = true
		}
	}

	b.CommonCapabilities = topCapabilities(capCounts, DefaultTopCapabilities)
	b.AvgCallsPerDay = total / float64(lookbackDays)
	for _, n := range dayCounts {
		if n > b.MaxCallsPerDay {
			b.MaxCallsPerDay = n
		}
	}

	for hour, n := range hourCounts {
		if float64(n)/total >= shareThreshold {
			b.TypicalHours = append(b.TypicalHours, hour)
		}
	}
	sort.Ints(b.TypicalHours)

	for day, n := range weekdayCounts {
		if float64(n)/total >= shareThreshold {
			b.TypicalDays = append(b.TypicalDays, day)
		}
	}
	sort.Slice(b.TypicalDays, func(i, j int) bool { return b.TypicalDays[i] < b.TypicalDays[j] })

	if sizedEvents > 0 {
		b.AvgRecordsPerQuery = float64(sizeSum) / float64(sizedEvents)
	}

	b.TypicalSensitivity = modeSensitivity(sensCounts)

	for loc := range locations {
		b.TypicalLocations = append(b.TypicalLocations, loc)
	}
	sort.Strings(b.TypicalLocations)

	return b
}

// topCapabilities returns the n most-invoked capabilities, ties broken by
// name so the set is stable across runs.
func topCapabilities(counts map[string]int, n int) []string {
	type capCount struct {
		id    string
		count int
	}
	ranked := make([]capCount, 0, len(counts))
	for id, count := range counts {
		ranked = append(ranked, capCount{id: id, count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, c := range ranked {
		out[i] = c.id
	}
	return out
}

// modeSensitivity picks the most frequent sensitivity, preferring the
// higher level on ties.
func modeSensitivity(counts map[string]int) resource.Sensitivity {
	var mode resource.Sensitivity
	best := 0
	for s, n := range counts {
		level := resource.Sensitivity(s)
		if n > best || (n == best && level.Rank() > mode.Rank()) {
			best = n
			mode = level
		}
	}
	return mode
}
