//go:build !race

package injection

// raceEnabled reports whether the race detector is active, so timing
// assertions can widen their thresholds accordingly.
const raceEnabled = false
