package anomaly

import (
	"fmt"
	"time"
)

// Detection defaults.
const (
	// DefaultRapidWindow is the burst window for rapid_requests.
	DefaultRapidWindow = 60 * time.Second
	// DefaultRapidCount is the event count that marks a burst.
	DefaultRapidCount = 10
	// DefaultDataMultiplier flags result sizes beyond this multiple of the
	// baseline maximum.
	DefaultDataMultiplier = 3.0
)

// Detector evaluates events against baselines. Safe for concurrent use.
type Detector struct {
	rapidWindow    time.Duration
	rapidCount     int
	dataMultiplier float64
}

// DetectorOption adjusts detector construction.
type DetectorOption func(*Detector)

// WithRapidWindow sets the burst detection window.
func WithRapidWindow(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.rapidWindow = d
		}
	}
}

// WithRapidCount sets the burst event threshold.
func WithRapidCount(n int) DetectorOption {
	return func(det *Detector) {
		if n > 0 {
			det.rapidCount = n
		}
	}
}

// WithDataMultiplier sets the excessive-data multiplier.
func WithDataMultiplier(m float64) DetectorOption {
	return func(det *Detector) {
		if m > 0 {
			det.dataMultiplier = m
		}
	}
}

// NewDetector creates a Detector with the default rule thresholds.
func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		rapidWindow:    DefaultRapidWindow,
		rapidCount:     DefaultRapidCount,
		dataMultiplier: DefaultDataMultiplier,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect runs every rule for one event. recent holds the principal's
// prior events near the current one (the current event excluded) and only
// feeds the rapid_requests rule. A minimal baseline detects nothing.
func (d *Detector) Detect(baseline *Baseline, event Event, recent []Event) []Anomaly {
	if baseline.IsMinimal() {
		return nil
	}

	var anomalies []Anomaly

	if !baseline.HasCapability(event.CapabilityID) {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindUnusualTool,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("capability %s is not among the principal's common capabilities", event.CapabilityID),
			Baseline:    baseline.CommonCapabilities,
			Observed:    event.CapabilityID,
			Confidence:  0.7,
		})
	}

	hour := event.Timestamp.Hour()
	if len(baseline.TypicalHours) > 0 && !baseline.HasHour(hour) {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindUnusualTime,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("activity at hour %02d is outside the principal's typical hours", hour),
			Baseline:    baseline.TypicalHours,
			Observed:    hour,
			Confidence:  0.8,
		})
	}

	day := event.Timestamp.Weekday()
	if len(baseline.TypicalDays) > 0 && !baseline.HasDay(day) {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindUnusualDay,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("activity on %s is outside the principal's typical days", day),
			Baseline:    baseline.TypicalDays,
			Observed:    day.String(),
			Confidence:  0.6,
		})
	}

	if event.ResultSize > 0 && float64(event.ResultSize) > d.dataMultiplier*float64(baseline.MaxRecordsPerQuery) {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindExcessiveData,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("result size %d exceeds %.0fx the baseline maximum of %d", event.ResultSize, d.dataMultiplier, baseline.MaxRecordsPerQuery),
			Baseline:    baseline.MaxRecordsPerQuery,
			Observed:    event.ResultSize,
			Confidence:  0.9,
		})
	}

	if event.Sensitivity.IsValid() && event.Sensitivity.Rank() > baseline.MaxSensitivity.Rank() {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindSensitivityEscalation,
			Severity:    SeverityHigh,
			Description: fmt.Sprintf("sensitivity %s exceeds the principal's historical maximum of %s", event.Sensitivity, baseline.MaxSensitivity),
			Baseline:    string(baseline.MaxSensitivity),
			Observed:    string(event.Sensitivity),
			Confidence:  0.95,
		})
	}

	if burst := d.burstSize(event, recent); burst >= d.rapidCount {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindRapidRequests,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("%d requests within %s", burst, d.rapidWindow),
			Baseline:    d.rapidCount,
			Observed:    burst,
			Confidence:  0.85,
		})
	}

	if len(baseline.TypicalLocations) > 0 && event.Location != "" && !baseline.HasLocation(event.Location) {
		anomalies = append(anomalies, Anomaly{
			Kind:        KindGeographicAnomaly,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("location %s has not been observed for this principal", event.Location),
			Baseline:    baseline.TypicalLocations,
			Observed:    event.Location,
			Confidence:  0.75,
		})
	}

	return anomalies
}

// burstSize counts the current event plus recent events inside the window
// ending at the current event's timestamp.
func (d *Detector) burstSize(event Event, recent []Event) int {
	cutoff := event.Timestamp.Add(-d.rapidWindow)
	count := 1
	for _, e := range recent {
		if e.Timestamp.After(cutoff) && !e.Timestamp.After(event.Timestamp) {
			count++
		}
	}
	return count
}
