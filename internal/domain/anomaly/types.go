// Package anomaly builds per-principal behavioral baselines and flags
// invocations that deviate from them. Detection runs off the request's
// critical path; its output feeds alert routing, never the allow/deny
// decision.
package anomaly

import (
	"time"

	"github.com/sark-labs/sark/internal/domain/resource"
)

// Kind identifies a detection rule.
type Kind string

const (
	KindUnusualTool           Kind = "unusual_tool"
	KindUnusualTime           Kind = "unusual_time"
	KindUnusualDay            Kind = "unusual_day"
	KindExcessiveData         Kind = "excessive_data"
	KindSensitivityEscalation Kind = "sensitivity_escalation"
	KindRapidRequests         Kind = "rapid_requests"
	KindGeographicAnomaly     Kind = "geographic_anomaly"
)

// Severity ranks an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is one detected deviation from a principal's baseline.
type Anomaly struct {
	Kind        Kind        `json:"kind"`
	Severity    Severity    `json:"severity"`
	Description string      `json:"description"`
	Baseline    interface{} `json:"baseline"`
	Observed    interface{} `json:"observed"`
	Confidence  float64     `json:"confidence"`
}

// Event is one behavioral observation about a principal.
type Event struct {
	PrincipalID  string               `json:"principal_id"`
	CapabilityID string               `json:"capability_id"`
	Timestamp    time.Time            `json:"timestamp"`
	Sensitivity  resource.Sensitivity `json:"sensitivity"`
	// ResultSize counts records or bytes returned, zero when unknown.
	ResultSize int `json:"result_size"`
	// Location is a coarse client location tag, empty when unknown.
	Location string `json:"location,omitempty"`
}

// Baseline summarizes a principal's behavior over the lookback window.
type Baseline struct {
	PrincipalID string `json:"principal_id"`
	// LookbackDays is the window the baseline was computed over.
	LookbackDays int `json:"lookback_days"`
	// EventCount is the number of events observed; zero marks a minimal
	// baseline for a principal with no history.
	EventCount int `json:"event_count"`

	CommonCapabilities []string       `json:"common_capabilities"`
	AvgCallsPerDay     float64        `json:"avg_calls_per_day"`
	MaxCallsPerDay     int            `json:"max_calls_per_day"`
	TypicalHours       []int          `json:"typical_hours"`
	TypicalDays        []time.Weekday `json:"typical_days"`
	AvgRecordsPerQuery float64        `json:"avg_records_per_query"`
	MaxRecordsPerQuery int            `json:"max_records_per_query"`

	MaxSensitivity     resource.Sensitivity `json:"max_sensitivity"`
	TypicalSensitivity resource.Sensitivity `json:"typical_sensitivity"`
	TypicalLocations   []string             `json:"typical_locations"`

	ComputedAt time.Time `json:"computed_at"`
}

// IsMinimal reports whether the baseline carries no history.
func (b *Baseline) IsMinimal() bool {
	return b == nil || b.EventCount == 0
}

// HasCapability reports whether a capability is in the common set.
func (b *Baseline) HasCapability(capabilityID string) bool {
	for _, c := range b.CommonCapabilities {
		if c == capabilityID {
			return true
		}
	}
	return false
}

// HasHour reports whether an hour is typical for this principal.
func (b *Baseline) HasHour(hour int) bool {
	for _, h := range b.TypicalHours {
		if h == hour {
			return true
		}
	}
	return false
}

// HasDay reports whether a weekday is typical for this principal.
func (b *Baseline) HasDay(day time.Weekday) bool {
	for _, d := range b.TypicalDays {
		if d == day {
			return true
		}
	}
	return false
}

// HasLocation reports whether a location has been observed before.
func (b *Baseline) HasLocation(location string) bool {
	for _, l := range b.TypicalLocations {
		if l == location {
			return true
		}
	}
	return false
}
