package anomaly

// AlertLevel is the routing outcome for a set of anomalies.
type AlertLevel string

const (
	// AlertCritical pages the on-call channel and may auto-suspend.
	AlertCritical AlertLevel = "critical"
	// AlertWarning notifies chat and email channels.
	AlertWarning AlertLevel = "warning"
	// AlertLog records the anomalies without notifying anyone.
	AlertLog AlertLevel = "log"
)

// Routing defaults.
const (
	DefaultCriticalHighCount  = 2
	DefaultWarningMediumCount = 3
)

// RouterConfig tunes the severity thresholds for alert escalation.
type RouterConfig struct {
	// CriticalHighCount escalates to critical at this many high anomalies.
	CriticalHighCount int
	// WarningMediumCount escalates to warning at this many mediums.
	WarningMediumCount int
}

// DefaultRouterConfig returns the standard escalation thresholds.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CriticalHighCount:  DefaultCriticalHighCount,
		WarningMediumCount: DefaultWarningMediumCount,
	}
}

// ClassifyAlert maps a non-empty anomaly set to an alert level. One
// critical or several highs page; one high or several mediums warn;
// everything else is logged.
func ClassifyAlert(anomalies []Anomaly, cfg RouterConfig) AlertLevel {
	if cfg.CriticalHighCount <= 0 {
		cfg.CriticalHighCount = DefaultCriticalHighCount
	}
	if cfg.WarningMediumCount <= 0 {
		cfg.WarningMediumCount = DefaultWarningMediumCount
	}

	var criticals, highs, mediums int
	for _, a := range anomalies {
		switch a.Severity {
		case SeverityCritical:
			criticals++
		case SeverityHigh:
			highs++
		case SeverityMedium:
			mediums++
		}
	}

	switch {
	case criticals >= 1 || highs >= cfg.CriticalHighCount:
		return AlertCritical
	case highs >= 1 || mediums >= cfg.WarningMediumCount:
		return AlertWarning
	default:
		return AlertLog
	}
}
