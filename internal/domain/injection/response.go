package injection

// Action is what the gateway does with a request after scanning.
type Action string

const (
	// ActionBlock rejects the request before it reaches the upstream.
	ActionBlock Action = "block"
	// ActionAlert lets the request through but raises a security alert.
	ActionAlert Action = "alert"
	// ActionLog records the findings without alerting.
	ActionLog Action = "log"
	// ActionNone means the scan found nothing.
	ActionNone Action = "none"
)

// Default risk-score thresholds.
const (
	DefaultBlockThreshold = 70
	DefaultAlertThreshold = 40
)

// Audit detail caps: how much of a result is carried into an audit event.
const (
	auditMaxFindings  = 10
	auditMaxEntropy   = 5
	auditFragmentSize = 50
)

// Policy maps a risk score to an action.
type Policy struct {
	BlockThreshold int
	AlertThreshold int
}

// DefaultPolicy blocks at 70 and alerts at 40.
func DefaultPolicy() Policy {
	return Policy{
		BlockThreshold: DefaultBlockThreshold,
		AlertThreshold: DefaultAlertThreshold,
	}
}

// Decide returns the action for a scan result.
func (p Policy) Decide(r Result) Action {
	switch {
	case r.RiskScore >= p.BlockThreshold:
		return ActionBlock
	case r.RiskScore >= p.AlertThreshold:
		return ActionAlert
	case r.Detected:
		return ActionLog
	default:
		return ActionNone
	}
}

// AuditSeverity maps an action to the severity recorded on the audit event.
func AuditSeverity(a Action) string {
	switch a {
	case ActionBlock:
		return "critical"
	case ActionAlert:
		return "high"
	case ActionLog:
		return "medium"
	default:
		return "low"
	}
}

// AuditDetail summarizes a result for an audit event: the top findings
// with fragments truncated to 50 characters, plus the strongest entropy
// flags. The full finding list never leaves the detector.
func AuditDetail(r Result) map[string]interface{} {
	detail := map[string]interface{}{
		"risk_score":    r.RiskScore,
		"finding_count": len(r.Findings),
	}

	if top := r.TopFindings(auditMaxFindings); len(top) > 0 {
		summaries := make([]map[string]interface{}, 0, len(top))
		for _, f := range top {
			fragment := f.Matched
			if len(fragment) > auditFragmentSize {
				fragment = fragment[:auditFragmentSize]
			}
			s := map[string]interface{}{
				"pattern":  f.Pattern,
				"severity": string(f.Severity),
				"path":     f.Path,
				"fragment": fragment,
			}
			if len(f.Obfuscation) > 0 {
				s["obfuscation"] = f.Obfuscation
			}
			summaries = append(summaries, s)
		}
		detail["findings"] = summaries
	}

	if top := r.TopEntropy(auditMaxEntropy); len(top) > 0 {
		summaries := make([]map[string]interface{}, 0, len(top))
		for _, ef := range top {
			fragment := ef.Fragment
			if len(fragment) > auditFragmentSize {
				fragment = fragment[:auditFragmentSize]
			}
			summaries = append(summaries, map[string]interface{}{
				"path":    ef.Path,
				"entropy": ef.Entropy,
				"length":  ef.Length,
				// Only a short prefix of the suspect string is kept.
				"fragment": fragment,
			})
		}
		detail["entropy_findings"] = summaries
	}

	return detail
}
