package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/injection"
	"github.com/sark-labs/sark/internal/domain/protocol"
)

// EventRecorder records audit events without blocking the caller.
// This interface is satisfied by service.AuditService.
type EventRecorder interface {
	Record(event audit.Event)
}

// DecisionLogger records flattened policy decision rows.
// This interface is satisfied by service.PolicyService's decision sink.
type DecisionLogger interface {
	LogDecision(log audit.DecisionLog)
}

// StatsRecorder records decision statistics.
// This interface is satisfied by service.StatsService.
type StatsRecorder interface {
	RecordAllow()
	RecordDeny()
	RecordRateLimited()
	RecordProtocol(protocol string)
}

// AuditInterceptor is the outermost stage of the decision chain. It
// times the request, places the scan summary holder in context for the
// redaction and injection stages, and records exactly one decision
// event per invocation attempt after the chain returns. Detection
// events at alert level and redaction events are recorded alongside
// the decision event from the same stage products.
type AuditInterceptor struct {
	recorder  EventRecorder
	decisions DecisionLogger // optional, may be nil
	stats     StatsRecorder  // optional, may be nil
	next      Interceptor
	logger    *slog.Logger
}

// NewAuditInterceptor creates a new AuditInterceptor.
func NewAuditInterceptor(
	recorder EventRecorder,
	decisions DecisionLogger,
	stats StatsRecorder,
	next Interceptor,
	logger *slog.Logger,
) *AuditInterceptor {
	return &AuditInterceptor{
		recorder:  recorder,
		decisions: decisions,
		stats:     stats,
		next:      next,
		logger:    logger,
	}
}

// Intercept runs the rest of the chain and records the outcome.
// The result and error are returned unchanged.
func (a *AuditInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	startTime := time.Now()

	// Scan summary holder for the redaction and injection stages.
	ctx, scanHolder := audit.WithScanSummary(ctx)

	result, err := a.next.Intercept(ctx, req)

	if a.stats != nil {
		switch {
		case err == nil:
			a.stats.RecordAllow()
		case errors.Is(err, ErrRateLimited) || errors.Is(err, ErrBudgetExceeded):
			a.stats.RecordRateLimited()
		default:
			a.stats.RecordDeny()
		}
		if req.Resource != nil {
			a.stats.RecordProtocol(string(req.Resource.Protocol))
		}
	}

	event := a.buildDecisionEvent(req, result, startTime, err)
	a.recorder.Record(event)

	// Detections on the allow path and redactions get their own events;
	// the decision event above stays the single allow/deny record.
	if err == nil && req.InjectionResult != nil && req.InjectionResult.Detected {
		a.recorder.Record(a.buildAlertEvent(req, event))
	}
	if scanHolder != nil && scanHolder.Redactions > 0 {
		a.recorder.Record(a.buildRedactionEvent(req, event, scanHolder))
	}

	if a.decisions != nil && req.Decision != nil {
		a.decisions.LogDecision(a.buildDecisionLog(req, event))
	}

	a.logger.Debug("audit recorded",
		"event_type", event.EventType,
		"capability_id", event.CapabilityID,
		"decision", event.Decision,
		"latency_us", event.LatencyMicros,
	)

	return result, err
}

// buildDecisionEvent classifies the chain outcome into the single
// decision event for this attempt.
func (a *AuditInterceptor) buildDecisionEvent(req *Request, result *protocol.InvocationResult, startTime time.Time, err error) audit.Event {
	event := audit.Event{
		ID:            uuid.NewString(),
		Timestamp:     startTime.UTC(),
		RequestID:     req.RequestID(),
		SessionID:     req.SessionID,
		ClientIP:      req.ClientIP,
		LatencyMicros: time.Since(startTime).Microseconds(),
		Details:       map[string]interface{}{},
	}

	if req.Principal != nil {
		event.PrincipalID = req.Principal.ID
	}
	if req.Resource != nil {
		event.ResourceID = req.Resource.ID
		event.Protocol = string(req.Resource.Protocol)
	}
	if req.Capability != nil {
		event.CapabilityID = req.Capability.ID
		event.Details["capability_name"] = req.Capability.Name
		event.Details["sensitivity"] = string(req.Capability.Sensitivity)
	}
	event.Details["arguments"] = audit.RedactSensitiveArgs(req.Arguments())

	switch {
	case err == nil:
		event.EventType = audit.EventTypeToolCall
		event.Decision = audit.DecisionAllow
		event.Severity = audit.SeverityLow
		if result != nil && !result.Success {
			// Governance allowed the call; the upstream itself failed.
			event.Details["upstream_error"] = result.ErrorMessage
		}
	case errors.Is(err, ErrInjectionBlocked):
		event.EventType = audit.EventTypeInjectionDetected
		event.Decision = audit.DecisionDeny
		event.Severity = audit.SeverityCritical
		event.Reason = err.Error()
		if req.InjectionResult != nil {
			for k, v := range injection.AuditDetail(*req.InjectionResult) {
				event.Details[k] = v
			}
		}
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrBudgetExceeded):
		event.EventType = audit.EventTypeRateLimited
		event.Decision = audit.DecisionDeny
		event.Severity = audit.SeverityLow
		event.Reason = err.Error()
		if req.RetryAfter > 0 {
			event.Details["retry_after"] = req.RetryAfter.String()
		}
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrMFARequired),
		errors.Is(err, ErrMFAFailed), errors.Is(err, ErrValidationFailed):
		event.EventType = audit.EventTypeAuthorizationDenied
		event.Decision = audit.DecisionDeny
		event.Severity = audit.SeverityMedium
		event.Reason = err.Error()
		if req.ChallengeID != "" {
			event.Details["challenge_id"] = req.ChallengeID
		}
	default:
		// Adapter or transport failure, not a governance verdict.
		event.EventType = audit.EventTypeToolCall
		event.Decision = audit.DecisionError
		event.Severity = audit.SeverityMedium
		event.Reason = err.Error()
	}

	event.RetentionDays = audit.RetentionFor(event.EventType)
	return event
}

// buildAlertEvent records a detection that did not block the request.
func (a *AuditInterceptor) buildAlertEvent(req *Request, decision audit.Event) audit.Event {
	action := injection.DefaultPolicy().Decide(*req.InjectionResult)
	event := audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    decision.Timestamp,
		EventType:    audit.EventTypeInjectionDetected,
		Severity:     audit.Severity(injection.AuditSeverity(action)),
		PrincipalID:  decision.PrincipalID,
		ResourceID:   decision.ResourceID,
		CapabilityID: decision.CapabilityID,
		Decision:     audit.DecisionAllow,
		Reason:       "detected below block threshold",
		RequestID:    decision.RequestID,
		SessionID:    decision.SessionID,
		ClientIP:     decision.ClientIP,
		Protocol:     decision.Protocol,
		Details:      injection.AuditDetail(*req.InjectionResult),
	}
	event.RetentionDays = audit.RetentionFor(event.EventType)
	return event
}

// buildRedactionEvent records secret redactions applied to the result.
func (a *AuditInterceptor) buildRedactionEvent(req *Request, decision audit.Event, summary *audit.ScanSummary) audit.Event {
	event := audit.Event{
		ID:           uuid.NewString(),
		Timestamp:    decision.Timestamp,
		EventType:    audit.EventTypeSecretRedacted,
		Severity:     audit.SeverityHigh,
		PrincipalID:  decision.PrincipalID,
		ResourceID:   decision.ResourceID,
		CapabilityID: decision.CapabilityID,
		Decision:     decision.Decision,
		RequestID:    decision.RequestID,
		SessionID:    decision.SessionID,
		ClientIP:     decision.ClientIP,
		Protocol:     decision.Protocol,
		Details: map[string]interface{}{
			"redactions": summary.Redactions,
			"kinds":      summary.RedactedKinds,
		},
	}
	event.RetentionDays = audit.RetentionFor(event.EventType)
	return event
}

// buildDecisionLog flattens the policy decision into one relational row.
func (a *AuditInterceptor) buildDecisionLog(req *Request, event audit.Event) audit.DecisionLog {
	d := req.Decision
	log := audit.DecisionLog{
		ID:                   uuid.NewString(),
		Timestamp:            event.Timestamp,
		Allow:                d.Allow,
		Action:               "invoke_capability",
		PoliciesEvaluated:    d.PoliciesEvaluated,
		Violations:           d.Violations,
		Reason:               d.Reason,
		EvaluationDurationMS: float64(d.Duration.Microseconds()) / 1000.0,
		CacheHit:             d.CacheHit,
		ClientIP:             req.ClientIP,
		RequestID:            event.RequestID,
		SessionID:            req.SessionID,
		TimeBasedAllowed:     d.Advanced.TimeBasedAllowed,
		IPFilteringAllowed:   d.Advanced.IPFilteringAllowed,
		MFARequiredSatisfied: d.Advanced.MFARequiredSatisfied,
	}
	if d.Allow {
		log.Result = audit.DecisionAllow
	} else {
		log.Result = audit.DecisionDeny
		log.DenialReason = d.Reason
	}
	if req.Principal != nil {
		log.UserID = req.Principal.ID
		log.UserRole = req.Principal.Role
		log.UserTeams = req.Principal.Teams
		log.MFAVerified = req.Principal.MFAVerified
	}
	if req.Capability != nil {
		log.CapabilityID = req.Capability.ID
		log.CapabilityName = req.Capability.Name
		log.SensitivityLevel = string(req.Capability.Sensitivity)
		log.ResourceType = "capability"
	}
	if req.Resource != nil {
		log.ServerID = req.Resource.ID
		log.ServerName = req.Resource.Name
		log.ResourceID = req.Resource.ID
	}
	return log
}

// Compile-time check that AuditInterceptor implements Interceptor.
var _ Interceptor = (*AuditInterceptor)(nil)
