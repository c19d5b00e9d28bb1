package pipeline

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/sark-labs/sark/internal/domain/anomaly"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/policy"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/ratelimit"
	"github.com/sark-labs/sark/internal/domain/resource"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestRequest builds a fully-populated request the way the gateway
// assembles one before running the chain.
func newTestRequest() *Request {
	return &Request{
		Invocation: &protocol.InvocationRequest{
			CapabilityID: "cap-1",
			PrincipalID:  "user-1",
			Arguments:    map[string]interface{}{"query": "weekly report"},
			Context: protocol.InvocationContext{
				RequestID: "req-1",
			},
		},
		Principal: &principal.Principal{
			ID:    "user-1",
			Email: "user1@example.com",
			Role:  "analyst",
			Teams: []string{"data"},
		},
		Resource: &resource.Resource{
			ID:       "res-1",
			Name:     "warehouse",
			Protocol: resource.ProtocolMCP,
			Endpoint: "npx warehouse-server",
		},
		Capability: &resource.Capability{
			ID:          "cap-1",
			ResourceID:  "res-1",
			Name:        "query_warehouse",
			Sensitivity: resource.SensitivityMedium,
		},
		ReceivedAt: time.Now().UTC(),
		ClientIP:   "10.1.2.3",
		SessionID:  "sess-1",
	}
}

// mockNextInterceptor is the generic downstream stage for stage tests.
type mockNextInterceptor struct {
	returnResult *protocol.InvocationResult
	returnErr    error
	called       bool
	gotRequest   *Request
	interceptFn  func(ctx context.Context, req *Request) (*protocol.InvocationResult, error) // optional override
}

func (m *mockNextInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	m.called = true
	m.gotRequest = req
	if m.interceptFn != nil {
		return m.interceptFn(ctx, req)
	}
	if m.returnResult != nil {
		return m.returnResult, m.returnErr
	}
	return &protocol.InvocationResult{Success: true}, m.returnErr
}

// mockEventRecorder captures recorded audit events.
type mockEventRecorder struct {
	events []audit.Event
}

func (m *mockEventRecorder) Record(event audit.Event) {
	m.events = append(m.events, event)
}

func (m *mockEventRecorder) byType(eventType string) []audit.Event {
	var out []audit.Event
	for _, e := range m.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// mockDecisionLogger captures decision log rows.
type mockDecisionLogger struct {
	logs []audit.DecisionLog
}

func (m *mockDecisionLogger) LogDecision(log audit.DecisionLog) {
	m.logs = append(m.logs, log)
}

// mockStatsRecorder captures stats recording calls.
type mockStatsRecorder struct {
	allowCount       int
	denyCount        int
	rateLimitedCount int
	protocolCounts   map[string]int
}

func (m *mockStatsRecorder) RecordAllow()       { m.allowCount++ }
func (m *mockStatsRecorder) RecordDeny()        { m.denyCount++ }
func (m *mockStatsRecorder) RecordRateLimited() { m.rateLimitedCount++ }
func (m *mockStatsRecorder) RecordProtocol(p string) {
	if m.protocolCounts == nil {
		m.protocolCounts = make(map[string]int)
	}
	m.protocolCounts[p]++
}

// mockAuthorizer returns a fixed decision or error.
type mockAuthorizer struct {
	decision *policy.Decision
	err      error
	called   bool
	gotInput *policy.AuthorizationInput
}

func (m *mockAuthorizer) Authorize(ctx context.Context, input *policy.AuthorizationInput) (*policy.Decision, error) {
	m.called = true
	m.gotInput = input
	return m.decision, m.err
}

// allowDecision is a plain allow with all advanced checks satisfied.
func allowDecision() *policy.Decision {
	return &policy.Decision{
		Allow:             true,
		Reason:            "allowed by default policy",
		PoliciesEvaluated: []string{"default"},
		Advanced: policy.AdvancedResults{
			TimeBasedAllowed:     true,
			IPFilteringAllowed:   true,
			MFARequiredSatisfied: true,
		},
	}
}

// mockLimiter returns canned results per key prefix.
type mockLimiter struct {
	result  ratelimit.Result
	err     error
	calls   []string
	configs []ratelimit.Config
}

func (m *mockLimiter) Allow(ctx context.Context, key string, config ratelimit.Config) (ratelimit.Result, error) {
	m.calls = append(m.calls, key)
	m.configs = append(m.configs, config)
	return m.result, m.err
}

// mockObserver captures anomaly observations.
type mockObserver struct {
	events []anomaly.Event
}

func (m *mockObserver) Observe(event anomaly.Event) {
	m.events = append(m.events, event)
}
