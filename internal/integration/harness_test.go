// Package integration holds end-to-end tests that run invocations
// through the full decision chain with real components: the CEL policy
// engine over the seeded default bundle, the async audit service over
// the in-memory store, the registry, and the gateway on top.
package integration

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/adapter/outbound/cel"
	"github.com/sark-labs/sark/internal/adapter/outbound/memory"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedAdapter is a scriptable protocol.Adapter standing in for a
// remote MCP server. invokeFn overrides the upstream response.
type scriptedAdapter struct {
	invokeFn func(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error)

	mu          sync.Mutex
	invocations int
}

func (a *scriptedAdapter) Name() string            { return string(resource.ProtocolMCP) }
func (a *scriptedAdapter) Version() string         { return "test" }
func (a *scriptedAdapter) SupportsStreaming() bool { return false }

func (a *scriptedAdapter) DiscoverResources(ctx context.Context, cfg protocol.DiscoveryConfig) ([]resource.Resource, error) {
	now := time.Now().UTC()
	return []resource.Resource{{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Protocol:  resource.ProtocolMCP,
		Endpoint:  cfg.Endpoint,
		Metadata:  cfg.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}}, nil
}

// Capabilities exposes one capability per sensitivity tier so each
// policy rule in the default bundle has a target.
func (a *scriptedAdapter) Capabilities(ctx context.Context, res *resource.Resource) ([]resource.Capability, error) {
	now := time.Now().UTC()
	return []resource.Capability{
		{ID: uuid.NewString(), Name: "search_customers", Description: "search customer records", CreatedAt: now},
		{ID: uuid.NewString(), Name: "delete_customer", Description: "remove a customer record", CreatedAt: now},
		{ID: uuid.NewString(), Name: "export_payment_data", Description: "export payment transaction records", CreatedAt: now},
	}, nil
}

func (a *scriptedAdapter) Validate(ctx context.Context, req *protocol.InvocationRequest) error {
	return nil
}

func (a *scriptedAdapter) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	a.mu.Lock()
	a.invocations++
	a.mu.Unlock()
	if a.invokeFn != nil {
		return a.invokeFn(ctx, req)
	}
	return &protocol.InvocationResult{Success: true}, nil
}

func (a *scriptedAdapter) InvokeStreaming(ctx context.Context, req *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	ch := make(chan protocol.StreamMessage)
	close(ch)
	return ch, nil
}

func (a *scriptedAdapter) Health(ctx context.Context, res *resource.Resource) error     { return nil }
func (a *scriptedAdapter) OnRegister(ctx context.Context, res *resource.Resource) error { return nil }
func (a *scriptedAdapter) OnUnregister(ctx context.Context, res *resource.Resource) error {
	return nil
}

func (a *scriptedAdapter) invokeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invocations
}

var _ protocol.Adapter = (*scriptedAdapter)(nil)

// env wires the real governance stack behind a scripted upstream:
// CEL evaluator over a freshly seeded default bundle, policy service
// with its decision cache, async audit service on the in-memory store,
// and the gateway with the decision log attached.
type env struct {
	gateway  *service.GatewayService
	registry *service.RegistryService
	policy   *service.PolicyService
	audits   *service.AuditService
	store    *memory.AuditStore
	adapter  *scriptedAdapter
	res      resource.Resource
	caps     map[string]resource.Capability

	cancel context.CancelFunc
}

func newEnv(t *testing.T, opts ...service.GatewayOption) *env {
	t.Helper()
	logger := testLogger()
	ctx, cancel := context.WithCancel(context.Background())

	evaluator, err := cel.NewEvaluator(ctx, t.TempDir(), logger)
	if err != nil {
		cancel()
		t.Fatalf("new evaluator: %v", err)
	}
	policySvc := service.NewPolicyService(evaluator, logger)

	store := memory.NewAuditStore()
	audits := service.NewAuditService(store, logger,
		service.WithFlushInterval(10*time.Millisecond),
		service.WithDecisionStore(store),
	)
	audits.Start(ctx)

	registry := service.NewRegistryService(memory.NewResourceStore(), logger)
	adapter := &scriptedAdapter{}
	if err := registry.RegisterAdapter(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	registered, err := registry.RegisterResource(ctx, resource.ProtocolMCP, protocol.DiscoveryConfig{
		Name:     "CRM",
		Endpoint: "https://crm.internal.example/mcp",
		Metadata: map[string]string{resource.MetaTransport: resource.TransportHTTP},
	})
	if err != nil {
		t.Fatalf("register resource: %v", err)
	}
	capabilities, err := registry.ListCapabilities(ctx, registered[0].ID)
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	byName := make(map[string]resource.Capability, len(capabilities))
	for _, c := range capabilities {
		byName[c.Name] = c
	}

	gatewayOpts := append([]service.GatewayOption{service.WithDecisionLog(audits)}, opts...)
	gateway := service.NewGatewayService(registry, policySvc, audits, logger, gatewayOpts...)

	return &env{
		gateway:  gateway,
		registry: registry,
		policy:   policySvc,
		audits:   audits,
		store:    store,
		adapter:  adapter,
		res:      registered[0],
		caps:     byName,
		cancel:   cancel,
	}
}

// stop drains the audit workers before goleak inspects the test.
func (e *env) stop() {
	e.audits.Stop()
	e.cancel()
}

// invoke runs one capability call through the gateway by name.
func (e *env) invoke(ctx context.Context, t *testing.T, capName string, args map[string]interface{}) (*protocol.InvocationResult, error) {
	t.Helper()
	capability, ok := e.caps[capName]
	if !ok {
		t.Fatalf("capability %q not registered", capName)
	}
	return e.gateway.Invoke(ctx, &protocol.InvocationRequest{
		CapabilityID: capability.ID,
		Arguments:    args,
	})
}

func analystPrincipal() *principal.Principal {
	return &principal.Principal{
		ID:         "user-ana",
		Email:      "ana@example.com",
		Role:       "analyst",
		MFAMethods: []string{"totp"},
	}
}

func adminPrincipal() *principal.Principal {
	return &principal.Principal{
		ID:          "user-root",
		Role:        "admin",
		MFAVerified: true,
	}
}

// callerCtx prepares the context the way an inbound transport would
// after authentication.
func callerCtx(p *principal.Principal, requestID string) context.Context {
	ctx := service.ContextWithPrincipal(context.Background(), p)
	ctx = service.ContextWithClientIP(ctx, "10.20.0.7")
	ctx = service.ContextWithSessionID(ctx, "sess-42")
	if requestID != "" {
		ctx = service.ContextWithRequestID(ctx, requestID)
	}
	return ctx
}

// waitForEvents polls the audit store until the filter matches at least
// want events. The audit path is asynchronous by design.
func waitForEvents(t *testing.T, store *memory.AuditStore, filter audit.Filter, want int) []audit.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		events, _, err := store.Query(context.Background(), filter)
		if err != nil {
			t.Fatalf("query events: %v", err)
		}
		if len(events) >= want {
			return events
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d events, have %d", want, len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitForDecisions polls the decision store until at least want rows match.
func waitForDecisions(t *testing.T, store *memory.AuditStore, filter audit.DecisionFilter, want int) []audit.DecisionLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		rows, _, err := store.QueryDecisions(context.Background(), filter)
		if err != nil {
			t.Fatalf("query decisions: %v", err)
		}
		if len(rows) >= want {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d decision rows, have %d", want, len(rows))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
