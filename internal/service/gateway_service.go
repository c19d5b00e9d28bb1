package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/sark-labs/sark/internal/breaker"
	"github.com/sark-labs/sark/internal/ctxkey"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/injection"
	"github.com/sark-labs/sark/internal/domain/pipeline"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/ratelimit"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/domain/secrets"
	"github.com/sark-labs/sark/internal/domain/validation"
	"github.com/sark-labs/sark/internal/port/inbound"
	"github.com/sark-labs/sark/internal/retry"
)

// DefaultInvokeTimeout bounds upstream calls when the request carries no
// timeout of its own.
const DefaultInvokeTimeout = 30 * time.Second

// ContextWithPrincipal returns a context carrying the authenticated
// principal. Inbound transports call this after authentication.
func ContextWithPrincipal(ctx context.Context, p *principal.Principal) context.Context {
	return context.WithValue(ctx, ctxkey.PrincipalKey{}, p)
}

// PrincipalFromContext returns the authenticated principal placed on the
// context by the inbound transport, or nil.
func PrincipalFromContext(ctx context.Context) *principal.Principal {
	p, _ := ctx.Value(ctxkey.PrincipalKey{}).(*principal.Principal)
	return p
}

// ContextWithClientIP returns a context carrying the caller's address.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxkey.ClientIPKey{}, ip)
}

// ContextWithSessionID returns a context carrying the caller-supplied
// session id.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ctxkey.SessionIDKey{}, sessionID)
}

// ContextWithRequestID returns a context carrying the correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxkey.RequestIDKey{}, requestID)
}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(ctxkey.ClientIPKey{}).(string)
	return ip
}

func sessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.SessionIDKey{}).(string)
	return id
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxkey.RequestIDKey{}).(string)
	return id
}

// GatewayOption configures optional gateway collaborators and tunables.
type GatewayOption func(*GatewayService)

// WithRateLimit engages the rate/budget gate with the given limiter and
// per-principal config. capabilityCfg adds the shared per-capability
// ceiling when non-nil.
func WithRateLimit(limiter ratelimit.Limiter, principalCfg ratelimit.Config, capabilityCfg *ratelimit.Config) GatewayOption {
	return func(g *GatewayService) {
		g.limiter = limiter
		g.principalCfg = principalCfg
		g.capabilityCfg = capabilityCfg
	}
}

// WithInjectionScanning replaces the default detector and scan policy.
func WithInjectionScanning(detector *injection.Detector, policy injection.Policy) GatewayOption {
	return func(g *GatewayService) {
		g.detector = detector
		g.scanPolicy = policy
	}
}

// WithMFAGate engages the step-up verification gate.
func WithMFAGate(issuer pipeline.ChallengeIssuer) GatewayOption {
	return func(g *GatewayService) {
		g.issuer = issuer
	}
}

// WithAnomalyPipeline engages behavioral observation. location maps client
// addresses to coarse location tags and may be nil.
func WithAnomalyPipeline(observer pipeline.AnomalyObserver, location pipeline.LocationFunc) GatewayOption {
	return func(g *GatewayService) {
		g.observer = observer
		g.location = location
	}
}

// WithSecretScanner replaces the default response scanner.
func WithSecretScanner(scanner *secrets.Scanner) GatewayOption {
	return func(g *GatewayService) {
		g.scanner = scanner
	}
}

// WithArgumentValidator replaces the default schema validator.
func WithArgumentValidator(v pipeline.ArgumentValidator) GatewayOption {
	return func(g *GatewayService) {
		g.validator = v
	}
}

// WithDecisionLog wires the flattened decision-log sink.
func WithDecisionLog(decisions pipeline.DecisionLogger) GatewayOption {
	return func(g *GatewayService) {
		g.decisions = decisions
	}
}

// WithGatewayStats wires the decision statistics recorder.
func WithGatewayStats(stats pipeline.StatsRecorder) GatewayOption {
	return func(g *GatewayService) {
		g.stats = stats
	}
}

// WithInvokeTimeout replaces the default upstream call timeout.
func WithInvokeTimeout(d time.Duration) GatewayOption {
	return func(g *GatewayService) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithUpstreamRetry replaces the default backoff config for upstream
// dispatch. The retry predicate is owned by the gateway.
func WithUpstreamRetry(cfg retry.Config) GatewayOption {
	return func(g *GatewayService) {
		g.retryCfg = cfg
	}
}

// WithUpstreamBreakers replaces the per-endpoint breaker manager.
func WithUpstreamBreakers(m *breaker.Manager) GatewayOption {
	return func(g *GatewayService) {
		g.breakers = m
	}
}

// GatewayService is the inbound port implementation: it resolves each call
// against the registry, runs it through the decision chain, and dispatches
// allowed calls to the owning protocol adapter behind a per-endpoint
// circuit breaker with bounded retries.
//
// The chain is assembled once at construction; stages whose collaborator
// was not wired are left out. Authorization and the audit stage are always
// present.
type GatewayService struct {
	registry   *RegistryService
	authorizer pipeline.Authorizer
	recorder   pipeline.EventRecorder
	decisions  pipeline.DecisionLogger
	stats      pipeline.StatsRecorder

	limiter       ratelimit.Limiter
	principalCfg  ratelimit.Config
	capabilityCfg *ratelimit.Config
	detector      *injection.Detector
	scanPolicy    injection.Policy
	issuer        pipeline.ChallengeIssuer
	observer      pipeline.AnomalyObserver
	location      pipeline.LocationFunc
	scanner       *secrets.Scanner
	validator     pipeline.ArgumentValidator

	breakers *breaker.Manager
	retryCfg retry.Config
	timeout  time.Duration
	logger   *slog.Logger

	// chain dispatches to the adapter; streamChain stops at governance so
	// the stream can be opened and pumped outside the chain.
	chain       pipeline.Interceptor
	streamChain pipeline.Interceptor

	inflight atomic.Int64
}

// NewGatewayService creates the gateway over a registry, policy engine,
// and audit recorder. Injection scanning, schema validation, and secret
// redaction run with stock components unless overridden; the rate gate,
// MFA gate, and anomaly observation engage only when wired via options.
func NewGatewayService(
	registry *RegistryService,
	authorizer pipeline.Authorizer,
	recorder pipeline.EventRecorder,
	logger *slog.Logger,
	opts ...GatewayOption,
) *GatewayService {
	g := &GatewayService{
		registry:   registry,
		authorizer: authorizer,
		recorder:   recorder,
		detector:   injection.NewDetector(),
		scanPolicy: injection.DefaultPolicy(),
		scanner:    secrets.NewScanner(),
		validator:  validation.NewSchemaValidator(),
		breakers:   breaker.NewManager(breaker.Config{}),
		retryCfg:   retry.DefaultConfig,
		timeout:    DefaultInvokeTimeout,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.chain = g.buildChain(g.dispatch())
	g.streamChain = g.buildChain(pipeline.InterceptorFunc(
		func(ctx context.Context, req *pipeline.Request) (*protocol.InvocationResult, error) {
			return nil, nil
		},
	))
	return g
}

// buildChain wraps the terminal stage with the governance stages,
// innermost first.
func (g *GatewayService) buildChain(terminal pipeline.Interceptor) pipeline.Interceptor {
	chain := terminal
	if g.scanner != nil {
		chain = pipeline.NewRedactionInterceptor(g.scanner, chain, g.logger)
	}
	if g.observer != nil {
		chain = pipeline.NewAnomalyInterceptor(g.observer, g.location, chain, g.logger)
	}
	if g.issuer != nil {
		chain = pipeline.NewMFAInterceptor(g.issuer, chain, g.logger)
	}
	chain = pipeline.NewPolicyInterceptor(g.authorizer, chain, g.logger)
	if g.detector != nil {
		chain = pipeline.NewInjectionInterceptor(g.detector, g.scanPolicy, chain, g.logger)
	}
	if g.limiter != nil {
		chain = pipeline.NewRateLimitInterceptor(g.limiter, g.principalCfg, g.capabilityCfg, chain, g.logger)
	}
	if g.validator != nil {
		chain = pipeline.NewValidationInterceptor(g.validator, chain, g.logger)
	}
	return pipeline.NewAuditInterceptor(g.recorder, g.decisions, g.stats, chain, g.logger)
}

// Invoke runs one capability call through the decision chain and, when
// allowed, dispatches it to the owning protocol adapter. Governance
// rejections are typed pipeline errors; upstream failures come back as
// unsuccessful results.
func (g *GatewayService) Invoke(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	g.inflight.Add(1)
	defer g.inflight.Add(-1)

	req, err := g.prepare(ctx, call)
	if err != nil {
		return nil, err
	}
	return g.chain.Intercept(ctx, req)
}

// InvokeStreaming runs the governance chain and, when the call is allowed,
// opens the upstream stream and pumps it to the caller with per-message
// secret redaction. The returned channel is closed after the terminal
// message or when ctx is cancelled.
func (g *GatewayService) InvokeStreaming(ctx context.Context, call *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	g.inflight.Add(1)

	req, err := g.prepare(ctx, call)
	if err != nil {
		g.inflight.Add(-1)
		return nil, err
	}
	adapter, err := g.registry.Adapter(req.Resource.Protocol)
	if err != nil {
		g.inflight.Add(-1)
		return nil, err
	}

	if _, err := g.streamChain.Intercept(ctx, req); err != nil {
		g.inflight.Add(-1)
		return nil, err
	}

	brk := g.breakers.Get(req.Resource.Endpoint)
	cfg := g.retryCfg
	cfg.ShouldRetry = retryableUpstream

	var upstream <-chan protocol.StreamMessage
	err = retry.Do(ctx, cfg, func() error {
		return brk.Do(func() error {
			ch, openErr := adapter.InvokeStreaming(ctx, req.Invocation)
			if openErr != nil {
				return openErr
			}
			upstream = ch
			return nil
		})
	})
	if err != nil {
		g.inflight.Add(-1)
		g.logger.Warn("stream open failed",
			"capability_id", req.Capability.ID,
			"resource_id", req.Resource.ID,
			"breaker", brk.State().String(),
			"error", err,
		)
		return nil, err
	}

	out := make(chan protocol.StreamMessage)
	go g.pumpStream(ctx, req, upstream, out)
	return out, nil
}

// ListResources returns the registered resources.
func (g *GatewayService) ListResources(ctx context.Context) ([]*resource.Resource, error) {
	resources, err := g.registry.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*resource.Resource, len(resources))
	for i := range resources {
		out[i] = &resources[i]
	}
	return out, nil
}

// ListCapabilities returns the capabilities of one resource, or of all
// resources when resourceID is empty.
func (g *GatewayService) ListCapabilities(ctx context.Context, resourceID string) ([]*resource.Capability, error) {
	ids := []string{resourceID}
	if resourceID == "" {
		resources, err := g.registry.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		ids = ids[:0]
		for _, r := range resources {
			ids = append(ids, r.ID)
		}
	}

	var out []*resource.Capability
	for _, id := range ids {
		capabilities, err := g.registry.ListCapabilities(ctx, id)
		if err != nil {
			return nil, err
		}
		for i := range capabilities {
			out = append(out, &capabilities[i])
		}
	}
	return out, nil
}

// InFlight returns the number of invocations currently in the gateway.
func (g *GatewayService) InFlight() int64 {
	return g.inflight.Load()
}

// BreakerStates returns the per-endpoint breaker states.
func (g *GatewayService) BreakerStates() map[string]breaker.State {
	return g.breakers.States()
}

// prepare resolves the call against the registry and assembles the chain
// request with the caller's network context.
func (g *GatewayService) prepare(ctx context.Context, call *protocol.InvocationRequest) (*pipeline.Request, error) {
	if call == nil || call.CapabilityID == "" {
		return nil, fmt.Errorf("capability id is required")
	}

	capability, res, _, err := g.registry.Resolve(ctx, call.CapabilityID)
	if err != nil {
		return nil, err
	}
	call.Capability = capability
	call.Resource = res

	if call.Context.RequestID == "" {
		call.Context.RequestID = requestIDFromContext(ctx)
	}
	if call.Context.RequestID == "" {
		call.Context.RequestID = uuid.NewString()
	}

	p := PrincipalFromContext(ctx)
	if p != nil && call.PrincipalID == "" {
		call.PrincipalID = p.ID
	}

	return &pipeline.Request{
		Invocation: call,
		Principal:  p,
		Resource:   res,
		Capability: capability,
		ReceivedAt: time.Now().UTC(),
		ClientIP:   clientIPFromContext(ctx),
		SessionID:  sessionIDFromContext(ctx),
	}, nil
}

// dispatch is the terminal invoker: it calls the protocol adapter behind
// the endpoint's breaker, retrying connection-class failures with backoff.
// Upstream failures never surface as errors; the chain sees an
// unsuccessful result and the audit stage records the upstream error.
func (g *GatewayService) dispatch() pipeline.InterceptorFunc {
	return func(ctx context.Context, req *pipeline.Request) (*protocol.InvocationResult, error) {
		ctx, span := otel.Tracer("sark/gateway").Start(ctx, "invoke")
		defer span.End()

		adapter, err := g.registry.Adapter(req.Resource.Protocol)
		if err != nil {
			return nil, err
		}

		timeout := g.timeout
		if req.Invocation.Context.Timeout > 0 {
			timeout = req.Invocation.Context.Timeout
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		cfg := g.retryCfg
		cfg.ShouldRetry = retryableUpstream

		brk := g.breakers.Get(req.Resource.Endpoint)
		start := time.Now()
		var result *protocol.InvocationResult
		err = retry.Do(callCtx, cfg, func() error {
			return brk.Do(func() error {
				req.Invoked = true
				res, callErr := adapter.Invoke(callCtx, req.Invocation)
				if callErr != nil {
					return callErr
				}
				result = res
				return nil
			})
		})
		if err != nil {
			g.logger.Warn("upstream invocation failed",
				"capability_id", req.Capability.ID,
				"resource_id", req.Resource.ID,
				"breaker", brk.State().String(),
				"error", err,
			)
			return failureResult(callCtx, err, timeout, start), nil
		}
		return result, nil
	}
}

// retryableUpstream admits connection-class adapter failures to the retry
// loop. Open breakers fail fast; every other kind is not worth repeating.
func retryableUpstream(err error) bool {
	if errors.Is(err, breaker.ErrOpen) {
		return false
	}
	return protocol.IsKind(err, protocol.ErrKindConnection) ||
		protocol.IsKind(err, protocol.ErrKindTimeout)
}

// failureResult converts an upstream failure into an unsuccessful result.
// Cancellation is reported as "cancelled" so callers can tell an abandoned
// call from an upstream fault.
func failureResult(ctx context.Context, err error, timeout time.Duration, start time.Time) *protocol.InvocationResult {
	result := &protocol.InvocationResult{
		Success:  false,
		Duration: time.Since(start),
	}
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		result.ErrorMessage = "cancelled"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ErrorMessage = fmt.Sprintf("upstream call timed out after %s", timeout)
	case errors.Is(err, breaker.ErrOpen):
		result.ErrorMessage = "upstream circuit breaker open"
	default:
		result.ErrorMessage = err.Error()
	}
	if kind := protocol.KindOf(err); kind != "" {
		result.Metadata = map[string]string{"error_kind": string(kind)}
	}
	return result
}

// pumpStream forwards upstream messages to the caller, redacting secret
// material per message. Redactions are recorded as one audit event when
// the stream ends.
func (g *GatewayService) pumpStream(ctx context.Context, req *pipeline.Request, upstream <-chan protocol.StreamMessage, out chan<- protocol.StreamMessage) {
	defer g.inflight.Add(-1)
	defer close(out)

	redactions := 0
	kinds := map[string]bool{}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-upstream:
			if !ok {
				if redactions > 0 {
					g.recordStreamRedaction(req, redactions, kinds)
				}
				return
			}
			if g.scanner != nil {
				msg = g.redactMessage(msg, &redactions, kinds)
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// redactMessage scans one stream element, replacing secret material in the
// payload and in terminal error text.
func (g *GatewayService) redactMessage(msg protocol.StreamMessage, redactions *int, kinds map[string]bool) protocol.StreamMessage {
	if msg.Data != nil {
		redacted, findings := g.scanner.ScanAndRedact(msg.Data)
		msg.Data = redacted
		for _, f := range findings {
			if f.Redact {
				*redactions++
				kinds[f.Kind] = true
			}
		}
	}
	if msg.Err != nil {
		redacted, findings := g.scanner.ScanAndRedact(msg.Err.Error())
		changed := false
		for _, f := range findings {
			if f.Redact {
				*redactions++
				kinds[f.Kind] = true
				changed = true
			}
		}
		if s, ok := redacted.(string); ok && changed {
			msg.Err = errors.New(s)
		}
	}
	return msg
}

// recordStreamRedaction emits the secret-redaction event for a completed
// stream, mirroring the unary redaction record.
func (g *GatewayService) recordStreamRedaction(req *pipeline.Request, redactions int, kinds map[string]bool) {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)

	event := audit.Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: audit.EventTypeSecretRedacted,
		Severity:  audit.SeverityHigh,
		Decision:  audit.DecisionAllow,
		RequestID: req.RequestID(),
		SessionID: req.SessionID,
		ClientIP:  req.ClientIP,
		Details: map[string]interface{}{
			"redactions": redactions,
			"kinds":      strings.Join(names, ","),
			"streaming":  true,
		},
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
	}
	event.RetentionDays = audit.RetentionFor(event.EventType)
	g.recorder.Record(event)

	g.logger.Warn("secrets redacted from stream",
		"capability_id", event.CapabilityID,
		"redactions", redactions,
	)
}

// Compile-time check that GatewayService implements the inbound port.
var _ inbound.GatewayService = (*GatewayService)(nil)
