// Package mcp implements the MCP protocol adapter. It discovers and
// invokes tools on Model Context Protocol servers over three transports:
// stdio (a supervised subprocess per server), and Streamable HTTP in
// unary (http) or event-stream (sse) flavors.
//
// Stdio discovery is deferred: the child process starts on first use and
// is reused across calls until the resource is deregistered. Network
// transports probe the tools list during discovery.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/domain/validation"
)

const adapterName = "mcp"

// Resource metadata keys the adapter reads, next to resource.MetaTransport.
const (
	// metaWorkdir sets the working directory of a stdio child.
	metaWorkdir = "workdir"
	// metaEnvPrefix marks environment entries for stdio children:
	// "env.API_TOKEN" becomes API_TOKEN in the child environment.
	metaEnvPrefix = "env."
)

// defaultCallTimeout bounds a capability invocation when the caller does
// not supply one.
const defaultCallTimeout = 30 * time.Second

// healthProbeTimeout bounds the ping issued by Health.
const healthProbeTimeout = 5 * time.Second

// rpcCaller is the request surface shared by the stdio supervisor and
// the HTTP client.
type rpcCaller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Adapter is the MCP protocol adapter. It owns a table of stdio
// supervisors and HTTP clients keyed by resource endpoint; entries are
// created lazily on first use and live until the resource is
// deregistered or the adapter is closed.
type Adapter struct {
	logger      *slog.Logger
	limits      Limits
	callTimeout time.Duration
	schemas     *validation.SchemaValidator

	mu          sync.Mutex
	supervisors map[string]*Supervisor
	clients     map[string]*HTTPClient
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithChildLimits overrides the resource limits applied to stdio
// children.
func WithChildLimits(l Limits) Option {
	return func(a *Adapter) { a.limits = l }
}

// WithCallTimeout overrides the default invocation timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.callTimeout = d }
}

// NewAdapter creates an MCP adapter.
func NewAdapter(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger:      logger,
		limits:      DefaultLimits(),
		callTimeout: defaultCallTimeout,
		schemas:     validation.NewSchemaValidator(),
		supervisors: make(map[string]*Supervisor),
		clients:     make(map[string]*HTTPClient),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the protocol tag.
func (a *Adapter) Name() string { return adapterName }

// Version returns the MCP revision the adapter speaks.
func (a *Adapter) Version() string { return protocolRevision }

// SupportsStreaming reports that the sse transport streams.
func (a *Adapter) SupportsStreaming() bool { return true }

// DiscoverResources probes the target described by cfg. Stdio discovery
// is deferred: the resource is returned without starting the child, and
// capabilities are listed on first use. Network transports contact the
// server and classify its tools.
func (a *Adapter) DiscoverResources(ctx context.Context, cfg protocol.DiscoveryConfig) ([]resource.Resource, error) {
	if cfg.Endpoint == "" {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is required")
	}
	transport := cfg.Metadata[resource.MetaTransport]
	if transport == "" {
		transport = resource.TransportStdio
	}

	now := time.Now().UTC()
	res := resource.Resource{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Protocol:  resource.ProtocolMCP,
		Endpoint:  cfg.Endpoint,
		Metadata:  copyMetadata(cfg.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	res.Metadata[resource.MetaTransport] = transport

	switch transport {
	case resource.TransportStdio:
		if len(strings.Fields(cfg.Endpoint)) == 0 {
			return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "stdio endpoint must be a command line")
		}
		if res.Name == "" {
			res.Name = filepath.Base(strings.Fields(cfg.Endpoint)[0])
		}
		// Deferred discovery: no capability listing yet. Unknown
		// servers are not assumed safe.
		res.Sensitivity = resource.SensitivityMedium
		return []resource.Resource{res}, nil

	case resource.TransportSSE, resource.TransportHTTP:
		parsed, err := url.Parse(cfg.Endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is not a valid URL")
		}
		if res.Name == "" {
			res.Name = parsed.Host
		}

		caps, err := a.Capabilities(ctx, &res)
		if err != nil {
			return nil, protocol.NewError(adapterName, protocol.ErrKindDiscovery, "probe tools list").Wrap(err)
		}
		res.Sensitivity = resource.SensitivityMedium
		for _, c := range caps {
			res.Sensitivity = resource.MaxSensitivity(res.Sensitivity, c.Sensitivity)
		}
		return []resource.Resource{res}, nil

	default:
		return nil, protocol.Errorf(adapterName, protocol.ErrKindConfiguration,
			"unknown transport %q (want %s, %s, or %s)",
			transport, resource.TransportStdio, resource.TransportSSE, resource.TransportHTTP)
	}
}

// Capabilities lists the tools the resource exposes. Capability ids are
// minted per listing; the registry reconciles by name on refresh.
func (a *Adapter) Capabilities(ctx context.Context, res *resource.Resource) ([]resource.Capability, error) {
	caller, err := a.callerFor(ctx, res)
	if err != nil {
		return nil, err
	}

	tools, err := listTools(ctx, caller)
	if err != nil {
		return nil, a.wrapTransportError(err, protocol.ErrKindDiscovery, res.ID, "")
	}

	now := time.Now().UTC()
	caps := make([]resource.Capability, 0, len(tools))
	for _, t := range tools {
		level := resource.Classify(t.Name, t.Description)
		caps = append(caps, resource.Capability{
			ID:               uuid.NewString(),
			ResourceID:       res.ID,
			Name:             t.Name,
			Description:      t.Description,
			InputSchema:      t.InputSchema,
			OutputSchema:     t.OutputSchema,
			Sensitivity:      level,
			RequiresApproval: level == resource.SensitivityCritical,
			CreatedAt:        now,
		})
	}
	return caps, nil
}

// Validate checks the invocation arguments against the capability's
// declared input schema.
func (a *Adapter) Validate(ctx context.Context, req *protocol.InvocationRequest) error {
	if req == nil || req.Capability == nil {
		return protocol.NewError(adapterName, protocol.ErrKindValidation, "capability not resolved")
	}
	if len(req.Capability.InputSchema) == 0 {
		return nil
	}

	var schema map[string]interface{}
	if err := json.Unmarshal(req.Capability.InputSchema, &schema); err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindValidation, "capability schema is not a JSON object").
			WithCapability(req.Capability.ID).Wrap(err)
	}
	if err := a.schemas.ValidateArgs(req.Capability.ID, schema, req.Arguments); err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindValidation, err.Error()).
			WithCapability(req.Capability.ID).Wrap(err)
	}
	return nil
}

// Invoke executes one unary tools/call. Upstream-reported failures (a
// JSON-RPC error object or a result flagged isError) come back as an
// unsuccessful result; transport failures come back as AdapterErrors.
func (a *Adapter) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	if req == nil || req.Resource == nil || req.Capability == nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "invocation request is not resolved")
	}
	if req.Capability.IsStreaming() {
		return nil, protocol.NewError(adapterName, protocol.ErrKindUnsupported,
			"streaming capabilities must use InvokeStreaming").WithCapability(req.Capability.ID)
	}

	caller, err := a.callerFor(ctx, req.Resource)
	if err != nil {
		return nil, err
	}

	timeout := req.Context.Timeout
	if timeout <= 0 {
		timeout = a.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := map[string]interface{}{
		"name": req.Capability.Name,
	}
	if req.Arguments != nil {
		params["arguments"] = req.Arguments
	}

	start := time.Now()
	raw, err := caller.Call(callCtx, methodToolsCall, params)
	duration := time.Since(start)

	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			// The server executed the exchange and reported failure.
			return &protocol.InvocationResult{
				Success:      false,
				ErrorMessage: rpcErr.Message,
				Duration:     duration,
				Metadata:     a.resultMetadata(req.Resource),
			}, nil
		}
		return nil, a.wrapTransportError(err, protocol.ErrKindInvocation, req.Resource.ID, req.Capability.ID)
	}

	var decoded interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, protocol.NewError(adapterName, protocol.ErrKindProtocol, "tool result is not valid JSON").
				WithResource(req.Resource.ID).WithCapability(req.Capability.ID).Wrap(err)
		}
	}

	result := &protocol.InvocationResult{
		Success:  true,
		Result:   decoded,
		Duration: duration,
		Metadata: a.resultMetadata(req.Resource),
	}
	var probe struct {
		IsError bool `json:"isError"`
	}
	if json.Unmarshal(raw, &probe) == nil && probe.IsError {
		result.Success = false
		result.ErrorMessage = toolErrorMessage(raw)
	}
	return result, nil
}

// InvokeStreaming executes a streaming tools/call over the sse
// transport. Elements are server notifications; the final element
// carries the tool result. Other transports return Unsupported.
func (a *Adapter) InvokeStreaming(ctx context.Context, req *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	if req == nil || req.Resource == nil || req.Capability == nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "invocation request is not resolved")
	}
	if req.Resource.Transport() != resource.TransportSSE {
		return nil, protocol.Errorf(adapterName, protocol.ErrKindUnsupported,
			"transport %q does not stream; use the sse transport", req.Resource.Transport()).
			WithResource(req.Resource.ID)
	}

	client := a.clientFor(req.Resource.Endpoint)

	params := map[string]interface{}{
		"name": req.Capability.Name,
	}
	if req.Arguments != nil {
		params["arguments"] = req.Arguments
	}

	events, err := client.Stream(ctx, methodToolsCall, params)
	if err != nil {
		return nil, a.wrapTransportError(err, protocol.ErrKindStreaming, req.Resource.ID, req.Capability.ID)
	}

	out := make(chan protocol.StreamMessage, 8)
	go func() {
		defer close(out)
		for ev := range events {
			msg, done := translateStreamEvent(ev)
			if msg != nil {
				select {
				case out <- *msg:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return out, nil
}

// Health reports whether a resource is reachable. Stdio resources are
// healthy unless their supervisor failed permanently; an idle resource
// whose child has not started yet is not an error. Network resources
// answer a ping; a JSON-RPC error still proves the server is serving.
func (a *Adapter) Health(ctx context.Context, res *resource.Resource) error {
	switch res.Transport() {
	case resource.TransportStdio:
		a.mu.Lock()
		sup := a.supervisors[res.Endpoint]
		a.mu.Unlock()
		if sup == nil {
			return nil
		}
		if sup.Failed() {
			return protocol.NewError(adapterName, protocol.ErrKindConnection, "stdio server failed permanently").
				WithResource(res.ID)
		}
		return nil

	default:
		client := a.clientFor(res.Endpoint)
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		_, err := client.Call(probeCtx, methodPing, nil)
		var rpcErr *rpcError
		if err == nil || errors.As(err, &rpcErr) {
			return nil
		}
		return protocol.NewError(adapterName, protocol.ErrKindConnection, "health probe failed").
			WithResource(res.ID).Wrap(err)
	}
}

// OnRegister validates the resource configuration. Stdio children are
// not started here; the first invocation starts them.
func (a *Adapter) OnRegister(ctx context.Context, res *resource.Resource) error {
	if res.Transport() == resource.TransportStdio {
		if len(strings.Fields(res.Endpoint)) == 0 {
			return protocol.NewError(adapterName, protocol.ErrKindConfiguration, "stdio endpoint must be a command line").
				WithResource(res.ID)
		}
	}
	a.logger.Info("mcp resource registered",
		"resource_id", res.ID,
		"name", res.Name,
		"transport", res.Transport())
	return nil
}

// OnUnregister releases per-resource state: the stdio child is stopped
// and the HTTP session dropped.
func (a *Adapter) OnUnregister(ctx context.Context, res *resource.Resource) error {
	a.mu.Lock()
	sup := a.supervisors[res.Endpoint]
	delete(a.supervisors, res.Endpoint)
	delete(a.clients, res.Endpoint)
	a.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			return protocol.NewError(adapterName, protocol.ErrKindConnection, "stop stdio server").
				WithResource(res.ID).Wrap(err)
		}
	}
	a.logger.Info("mcp resource deregistered",
		"resource_id", res.ID,
		"name", res.Name)
	return nil
}

// Processes returns snapshots of every supervised stdio child, for
// health and metrics surfaces.
func (a *Adapter) Processes() []ProcessInfo {
	a.mu.Lock()
	sups := make([]*Supervisor, 0, len(a.supervisors))
	for _, sup := range a.supervisors {
		sups = append(sups, sup)
	}
	a.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(sups))
	for _, sup := range sups {
		infos = append(infos, sup.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return strings.Join(infos[i].Command, " ") < strings.Join(infos[j].Command, " ")
	})
	return infos
}

// Close stops every supervised child. Called on gateway shutdown.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	sups := make([]*Supervisor, 0, len(a.supervisors))
	for _, sup := range a.supervisors {
		sups = append(sups, sup)
	}
	a.supervisors = make(map[string]*Supervisor)
	a.clients = make(map[string]*HTTPClient)
	a.mu.Unlock()

	var errs []error
	for _, sup := range sups {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// callerFor returns the transport caller for the resource, starting the
// stdio child when needed.
func (a *Adapter) callerFor(ctx context.Context, res *resource.Resource) (rpcCaller, error) {
	switch res.Transport() {
	case resource.TransportStdio:
		sup, err := a.supervisorFor(res)
		if err != nil {
			return nil, err
		}
		if err := sup.Start(ctx); err != nil {
			return nil, protocol.NewError(adapterName, protocol.ErrKindConnection, "start stdio server").
				WithResource(res.ID).Wrap(err)
		}
		return sup, nil
	case resource.TransportSSE, resource.TransportHTTP:
		return a.clientFor(res.Endpoint), nil
	default:
		return nil, protocol.Errorf(adapterName, protocol.ErrKindConfiguration,
			"unknown transport %q", res.Transport()).WithResource(res.ID)
	}
}

// supervisorFor returns the supervisor for a stdio resource, creating it
// on first use.
func (a *Adapter) supervisorFor(res *resource.Resource) (*Supervisor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sup, ok := a.supervisors[res.Endpoint]; ok {
		return sup, nil
	}

	// The endpoint is the command line, whitespace-split. Quoted
	// arguments are not supported.
	command := strings.Fields(res.Endpoint)
	if len(command) == 0 {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "stdio endpoint must be a command line").
			WithResource(res.ID)
	}

	opts := []SupervisorOption{WithLimits(a.limits)}
	if dir := res.Metadata[metaWorkdir]; dir != "" {
		opts = append(opts, WithDir(dir))
	}
	if env := envFromMetadata(res.Metadata); len(env) > 0 {
		opts = append(opts, WithEnv(env))
	}

	sup, err := NewSupervisor(command, a.logger, opts...)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "unusable stdio command").
			WithResource(res.ID).Wrap(err)
	}
	a.supervisors[res.Endpoint] = sup
	return sup, nil
}

// clientFor returns the HTTP client for an endpoint, creating it on
// first use.
func (a *Adapter) clientFor(endpoint string) *HTTPClient {
	a.mu.Lock()
	defer a.mu.Unlock()

	if client, ok := a.clients[endpoint]; ok {
		return client
	}
	client := NewHTTPClient(endpoint, a.logger, WithHTTPTimeout(a.callTimeout))
	a.clients[endpoint] = client
	return client
}

// wrapTransportError classifies a transport-level failure into the
// adapter error taxonomy.
func (a *Adapter) wrapTransportError(err error, fallback protocol.ErrorKind, resourceID, capabilityID string) error {
	var ae *protocol.AdapterError
	if errors.As(err, &ae) {
		return err
	}

	kind := fallback
	msg := "upstream call failed"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = protocol.ErrKindTimeout
		msg = "upstream call timed out"
	case errors.Is(err, ErrTransportStopped), errors.Is(err, ErrSupervisorFailed):
		kind = protocol.ErrKindConnection
		msg = "stdio transport unavailable"
	default:
		var statusErr *httpStatusError
		if errors.As(err, &statusErr) {
			switch statusErr.Status {
			case 401, 403:
				kind = protocol.ErrKindAuthentication
				msg = "upstream rejected credentials"
			case 404:
				kind = protocol.ErrKindConfiguration
				msg = "endpoint not found"
			default:
				kind = protocol.ErrKindInvocation
				msg = fmt.Sprintf("upstream returned status %d", statusErr.Status)
			}
		}
	}

	perr := protocol.NewError(adapterName, kind, msg).Wrap(err)
	if resourceID != "" {
		perr = perr.WithResource(resourceID)
	}
	if capabilityID != "" {
		perr = perr.WithCapability(capabilityID)
	}
	return perr
}

// resultMetadata tags an invocation result with transport details.
func (a *Adapter) resultMetadata(res *resource.Resource) map[string]string {
	return map[string]string{
		"protocol":  adapterName,
		"transport": res.Transport(),
	}
}

// listTools pages through tools/list until the cursor is exhausted.
func listTools(ctx context.Context, caller rpcCaller) ([]toolDescriptor, error) {
	var (
		tools  []toolDescriptor
		cursor string
	)
	// A defensive page cap; no real server needs this many pages.
	for page := 0; page < 100; page++ {
		var params interface{}
		if cursor != "" {
			params = map[string]interface{}{"cursor": cursor}
		}
		raw, err := caller.Call(ctx, methodToolsList, params)
		if err != nil {
			return nil, err
		}
		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode tools list: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return tools, nil
}

// translateStreamEvent maps one wire event to a stream message.
// done is true for the terminal element.
func translateStreamEvent(ev streamEvent) (*protocol.StreamMessage, bool) {
	if ev.err != nil {
		return &protocol.StreamMessage{Err: ev.err}, true
	}

	var f wireFrame
	if err := json.Unmarshal(ev.data, &f); err != nil {
		return &protocol.StreamMessage{Err: fmt.Errorf("malformed stream frame: %w", err)}, true
	}

	switch {
	case f.Error != nil:
		return &protocol.StreamMessage{Err: f.Error}, true

	case f.ID != nil && f.Method == "":
		// The tool result terminates the stream.
		var probe struct {
			IsError bool `json:"isError"`
		}
		if json.Unmarshal(f.Result, &probe) == nil && probe.IsError {
			return &protocol.StreamMessage{Err: errors.New(toolErrorMessage(f.Result))}, true
		}
		var decoded interface{}
		if len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, &decoded); err != nil {
				return &protocol.StreamMessage{Err: fmt.Errorf("malformed tool result: %w", err)}, true
			}
		}
		return &protocol.StreamMessage{Data: decoded}, true

	case f.Method != "":
		// Server notification (progress, logging) between request and
		// response.
		var params interface{}
		var envelope struct {
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(ev.data, &envelope) == nil && len(envelope.Params) > 0 {
			_ = json.Unmarshal(envelope.Params, &params)
		}
		return &protocol.StreamMessage{Data: map[string]interface{}{
			"method": f.Method,
			"params": params,
		}}, false

	default:
		// A frame we cannot interpret; skip it.
		return nil, false
	}
}

// copyMetadata clones a metadata map.
func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// envFromMetadata extracts "env.KEY" metadata entries as KEY=VALUE pairs
// for the stdio child environment.
func envFromMetadata(md map[string]string) []string {
	var env []string
	for k, v := range md {
		if !strings.HasPrefix(k, metaEnvPrefix) {
			continue
		}
		name := strings.TrimPrefix(k, metaEnvPrefix)
		if name == "" {
			continue
		}
		env = append(env, name+"="+v)
	}
	sort.Strings(env)
	return env
}

// Compile-time check that Adapter satisfies the protocol contract.
var _ protocol.Adapter = (*Adapter)(nil)
