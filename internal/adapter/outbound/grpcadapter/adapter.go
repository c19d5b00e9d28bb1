// Package grpcadapter implements the gRPC protocol adapter. Upstreams
// are discovered over server reflection (grpc.reflection.v1), methods
// become capabilities tagged with their streaming directions, and
// invocations build dynamicpb messages from the reflected descriptors,
// so no generated stubs are required for governed upstreams.
package grpcadapter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
)

const adapterName = "grpc"

// reflectionVersion names the discovery protocol spoken to upstreams.
const reflectionVersion = "grpc.reflection.v1"

// Resource metadata keys understood by the adapter.
const (
	// metaTLS enables TLS with system roots when "true".
	metaTLS = "tls"
	// metaTLSCA is a CA bundle path; setting it implies TLS.
	metaTLSCA = "tls_ca"
	// metaTLSCert and metaTLSKey are the client pair for mTLS.
	metaTLSCert = "tls_cert"
	metaTLSKey  = "tls_key"
	// metaServerName overrides the SNI/verification name.
	metaServerName = "tls_server_name"
	// metaServices is stamped onto discovered resources with the
	// reflected service list.
	metaServices = "services"
)

const (
	defaultCallTimeout = 30 * time.Second
	healthProbeTimeout = 5 * time.Second
	reflectTimeout     = 15 * time.Second

	// maxMessageBytes caps send and receive message sizes.
	maxMessageBytes = 100 << 20 // 100 MiB

	keepaliveTime    = 30 * time.Second
	keepaliveTimeout = 10 * time.Second
)

// upstream is one dialed endpoint plus its reflected registry. The
// registry is fetched lazily and refreshed on capability listings and
// method-index misses.
type upstream struct {
	conn *grpc.ClientConn

	mu  sync.Mutex
	reg *registry
}

// Adapter implements protocol.Adapter for gRPC upstreams. Connections
// are pooled per endpoint and reused across invocations.
type Adapter struct {
	logger      *slog.Logger
	callTimeout time.Duration

	mu        sync.Mutex
	upstreams map[string]*upstream
}

// Option configures the adapter.
type Option func(*Adapter)

// WithCallTimeout overrides the default per-invocation timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.callTimeout = d }
}

// NewAdapter constructs a gRPC adapter.
func NewAdapter(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger:      logger,
		callTimeout: defaultCallTimeout,
		upstreams:   make(map[string]*upstream),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the protocol tag.
func (a *Adapter) Name() string { return adapterName }

// Version returns the discovery protocol revision.
func (a *Adapter) Version() string { return reflectionVersion }

// SupportsStreaming reports streaming support.
func (a *Adapter) SupportsStreaming() bool { return true }

// DiscoverResources reflects the endpoint and returns one resource per
// server, stamped with the reflected service list and the highest
// sensitivity among its classified methods.
func (a *Adapter) DiscoverResources(ctx context.Context, cfg protocol.DiscoveryConfig) ([]resource.Resource, error) {
	if cfg.Endpoint == "" {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is required")
	}

	up, err := a.upstreamFor(cfg.Endpoint, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	reg, err := a.registryFor(ctx, up, true)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindDiscovery, "reflect upstream").Wrap(err)
	}

	now := time.Now().UTC()
	res := resource.Resource{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Protocol:  resource.ProtocolGRPC,
		Endpoint:  cfg.Endpoint,
		Metadata:  copyMetadata(cfg.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if res.Name == "" {
		res.Name = cfg.Endpoint
	}
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	res.Metadata[metaServices] = strings.Join(reg.services, ",")

	res.Sensitivity = resource.SensitivityMedium
	for _, c := range capabilitiesFromRegistry(res.ID, reg) {
		res.Sensitivity = resource.MaxSensitivity(res.Sensitivity, c.Sensitivity)
	}
	return []resource.Resource{res}, nil
}

// Capabilities re-reflects the upstream and lists its methods. The
// reflection service itself is not listed; everything else, including
// standard health, is a governable capability.
func (a *Adapter) Capabilities(ctx context.Context, res *resource.Resource) ([]resource.Capability, error) {
	up, err := a.upstreamFor(res.Endpoint, res.Metadata)
	if err != nil {
		return nil, err
	}
	reg, err := a.registryFor(ctx, up, true)
	if err != nil {
		return nil, a.wrapCallError(err, protocol.ErrKindDiscovery, res.ID, "")
	}
	return capabilitiesFromRegistry(res.ID, reg), nil
}

func capabilitiesFromRegistry(resourceID string, reg *registry) []resource.Capability {
	now := time.Now().UTC()
	caps := make([]resource.Capability, 0, len(reg.methods))
	for path, md := range reg.methods {
		if strings.HasPrefix(path, "grpc.reflection.") {
			continue
		}
		signature := methodSignature(md)
		level := resource.Classify(string(md.Name()), signature)
		caps = append(caps, resource.Capability{
			ID:               uuid.NewString(),
			ResourceID:       resourceID,
			Name:             path,
			Description:      signature,
			Sensitivity:      level,
			RequiresApproval: level == resource.SensitivityCritical,
			ClientStreaming:  md.IsStreamingClient(),
			ServerStreaming:  md.IsStreamingServer(),
			CreatedAt:        now,
		})
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps
}

// Validate resolves the method and builds the request message from the
// arguments; protojson rejects unknown fields and type mismatches.
func (a *Adapter) Validate(ctx context.Context, req *protocol.InvocationRequest) error {
	if req == nil || req.Resource == nil || req.Capability == nil {
		return protocol.NewError(adapterName, protocol.ErrKindValidation, "capability not resolved")
	}
	_, reg, md, err := a.methodFor(ctx, req.Resource, req.Capability.Name)
	if err != nil {
		return err
	}
	if _, err := requestMessage(reg, md, req.Arguments); err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindValidation, err.Error()).
			WithCapability(req.Capability.ID).Wrap(err)
	}
	return nil
}

// Invoke executes one unary method. Application-level status errors
// come back as unsuccessful results with the gRPC code in the result
// metadata; transport-level failures come back as AdapterErrors.
func (a *Adapter) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	if req == nil || req.Resource == nil || req.Capability == nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "invocation request is not resolved")
	}

	up, reg, md, err := a.methodFor(ctx, req.Resource, req.Capability.Name)
	if err != nil {
		return nil, err
	}
	if md.IsStreamingClient() || md.IsStreamingServer() {
		return nil, protocol.NewError(adapterName, protocol.ErrKindUnsupported,
			"streaming methods must use InvokeStreaming").WithCapability(req.Capability.ID)
	}

	reqMsg, err := requestMessage(reg, md, req.Arguments)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindValidation, err.Error()).
			WithCapability(req.Capability.ID).Wrap(err)
	}

	timeout := req.Context.Timeout
	if timeout <= 0 {
		timeout = a.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := dynamicpb.NewMessage(md.Output())
	start := time.Now()
	err = up.conn.Invoke(callCtx, "/"+req.Capability.Name, reqMsg, reply)
	duration := time.Since(start)

	if err != nil {
		st, ok := status.FromError(err)
		if !ok || isTransportCode(st.Code()) {
			return nil, a.wrapCallError(err, protocol.ErrKindInvocation, req.Resource.ID, req.Capability.ID)
		}
		// The upstream handler executed and returned a status.
		meta := a.resultMetadata()
		meta["grpc_code"] = st.Code().String()
		return &protocol.InvocationResult{
			Success:      false,
			ErrorMessage: st.Message(),
			Duration:     duration,
			Metadata:     meta,
		}, nil
	}

	decoded, err := decodeReply(reg, reply)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindProtocol, "decode upstream reply").
			WithResource(req.Resource.ID).WithCapability(req.Capability.ID).Wrap(err)
	}
	return &protocol.InvocationResult{
		Success:  true,
		Result:   decoded,
		Duration: duration,
		Metadata: a.resultMetadata(),
	}, nil
}

// InvokeStreaming executes a streaming method. The argument map is sent
// as the single request message (client-streaming methods receive
// exactly one element); every reply message becomes a stream element.
func (a *Adapter) InvokeStreaming(ctx context.Context, req *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	if req == nil || req.Resource == nil || req.Capability == nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "invocation request is not resolved")
	}

	up, reg, md, err := a.methodFor(ctx, req.Resource, req.Capability.Name)
	if err != nil {
		return nil, err
	}
	if !md.IsStreamingClient() && !md.IsStreamingServer() {
		return nil, protocol.NewError(adapterName, protocol.ErrKindUnsupported,
			"unary methods must use Invoke").WithCapability(req.Capability.ID)
	}

	reqMsg, err := requestMessage(reg, md, req.Arguments)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindValidation, err.Error()).
			WithCapability(req.Capability.ID).Wrap(err)
	}

	desc := &grpc.StreamDesc{
		StreamName:    string(md.Name()),
		ClientStreams: md.IsStreamingClient(),
		ServerStreams: md.IsStreamingServer(),
	}
	cs, err := up.conn.NewStream(ctx, desc, "/"+req.Capability.Name)
	if err != nil {
		return nil, a.wrapCallError(err, protocol.ErrKindStreaming, req.Resource.ID, req.Capability.ID)
	}

	// A send failure surfaces as the status from RecvMsg below.
	_ = cs.SendMsg(reqMsg)
	_ = cs.CloseSend()

	out := make(chan protocol.StreamMessage, 8)
	go func() {
		defer close(out)
		for {
			reply := dynamicpb.NewMessage(md.Output())
			if err := cs.RecvMsg(reply); err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				select {
				case out <- protocol.StreamMessage{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			decoded, err := decodeReply(reg, reply)
			if err != nil {
				select {
				case out <- protocol.StreamMessage{Err: fmt.Errorf("decode stream element: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- protocol.StreamMessage{Data: decoded}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Health checks grpc.health.v1. An upstream without the health service
// still counts as healthy when it answers at all.
func (a *Adapter) Health(ctx context.Context, res *resource.Resource) error {
	up, err := a.upstreamFor(res.Endpoint, res.Metadata)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(up.conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil
		}
		return protocol.NewError(adapterName, protocol.ErrKindConnection, "health probe failed").
			WithResource(res.ID).Wrap(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return protocol.Errorf(adapterName, protocol.ErrKindConnection,
			"upstream health is %s", resp.GetStatus()).WithResource(res.ID)
	}
	return nil
}

// OnRegister validates the resource configuration.
func (a *Adapter) OnRegister(ctx context.Context, res *resource.Resource) error {
	if res.Endpoint == "" {
		return protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is required").
			WithResource(res.ID)
	}
	if _, err := transportCredentials(res.Metadata); err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindConfiguration, err.Error()).
			WithResource(res.ID).Wrap(err)
	}
	a.logger.Info("grpc resource registered",
		"resource_id", res.ID,
		"name", res.Name,
		"endpoint", res.Endpoint)
	return nil
}

// OnUnregister closes the pooled connection for the resource.
func (a *Adapter) OnUnregister(ctx context.Context, res *resource.Resource) error {
	a.mu.Lock()
	up := a.upstreams[res.Endpoint]
	delete(a.upstreams, res.Endpoint)
	a.mu.Unlock()

	if up != nil {
		_ = up.conn.Close()
	}
	a.logger.Info("grpc resource deregistered",
		"resource_id", res.ID,
		"name", res.Name)
	return nil
}

// Close releases every pooled connection. Called on gateway shutdown.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	ups := make([]*upstream, 0, len(a.upstreams))
	for _, up := range a.upstreams {
		ups = append(ups, up)
	}
	a.upstreams = make(map[string]*upstream)
	a.mu.Unlock()

	var errs []error
	for _, up := range ups {
		if err := up.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// upstreamFor returns the pooled connection for an endpoint, dialing
// lazily on first use.
func (a *Adapter) upstreamFor(endpoint string, md map[string]string) (*upstream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if up, ok := a.upstreams[endpoint]; ok {
		return up, nil
	}

	creds, err := transportCredentials(md)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, err.Error()).Wrap(err)
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageBytes),
			grpc.MaxCallSendMsgSize(maxMessageBytes),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveTime,
			Timeout:             keepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "dial upstream").Wrap(err)
	}

	up := &upstream{conn: conn}
	a.upstreams[endpoint] = up
	return up, nil
}

// registryFor returns the cached registry for an upstream, reflecting
// when none is cached or force is set.
func (a *Adapter) registryFor(ctx context.Context, up *upstream, force bool) (*registry, error) {
	up.mu.Lock()
	defer up.mu.Unlock()

	if up.reg != nil && !force {
		return up.reg, nil
	}

	rctx, cancel := context.WithTimeout(ctx, reflectTimeout)
	defer cancel()

	reg, err := fetchRegistry(rctx, up.conn)
	if err != nil {
		return nil, err
	}
	up.reg = reg
	return reg, nil
}

// methodFor resolves a capability name to its reflected descriptor,
// re-reflecting once on an index miss so freshly added methods are
// picked up without a capability refresh.
func (a *Adapter) methodFor(ctx context.Context, res *resource.Resource, name string) (*upstream, *registry, protoreflect.MethodDescriptor, error) {
	up, err := a.upstreamFor(res.Endpoint, res.Metadata)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := a.registryFor(ctx, up, false)
	if err != nil {
		return nil, nil, nil, a.wrapCallError(err, protocol.ErrKindDiscovery, res.ID, "")
	}

	md, ok := reg.methods[name]
	if !ok {
		reg, err = a.registryFor(ctx, up, true)
		if err != nil {
			return nil, nil, nil, a.wrapCallError(err, protocol.ErrKindDiscovery, res.ID, "")
		}
		md, ok = reg.methods[name]
	}
	if !ok {
		return nil, nil, nil, protocol.Errorf(adapterName, protocol.ErrKindConfiguration,
			"upstream does not expose method %q", name).WithResource(res.ID)
	}
	return up, reg, md, nil
}

// wrapCallError classifies a transport-level failure into the adapter
// error taxonomy.
func (a *Adapter) wrapCallError(err error, fallback protocol.ErrorKind, resourceID, capabilityID string) error {
	var ae *protocol.AdapterError
	if errors.As(err, &ae) {
		return err
	}

	kind := fallback
	msg := "upstream call failed"
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		kind = protocol.ErrKindTimeout
		msg = "upstream call timed out"
	case codes.Unavailable, codes.Canceled:
		kind = protocol.ErrKindConnection
		msg = "upstream unreachable"
	case codes.Unauthenticated:
		kind = protocol.ErrKindAuthentication
		msg = "upstream rejected credentials"
	case codes.Unimplemented:
		kind = protocol.ErrKindConfiguration
		msg = "upstream does not implement the method"
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

// isTransportCode separates connectivity and configuration statuses from
// statuses an upstream handler would return itself.
func isTransportCode(c codes.Code) bool {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled,
		codes.Unauthenticated, codes.Unimplemented:
		return true
	default:
		return false
	}
}

func (a *Adapter) resultMetadata() map[string]string {
	return map[string]string{"protocol": adapterName}
}

// requestMessage builds the dynamic request message from the argument
// map via protojson; unknown fields and type mismatches are rejected.
func requestMessage(reg *registry, md protoreflect.MethodDescriptor, args map[string]interface{}) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md.Input())
	if len(args) == 0 {
		return msg, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}
	opts := protojson.UnmarshalOptions{Resolver: reg.types}
	if err := opts.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("arguments do not match %s: %w", md.Input().FullName(), err)
	}
	return msg, nil
}

// decodeReply renders a dynamic reply message into the generic
// map/array/scalar result tree.
func decodeReply(reg *registry, msg *dynamicpb.Message) (interface{}, error) {
	raw, err := protojson.MarshalOptions{Resolver: reg.types}.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// transportCredentials selects none / TLS / mTLS from the resource
// metadata. A CA bundle or client pair implies TLS.
func transportCredentials(md map[string]string) (credentials.TransportCredentials, error) {
	ca := md[metaTLSCA]
	cert := md[metaTLSCert]
	key := md[metaTLSKey]

	if md[metaTLS] != "true" && ca == "" && cert == "" && key == "" {
		return insecure.NewCredentials(), nil
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: md[metaServerName],
	}
	if ca != "" {
		pem, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s has no certificates", ca)
		}
		cfg.RootCAs = pool
	}
	if cert != "" || key != "" {
		if cert == "" || key == "" {
			return nil, errors.New("client cert and key must be set together")
		}
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return credentials.NewTLS(cfg), nil
}

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

// Compile-time check that Adapter satisfies the protocol contract.
var _ protocol.Adapter = (*Adapter)(nil)
