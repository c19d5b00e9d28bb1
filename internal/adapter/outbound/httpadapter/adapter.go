// Package httpadapter implements the HTTP protocol adapter for REST
// tool servers. Tools are discovered from a paged listing endpoint and
// invoked with JSON POSTs; invocations can forward the caller's bearer
// token to upstreams that authorize per user.
package httpadapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/domain/validation"
)

const adapterName = "http"

const apiVersion = "v1"

// Resource metadata keys understood by the adapter.
const (
	// metaToolsPath overrides the tool listing path.
	metaToolsPath = "tools_path"
	// metaHealthPath overrides the health probe path.
	metaHealthPath = "health_path"
	// metaPageSize overrides the discovery page size.
	metaPageSize = "page_size"
	// metaBearerToken is a static service credential sent on every call.
	metaBearerToken = "bearer_token"
	// metaForwardBearer forwards the calling user's bearer token
	// instead of the static credential when "true".
	metaForwardBearer = "forward_bearer"
)

const (
	defaultToolsPath  = "/tools"
	defaultHealthPath = "/healthz"
	defaultPageSize   = 100

	defaultCallTimeout = 30 * time.Second
	healthProbeTimeout = 5 * time.Second

	maxResponseBodySize = 10 * 1024 * 1024
	// maxPages bounds discovery pagination against broken servers.
	maxPages = 100
)

// toolDescriptor is one entry of the listing endpoint.
type toolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// toolPage is the paged listing response.
type toolPage struct {
	Tools []toolDescriptor `json:"tools"`
	Total int              `json:"total,omitempty"`
}

// invokeFailure is the error envelope upstreams answer with on non-2xx.
type invokeFailure struct {
	Error string `json:"error,omitempty"`
}

// Adapter implements protocol.Adapter for REST tool servers. It is
// stateless per resource; one HTTP client serves every endpoint.
type Adapter struct {
	logger      *slog.Logger
	hc          *http.Client
	callTimeout time.Duration
	schemas     *validation.SchemaValidator
}

// Option configures the adapter.
type Option func(*Adapter)

// WithHTTPClient replaces the transport, for tests and custom TLS.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) { a.hc = hc }
}

// WithCallTimeout overrides the default per-invocation timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.callTimeout = d }
}

// NewAdapter constructs an HTTP adapter.
func NewAdapter(logger *slog.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger: logger,
		hc: &http.Client{
			Timeout: defaultCallTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		callTimeout: defaultCallTimeout,
		schemas:     validation.NewSchemaValidator(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the protocol tag.
func (a *Adapter) Name() string { return adapterName }

// Version returns the tool API revision.
func (a *Adapter) Version() string { return apiVersion }

// SupportsStreaming reports streaming support. REST upstreams are
// request/response only.
func (a *Adapter) SupportsStreaming() bool { return false }

// DiscoverResources pages through the tool listing and returns one
// resource per server, with the highest classified tool sensitivity.
func (a *Adapter) DiscoverResources(ctx context.Context, cfg protocol.DiscoveryConfig) ([]resource.Resource, error) {
	if cfg.Endpoint == "" {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is required")
	}
	parsed, err := url.Parse(cfg.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is not a valid URL")
	}

	now := time.Now().UTC()
	res := resource.Resource{
		ID:        uuid.NewString(),
		Name:      cfg.Name,
		Protocol:  resource.ProtocolHTTP,
		Endpoint:  cfg.Endpoint,
		Metadata:  copyMetadata(cfg.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if res.Name == "" {
		res.Name = parsed.Host
	}

	caps, err := a.Capabilities(ctx, &res)
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindDiscovery, "probe tool listing").Wrap(err)
	}
	res.Sensitivity = resource.SensitivityMedium
	for _, c := range caps {
		res.Sensitivity = resource.MaxSensitivity(res.Sensitivity, c.Sensitivity)
	}
	return []resource.Resource{res}, nil
}

// Capabilities pages through the listing endpoint and classifies each
// tool.
func (a *Adapter) Capabilities(ctx context.Context, res *resource.Resource) ([]resource.Capability, error) {
	tools, err := a.listTools(ctx, res)
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
	sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })
	return caps, nil
}

func (a *Adapter) listTools(ctx context.Context, res *resource.Resource) ([]toolDescriptor, error) {
	base, err := joinPath(res.Endpoint, metadataOr(res.Metadata, metaToolsPath, defaultToolsPath))
	if err != nil {
		return nil, err
	}
	pageSize := defaultPageSize
	if v := res.Metadata[metaPageSize]; v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			pageSize = n
		}
	}

	var tools []toolDescriptor
	for page := 1; page <= maxPages; page++ {
		u := fmt.Sprintf("%s?page=%d&page_size=%d", base, page, pageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		a.authorize(req, res, "")

		body, status, err := a.do(req)
		if err != nil {
			return nil, err
		}
		if status < 200 || status >= 300 {
			return nil, &httpStatusError{Status: status, Body: bodySnippet(body)}
		}

		var pg toolPage
		if err := json.Unmarshal(body, &pg); err != nil {
			return nil, fmt.Errorf("decode tool listing: %w", err)
		}
		tools = append(tools, pg.Tools...)

		if len(pg.Tools) < pageSize {
			break
		}
		if pg.Total > 0 && len(tools) >= pg.Total {
			break
		}
	}
	return tools, nil
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

// Invoke POSTs the arguments to the tool path. A non-2xx answer other
// than auth and routing failures means the tool ran and rejected the
// call: it comes back as an unsuccessful result, not an error.
func (a *Adapter) Invoke(ctx context.Context, req *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	if req == nil || req.Resource == nil || req.Capability == nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "invocation request is not resolved")
	}

	base, err := joinPath(req.Resource.Endpoint, metadataOr(req.Resource.Metadata, metaToolsPath, defaultToolsPath))
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is not a valid URL").
			WithResource(req.Resource.ID).Wrap(err)
	}
	u := base + "/" + url.PathEscape(req.Capability.Name)

	payload, err := json.Marshal(map[string]interface{}{"arguments": req.Arguments})
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindValidation, "encode arguments").
			WithCapability(req.Capability.ID).Wrap(err)
	}

	timeout := req.Context.Timeout
	if timeout <= 0 {
		timeout = a.callTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, protocol.NewError(adapterName, protocol.ErrKindConfiguration, "build request").Wrap(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	a.authorize(httpReq, req.Resource, req.Context.BearerToken)

	start := time.Now()
	body, status, err := a.do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return nil, a.wrapTransportError(err, protocol.ErrKindInvocation, req.Resource.ID, req.Capability.ID)
	}

	meta := map[string]string{
		"protocol":    adapterName,
		"http_status": strconv.Itoa(status),
	}

	switch {
	case status >= 200 && status < 300:
		var decoded interface{}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &decoded); err != nil {
				return nil, protocol.NewError(adapterName, protocol.ErrKindProtocol, "tool result is not valid JSON").
					WithResource(req.Resource.ID).WithCapability(req.Capability.ID).Wrap(err)
			}
		}
		return &protocol.InvocationResult{
			Success:  true,
			Result:   decoded,
			Duration: duration,
			Metadata: meta,
		}, nil

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, protocol.NewError(adapterName, protocol.ErrKindAuthentication, "upstream rejected credentials").
			WithResource(req.Resource.ID).WithCapability(req.Capability.ID).
			WithDetail("status", strconv.Itoa(status))

	case status == http.StatusNotFound:
		return nil, protocol.Errorf(adapterName, protocol.ErrKindConfiguration,
			"upstream does not expose tool %q", req.Capability.Name).
			WithResource(req.Resource.ID).WithCapability(req.Capability.ID)

	default:
		// The tool ran and rejected the call.
		return &protocol.InvocationResult{
			Success:      false,
			ErrorMessage: failureMessage(body, status),
			Duration:     duration,
			Metadata:     meta,
		}, nil
	}
}

// InvokeStreaming is not available for REST upstreams.
func (a *Adapter) InvokeStreaming(ctx context.Context, req *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	capID := ""
	if req != nil && req.Capability != nil {
		capID = req.Capability.ID
	}
	err := protocol.NewError(adapterName, protocol.ErrKindUnsupported, "http tools do not stream; use Invoke")
	if capID != "" {
		err = err.WithCapability(capID)
	}
	return nil, err
}

// Health probes the health path; any 2xx is healthy.
func (a *Adapter) Health(ctx context.Context, res *resource.Resource) error {
	u, err := joinPath(res.Endpoint, metadataOr(res.Metadata, metaHealthPath, defaultHealthPath))
	if err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is not a valid URL").
			WithResource(res.ID).Wrap(err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, u, nil)
	if err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindConfiguration, "build request").Wrap(err)
	}
	a.authorize(req, res, "")

	body, status, err := a.do(req)
	if err != nil {
		return protocol.NewError(adapterName, protocol.ErrKindConnection, "health probe failed").
			WithResource(res.ID).Wrap(err)
	}
	if status < 200 || status >= 300 {
		return protocol.Errorf(adapterName, protocol.ErrKindConnection, "health probe returned status %d", status).
			WithResource(res.ID).WithDetail("body", bodySnippet(body))
	}
	return nil
}

// OnRegister validates the resource configuration.
func (a *Adapter) OnRegister(ctx context.Context, res *resource.Resource) error {
	parsed, err := url.Parse(res.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return protocol.NewError(adapterName, protocol.ErrKindConfiguration, "endpoint is not a valid URL").
			WithResource(res.ID)
	}
	a.logger.Info("http resource registered",
		"resource_id", res.ID,
		"name", res.Name,
		"endpoint", res.Endpoint)
	return nil
}

// OnUnregister has nothing to release; the HTTP client is shared.
func (a *Adapter) OnUnregister(ctx context.Context, res *resource.Resource) error {
	a.logger.Info("http resource deregistered",
		"resource_id", res.ID,
		"name", res.Name)
	return nil
}

// authorize attaches the bearer credential: the caller's token when the
// resource forwards user credentials and one is present, otherwise the
// static service credential, otherwise nothing.
func (a *Adapter) authorize(req *http.Request, res *resource.Resource, userToken string) {
	if res.Metadata[metaForwardBearer] == "true" && userToken != "" {
		req.Header.Set("Authorization", "Bearer "+userToken)
		return
	}
	if token := res.Metadata[metaBearerToken]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// do executes the request and reads the bounded body.
func (a *Adapter) do(req *http.Request) (body []byte, status int, err error) {
	resp, err := a.hc.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// httpStatusError carries a non-2xx listing or probe response.
type httpStatusError struct {
	Status int
	Body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
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

// failureMessage extracts the upstream error envelope, falling back to
// the status text.
func failureMessage(body []byte, status int) string {
	var f invokeFailure
	if json.Unmarshal(body, &f) == nil && f.Error != "" {
		return f.Error
	}
	return fmt.Sprintf("upstream returned status %d", status)
}

func joinPath(endpoint, path string) (string, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("endpoint %q is not a valid URL", endpoint)
	}
	return parsed.JoinPath(path).String(), nil
}

func metadataOr(md map[string]string, key, fallback string) string {
	if v := md[key]; v != "" {
		return v
	}
	return fallback
}

func bodySnippet(body []byte) string {
	const limit = 4096
	if len(body) > limit {
		body = body[:limit]
	}
	return string(body)
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
