package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sark-labs/sark/internal/domain/pipeline"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/port/inbound"
)

const testAPIKey = "sk-test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---- stubs ----

// stubGateway scripts the gateway port for handler tests. It stamps a
// fixed request id the way the real gateway's prepare step does, so
// responses carry one.
type stubGateway struct {
	invokeErr error
	result    *protocol.InvocationResult

	streamErr error
	stream    []protocol.StreamMessage

	resources    []*resource.Resource
	resourcesErr error
	caps         []*resource.Capability
	capsErr      error

	mu       sync.Mutex
	lastCall *protocol.InvocationRequest
}

func (g *stubGateway) Invoke(_ context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	call.Context.RequestID = "req-stub"
	g.mu.Lock()
	g.lastCall = call
	g.mu.Unlock()
	if g.invokeErr != nil {
		return nil, g.invokeErr
	}
	if g.result != nil {
		return g.result, nil
	}
	return &protocol.InvocationResult{
		Success:  true,
		Result:   "done",
		Duration: 5 * time.Millisecond,
	}, nil
}

func (g *stubGateway) InvokeStreaming(_ context.Context, call *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	call.Context.RequestID = "req-stub"
	g.mu.Lock()
	g.lastCall = call
	g.mu.Unlock()
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	ch := make(chan protocol.StreamMessage, len(g.stream))
	for _, msg := range g.stream {
		ch <- msg
	}
	close(ch)
	return ch, nil
}

func (g *stubGateway) ListResources(context.Context) ([]*resource.Resource, error) {
	return g.resources, g.resourcesErr
}

func (g *stubGateway) ListCapabilities(context.Context, string) ([]*resource.Capability, error) {
	return g.caps, g.capsErr
}

func (g *stubGateway) lastInvocation() *protocol.InvocationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastCall
}

// stubAuth accepts testAPIKey and, when bearerPrincipal is set, any
// bearer token.
type stubAuth struct {
	keyPrincipal    *principal.Principal
	bearerPrincipal *principal.Principal

	mu         sync.Mutex
	lastKey    string
	lastBearer string
}

func (a *stubAuth) AuthenticateAPIKey(_ context.Context, rawKey string) (*principal.Principal, error) {
	a.mu.Lock()
	a.lastKey = rawKey
	a.mu.Unlock()
	if a.keyPrincipal == nil || rawKey != testAPIKey {
		return nil, errors.New("unknown key")
	}
	return a.keyPrincipal, nil
}

func (a *stubAuth) AuthenticateBearer(_ context.Context, token string) (*principal.Principal, error) {
	a.mu.Lock()
	a.lastBearer = token
	a.mu.Unlock()
	if a.bearerPrincipal == nil {
		return nil, errors.New("bearer tokens not supported")
	}
	return a.bearerPrincipal, nil
}

type stubVerifier struct {
	verified bool
	err      error

	lastPrincipal string
	lastChallenge string
	lastCode      string
}

func (v *stubVerifier) VerifyChallenge(_ context.Context, principalID, challengeID, code string) (bool, error) {
	v.lastPrincipal = principalID
	v.lastChallenge = challengeID
	v.lastCode = code
	return v.verified, v.err
}

// ---- harness ----

func newTestServer(t *testing.T, gw inbound.GatewayService, opts ...Option) *httptest.Server {
	t.Helper()
	auth := &stubAuth{keyPrincipal: &principal.Principal{ID: "alice", Role: "developer"}}
	base := append([]Option{WithLogger(testLogger())}, opts...)
	ts := httptest.NewServer(NewServer(gw, auth, base...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

// doRequest sends an authenticated request and returns the response
// with its body drained.
func doRequest(t *testing.T, ts *httptest.Server, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}
	return resp, data
}

func decodeAPIError(t *testing.T, body []byte) apiError {
	t.Helper()
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		t.Fatalf("decoding error envelope %q: %v", body, err)
	}
	return apiErr
}

// ---- invoke ----

func TestInvoke_Success(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{result: &protocol.InvocationResult{
		Success:  true,
		Result:   map[string]interface{}{"rows": float64(3)},
		Duration: 42 * time.Millisecond,
		Metadata: map[string]string{"protocol": "mcp"},
	}}
	ts := newTestServer(t, gw)

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke",
		`{"capability_id":"cap-1","arguments":{"query":"select 1"}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", resp.StatusCode, body)
	}

	var got invokeResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !got.Success {
		t.Error("success = false, want true")
	}
	if got.RequestID != "req-stub" {
		t.Errorf("request_id = %q, want req-stub", got.RequestID)
	}
	if got.DurationMs != 42 {
		t.Errorf("duration_ms = %d, want 42", got.DurationMs)
	}
	if got.Metadata["protocol"] != "mcp" {
		t.Errorf("metadata = %v, want protocol=mcp", got.Metadata)
	}

	call := gw.lastInvocation()
	if call.CapabilityID != "cap-1" {
		t.Errorf("capability id = %q, want cap-1", call.CapabilityID)
	}
	if call.Arguments["query"] != "select 1" {
		t.Errorf("arguments = %v", call.Arguments)
	}
}

func TestInvoke_UpstreamFailureIsSuccessfulHTTP(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{result: &protocol.InvocationResult{
		Success:      false,
		ErrorMessage: "tool crashed",
	}}
	ts := newTestServer(t, gw)

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke", `{"capability_id":"cap-1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got invokeResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Success {
		t.Error("success = true, want false")
	}
	if got.ErrorMessage != "tool crashed" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
}

func TestInvoke_TimeoutOverride(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{}
	ts := newTestServer(t, gw)

	doRequest(t, ts, http.MethodPost, "/api/v1/invoke", `{"capability_id":"cap-1","timeout_ms":2500}`, nil)
	if got := gw.lastInvocation().Context.Timeout; got != 2500*time.Millisecond {
		t.Errorf("timeout = %v, want 2.5s", got)
	}
}

func TestInvoke_BadBodies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not json", "{nope"},
		{"missing capability", `{"arguments":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &stubGateway{})
			resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if apiErr := decodeAPIError(t, body); apiErr.Error != "invalid_body" {
				t.Errorf("error = %q, want invalid_body", apiErr.Error)
			}
		})
	}
}

func TestInvoke_BodyTooLarge(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &stubGateway{})
	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke",
		`{"capability_id":"`+strings.Repeat("a", maxRequestBodySize+1)+`"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(string(body), "too large") {
		t.Errorf("body = %s, want size complaint", body)
	}
}

func TestInvoke_GovernanceErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"deny", &pipeline.DenyError{Reason: "role forbids write"}, http.StatusForbidden, "authorization_denied"},
		{"injection", &pipeline.InjectionError{Score: 85, Findings: 2}, http.StatusForbidden, "injection_blocked"},
		{"mfa failed", &pipeline.MFAFailedError{ChallengeID: "ch-1", Reason: "expired"}, http.StatusForbidden, "mfa_failed"},
		{"validation", &pipeline.ValidationError{CapabilityID: "cap-1", Issues: []string{"path is required"}}, http.StatusBadRequest, "invalid_arguments"},
		{"unknown capability", resource.ErrCapabilityNotFound, http.StatusNotFound, "unknown_capability"},
		{"unknown resource", resource.ErrResourceNotFound, http.StatusNotFound, "unknown_capability"},
		{"upstream fault", errors.New("connection refused"), http.StatusBadGateway, "upstream_unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &stubGateway{invokeErr: tt.err})
			resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke", `{"capability_id":"cap-1"}`, nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", resp.StatusCode, tt.wantStatus, body)
			}
			if apiErr := decodeAPIError(t, body); apiErr.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", apiErr.Error, tt.wantCode)
			}
		})
	}
}

func TestInvoke_MFARequiredCarriesChallenge(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &stubGateway{invokeErr: &pipeline.MFARequiredError{
		ChallengeID: "ch-42",
		Method:      "totp",
	}})

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke", `{"capability_id":"cap-1"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	apiErr := decodeAPIError(t, body)
	if apiErr.Error != "mfa_required" {
		t.Errorf("error = %q, want mfa_required", apiErr.Error)
	}
	if apiErr.ChallengeID != "ch-42" || apiErr.Method != "totp" {
		t.Errorf("challenge = %q via %q, want ch-42 via totp", apiErr.ChallengeID, apiErr.Method)
	}
}

func TestInvoke_RateLimitRetryAfter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		err         *pipeline.RateLimitError
		wantCode    string
		wantSeconds string
	}{
		{"per minute", &pipeline.RateLimitError{RetryAfter: 30 * time.Second}, "rate_limited", "30"},
		{"budget", &pipeline.RateLimitError{RetryAfter: 2 * time.Hour, Budget: true}, "budget_exceeded", "7200"},
		{"sub-second floor", &pipeline.RateLimitError{RetryAfter: 200 * time.Millisecond}, "rate_limited", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, &stubGateway{invokeErr: tt.err})
			resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke", `{"capability_id":"cap-1"}`, nil)
			if resp.StatusCode != http.StatusTooManyRequests {
				t.Fatalf("status = %d, want 429", resp.StatusCode)
			}
			if got := resp.Header.Get("Retry-After"); got != tt.wantSeconds {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantSeconds)
			}
			if apiErr := decodeAPIError(t, body); apiErr.Error != tt.wantCode {
				t.Errorf("error = %q, want %q", apiErr.Error, tt.wantCode)
			}
		})
	}
}

// ---- streaming ----

func TestInvokeStream_RelaysMessages(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{stream: []protocol.StreamMessage{
		{Data: map[string]interface{}{"chunk": 1}},
		{Data: "tail"},
		{Err: errors.New("upstream reset")},
	}}
	ts := newTestServer(t, gw)

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke/stream", `{"capability_id":"cap-1"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q, want text/event-stream", ct)
	}

	text := string(body)
	for _, want := range []string{
		": stream req-stub",
		"event: message\ndata: {\"chunk\":1}",
		"event: message\ndata: \"tail\"",
		"event: error\ndata: {\"error\":\"upstream reset\"}",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("stream missing %q in:\n%s", want, text)
		}
	}
}

func TestInvokeStream_GovernanceErrorBeforeStream(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &stubGateway{streamErr: &pipeline.DenyError{Reason: "sensitivity"}})

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/invoke/stream", `{"capability_id":"cap-1"}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if apiErr := decodeAPIError(t, body); apiErr.Error != "authorization_denied" {
		t.Errorf("error = %q", apiErr.Error)
	}
}

// ---- catalog ----

func TestListResources(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{resources: []*resource.Resource{
		{ID: "res-1", Name: "github", Protocol: resource.ProtocolMCP},
		{ID: "res-2", Name: "billing", Protocol: resource.ProtocolGRPC},
	}}
	ts := newTestServer(t, gw)

	resp, body := doRequest(t, ts, http.MethodGet, "/api/v1/resources", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Resources []*resource.Resource `json:"resources"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got.Resources) != 2 || got.Resources[0].Name != "github" {
		t.Errorf("resources = %+v", got.Resources)
	}
}

func TestListCapabilities(t *testing.T) {
	t.Parallel()
	gw := &stubGateway{caps: []*resource.Capability{
		{ID: "cap-1", ResourceID: "res-1", Name: "create_issue"},
	}}
	ts := newTestServer(t, gw)

	resp, body := doRequest(t, ts, http.MethodGet, "/api/v1/capabilities?resource_id=res-1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Capabilities []*resource.Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got.Capabilities) != 1 || got.Capabilities[0].Name != "create_issue" {
		t.Errorf("capabilities = %+v", got.Capabilities)
	}
}

func TestListCapabilities_UnknownResource(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &stubGateway{capsErr: resource.ErrResourceNotFound})

	resp, body := doRequest(t, ts, http.MethodGet, "/api/v1/capabilities?resource_id=nope", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if apiErr := decodeAPIError(t, body); apiErr.Error != "unknown_resource" {
		t.Errorf("error = %q, want unknown_resource", apiErr.Error)
	}
}

// ---- challenge verification ----

func TestVerifyChallenge(t *testing.T) {
	t.Parallel()
	verifier := &stubVerifier{verified: true}
	ts := newTestServer(t, &stubGateway{}, WithChallengeVerifier(verifier))

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/mfa/verify",
		`{"challenge_id":"ch-7","code":"123456"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", resp.StatusCode, body)
	}
	var got struct {
		ChallengeID string `json:"challenge_id"`
		Verified    bool   `json:"verified"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !got.Verified || got.ChallengeID != "ch-7" {
		t.Errorf("got %+v", got)
	}
	if verifier.lastPrincipal != "alice" {
		t.Errorf("principal = %q, want alice (from credential)", verifier.lastPrincipal)
	}
	if verifier.lastChallenge != "ch-7" || verifier.lastCode != "123456" {
		t.Errorf("challenge %q code %q", verifier.lastChallenge, verifier.lastCode)
	}
}

func TestVerifyChallenge_MissingChallengeID(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, &stubGateway{}, WithChallengeVerifier(&stubVerifier{}))

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/mfa/verify", `{"code":"123456"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if apiErr := decodeAPIError(t, body); apiErr.Error != "invalid_body" {
		t.Errorf("error = %q", apiErr.Error)
	}
}

func TestVerifyChallenge_FailureMapsToForbidden(t *testing.T) {
	t.Parallel()
	verifier := &stubVerifier{err: &pipeline.MFAFailedError{ChallengeID: "ch-7", Reason: "too many attempts"}}
	ts := newTestServer(t, &stubGateway{}, WithChallengeVerifier(verifier))

	resp, body := doRequest(t, ts, http.MethodPost, "/api/v1/mfa/verify", `{"challenge_id":"ch-7","code":"000000"}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if apiErr := decodeAPIError(t, body); apiErr.Error != "mfa_failed" {
		t.Errorf("error = %q, want mfa_failed", apiErr.Error)
	}
}
