package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/sark-labs/sark/internal/ctxkey"
	"github.com/sark-labs/sark/internal/domain/pipeline"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/port/inbound"
	"github.com/sark-labs/sark/internal/service"
)

var _ inbound.Authenticator = (*stubAuth)(nil)

// stubGateway is a scriptable inbound.GatewayService. Function fields
// override individual operations; unset fields return benign defaults.
type stubGateway struct {
	resources    []*resource.Resource
	capabilities []*resource.Capability

	invokeFn func(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error)
}

func (s *stubGateway) Invoke(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
	if s.invokeFn != nil {
		return s.invokeFn(ctx, call)
	}
	return &protocol.InvocationResult{Success: true}, nil
}

func (s *stubGateway) InvokeStreaming(ctx context.Context, call *protocol.InvocationRequest) (<-chan protocol.StreamMessage, error) {
	ch := make(chan protocol.StreamMessage)
	close(ch)
	return ch, nil
}

func (s *stubGateway) ListResources(ctx context.Context) ([]*resource.Resource, error) {
	return s.resources, nil
}

func (s *stubGateway) ListCapabilities(ctx context.Context, resourceID string) ([]*resource.Capability, error) {
	return s.capabilities, nil
}

// stubAuth accepts one known API key and records every credential it saw.
type stubAuth struct {
	key string

	mu   sync.Mutex
	seen []string
}

func (s *stubAuth) AuthenticateAPIKey(ctx context.Context, rawKey string) (*principal.Principal, error) {
	s.mu.Lock()
	s.seen = append(s.seen, rawKey)
	s.mu.Unlock()
	if rawKey != s.key {
		return nil, errors.New("unknown key")
	}
	return &principal.Principal{ID: "user-1", Role: "analyst"}, nil
}

func (s *stubAuth) AuthenticateBearer(ctx context.Context, token string) (*principal.Principal, error) {
	return nil, errors.New("bearer not expected here")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// catalog returns a two-resource fixture whose composed tool names are
// orders-db__query_orders and crm__search_customers.
func catalog() ([]*resource.Resource, []*resource.Capability) {
	resources := []*resource.Resource{
		{ID: "res-db", Name: "orders-db", Protocol: resource.ProtocolMCP, Endpoint: "db-server --stdio"},
		{ID: "res-crm", Name: "crm", Protocol: resource.ProtocolHTTP, Endpoint: "https://crm.internal.example"},
	}
	capabilities := []*resource.Capability{
		{
			ID: "cap-query", ResourceID: "res-db", Name: "query_orders",
			Description: "run a read-only orders query",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		},
		{ID: "cap-search", ResourceID: "res-crm", Name: "search_customers"},
	}
	return resources, capabilities
}

// run feeds frames to a transport and returns the response frames indexed
// by request id. Start returns once input is exhausted and every in-flight
// handler has finished, so no synchronization is needed afterwards.
func run(t *testing.T, gw *stubGateway, auth *stubAuth, input string, opts ...Option) map[string]map[string]interface{} {
	t.Helper()

	var out bytes.Buffer
	opts = append(opts, WithStreams(strings.NewReader(input), &out), WithLogger(testLogger()))
	transport := NewTransport(gw, auth, opts...)
	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	frames := make(map[string]map[string]interface{})
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var frame map[string]interface{}
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("output frame is not JSON: %q", line)
		}
		id, _ := json.Marshal(frame["id"])
		frames[string(id)] = frame
	}
	return frames
}

func frameResult(t *testing.T, frame map[string]interface{}) map[string]interface{} {
	t.Helper()
	if frame == nil {
		t.Fatal("missing response frame")
	}
	if errObj, ok := frame["error"]; ok {
		t.Fatalf("frame is an error: %v", errObj)
	}
	result, ok := frame["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("frame has no object result: %v", frame)
	}
	return result
}

func frameError(t *testing.T, frame map[string]interface{}) (float64, string) {
	t.Helper()
	if frame == nil {
		t.Fatal("missing response frame")
	}
	errObj, ok := frame["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("frame is not an error: %v", frame)
	}
	code, _ := errObj["code"].(float64)
	message, _ := errObj["message"].(string)
	return code, message
}

// toolText unwraps the single text content item of a tools/call result.
func toolText(t *testing.T, result map[string]interface{}) (string, bool) {
	t.Helper()
	content, ok := result["content"].([]interface{})
	if !ok || len(content) != 1 {
		t.Fatalf("unexpected content: %v", result["content"])
	}
	item := content[0].(map[string]interface{})
	if item["type"] != "text" {
		t.Fatalf("content type = %v, want text", item["type"])
	}
	isError, _ := result["isError"].(bool)
	text, _ := item["text"].(string)
	return text, isError
}

func callFrame(id int, name string, args map[string]interface{}, apiKey string) string {
	params := map[string]interface{}{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	if apiKey != "" {
		params["_meta"] = map[string]interface{}{"apiKey": apiKey}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": id, "method": "tools/call", "params": params,
	})
	return string(raw) + "\n"
}

func TestInitializeAndPing(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}` + "\n" +
		`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"

	frames := run(t, &stubGateway{}, &stubAuth{}, input, WithServerVersion("1.2.3"))
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2 (the notification is silent)", len(frames))
	}

	result := frameResult(t, frames["1"])
	if result["protocolVersion"] != "2025-03-26" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info, _ := result["serverInfo"].(map[string]interface{})
	if info["name"] != "sark" || info["version"] != "1.2.3" {
		t.Errorf("serverInfo = %v", info)
	}

	if _, ok := frames["2"]; !ok {
		t.Error("ping got no response")
	}
}

func TestToolsList(t *testing.T) {
	resources, capabilities := catalog()
	gw := &stubGateway{resources: resources, capabilities: capabilities}
	auth := &stubAuth{key: "sk-local"}

	input := `{"jsonrpc":"2.0","id":7,"method":"tools/list"}` + "\n"
	frames := run(t, gw, auth, input, WithAmbientCredential("sk-local"))

	result := frameResult(t, frames["7"])
	tools, _ := result["tools"].([]interface{})
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}

	first := tools[0].(map[string]interface{})
	if first["name"] != "orders-db__query_orders" {
		t.Errorf("tool name = %v", first["name"])
	}
	if first["description"] != "run a read-only orders query" {
		t.Errorf("description = %v", first["description"])
	}
	schema, _ := first["inputSchema"].(map[string]interface{})
	if schema["type"] != "object" {
		t.Errorf("schema = %v", schema)
	}

	// A capability without a schema still advertises an object schema.
	second := tools[1].(map[string]interface{})
	if second["name"] != "crm__search_customers" {
		t.Errorf("tool name = %v", second["name"])
	}
	fallback, _ := second["inputSchema"].(map[string]interface{})
	if fallback["type"] != "object" {
		t.Errorf("fallback schema = %v", fallback)
	}
}

func TestToolsList_Unauthenticated(t *testing.T) {
	resources, capabilities := catalog()
	gw := &stubGateway{resources: resources, capabilities: capabilities}

	// No ambient credential and no frame credential.
	input := `{"jsonrpc":"2.0","id":3,"method":"tools/list"}` + "\n"
	frames := run(t, gw, &stubAuth{key: "sk-local"}, input)

	code, message := frameError(t, frames["3"])
	if code != codeUnauthenticated {
		t.Errorf("code = %v, want %d", code, codeUnauthenticated)
	}
	if message != "invalid credential" {
		t.Errorf("message = %q", message)
	}
}

func TestToolsCall_Success(t *testing.T) {
	resources, capabilities := catalog()
	var (
		gotCall      *protocol.InvocationRequest
		gotPrincipal *principal.Principal
		gotClientIP  string
	)
	gw := &stubGateway{resources: resources, capabilities: capabilities}
	gw.invokeFn = func(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		gotCall = call
		gotPrincipal = service.PrincipalFromContext(ctx)
		gotClientIP, _ = ctx.Value(ctxkey.ClientIPKey{}).(string)
		return &protocol.InvocationResult{
			Success:  true,
			Result:   map[string]interface{}{"orders": []interface{}{"ord-1"}},
			Metadata: map[string]string{"record_count": "1"},
		}, nil
	}

	input := callFrame(11, "orders-db__query_orders", map[string]interface{}{"query": "recent"}, "sk-local")
	frames := run(t, gw, &stubAuth{key: "sk-local"}, input)

	result := frameResult(t, frames["11"])
	text, isError := toolText(t, result)
	if isError {
		t.Fatalf("unexpected isError, text = %s", text)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("text is not JSON: %q", text)
	}
	if _, ok := payload["orders"]; !ok {
		t.Errorf("payload = %v", payload)
	}
	meta, _ := result["_meta"].(map[string]interface{})
	if meta["record_count"] != "1" {
		t.Errorf("_meta = %v", meta)
	}

	if gotCall == nil || gotCall.CapabilityID != "cap-query" {
		t.Fatalf("call = %+v, want capability cap-query", gotCall)
	}
	if gotCall.Arguments["query"] != "recent" {
		t.Errorf("arguments = %v", gotCall.Arguments)
	}
	if gotPrincipal == nil || gotPrincipal.ID != "user-1" {
		t.Errorf("principal = %+v", gotPrincipal)
	}
	if gotClientIP != "local" {
		t.Errorf("client ip = %q, want local", gotClientIP)
	}
}

func TestToolsCall_AcceptsCapabilityID(t *testing.T) {
	resources, capabilities := catalog()
	var got string
	gw := &stubGateway{resources: resources, capabilities: capabilities}
	gw.invokeFn = func(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		got = call.CapabilityID
		return &protocol.InvocationResult{Success: true}, nil
	}

	input := callFrame(4, "cap-search", nil, "sk-local")
	run(t, gw, &stubAuth{key: "sk-local"}, input)

	if got != "cap-search" {
		t.Errorf("capability id = %q, want cap-search", got)
	}
}

func TestToolsCall_GovernanceRejections(t *testing.T) {
	resources, capabilities := catalog()

	tests := []struct {
		name      string
		err       error
		wantCode  string
		wantExtra func(t *testing.T, payload map[string]interface{})
	}{
		{
			name:     "policy deny",
			err:      &pipeline.DenyError{Reason: "role analyst may not export"},
			wantCode: "authorization_denied",
		},
		{
			name:     "injection block",
			err:      &pipeline.InjectionError{Score: 85, Findings: 2},
			wantCode: "injection_blocked",
		},
		{
			name:     "mfa challenge",
			err:      &pipeline.MFARequiredError{ChallengeID: "chal-1", Method: "totp"},
			wantCode: "mfa_required",
			wantExtra: func(t *testing.T, payload map[string]interface{}) {
				if payload["challenge_id"] != "chal-1" || payload["method"] != "totp" {
					t.Errorf("payload = %v", payload)
				}
			},
		},
		{
			name:     "rate limited",
			err:      &pipeline.RateLimitError{RetryAfter: 3 * time.Second},
			wantCode: "rate_limited",
			wantExtra: func(t *testing.T, payload map[string]interface{}) {
				if payload["retry_after_seconds"] != float64(3) {
					t.Errorf("retry_after_seconds = %v", payload["retry_after_seconds"])
				}
			},
		},
		{
			name:     "budget exhausted",
			err:      &pipeline.RateLimitError{RetryAfter: time.Minute, Budget: true},
			wantCode: "budget_exceeded",
		},
		{
			name:     "upstream fault",
			err:      errors.New("dial tcp: connection refused"),
			wantCode: "upstream_unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &stubGateway{resources: resources, capabilities: capabilities}
			gw.invokeFn = func(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
				return nil, tt.err
			}

			input := callFrame(9, "orders-db__query_orders", nil, "sk-local")
			frames := run(t, gw, &stubAuth{key: "sk-local"}, input)

			result := frameResult(t, frames["9"])
			text, isError := toolText(t, result)
			if !isError {
				t.Fatal("expected isError")
			}
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(text), &payload); err != nil {
				t.Fatalf("text is not JSON: %q", text)
			}
			if payload["error"] != tt.wantCode {
				t.Errorf("error = %v, want %s", payload["error"], tt.wantCode)
			}
			if msg, _ := payload["message"].(string); msg == "" {
				t.Error("missing message")
			}
			if tt.wantExtra != nil {
				tt.wantExtra(t, payload)
			}
		})
	}
}

func TestToolsCall_UpstreamFailureKeepsMessage(t *testing.T) {
	resources, capabilities := catalog()
	gw := &stubGateway{resources: resources, capabilities: capabilities}
	gw.invokeFn = func(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		return &protocol.InvocationResult{Success: false, ErrorMessage: "table locked"}, nil
	}

	input := callFrame(5, "orders-db__query_orders", nil, "sk-local")
	frames := run(t, gw, &stubAuth{key: "sk-local"}, input)

	text, isError := toolText(t, frameResult(t, frames["5"]))
	if !isError || text != "table locked" {
		t.Errorf("isError = %v text = %q", isError, text)
	}
}

func TestToolsCall_UnknownTool(t *testing.T) {
	resources, capabilities := catalog()
	gw := &stubGateway{resources: resources, capabilities: capabilities}

	input := callFrame(6, "orders-db__drop_everything", nil, "sk-local")
	frames := run(t, gw, &stubAuth{key: "sk-local"}, input)

	code, message := frameError(t, frames["6"])
	if code != codeInvalidParams {
		t.Errorf("code = %v, want %d", code, codeInvalidParams)
	}
	if !strings.Contains(message, "unknown tool") {
		t.Errorf("message = %q", message)
	}
}

func TestToolsCall_MissingName(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":13,"method":"tools/call","params":{"_meta":{"apiKey":"sk-local"}}}` + "\n"
	frames := run(t, &stubGateway{}, &stubAuth{key: "sk-local"}, input)

	code, _ := frameError(t, frames["13"])
	if code != codeInvalidParams {
		t.Errorf("code = %v, want %d", code, codeInvalidParams)
	}
}

func TestToolsCall_AmbiguousToolName(t *testing.T) {
	// Two resources whose names sanitize identically collide on the
	// composed tool name; the transport refuses to guess.
	resources := []*resource.Resource{
		{ID: "res-a", Name: "orders db"},
		{ID: "res-b", Name: "orders-db"},
	}
	capabilities := []*resource.Capability{
		{ID: "cap-a", ResourceID: "res-a", Name: "query"},
		{ID: "cap-b", ResourceID: "res-b", Name: "query"},
	}
	gw := &stubGateway{resources: resources, capabilities: capabilities}

	input := callFrame(8, "orders_db__query", nil, "sk-local")
	frames := run(t, gw, &stubAuth{key: "sk-local"}, input)

	code, message := frameError(t, frames["8"])
	if code != codeInvalidParams || !strings.Contains(message, "ambiguous") {
		t.Errorf("code = %v message = %q", code, message)
	}
}

func TestFrameCredentialOverridesAmbient(t *testing.T) {
	resources, capabilities := catalog()
	gw := &stubGateway{resources: resources, capabilities: capabilities}
	auth := &stubAuth{key: "sk-frame"}

	input := callFrame(2, "orders-db__query_orders", nil, "sk-frame")
	run(t, gw, auth, input, WithAmbientCredential("sk-ambient"))

	if len(auth.seen) != 1 || auth.seen[0] != "sk-frame" {
		t.Errorf("credentials seen = %v, want [sk-frame]", auth.seen)
	}
}

func TestMalformedFrame(t *testing.T) {
	frames := run(t, &stubGateway{}, &stubAuth{}, "this is not json\n")

	code, _ := frameError(t, frames["null"])
	if code != codeParseError {
		t.Errorf("code = %v, want %d", code, codeParseError)
	}
}

func TestUnknownMethod(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":12,"method":"resources/list"}` + "\n"
	frames := run(t, &stubGateway{}, &stubAuth{}, input)

	code, message := frameError(t, frames["12"])
	if code != codeMethodNotFound {
		t.Errorf("code = %v, want %d", code, codeMethodNotFound)
	}
	if !strings.Contains(message, "resources/list") {
		t.Errorf("message = %q", message)
	}
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	defer goleak.VerifyNone(t)

	resources, capabilities := catalog()
	gw := &stubGateway{resources: resources, capabilities: capabilities}
	gw.invokeFn = func(ctx context.Context, call *protocol.InvocationRequest) (*protocol.InvocationResult, error) {
		return &protocol.InvocationResult{Success: true, Result: call.Arguments["n"]}, nil
	}

	var input strings.Builder
	for i := 1; i <= 5; i++ {
		input.WriteString(callFrame(100+i, "orders-db__query_orders",
			map[string]interface{}{"n": fmt.Sprintf("%d", i)}, "sk-local"))
	}
	frames := run(t, gw, &stubAuth{key: "sk-local"}, input.String())

	if len(frames) != 5 {
		t.Fatalf("frames = %d, want 5", len(frames))
	}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("%d", 100+i)
		text, _ := toolText(t, frameResult(t, frames[id]))
		if text != fmt.Sprintf("%d", i) {
			t.Errorf("frame %s text = %q, want %d", id, text, i)
		}
	}
}
