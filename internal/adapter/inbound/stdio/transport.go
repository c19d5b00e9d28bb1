// Package stdio exposes the gateway as an MCP server on stdin/stdout.
// A local MCP client (IDE, agent runtime) speaks newline-delimited
// JSON-RPC 2.0; initialize/ping are answered directly, tools/list maps
// the capability catalog to MCP tool descriptors, and tools/call runs
// the full decision chain through the gateway service.
//
// Credentials travel inside the frames (params._meta.apiKey, MCP has no
// headers) or come from the ambient key configured at construction.
// Governance rejections are tool results flagged isError so the calling
// model sees why the invocation was refused; only protocol-level faults
// become JSON-RPC error objects.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/port/inbound"
	"github.com/sark-labs/sark/internal/service"
	"github.com/sark-labs/sark/pkg/mcp"
)

const (
	// scannerInitialBufSize is the initial frame scanner buffer. MCP
	// messages are typically small; a generous start avoids regrowth.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the largest frame the transport accepts.
	scannerMaxBufSize = 1024 * 1024 // 1MB

	// localClientIP is the address recorded for stdio callers. There is
	// no remote peer, so every stdio caller shares one rate bucket.
	localClientIP = "local"
)

// Transport wires stdin/stdout to the gateway service.
type Transport struct {
	gateway inbound.GatewayService
	auth    inbound.Authenticator
	logger  *slog.Logger

	in  io.Reader
	out io.Writer

	// ambient is the credential used when a frame carries none.
	// Typically SARK_API_KEY, wired by the CLI.
	ambient string
	version string

	// writeMu serializes response frames; requests are handled
	// concurrently and complete out of order.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Option configures optional transport collaborators.
type Option func(*Transport)

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithStreams replaces stdin/stdout. Used by tests and by embedders
// that bridge the transport over sockets.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(t *Transport) {
		t.in = in
		t.out = out
	}
}

// WithAmbientCredential sets the credential applied to frames that
// carry none of their own.
func WithAmbientCredential(credential string) Option {
	return func(t *Transport) {
		t.ambient = credential
	}
}

// WithServerVersion sets the version reported in the initialize result.
func WithServerVersion(version string) Option {
	return func(t *Transport) {
		t.version = version
	}
}

// NewTransport creates a stdio transport over the gateway service.
func NewTransport(gateway inbound.GatewayService, auth inbound.Authenticator, opts ...Option) *Transport {
	t := &Transport{
		gateway: gateway,
		auth:    auth,
		logger:  slog.Default(),
		in:      os.Stdin,
		out:     os.Stdout,
		version: "dev",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start reads frames until stdin closes or ctx is cancelled, handling
// each request on its own goroutine. Cancellation takes effect at the
// next frame boundary; a blocked read ends when the input closes.
// Start returns after every in-flight handler has finished.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// One session per connection so decision logs can group the calls
	// of a single client process.
	ctx = service.ContextWithSessionID(ctx, uuid.NewString())
	ctx = service.ContextWithClientIP(ctx, localClientIP)

	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		raw := append([]byte(nil), scanner.Bytes()...)
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
		if err != nil {
			t.logger.Debug("undecodable frame", "error", err)
			t.writeError(nil, codeParseError, "parse error")
			continue
		}
		if msg.IsNotification() {
			// notifications/initialized and friends need no reply.
			continue
		}
		if msg.IsResponse() {
			// The transport never issues requests toward the client.
			t.logger.Debug("ignoring unsolicited response frame")
			continue
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handle(ctx, msg)
		}()
	}

	t.wg.Wait()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdin read: %w", err)
	}
	return nil
}

// handle dispatches one request frame.
func (t *Transport) handle(ctx context.Context, msg *mcp.Message) {
	id := msg.RawID()
	switch msg.Method() {
	case methodInitialize:
		t.writeResult(id, t.initializeResult())
	case methodPing:
		t.writeResult(id, struct{}{})
	case methodToolsList:
		t.handleToolsList(ctx, id, msg)
	case methodToolsCall:
		t.handleToolsCall(ctx, id, msg)
	default:
		t.writeError(id, codeMethodNotFound, fmt.Sprintf("method %q is not supported", msg.Method()))
	}
}

// authenticate resolves the frame's credential into a principal. The
// frame's own credential wins over the ambient one; a value with JWT
// dot-structure verifies as a bearer token, anything else as an API key.
func (t *Transport) authenticate(ctx context.Context, msg *mcp.Message) (*principal.Principal, error) {
	if t.auth == nil {
		return nil, errors.New("authenticator not configured")
	}
	credential := msg.ExtractToken()
	if credential == "" {
		credential = t.ambient
	}
	if credential == "" {
		return nil, errors.New("credential required: params._meta.apiKey or ambient key")
	}
	if strings.Count(credential, ".") == 2 {
		return t.auth.AuthenticateBearer(ctx, credential)
	}
	return t.auth.AuthenticateAPIKey(ctx, credential)
}

// --- Response framing ---

// JSON-RPC 2.0 error codes the transport emits. The -32000 range is
// reserved for server-defined errors; unauthenticated lives there.
const (
	codeParseError      = -32700
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeUnauthenticated = -32001
)

type rpcErrorObject struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// rpcResponse is the outbound frame shape. The id is kept raw so the
// client's original id format (number or string) echoes back unchanged.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcErrorObject `json:"error,omitempty"`
}

func (t *Transport) writeResult(id json.RawMessage, result interface{}) {
	t.writeFrame(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (t *Transport) writeError(id json.RawMessage, code int64, message string) {
	t.writeFrame(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcErrorObject{Code: code, Message: message}})
}

func (t *Transport) writeFrame(resp rpcResponse) {
	frame, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("marshaling response frame failed", "error", err)
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(frame); err != nil {
		t.logger.Error("writing response frame failed", "error", err)
		return
	}
	_, _ = t.out.Write([]byte("\n"))
}
