package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sark-labs/sark/internal/domain/pipeline"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/service"
	"github.com/sark-labs/sark/pkg/mcp"
)

// MCP methods the transport serves.
const (
	methodInitialize = "initialize"
	methodPing       = "ping"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"
)

// protocolRevision is the MCP revision the transport speaks
// (Streamable HTTP specification, 2025-03-26).
const protocolRevision = "2025-03-26"

// initializeResult answers the MCP handshake.
func (t *Transport) initializeResult() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolRevision,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		"serverInfo": map[string]interface{}{
			"name":    "sark",
			"version": t.version,
		},
	}
}

// toolDescriptor is one entry of the tools/list result.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// toolsListResult is the result payload of tools/list.
type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

// emptyObjectSchema stands in when a capability declares no schema;
// MCP requires inputSchema on every tool.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// handleToolsList maps the capability catalog onto MCP tool
// descriptors. Tool names are resource__capability so a catalog
// spanning several upstreams never collides on bare tool names.
func (t *Transport) handleToolsList(ctx context.Context, id json.RawMessage, msg *mcp.Message) {
	p, err := t.authenticate(ctx, msg)
	if err != nil {
		t.logger.Warn("tools/list authentication failed", "error", err)
		t.writeError(id, codeUnauthenticated, "invalid credential")
		return
	}
	ctx = service.ContextWithPrincipal(ctx, p)

	names, err := t.resourceNames(ctx)
	if err != nil {
		t.logger.Error("listing resources failed", "error", err)
		t.writeError(id, codeInvalidParams, "listing resources failed")
		return
	}
	capabilities, err := t.gateway.ListCapabilities(ctx, "")
	if err != nil {
		t.logger.Error("listing capabilities failed", "error", err)
		t.writeError(id, codeInvalidParams, "listing capabilities failed")
		return
	}

	tools := make([]toolDescriptor, 0, len(capabilities))
	for _, capability := range capabilities {
		schema := capability.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		tools = append(tools, toolDescriptor{
			Name:        composeToolName(names[capability.ResourceID], capability.Name),
			Description: capability.Description,
			InputSchema: schema,
		})
	}
	t.writeResult(id, toolsListResult{Tools: tools})
}

// handleToolsCall resolves the advertised tool name back to a
// capability and runs the invocation through the decision chain.
func (t *Transport) handleToolsCall(ctx context.Context, id json.RawMessage, msg *mcp.Message) {
	p, err := t.authenticate(ctx, msg)
	if err != nil {
		t.logger.Warn("tools/call authentication failed", "error", err)
		t.writeError(id, codeUnauthenticated, "invalid credential")
		return
	}
	ctx = service.ContextWithPrincipal(ctx, p)

	name := msg.ToolCallName()
	if name == "" {
		t.writeError(id, codeInvalidParams, "params.name is required")
		return
	}

	capabilityID, err := t.resolveTool(ctx, name)
	if err != nil {
		t.writeError(id, codeInvalidParams, err.Error())
		return
	}

	call := &protocol.InvocationRequest{
		CapabilityID: capabilityID,
		Arguments:    msg.ToolCallArguments(),
	}
	result, err := t.gateway.Invoke(ctx, call)
	switch {
	case err == nil:
		t.writeResult(id, toolResult(result))
	case errors.Is(err, context.Canceled):
		// Connection is going away; nothing useful to write.
	case errors.Is(err, resource.ErrCapabilityNotFound), errors.Is(err, resource.ErrResourceNotFound):
		// Deregistered between resolution and invoke.
		t.writeError(id, codeInvalidParams, fmt.Sprintf("unknown tool: %s", name))
	default:
		// Governance rejections and upstream faults are tool outcomes
		// the calling model should see, not protocol errors.
		t.writeResult(id, rejectionResult(err))
	}
}

// resourceNames maps resource ids to display names.
func (t *Transport) resourceNames(ctx context.Context) (map[string]string, error) {
	resources, err := t.gateway.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(resources))
	for _, res := range resources {
		names[res.ID] = res.Name
	}
	return names, nil
}

// resolveTool turns an advertised tool name back into a capability id.
// A raw capability id is accepted as-is so SDK callers can skip the
// composed names. Two config entries that sanitize to the same tool
// name are refused rather than silently picking one.
func (t *Transport) resolveTool(ctx context.Context, name string) (string, error) {
	capabilities, err := t.gateway.ListCapabilities(ctx, "")
	if err != nil {
		return "", fmt.Errorf("listing capabilities failed")
	}

	names, err := t.resourceNames(ctx)
	if err != nil {
		return "", fmt.Errorf("listing resources failed")
	}

	var matches []string
	for _, capability := range capabilities {
		if capability.ID == name {
			return capability.ID, nil
		}
		if composeToolName(names[capability.ResourceID], capability.Name) == name {
			matches = append(matches, capability.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("unknown tool: %s", name)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("tool name %s is ambiguous; rename the colliding resources", name)
	}
}

// composeToolName builds the advertised MCP tool name. Resource and
// capability names are sanitized to the [A-Za-z0-9_-] alphabet MCP
// clients accept.
func composeToolName(resourceName, capabilityName string) string {
	return sanitizeToolName(resourceName) + "__" + sanitizeToolName(capabilityName)
}

func sanitizeToolName(s string) string {
	out := []byte(s)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// --- tools/call result framing ---

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// callToolResult is the MCP tools/call result shape. Tool failures ride
// inside the result flagged isError, per MCP convention, so the model
// sees them.
type callToolResult struct {
	Content []toolContent     `json:"content"`
	IsError bool              `json:"isError,omitempty"`
	Meta    map[string]string `json:"_meta,omitempty"`
}

// toolResult frames a completed invocation. Successful payloads are
// re-encoded as one text content item; upstream-reported failures keep
// their error message.
func toolResult(result *protocol.InvocationResult) callToolResult {
	out := callToolResult{Meta: result.Metadata}
	if !result.Success {
		out.IsError = true
		out.Content = []toolContent{{Type: "text", Text: result.ErrorMessage}}
		return out
	}

	var text string
	switch payload := result.Result.(type) {
	case nil:
		text = ""
	case string:
		text = payload
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			text = fmt.Sprintf("%v", payload)
		} else {
			text = string(encoded)
		}
	}
	out.Content = []toolContent{{Type: "text", Text: text}}
	return out
}

// rejectionResult frames a governance rejection or upstream fault as a
// machine-readable tool failure. The text is a JSON object carrying the
// stable error code plus whatever the caller needs to recover (the
// challenge id for MFA, the retry delay for rate limits).
func rejectionResult(err error) callToolResult {
	payload := map[string]interface{}{"message": err.Error()}

	var (
		mfaErr  *pipeline.MFARequiredError
		rateErr *pipeline.RateLimitError
	)
	switch {
	case errors.As(err, &mfaErr):
		payload["error"] = "mfa_required"
		payload["challenge_id"] = mfaErr.ChallengeID
		payload["method"] = mfaErr.Method
	case errors.As(err, &rateErr):
		if rateErr.Budget {
			payload["error"] = "budget_exceeded"
		} else {
			payload["error"] = "rate_limited"
		}
		seconds := int(rateErr.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		payload["retry_after_seconds"] = seconds
	case errors.Is(err, pipeline.ErrInjectionBlocked):
		payload["error"] = "injection_blocked"
	case errors.Is(err, pipeline.ErrAuthorizationDenied):
		payload["error"] = "authorization_denied"
	case errors.Is(err, pipeline.ErrMFAFailed):
		payload["error"] = "mfa_failed"
	case errors.Is(err, pipeline.ErrValidationFailed):
		payload["error"] = "invalid_arguments"
	default:
		payload["error"] = "upstream_unavailable"
	}

	text, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		text = []byte(fmt.Sprintf(`{"error":"internal","message":%q}`, err.Error()))
	}
	return callToolResult{
		IsError: true,
		Content: []toolContent{{Type: "text", Text: string(text)}},
	}
}
