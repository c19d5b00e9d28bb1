package mcp

import (
	"encoding/json"
	"fmt"
)

// MCP methods the adapter issues against upstream servers.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodPing        = "ping"
	methodToolsList   = "tools/list"
	methodToolsCall   = "tools/call"
)

// protocolRevision is the MCP revision the adapter speaks
// (Streamable HTTP specification, 2025-03-26).
const protocolRevision = "2025-03-26"

const (
	// scannerInitialBufSize is the initial buffer size for frame scanners.
	// MCP messages are typically small; a generous start avoids regrowth
	// for moderate-sized messages.
	scannerInitialBufSize = 256 * 1024 // 256KB

	// scannerMaxBufSize is the maximum frame size a scanner accepts.
	// Frames beyond this cause bufio.ErrTooLong and drop the connection.
	scannerMaxBufSize = 1024 * 1024 // 1MB

	// maxResponseBodySize caps HTTP response bodies from upstream.
	// Prevents OOM from a malicious upstream sending unbounded responses.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// rpcError is the JSON-RPC 2.0 error object as upstream servers return it.
type rpcError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *rpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// wireFrame is the decoded shape of one inbound JSON-RPC frame.
// Request ids minted by this package are always integers, so a frame
// whose id is not an integer never correlates with a pending call.
type wireFrame struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// toolDescriptor is one entry of a tools/list result.
type toolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema"`
}

// toolsListResult is the result payload of tools/list.
type toolsListResult struct {
	Tools      []toolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor"`
}

// initializeParams is the params payload of the initialize handshake.
func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolRevision,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "sark",
			"version": protocolRevision,
		},
	}
}

// toolErrorMessage extracts a human-readable failure description from a
// tools/call result flagged isError. MCP delivers tool failures as text
// content items.
func toolErrorMessage(result json.RawMessage) string {
	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "tool execution failed"
	}
	for _, item := range parsed.Content {
		if item.Type == "text" && item.Text != "" {
			return item.Text
		}
	}
	return "tool execution failed"
}
