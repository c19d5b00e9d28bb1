package mcp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// httpStatusError is a non-2xx reply from an upstream HTTP server.
type httpStatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *httpStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Status)
	}
	return fmt.Sprintf("http status %d: %s", e.Status, e.Body)
}

// streamEvent is one JSON-RPC frame delivered on a server event stream.
// A terminal failure arrives as the last event with err set.
type streamEvent struct {
	data json.RawMessage
	err  error
}

// HTTPClient speaks JSON-RPC 2.0 to an MCP server over Streamable HTTP
// (2025-03-26). One client per resource endpoint; safe for concurrent
// use. A server may bind a session on initialize via the Mcp-Session-Id
// header; the client echoes it on every subsequent request.
type HTTPClient struct {
	endpoint string
	hc       *http.Client
	logger   *slog.Logger

	nextID atomic.Int64

	mu          sync.Mutex
	sessionID   string
	initialized bool
}

// HTTPClientOption configures an HTTPClient.
type HTTPClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) HTTPClientOption {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithHTTPTimeout sets the per-request timeout.
func WithHTTPTimeout(d time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if c.hc != nil {
			c.hc.Timeout = d
		}
	}
}

// NewHTTPClient creates a client for the given MCP server endpoint.
func NewHTTPClient(endpoint string, logger *slog.Logger, opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		logger:   logger,
		hc: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends one request and returns the decoded result. A JSON-RPC
// error object comes back as an *rpcError; transport and HTTP failures
// as plain errors (*httpStatusError for non-2xx replies).
//
// Servers answering with an event stream are drained until the response
// frame for the request id arrives.
func (c *HTTPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.ensureSession(ctx)
	return c.call(ctx, method, params)
}

// Notify sends a notification. Any 2xx reply is a success; Streamable
// HTTP servers answer 202 Accepted.
func (c *HTTPClient) Notify(ctx context.Context, method string, params interface{}) error {
	c.ensureSession(ctx)
	return c.notify(ctx, method, params)
}

// Stream sends one request and emits every JSON-RPC frame the server
// delivers on the resulting event stream. The channel closes after the
// response frame for the request id (the terminal element); a stream
// failure arrives as the last event with err set. Cancel ctx to abandon
// the stream.
//
// A server that answers with a plain JSON body instead of an event
// stream yields a single-element channel.
func (c *HTTPClient) Stream(ctx context.Context, method string, params interface{}) (<-chan streamEvent, error) {
	c.ensureSession(ctx)

	id := c.nextID.Add(1)
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, frame)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream, application/json")

	// The stream may outlive any per-request timeout; ctx bounds it
	// instead.
	streamClient := &http.Client{Transport: c.hc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	c.saveSession(resp.Header.Get("Mcp-Session-Id"))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBodySnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, &httpStatusError{Status: resp.StatusCode, Body: body}
	}

	ch := make(chan streamEvent, 8)

	if !isEventStream(resp.Header.Get("Content-Type")) {
		// Plain JSON reply: a single terminal element.
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
		_ = resp.Body.Close()
		go func() {
			defer close(ch)
			if err != nil {
				ch <- streamEvent{err: fmt.Errorf("read response: %w", err)}
				return
			}
			ch <- streamEvent{data: body}
		}()
		return ch, nil
	}

	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()

		err := sseFrames(resp.Body, func(data json.RawMessage) bool {
			select {
			case ch <- streamEvent{data: data}:
			case <-ctx.Done():
				return false
			}
			var f wireFrame
			if json.Unmarshal(data, &f) == nil && f.ID != nil && *f.ID == id && f.Method == "" {
				// The response for our request terminates the stream.
				return false
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			select {
			case ch <- streamEvent{err: fmt.Errorf("event stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// ensureSession performs the initialize exchange once. Best effort:
// plain tool servers answer tools/list without a session, strict ones
// mint one on initialize.
func (c *HTTPClient) ensureSession(ctx context.Context) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = true
	c.mu.Unlock()

	if _, err := c.call(ctx, methodInitialize, initializeParams()); err != nil {
		c.logger.Debug("mcp server initialize not acknowledged",
			"endpoint", c.endpoint, "error", err)
		return
	}
	if err := c.notify(ctx, methodInitialized, nil); err != nil {
		c.logger.Debug("mcp server initialized notification failed",
			"endpoint", c.endpoint, "error", err)
	}
}

// call performs one request/response exchange.
func (c *HTTPClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, frame)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if isEventStream(resp.Header.Get("Content-Type")) {
		// Response delivered on an event stream; drain until our id.
		var reply *wireFrame
		err := sseFrames(io.LimitReader(resp.Body, maxResponseBodySize), func(data json.RawMessage) bool {
			var f wireFrame
			if json.Unmarshal(data, &f) != nil {
				return true
			}
			if f.ID != nil && *f.ID == id && f.Method == "" {
				reply = &f
				return false
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("event stream: %w", err)
		}
		if reply == nil {
			return nil, fmt.Errorf("stream ended without a response for %s", method)
		}
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var f wireFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Result, nil
}

// notify sends one notification frame.
func (c *HTTPClient) notify(ctx context.Context, method string, params interface{}) error {
	frame, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, frame)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
	_ = resp.Body.Close()
	return nil
}

// send POSTs one frame and returns the response after the status check.
func (c *HTTPClient) send(ctx context.Context, frame []byte) (*http.Response, error) {
	req, err := c.newRequest(ctx, frame)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	c.saveSession(resp.Header.Get("Mcp-Session-Id"))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := readBodySnippet(resp.Body)
		_ = resp.Body.Close()
		return nil, &httpStatusError{Status: resp.StatusCode, Body: body}
	}
	return resp, nil
}

// newRequest builds a POST carrying one JSON-RPC frame.
func (c *HTTPClient) newRequest(ctx context.Context, frame []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sid := c.session(); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	return req, nil
}

// session returns the bound session id, if any.
func (c *HTTPClient) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// saveSession records a session id the server handed out.
func (c *HTTPClient) saveSession(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// isEventStream reports whether a Content-Type denotes SSE.
func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// readBodySnippet reads a short error-body excerpt for diagnostics.
func readBodySnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 4096))
	return strings.TrimSpace(string(body))
}

// sseFrames iterates the server-sent events on r and passes each data
// payload to emit. Multi-line data fields are joined with newlines per
// the SSE format; event names, ids, retry hints, and comments are
// skipped. emit returns false to stop early.
func sseFrames(r io.Reader, emit func(json.RawMessage) bool) error {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if !emit(json.RawMessage(data)) {
					return nil
				}
				data = nil
			}
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, payload...)
		}
	}
	if len(data) > 0 {
		emit(json.RawMessage(data))
	}
	return scanner.Err()
}
