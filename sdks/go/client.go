package sark

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client is the SARK SDK client. It communicates with the gateway REST
// API to invoke capabilities, browse the registry, satisfy MFA
// challenges, and follow the audit event stream.
type Client struct {
	serverAddr  string
	apiKey      string
	bearerToken string
	timeout     time.Duration
	maxRetries  int
	retryDelay  time.Duration
	httpClient  *http.Client

	// streamClient carries the same transport without the overall
	// timeout, which would sever long-lived SSE responses.
	streamClient *http.Client

	logger *slog.Logger
}

// NewClient creates a new SARK SDK client.
// It reads configuration from SARK_* environment variables by default.
// Options can be used to override the defaults.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:  envOrDefault("SARK_SERVER_ADDR", "http://127.0.0.1:8080"),
		apiKey:      os.Getenv("SARK_API_KEY"),
		bearerToken: os.Getenv("SARK_TOKEN"),
		timeout:     parseDurationEnv("SARK_TIMEOUT", 35*time.Second),
		maxRetries:  parseIntEnv("SARK_MAX_RETRIES", 2),
		retryDelay:  parseDurationEnv("SARK_RETRY_DELAY", 250*time.Millisecond),
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
		}
	}
	c.streamClient = &http.Client{
		Transport:     c.httpClient.Transport,
		CheckRedirect: c.httpClient.CheckRedirect,
		Jar:           c.httpClient.Jar,
	}

	return c
}

// Invoke executes one governed capability call and returns the
// outcome. Upstream failures return an InvokeResult with Success
// false; governance rejections return typed errors: *DeniedError,
// *MFARequiredError, *RateLimitError. When the gateway cannot be
// reached after the retry budget, it returns *UnreachableError.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	var result InvokeResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/invoke", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// InvokeStream executes a streaming invocation and relays the frames.
// Governance rejections surface as typed errors before any frame is
// delivered. The returned channel closes when the stream ends; the
// stream is never resumed, since reconnecting would re-invoke the
// capability.
func (c *Client) InvokeStream(ctx context.Context, req InvokeRequest) (<-chan StreamMessage, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	resp, err := c.openStream(ctx, http.MethodPost, "/api/v1/invoke/stream", payload, "")
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamMessage, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		_ = readSSE(resp.Body, func(f sseFrame) bool {
			var msg StreamMessage
			switch f.event {
			case "message":
				msg.Data = json.RawMessage(f.data)
			case "error":
				var body struct {
					Error string `json:"error"`
				}
				if err := json.Unmarshal(f.data, &body); err != nil || body.Error == "" {
					msg.Err = errors.New(string(f.data))
				} else {
					msg.Err = errors.New(body.Error)
				}
			default:
				return true
			}

			select {
			case ch <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch, nil
}

// ListResources returns the registered upstream resources.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	var out struct {
		Resources []Resource `json:"resources"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/resources", nil, &out); err != nil {
		return nil, err
	}
	return out.Resources, nil
}

// ListCapabilities returns the invocable capabilities, optionally
// filtered to one resource. An empty resourceID lists everything.
func (c *Client) ListCapabilities(ctx context.Context, resourceID string) ([]Capability, error) {
	path := "/api/v1/capabilities"
	if resourceID != "" {
		path += "?resource_id=" + url.QueryEscape(resourceID)
	}

	var out struct {
		Capabilities []Capability `json:"capabilities"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Capabilities, nil
}

// VerifyChallenge submits the code for a pending MFA challenge. On
// success the challenge is satisfied and the denied invocation can be
// repeated. A false return without error means the code was wrong and
// the challenge has attempts remaining.
func (c *Client) VerifyChallenge(ctx context.Context, challengeID, code string) (bool, error) {
	body := struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code,omitempty"`
	}{ChallengeID: challengeID, Code: code}

	var out struct {
		Verified bool `json:"verified"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/mfa/verify", body, &out); err != nil {
		return false, err
	}
	return out.Verified, nil
}

// Events subscribes to the gateway audit event stream. The returned
// channel delivers events until ctx is cancelled or the stream fails
// past the retry budget; it is closed on exit. Dropped connections
// resume from the last delivered frame via Last-Event-ID, so short
// outages lose nothing while the gateway's replay buffer covers them.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	resp, err := c.openStream(ctx, http.MethodGet, "/api/v1/events", nil, "")
	if err != nil {
		return nil, err
	}

	ch := make(chan Event, 16)
	go c.relayEvents(ctx, resp, ch)
	return ch, nil
}

// relayEvents pumps parsed audit frames into ch, reconnecting with the
// last seen frame id when the stream drops.
func (c *Client) relayEvents(ctx context.Context, resp *http.Response, ch chan<- Event) {
	defer close(ch)

	lastEventID := ""
	for {
		err := readSSE(resp.Body, func(f sseFrame) bool {
			if f.id != "" {
				lastEventID = f.id
			}
			if f.event != "audit" {
				return true
			}

			var event Event
			if err := json.Unmarshal(f.data, &event); err != nil {
				c.logger.Warn("audit event decode failed", "error", err)
				return true
			}

			select {
			case ch <- event:
				return true
			case <-ctx.Done():
				return false
			}
		})
		resp.Body.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("event stream interrupted", "error", err)
		}

		next, err := c.openStream(ctx, http.MethodGet, "/api/v1/events", nil, lastEventID)
		if err != nil {
			c.logger.Warn("event stream resume failed",
				"last_event_id", lastEventID,
				"error", err,
			)
			return
		}
		resp = next
	}
}

// do performs a request with transport-level retry and decodes the
// response into result. Responses from the gateway, including error
// responses, are final; only attempts where no response arrived are
// redelivered.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}
		lastErr = err

		var te *transportError
		if !errors.As(err, &te) || attempt >= c.maxRetries {
			break
		}

		delay := c.retryDelay << attempt
		c.logger.Warn("request delivery failed, retrying",
			"path", path,
			"attempt", attempt+1,
			"delay", delay,
			"error", te.err,
		)
		select {
		case <-ctx.Done():
			return &UnreachableError{Cause: te.err}
		case <-time.After(delay):
		}
	}

	var te *transportError
	if errors.As(lastErr, &te) {
		return &UnreachableError{Cause: te.err}
	}
	return lastErr
}

// doOnce performs a single HTTP request against the gateway.
func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, result any) error {
	httpReq, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &transportError{err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		// The response began, so the gateway acted; not safe to redeliver.
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return decodeAPIError(httpResp, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}
	return nil
}

// openStream establishes an SSE response with the same retry rules as
// do. The caller owns resp.Body on success.
func (c *Client) openStream(ctx context.Context, method, path string, payload []byte, lastEventID string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		httpReq, err := c.newRequest(ctx, method, path, payload)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")
		if lastEventID != "" {
			httpReq.Header.Set("Last-Event-ID", lastEventID)
		}

		httpResp, err := c.streamClient.Do(httpReq)
		if err != nil {
			lastErr = err
			if attempt >= c.maxRetries {
				break
			}
			delay := c.retryDelay << attempt
			select {
			case <-ctx.Done():
				return nil, &UnreachableError{Cause: err}
			case <-time.After(delay):
			}
			continue
		}

		if httpResp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<16))
			httpResp.Body.Close()
			return nil, decodeAPIError(httpResp, respBody)
		}
		return httpResp, nil
	}
	return nil, &UnreachableError{Cause: lastErr}
}

// newRequest builds an authenticated request against the gateway.
func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	reqURL := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.bearerToken)
	} else if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	return httpReq, nil
}

// transportError marks failures where no gateway response arrived,
// making the attempt safe to redeliver.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// decodeAPIError maps the gateway's JSON error envelope onto the SDK's
// typed errors. Envelopes that do not parse fall back to a bare
// APIError carrying the raw body.
func decodeAPIError(resp *http.Response, body []byte) error {
	requestID := resp.Header.Get("X-Request-ID")

	var envelope struct {
		Error             string `json:"error"`
		Message           string `json:"message"`
		ChallengeID       string `json:"challenge_id"`
		Method            string `json:"method"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == "" {
		return &APIError{
			Status:    resp.StatusCode,
			Code:      fmt.Sprintf("http_%d", resp.StatusCode),
			Message:   strings.TrimSpace(string(body)),
			RequestID: requestID,
		}
	}

	switch envelope.Error {
	case "mfa_required":
		return &MFARequiredError{
			ChallengeID: envelope.ChallengeID,
			Method:      envelope.Method,
			RequestID:   requestID,
		}
	case "rate_limited", "budget_exceeded":
		retryAfter := time.Duration(envelope.RetryAfterSeconds) * time.Second
		if retryAfter <= 0 {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{
			RetryAfter: retryAfter,
			Budget:     envelope.Error == "budget_exceeded",
			RequestID:  requestID,
		}
	case "authorization_denied", "injection_blocked", "mfa_failed":
		return &DeniedError{
			Code:      envelope.Error,
			Reason:    envelope.Message,
			RequestID: requestID,
		}
	default:
		return &APIError{
			Status:    resp.StatusCode,
			Code:      envelope.Error,
			Message:   envelope.Message,
			RequestID: requestID,
		}
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id    string
	event string
	data  []byte
}

// readSSE parses frames from r and invokes fn for each complete frame,
// stopping early when fn returns false. Comment lines (keepalives) are
// skipped. A clean end of stream returns nil.
func readSSE(r io.Reader, fn func(sseFrame) bool) error {
	br := bufio.NewReader(r)
	var frame sseFrame
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if frame.event != "" || len(frame.data) > 0 {
				if !fn(frame) {
					return nil
				}
			}
			frame = sseFrame{}
		case strings.HasPrefix(line, ":"):
			// Keepalive comment.
		case strings.HasPrefix(line, "id:"):
			frame.id = strings.TrimSpace(line[len("id:"):])
		case strings.HasPrefix(line, "event:"):
			frame.event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			if len(frame.data) > 0 {
				frame.data = append(frame.data, '\n')
			}
			frame.data = append(frame.data, strings.TrimSpace(line[len("data:"):])...)
		}
	}
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Try parsing as seconds (integer).
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	// Try parsing as duration string.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
