package sark

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the gateway base address.
// If not set, defaults to the SARK_SERVER_ADDR environment variable,
// then "http://127.0.0.1:8080".
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithAPIKey sets the API key sent in the X-API-Key header.
// If not set, defaults to the SARK_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithBearerToken sets a JWT sent as Authorization: Bearer. When both
// a token and an API key are configured, the token wins.
// If not set, defaults to the SARK_TOKEN environment variable.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
	}
}

// WithTimeout sets the HTTP request timeout for non-streaming calls.
// If not set, defaults to the SARK_TIMEOUT environment variable or
// 35 seconds, slightly above the gateway's default invoke deadline so
// gateway timeouts surface as responses rather than client aborts.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxRetries sets how many times a request is redelivered after a
// transport failure. Responses from the gateway, including errors, are
// never retried. If not set, defaults to the SARK_MAX_RETRIES
// environment variable or 2.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the delay before the first redelivery; each
// subsequent attempt doubles it. If not set, defaults to the
// SARK_RETRY_DELAY environment variable or 250 milliseconds.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithHTTPClient sets a custom http.Client for making requests.
// This is useful for testing, proxying, or custom transport
// configurations. Streaming calls reuse its transport without the
// overall timeout, which would otherwise sever long streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger for retry and stream-resume warnings.
// If not set, defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}
