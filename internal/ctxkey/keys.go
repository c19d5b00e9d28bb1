// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id fields.
type LoggerKey struct{}

// RequestIDKey is the context key type for the per-request correlation id.
// Set by inbound transports; carried into audit events and error responses.
type RequestIDKey struct{}

// ClientIPKey is the context key type for the remote client address.
// Set by inbound transports; consumed by authorization input assembly.
type ClientIPKey struct{}

// SessionIDKey is the context key type for the caller-supplied session id.
// Optional; recorded on decision-log rows when present.
type SessionIDKey struct{}

// PrincipalKey is the context key type for the authenticated principal.
// Set by gateway authentication; consumed by the decision pipeline.
type PrincipalKey struct{}
