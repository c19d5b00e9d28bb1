package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies adapter failures. Kinds are stable strings shared by
// all adapters; they are the only error identity that crosses the adapter
// boundary (no stack traces, no adapter-internal types).
type ErrorKind string

const (
	// ErrKindDiscovery covers resource discovery failures.
	ErrKindDiscovery ErrorKind = "discovery"
	// ErrKindConnection covers transport connect/reconnect failures.
	ErrKindConnection ErrorKind = "connection"
	// ErrKindAuthentication covers upstream credential rejections.
	ErrKindAuthentication ErrorKind = "authentication"
	// ErrKindValidation covers schema or argument validation failures.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindUnsupported covers operations the variant cannot perform.
	ErrKindUnsupported ErrorKind = "unsupported"
	// ErrKindTimeout covers deadline expiries.
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindStreaming covers stream setup and mid-stream failures.
	ErrKindStreaming ErrorKind = "streaming"
	// ErrKindInvocation covers upstream execution failures.
	ErrKindInvocation ErrorKind = "invocation"
	// ErrKindConfiguration covers unusable adapter or resource configuration.
	ErrKindConfiguration ErrorKind = "configuration"
	// ErrKindProtocol covers wire-level violations.
	ErrKindProtocol ErrorKind = "protocol"
)

// AdapterError is the shared error type all adapters return.
// It carries the adapter name, the failure kind, optional resource and
// capability ids, and a free-form detail map.
type AdapterError struct {
	// Adapter is the protocol tag of the failing adapter.
	Adapter string
	// Kind classifies the failure.
	Kind ErrorKind
	// Message is the human-readable description.
	Message string
	// ResourceID identifies the affected resource, when known.
	ResourceID string
	// CapabilityID identifies the affected capability, when known.
	CapabilityID string
	// Details holds free-form diagnostic values.
	Details map[string]interface{}
	// Err is the wrapped cause, when any.
	Err error
}

// NewError creates an AdapterError with the given adapter, kind, and message.
func NewError(adapter string, kind ErrorKind, message string) *AdapterError {
	return &AdapterError{Adapter: adapter, Kind: kind, Message: message}
}

// Errorf creates an AdapterError with a formatted message.
func Errorf(adapter string, kind ErrorKind, format string, args ...interface{}) *AdapterError {
	return &AdapterError{Adapter: adapter, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause and returns the error for chaining.
func (e *AdapterError) Wrap(err error) *AdapterError {
	e.Err = err
	return e
}

// WithResource attaches the affected resource id and returns the error.
func (e *AdapterError) WithResource(id string) *AdapterError {
	e.ResourceID = id
	return e
}

// WithCapability attaches the affected capability id and returns the error.
func (e *AdapterError) WithCapability(id string) *AdapterError {
	e.CapabilityID = id
	return e
}

// WithDetail records one diagnostic value and returns the error.
func (e *AdapterError) WithDetail(key string, value interface{}) *AdapterError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s adapter: %s: %s: %v", e.Adapter, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s adapter: %s: %s", e.Adapter, e.Kind, e.Message)
}

// Unwrap returns the wrapped cause for errors.Is / errors.As traversal.
func (e *AdapterError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain.
// Returns "" when the chain contains no AdapterError.
func KindOf(err error) ErrorKind {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsKind reports whether the error chain contains an AdapterError of the kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
