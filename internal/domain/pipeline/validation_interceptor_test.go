package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sark-labs/sark/internal/domain/validation"
)

func TestValidationInterceptor_NoSchemaPassesThrough(t *testing.T) {
	next := &mockNextInterceptor{}
	interceptor := NewValidationInterceptor(validation.NewSchemaValidator(), next, testLogger())

	req := newTestRequest()
	req.Capability.InputSchema = nil

	_, err := interceptor.Intercept(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.called {
		t.Error("expected next interceptor to be called")
	}
}

func TestValidationInterceptor_ValidArgumentsPass(t *testing.T) {
	next := &mockNextInterceptor{}
	interceptor := NewValidationInterceptor(validation.NewSchemaValidator(), next, testLogger())

	req := newTestRequest()
	req.Capability.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)

	_, err := interceptor.Intercept(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.called {
		t.Error("expected next interceptor to be called")
	}
}

func TestValidationInterceptor_RejectsSchemaMismatch(t *testing.T) {
	next := &mockNextInterceptor{}
	interceptor := NewValidationInterceptor(validation.NewSchemaValidator(), next, testLogger())

	req := newTestRequest()
	req.Capability.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query", "limit"]
	}`)

	_, err := interceptor.Intercept(context.Background(), req)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure, got: %v", err)
	}
	if next.called {
		t.Error("expected request to be rejected before next stage")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatal("expected *ValidationError")
	}
	if verr.CapabilityID != "cap-1" {
		t.Errorf("expected capability cap-1, got %s", verr.CapabilityID)
	}
	if len(verr.Issues) == 0 {
		t.Error("expected at least one issue")
	}
}

func TestValidationInterceptor_WrongTypeRejected(t *testing.T) {
	next := &mockNextInterceptor{}
	interceptor := NewValidationInterceptor(validation.NewSchemaValidator(), next, testLogger())

	req := newTestRequest()
	req.Capability.InputSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "integer"}}
	}`)

	_, err := interceptor.Intercept(context.Background(), req)
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("expected validation failure for wrong type, got: %v", err)
	}
}

func TestValidationInterceptor_UndecodableSchemaSkipsValidation(t *testing.T) {
	next := &mockNextInterceptor{}
	interceptor := NewValidationInterceptor(validation.NewSchemaValidator(), next, testLogger())

	req := newTestRequest()
	req.Capability.InputSchema = json.RawMessage(`{not json`)

	// A broken registry schema must not take the capability offline.
	_, err := interceptor.Intercept(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.called {
		t.Error("expected next interceptor to be called despite broken schema")
	}
}

func TestValidationInterceptor_NilCapabilityPassesThrough(t *testing.T) {
	next := &mockNextInterceptor{}
	interceptor := NewValidationInterceptor(validation.NewSchemaValidator(), next, testLogger())

	req := newTestRequest()
	req.Capability = nil

	_, err := interceptor.Intercept(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !next.called {
		t.Error("expected next interceptor to be called")
	}
}
