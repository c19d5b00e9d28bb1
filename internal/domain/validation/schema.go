package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator compiles capability input schemas once and validates
// invocation arguments against them. Compiled schemas are cached by
// capability id; a schema change invalidates the cached entry.
//
// Safe for concurrent use.
type SchemaValidator struct {
	mu       sync.RWMutex
	compiled map[string]*compiledSchema
}

type compiledSchema struct {
	hash   uint64
	schema *jsonschema.Schema
}

// NewSchemaValidator creates an empty SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		compiled: make(map[string]*compiledSchema),
	}
}

// ValidateArgs checks args against the capability's input schema.
// A capability without a schema accepts any arguments. Returns a
// *ValidationError with ErrCodeInvalidParams on mismatch, and a plain
// error when the schema itself does not compile.
func (v *SchemaValidator) ValidateArgs(capabilityID string, schema map[string]interface{}, args map[string]interface{}) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.schemaFor(capabilityID, schema)
	if err != nil {
		return err
	}

	// jsonschema validates interface{} trees as decoded by encoding/json;
	// a nil argument map is an empty object.
	var doc interface{} = map[string]interface{}{}
	if args != nil {
		doc = normalizeJSON(args)
	}

	if err := compiled.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if ok := asValidationError(err, &verr); ok {
			return NewValidationError(ErrCodeInvalidParams, summarizeSchemaError(verr))
		}
		return NewValidationError(ErrCodeInvalidParams, "arguments do not match capability schema")
	}
	return nil
}

// Invalidate drops the cached schema for a capability. Called when a
// capability is deregistered.
func (v *SchemaValidator) Invalidate(capabilityID string) {
	v.mu.Lock()
	delete(v.compiled, capabilityID)
	v.mu.Unlock()
}

// schemaFor returns the compiled schema for the capability, compiling
// and caching it when missing or stale.
func (v *SchemaValidator) schemaFor(capabilityID string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal capability schema: %w", err)
	}
	hash := xxhash.Sum64(raw)

	v.mu.RLock()
	entry, ok := v.compiled[capabilityID]
	v.mu.RUnlock()
	if ok && entry.hash == hash {
		return entry.schema, nil
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://sark.schemas.local/capabilities/%s.schema.json", capabilityID)
	if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("load capability schema: %w", err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile capability schema: %w", err)
	}

	v.mu.Lock()
	v.compiled[capabilityID] = &compiledSchema{hash: hash, schema: sch}
	v.mu.Unlock()
	return sch, nil
}

// normalizeJSON round-trips a value through JSON so numeric types match
// what the schema library expects (float64 for all numbers). Arguments
// arriving from wire decoding are already normalized; this covers values
// built in-process.
func normalizeJSON(v map[string]interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// asValidationError unwraps err into a jsonschema.ValidationError.
func asValidationError(err error, target **jsonschema.ValidationError) bool {
	verr, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = verr
	}
	return ok
}

// summarizeSchemaError produces a short client-safe message from the
// deepest cause of a schema validation failure.
func summarizeSchemaError(verr *jsonschema.ValidationError) string {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", strings.ReplaceAll(loc, "/", "."), leaf.Message)
}
