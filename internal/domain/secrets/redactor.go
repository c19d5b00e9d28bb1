package secrets

import (
	"sort"
	"strings"
)

// Placeholder replaces redacted secret values.
const Placeholder = "[REDACTED]"

// Redact returns a copy of data with every redact-eligible finding's full
// match replaced by the placeholder. Structure is preserved exactly: map
// keys, slice ordering, non-string values and unaffected strings come back
// untouched. Passing nil findings runs a fresh scan first.
//
// Redaction is idempotent: the placeholder never matches the catalog, so
// redacting twice yields the same result.
func (s *Scanner) Redact(data interface{}, findings []Finding) interface{} {
	if findings == nil {
		findings = s.Scan(data).Findings
	}

	secrets := redactableValues(findings)
	if len(secrets) == 0 {
		return data
	}

	return transformStrings(data, func(v string) string {
		for _, secret := range secrets {
			if strings.Contains(v, secret) {
				v = strings.ReplaceAll(v, secret, Placeholder)
			}
		}
		return v
	})
}

// ScanAndRedact is the emission path: one scan, then redaction with the
// findings it produced. The findings are returned for audit detail.
func (s *Scanner) ScanAndRedact(data interface{}) (interface{}, []Finding) {
	report := s.Scan(data)
	return s.Redact(data, report.Findings), report.Findings
}

// redactableValues collects distinct full matches of redact-eligible
// findings, longest first so an enclosing match wins over a nested one.
func redactableValues(findings []Finding) []string {
	seen := make(map[string]bool)
	var values []string
	for _, f := range findings {
		if !f.Redact || f.fullMatch == "" || seen[f.fullMatch] {
			continue
		}
		seen[f.fullMatch] = true
		values = append(values, f.fullMatch)
	}
	sort.SliceStable(values, func(i, j int) bool {
		return len(values[i]) > len(values[j])
	})
	return values
}

// transformStrings deep-copies a JSON-compatible value, applying fn to
// every string. Unchanged subtrees are still fresh copies so callers can
// hand the result out without aliasing the adapter's payload.
func transformStrings(v interface{}, fn func(string) string) interface{} {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = transformStrings(item, fn)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = transformStrings(item, fn)
		}
		return out
	default:
		return val
	}
}
