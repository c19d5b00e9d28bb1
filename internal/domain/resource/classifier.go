package resource

import (
	"strings"
)

// criticalKeywords mark credential and payment operations.
// Capabilities matching these always require the highest scrutiny.
var criticalKeywords = []string{
	"credential", "password", "secret", "token", "apikey", "api_key",
	"payment", "billing", "card", "bank", "wallet",
}

// highKeywords mark destructive operations and command execution.
var highKeywords = []string{
	"delete", "remove", "drop", "destroy", "execute", "exec",
	"shell", "command", "sudo", "admin", "truncate", "kill", "terminate",
}

// mediumKeywords mark write operations.
var mediumKeywords = []string{
	"write", "create", "update", "modify", "insert", "upload",
	"send", "post", "put", "deploy", "install",
}

// lowKeywords mark plain reads and listings.
var lowKeywords = []string{
	"read", "list", "get", "fetch", "search", "query",
	"describe", "status", "help", "version", "view",
}

// Classify determines the sensitivity of a capability from its name and
// description. Matching is case-insensitive substring matching.
//
// Priority order (highest to lowest):
//   - critical: credential and payment operations
//   - high: destructive operations and command execution
//   - medium: write operations
//   - low: plain reads and listings
//   - default: medium (unknown operations are not assumed safe)
//
// Limitations:
//   - Simple substring matching (e.g., "undelete" also matches "delete")
//   - Admin sensitivity overrides address edge cases
func Classify(name, description string) Sensitivity {
	text := strings.ToLower(name + " " + description)

	for _, kw := range criticalKeywords {
		if strings.Contains(text, kw) {
			return SensitivityCritical
		}
	}
	for _, kw := range highKeywords {
		if strings.Contains(text, kw) {
			return SensitivityHigh
		}
	}
	for _, kw := range mediumKeywords {
		if strings.Contains(text, kw) {
			return SensitivityMedium
		}
	}
	for _, kw := range lowKeywords {
		if strings.Contains(text, kw) {
			return SensitivityLow
		}
	}

	// Unknown operations default to medium rather than low.
	return SensitivityMedium
}

// ClassifyCapabilities returns a new slice with Sensitivity populated on each
// capability that does not already carry a level. The input slice is not modified.
func ClassifyCapabilities(caps []Capability) []Capability {
	result := make([]Capability, len(caps))
	for i, c := range caps {
		result[i] = c
		if !c.Sensitivity.IsValid() || c.Sensitivity == SensitivityNone {
			result[i].Sensitivity = Classify(c.Name, c.Description)
		}
	}
	return result
}
