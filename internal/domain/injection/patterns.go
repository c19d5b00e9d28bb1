package injection

import (
	"regexp"
)

// Severity ranks a single pattern hit.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// severityWeights feed the aggregate risk score. The score is capped
// at 100 after summing.
var severityWeights = map[Severity]int{
	SeverityHigh:   30,
	SeverityMedium: 15,
	SeverityLow:    5,
}

// Weight returns the risk contribution of one finding at this severity.
func (s Severity) Weight() int {
	return severityWeights[s]
}

// compiledPattern is one detection rule ready for matching.
type compiledPattern struct {
	name     string
	group    string
	severity Severity
	re       *regexp.Regexp
}

// rawPatterns is the built-in catalog. Patterns are case-insensitive and
// anchored on word boundaries where the keyword allows it, to keep false
// positives down on ordinary prose.
var rawPatterns = []struct {
	name     string
	group    string
	severity Severity
	pattern  string
}{
	{
		name:     "instruction_override",
		group:    "instruction_override",
		severity: SeverityHigh,
		pattern:  `(?i)\b(?:ignore|disregard|forget|skip)\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier|preceding)\s+(?:instructions?|prompts?|rules?|context|directives?)\b`,
	},
	{
		name:     "new_instruction_block",
		group:    "instruction_override",
		severity: SeverityHigh,
		pattern:  `(?i)\b(?:new|updated|revised)\s+(?:system\s+)?instructions?\s*:`,
	},
	{
		name:     "role_assumption",
		group:    "role_manipulation",
		severity: SeverityHigh,
		pattern:  `(?i)\b(?:act|pretend|behave|respond)\s+as\s+(?:an?\s+)?(?:admin(?:istrator)?|root|system|developer|unrestricted)\b`,
	},
	{
		name:     "role_hijack",
		group:    "role_manipulation",
		severity: SeverityHigh,
		pattern:  `(?i)\byou\s+are\s+(?:now|actually|really)\s+(?:a|an|my|the)\s+\w+`,
	},
	{
		name:     "remote_exfiltration",
		group:    "data_exfiltration",
		severity: SeverityHigh,
		pattern:  `(?i)\b(?:send|post|upload|forward|transmit|exfiltrate)\b[^.\n]{0,60}?\bto\s+(?:https?|ftp)://`,
	},
	{
		name:     "eval_call",
		group:    "code_execution",
		severity: SeverityHigh,
		pattern:  `(?i)\b(?:eval|exec)\s*\(`,
	},
	{
		name:     "shell_spawn",
		group:    "code_execution",
		severity: SeverityHigh,
		pattern:  `(?i)(?:\bsubprocess\b|\bos\.system\b|;\s*rm\s+-rf\b|\$\([^)]+\))`,
	},
	{
		name:     "credential_request",
		group:    "credential_request",
		severity: SeverityHigh,
		pattern:  `(?i)\b(?:give|show|tell|send|reveal|print)\s+(?:me\s+|us\s+)?(?:your|the|all)\s+(?:api[_\s-]?keys?|passwords?|secrets?|tokens?|credentials?|private\s+keys?)\b`,
	},
	{
		name:     "base64_blob",
		group:    "encoding_obfuscation",
		severity: SeverityMedium,
		pattern:  `\b[A-Za-z0-9+/]{40,}={0,2}`,
	},
	{
		name:     "hex_escape_run",
		group:    "encoding_obfuscation",
		severity: SeverityMedium,
		pattern:  `(?:\\x[0-9a-fA-F]{2}){8,}`,
	},
	{
		name:     "unicode_escape_run",
		group:    "encoding_obfuscation",
		severity: SeverityMedium,
		pattern:  `(?:\\u[0-9a-fA-F]{4}){4,}`,
	},
	{
		name:     "system_tag",
		group:    "delimiter_injection",
		severity: SeverityMedium,
		pattern:  `(?i)<\s*/?\s*(?:system|assistant|user|human|ai|instructions?)\s*>`,
	},
	{
		name:     "delimiter_escape",
		group:    "delimiter_injection",
		severity: SeverityMedium,
		pattern:  "(?i)(?:```|---)\\s*(?:system|instructions?|rules?)\\b",
	},
	{
		name:     "jailbreak_prefix",
		group:    "jailbreak",
		severity: SeverityMedium,
		pattern:  `(?i)\b(?:DAN\s+mode|do\s+anything\s+now|jailbreak|developer\s+mode\s+enabled|ignore\s+safety)\b`,
	},
	{
		name:     "sql_injection",
		group:    "jailbreak",
		severity: SeverityMedium,
		pattern:  `(?i)(?:'\s*(?:or|and)\s+['\w]+\s*=\s*['\w]+|union\s+(?:all\s+)?select\b|;\s*drop\s+table\b)`,
	},
	{
		name:     "path_traversal",
		group:    "jailbreak",
		severity: SeverityMedium,
		pattern:  `(?:\.\./){2,}|(?:\.\.\\){2,}`,
	},
	{
		name:     "reveal_system_prompt",
		group:    "probing",
		severity: SeverityLow,
		pattern:  `(?i)\b(?:reveal|show|print|display|repeat|output)\s+(?:your\s+|the\s+)?(?:system\s+|initial\s+|original\s+)?prompt\b`,
	},
	{
		name:     "repeat_context",
		group:    "probing",
		severity: SeverityLow,
		pattern:  `(?i)\brepeat\s+(?:everything|all\s+text|the\s+text|words?)\s+(?:above|before|preceding)\b`,
	},
}

// compilePatterns builds the catalog once at detector construction.
func compilePatterns() []compiledPattern {
	compiled := make([]compiledPattern, 0, len(rawPatterns))
	for _, p := range rawPatterns {
		compiled = append(compiled, compiledPattern{
			name:     p.name,
			group:    p.group,
			severity: p.severity,
			re:       regexp.MustCompile(p.pattern),
		})
	}
	return compiled
}
