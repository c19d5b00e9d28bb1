package secrets

import (
	"regexp"
	"strings"
)

// RedactConfidence is the confidence at or above which a finding is
// eligible for redaction.
const RedactConfidence = 0.7

// secretPattern is one catalog entry. prefilter holds lowercase keywords;
// when non-empty, the regex only runs if one of them appears in the chunk.
type secretPattern struct {
	kind       string
	confidence float64
	prefilter  []string
	re         *regexp.Regexp
}

// newPattern compiles one catalog entry.
func newPattern(kind string, confidence float64, pattern string, prefilter ...string) secretPattern {
	return secretPattern{
		kind:       kind,
		confidence: confidence,
		prefilter:  prefilter,
		re:         regexp.MustCompile(pattern),
	}
}

// defaultPatterns returns the built-in catalog in priority order. Provider
// formats with unambiguous prefixes rank highest; the generic base64 run
// sits last and below the redaction threshold.
func defaultPatterns() []secretPattern {
	return []secretPattern{
		newPattern("private_key_pem", 1.0,
			`(?s)-----BEGIN (?:[A-Z]+ )*PRIVATE KEY(?: BLOCK)?-----(?:.{0,1000}?-----END (?:[A-Z]+ )*PRIVATE KEY(?: BLOCK)?-----)?`,
			"-----begin"),
		newPattern("aws_access_key_id", 0.95,
			`\b(?:AKIA|ASIA|ABIA|ACCA)[0-9A-Z]{16}\b`,
			"akia", "asia", "abia", "acca"),
		newPattern("aws_secret_access_key", 0.85,
			`(?i)\baws[_\- ]?secret[_\- ]?(?:access[_\- ]?)?key\b.{0,5}?[=:]\s*["']?([A-Za-z0-9/+=]{40})`,
			"aws"),
		newPattern("github_token", 0.95,
			`\bgh[opsur]_[A-Za-z0-9]{36,}`,
			"ghp_", "gho_", "ghs_", "ghu_", "ghr_"),
		newPattern("anthropic_api_key", 0.95,
			`\bsk-ant-[A-Za-z0-9_\-]{20,}`,
			"sk-ant-"),
		newPattern("openai_api_key", 0.9,
			`\bsk-[A-Za-z0-9]{20,}\b`,
			"sk-"),
		newPattern("google_api_key", 0.95,
			`\bAIza[0-9A-Za-z_\-]{35}`,
			"aiza"),
		newPattern("slack_token", 0.9,
			`\bxox[abprs]-[0-9A-Za-z\-]{10,}`,
			"xox"),
		newPattern("stripe_key", 0.95,
			`\b[sr]k_live_[0-9A-Za-z]{24,}`,
			"k_live_"),
		newPattern("jwt", 0.85,
			`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{5,}`,
			"eyj"),
		newPattern("database_uri", 0.9,
			`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp|mssql)://[^\s'"@/]+:[^\s'"@]+@[^\s'"]+`,
			"://"),
		newPattern("azure_storage_key", 0.9,
			`(?i)AccountKey=[A-Za-z0-9+/]{40,}={0,2}`,
			"accountkey"),
		newPattern("keyed_secret", 0.7,
			`(?i)(?:\b|_)(?:password|passwd|pwd|secret|api[_\-]?key|access[_\-]?token|auth[_\-]?token|private[_\-]?key)\b\s*[:=]\s*["']?([^\s"']{8,})`,
			"password", "passwd", "pwd", "secret", "api", "token", "private"),
		newPattern("generic_base64", 0.5,
			`\b[A-Za-z0-9+/]{48,}={0,2}`),
	}
}

// falsePositivePatterns discard candidates that are clearly placeholders,
// local endpoints or already-redacted values.
var falsePositivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)localhost`),
	regexp.MustCompile(`127\.0\.0\.1`),
	regexp.MustCompile(`0\.0\.0\.0`),
	regexp.MustCompile(`(?i)\bexample\.(?:com|org|net)\b`),
	regexp.MustCompile(`(?i)(?:^|[^a-z])(?:test|testing|dummy|placeholder|sample|fake|invalid|changeme)(?:[^a-z]|$)`),
	regexp.MustCompile(`(?i)your[_\-]?(?:api[_\-]?)?key`),
	regexp.MustCompile(`(?i)x{8,}`),
	regexp.MustCompile(`\[REDACTED\]`),
}

// isFalsePositive reports whether a candidate match is a known placeholder.
func isFalsePositive(candidate string) bool {
	for _, re := range falsePositivePatterns {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

// prefilterHit reports whether any keyword appears in the lowercased chunk.
func prefilterHit(lowered string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}
