// Package secrets scans response payloads for leaked credentials and
// redacts them before anything is emitted to a principal. Scanning is
// pattern-driven with a false-positive filter; large strings are chunked
// to bound regex latency on adversarial payloads.
package secrets

import (
	"strings"
	"time"

	"github.com/sark-labs/sark/internal/domain/walk"
)

// Scanning limits.
const (
	// DefaultMinStringLength skips short strings that cannot hold a secret.
	DefaultMinStringLength = 16
	// MaxStringLength truncates pathological strings before scanning.
	MaxStringLength = 1 << 20
	// ChunkSize splits long strings into scan windows.
	ChunkSize = 10 * 1024
	// ChunkOverlap carries context across chunk boundaries so secrets
	// straddling a boundary are still seen whole.
	ChunkOverlap = 200

	// displayPrefix is how much of a matched secret is shown in findings.
	displayPrefix = 10
)

// Finding is a single detected secret. The full matched value stays
// unexported and never serializes; only the truncated display form leaves
// the package boundary.
type Finding struct {
	// Kind labels the catalog entry that matched (e.g. "github_token").
	Kind string `json:"kind"`
	// Path locates the string in the scanned structure.
	Path string `json:"path"`
	// Display is the matched value truncated to a 10-char prefix.
	Display string `json:"matched_value"`
	// Confidence is the catalog entry's confidence in [0,1].
	Confidence float64 `json:"confidence"`
	// Redact marks findings at or above the redaction confidence.
	Redact bool `json:"should_redact"`

	fullMatch string
}

// FullMatch exposes the complete matched value to callers inside the
// trust boundary that need it, such as alert deduplication.
func (f Finding) FullMatch() string {
	return f.fullMatch
}

// ScanReport is the outcome of one scan pass.
type ScanReport struct {
	Findings []Finding
	Duration time.Duration
}

// Scanner detects secrets in nested payloads. Construct once and share;
// it is safe for concurrent use.
type Scanner struct {
	patterns  []secretPattern
	minStrLen int
	maxDepth  int
}

// ScannerOption adjusts scanner construction.
type ScannerOption func(*Scanner)

// WithMinStringLength sets the minimum string length considered.
func WithMinStringLength(n int) ScannerOption {
	return func(s *Scanner) {
		if n > 0 {
			s.minStrLen = n
		}
	}
}

// WithScanDepth caps traversal of nested payloads.
func WithScanDepth(depth int) ScannerOption {
	return func(s *Scanner) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// NewScanner creates a Scanner with the built-in pattern catalog.
func NewScanner(opts ...ScannerOption) *Scanner {
	s := &Scanner{
		patterns:  defaultPatterns(),
		minStrLen: DefaultMinStringLength,
		maxDepth:  walk.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks every string in data and returns the secrets found. Strings
// shorter than the minimum length are skipped; strings over MaxStringLength
// are truncated; strings over ChunkSize are scanned in overlapping windows
// with duplicate matches collapsed. Values sitting under a sensitive key
// (password, token, api_key and friends) are flagged whole even when no
// value pattern fires.
func (s *Scanner) Scan(data interface{}) ScanReport {
	start := time.Now()

	var findings []Finding
	walk.Each(data, s.maxDepth, func(path, value string) bool {
		if len(value) < s.minStrLen {
			return true
		}
		if len(value) > MaxStringLength {
			value = value[:MaxStringLength]
		}
		found := s.scanString(path, value)
		findings = append(findings, found...)
		if len(found) == 0 {
			if f, ok := s.keyedFieldFinding(path, value); ok {
				findings = append(findings, f)
			}
		}
		return true
	})

	return ScanReport{Findings: findings, Duration: time.Since(start)}
}

// sensitiveKeySuffixes mark map keys whose string values are treated as
// secrets wholesale.
var sensitiveKeySuffixes = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"access_key", "private_key", "credential", "credentials",
}

// keyedFieldFinding flags a value stored under a secret-suggesting key.
func (s *Scanner) keyedFieldFinding(path, value string) (Finding, bool) {
	key := strings.ToLower(lastPathSegment(path))
	if key == "" {
		return Finding{}, false
	}
	match := false
	for _, suffix := range sensitiveKeySuffixes {
		if strings.HasSuffix(key, suffix) {
			match = true
			break
		}
	}
	if !match || isFalsePositive(value) {
		return Finding{}, false
	}
	return Finding{
		Kind:       "keyed_field",
		Path:       path,
		Display:    displayValue(value),
		Confidence: 0.75,
		Redact:     true,
		fullMatch:  value,
	}, true
}

// lastPathSegment returns the final map key of a dotted path, with any
// trailing array index stripped.
func lastPathSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.Index(path, "["); i >= 0 {
		path = path[:i]
	}
	return path
}

// scanString scans one string, chunking when it exceeds the window size.
// Findings are deduplicated by full-match value within the string.
func (s *Scanner) scanString(path, value string) []Finding {
	if len(value) <= ChunkSize {
		return s.scanChunk(path, value, nil)
	}

	seen := make(map[string]bool)
	var findings []Finding
	step := ChunkSize - ChunkOverlap
	for off := 0; off < len(value); off += step {
		end := min(off+ChunkSize, len(value))
		findings = append(findings, s.scanChunk(path, value[off:end], seen)...)
		if end == len(value) {
			break
		}
	}
	return findings
}

// scanChunk runs the catalog over one window. seen may be nil when the
// caller scans a single unchunked string.
func (s *Scanner) scanChunk(path, chunk string, seen map[string]bool) []Finding {
	lowered := strings.ToLower(chunk)

	var findings []Finding
	for _, p := range s.patterns {
		if !prefilterHit(lowered, p.prefilter) {
			continue
		}
		for _, match := range p.re.FindAllString(chunk, -1) {
			if isFalsePositive(match) {
				continue
			}
			if seen != nil {
				key := p.kind + "\x00" + match
				if seen[key] {
					continue
				}
				seen[key] = true
			}
			findings = append(findings, Finding{
				Kind:       p.kind,
				Path:       path,
				Display:    displayValue(match),
				Confidence: p.confidence,
				Redact:     p.confidence >= RedactConfidence,
				fullMatch:  match,
			})
		}
	}
	return findings
}

// displayValue truncates a matched secret to a short prefix for reporting.
func displayValue(match string) string {
	if len(match) <= displayPrefix {
		return match
	}
	return match[:displayPrefix] + "…"
}
