// Package injection detects prompt-injection attempts in tool-call
// arguments before they reach an upstream resource. Detection combines a
// compiled pattern catalog, a normalization pass that undoes common
// unicode obfuscation, and a Shannon-entropy signal for smuggled payloads.
package injection

import (
	"math"
	"sort"
	"time"

	"github.com/sark-labs/sark/internal/domain/walk"
)

// Defaults for detector tuning knobs.
const (
	DefaultEntropyMinLength = 32
	DefaultEntropyThreshold = 4.5
	DefaultMaxDepth         = walk.DefaultMaxDepth

	// maxMatchedText bounds the stored match fragment.
	maxMatchedText = 100
)

// Finding is a single pattern hit in one argument string.
type Finding struct {
	// Pattern is the identifier of the matched pattern (e.g., "instruction_override").
	Pattern string `json:"pattern"`
	// Group names the catalog group the pattern belongs to.
	Group string `json:"group"`
	// Severity is the pattern's rank: low, medium or high.
	Severity Severity `json:"severity"`
	// Path locates the argument string, e.g. "config.notes" or "items[2]".
	Path string `json:"path"`
	// Matched is the matching text, truncated to 100 characters.
	Matched string `json:"matched"`
	// Position is the byte offset of the match in the scanned string.
	Position int `json:"position"`
	// Obfuscation lists techniques undone by normalization when the hit
	// only appeared after folding. Empty for raw-text hits.
	Obfuscation []string `json:"obfuscation,omitempty"`
}

// EntropyFinding flags a long high-entropy string that may carry an
// encoded payload.
type EntropyFinding struct {
	Path     string  `json:"path"`
	Entropy  float64 `json:"entropy"`
	Length   int     `json:"length"`
	Fragment string  `json:"fragment"`
}

// Result is the outcome of scanning one set of arguments.
type Result struct {
	// Detected is true if any pattern or entropy finding fired.
	Detected bool `json:"detected"`
	// RiskScore sums severity weights over all findings, capped at 100.
	RiskScore int `json:"risk_score"`
	// Findings holds pattern hits from both the raw and normalized passes.
	Findings []Finding `json:"findings,omitempty"`
	// EntropyFindings holds high-entropy string flags.
	EntropyFindings []EntropyFinding `json:"entropy_findings,omitempty"`
	// Duration is how long the scan took.
	Duration time.Duration `json:"-"`
}

// Detector scans argument trees for injection attempts. All patterns are
// compiled at construction time; a Detector is safe for concurrent use.
type Detector struct {
	patterns         []compiledPattern
	maxDepth         int
	entropyMinLen    int
	entropyThreshold float64
}

// Option adjusts detector construction.
type Option func(*Detector)

// WithMaxDepth caps traversal of nested argument structures.
func WithMaxDepth(depth int) Option {
	return func(d *Detector) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// WithEntropyMinLength sets the minimum string length considered for the
// entropy signal.
func WithEntropyMinLength(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.entropyMinLen = n
		}
	}
}

// WithEntropyThreshold sets the Shannon entropy above which a string is
// flagged.
func WithEntropyThreshold(bits float64) Option {
	return func(d *Detector) {
		if bits > 0 {
			d.entropyThreshold = bits
		}
	}
}

// NewDetector creates a Detector with the built-in pattern catalog
// compiled and ready.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		patterns:         compilePatterns(),
		maxDepth:         DefaultMaxDepth,
		entropyMinLen:    DefaultEntropyMinLength,
		entropyThreshold: DefaultEntropyThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ScanArguments walks every string in args and scans it twice: once raw,
// once after normalization. Normalized-pass hits carry the obfuscation
// techniques that were folded away. Empty arguments return a clean result
// with a zero score.
func (d *Detector) ScanArguments(args map[string]interface{}) Result {
	start := time.Now()

	if len(args) == 0 {
		return Result{Duration: time.Since(start)}
	}

	var (
		findings []Finding
		entropy  []EntropyFinding
	)
	walk.Each(args, d.maxDepth, func(path, value string) bool {
		if value == "" {
			return true
		}

		findings = append(findings, d.scanText(path, value, nil)...)

		normalized, techniques := Normalize(value)
		findings = append(findings, d.scanText(path, normalized, techniques)...)

		if ef, ok := d.entropyCheck(path, value); ok {
			entropy = append(entropy, ef)
		}
		return true
	})

	return Result{
		Detected:        len(findings) > 0 || len(entropy) > 0,
		RiskScore:       scoreFindings(findings, entropy),
		Findings:        findings,
		EntropyFindings: entropy,
		Duration:        time.Since(start),
	}
}

// ScanText scans a single string outside of an argument tree, for callers
// holding flat content such as a response body.
func (d *Detector) ScanText(content string) Result {
	start := time.Now()

	if content == "" {
		return Result{Duration: time.Since(start)}
	}

	findings := d.scanText("", content, nil)
	normalized, techniques := Normalize(content)
	findings = append(findings, d.scanText("", normalized, techniques)...)

	var entropy []EntropyFinding
	if ef, ok := d.entropyCheck("", content); ok {
		entropy = append(entropy, ef)
	}

	return Result{
		Detected:        len(findings) > 0 || len(entropy) > 0,
		RiskScore:       scoreFindings(findings, entropy),
		Findings:        findings,
		EntropyFindings: entropy,
		Duration:        time.Since(start),
	}
}

// scanText runs the full catalog against one string. The obfuscation list
// is attached to every finding, marking normalized-pass hits.
func (d *Detector) scanText(path, content string, obfuscation []string) []Finding {
	var findings []Finding
	for _, p := range d.patterns {
		matches := p.re.FindAllStringIndex(content, -1)
		for _, loc := range matches {
			matched := content[loc[0]:loc[1]]
			if len(matched) > maxMatchedText {
				matched = matched[:maxMatchedText]
			}
			findings = append(findings, Finding{
				Pattern:     p.name,
				Group:       p.group,
				Severity:    p.severity,
				Path:        path,
				Matched:     matched,
				Position:    loc[0],
				Obfuscation: obfuscation,
			})
		}
	}
	return findings
}

// entropyCheck flags long strings whose character distribution looks like
// an encoded payload rather than prose.
func (d *Detector) entropyCheck(path, value string) (EntropyFinding, bool) {
	if len(value) < d.entropyMinLen {
		return EntropyFinding{}, false
	}
	e := shannonEntropy(value)
	if e <= d.entropyThreshold {
		return EntropyFinding{}, false
	}
	fragment := value
	if len(fragment) > maxMatchedText {
		fragment = fragment[:maxMatchedText]
	}
	return EntropyFinding{
		Path:     path,
		Entropy:  e,
		Length:   len(value),
		Fragment: fragment,
	}, true
}

// scoreFindings sums severity weights, counting entropy flags at medium,
// and caps the total at 100.
func scoreFindings(findings []Finding, entropy []EntropyFinding) int {
	score := 0
	for _, f := range findings {
		score += f.Severity.Weight()
	}
	score += len(entropy) * SeverityMedium.Weight()
	if score > 100 {
		score = 100
	}
	return score
}

// shannonEntropy computes the Shannon entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	entropy := 0.0
	for _, count := range counts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// TopFindings returns up to n findings ordered by severity weight, then
// by catalog order. Used when summarizing a result for audit details.
func (r Result) TopFindings(n int) []Finding {
	if len(r.Findings) <= n {
		sorted := make([]Finding, len(r.Findings))
		copy(sorted, r.Findings)
		sortFindings(sorted)
		return sorted
	}
	sorted := make([]Finding, len(r.Findings))
	copy(sorted, r.Findings)
	sortFindings(sorted)
	return sorted[:n]
}

// TopEntropy returns up to n entropy findings ordered by entropy descending.
func (r Result) TopEntropy(n int) []EntropyFinding {
	sorted := make([]EntropyFinding, len(r.EntropyFindings))
	copy(sorted, r.EntropyFindings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Entropy > sorted[j].Entropy
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].Severity.Weight() > findings[j].Severity.Weight()
	})
}
