package cel

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule effects.
const (
	// EffectAllow admits the request.
	EffectAllow = "allow"
	// EffectDeny rejects the request.
	EffectDeny = "deny"
	// EffectChallenge admits the request but leaves the MFA check
	// unsatisfied until the session has passed a challenge.
	EffectChallenge = "challenge"
)

// Rule kinds. A deny rule's kind records which advanced check it
// implements so the decision can report that sub-result.
const (
	KindAccess     = "access"
	KindTimeWindow = "time_window"
	KindIPFilter   = "ip_filter"
)

// Bundle is one YAML rule file: a named set of governance rules.
type Bundle struct {
	// Name is the unique identifier for this bundle. It doubles as the
	// policy name in the change log.
	Name string `yaml:"name"`

	// Description explains what the bundle governs.
	Description string `yaml:"description,omitempty"`

	// TTL is the cache lifetime for decisions produced by this bundle,
	// as a duration string ("60s"). Empty means the engine default.
	TTL string `yaml:"ttl,omitempty"`

	// Rules are evaluated across all mounted bundles in priority order
	// (highest first); the first match wins.
	Rules []Rule `yaml:"rules"`
}

// Rule is a single governance rule.
type Rule struct {
	// Name is a human-readable identifier, reported as the violation on
	// a deny.
	Name string `yaml:"name"`

	// Priority orders rules across bundles; higher evaluates first.
	Priority int `yaml:"priority"`

	// Match is a glob over the capability name. Empty or "*" matches
	// every request, including ones with no capability.
	Match string `yaml:"match,omitempty"`

	// Kind classifies deny rules: access (default), time_window, or
	// ip_filter.
	Kind string `yaml:"kind,omitempty"`

	// When is a CEL condition over the authorization input. Empty
	// defaults to "true".
	When string `yaml:"when,omitempty"`

	// Effect is what happens when the rule matches: allow, deny, or
	// challenge.
	Effect string `yaml:"effect"`

	// Reason is reported with the decision. Empty falls back to
	// "matched rule <name>".
	Reason string `yaml:"reason,omitempty"`
}

func (b *Bundle) validate() error {
	if b.Name == "" {
		return errors.New("bundle name is required")
	}
	if len(b.Rules) == 0 {
		return fmt.Errorf("bundle %q has no rules", b.Name)
	}
	for i := range b.Rules {
		r := &b.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("bundle %q: rule %d: name is required", b.Name, i)
		}
		switch r.Effect {
		case EffectAllow, EffectDeny, EffectChallenge:
		default:
			return fmt.Errorf("bundle %q: rule %q: unknown effect %q", b.Name, r.Name, r.Effect)
		}
		switch r.Kind {
		case "", KindAccess, KindTimeWindow, KindIPFilter:
		default:
			return fmt.Errorf("bundle %q: rule %q: unknown kind %q", b.Name, r.Name, r.Kind)
		}
	}
	if b.TTL != "" {
		if _, err := time.ParseDuration(b.TTL); err != nil {
			return fmt.Errorf("bundle %q: invalid ttl %q: %w", b.Name, b.TTL, err)
		}
	}
	return nil
}

// decisionTTL returns the parsed TTL, or zero for the engine default.
func (b *Bundle) decisionTTL() time.Duration {
	if b.TTL == "" {
		return 0
	}
	d, _ := time.ParseDuration(b.TTL)
	return d
}

// contentHash returns the hex SHA-256 of s, matching how the policy
// change log hashes content.
func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// loadBundleFile reads and validates one bundle file, returning the
// bundle, the hex SHA-256 of its raw content, and the content itself.
func loadBundleFile(path string) (*Bundle, string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", "", fmt.Errorf("read bundle: %w", err)
	}

	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, "", "", fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := b.validate(); err != nil {
		return nil, "", "", fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return &b, contentHash(string(raw)), string(raw), nil
}

// listBundleFiles returns the bundle files in dir, sorted by name.
func listBundleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read bundle directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !isBundleFile(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func isBundleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// defaultBundleYAML is written to an empty bundle directory on first boot
// so the gateway has governance rules to evaluate immediately.
const defaultBundleYAML = `# Default governance bundle, seeded on first start.
# Edit freely, or add more bundle files next to it. The gateway picks
# changes up on restart, or live when development-mode watching is on.
name: default
description: Baseline governance for capability invocations.
ttl: 60s
rules:
  - name: deny-critical-without-admin
    priority: 200
    match: "*"
    when: 'tool.sensitivity_level == "critical" && user.role != "admin"'
    effect: deny
    reason: Insufficient permissions
  - name: challenge-high-sensitivity
    priority: 100
    match: "*"
    when: 'tool.sensitivity_level in ["high", "critical"]'
    effect: challenge
    reason: Step-up verification required for sensitive capabilities
  - name: allow-by-default
    priority: 0
    match: "*"
    when: "true"
    effect: allow
    reason: no restricting rule matched
`

// seedDefaultBundle writes the default bundle into dir.
func seedDefaultBundle(dir string) error {
	return os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(defaultBundleYAML), 0o644)
}
