// Package cel provides the bundled policy evaluator: governance rules
// written as CEL conditions, loaded from YAML bundles on disk.
package cel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/sark-labs/sark/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for rule conditions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit; it stops cost-exhaustion
// conditions before they can stall the decision path.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single condition evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// reloadDebounce coalesces bursts of file events into one reload.
const reloadDebounce = 250 * time.Millisecond

// Evaluator loads rule bundles from a directory, compiles their
// conditions once, and answers authorization queries by first-match-wins
// evaluation in priority order. It is the bundled implementation of
// policy.Evaluator; deployments can swap in an external engine without
// touching the decision layer.
//
// Reads are lock-free: the compiled rule set lives in an atomic.Value
// and Reload publishes a fresh snapshot.
type Evaluator struct {
	env       *cel.Env
	dir       string
	devMode   bool
	changeLog *policy.ChangeLog
	logger    *slog.Logger

	snapshot atomic.Value // stores *bundleSnapshot
	mu       sync.Mutex   // serializes Reload and the watcher lifecycle
	watcher  *fsnotify.Watcher
}

// compiledRule is a rule with its condition compiled, ready to evaluate.
type compiledRule struct {
	bundle   string
	name     string
	priority int
	match    string
	kind     string
	effect   string
	reason   string
	ttl      time.Duration
	prg      cel.Program
}

// bundleSnapshot is the immutable rule set published to readers.
type bundleSnapshot struct {
	rules   []compiledRule // sorted by priority descending
	bundles []BundleInfo   // sorted by name
}

// BundleInfo describes one loaded bundle for health and admin surfaces.
type BundleInfo struct {
	Name        string    `json:"name"`
	File        string    `json:"file"`
	ContentHash string    `json:"content_hash"`
	Rules       int       `json:"rules"`
	LoadedAt    time.Time `json:"loaded_at"`
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithDevelopmentMode enables bundle file watching via Watch.
func WithDevelopmentMode(enabled bool) Option {
	return func(e *Evaluator) {
		e.devMode = enabled
	}
}

// WithChangeLog records bundle creations and edits to the policy change
// log on every load.
func WithChangeLog(log *policy.ChangeLog) Option {
	return func(e *Evaluator) {
		e.changeLog = log
	}
}

// NewEvaluator creates an evaluator over the bundle directory. An empty
// directory is seeded with the default bundle so the gateway has rules
// to evaluate on first boot. The ctx parameter covers the initial load
// and can be cancelled to abort startup.
func NewEvaluator(ctx context.Context, dir string, logger *slog.Logger, opts ...Option) (*Evaluator, error) {
	env, err := NewPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}

	e := &Evaluator{env: env, dir: dir, logger: logger}
	for _, opt := range opts {
		opt(e)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle directory: %w", err)
	}

	files, err := listBundleFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		if err := seedDefaultBundle(dir); err != nil {
			return nil, fmt.Errorf("seed default bundle: %w", err)
		}
		logger.Info("seeded default policy bundle", "dir", dir)
	}

	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Compile parses and type-checks a rule condition, returning a compiled
// program. An empty condition compiles as "true".
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	if expression == "" {
		expression = "true"
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that a rule condition is syntactically valid
// and safe to evaluate. It performs compile-time validation and enforces
// safety limits (expression length, nesting depth).
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	_, err := e.Compile(expr)
	if err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}

	return nil
}

// ValidateBundle checks that raw YAML parses as a bundle whose every
// condition compiles. Called before persisting admin edits so invalid
// rules cannot poison the bundle directory.
func (e *Evaluator) ValidateBundle(raw []byte) error {
	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if err := b.validate(); err != nil {
		return err
	}
	for _, r := range b.Rules {
		if r.When == "" {
			continue // empty condition defaults to "true" at compile time
		}
		if err := e.ValidateExpression(r.When); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// Evaluate implements policy.Evaluator. Rules from the bundles mounted
// at path run in priority order; the first rule whose glob and condition
// both match decides. No match means allow: restrictions are expressed
// as deny rules.
//
// path selects bundles by name: "" selects all of them, "default" the
// bundle named default, and "team" also any bundle named "team/...".
func (e *Evaluator) Evaluate(ctx context.Context, path string, input *policy.AuthorizationInput) (*policy.Decision, error) {
	start := time.Now()
	snap := e.loadSnapshot()

	evaluated := bundlesAt(snap, path)
	if len(evaluated) == 0 {
		return nil, fmt.Errorf("no rule bundles mounted at %q", path)
	}

	activation := BuildActivation(input)
	matchName := ""
	if input.Tool != nil {
		matchName = input.Tool.Name
	}

	for i := range snap.rules {
		rule := &snap.rules[i]
		if !mountMatches(rule.bundle, path) {
			continue
		}
		// A lone "*" matches every request; filepath.Match would stop
		// at "/" separators.
		if rule.match != "*" {
			matched, err := filepath.Match(rule.match, matchName)
			if err != nil {
				e.logger.Warn("invalid glob pattern", "rule", rule.name, "pattern", rule.match, "error", err)
				continue
			}
			if !matched {
				continue
			}
		}

		ok, err := e.evalCondition(ctx, rule.prg, activation)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.name, err)
		}
		if !ok {
			continue
		}
		return decide(rule, input, evaluated, time.Since(start)), nil
	}

	return &policy.Decision{
		Allow:             true,
		Reason:            "no matching rule (default allow)",
		PoliciesEvaluated: evaluated,
		Advanced:          allChecksPassed(),
		Duration:          time.Since(start),
	}, nil
}

// evalCondition runs a compiled condition with a hard evaluation timeout
// so a pathological expression cannot stall the decision path.
func (e *Evaluator) evalCondition(ctx context.Context, prg cel.Program, activation map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}

// decide builds the decision for the first matching rule.
func decide(rule *compiledRule, input *policy.AuthorizationInput, evaluated []string, took time.Duration) *policy.Decision {
	d := &policy.Decision{
		Reason:            rule.reason,
		PoliciesEvaluated: evaluated,
		Advanced:          allChecksPassed(),
		Duration:          took,
		TTL:               rule.ttl,
	}
	if d.Reason == "" {
		d.Reason = fmt.Sprintf("matched rule %s", rule.name)
	}

	switch rule.effect {
	case EffectAllow:
		d.Allow = true
	case EffectChallenge:
		d.Allow = true
		d.Advanced.MFARequiredSatisfied = input.User.MFAVerified
	default: // EffectDeny
		d.Allow = false
		d.Violations = []string{rule.name}
		switch rule.kind {
		case KindTimeWindow:
			d.Advanced.TimeBasedAllowed = false
		case KindIPFilter:
			d.Advanced.IPFilteringAllowed = false
		}
	}
	return d
}

func allChecksPassed() policy.AdvancedResults {
	return policy.AdvancedResults{
		TimeBasedAllowed:     true,
		IPFilteringAllowed:   true,
		MFARequiredSatisfied: true,
	}
}

// mountMatches reports whether a bundle name falls under a mount path.
func mountMatches(bundle, path string) bool {
	if path == "" {
		return true
	}
	return bundle == path || strings.HasPrefix(bundle, path+"/")
}

func bundlesAt(snap *bundleSnapshot, path string) []string {
	names := make([]string, 0, len(snap.bundles))
	for _, b := range snap.bundles {
		if mountMatches(b.Name, path) {
			names = append(names, b.Name)
		}
	}
	return names
}

// loadSnapshot returns the current rule snapshot atomically (lock-free).
func (e *Evaluator) loadSnapshot() *bundleSnapshot {
	return e.snapshot.Load().(*bundleSnapshot)
}

// Bundles returns the currently loaded bundles, sorted by name.
func (e *Evaluator) Bundles() []BundleInfo {
	snap := e.loadSnapshot()
	out := make([]BundleInfo, len(snap.bundles))
	copy(out, snap.bundles)
	return out
}

// Reload re-reads and recompiles every bundle in the directory, then
// atomically swaps the rule set. On error the previous rules stay live.
func (e *Evaluator) Reload(ctx context.Context) error {
	files, err := listBundleFiles(e.dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no rule bundles in %s", e.dir)
	}

	now := time.Now().UTC()
	var (
		rules   []compiledRule
		infos   []BundleInfo
		content = make(map[string]string, len(files))
		seen    = make(map[string]string, len(files))
	)
	for _, path := range files {
		b, hash, raw, err := loadBundleFile(path)
		if err != nil {
			return err
		}
		if prev, ok := seen[b.Name]; ok {
			return fmt.Errorf("bundle name %q used by both %s and %s", b.Name, prev, filepath.Base(path))
		}
		seen[b.Name] = filepath.Base(path)
		content[b.Name] = raw

		compiled, err := e.compileBundle(b)
		if err != nil {
			return err
		}
		rules = append(rules, compiled...)
		infos = append(infos, BundleInfo{
			Name:        b.Name,
			File:        filepath.Base(path),
			ContentHash: hash,
			Rules:       len(b.Rules),
			LoadedAt:    now,
		})
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].priority > rules[j].priority
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})

	e.mu.Lock()
	e.snapshot.Store(&bundleSnapshot{rules: rules, bundles: infos})
	e.mu.Unlock()

	for _, info := range infos {
		e.recordChange(ctx, info.Name, "system", content[info.Name], info.ContentHash)
	}

	e.logger.Info("policy bundles loaded",
		"bundles", len(infos),
		"rules_compiled", len(rules),
		"dir", e.dir,
	)
	return nil
}

// compileBundle compiles every rule condition in the bundle.
func (e *Evaluator) compileBundle(b *Bundle) ([]compiledRule, error) {
	ttl := b.decisionTTL()
	compiled := make([]compiledRule, 0, len(b.Rules))
	for _, r := range b.Rules {
		prg, err := e.Compile(r.When)
		if err != nil {
			return nil, fmt.Errorf("bundle %q: rule %q: %w", b.Name, r.Name, err)
		}

		match := r.Match
		if match == "" {
			match = "*"
		}
		kind := r.Kind
		if kind == "" {
			kind = KindAccess
		}

		compiled = append(compiled, compiledRule{
			bundle:   b.Name,
			name:     r.Name,
			priority: r.Priority,
			match:    match,
			kind:     kind,
			effect:   r.Effect,
			reason:   r.Reason,
			ttl:      ttl,
			prg:      prg,
		})
	}
	return compiled, nil
}

// recordChange appends a created/updated entry to the policy change log
// when the content differs from the last recorded version. The log is
// advisory: failures are logged, never fatal to a load.
func (e *Evaluator) recordChange(ctx context.Context, bundleName, author, content, hash string) {
	if e.changeLog == nil {
		return
	}
	entries, err := e.changeLog.History(ctx, bundleName, 1)
	if err != nil {
		e.logger.Warn("policy change history lookup failed", "bundle", bundleName, "error", err)
		return
	}
	kind := policy.ChangeCreated
	if len(entries) > 0 {
		if entries[0].ContentHash == hash {
			return
		}
		kind = policy.ChangeUpdated
	}
	if _, err := e.changeLog.Record(ctx, policy.ChangeInput{
		PolicyName: bundleName,
		Kind:       kind,
		AuthorID:   author,
		Content:    content,
	}); err != nil {
		e.logger.Warn("policy change record failed", "bundle", bundleName, "error", err)
	}
}

// WriteBundle validates raw, writes it to <name>.yaml in the bundle
// directory, and reloads. The change log attributes the edit to author
// when one is attached.
func (e *Evaluator) WriteBundle(ctx context.Context, name, author string, raw []byte) error {
	if err := validBundleFileName(name); err != nil {
		return err
	}
	if err := e.ValidateBundle(raw); err != nil {
		return err
	}

	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	file := name + ".yaml"
	for _, info := range e.Bundles() {
		if info.Name == b.Name && info.File != file {
			return fmt.Errorf("bundle name %q already used by %s", b.Name, info.File)
		}
	}

	if err := os.WriteFile(filepath.Join(e.dir, file), raw, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}

	e.recordChange(ctx, b.Name, author, string(raw), contentHash(string(raw)))
	return e.Reload(ctx)
}

// DeleteBundle removes <name>.yaml from the bundle directory and
// reloads. Deleting the last bundle is refused; the gateway never runs
// without rules.
func (e *Evaluator) DeleteBundle(ctx context.Context, name, author string) error {
	if err := validBundleFileName(name); err != nil {
		return err
	}
	if len(e.Bundles()) <= 1 {
		return errors.New("refusing to delete the last rule bundle")
	}

	path := filepath.Join(e.dir, name+".yaml")
	b, _, _, err := loadBundleFile(path)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete bundle: %w", err)
	}

	if e.changeLog != nil {
		if _, err := e.changeLog.Record(ctx, policy.ChangeInput{
			PolicyName: b.Name,
			Kind:       policy.ChangeDeleted,
			AuthorID:   author,
		}); err != nil {
			e.logger.Warn("policy change record failed", "bundle", b.Name, "error", err)
		}
	}
	return e.Reload(ctx)
}

func validBundleFileName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\.") {
		return fmt.Errorf("invalid bundle file name %q", name)
	}
	return nil
}

// Watch starts reloading bundles when files in the directory change.
// Only development mode may watch; production deployments change rules
// through the admin API or a restart.
func (e *Evaluator) Watch(ctx context.Context) error {
	if !e.devMode {
		return errors.New("bundle auto-reload is only available in development mode")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watcher != nil {
		return errors.New("already watching")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(e.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", e.dir, err)
	}
	e.watcher = w

	go e.watchLoop(ctx, w)
	e.logger.Info("watching policy bundles", "dir", e.dir)
	return nil
}

func (e *Evaluator) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isBundleFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
			pending = true
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			e.logger.Warn("bundle watcher error", "error", err)
		case <-debounce.C:
			if !pending {
				continue
			}
			pending = false
			// Keep serving the previous snapshot; a broken edit must
			// not take rules offline.
			if err := e.Reload(ctx); err != nil {
				e.logger.Error("bundle reload failed", "error", err)
			}
		}
	}
}

// Close stops the file watcher if one is running.
func (e *Evaluator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watcher == nil {
		return nil
	}
	err := e.watcher.Close()
	e.watcher = nil
	return err
}

// Compile-time interface verification.
var _ policy.Evaluator = (*Evaluator)(nil)
