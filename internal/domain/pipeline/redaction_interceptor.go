package pipeline

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/secrets"
)

// RedactionInterceptor scans invocation results for secret material and
// replaces matches with the redaction placeholder before anything
// downstream sees them. Non-secret fields pass through untouched. Error
// messages are scanned too, since upstream failures can echo
// credentials back.
//
// Position in chain: innermost, wrapping the terminal invoker.
type RedactionInterceptor struct {
	scanner *secrets.Scanner
	next    Interceptor
	logger  *slog.Logger
}

// NewRedactionInterceptor creates a new RedactionInterceptor.
func NewRedactionInterceptor(scanner *secrets.Scanner, next Interceptor, logger *slog.Logger) *RedactionInterceptor {
	return &RedactionInterceptor{
		scanner: scanner,
		next:    next,
		logger:  logger,
	}
}

// Intercept invokes the upstream and redacts the result in place.
func (r *RedactionInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	result, err := r.next.Intercept(ctx, req)
	if result == nil {
		return result, err
	}

	_, span := stageSpan(ctx, "redact", req)
	defer span.End()

	var findings []secrets.Finding

	if result.Result != nil {
		redacted, found := r.scanner.ScanAndRedact(result.Result)
		result.Result = redacted
		findings = append(findings, redactedOnly(found)...)
	}
	if result.ErrorMessage != "" {
		redacted, found := r.scanner.ScanAndRedact(result.ErrorMessage)
		if s, ok := redacted.(string); ok {
			result.ErrorMessage = s
		}
		findings = append(findings, redactedOnly(found)...)
	}

	if len(findings) == 0 {
		return result, err
	}

	if summary := audit.ScanSummaryFromContext(ctx); summary != nil {
		summary.Redactions += len(findings)
		summary.RedactedKinds = mergeKinds(summary.RedactedKinds, findings)
	}

	r.logger.Warn("secrets redacted from result",
		"capability_id", capabilityID(req),
		"redactions", len(findings),
	)

	return result, err
}

// redactedOnly drops findings below the redaction confidence; only
// values actually replaced count toward the summary.
func redactedOnly(findings []secrets.Finding) []secrets.Finding {
	out := findings[:0:0]
	for _, f := range findings {
		if f.Redact {
			out = append(out, f)
		}
	}
	return out
}

// mergeKinds folds finding kinds into the comma-separated summary list,
// keeping entries unique and sorted.
func mergeKinds(existing string, findings []secrets.Finding) string {
	seen := map[string]bool{}
	for _, k := range strings.Split(existing, ",") {
		if k != "" {
			seen[k] = true
		}
	}
	for _, f := range findings {
		seen[f.Kind] = true
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ",")
}

// Compile-time check that RedactionInterceptor implements Interceptor.
var _ Interceptor = (*RedactionInterceptor)(nil)
