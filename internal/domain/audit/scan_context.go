package audit

import "context"

// scanSummaryContextKey is the context key type for scan summary propagation.
type scanSummaryContextKey struct{}

// ScanSummary is a mutable container placed in context by the audit stage
// of the decision pipeline. Downstream stages (secret redaction, injection
// detection on responses) populate it with their findings. The audit stage
// reads it after the chain completes to fill the event details.
type ScanSummary struct {
	// Redactions is the number of secret matches replaced in the result.
	Redactions int
	// RedactedKinds is a comma-separated list of unique secret kinds found.
	RedactedKinds string
	// InjectionScore is the risk score of the strongest injection scan, 0-100.
	InjectionScore int
}

// WithScanSummary returns a new context carrying an empty ScanSummary.
// The audit stage calls this before invoking the rest of the chain.
func WithScanSummary(ctx context.Context) (context.Context, *ScanSummary) {
	summary := &ScanSummary{}
	return context.WithValue(ctx, scanSummaryContextKey{}, summary), summary
}

// ScanSummaryFromContext retrieves the ScanSummary from context.
// Returns nil if not present.
func ScanSummaryFromContext(ctx context.Context) *ScanSummary {
	summary, _ := ctx.Value(scanSummaryContextKey{}).(*ScanSummary)
	return summary
}
