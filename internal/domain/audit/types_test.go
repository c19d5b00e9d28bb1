package audit

import (
	"context"
	"testing"
	"time"
)

func TestSeverityRankOrdering(t *testing.T) {
	ordered := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Errorf("%v should rank above %v", ordered[i], ordered[i-1])
		}
	}
	if Severity("bogus").Rank() != 0 {
		t.Error("unknown severity should rank 0")
	}
}

func TestSeverityShouldForward(t *testing.T) {
	tests := []struct {
		severity Severity
		want     bool
	}{
		{SeverityLow, false},
		{SeverityMedium, false},
		{SeverityHigh, true},
		{SeverityCritical, true},
	}
	for _, tt := range tests {
		if got := tt.severity.ShouldForward(); got != tt.want {
			t.Errorf("ShouldForward(%v) = %v, want %v", tt.severity, got, tt.want)
		}
	}
}

func TestRetentionFor(t *testing.T) {
	tests := []struct {
		eventType string
		want      int
	}{
		{EventTypeAuthorizationDenied, RetentionSecurityDays},
		{EventTypeInjectionDetected, RetentionSecurityDays},
		{EventTypeMFAChallenge, RetentionSecurityDays},
		{EventTypeToolCall, RetentionToolCallDays},
		{EventTypeSecretRedacted, RetentionToolCallDays},
		{EventTypeRateLimited, RetentionToolCallDays},
		{EventTypeSystem, RetentionSystemDays},
		{"unknown", RetentionSystemDays},
	}
	for _, tt := range tests {
		if got := RetentionFor(tt.eventType); got != tt.want {
			t.Errorf("RetentionFor(%q) = %d, want %d", tt.eventType, got, tt.want)
		}
	}
}

func TestRedactSensitiveArgs(t *testing.T) {
	args := map[string]interface{}{
		"query":   "select 1",
		"api_key": "sk-live-abcdef",
		"nested": map[string]interface{}{
			"password": "hunter2",
			"host":     "db.internal",
		},
		"authToken": "Bearer xyz",
	}

	got := RedactSensitiveArgs(args)

	if got["query"] != "select 1" {
		t.Errorf("query should pass through, got %v", got["query"])
	}
	if got["api_key"] != RedactedPlaceholder {
		t.Errorf("api_key not redacted: %v", got["api_key"])
	}
	if got["authToken"] != RedactedPlaceholder {
		t.Errorf("authToken not redacted: %v", got["authToken"])
	}
	nested, ok := got["nested"].(map[string]interface{})
	if !ok {
		t.Fatalf("nested map lost: %T", got["nested"])
	}
	if nested["password"] != RedactedPlaceholder {
		t.Errorf("nested password not redacted: %v", nested["password"])
	}
	if nested["host"] != "db.internal" {
		t.Errorf("nested host should pass through, got %v", nested["host"])
	}

	// Original must be untouched.
	if args["api_key"] != "sk-live-abcdef" {
		t.Error("original args mutated")
	}
}

func TestRedactSensitiveArgsNil(t *testing.T) {
	if got := RedactSensitiveArgs(nil); got != nil {
		t.Errorf("nil args should stay nil, got %v", got)
	}
}

func TestFilterNormalize(t *testing.T) {
	f := Filter{}
	if err := f.Normalize(); err != nil {
		t.Fatalf("empty filter should normalize: %v", err)
	}
	if f.Limit != DefaultQueryLimit {
		t.Errorf("default limit = %d, want %d", f.Limit, DefaultQueryLimit)
	}

	f = Filter{Limit: 50000}
	if err := f.Normalize(); err != nil {
		t.Fatalf("oversized limit should clamp, not error: %v", err)
	}
	if f.Limit != MaxQueryLimit {
		t.Errorf("clamped limit = %d, want %d", f.Limit, MaxQueryLimit)
	}

	now := time.Now()
	f = Filter{Start: now, End: now.Add(-time.Hour)}
	if err := f.Normalize(); err != ErrInvalidRange {
		t.Errorf("inverted range error = %v, want ErrInvalidRange", err)
	}
}

func TestDecisionFilterNormalize(t *testing.T) {
	f := DecisionFilter{Limit: -3}
	if err := f.Normalize(); err != nil {
		t.Fatalf("negative limit should normalize: %v", err)
	}
	if f.Limit != DefaultQueryLimit {
		t.Errorf("default limit = %d, want %d", f.Limit, DefaultQueryLimit)
	}
}

func TestScanSummaryContext(t *testing.T) {
	ctx, summary := WithScanSummary(context.Background())

	if got := ScanSummaryFromContext(ctx); got != summary {
		t.Fatal("summary from context should be the installed holder")
	}

	// Mutations through the retrieved pointer must be visible to the installer.
	ScanSummaryFromContext(ctx).Redactions = 3
	ScanSummaryFromContext(ctx).RedactedKinds = "aws_access_key"
	if summary.Redactions != 3 || summary.RedactedKinds != "aws_access_key" {
		t.Errorf("holder not shared: %+v", summary)
	}

	if got := ScanSummaryFromContext(context.Background()); got != nil {
		t.Errorf("missing holder should be nil, got %+v", got)
	}
}
