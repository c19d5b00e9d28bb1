package service

import (
	"context"
	"testing"
	"time"

	"github.com/sark-labs/sark/internal/domain/policy"
)

// BenchmarkAuthorizeCacheHit measures the cached decision path.
// Uses Go 1.24+ b.Loop() for robust measurements.
func BenchmarkAuthorizeCacheHit(b *testing.B) {
	eval := &stubEvaluator{decision: policy.Decision{Allow: true}}
	svc := NewPolicyService(eval, discardLogger())
	ctx := context.Background()
	in := authInput("alice", "cap-1")

	// Prime the cache
	_, _ = svc.Authorize(ctx, in)

	b.ResetTimer()
	for b.Loop() {
		_, _ = svc.Authorize(ctx, in)
	}
}

// BenchmarkAuthorizeParallel measures concurrent cached authorization.
func BenchmarkAuthorizeParallel(b *testing.B) {
	eval := &stubEvaluator{decision: policy.Decision{Allow: true}}
	svc := NewPolicyService(eval, discardLogger())
	in := authInput("alice", "cap-1")
	_, _ = svc.Authorize(context.Background(), in)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			_, _ = svc.Authorize(ctx, in)
		}
	})
}

// BenchmarkCacheKey measures key computation overhead (xxhash).
func BenchmarkCacheKey(b *testing.B) {
	in := &policy.AuthorizationInput{
		User: policy.PrincipalSnapshot{
			ID:         "alice",
			Role:       "developer",
			Teams:      []string{"platform", "data"},
			MFAMethods: []string{"totp"},
		},
		Action: "invoke_capability",
		Tool: &policy.ToolSnapshot{
			CapabilityID:     "cap-1",
			Name:             "query_db",
			SensitivityLevel: "high",
		},
		Server: &policy.ServerSnapshot{ResourceID: "res-1"},
		Context: policy.RequestContext{
			ClientIP:  "10.0.0.1",
			RequestID: "req-1",
			Timestamp: time.Now(),
		},
	}

	b.ResetTimer()
	for b.Loop() {
		_ = policy.CacheKey(in)
	}
}
