package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/sark-labs/sark/internal/domain/anomaly"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
)

// AnomalyObserver accepts behavioral observations without blocking.
// This interface is satisfied by service.AnomalyService.
type AnomalyObserver interface {
	Observe(event anomaly.Event)
}

// LocationFunc maps a client address to a coarse location tag. Empty
// means unknown.
type LocationFunc func(clientIP string) string

// AnomalyInterceptor feeds completed invocations to the behavioral
// pipeline. Observation happens after the upstream call so the result
// size is known; detection runs off the request path and never affects
// the verdict.
//
// Position in chain: after MFA, before Redaction.
type AnomalyInterceptor struct {
	observer AnomalyObserver
	location LocationFunc // optional, may be nil
	next     Interceptor
	logger   *slog.Logger
}

// NewAnomalyInterceptor creates a new AnomalyInterceptor.
func NewAnomalyInterceptor(
	observer AnomalyObserver,
	location LocationFunc,
	next Interceptor,
	logger *slog.Logger,
) *AnomalyInterceptor {
	return &AnomalyInterceptor{
		observer: observer,
		location: location,
		next:     next,
		logger:   logger,
	}
}

// Intercept passes the request on and records the observation when the
// invocation completed.
func (a *AnomalyInterceptor) Intercept(ctx context.Context, req *Request) (*protocol.InvocationResult, error) {
	result, err := a.next.Intercept(ctx, req)
	if err != nil || req.Principal == nil {
		return result, err
	}

	event := anomaly.Event{
		PrincipalID:  req.Principal.ID,
		CapabilityID: capabilityID(req),
		Timestamp:    req.ReceivedAt,
		Sensitivity:  capabilitySensitivity(req),
		ResultSize:   resultSize(result),
	}
	if a.location != nil {
		event.Location = a.location(req.ClientIP)
	}
	a.observer.Observe(event)

	a.logger.Debug("anomaly observation recorded",
		"principal_id", event.PrincipalID,
		"capability_id", event.CapabilityID,
		"result_size", event.ResultSize,
	)

	return result, err
}

func capabilitySensitivity(req *Request) resource.Sensitivity {
	if req.Capability == nil {
		return resource.SensitivityNone
	}
	return req.Capability.Sensitivity
}

// resultSize prefers the adapter-reported record count and falls back
// to the serialized payload length.
func resultSize(result *protocol.InvocationResult) int {
	if result == nil {
		return 0
	}
	if raw, ok := result.Metadata["record_count"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	if result.Result == nil {
		return 0
	}
	data, err := json.Marshal(result.Result)
	if err != nil {
		return 0
	}
	return len(data)
}

// Compile-time check that AnomalyInterceptor implements Interceptor.
var _ Interceptor = (*AnomalyInterceptor)(nil)
