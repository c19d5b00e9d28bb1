package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sark-labs/sark/internal/domain/pipeline"
	"github.com/sark-labs/sark/internal/domain/protocol"
	"github.com/sark-labs/sark/internal/domain/resource"
	"github.com/sark-labs/sark/internal/port/inbound"
	"github.com/sark-labs/sark/internal/service"
)

// maxRequestBodySize caps invoke payloads (1 MB).
const maxRequestBodySize = 1 << 20

// ChallengeVerifier satisfies pending challenges. Implemented by
// service.MFAService.
type ChallengeVerifier interface {
	VerifyChallenge(ctx context.Context, principalID, challengeID, code string) (bool, error)
}

// api holds the route handlers.
type api struct {
	gateway  inbound.GatewayService
	verifier ChallengeVerifier
	logger   *slog.Logger
}

func newAPI(gateway inbound.GatewayService, verifier ChallengeVerifier, logger *slog.Logger) *api {
	return &api{gateway: gateway, verifier: verifier, logger: logger}
}

// invokeRequest is the wire shape of one capability call.
type invokeRequest struct {
	CapabilityID string                 `json:"capability_id"`
	Arguments    map[string]interface{} `json:"arguments,omitempty"`
	// TimeoutMs overrides the gateway default per-call deadline when
	// positive and shorter.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// invokeResponse is the wire shape of an invocation outcome. Upstream
// failures are successful HTTP responses with success=false; only
// governance rejections and transport faults map to error statuses.
type invokeResponse struct {
	RequestID    string            `json:"request_id"`
	Success      bool              `json:"success"`
	Result       interface{}       `json:"result,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// apiError is the JSON error envelope.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// ChallengeID and Method accompany mfa_required so the caller can
	// complete the challenge and retry.
	ChallengeID string `json:"challenge_id,omitempty"`
	Method      string `json:"method,omitempty"`
	// RetryAfterSeconds accompanies rate_limited and budget_exceeded.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

func (a *api) handleInvoke(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeInvoke(w, r)
	if !ok {
		return
	}

	call := a.buildCall(r, req)
	result, err := a.gateway.Invoke(r.Context(), call)
	if err != nil {
		a.writeGovernanceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, invokeResponse{
		RequestID:    call.Context.RequestID,
		Success:      result.Success,
		Result:       result.Result,
		ErrorMessage: result.ErrorMessage,
		DurationMs:   result.Duration.Milliseconds(),
		Metadata:     result.Metadata,
	})
}

// handleInvokeStream opens the governed stream and relays it as SSE.
// Governance rejections happen before any SSE bytes, so they keep the
// normal JSON error shape.
func (a *api) handleInvokeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	req, ok := a.decodeInvoke(w, r)
	if !ok {
		return
	}

	call := a.buildCall(r, req)
	stream, err := a.gateway.InvokeStreaming(r.Context(), call)
	if err != nil {
		a.writeGovernanceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, ": stream %s\n\n", call.Context.RequestID)
	flusher.Flush()

	for msg := range stream {
		if msg.Err != nil {
			writeSSE(w, "error", map[string]string{"error": msg.Err.Error()})
			flusher.Flush()
			continue
		}
		writeSSE(w, "message", msg.Data)
		flusher.Flush()
	}
}

func (a *api) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := a.gateway.ListResources(r.Context())
	if err != nil {
		a.logger.Error("list resources failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "listing resources failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"resources": resources})
}

func (a *api) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get("resource_id")
	capabilities, err := a.gateway.ListCapabilities(r.Context(), resourceID)
	if err != nil {
		if errors.Is(err, resource.ErrResourceNotFound) {
			writeError(w, http.StatusNotFound, "unknown_resource", err.Error())
			return
		}
		a.logger.Error("list capabilities failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "listing capabilities failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"capabilities": capabilities})
}

// verifyRequest is the wire shape of a challenge verification.
type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code,omitempty"`
}

func (a *api) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	p := service.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "credential required")
		return
	}

	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.ChallengeID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "challenge_id is required")
		return
	}

	verified, err := a.verifier.VerifyChallenge(r.Context(), p.ID, req.ChallengeID, req.Code)
	if err != nil {
		a.writeGovernanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"challenge_id": req.ChallengeID,
		"verified":     verified,
	})
}

// decodeInvoke reads and validates the invoke body. On failure the
// error response is already written.
func (a *api) decodeInvoke(w http.ResponseWriter, r *http.Request) (*invokeRequest, bool) {
	var req invokeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return nil, false
	}
	if req.CapabilityID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "capability_id is required")
		return nil, false
	}
	return &req, true
}

// buildCall maps the wire request onto the invocation shape. Principal
// and network context ride the request context; the gateway fills the
// rest during prepare.
func (a *api) buildCall(r *http.Request, req *invokeRequest) *protocol.InvocationRequest {
	call := &protocol.InvocationRequest{
		CapabilityID: req.CapabilityID,
		Arguments:    req.Arguments,
	}
	if req.TimeoutMs > 0 {
		call.Context.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	return call
}

// writeGovernanceError maps chain rejections onto HTTP statuses. The
// pipeline's sentinel taxonomy is the contract; anything unmatched is
// an internal error, with not-found resolution failures called out.
func (a *api) writeGovernanceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		mfaReq  *pipeline.MFARequiredError
		rateErr *pipeline.RateLimitError
	)
	switch {
	case errors.As(err, &mfaReq):
		writeJSON(w, http.StatusUnauthorized, apiError{
			Error:       "mfa_required",
			Message:     err.Error(),
			ChallengeID: mfaReq.ChallengeID,
			Method:      mfaReq.Method,
		})
	case errors.As(err, &rateErr):
		code := "rate_limited"
		if rateErr.Budget {
			code = "budget_exceeded"
		}
		seconds := int(rateErr.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeJSON(w, http.StatusTooManyRequests, apiError{
			Error:             code,
			Message:           err.Error(),
			RetryAfterSeconds: seconds,
		})
	case errors.Is(err, pipeline.ErrInjectionBlocked):
		writeError(w, http.StatusForbidden, "injection_blocked", err.Error())
	case errors.Is(err, pipeline.ErrAuthorizationDenied):
		writeError(w, http.StatusForbidden, "authorization_denied", err.Error())
	case errors.Is(err, pipeline.ErrMFAFailed):
		writeError(w, http.StatusForbidden, "mfa_failed", err.Error())
	case errors.Is(err, pipeline.ErrValidationFailed):
		writeError(w, http.StatusBadRequest, "invalid_arguments", err.Error())
	case errors.Is(err, resource.ErrCapabilityNotFound), errors.Is(err, resource.ErrResourceNotFound):
		writeError(w, http.StatusNotFound, "unknown_capability", err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		a.logger.Error("invoke failed",
			"request_id", r.Header.Get("X-Request-ID"),
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "upstream_unavailable", err.Error())
	}
}

// decodeBody reads a size-capped JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return fmt.Errorf("request body too large (max 1MB)")
		}
		return fmt.Errorf("reading request body failed")
	}
	if len(body) == 0 {
		return fmt.Errorf("empty request body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid JSON: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: code, Message: message})
}

// writeSSE frames one event. Data marshals to JSON; marshal failures
// degrade to a quoted string so the stream stays parseable.
func writeSSE(w io.Writer, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload, _ = json.Marshal(fmt.Sprintf("%v", data))
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}
