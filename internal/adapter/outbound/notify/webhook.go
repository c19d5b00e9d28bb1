package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sark-labs/sark/internal/domain/mfa"
)

const webhookName = "webhook"

// WebhookDeliverer posts challenges to an operator-run endpoint. The
// receiving gateway forwards SMS codes to the carrier and raises push
// prompts in the operator's approval tool; push approvals come back
// through the admin API.
type WebhookDeliverer struct {
	endpoint string
	hc       *http.Client
	logger   *slog.Logger
}

var _ mfa.Deliverer = (*WebhookDeliverer)(nil)

// webhookChallenge is the delivery payload. Push challenges omit the
// code; approval happens out of band against the challenge id.
type webhookChallenge struct {
	ChallengeID string `json:"challenge_id"`
	PrincipalID string `json:"principal_id"`
	Method      string `json:"method"`
	Action      string `json:"action,omitempty"`
	Code        string `json:"code,omitempty"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at"`
}

// NewWebhookDeliverer validates the endpoint and builds the deliverer.
func NewWebhookDeliverer(endpoint string, logger *slog.Logger) (*WebhookDeliverer, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("webhook: invalid challenge url %q", endpoint)
	}
	return &WebhookDeliverer{
		endpoint: endpoint,
		hc: &http.Client{
			Timeout: notifyTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Deliver posts one challenge to the webhook.
func (d *WebhookDeliverer) Deliver(ctx context.Context, challenge *mfa.Challenge) error {
	payload := webhookChallenge{
		ChallengeID: challenge.ID,
		PrincipalID: challenge.PrincipalID,
		Method:      string(challenge.Method),
		Action:      challenge.Action,
		CreatedAt:   challenge.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:   challenge.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if challenge.Method != mfa.MethodPush {
		payload.Code = challenge.Code
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: encode challenge: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.hc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post challenge: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	d.logger.Debug("challenge delivered",
		"channel", webhookName,
		"challenge_id", challenge.ID,
		"method", challenge.Method,
	)
	return nil
}
