package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/sark-labs/sark/internal/port/outbound"
)

const pagerdutyName = "pagerduty"

// defaultPagerDutyURL is the Events API v2 enqueue endpoint.
const defaultPagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyConfig configures the Events API v2 notifier.
type PagerDutyConfig struct {
	// RoutingKey is the integration key of the target service.
	RoutingKey string
	// URL overrides the events endpoint, for tests and proxies.
	URL string
	// Source names the alert origin; empty uses os.Hostname.
	Source string
}

// pagerdutyEvent is one Events API v2 trigger.
type pagerdutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     pagerdutyPayload `json:"payload"`
}

type pagerdutyPayload struct {
	Summary       string                 `json:"summary"`
	Source        string                 `json:"source"`
	Severity      string                 `json:"severity"`
	Timestamp     string                 `json:"timestamp,omitempty"`
	Component     string                 `json:"component,omitempty"`
	CustomDetails map[string]interface{} `json:"custom_details,omitempty"`
}

// PagerDutyNotifier triggers incidents through the Events API v2.
type PagerDutyNotifier struct {
	cfg      PagerDutyConfig
	endpoint string
	hc       *http.Client
	logger   *slog.Logger
}

var _ outbound.Notifier = (*PagerDutyNotifier)(nil)

// NewPagerDutyNotifier validates cfg and builds the notifier.
func NewPagerDutyNotifier(cfg PagerDutyConfig, logger *slog.Logger) (*PagerDutyNotifier, error) {
	if cfg.RoutingKey == "" {
		return nil, errors.New("pagerduty: routing key is required")
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = defaultPagerDutyURL
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("pagerduty: invalid events url %q", endpoint)
	}
	if cfg.Source == "" {
		cfg.Source, _ = os.Hostname()
	}
	return &PagerDutyNotifier{
		cfg:      cfg,
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

// Name identifies the channel in logs and health output.
func (n *PagerDutyNotifier) Name() string { return pagerdutyName }

// Notify triggers one incident. The request id doubles as the dedup
// key so repeated alerts for a request collapse into one incident.
func (n *PagerDutyNotifier) Notify(ctx context.Context, alert outbound.Notification) error {
	details := alert.Details
	if alert.Body != "" {
		details = cloneDetails(details)
		details["body"] = alert.Body
	}
	event := pagerdutyEvent{
		RoutingKey:  n.cfg.RoutingKey,
		EventAction: "trigger",
		DedupKey:    alert.RequestID,
		Payload: pagerdutyPayload{
			Summary:       alert.Title,
			Source:        n.cfg.Source,
			Severity:      pagerdutySeverity(alert.Severity),
			Timestamp:     alert.Timestamp.UTC().Format(time.RFC3339),
			Component:     alert.PrincipalID,
			CustomDetails: details,
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pagerduty: encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("pagerduty: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		return fmt.Errorf("pagerduty: post event: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pagerduty: events api returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	n.logger.Debug("alert notified", "channel", pagerdutyName, "severity", alert.Severity)
	return nil
}

// pagerdutySeverity maps alert severity to the Events API scale.
func pagerdutySeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "warning":
		return "warning"
	default:
		return "info"
	}
}

func cloneDetails(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details)+1)
	for key, value := range details {
		out[key] = value
	}
	return out
}
