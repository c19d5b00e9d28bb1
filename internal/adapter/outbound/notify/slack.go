// Package notify implements the operator alert channels behind the
// outbound Notifier port: Slack incoming webhooks, PagerDuty Events
// API v2, and SMTP email. Alert routing picks the channels per level;
// every channel is best-effort and failures stay out of the request
// path.
package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/sark-labs/sark/internal/port/outbound"
)

const slackName = "slack"

const notifyTimeout = 10 * time.Second

// SlackConfig configures the Slack webhook notifier.
type SlackConfig struct {
	// WebhookURL is the incoming-webhook endpoint.
	WebhookURL string
	// Channel overrides the webhook's default channel when set.
	Channel string
	// Username is the posting identity; empty means "sark-gateway".
	Username string
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	cfg    SlackConfig
	hc     *http.Client
	logger *slog.Logger
}

var _ outbound.Notifier = (*SlackNotifier)(nil)

// NewSlackNotifier validates cfg and builds the notifier.
func NewSlackNotifier(cfg SlackConfig, logger *slog.Logger) (*SlackNotifier, error) {
	parsed, err := url.Parse(cfg.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("slack: invalid webhook url %q", cfg.WebhookURL)
	}
	if cfg.Username == "" {
		cfg.Username = "sark-gateway"
	}
	return &SlackNotifier{
		cfg: cfg,
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
func (n *SlackNotifier) Name() string { return slackName }

// Notify posts one alert as an attachment colored by severity.
func (n *SlackNotifier) Notify(ctx context.Context, alert outbound.Notification) error {
	msg := &slack.WebhookMessage{
		Username: n.cfg.Username,
		Channel:  n.cfg.Channel,
		Text:     alert.Title,
		Attachments: []slack.Attachment{{
			Color:  slackColor(alert.Severity),
			Title:  alert.Title,
			Text:   alert.Body,
			Fields: slackFields(alert),
			Footer: "sark gateway",
			Ts:     json.Number(strconv.FormatInt(alert.Timestamp.Unix(), 10)),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, n.cfg.WebhookURL, n.hc, msg); err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	n.logger.Debug("alert notified", "channel", slackName, "severity", alert.Severity)
	return nil
}

// slackColor maps alert severity to the attachment bar color.
func slackColor(severity string) string {
	switch severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "#439FE0"
	}
}

// slackFields renders the structured alert context, identity fields
// first, detail keys in stable order after.
func slackFields(alert outbound.Notification) []slack.AttachmentField {
	fields := []slack.AttachmentField{
		{Title: "Severity", Value: alert.Severity, Short: true},
	}
	if alert.PrincipalID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Principal", Value: alert.PrincipalID, Short: true})
	}
	if alert.RequestID != "" {
		fields = append(fields, slack.AttachmentField{Title: "Request", Value: alert.RequestID, Short: true})
	}

	keys := make([]string, 0, len(alert.Details))
	for key := range alert.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fields = append(fields, slack.AttachmentField{
			Title: key,
			Value: fmt.Sprintf("%v", alert.Details[key]),
			Short: true,
		})
	}
	return fields
}
