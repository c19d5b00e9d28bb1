package siem

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

	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/port/outbound"
)

const datadogName = "datadog"

// MaxDatadogBatchSize is the logs-intake hard limit per request.
const MaxDatadogBatchSize = 1000

// defaultDatadogSite is the US1 intake region.
const defaultDatadogSite = "datadoghq.com"

// DatadogConfig configures the Datadog logs forwarder.
type DatadogConfig struct {
	// Site is the intake region, e.g. "datadoghq.com" or "datadoghq.eu".
	// Empty means the US1 site.
	Site string
	// URL overrides the derived intake endpoint, for tests and proxies.
	URL string
	// APIKey authenticates with the logs intake.
	APIKey string
	// Service tags forwarded logs; empty means "sark-gateway".
	Service string
	// Source is the ddsource tag; empty means "sark".
	Source string
	// Tags are extra ddtags entries, e.g. "env:production".
	Tags []string
	// Hostname overrides the hostname field; empty uses os.Hostname.
	Hostname string
}

// datadogEntry is one logs-intake record. The audit event rides along
// as a structured attribute under "event".
type datadogEntry struct {
	DDSource string      `json:"ddsource"`
	DDTags   string      `json:"ddtags,omitempty"`
	Hostname string      `json:"hostname,omitempty"`
	Service  string      `json:"service"`
	Status   string      `json:"status"`
	Message  string      `json:"message"`
	Event    audit.Event `json:"event"`
}

// DatadogForwarder ships event batches to the Datadog logs API.
type DatadogForwarder struct {
	cfg      DatadogConfig
	endpoint string
	tags     string
	hc       *http.Client
	logger   *slog.Logger
}

var _ outbound.Forwarder = (*DatadogForwarder)(nil)

// NewDatadogForwarder validates cfg, applies defaults, and builds the
// forwarder.
func NewDatadogForwarder(cfg DatadogConfig, logger *slog.Logger) (*DatadogForwarder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("datadog: api key is required")
	}
	endpoint := cfg.URL
	if endpoint == "" {
		site := cfg.Site
		if site == "" {
			site = defaultDatadogSite
		}
		endpoint = "https://http-intake.logs." + site + "/api/v2/logs"
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("datadog: invalid intake url %q", endpoint)
	}
	if cfg.Service == "" {
		cfg.Service = "sark-gateway"
	}
	if cfg.Source == "" {
		cfg.Source = "sark"
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &DatadogForwarder{
		cfg:      cfg,
		endpoint: endpoint,
		tags:     strings.Join(cfg.Tags, ","),
		hc: &http.Client{
			Timeout: forwardTimeout,
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

// Name identifies the platform in logs and health output.
func (f *DatadogForwarder) Name() string { return datadogName }

// Forward posts events to the logs intake, chunked to the 1000-entry
// limit. Any failed chunk fails the whole batch; delivery is
// at-least-once.
func (f *DatadogForwarder) Forward(ctx context.Context, events []audit.Event) error {
	for start := 0; start < len(events); start += MaxDatadogBatchSize {
		end := min(start+MaxDatadogBatchSize, len(events))
		if err := f.post(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (f *DatadogForwarder) post(ctx context.Context, events []audit.Event) error {
	entries := make([]datadogEntry, len(events))
	for i, ev := range events {
		entries[i] = datadogEntry{
			DDSource: f.cfg.Source,
			DDTags:   f.tags,
			Hostname: f.cfg.Hostname,
			Service:  f.cfg.Service,
			Status:   datadogStatus(ev.Severity),
			Message:  entryMessage(ev),
			Event:    ev,
		}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("datadog: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("datadog: build request: %w", err)
	}
	req.Header.Set("DD-API-KEY", f.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.hc.Do(req)
	if err != nil {
		return fmt.Errorf("datadog: post batch: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("datadog: intake returned status %d: %s", resp.StatusCode, replySnippet(raw))
	}

	f.logger.Debug("siem batch forwarded",
		"platform", datadogName,
		"events", len(events))
	return nil
}

// datadogStatus maps audit severity to the Datadog log status attribute.
func datadogStatus(s audit.Severity) string {
	switch s {
	case audit.SeverityCritical:
		return "critical"
	case audit.SeverityHigh:
		return "error"
	case audit.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}

// entryMessage builds the indexed log line for an event.
func entryMessage(ev audit.Event) string {
	switch {
	case ev.Reason != "":
		return ev.EventType + ": " + ev.Reason
	case ev.Decision != "":
		return ev.EventType + ": " + ev.Decision
	default:
		return ev.EventType
	}
}
