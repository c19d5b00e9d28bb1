// Package siem ships high-severity audit events to external SIEM
// platforms. Two forwarders are provided, Splunk HEC and the Datadog
// logs API, plus the forward worker that batches events, retries
// behind per-platform circuit breakers, and stamps events after
// delivery.
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

const splunkName = "splunk"

// splunkCollectorPath is the HEC JSON event endpoint.
const splunkCollectorPath = "/services/collector/event"

// DefaultSplunkBatchSize caps events per HEC request.
const DefaultSplunkBatchSize = 100

const (
	forwardTimeout = 30 * time.Second
	maxReplySize   = 64 * 1024
)

// SplunkConfig configures the Splunk HEC forwarder.
type SplunkConfig struct {
	// URL is the collector base, e.g. https://splunk.example.com:8088.
	URL string
	// Token is the HEC token.
	Token string
	// Index is the target index; empty uses the token's default.
	Index string
	// Source tags forwarded events; empty means "sark-gateway".
	Source string
	// SourceType tags the event format; empty means "_json".
	SourceType string
	// Host overrides the host field; empty uses os.Hostname.
	Host string
	// BatchSize caps events per request; zero means DefaultSplunkBatchSize.
	BatchSize int
	// SkipTLSVerify disables certificate verification. Development only;
	// the production config validator refuses it.
	SkipTLSVerify bool
}

// splunkEnvelope is one HEC event frame.
type splunkEnvelope struct {
	Time       float64     `json:"time"`
	Host       string      `json:"host,omitempty"`
	Source     string      `json:"source,omitempty"`
	SourceType string      `json:"sourcetype,omitempty"`
	Index      string      `json:"index,omitempty"`
	Event      audit.Event `json:"event"`
}

// splunkReply is the collector acknowledgement body.
type splunkReply struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// SplunkForwarder ships event batches to a Splunk HTTP Event Collector.
type SplunkForwarder struct {
	cfg      SplunkConfig
	endpoint string
	hc       *http.Client
	logger   *slog.Logger
}

var _ outbound.Forwarder = (*SplunkForwarder)(nil)

// NewSplunkForwarder validates cfg, applies defaults, and builds the
// forwarder.
func NewSplunkForwarder(cfg SplunkConfig, logger *slog.Logger) (*SplunkForwarder, error) {
	parsed, err := url.Parse(cfg.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("splunk: invalid collector url %q", cfg.URL)
	}
	if cfg.Token == "" {
		return nil, errors.New("splunk: hec token is required")
	}
	if cfg.Source == "" {
		cfg.Source = "sark-gateway"
	}
	if cfg.SourceType == "" {
		cfg.SourceType = "_json"
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSplunkBatchSize
	}
	return &SplunkForwarder{
		cfg:      cfg,
		endpoint: parsed.JoinPath(splunkCollectorPath).String(),
		hc: &http.Client{
			Timeout: forwardTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:         tls.VersionTLS12,
					InsecureSkipVerify: cfg.SkipTLSVerify,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Name identifies the platform in logs and health output.
func (f *SplunkForwarder) Name() string { return splunkName }

// Forward posts events as HEC frames, chunked to the batch cap. Any
// failed chunk fails the whole batch; delivery is at-least-once.
func (f *SplunkForwarder) Forward(ctx context.Context, events []audit.Event) error {
	for start := 0; start < len(events); start += f.cfg.BatchSize {
		end := min(start+f.cfg.BatchSize, len(events))
		if err := f.post(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// post sends one chunk. HEC accepts multiple frames per request body,
// newline-separated.
func (f *SplunkForwarder) post(ctx context.Context, events []audit.Event) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		frame := splunkEnvelope{
			Time:       float64(ev.Timestamp.UnixMilli()) / 1000,
			Host:       f.cfg.Host,
			Source:     f.cfg.Source,
			SourceType: f.cfg.SourceType,
			Index:      f.cfg.Index,
			Event:      ev,
		}
		if err := enc.Encode(frame); err != nil {
			return fmt.Errorf("splunk: encode event %s: %w", ev.ID, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, &body)
	if err != nil {
		return fmt.Errorf("splunk: build request: %w", err)
	}
	req.Header.Set("Authorization", "Splunk "+f.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.hc.Do(req)
	if err != nil {
		return fmt.Errorf("splunk: post batch: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("splunk: collector returned status %d: %s", resp.StatusCode, replySnippet(raw))
	}
	// A 2xx with a non-zero code still means the collector refused the
	// batch (e.g. disabled token, bad index).
	var reply splunkReply
	if err := json.Unmarshal(raw, &reply); err == nil && reply.Code != 0 {
		return fmt.Errorf("splunk: collector rejected batch: code %d %s", reply.Code, reply.Text)
	}

	f.logger.Debug("siem batch forwarded",
		"platform", splunkName,
		"events", len(events))
	return nil
}

// replySnippet trims a response body for error messages.
func replySnippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	const limit = 512
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
