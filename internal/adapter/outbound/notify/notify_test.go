package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sark-labs/sark/internal/domain/mfa"
	"github.com/sark-labs/sark/internal/port/outbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAlert() outbound.Notification {
	return outbound.Notification{
		Title:       "anomaly detected",
		Body:        "call rate 40x baseline",
		Severity:    "critical",
		PrincipalID: "agent-7",
		RequestID:   "req-123",
		Timestamp:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Details: map[string]interface{}{
			"capability": "github.create_issue",
			"score":      0.97,
		},
	}
}

// ---- slack ----

func TestNewSlackNotifier_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewSlackNotifier(SlackConfig{WebhookURL: "::bad::"}, testLogger()); err == nil {
		t.Fatal("expected error for malformed webhook url")
	}
	if _, err := NewSlackNotifier(SlackConfig{}, testLogger()); err == nil {
		t.Fatal("expected error for empty webhook url")
	}

	n, err := NewSlackNotifier(SlackConfig{WebhookURL: "https://hooks.slack.com/services/T/B/x"}, testLogger())
	if err != nil {
		t.Fatalf("NewSlackNotifier: %v", err)
	}
	if n.Name() != "slack" {
		t.Fatalf("expected name slack, got %q", n.Name())
	}
	if n.cfg.Username != "sark-gateway" {
		t.Fatalf("expected default username, got %q", n.cfg.Username)
	}
}

func TestSlackNotifier_PostsAttachment(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = data
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewSlackNotifier(SlackConfig{WebhookURL: srv.URL, Channel: "#sec"}, testLogger())
	if err != nil {
		t.Fatalf("NewSlackNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	payload := string(body)
	mu.Unlock()
	for _, want := range []string{"anomaly detected", "#sec", "danger", "agent-7", "github.create_issue"} {
		if !strings.Contains(payload, want) {
			t.Errorf("webhook payload missing %q: %s", want, payload)
		}
	}
}

func TestSlackColor(t *testing.T) {
	t.Parallel()

	if got := slackColor("critical"); got != "danger" {
		t.Errorf("critical = %q", got)
	}
	if got := slackColor("warning"); got != "warning" {
		t.Errorf("warning = %q", got)
	}
	if got := slackColor("log"); got != "#439FE0" {
		t.Errorf("log = %q", got)
	}
}

// ---- pagerduty ----

func TestNewPagerDutyNotifier_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewPagerDutyNotifier(PagerDutyConfig{}, testLogger()); err == nil {
		t.Fatal("expected error for missing routing key")
	}
	if _, err := NewPagerDutyNotifier(PagerDutyConfig{RoutingKey: "rk", URL: "::bad::"}, testLogger()); err == nil {
		t.Fatal("expected error for malformed events url")
	}

	n, err := NewPagerDutyNotifier(PagerDutyConfig{RoutingKey: "rk"}, testLogger())
	if err != nil {
		t.Fatalf("NewPagerDutyNotifier: %v", err)
	}
	if n.endpoint != defaultPagerDutyURL {
		t.Fatalf("unexpected default endpoint %q", n.endpoint)
	}
	if n.Name() != "pagerduty" {
		t.Fatalf("expected name pagerduty, got %q", n.Name())
	}
}

func TestPagerDutyNotifier_TriggersIncident(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		event pagerdutyEvent
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev pagerdutyEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode event: %v", err)
		}
		mu.Lock()
		event = ev
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n, err := NewPagerDutyNotifier(PagerDutyConfig{RoutingKey: "rk-1", URL: srv.URL, Source: "gw-1"}, testLogger())
	if err != nil {
		t.Fatalf("NewPagerDutyNotifier: %v", err)
	}
	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if event.RoutingKey != "rk-1" || event.EventAction != "trigger" {
		t.Errorf("unexpected event envelope: %+v", event)
	}
	if event.DedupKey != "req-123" {
		t.Errorf("expected request id as dedup key, got %q", event.DedupKey)
	}
	if event.Payload.Severity != "critical" || event.Payload.Source != "gw-1" {
		t.Errorf("unexpected payload: %+v", event.Payload)
	}
	if event.Payload.CustomDetails["body"] != "call rate 40x baseline" {
		t.Errorf("expected alert body in custom details, got %v", event.Payload.CustomDetails)
	}
}

func TestPagerDutyNotifier_SurfacesAPIErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid routing key", http.StatusBadRequest)
	}))
	defer srv.Close()

	n, err := NewPagerDutyNotifier(PagerDutyConfig{RoutingKey: "rk-1", URL: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("NewPagerDutyNotifier: %v", err)
	}
	err = n.Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("expected status 400 error, got %v", err)
	}
}

// ---- email ----

func TestNewEmailNotifier_Validation(t *testing.T) {
	t.Parallel()

	base := EmailConfig{Host: "smtp.example.com", From: "sark@example.com", AlertTo: []string{"sec@example.com"}}

	missingHost := base
	missingHost.Host = ""
	if _, err := NewEmailNotifier(missingHost, testLogger()); err == nil {
		t.Fatal("expected error for missing host")
	}

	missingFrom := base
	missingFrom.From = ""
	if _, err := NewEmailNotifier(missingFrom, testLogger()); err == nil {
		t.Fatal("expected error for missing sender")
	}

	missingTo := base
	missingTo.AlertTo = nil
	if _, err := NewEmailNotifier(missingTo, testLogger()); err == nil {
		t.Fatal("expected error for missing recipients")
	}

	n, err := NewEmailNotifier(base, testLogger())
	if err != nil {
		t.Fatalf("NewEmailNotifier: %v", err)
	}
	if n.Name() != "email" {
		t.Fatalf("expected name email, got %q", n.Name())
	}
}

func TestAlertBody_RendersStableOrder(t *testing.T) {
	t.Parallel()

	body := alertBody(testAlert())
	for _, want := range []string{
		"call rate 40x baseline",
		"Severity: critical",
		"Principal: agent-7",
		"Request: req-123",
		"At: 2026-03-14T09:30:00Z",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
	// Detail keys render sorted.
	if strings.Index(body, "capability:") > strings.Index(body, "score:") {
		t.Errorf("detail keys not sorted:\n%s", body)
	}
}

func TestChallengeBody_ContainsCodeAndExpiry(t *testing.T) {
	t.Parallel()

	challenge := &mfa.Challenge{
		ID:          "ch-1",
		PrincipalID: "agent-7",
		Method:      mfa.MethodEmail,
		Action:      "github.delete_repo",
		Code:        "481516",
		ExpiresAt:   time.Date(2026, 3, 14, 9, 32, 0, 0, time.UTC),
	}
	body := challengeBody(challenge)
	for _, want := range []string{"481516", "github.delete_repo", "2026-03-14T09:32:00Z"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

// ---- webhook ----

func TestNewWebhookDeliverer_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewWebhookDeliverer("", testLogger()); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewWebhookDeliverer("::bad::", testLogger()); err == nil {
		t.Fatal("expected error for malformed url")
	}
	if _, err := NewWebhookDeliverer("https://hooks.example.com/mfa", testLogger()); err != nil {
		t.Fatalf("NewWebhookDeliverer: %v", err)
	}
}

func TestWebhookDeliverer_PostsChannelCode(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		payload webhookChallenge
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		var got webhookChallenge
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		mu.Lock()
		payload = got
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := NewWebhookDeliverer(srv.URL, testLogger())
	if err != nil {
		t.Fatalf("NewWebhookDeliverer: %v", err)
	}

	challenge := &mfa.Challenge{
		ID:          "ch-1",
		PrincipalID: "agent-7",
		Method:      mfa.MethodSMS,
		Action:      "github.delete_repo",
		Code:        "481516",
		CreatedAt:   time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ExpiresAt:   time.Date(2026, 3, 14, 9, 32, 0, 0, time.UTC),
	}
	if err := d.Deliver(context.Background(), challenge); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if payload.ChallengeID != "ch-1" || payload.Method != "sms" {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if payload.Code != "481516" {
		t.Errorf("sms delivery must carry the code, got %q", payload.Code)
	}
	if payload.ExpiresAt != "2026-03-14T09:32:00Z" {
		t.Errorf("unexpected expiry %q", payload.ExpiresAt)
	}
}

func TestWebhookDeliverer_OmitsPushCode(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		raw []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		raw = data
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, err := NewWebhookDeliverer(srv.URL, testLogger())
	if err != nil {
		t.Fatalf("NewWebhookDeliverer: %v", err)
	}

	challenge := &mfa.Challenge{
		ID:          "ch-2",
		PrincipalID: "agent-7",
		Method:      mfa.MethodPush,
		Code:        "481516",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(2 * time.Minute),
	}
	if err := d.Deliver(context.Background(), challenge); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Contains(string(raw), "481516") {
		t.Errorf("push delivery must not leak the code: %s", raw)
	}
	if !strings.Contains(string(raw), "ch-2") {
		t.Errorf("payload missing challenge id: %s", raw)
	}
}

func TestWebhookDeliverer_SurfacesEndpointErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	d, err := NewWebhookDeliverer(srv.URL, testLogger())
	if err != nil {
		t.Fatalf("NewWebhookDeliverer: %v", err)
	}
	err = d.Deliver(context.Background(), &mfa.Challenge{
		ID:        "ch-3",
		Method:    mfa.MethodSMS,
		Code:      "000000",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Minute),
	})
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("expected status 502 error, got %v", err)
	}
}
