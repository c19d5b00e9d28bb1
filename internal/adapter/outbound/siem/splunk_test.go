package siem

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

	"github.com/sark-labs/sark/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func forwardEvent(id string, sev audit.Severity) audit.Event {
	return audit.Event{
		ID:          id,
		Timestamp:   time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		EventType:   audit.EventTypeAuthorizationDenied,
		Severity:    sev,
		PrincipalID: "agent-7",
		Decision:    audit.DecisionDeny,
		Reason:      "sensitivity exceeds role ceiling",
		RequestID:   "req-" + id,
	}
}

// hecCapture records every collector request for assertions.
type hecCapture struct {
	mu       sync.Mutex
	requests []hecRequest
}

type hecRequest struct {
	path   string
	auth   string
	frames []splunkEnvelope
}

func (c *hecCapture) handler(t *testing.T, status int, reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var frames []splunkEnvelope
		dec := json.NewDecoder(r.Body)
		for {
			var frame splunkEnvelope
			if err := dec.Decode(&frame); err == io.EOF {
				break
			} else if err != nil {
				t.Errorf("decode frame: %v", err)
				break
			}
			frames = append(frames, frame)
		}
		c.mu.Lock()
		c.requests = append(c.requests, hecRequest{
			path:   r.URL.Path,
			auth:   r.Header.Get("Authorization"),
			frames: frames,
		})
		c.mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}
}

func (c *hecCapture) snapshot() []hecRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]hecRequest(nil), c.requests...)
}

func TestSplunkForwarder_Name(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "tok-1"}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}
	if f.Name() != "splunk" {
		t.Fatalf("expected name splunk, got %q", f.Name())
	}
}

func TestNewSplunkForwarder_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewSplunkForwarder(SplunkConfig{URL: "", Token: "tok"}, testLogger()); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewSplunkForwarder(SplunkConfig{URL: "::bad::", Token: "tok"}, testLogger()); err == nil {
		t.Fatal("expected error for malformed url")
	}
	if _, err := NewSplunkForwarder(SplunkConfig{URL: "https://splunk.local:8088"}, testLogger()); err == nil {
		t.Fatal("expected error for missing token")
	}

	f, err := NewSplunkForwarder(SplunkConfig{URL: "https://splunk.local:8088", Token: "tok"}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}
	if f.cfg.Source != "sark-gateway" {
		t.Fatalf("expected default source, got %q", f.cfg.Source)
	}
	if f.cfg.SourceType != "_json" {
		t.Fatalf("expected default sourcetype, got %q", f.cfg.SourceType)
	}
	if f.cfg.BatchSize != DefaultSplunkBatchSize {
		t.Fatalf("expected default batch size, got %d", f.cfg.BatchSize)
	}
	if f.endpoint != "https://splunk.local:8088/services/collector/event" {
		t.Fatalf("unexpected endpoint %q", f.endpoint)
	}
}

func TestSplunkForwarder_ForwardsFrames(t *testing.T) {
	t.Parallel()

	capture := &hecCapture{}
	srv := httptest.NewServer(capture.handler(t, http.StatusOK, `{"text":"Success","code":0}`))
	defer srv.Close()

	f, err := NewSplunkForwarder(SplunkConfig{
		URL:   srv.URL,
		Token: "tok-1",
		Index: "security",
		Host:  "gw-1",
	}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}

	events := []audit.Event{
		forwardEvent("ev-1", audit.SeverityHigh),
		forwardEvent("ev-2", audit.SeverityCritical),
	}
	if err := f.Forward(context.Background(), events); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	requests := capture.snapshot()
	if len(requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(requests))
	}
	req := requests[0]
	if req.path != "/services/collector/event" {
		t.Fatalf("unexpected path %q", req.path)
	}
	if req.auth != "Splunk tok-1" {
		t.Fatalf("unexpected authorization %q", req.auth)
	}
	if len(req.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(req.frames))
	}

	frame := req.frames[0]
	wantTime := float64(events[0].Timestamp.UnixMilli()) / 1000
	if frame.Time != wantTime {
		t.Fatalf("expected time %v, got %v", wantTime, frame.Time)
	}
	if frame.Host != "gw-1" || frame.Index != "security" {
		t.Fatalf("unexpected frame tags: %+v", frame)
	}
	if frame.Source != "sark-gateway" || frame.SourceType != "_json" {
		t.Fatalf("unexpected frame defaults: %+v", frame)
	}
	if frame.Event.ID != "ev-1" || frame.Event.Reason != "sensitivity exceeds role ceiling" {
		t.Fatalf("event did not round-trip: %+v", frame.Event)
	}
	if req.frames[1].Event.ID != "ev-2" {
		t.Fatalf("expected ev-2 second, got %q", req.frames[1].Event.ID)
	}
}

func TestSplunkForwarder_ChunksLargeBatches(t *testing.T) {
	t.Parallel()

	capture := &hecCapture{}
	srv := httptest.NewServer(capture.handler(t, http.StatusOK, `{"text":"Success","code":0}`))
	defer srv.Close()

	f, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "tok", BatchSize: 2}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}

	var events []audit.Event
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		events = append(events, forwardEvent(id, audit.SeverityHigh))
	}
	if err := f.Forward(context.Background(), events); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	requests := capture.snapshot()
	if len(requests) != 3 {
		t.Fatalf("expected 3 chunked requests, got %d", len(requests))
	}
	sizes := []int{len(requests[0].frames), len(requests[1].frames), len(requests[2].frames)}
	if sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if requests[2].frames[0].Event.ID != "e" {
		t.Fatalf("expected final chunk to carry e, got %q", requests[2].frames[0].Event.ID)
	}
}

func TestSplunkForwarder_CollectorErrors(t *testing.T) {
	t.Parallel()

	t.Run("http error", func(t *testing.T) {
		t.Parallel()
		capture := &hecCapture{}
		srv := httptest.NewServer(capture.handler(t, http.StatusForbidden, `{"text":"Invalid token","code":4}`))
		defer srv.Close()

		f, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "bad"}, testLogger())
		if err != nil {
			t.Fatalf("NewSplunkForwarder: %v", err)
		}
		err = f.Forward(context.Background(), []audit.Event{forwardEvent("ev-1", audit.SeverityHigh)})
		if err == nil {
			t.Fatal("expected error for 403")
		}
		if !strings.Contains(err.Error(), "403") {
			t.Fatalf("expected status in error, got %v", err)
		}
	})

	t.Run("hec code in 2xx", func(t *testing.T) {
		t.Parallel()
		capture := &hecCapture{}
		srv := httptest.NewServer(capture.handler(t, http.StatusOK, `{"text":"Incorrect index","code":7}`))
		defer srv.Close()

		f, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "tok"}, testLogger())
		if err != nil {
			t.Fatalf("NewSplunkForwarder: %v", err)
		}
		err = f.Forward(context.Background(), []audit.Event{forwardEvent("ev-1", audit.SeverityHigh)})
		if err == nil {
			t.Fatal("expected error for non-zero collector code")
		}
		if !strings.Contains(err.Error(), "code 7") {
			t.Fatalf("expected collector code in error, got %v", err)
		}
	})
}

func TestSplunkForwarder_TLSVerification(t *testing.T) {
	t.Parallel()

	capture := &hecCapture{}
	srv := httptest.NewTLSServer(capture.handler(t, http.StatusOK, `{"text":"Success","code":0}`))
	defer srv.Close()

	events := []audit.Event{forwardEvent("ev-1", audit.SeverityCritical)}

	strict, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "tok"}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}
	if err := strict.Forward(context.Background(), events); err == nil {
		t.Fatal("expected certificate error against self-signed collector")
	}

	lax, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "tok", SkipTLSVerify: true}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}
	if err := lax.Forward(context.Background(), events); err != nil {
		t.Fatalf("Forward with SkipTLSVerify: %v", err)
	}
	if len(capture.snapshot()) != 1 {
		t.Fatalf("expected exactly the lax request to land, got %d", len(capture.snapshot()))
	}
}

func TestSplunkForwarder_ContextCancelled(t *testing.T) {
	t.Parallel()

	capture := &hecCapture{}
	srv := httptest.NewServer(capture.handler(t, http.StatusOK, `{"text":"Success","code":0}`))
	defer srv.Close()

	f, err := NewSplunkForwarder(SplunkConfig{URL: srv.URL, Token: "tok"}, testLogger())
	if err != nil {
		t.Fatalf("NewSplunkForwarder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Forward(ctx, []audit.Event{forwardEvent("ev-1", audit.SeverityHigh)}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestReplySnippet(t *testing.T) {
	t.Parallel()

	if got := replySnippet(nil); got != "(empty body)" {
		t.Fatalf("expected empty marker, got %q", got)
	}
	if got := replySnippet([]byte("  denied \n")); got != "denied" {
		t.Fatalf("expected trimmed body, got %q", got)
	}
	long := strings.Repeat("x", 600)
	if got := replySnippet([]byte(long)); len(got) != 512+3 || !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncated body, got %d bytes", len(got))
	}
}
