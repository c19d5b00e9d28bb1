package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

const (
	// eventBufferSize bounds the replay buffer. A reconnecting client
	// resumes without gaps as long as it missed fewer events than this.
	eventBufferSize = 256

	// subscriberBuffer is each subscriber's channel depth. Slow
	// subscribers lose events rather than block the audit worker.
	subscriberBuffer = 64

	// keepaliveInterval paces comment pings that hold idle
	// connections open through proxies.
	keepaliveInterval = 15 * time.Second
)

// storedEvent is one broadcast frame: a monotonically increasing id
// and the marshaled audit event.
type storedEvent struct {
	id   uint64
	data []byte
}

type subscriber struct {
	ch chan storedEvent
}

// EventStream broadcasts audit events to SSE subscribers. Publish is
// registered as an audit event tap; the handler serves GET with
// Last-Event-ID resume against the replay buffer.
type EventStream struct {
	mu      sync.Mutex
	nextID  uint64
	buffer  []storedEvent
	subs    map[*subscriber]struct{}
	closed  bool
	dropped atomic.Int64
	logger  *slog.Logger
}

// NewEventStream creates an EventStream.
func NewEventStream(logger *slog.Logger) *EventStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventStream{
		subs:   make(map[*subscriber]struct{}),
		logger: logger,
	}
}

// Publish assigns the next event id, appends to the replay buffer, and
// fans out to subscribers without blocking. Safe for concurrent use;
// wired as service.WithEventTap(stream.Publish).
func (s *EventStream) Publish(event audit.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("event stream marshal failed", "event_id", event.ID, "error", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.nextID++
	frame := storedEvent{id: s.nextID, data: data}
	s.buffer = append(s.buffer, frame)
	if len(s.buffer) > eventBufferSize {
		s.buffer = s.buffer[len(s.buffer)-eventBufferSize:]
	}
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- frame:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the live connection count, for health output.
func (s *EventStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped returns how many frames were shed to slow subscribers.
func (s *EventStream) Dropped() int64 {
	return s.dropped.Load()
}

// Close disconnects every subscriber. Publishes after Close are
// dropped.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		close(sub.ch)
	}
	s.subs = make(map[*subscriber]struct{})
}

// subscribe registers a connection and snapshots the replay backlog in
// the same critical section, so no event falls between replay and live.
func (s *EventStream) subscribe(lastID uint64) (*subscriber, []storedEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, false
	}

	sub := &subscriber{ch: make(chan storedEvent, subscriberBuffer)}
	s.subs[sub] = struct{}{}

	var backlog []storedEvent
	for _, frame := range s.buffer {
		if frame.id > lastID {
			backlog = append(backlog, frame)
		}
	}
	return sub, backlog, true
}

func (s *EventStream) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// Handler serves the SSE stream. Last-Event-ID (header, or the
// last_event_id query parameter for EventSource polyfills) resumes
// from the replay buffer.
func (s *EventStream) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
			return
		}

		lastID := parseLastEventID(r)
		sub, backlog, ok := s.subscribe(lastID)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "stream_closed", "event stream is shut down")
			return
		}
		defer s.unsubscribe(sub)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")

		for _, frame := range backlog {
			writeEventFrame(w, frame)
		}
		flusher.Flush()

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case frame, ok := <-sub.ch:
				if !ok {
					return
				}
				writeEventFrame(w, frame)
				flusher.Flush()
			}
		}
	})
}

func writeEventFrame(w http.ResponseWriter, frame storedEvent) {
	fmt.Fprintf(w, "id: %d\nevent: audit\ndata: %s\n\n", frame.id, frame.data)
}

func parseLastEventID(r *http.Request) uint64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
