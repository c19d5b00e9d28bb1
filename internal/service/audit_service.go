package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sark-labs/sark/internal/domain/audit"
)

// EventRecorder accepts audit events for asynchronous recording.
// AuditService is the canonical implementation; services that only
// record take this narrow dependency instead of the full writer.
type EventRecorder interface {
	Record(event audit.Event)
}

// ForwardQueue accepts events for asynchronous SIEM forwarding after
// they are durably inserted. Satisfied by siem.Worker.
type ForwardQueue interface {
	Enqueue(events ...audit.Event)
}

// EventTap observes events after insertion. The SSE event stream feeds
// from here. Taps must not block; slow consumers buffer on their side.
type EventTap func(event audit.Event)

// AuditService provides async audit logging with a buffered channel and
// background worker. Decision events are recorded without blocking the
// request hot path; SIEM enqueueing happens strictly after the durable
// insert so forwarding never precedes the log write.
type AuditService struct {
	store         audit.Store
	decisions     audit.DecisionStore // optional, may be nil
	forward       ForwardQueue        // optional, may be nil
	taps          []EventTap
	eventChan     chan audit.Event
	rowChan       chan audit.DecisionLog
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int           // capacity, tracked for depth monitoring
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64
	writeErrors atomic.Int64

	// Channel depth warnings are rate-limited to once per second.
	warningThreshold int
	lastWarning      atomic.Int64

	// Depth percentage that switches the flush ticker to 1/4 interval.
	adaptiveFlushThreshold int
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the event channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.eventChan = make(chan audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout: 0 drops immediately
// when the channel is full, >0 blocks up to this duration first.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithForwardQueue wires the SIEM forward queue. Events whose severity
// is high or critical are enqueued after each successful insert.
func WithForwardQueue(q ForwardQueue) AuditOption {
	return func(s *AuditService) {
		s.forward = q
	}
}

// WithDecisionStore wires the flattened decision-log store.
func WithDecisionStore(store audit.DecisionStore) AuditOption {
	return func(s *AuditService) {
		s.decisions = store
	}
}

// WithEventTap registers an insertion observer. May be used repeatedly.
func WithEventTap(tap EventTap) AuditOption {
	return func(s *AuditService) {
		s.taps = append(s.taps, tap)
	}
}

// NewAuditService creates a new AuditService over the given event store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1000
	s := &AuditService{
		store:                  store,
		eventChan:              make(chan audit.Event, defaultChannelSize),
		rowChan:                make(chan audit.DecisionLog, defaultChannelSize),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background workers that batch and write events and
// decision rows.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.eventWorker(ctx)

	if s.decisions != nil {
		s.wg.Add(1)
		go s.decisionWorker(ctx)
	}
}

// Record sends an audit event to the background worker. A fast
// non-blocking send is tried first; when the channel is full, the caller
// blocks up to sendTimeout before the event is dropped and counted.
func (s *AuditService) Record(event audit.Event) {
	if s.warningThreshold > 0 {
		depth := len(s.eventChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.eventChan <- event:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(event)
		return
	}

	select {
	case s.eventChan <- event:
	case <-time.After(s.sendTimeout):
		s.recordDrop(event)
	}
}

// LogDecision sends a flattened decision row to the background worker.
// Rows are dropped when no decision store is configured or the buffer
// is full; the decision event itself went through Record already.
func (s *AuditService) LogDecision(row audit.DecisionLog) {
	if s.decisions == nil {
		return
	}
	select {
	case s.rowChan <- row:
	default:
		s.dropCount.Add(1)
		s.logger.Warn("decision row dropped", "request_id", row.RequestID)
	}
}

func (s *AuditService) recordDrop(event audit.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped",
		"event_type", event.EventType,
		"request_id", event.RequestID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns the total dropped events for metrics surfaces.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// WriteErrors returns the number of failed batch writes.
func (s *AuditService) WriteErrors() int64 {
	return s.writeErrors.Load()
}

// ChannelDepth returns current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.eventChan)
}

// ChannelCapacity returns the channel buffer size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the workers to stop and waits for them. Pending events
// are flushed before returning.
func (s *AuditService) Stop() {
	close(s.eventChan)
	if s.decisions != nil {
		close(s.rowChan)
	}
	s.wg.Wait()
}

// eventWorker collects and flushes audit events.
func (s *AuditService) eventWorker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case event, ok := <-s.eventChan:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, event)

			shouldFlush := len(batch) >= s.batchSize

			// Flush early when the channel itself is under pressure.
			if !shouldFlush && s.adaptiveFlushThreshold > 0 {
				depth := len(s.eventChan)
				if depth*100/s.channelSize >= s.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}

			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				depthPercent := len(s.eventChan) * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is already buffered, then flush with a
			// bounded deadline and exit.
			for {
				select {
				case event, ok := <-s.eventChan:
					if !ok {
						goto drained
					}
					batch = append(batch, event)
				default:
					goto drained
				}
			}
		drained:
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes a batch to the store, then hands forwardable events to
// the SIEM queue and the taps. Errors are logged, never propagated:
// audit must not fail gateway operations, and events that failed to
// insert are not forwarded (the insert precedes forwarding).
func (s *AuditService) flush(ctx context.Context, batch []audit.Event) {
	if err := s.store.Insert(ctx, batch...); err != nil {
		s.writeErrors.Add(1)
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
		return
	}

	if s.forward != nil {
		for _, event := range batch {
			if event.Severity.ShouldForward() {
				s.forward.Enqueue(event)
			}
		}
	}
	for _, tap := range s.taps {
		for _, event := range batch {
			tap(event)
		}
	}
}

// decisionWorker writes flattened decision rows.
func (s *AuditService) decisionWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case row, ok := <-s.rowChan:
			if !ok {
				return
			}
			s.insertRow(row)
		case <-ctx.Done():
			// Drain what is buffered, then exit; later sends are
			// dropped by LogDecision.
			for {
				select {
				case row, ok := <-s.rowChan:
					if !ok {
						return
					}
					s.insertRow(row)
				default:
					return
				}
			}
		}
	}
}

func (s *AuditService) insertRow(row audit.DecisionLog) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.decisions.InsertDecision(writeCtx, &row); err != nil {
		s.writeErrors.Add(1)
		s.logger.Error("failed to write decision row",
			"error", err,
			"request_id", row.RequestID,
		)
	}
}
