package siem

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sark-labs/sark/internal/breaker"
	"github.com/sark-labs/sark/internal/domain/audit"
	"github.com/sark-labs/sark/internal/port/outbound"
	"github.com/sark-labs/sark/internal/retry"
)

// Worker defaults.
const (
	// DefaultWorkerBatchSize is the flush batch size.
	DefaultWorkerBatchSize = 100
	// DefaultFlushInterval is the periodic flush cadence.
	DefaultFlushInterval = 10 * time.Second
	// DefaultBufferSize bounds the in-memory forward queue.
	DefaultBufferSize = 1000
	// DefaultSweepInterval is the backlog recovery cadence.
	DefaultSweepInterval = time.Minute

	// flushTimeout bounds one delivery cycle across retries.
	flushTimeout = 2 * time.Minute
)

// WorkerConfig tunes the forward worker.
type WorkerConfig struct {
	// BatchSize is the number of events per flush; zero means
	// DefaultWorkerBatchSize.
	BatchSize int
	// FlushInterval is the periodic flush cadence; zero means
	// DefaultFlushInterval.
	FlushInterval time.Duration
	// BufferSize bounds the in-memory queue; zero means
	// DefaultBufferSize.
	BufferSize int
	// SweepInterval is the backlog recovery cadence; zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration
	// Retry is the per-delivery backoff policy; zero value uses
	// retry.DefaultConfig.
	Retry retry.Config
}

func (c *WorkerConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultWorkerBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig
	}
}

// WorkerStats is a snapshot of the worker's queue and breakers for the
// health and metrics surfaces.
type WorkerStats struct {
	// Pending is the in-memory queue depth.
	Pending int
	// Dropped counts events evicted from a full queue.
	Dropped uint64
	// Deferred counts events refused by a full all-critical queue and
	// left to the backlog sweep.
	Deferred uint64
	// Breakers is the current state per platform.
	Breakers map[string]breaker.State
}

// Worker drains high-severity audit events to the configured SIEM
// platforms. Events enter through Enqueue at insert time; a periodic
// sweep over the store's unforwarded backlog recovers anything the
// queue sheds or a crash loses. Delivery failures never propagate to
// the request path.
type Worker struct {
	store      audit.Store
	forwarders []outbound.Forwarder
	breakers   *breaker.Manager
	cfg        WorkerConfig
	logger     *slog.Logger
	nowFunc    func() time.Time

	mu       sync.Mutex
	buf      []audit.Event // oldest first
	dropped  uint64
	deferred uint64

	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewWorker builds a forward worker over the store and platforms.
// A nil breakers manager gets a private one with default thresholds.
func NewWorker(store audit.Store, forwarders []outbound.Forwarder, breakers *breaker.Manager, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.withDefaults()
	if breakers == nil {
		breakers = breaker.NewManager(breaker.Config{})
	}
	return &Worker{
		store:      store,
		forwarders: forwarders,
		breakers:   breakers,
		cfg:        cfg,
		logger:     logger,
		nowFunc:    time.Now,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the flush loop. Call once.
func (w *Worker) Start() {
	go w.run()
}

// Stop flushes what it can and halts the loop. Waiting is bounded by
// ctx; the final flush finishes in the background if ctx expires first.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues events at forwarding severity. When the queue is full
// the oldest non-critical event is evicted first; if every queued event
// is critical the new event is left to the backlog sweep instead.
// Either way the durable insert is untouched.
func (w *Worker) Enqueue(events ...audit.Event) {
	if len(w.forwarders) == 0 {
		return
	}
	pending := 0
	for _, ev := range events {
		if !ev.Severity.ShouldForward() {
			continue
		}
		pending = w.push(ev)
	}
	if pending >= w.cfg.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Stats snapshots queue depth, drop counters, and breaker states.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	pending, dropped, deferred := len(w.buf), w.dropped, w.deferred
	w.mu.Unlock()
	return WorkerStats{
		Pending:  pending,
		Dropped:  dropped,
		Deferred: deferred,
		Breakers: w.breakers.States(),
	}
}

// push appends under the buffer bound and returns the new depth.
func (w *Worker) push(ev audit.Event) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) < w.cfg.BufferSize {
		w.buf = append(w.buf, ev)
		return len(w.buf)
	}
	for i, queued := range w.buf {
		if queued.Severity != audit.SeverityCritical {
			w.dropped++
			w.logger.Warn("siem queue full, shedding oldest event",
				"dropped_id", queued.ID,
				"dropped_severity", queued.Severity)
			copy(w.buf[i:], w.buf[i+1:])
			w.buf[len(w.buf)-1] = ev
			return len(w.buf)
		}
	}
	// Queue is entirely critical; leave the event to the backlog sweep.
	w.deferred++
	w.logger.Warn("siem queue full of critical events, deferring to backlog sweep",
		"event_id", ev.ID)
	return len(w.buf)
}

// take removes up to n oldest events from the queue.
func (w *Worker) take(n int) []audit.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return nil
	}
	if n > len(w.buf) {
		n = len(w.buf)
	}
	batch := make([]audit.Event, n)
	copy(batch, w.buf)
	rest := copy(w.buf, w.buf[n:])
	w.buf = w.buf[:rest]
	return batch
}

func (w *Worker) run() {
	defer close(w.done)

	// Recover anything left unforwarded by a previous run.
	w.sweepBacklog()

	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()
	sweep := time.NewTicker(w.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-w.stop:
			w.flush()
			return
		case <-w.kick:
			w.flush()
		case <-flush.C:
			w.flush()
		case <-sweep.C:
			w.sweepBacklog()
		}
	}
}

// flush drains the queue in batches until it is empty or a delivery
// fails. A failed batch is not requeued; the backlog sweep recovers it
// from the store.
func (w *Worker) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		batch := w.take(w.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		if !w.deliver(ctx, batch) {
			return
		}
		w.mark(ctx, batch)
		if len(batch) < w.cfg.BatchSize {
			return
		}
	}
}

// sweepBacklog forwards stored events that never made it out: shed
// queue entries, failed batches, and events inserted before a crash.
// Events younger than the grace window are skipped; those are still in
// the flush path.
func (w *Worker) sweepBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	events, err := w.store.ListUnforwarded(ctx, w.cfg.BatchSize)
	if err != nil {
		w.logger.Warn("siem backlog listing failed", "error", err)
		return
	}
	cutoff := w.nowFunc().Add(-2 * w.cfg.FlushInterval)
	backlog := events[:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			break
		}
		backlog = append(backlog, ev)
	}
	if len(backlog) == 0 {
		return
	}
	if !w.deliver(ctx, backlog) {
		return
	}
	w.mark(ctx, backlog)
	w.logger.Info("siem backlog recovered", "events", len(backlog))
}

// deliver sends the batch to every platform, each behind its breaker
// with backoff retries. True means all platforms accepted the batch.
func (w *Worker) deliver(ctx context.Context, events []audit.Event) bool {
	if len(w.forwarders) == 0 {
		return false
	}
	cfg := w.cfg.Retry
	cfg.ShouldRetry = func(err error) bool {
		return !errors.Is(err, breaker.ErrOpen)
	}

	allOK := true
	for _, fwd := range w.forwarders {
		b := w.breakers.Get(fwd.Name())
		err := retry.Do(ctx, cfg, func() error {
			return b.Do(func() error {
				return fwd.Forward(ctx, events)
			})
		})
		if err != nil {
			allOK = false
			w.logger.Warn("siem forward failed",
				"platform", fwd.Name(),
				"events", len(events),
				"breaker", b.State().String(),
				"error", err)
		}
	}
	return allOK
}

// mark stamps the forwarded events. A failed stamp is logged and left
// to the sweep, which re-forwards; platforms see duplicates rather
// than gaps.
func (w *Worker) mark(ctx context.Context, events []audit.Event) {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	if err := w.store.MarkForwarded(ctx, ids, w.nowFunc().UTC()); err != nil {
		w.logger.Warn("siem forward stamp failed", "events", len(ids), "error", err)
	}
}
