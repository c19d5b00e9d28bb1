// Package breaker implements per-target circuit breaking for outbound
// calls: closed until consecutive failures reach the threshold, open for
// the recovery timeout, then a single half-open probe decides between
// closing again and re-opening.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// StateClosed passes requests through and counts failures.
	StateClosed State = iota
	// StateOpen fails fast until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a single probe request.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call without running it.
var ErrOpen = errors.New("circuit breaker open")

// Defaults per target.
const (
	// DefaultFailureThreshold trips the breaker at this many consecutive
	// failures.
	DefaultFailureThreshold = 5
	// DefaultRecoveryTimeout is how long the breaker stays open before
	// admitting a probe.
	DefaultRecoveryTimeout = 60 * time.Second
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Zero means DefaultFailureThreshold.
	FailureThreshold int
	// RecoveryTimeout is the open duration before half-open.
	// Zero means DefaultRecoveryTimeout.
	RecoveryTimeout time.Duration
	// OnStateChange observes transitions, when set. Called outside the
	// breaker lock.
	OnStateChange func(name string, from, to State)
	// now is the clock, overridable by tests.
	now func() time.Time
}

func (c *Config) withDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Counts reports breaker activity since the last state change.
type Counts struct {
	// Successes is the number of successful calls.
	Successes uint64
	// Failures is the number of failed calls.
	Failures uint64
	// ConsecutiveFailures resets on every success.
	ConsecutiveFailures int
}

// Breaker is one circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	probing  bool
}

// New creates a breaker for the named target.
func New(name string, cfg Config) *Breaker {
	cfg.withDefaults()
	return &Breaker{name: name, cfg: cfg}
}

// Name returns the target name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, applying the open→half-open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.cfg.now())
}

// Counts returns the activity counters since the last state change.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a call may proceed now. In half-open it admits
// exactly one probe; callers must report the outcome via Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked(b.cfg.now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record reports a call outcome. A failure in closed state trips the
// breaker at the threshold; the half-open probe outcome decides between
// closed and open.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	now := b.cfg.now()
	state := b.stateLocked(now)

	if success {
		b.counts.Successes++
		b.counts.ConsecutiveFailures = 0
	} else {
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
	}

	var transition func()
	switch state {
	case StateClosed:
		if !success && b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			transition = b.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.probing = false
		if success {
			transition = b.setStateLocked(StateClosed, now)
		} else {
			transition = b.setStateLocked(StateOpen, now)
		}
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Do runs fn under the breaker. When the breaker is open the call fails
// fast with ErrOpen and fn never runs.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// stateLocked returns the effective state at now, moving open→half-open
// when the recovery timeout has elapsed. Caller holds b.mu.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		if fn := b.setStateLocked(StateHalfOpen, now); fn != nil {
			// The observer must not run under b.mu.
			go fn()
		}
	}
	return b.state
}

// setStateLocked transitions the breaker and returns the observer call
// to run outside the lock. Caller holds b.mu.
func (b *Breaker) setStateLocked(state State, now time.Time) func() {
	if b.state == state {
		return nil
	}
	from := b.state
	b.state = state
	b.counts = Counts{}
	b.probing = false
	if state == StateOpen {
		b.openedAt = now
	}
	if b.cfg.OnStateChange == nil {
		return nil
	}
	name, observer := b.name, b.cfg.OnStateChange
	return func() { observer(name, from, state) }
}
