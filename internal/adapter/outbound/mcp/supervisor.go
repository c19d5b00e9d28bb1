package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// State is the lifecycle state of a supervised stdio server.
type State int32

const (
	// StateStopped means no child process exists.
	StateStopped State = iota
	// StateStarting means the child is being launched.
	StateStarting
	// StateRunning means the child is serving requests.
	StateRunning
	// StateRestarting means the child is being replaced after an exit,
	// a hung detection, or a resource-limit breach.
	StateRestarting
	// StateStopping means a graceful stop is in progress.
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrTransportStopped completes pending calls when the child stops or
// restarts before their responses arrive.
var ErrTransportStopped = errors.New("stdio transport stopped")

// ErrSupervisorFailed is returned by Start and Call after the restart
// budget is exhausted. The supervisor stays stopped until it is replaced.
var ErrSupervisorFailed = errors.New("stdio server failed permanently")

// Limits bounds a supervised child process.
type Limits struct {
	// MaxMemoryBytes hard-kills the child when its RSS exceeds it.
	MaxMemoryBytes uint64
	// MaxFileDescriptors hard-kills the child when its open fd count exceeds it.
	MaxFileDescriptors int
	// MaxCPUPercent logs a warning when sustained CPU exceeds it. Warn only.
	MaxCPUPercent float64
	// HeartbeatInterval is the resource polling period.
	HeartbeatInterval time.Duration
	// HungTimeout restarts the child when no message has crossed the
	// pipes for this long.
	HungTimeout time.Duration
	// StopTimeout is the SIGTERM grace before SIGKILL on graceful stop.
	StopTimeout time.Duration
	// MaxRestartAttempts bounds automatic restarts; beyond it the
	// supervisor is fatally stopped.
	MaxRestartAttempts int
}

// DefaultLimits returns the stock child limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes:     1 << 30, // 1 GiB
		MaxFileDescriptors: 1024,
		MaxCPUPercent:      80,
		HeartbeatInterval:  time.Second,
		HungTimeout:        30 * time.Second,
		StopTimeout:        5 * time.Second,
		MaxRestartAttempts: 3,
	}
}

// ProcessInfo is an observable snapshot of a supervised child.
type ProcessInfo struct {
	Command       []string  `json:"command"`
	Dir           string    `json:"dir,omitempty"`
	PID           int       `json:"pid"`
	State         string    `json:"state"`
	Fatal         bool      `json:"fatal,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	Restarts      int       `json:"restarts"`
	RSSBytes      uint64    `json:"rss_bytes"`
	FDCount       int       `json:"fd_count"`
	CPUPercent    float64   `json:"cpu_percent"`
}

// rpcReply delivers the outcome of one pending call.
type rpcReply struct {
	result json.RawMessage
	rpcErr *rpcError
	err    error
}

// child is one generation of the supervised process. Every restart
// replaces the whole generation; goroutines are bound to theirs and exit
// when it is torn down.
type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	outbox chan []byte
	// gone is closed when the generation is torn down; it stops the
	// write and monitor loops.
	gone chan struct{}
	// exited is closed by the reaper after cmd.Wait returns.
	exited    chan struct{}
	startedAt time.Time
}

// Supervisor runs one MCP server as a child process and speaks
// newline-delimited JSON-RPC 2.0 over its stdin/stdout. It restarts the
// child on unexpected exit, hung pipes, or resource-limit breaches, up
// to a bounded number of attempts.
//
// Outbound requests get a monotonically increasing integer id. Pending
// requests are tracked by id; a dedicated reader goroutine completes
// them, a dedicated writer goroutine serializes frames onto stdin.
// Responses may arrive out of order.
type Supervisor struct {
	command []string
	dir     string
	env     []string
	limits  Limits
	logger  *slog.Logger

	nextID   atomic.Int64
	lastBeat atomic.Int64 // unix nanos of the last message in either direction

	mu       sync.Mutex
	state    State
	cur      *child
	pending  map[int64]chan rpcReply
	restarts int
	fatal    bool
	shutdown bool
	// last observed resource sample, for ProcessInfo.
	rssBytes   uint64
	fdCount    int
	cpuPercent float64
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLimits overrides the child resource limits.
func WithLimits(l Limits) SupervisorOption {
	return func(s *Supervisor) { s.limits = l }
}

// WithDir sets the child working directory.
func WithDir(dir string) SupervisorOption {
	return func(s *Supervisor) { s.dir = dir }
}

// WithEnv appends environment entries ("KEY=VALUE") to the child
// environment on top of the parent's.
func WithEnv(env []string) SupervisorOption {
	return func(s *Supervisor) { s.env = env }
}

// NewSupervisor creates a supervisor for the given command vector.
// The child is not started; call Start or let the first Call fail until
// the owner starts it.
func NewSupervisor(command []string, logger *slog.Logger, opts ...SupervisorOption) (*Supervisor, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("empty command")
	}
	s := &Supervisor{
		command: command,
		limits:  DefaultLimits(),
		logger:  logger,
		pending: make(map[int64]chan rpcReply),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limits.HeartbeatInterval <= 0 {
		s.limits.HeartbeatInterval = time.Second
	}
	return s, nil
}

// Start launches the child if it is not already running. A Start that
// races another launch or a restart waits for it to settle. Returns
// ErrSupervisorFailed after the restart budget is exhausted.
//
// The child is not bound to ctx; the supervisor owns its lifetime until
// Stop. ctx only bounds the launch itself.
func (s *Supervisor) Start(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		if s.fatal {
			s.mu.Unlock()
			return ErrSupervisorFailed
		}
		if s.state == StateRunning {
			s.mu.Unlock()
			return nil
		}
		if s.state == StateStopped {
			s.state = StateStarting
			s.shutdown = false
			s.mu.Unlock()
			break
		}
		// Starting, Restarting, or Stopping: wait for it to settle.
		s.mu.Unlock()
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c, err := s.spawn()

	s.mu.Lock()
	if err != nil {
		s.state = StateStopped
		s.mu.Unlock()
		return fmt.Errorf("start stdio server: %w", err)
	}
	if s.shutdown {
		// Stop raced the launch; tear the fresh child down.
		s.state = StateStopped
		s.mu.Unlock()
		_ = c.stdin.Close()
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
		return ErrTransportStopped
	}
	s.cur = c
	s.state = StateRunning
	s.mu.Unlock()

	s.touch()
	s.run(c)
	s.handshake(ctx)
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failed reports whether the supervisor is fatally stopped.
func (s *Supervisor) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// Info returns a snapshot of the supervised child.
func (s *Supervisor) Info() ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := ProcessInfo{
		Command:    s.command,
		Dir:        s.dir,
		State:      s.state.String(),
		Fatal:      s.fatal,
		Restarts:   s.restarts,
		RSSBytes:   s.rssBytes,
		FDCount:    s.fdCount,
		CPUPercent: s.cpuPercent,
	}
	if s.cur != nil {
		info.StartedAt = s.cur.startedAt
		if s.cur.cmd.Process != nil {
			info.PID = s.cur.cmd.Process.Pid
		}
	}
	if beat := s.lastBeat.Load(); beat > 0 {
		info.LastHeartbeat = time.Unix(0, beat).UTC()
	}
	return info
}

// Call sends one request and waits for the matching response.
// Returns the raw result on success, an *rpcError when the server
// answered with a JSON-RPC error object, ErrTransportStopped when the
// child stopped or restarted first, or ErrSupervisorFailed after a
// fatal stop.
func (s *Supervisor) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	frame, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan rpcReply, 1)
	s.mu.Lock()
	if s.fatal {
		s.mu.Unlock()
		return nil, ErrSupervisorFailed
	}
	if s.state != StateRunning || s.cur == nil {
		s.mu.Unlock()
		return nil, ErrTransportStopped
	}
	c := s.cur
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.enqueue(ctx, c, append(frame, '\n')); err != nil {
		s.discard(id)
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		if reply.rpcErr != nil {
			return nil, reply.rpcErr
		}
		return reply.result, nil
	case <-ctx.Done():
		s.discard(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification. Notifications carry no id and receive no
// response.
func (s *Supervisor) Notify(ctx context.Context, method string, params interface{}) error {
	frame, err := encodeNotification(method, params)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.fatal {
		s.mu.Unlock()
		return ErrSupervisorFailed
	}
	if s.state != StateRunning || s.cur == nil {
		s.mu.Unlock()
		return ErrTransportStopped
	}
	c := s.cur
	s.mu.Unlock()

	return s.enqueue(ctx, c, append(frame, '\n'))
}

// Stop gracefully stops the child: SIGTERM, wait StopTimeout, then
// SIGKILL. Pending calls complete with ErrTransportStopped. Idempotent;
// a stop that races a launch or restart waits for it to settle first.
func (s *Supervisor) Stop(ctx context.Context) error {
	for {
		s.mu.Lock()
		s.shutdown = true
		switch s.state {
		case StateStopped:
			s.mu.Unlock()
			return nil
		case StateRunning:
			c := s.cur
			s.state = StateStopping
			s.mu.Unlock()
			return s.teardown(ctx, c)
		default:
			// Starting, Restarting, or a concurrent Stopping owns the
			// generation; wait for it to settle.
			s.mu.Unlock()
			select {
			case <-time.After(10 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// teardown terminates one generation after the caller won the
// Running -> Stopping transition.
func (s *Supervisor) teardown(ctx context.Context, c *child) error {
	s.failPending(ErrTransportStopped)
	close(c.gone)

	// SIGTERM first; the child may flush and exit cleanly.
	if proc := c.cmd.Process; proc != nil {
		if err := unix.Kill(proc.Pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			s.logger.Debug("signal stdio server", "error", err)
		}
	}

	timer := time.NewTimer(s.limits.StopTimeout)
	defer timer.Stop()
	select {
	case <-c.exited:
	case <-timer.C:
		s.logger.Warn("stdio server ignored SIGTERM, killing",
			"command", s.command[0])
		s.kill(c)
		<-c.exited
	case <-ctx.Done():
		s.kill(c)
		<-c.exited
	}

	_ = c.stdin.Close()
	_ = c.stdout.Close()

	s.mu.Lock()
	s.cur = nil
	s.state = StateStopped
	s.mu.Unlock()
	return ctx.Err()
}

// spawn launches a new child generation.
func (s *Supervisor) spawn() (*child, error) {
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	// MCP servers log on stderr; forward it.
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, err
	}

	return &child{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		outbox:    make(chan []byte, 16),
		gone:      make(chan struct{}),
		exited:    make(chan struct{}),
		startedAt: time.Now().UTC(),
	}, nil
}

// run starts the per-generation goroutines.
func (s *Supervisor) run(c *child) {
	go s.writeLoop(c)
	go s.readLoop(c)
	go s.monitor(c)
	go s.reap(c)
}

// handshake performs the MCP initialize exchange. Best effort: simple
// servers answer tools/list without it, strict ones require it.
func (s *Supervisor) handshake(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.Call(hctx, methodInitialize, initializeParams()); err != nil {
		s.logger.Debug("stdio server initialize not acknowledged",
			"command", s.command[0], "error", err)
		return
	}
	if err := s.Notify(hctx, methodInitialized, nil); err != nil {
		s.logger.Debug("stdio server initialized notification failed",
			"command", s.command[0], "error", err)
	}
}

// enqueue hands one frame to the writer goroutine.
func (s *Supervisor) enqueue(ctx context.Context, c *child, frame []byte) error {
	select {
	case c.outbox <- frame:
		return nil
	case <-c.gone:
		return ErrTransportStopped
	case <-c.exited:
		return ErrTransportStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop serializes frames onto the child's stdin.
func (s *Supervisor) writeLoop(c *child) {
	for {
		select {
		case frame := <-c.outbox:
			if _, err := c.stdin.Write(frame); err != nil {
				s.logger.Debug("stdio write failed", "error", err)
				return
			}
			s.touch()
		case <-c.gone:
			return
		case <-c.exited:
			return
		}
	}
}

// readLoop completes pending calls from the child's stdout.
// Every inbound frame, including notifications, advances the heartbeat.
func (s *Supervisor) readLoop(c *child) {
	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.touch()

		var frame wireFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.logger.Warn("malformed frame from stdio server",
				"command", s.command[0], "error", err)
			continue
		}
		if frame.ID == nil {
			// Server notification or a frame we cannot correlate.
			continue
		}
		if frame.Method != "" {
			// Server-to-client request. The adapter does not serve
			// sampling or roots; there is nothing to answer.
			continue
		}
		s.complete(*frame.ID, rpcReply{result: frame.Result, rpcErr: frame.Error})
	}
}

// reap waits for the child to exit and triggers a restart when the exit
// was not requested.
func (s *Supervisor) reap(c *child) {
	err := c.cmd.Wait()
	close(c.exited)

	s.mu.Lock()
	unexpected := s.cur == c && s.state == StateRunning && !s.shutdown
	s.mu.Unlock()

	if unexpected {
		s.logger.Warn("stdio server exited",
			"command", s.command[0], "error", err)
		s.restart(c, "process exited")
	}
}

// monitor polls child resource usage every HeartbeatInterval and enforces
// the limits: memory and fd breaches hard-kill, CPU only warns, and a
// silent child beyond HungTimeout is restarted.
func (s *Supervisor) monitor(c *child) {
	ticker := time.NewTicker(s.limits.HeartbeatInterval)
	defer ticker.Stop()

	var (
		prevTicks uint64
		prevAt    time.Time
	)

	for {
		select {
		case <-c.gone:
			return
		case <-c.exited:
			return
		case now := <-ticker.C:
			proc := c.cmd.Process
			if proc == nil {
				continue
			}
			st, err := readProcStats(proc.Pid)
			if err == nil {
				cpu := 0.0
				if !prevAt.IsZero() && st.cpuTicks >= prevTicks {
					if dt := now.Sub(prevAt).Seconds(); dt > 0 {
						cpu = float64(st.cpuTicks-prevTicks) / clockTicksPerSecond / dt * 100
					}
				}
				prevTicks = st.cpuTicks
				prevAt = now

				s.mu.Lock()
				s.rssBytes = st.rssBytes
				s.fdCount = st.fdCount
				s.cpuPercent = cpu
				s.mu.Unlock()

				if s.limits.MaxMemoryBytes > 0 && st.rssBytes > s.limits.MaxMemoryBytes {
					s.logger.Error("stdio server over memory limit",
						"command", s.command[0],
						"rss_bytes", st.rssBytes,
						"limit_bytes", s.limits.MaxMemoryBytes)
					s.restart(c, "memory limit exceeded")
					return
				}
				if s.limits.MaxFileDescriptors > 0 && st.fdCount > s.limits.MaxFileDescriptors {
					s.logger.Error("stdio server over fd limit",
						"command", s.command[0],
						"fd_count", st.fdCount,
						"limit", s.limits.MaxFileDescriptors)
					s.restart(c, "file descriptor limit exceeded")
					return
				}
				if s.limits.MaxCPUPercent > 0 && cpu > s.limits.MaxCPUPercent {
					s.logger.Warn("stdio server over cpu limit",
						"command", s.command[0],
						"cpu_percent", cpu,
						"limit_percent", s.limits.MaxCPUPercent)
				}
			}

			if s.limits.HungTimeout > 0 {
				beat := time.Unix(0, s.lastBeat.Load())
				if now.Sub(beat) > s.limits.HungTimeout {
					s.logger.Error("stdio server hung",
						"command", s.command[0],
						"last_heartbeat", beat.UTC())
					s.restart(c, "hung")
					return
				}
			}
		}
	}
}

// restart replaces the child generation. Only one caller wins the
// Running -> Restarting transition; everyone else returns. Exceeding the
// restart budget stops the supervisor fatally.
func (s *Supervisor) restart(c *child, reason string) {
	s.mu.Lock()
	if s.cur != c || s.state != StateRunning || s.shutdown {
		s.mu.Unlock()
		return
	}
	s.state = StateRestarting
	s.restarts++
	attempt := s.restarts
	budget := s.limits.MaxRestartAttempts
	s.mu.Unlock()

	s.failPending(ErrTransportStopped)
	close(c.gone)
	s.kill(c)
	<-c.exited
	_ = c.stdin.Close()
	_ = c.stdout.Close()

	if attempt > budget {
		s.mu.Lock()
		s.cur = nil
		s.state = StateStopped
		s.fatal = true
		s.mu.Unlock()
		s.logger.Error("stdio server failed permanently",
			"command", s.command[0],
			"restarts", attempt-1,
			"reason", reason)
		return
	}

	s.logger.Warn("restarting stdio server",
		"command", s.command[0],
		"reason", reason,
		"attempt", attempt,
		"budget", budget)

	nc, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		s.cur = nil
		s.state = StateStopped
		s.fatal = true
		s.mu.Unlock()
		s.logger.Error("stdio server respawn failed",
			"command", s.command[0], "error", err)
		return
	}

	s.mu.Lock()
	if s.shutdown {
		// Stop was requested while respawning; tear the new child down.
		s.cur = nil
		s.state = StateStopped
		s.mu.Unlock()
		_ = nc.stdin.Close()
		_ = nc.cmd.Process.Kill()
		_ = nc.cmd.Wait()
		return
	}
	s.cur = nc
	s.state = StateRunning
	s.mu.Unlock()

	s.touch()
	s.run(nc)
	s.handshake(context.Background())
}

// kill force-terminates the child. An already-finished process is not an
// error.
func (s *Supervisor) kill(c *child) {
	if proc := c.cmd.Process; proc != nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("kill stdio server", "error", err)
		}
	}
}

// touch advances the heartbeat. Called on every message in either
// direction.
func (s *Supervisor) touch() {
	s.lastBeat.Store(time.Now().UnixNano())
}

// complete delivers a reply to its pending call, if still tracked.
func (s *Supervisor) complete(id int64, reply rpcReply) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// discard drops a pending call that will no longer be awaited.
func (s *Supervisor) discard(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// failPending completes every pending call with err.
func (s *Supervisor) failPending(err error) {
	s.mu.Lock()
	pend := s.pending
	s.pending = make(map[int64]chan rpcReply)
	s.mu.Unlock()

	for _, ch := range pend {
		ch <- rpcReply{err: err}
	}
}

// encodeRequest builds one JSON-RPC request frame.
func encodeRequest(id int64, method string, params interface{}) ([]byte, error) {
	reqID, err := jsonrpc.MakeID(float64(id))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}
	req := &jsonrpc.Request{ID: reqID, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	frame, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return frame, nil
}

// encodeNotification builds one JSON-RPC notification frame.
func encodeNotification(method string, params interface{}) ([]byte, error) {
	req := &jsonrpc.Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	frame, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return frame, nil
}
