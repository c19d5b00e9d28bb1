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
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// TestHelperProcess is not a real test: when re-executed with
// GO_WANT_HELPER_PROCESS=1 it acts as a miniature MCP stdio server.
// Modes (the argument after "--"):
//
//	echo    answer initialize, ping, tools/list, and tools/call;
//	        a tools/call for "sleep" is swallowed without a response
//	silent  read stdin forever and never answer
//	exit    exit immediately with status 3
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	mode := "echo"
	if len(args) > 0 {
		mode = args[0]
	}

	switch mode {
	case "exit":
		os.Exit(3)
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &req); err != nil || req.ID == nil {
			continue // notification or garbage
		}

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{
				"protocolVersion": "2025-03-26",
				"capabilities":    map[string]interface{}{},
				"serverInfo":      map[string]interface{}{"name": "helper"},
			}
		case "ping":
			result = map[string]interface{}{}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []map[string]interface{}{
					{"name": "read_note", "description": "Read a note"},
					{"name": "delete_note", "description": "Delete a note"},
				},
			}
		case "tools/call":
			var params struct {
				Name      string                 `json:"name"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			_ = json.Unmarshal(req.Params, &params)
			if params.Name == "sleep" {
				continue // swallow; the caller is testing pending cleanup
			}
			result = map[string]interface{}{
				"content": []map[string]interface{}{
					{"type": "text", "text": fmt.Sprintf("%s:%v", params.Name, params.Arguments["n"])},
				},
				"isError": params.Name == "fail",
			}
		default:
			resp, _ := json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0",
				"id":      *req.ID,
				"error":   map[string]interface{}{"code": -32601, "message": "Method not found"},
			})
			fmt.Printf("%s\n", resp)
			continue
		}

		resp, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      *req.ID,
			"result":  result,
		})
		fmt.Printf("%s\n", resp)
	}
}

// helperCommand builds a command vector that re-executes the test binary
// as a helper MCP server.
func helperCommand(mode string) []string {
	return []string{os.Args[0], "-test.run=^TestHelperProcess$", "--", mode}
}

func helperEnv(extra ...string) []string {
	return append([]string{"GO_WANT_HELPER_PROCESS=1"}, extra...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastLimits keeps polling tight so lifecycle tests finish quickly.
func fastLimits() Limits {
	l := DefaultLimits()
	l.HeartbeatInterval = 50 * time.Millisecond
	l.HungTimeout = 5 * time.Second
	l.StopTimeout = 2 * time.Second
	l.MaxRestartAttempts = 2
	return l
}

func newHelperSupervisor(t *testing.T, mode string, limits Limits) *Supervisor {
	t.Helper()
	sup, err := NewSupervisor(helperCommand(mode), testLogger(),
		WithLimits(limits), WithEnv(helperEnv()))
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	return sup
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSupervisorCallRoundTrip(t *testing.T) {
	sup := newHelperSupervisor(t, "echo", fastLimits())
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	if got := sup.State(); got != StateRunning {
		t.Fatalf("State() = %v, want %v", got, StateRunning)
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := sup.Call(callCtx, "tools/list", nil)
	if err != nil {
		t.Fatalf("Call(tools/list) error = %v", err)
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode tools/list result: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(list.Tools))
	}
	if list.Tools[0].Name != "read_note" {
		t.Errorf("first tool = %q, want read_note", list.Tools[0].Name)
	}

	info := sup.Info()
	if info.PID <= 0 {
		t.Errorf("Info().PID = %d, want > 0", info.PID)
	}
	if info.State != "running" {
		t.Errorf("Info().State = %q, want running", info.State)
	}
	if info.LastHeartbeat.IsZero() {
		t.Error("Info().LastHeartbeat is zero after traffic")
	}
}

func TestSupervisorConcurrentCallsCorrelateById(t *testing.T) {
	sup := newHelperSupervisor(t, "echo", fastLimits())
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			raw, err := sup.Call(callCtx, "tools/call", map[string]interface{}{
				"name":      "read_note",
				"arguments": map[string]interface{}{"n": n},
			})
			if err != nil {
				errs <- fmt.Errorf("caller %d: %w", n, err)
				return
			}
			want := fmt.Sprintf("read_note:%d", n)
			if !strings.Contains(string(raw), want) {
				errs <- fmt.Errorf("caller %d: result %s does not contain %q", n, raw, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSupervisorServerErrorObject(t *testing.T) {
	sup := newHelperSupervisor(t, "echo", fastLimits())
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = sup.Stop(context.Background()) }()

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := sup.Call(callCtx, "resources/read", nil)
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *rpcError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("error code = %d, want -32601", rpcErr.Code)
	}
}

func TestSupervisorGracefulStop(t *testing.T) {
	sup := newHelperSupervisor(t, "echo", fastLimits())
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// A call the helper swallows stays pending until Stop completes it.
	pendingErr := make(chan error, 1)
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := sup.Call(callCtx, "tools/call", map[string]interface{}{"name": "sleep"})
		pendingErr <- err
	}()
	time.Sleep(100 * time.Millisecond)

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := sup.State(); got != StateStopped {
		t.Fatalf("State() after Stop = %v, want %v", got, StateStopped)
	}

	select {
	case err := <-pendingErr:
		if !errors.Is(err, ErrTransportStopped) {
			t.Errorf("pending call error = %v, want ErrTransportStopped", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call not completed by Stop")
	}

	// Idempotent.
	if err := sup.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSupervisorRestartsOnExit(t *testing.T) {
	limits := fastLimits()
	limits.MaxRestartAttempts = 2

	sup := newHelperSupervisor(t, "exit", limits)
	ctx := context.Background()

	// Start succeeds (the process launches before it exits); the exit
	// cascade then burns through the restart budget.
	_ = sup.Start(ctx)

	waitFor(t, 10*time.Second, "fatal stop", sup.Failed)

	info := sup.Info()
	if info.Restarts < limits.MaxRestartAttempts {
		t.Errorf("Info().Restarts = %d, want >= %d", info.Restarts, limits.MaxRestartAttempts)
	}
	if info.State != "stopped" {
		t.Errorf("Info().State = %q, want stopped", info.State)
	}

	// Further sends fail fast.
	_, err := sup.Call(ctx, "tools/list", nil)
	if !errors.Is(err, ErrSupervisorFailed) {
		t.Errorf("Call() after fatal stop = %v, want ErrSupervisorFailed", err)
	}
	if err := sup.Start(ctx); !errors.Is(err, ErrSupervisorFailed) {
		t.Errorf("Start() after fatal stop = %v, want ErrSupervisorFailed", err)
	}
}

func TestSupervisorHungChildIsRestarted(t *testing.T) {
	limits := fastLimits()
	limits.HungTimeout = 200 * time.Millisecond
	limits.MaxRestartAttempts = 1

	sup := newHelperSupervisor(t, "silent", limits)
	ctx := context.Background()

	_ = sup.Start(ctx)

	// The silent child never answers; every generation goes hung until
	// the budget is spent.
	waitFor(t, 10*time.Second, "fatal stop after hung restarts", sup.Failed)

	if got := sup.Info().Restarts; got < 1 {
		t.Errorf("Info().Restarts = %d, want >= 1", got)
	}
}

func TestSupervisorMemoryLimitBreach(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("resource sampling needs /proc")
	}

	limits := fastLimits()
	limits.MaxMemoryBytes = 1 // any live process breaches immediately
	limits.MaxRestartAttempts = 0

	sup := newHelperSupervisor(t, "echo", limits)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 10*time.Second, "fatal stop after memory breach", sup.Failed)
}

func TestSupervisorFDLimitBreach(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("resource sampling needs /proc")
	}

	limits := fastLimits()
	limits.MaxMemoryBytes = 0 // memory unlimited; isolate the fd path
	limits.MaxFileDescriptors = 1
	limits.MaxRestartAttempts = 0

	sup := newHelperSupervisor(t, "echo", limits)
	ctx := context.Background()

	if err := sup.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 10*time.Second, "fatal stop after fd breach", sup.Failed)
}

func TestSupervisorRejectsEmptyCommand(t *testing.T) {
	if _, err := NewSupervisor(nil, testLogger()); err == nil {
		t.Error("NewSupervisor(nil) error = nil, want error")
	}
	if _, err := NewSupervisor([]string{""}, testLogger()); err == nil {
		t.Error(`NewSupervisor([""]) error = nil, want error`)
	}
}

func TestSupervisorCallBeforeStart(t *testing.T) {
	sup := newHelperSupervisor(t, "echo", fastLimits())
	_, err := sup.Call(context.Background(), "tools/list", nil)
	if !errors.Is(err, ErrTransportStopped) {
		t.Errorf("Call() before Start = %v, want ErrTransportStopped", err)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStopped:    "stopped",
		StateStarting:   "starting",
		StateRunning:    "running",
		StateRestarting: "restarting",
		StateStopping:   "stopping",
		State(99):       "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
